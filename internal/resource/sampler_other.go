//go:build !linux

package resource

import "context"

type unsupportedSampler struct{}

func (unsupportedSampler) Sample(context.Context) (Sample, error) {
	return Sample{}, ErrSamplerUnsupported
}

// NewSystemSampler returns a sampler that always reports ErrSamplerUnsupported
func NewSystemSampler(string) (Sampler, error) {
	return unsupportedSampler{}, nil
}
