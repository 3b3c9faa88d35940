package resource

import (
	"context"
	"errors"
)

// ErrSamplerUnsupported is returned on platforms without a system sampler
var ErrSamplerUnsupported = errors.New("resource sampling not supported on this platform")

// Sample is one raw reading
type Sample struct {
	MemoryPct  float64
	CPUPct     float64
	FreeDiskMB float64
}

// Sampler reads current system load
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// SamplerFunc adapts a function into a Sampler
type SamplerFunc func(ctx context.Context) (Sample, error)

// Sample implements Sampler
func (f SamplerFunc) Sample(ctx context.Context) (Sample, error) { return f(ctx) }
