//go:build linux

package resource

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// ProcSampler reads /proc for memory and cpu, and statfs for free disk space
type ProcSampler struct {
	fs       procfs.FS
	diskPath string

	mu        sync.Mutex
	lastBusy  float64
	lastTotal float64
}

// NewProcSampler opens the default procfs mount. diskPath is the directory
// whose filesystem is checked for free space (usually the checkpoint dir).
func NewProcSampler(diskPath string) (*ProcSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &ProcSampler{fs: fs, diskPath: diskPath}, nil
}

// NewSystemSampler returns the platform sampler
func NewSystemSampler(diskPath string) (Sampler, error) {
	return NewProcSampler(diskPath)
}

// Sample implements Sampler. CPU is measured as the busy share since the
// previous call; the first call reports the share since boot.
func (p *ProcSampler) Sample(_ context.Context) (Sample, error) {
	var s Sample

	mem, err := p.fs.Meminfo()
	if err != nil {
		return s, fmt.Errorf("read meminfo: %w", err)
	}
	if mem.MemTotal != nil && mem.MemAvailable != nil && *mem.MemTotal > 0 {
		used := float64(*mem.MemTotal - *mem.MemAvailable)
		s.MemoryPct = used / float64(*mem.MemTotal) * 100
	}

	stat, err := p.fs.Stat()
	if err != nil {
		return s, fmt.Errorf("read stat: %w", err)
	}
	c := stat.CPUTotal
	idle := c.Idle + c.Iowait
	busy := c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
	total := idle + busy

	p.mu.Lock()
	dTotal := total - p.lastTotal
	dBusy := busy - p.lastBusy
	p.lastTotal, p.lastBusy = total, busy
	p.mu.Unlock()
	if dTotal > 0 {
		s.CPUPct = dBusy / dTotal * 100
	}

	var fsStat unix.Statfs_t
	if err := unix.Statfs(p.diskPath, &fsStat); err == nil {
		s.FreeDiskMB = float64(fsStat.Bavail) * float64(fsStat.Bsize) / (1024 * 1024)
	}
	return s, nil
}
