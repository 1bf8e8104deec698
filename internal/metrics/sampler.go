package metrics

import (
	"sync"

	"github.com/shirou/gopsutil/v4/process"
)

// Usage is one resource sample of the server process.
type Usage struct {
	CPUPercent float64
	RSSBytes   uint64
}

// Sampler reads CPU and memory of one pid at a time. CPU percent is the
// delta since the previous sample of the same pid, so the first sample of a
// new pid reports 0.
type Sampler struct {
	mu   sync.Mutex
	pid  int32
	proc *process.Process
}

func NewSampler() *Sampler { return &Sampler{} }

// Sample returns usage for pid and mirrors it into the gauges.
func (s *Sampler) Sample(pid int) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pid <= 0 {
		s.proc, s.pid = nil, 0
		SetUsage(0, 0)
		return Usage{}, nil
	}
	if s.proc == nil || s.pid != int32(pid) {
		p, err := process.NewProcess(int32(pid))
		if err != nil {
			s.proc, s.pid = nil, 0
			return Usage{}, err
		}
		s.proc, s.pid = p, int32(pid)
		// prime the CPU delta
		_, _ = p.Percent(0)
	}
	cpu, err := s.proc.Percent(0)
	if err != nil {
		return Usage{}, err
	}
	mem, err := s.proc.MemoryInfo()
	if err != nil {
		return Usage{}, err
	}
	u := Usage{CPUPercent: cpu, RSSBytes: mem.RSS}
	SetUsage(u.CPUPercent, u.RSSBytes)
	return u, nil
}

// Reset forgets the tracked pid and zeroes the gauges.
func (s *Sampler) Reset() {
	_, _ = s.Sample(0)
}
