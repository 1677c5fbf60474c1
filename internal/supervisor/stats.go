package supervisor

import (
	"github.com/shirou/gopsutil/v3/process"
)

// usage is a point-in-time resource reading for the producer.
type usage struct {
	CPUPercent float64
	RSSBytes   uint64
}

// sampleUsage reads CPU and resident memory for pid. Errors (the process
// may exit between the lookup and the read) yield a zero reading.
func sampleUsage(pid int) usage {
	if pid <= 0 {
		return usage{}
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return usage{}
	}
	var u usage
	if cpu, err := p.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		u.RSSBytes = mem.RSS
	}
	return u
}
