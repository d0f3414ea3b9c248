package process

import (
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Stats are resource figures for a live child, best effort.
type Stats struct {
	RSS        uint64  `json:"rss"`
	CPUPercent float64 `json:"cpu_percent"`
	Status     string  `json:"status"`
}

// Stats samples memory, CPU and scheduler state of the child from the OS.
func (p *Process) Stats() (Stats, error) {
	gp, err := gopsproc.NewProcess(int32(p.pid))
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	if mi, err := gp.MemoryInfo(); err == nil && mi != nil {
		st.RSS = mi.RSS
	}
	if cpu, err := gp.CPUPercent(); err == nil {
		st.CPUPercent = cpu
	}
	if s, err := gp.Status(); err == nil {
		st.Status = strings.Join(s, ",")
	}
	return st, nil
}
