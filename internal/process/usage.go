package process

import (
	gproc "github.com/shirou/gopsutil/v4/process"
)

// Usage is a point-in-time resource sample of the running tool.
type Usage struct {
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
}

// Usage samples CPU and memory of the tool. It fails once the tool has exited.
func (h *Handle) Usage() (Usage, error) {
	pid := h.PID()
	if pid == 0 {
		return Usage{}, ErrNotStarted
	}
	if code, _ := h.Poll(); code != Running {
		return Usage{}, ErrNotRunning
	}
	proc, err := gproc.NewProcess(int32(pid)) // #nosec G115
	if err != nil {
		return Usage{}, err
	}
	u := Usage{PID: pid}
	if cpu, err := proc.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return u, err
	}
	u.RSSBytes = mem.RSS
	return u, nil
}
