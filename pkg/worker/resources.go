package worker

import (
	"github.com/shirou/gopsutil/v3/process"
)

// resourceSample is a point-in-time reading of a process tree's cumulative
// resource usage: total CPU-seconds (user+system) and RSS/IO summed across
// the root process and every descendant alive at sample time.
//
// This mirrors _collect_proc_tree_counters from the original runtime: a
// process that forked and exited children still contributes whatever RSS
// and IO it accumulated while they were alive, but CPU/IO counters are not
// adjusted for children that have already been reaped — matching the
// original's own best-effort semantics.
type resourceSample struct {
	CPUSeconds   float64
	RSSBytes     int64
	IOReadBytes  int64
	IOWriteBytes int64
}

// collectProcessTreeCounters sums CPU time, RSS, and IO counters over pid
// and all of its live descendants. Errors reading any one process (it may
// have exited between the tree walk and the read) are ignored for that
// process rather than failing the whole sample.
func collectProcessTreeCounters(pid int32) (resourceSample, error) {
	root, err := process.NewProcess(pid)
	if err != nil {
		return resourceSample{}, err
	}

	procs := []*process.Process{root}
	for i := 0; i < len(procs); i++ {
		if children, err := procs[i].Children(); err == nil {
			procs = append(procs, children...)
		}
	}

	var out resourceSample
	for _, p := range procs {
		if times, err := p.Times(); err == nil {
			out.CPUSeconds += times.User + times.System
		}
		if mem, err := p.MemoryInfo(); err == nil && mem != nil {
			out.RSSBytes += int64(mem.RSS)
		}
		if io, err := p.IOCounters(); err == nil && io != nil {
			out.IOReadBytes += int64(io.ReadBytes)
			out.IOWriteBytes += int64(io.WriteBytes)
		}
	}
	return out, nil
}
