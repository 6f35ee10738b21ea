// Package rlimit monitors process-level resource pressure — file
// descriptors and memory — so ExternalSorter can degrade gracefully
// (smaller batches, earlier spill) and PollExec can permanently shed
// worker slots before the kernel starts refusing forks outright.
package rlimit

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

// Snapshot is one point-in-time read of this process's resource usage.
type Snapshot struct {
	OpenFDs     int32
	RSSBytes    uint64
	NumGoroutine int
}

// Monitor periodically samples the running process and classifies
// pressure against configured thresholds.
type Monitor struct {
	proc   *process.Process
	logger *logrus.Logger

	FDSoftLimit  int32
	MemSoftLimit uint64 // bytes; 0 disables the memory check
}

// New builds a Monitor for the current process.
func New(fdSoftLimit int32, memSoftLimit uint64, logger *logrus.Logger) (*Monitor, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Monitor{proc: p, logger: logger, FDSoftLimit: fdSoftLimit, MemSoftLimit: memSoftLimit}, nil
}

// Sample reads current usage. Errors reading OS-level counters (e.g. on
// platforms gopsutil can't introspect) degrade to zero rather than
// failing the caller — resource monitoring is advisory, not load-bearing.
func (m *Monitor) Sample() Snapshot {
	var snap Snapshot
	if fds, err := m.proc.NumFDs(); err == nil {
		snap.OpenFDs = fds
	}
	if mi, err := m.proc.MemoryInfo(); err == nil && mi != nil {
		snap.RSSBytes = mi.RSS
	}
	snap.NumGoroutine = runtime.NumGoroutine()
	return snap
}

// UnderFDPressure reports whether open FDs are within margin of the soft
// limit (FDSoftLimit <= 0 disables the check).
func (m *Monitor) UnderFDPressure(margin int32) bool {
	if m.FDSoftLimit <= 0 {
		return false
	}
	return m.Sample().OpenFDs >= m.FDSoftLimit-margin
}

// UnderMemoryPressure reports whether RSS has reached MemSoftLimit.
func (m *Monitor) UnderMemoryPressure() bool {
	if m.MemSoftLimit == 0 {
		return false
	}
	return m.Sample().RSSBytes >= m.MemSoftLimit
}

// Watch samples every interval until ctx is done, calling onPressure
// whenever either threshold is crossed. Used by rwpollexec to trigger
// ReduceCapacity proactively instead of waiting for a fork to actually
// fail.
func (m *Monitor) Watch(ctx context.Context, interval time.Duration, onPressure func(Snapshot)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := m.Sample()
			if m.UnderFDPressure(64) || m.UnderMemoryPressure() {
				onPressure(snap)
			}
		}
	}
}
