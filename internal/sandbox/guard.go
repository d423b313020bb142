package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

const guardPollInterval = 250 * time.Millisecond

// Guard supervises the subprocesses a job spawns, polling their
// resident memory and consumed CPU time against the jobs limits. On a
// breach every supervised process is killed and the breach is recorded
// for the executor to report as ResourceExceeded.
//
// In-process reconstruction work (the image route) is not supervised
// here; it is bounded instead by the decode-side caps the pipeline
// applies before allocating.
type Guard struct {
	mu     sync.Mutex
	limits Limits
	pids   []int32

	breached bool
	reason   string

	peakRSS int64
	cpuTime time.Duration
}

func NewGuard(limits Limits) *Guard {
	return &Guard{limits: limits}
}

// Supervise places the process with the given PID under this guards
// supervision. Safe to call from the goroutine running the job while
// the guard is polling.
func (guard *Guard) Supervise(pid int) {
	guard.mu.Lock()
	defer guard.mu.Unlock()

	guard.pids = append(guard.pids, int32(pid))
}

// Start begins polling in a background goroutine. Polling stops when
// the context is cancelled or a breach occurs.
func (guard *Guard) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(guardPollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if guard.poll() {
					return
				}
			}
		}
	}()
}

// Breached reports whether any supervised process exceeded a resource
// bound, and the reason recorded when it did.
func (guard *Guard) Breached() (bool, string) {
	guard.mu.Lock()
	defer guard.mu.Unlock()

	return guard.breached, guard.reason
}

// Observed returns the peak resident memory and total CPU time seen
// across the supervised processes so far.
func (guard *Guard) Observed() (peakRSSBytes int64, cpuTime time.Duration) {
	guard.mu.Lock()
	defer guard.mu.Unlock()

	return guard.peakRSS, guard.cpuTime
}

// poll inspects each supervised process once. Returns true when a
// breach was detected and handled.
func (guard *Guard) poll() bool {
	guard.mu.Lock()
	pids := make([]int32, len(guard.pids))
	copy(pids, guard.pids)
	guard.mu.Unlock()

	for _, pid := range pids {
		proc, err := process.NewProcess(pid)
		if err != nil {
			// Process already exited; nothing to supervise.
			continue
		}

		if mem, err := proc.MemoryInfo(); err == nil {
			guard.observeRSS(int64(mem.RSS))
			if guard.limits.MaxMemoryBytes > 0 && int64(mem.RSS) > guard.limits.MaxMemoryBytes {
				guard.breach(pids, fmt.Sprintf("process %d resident memory %d exceeds bound of %d bytes", pid, mem.RSS, guard.limits.MaxMemoryBytes))
				return true
			}
		}

		if times, err := proc.Times(); err == nil {
			consumed := time.Duration((times.User + times.System) * float64(time.Second))
			guard.observeCPU(consumed)
			if guard.limits.MaxCPUTime > 0 && consumed > guard.limits.MaxCPUTime {
				guard.breach(pids, fmt.Sprintf("process %d consumed %s CPU time, exceeding bound of %s", pid, consumed, guard.limits.MaxCPUTime))
				return true
			}
		}
	}

	return false
}

func (guard *Guard) observeRSS(rss int64) {
	guard.mu.Lock()
	defer guard.mu.Unlock()

	if rss > guard.peakRSS {
		guard.peakRSS = rss
	}
}

func (guard *Guard) observeCPU(consumed time.Duration) {
	guard.mu.Lock()
	defer guard.mu.Unlock()

	if consumed > guard.cpuTime {
		guard.cpuTime = consumed
	}
}

func (guard *Guard) breach(pids []int32, reason string) {
	guard.mu.Lock()
	guard.breached = true
	guard.reason = reason
	guard.mu.Unlock()

	log.Warnf("Resource bound breached, killing supervised processes: %s\n", reason)
	for _, pid := range pids {
		if proc, err := process.NewProcess(pid); err == nil {
			if killErr := proc.Kill(); killErr != nil {
				log.Errorf("Failed to kill supervised process %d: %s\n", pid, killErr)
			}
		}
	}
}
