package workerpool

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// AtomicMetrics holds the pool's monotonic counters.
//
// Writes are on hot paths and lock-free.
// Reads are intended for cold-path observation.
type AtomicMetrics struct {
	// submitted counts tasks accepted by Submit.
	submitted atomic.Uint64
	_         cpu.CacheLinePad

	// completed counts tasks that finished running, panics included.
	completed atomic.Uint64
	_         cpu.CacheLinePad

	// rejected counts Submit calls refused by a closed or full pool.
	rejected atomic.Uint64
}

func (m *AtomicMetrics) IncSubmitted() { m.submitted.Add(1) }
func (m *AtomicMetrics) IncCompleted() { m.completed.Add(1) }
func (m *AtomicMetrics) IncRejected()  { m.rejected.Add(1) }

// Submitted returns the number of accepted tasks.
func (m *AtomicMetrics) Submitted() uint64 { return m.submitted.Load() }

// Completed returns the number of tasks that finished running.
func (m *AtomicMetrics) Completed() uint64 { return m.completed.Load() }

// Rejected returns the number of refused submissions.
func (m *AtomicMetrics) Rejected() uint64 { return m.rejected.Load() }

// Stats is a point-in-time view of a pool, used by the management
// surface and the prometheus collector.
type Stats struct {
	Name             string `json:"name"`
	State            string `json:"state"`
	CoreSize         int    `json:"core_size"`
	MaxSize          int    `json:"max_size"`
	PoolSize         int    `json:"pool_size"`
	Largest          int    `json:"largest_pool_size"`
	Active           int    `json:"active"`
	Queued           int    `json:"queued"`
	Submitted        uint64 `json:"submitted"`
	Completed        uint64 `json:"completed"`
	Rejected         uint64 `json:"rejected"`
	KeepAliveSeconds int64  `json:"keep_alive_seconds"`
	AllowCoreTimeout bool   `json:"allow_core_timeout"`
}
