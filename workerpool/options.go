package workerpool

import (
	"runtime"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultKeepAlive is how long a surplus worker stays idle before it exits.
	DefaultKeepAlive = 60 * time.Second

	// DefaultProbeInterval is the escalator's stall detection period.
	DefaultProbeInterval = 5 * time.Second
)

// Ordering reports whether task a should be dequeued before task b.
//
// It must describe a strict weak order. Tasks it considers equivalent
// are dequeued in submission order.
type Ordering func(a, b Task) bool

// Options configure a worker Pool.
//
// All zero values are replaced with sensible defaults in FillDefaults.
type Options struct {
	// CoreSize is the number of workers kept alive while idle.
	CoreSize int

	// MaxSize caps the number of workers. Workers above CoreSize are only
	// started when a bounded queue is full, or by an Escalator raising
	// CoreSize.
	MaxSize int

	// KeepAlive bounds how long a worker above CoreSize may stay idle.
	KeepAlive time.Duration

	// AllowCoreTimeout applies KeepAlive to core workers as well.
	AllowCoreTimeout bool

	// QueueCapacity bounds the work queue. Zero means unbounded.
	QueueCapacity int

	// Less orders the work queue. Nil means FIFO.
	Less Ordering

	// PinWorkers locks each worker to an OS thread pinned to one CPU.
	// Linux only; ignored elsewhere.
	PinWorkers bool

	// ProbeInterval is used by escalating pools created by a Registry.
	ProbeInterval time.Duration

	Logger *zap.Logger

	// OnInternalError receives failures inside the pool itself.
	OnInternalError func(error)

	// OnTaskPanic receives the value recovered from a panicking task.
	OnTaskPanic func(t Task, recovered any)
}

// FillDefaults replaces zero values with defaults.
func (o *Options) FillDefaults() {
	if o.CoreSize < 0 {
		o.CoreSize = 0
	}
	if o.CoreSize == 0 && o.MaxSize <= 0 {
		o.CoreSize = runtime.GOMAXPROCS(0)
	}
	if o.MaxSize < o.CoreSize {
		o.MaxSize = o.CoreSize
	}
	if o.MaxSize <= 0 {
		o.MaxSize = 1
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = DefaultKeepAlive
	}
	if o.QueueCapacity < 0 {
		o.QueueCapacity = 0
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = DefaultProbeInterval
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}
