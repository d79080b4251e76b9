package workerpool

import (
	"container/heap"
	"sync"
	"time"
)

// ProbeScheduler runs periodic probes. fn is called every d until it
// returns false or the returned stop function is called.
type ProbeScheduler interface {
	Every(d time.Duration, fn func() bool) (stop func())
}

type probe struct {
	due   time.Time
	every time.Duration
	fn    func() bool
	index int
	done  bool
}

type probeHeap []*probe

func (h probeHeap) Len() int           { return len(h) }
func (h probeHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h probeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *probeHeap) Push(x any) {
	pr := x.(*probe)
	pr.index = len(*h)
	*h = append(*h, pr)
}

func (h *probeHeap) Pop() any {
	old := *h
	n := len(old)
	pr := old[n-1]
	old[n-1] = nil
	pr.index = -1
	*h = old[:n-1]
	return pr
}

// Scheduler is a single goroutine shared by every escalator of a
// registry. Probes are cheap and run sequentially on it, so one
// goroutine and one timer serve any number of pools.
type Scheduler struct {
	mu      sync.Mutex
	probes  probeHeap
	kick    chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	stopped bool
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		kick:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Every implements ProbeScheduler. The scheduler goroutine is started
// on first use.
func (s *Scheduler) Every(d time.Duration, fn func() bool) func() {
	pr := &probe{due: time.Now().Add(d), every: d, fn: fn}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return func() {}
	}
	heap.Push(&s.probes, pr)
	if !s.started {
		s.started = true
		go s.run()
	}
	s.mu.Unlock()
	s.nudge()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		pr.done = true
		if pr.index >= 0 {
			heap.Remove(&s.probes, pr.index)
		}
	}
}

func (s *Scheduler) nudge() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.doneCh)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var wait time.Duration = -1
		if len(s.probes) > 0 {
			wait = max(time.Until(s.probes[0].due), 0)
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		var fire <-chan time.Time
		if wait >= 0 {
			timer.Reset(wait)
			fire = timer.C
		}

		select {
		case <-s.stopCh:
			return
		case <-s.kick:
		case <-fire:
			s.fireDue(time.Now())
		}
	}
}

// fireDue runs every probe whose due time has passed and reschedules
// those that ask to continue.
func (s *Scheduler) fireDue(now time.Time) {
	for {
		s.mu.Lock()
		if len(s.probes) == 0 || s.probes[0].due.After(now) {
			s.mu.Unlock()
			return
		}
		pr := heap.Pop(&s.probes).(*probe)
		s.mu.Unlock()

		again := pr.fn()

		s.mu.Lock()
		if again && !pr.done && !s.stopped {
			pr.due = now.Add(pr.every)
			heap.Push(&s.probes, pr)
		}
		s.mu.Unlock()
	}
}

// Stop cancels every probe and ends the scheduler goroutine.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	for _, pr := range s.probes {
		pr.done = true
		pr.index = -1
	}
	s.probes = nil
	s.mu.Unlock()

	close(s.stopCh)
	if started {
		<-s.doneCh
	}
}
