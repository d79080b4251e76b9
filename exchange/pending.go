package exchange

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Pending owns the exchanges that are in flight and not yet closed.
type Pending struct {
	mu sync.Mutex
	m  map[uuid.UUID]*Exchange
}

func NewPending() *Pending {
	return &Pending{m: make(map[uuid.UUID]*Exchange)}
}

// Add makes the set own ex. It fails for an exchange that was cancelled
// or already left a queue.
func (p *Pending) Add(ex *Exchange) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !ex.attach(p) {
		return false
	}
	p.m[ex.id] = ex
	return true
}

// Remove implements Queue.
func (p *Pending) Remove(ex *Exchange) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.m[ex.id]; !ok {
		return false
	}
	delete(p.m, ex.id)
	return true
}

func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// Info describes a pending exchange.
type Info struct {
	ID      string        `json:"id"`
	Request string        `json:"request"`
	Remote  string        `json:"remote,omitempty"`
	State   string        `json:"state"`
	Age     time.Duration `json:"age_ns"`
}

// Snapshot lists pending exchanges, oldest first.
func (p *Pending) Snapshot() []Info {
	p.mu.Lock()
	exs := make([]*Exchange, 0, len(p.m))
	for _, ex := range p.m {
		exs = append(exs, ex)
	}
	p.mu.Unlock()

	sort.Slice(exs, func(i, j int) bool { return exs[i].created.Before(exs[j].created) })
	now := time.Now()
	out := make([]Info, 0, len(exs))
	for _, ex := range exs {
		req := ex.Request()
		info := Info{
			ID:    ex.id.String(),
			State: ex.State().String(),
			Age:   now.Sub(ex.created),
		}
		if req != nil {
			info.Request = req.String()
			info.Remote = req.RemoteAddr
		}
		out = append(out, info)
	}
	return out
}

// CancelAll cancels every pending exchange.
func (p *Pending) CancelAll() int {
	p.mu.Lock()
	exs := make([]*Exchange, 0, len(p.m))
	for _, ex := range p.m {
		exs = append(exs, ex)
	}
	p.mu.Unlock()
	for _, ex := range exs {
		ex.Cancel()
	}
	return len(exs)
}
