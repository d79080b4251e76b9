package pipeline

import (
	"sync/atomic"
	"time"

	"github.com/azargarov/ldgate/exchange"
	"github.com/azargarov/ldgate/workerpool"
)

var taskIDs atomic.Uint64

// ScheduledTask is an exchange waiting for a stage worker. Its ranking
// keys are fixed when it is created.
type ScheduledTask struct {
	ex         *exchange.Exchange
	stage      *actor
	id         uint64
	storable   bool
	safe       bool
	receivedOn time.Time
	desc       string
}

func newTask(stage *actor, ex *exchange.Exchange) *ScheduledTask {
	req := ex.Request()
	return &ScheduledTask{
		ex:         ex,
		stage:      stage,
		id:         taskIDs.Add(1),
		storable:   req.IsStorable(),
		safe:       req.IsSafe(),
		receivedOn: req.ReceivedOn,
		desc:       req.String(),
	}
}

func (t *ScheduledTask) Exchange() *exchange.Exchange { return t.ex }

// Run implements workerpool.Task.
func (t *ScheduledTask) Run() { t.stage.run(t.ex, false) }

// Reject implements workerpool.Rejecter.
func (t *ScheduledTask) Reject(err error) { t.stage.overloaded(t.ex, err) }

func (t *ScheduledTask) String() string {
	return t.stage.name + ": " + t.desc + " [" + t.ex.ID().String() + "]"
}

// Before reports whether t runs ahead of u: storable first, then safe,
// then older, then lower id.
func (t *ScheduledTask) Before(u *ScheduledTask) bool {
	if t.storable != u.storable {
		return t.storable
	}
	if t.safe != u.safe {
		return t.safe
	}
	if !t.receivedOn.Equal(u.receivedOn) {
		return t.receivedOn.Before(u.receivedOn)
	}
	return t.id < u.id
}

// taskOrder is the stage queue ordering.
func taskOrder(a, b workerpool.Task) bool {
	ta, aok := a.(*ScheduledTask)
	tb, bok := b.(*ScheduledTask)
	if !aok || !bok {
		return aok
	}
	return ta.Before(tb)
}
