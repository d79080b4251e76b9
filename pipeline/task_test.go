package pipeline

import (
	"context"
	"math/rand"
	"net/http"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/azargarov/ldgate/exchange"
)

func TestScheduledTaskTotalOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	methods := []string{http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPost, http.MethodPut, http.MethodDelete}
	base := time.Now()
	stage := &actor{name: "test"}

	tasks := make([]*ScheduledTask, 0, 200)
	for range 200 {
		req, err := exchange.NewRequest(methods[rng.Intn(len(methods))], "/r", nil)
		require.NoError(t, err)
		if rng.Intn(4) == 0 {
			req.Header.Set("Cache-Control", "no-store")
		}
		req.ReceivedOn = base.Add(time.Duration(rng.Intn(20)) * time.Millisecond)
		tasks = append(tasks, newTask(stage, exchange.New(context.Background(), req, 0)))
	}
	rng.Shuffle(len(tasks), func(i, j int) { tasks[i], tasks[j] = tasks[j], tasks[i] })
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Before(tasks[j]) })

	for i := 1; i < len(tasks); i++ {
		a, b := tasks[i-1], tasks[i]
		require.False(t, !a.storable && b.storable, "non-storable before storable at %d", i)
		if a.storable == b.storable {
			require.False(t, !a.safe && b.safe, "unsafe before safe at %d", i)
			if a.safe == b.safe {
				require.False(t, a.receivedOn.After(b.receivedOn), "newer before older at %d", i)
			}
		}
		require.True(t, a.Before(b))
		require.False(t, b.Before(a))
	}
}

func TestTaskOrderIsIrreflexive(t *testing.T) {
	req, err := exchange.NewRequest(http.MethodGet, "/r", nil)
	require.NoError(t, err)
	st := newTask(&actor{name: "test"}, exchange.New(context.Background(), req, 0))
	require.False(t, taskOrder(st, st))
}
