package workerpool_test

import (
	"context"
	"math/rand"
	"os"
	"runtime"
	"slices"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	wp "github.com/azargarov/ldgate/workerpool"
)

func getenvInt(name string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(name)); err == nil {
		return v
	}
	return def
}

func percentile(sorted []int64, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(float64(len(sorted)-1) * q)
	return time.Duration(sorted[i])
}

type benchTask struct {
	prio     int
	start    time.Time
	done     func(time.Duration)
	executed *atomic.Int64
}

func (t *benchTask) Run() {
	t.done(time.Since(t.start))
	t.executed.Add(1)
}

func byTaskPrio(a, b wp.Task) bool {
	return a.(*benchTask).prio > b.(*benchTask).prio
}

func BenchmarkPool_SubmitFIFO(b *testing.B) {
	workers := getenvInt("WORKERS", runtime.GOMAXPROCS(0))
	pool := wp.NewPool("bench", wp.Options{CoreSize: workers, MaxSize: workers})
	defer pool.ShutdownNow()

	var executed atomic.Int64
	task := wp.TaskFunc(func() { executed.Add(1) })

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := pool.Submit(task); err != nil {
			b.Fatalf("submit: %v", err)
		}
	}
	deadline := time.Now().Add(10 * time.Second)
	for executed.Load() != int64(b.N) {
		if time.Now().After(deadline) {
			b.Fatalf("executed %d of %d", executed.Load(), b.N)
		}
		runtime.Gosched()
	}
}

func BenchmarkPool_OrderedLatency(b *testing.B) {
	workers := getenvInt("WORKERS", runtime.GOMAXPROCS(0))
	maxPrio := getenvInt("MAXPRIO", 8)

	pool := wp.NewPool("bench", wp.Options{CoreSize: workers, MaxSize: workers, Less: byTaskPrio})
	defer func() {
		pool.Shutdown()
		_ = pool.AwaitTermination(context.Background())
	}()

	var (
		executed  atomic.Int64
		submitted atomic.Int64
		idx       atomic.Int64
	)
	latencies := make([]int64, b.N)
	record := func(d time.Duration) {
		if i := idx.Add(1) - 1; i < int64(len(latencies)) {
			latencies[i] = d.Nanoseconds()
		}
	}

	b.ResetTimer()
	start := time.Now()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(time.Now().UnixNano()))
		maxInflight := int64(workers * 32)
		for pb.Next() {
			for submitted.Load()-executed.Load() > maxInflight {
				runtime.Gosched()
			}
			t := &benchTask{prio: r.Intn(maxPrio), start: time.Now(), done: record, executed: &executed}
			if err := pool.Submit(t); err != nil {
				panic(err)
			}
			submitted.Add(1)
		}
	})

	deadline := time.Now().Add(10 * time.Second)
	for executed.Load() != submitted.Load() {
		if time.Now().After(deadline) {
			b.Fatalf("executed %d of %d", executed.Load(), submitted.Load())
		}
		runtime.Gosched()
	}
	elapsed := time.Since(start)

	total := int(idx.Load())
	if total == 0 {
		b.Fatal("no latencies recorded")
	}
	samples := latencies[:min(total, len(latencies))]
	slices.Sort(samples)

	b.ReportMetric(float64(executed.Load())/elapsed.Seconds()/1e6, "Mtasks/sec")
	b.ReportMetric(float64(percentile(samples, 0.50).Nanoseconds()), "p50_ns")
	b.ReportMetric(float64(percentile(samples, 0.99).Nanoseconds()), "p99_ns")
}
