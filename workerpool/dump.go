package workerpool

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"runtime/pprof"
	"sort"
	"time"
)

// Dump writes the pool's state for operational debugging: sizes and
// counters, every running task with how long it has been running, every
// queued task in dequeue order, and the goroutine profile. Worker
// goroutines carry pprof labels "pool" and "worker", so their stacks can
// be told apart in the profile.
func (p *Pool) Dump(w io.Writer) error {
	p.mu.Lock()
	st := p.statsLocked()
	type active struct {
		id      int
		desc    string
		started time.Time
	}
	running := make([]active, 0, len(p.running))
	for id, rt := range p.running {
		running = append(running, active{id: id, desc: describe(rt.task), started: rt.started})
	}
	queued := p.queue.snapshot()
	p.mu.Unlock()

	sort.Slice(running, func(i, j int) bool { return running[i].id < running[j].id })
	sort.Slice(queued, func(i, j int) bool { return queued[i].Seq < queued[j].Seq })

	bw := bufio.NewWriter(w)
	now := time.Now()
	fmt.Fprintf(bw, "pool %q state=%s core=%d max=%d workers=%d largest=%d\n",
		st.Name, st.State, st.CoreSize, st.MaxSize, st.PoolSize, st.Largest)
	fmt.Fprintf(bw, "active=%d queued=%d submitted=%d completed=%d rejected=%d\n\n",
		st.Active, st.Queued, st.Submitted, st.Completed, st.Rejected)

	fmt.Fprintf(bw, "running tasks:\n")
	for _, a := range running {
		fmt.Fprintf(bw, "  worker %d: %s (running %s)\n", a.id, a.desc, now.Sub(a.started).Round(time.Millisecond))
	}
	fmt.Fprintf(bw, "\npending tasks:\n")
	for _, q := range queued {
		fmt.Fprintf(bw, "  #%d %s\n", q.Seq, describe(q.Task))
	}
	fmt.Fprintf(bw, "\n")
	if err := bw.Flush(); err != nil {
		return err
	}
	return pprof.Lookup("goroutine").WriteTo(w, 1)
}

// DumpToFile writes Dump output to path, replacing any existing file.
func (p *Pool) DumpToFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := p.Dump(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (p *Pool) statsLocked() Stats {
	return Stats{
		Name:             p.name,
		State:            p.state.String(),
		CoreSize:         p.core,
		MaxSize:          p.max,
		PoolSize:         p.workers,
		Largest:          p.largest,
		Active:           len(p.running),
		Queued:           p.queue.len(),
		Submitted:        p.metrics.Submitted(),
		Completed:        p.metrics.Completed(),
		Rejected:         p.metrics.Rejected(),
		KeepAliveSeconds: int64(p.keepAlive / time.Second),
		AllowCoreTimeout: p.coreTimeout,
	}
}
