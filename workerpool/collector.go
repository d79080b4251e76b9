package workerpool

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports every live pool of a Registry to prometheus.
//
// Values are read at scrape time from Pool.Stats, so pools created or
// removed after registration are picked up without re-registering.
type Collector struct {
	reg *Registry

	active    *prometheus.Desc
	queued    *prometheus.Desc
	workers   *prometheus.Desc
	largest   *prometheus.Desc
	coreSize  *prometheus.Desc
	maxSize   *prometheus.Desc
	submitted *prometheus.Desc
	completed *prometheus.Desc
	rejected  *prometheus.Desc
}

// NewCollector builds a collector; register it with prometheus.MustRegister.
func NewCollector(namespace string, reg *Registry) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", name),
			help, []string{"pool"}, nil,
		)
	}
	return &Collector{
		reg:       reg,
		active:    desc("active_tasks", "Tasks currently running."),
		queued:    desc("queued_tasks", "Tasks waiting for a worker."),
		workers:   desc("workers", "Live worker goroutines."),
		largest:   desc("largest_workers", "Largest number of workers seen."),
		coreSize:  desc("core_size", "Configured core size."),
		maxSize:   desc("max_size", "Configured maximum size."),
		submitted: desc("submitted_total", "Tasks accepted by Submit."),
		completed: desc("completed_total", "Tasks that finished running."),
		rejected:  desc("rejected_total", "Submissions refused by a closed or full pool."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.active
	ch <- c.queued
	ch <- c.workers
	ch <- c.largest
	ch <- c.coreSize
	ch <- c.maxSize
	ch <- c.submitted
	ch <- c.completed
	ch <- c.rejected
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, p := range c.reg.Pools() {
		st := p.Stats()
		gauge := func(d *prometheus.Desc, v int) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), st.Name)
		}
		counter := func(d *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), st.Name)
		}
		gauge(c.active, st.Active)
		gauge(c.queued, st.Queued)
		gauge(c.workers, st.PoolSize)
		gauge(c.largest, st.Largest)
		gauge(c.coreSize, st.CoreSize)
		gauge(c.maxSize, st.MaxSize)
		counter(c.submitted, st.Submitted)
		counter(c.completed, st.Completed)
		counter(c.rejected, st.Rejected)
	}
}
