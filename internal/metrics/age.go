package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ageCollector exports a gauge whose value is the age of a recorded
// timestamp, computed when Prometheus scrapes. A plain GaugeVec would go
// stale between updates.
type ageCollector struct {
	desc *prometheus.Desc

	mu    sync.RWMutex
	marks map[[2]string]time.Time
}

func newAgeCollector(name, help string) *ageCollector {
	return &ageCollector{
		desc:  prometheus.NewDesc(name, help, []string{"source", "pair"}, nil),
		marks: make(map[[2]string]time.Time),
	}
}

// mark records at for (source, pair) and returns the previous mark, if any.
func (c *ageCollector) mark(source, pair string, at time.Time) (time.Time, bool) {
	key := [2]string{source, pair}
	c.mu.Lock()
	prev, ok := c.marks[key]
	c.marks[key] = at
	c.mu.Unlock()
	return prev, ok
}

func (c *ageCollector) drop(source, pair string) {
	c.mu.Lock()
	delete(c.marks, [2]string{source, pair})
	c.mu.Unlock()
}

func (c *ageCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *ageCollector) Collect(ch chan<- prometheus.Metric) {
	now := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	for key, at := range c.marks {
		ch <- prometheus.MustNewConstMetric(
			c.desc, prometheus.GaugeValue, now.Sub(at).Seconds(), key[0], key[1],
		)
	}
}
