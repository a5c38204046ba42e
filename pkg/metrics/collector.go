package metrics

import (
	"strconv"
	"time"

	"github.com/cloudesk/brokerd/pkg/storage"
)

// Collector periodically snapshots store contents into gauges
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectResourceMetrics()
	c.collectPoolMetrics()
}

func (c *Collector) collectResourceMetrics() {
	resources, err := c.store.ListResources()
	if err != nil {
		return
	}

	counts := make(map[[2]string]int)
	for _, resource := range resources {
		key := [2]string{string(resource.State), strconv.Itoa(int(resource.CacheLevel))}
		counts[key]++
	}

	ResourcesTotal.Reset()
	for key, count := range counts {
		ResourcesTotal.WithLabelValues(key[0], key[1]).Set(float64(count))
	}
}

func (c *Collector) collectPoolMetrics() {
	pools, err := c.store.ListPools()
	if err != nil {
		return
	}
	PoolsTotal.Set(float64(len(pools)))
}
