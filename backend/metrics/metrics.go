package metrics

import "sync"

type Namespace struct {
	Active int64 `json:"active"`
	Total  int64 `json:"total"`
}

// Collector counts realtime connections per namespace. It is injected
// into the gateway instead of living in process globals so tests and
// multiple server instances in one process stay independent.
type Collector struct {
	mx     sync.Mutex
	counts map[string]Namespace
}

func NewCollector() *Collector {
	return &Collector{counts: make(map[string]Namespace)}
}

func (c *Collector) ConnOpened(ns string) {
	c.mx.Lock()
	n := c.counts[ns]
	n.Active++
	n.Total++
	c.counts[ns] = n
	c.mx.Unlock()
}

func (c *Collector) ConnClosed(ns string) {
	c.mx.Lock()
	n := c.counts[ns]
	if n.Active > 0 {
		n.Active--
	}
	c.counts[ns] = n
	c.mx.Unlock()
}

func (c *Collector) Snapshot() map[string]Namespace {
	c.mx.Lock()
	defer c.mx.Unlock()
	out := make(map[string]Namespace, len(c.counts))
	for ns, n := range c.counts {
		out[ns] = n
	}
	return out
}
