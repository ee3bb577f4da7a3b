package metrics

import (
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/types"
)

// NodeSource lists node snapshots. registry.Registry implements it.
type NodeSource interface {
	List() []types.Node
}

// DropCounter reports lagging event deliveries. events.Broker implements it.
type DropCounter interface {
	Dropped() uint64
}

var nodeStates = []types.NodeState{
	types.NodeStateRegistering,
	types.NodeStateConnected,
	types.NodeStateDegraded,
	types.NodeStateLost,
	types.NodeStateRetired,
}

// Collector periodically refreshes gauges derived from registry state
type Collector struct {
	nodes    NodeSource
	events   DropCounter
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a collector. events may be nil.
func NewCollector(nodes NodeSource, events DropCounter, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		nodes:    nodes,
		events:   events,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
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

// Collect refreshes every derived gauge once
func (c *Collector) Collect() {
	counts := make(map[types.NodeState]int, len(nodeStates))
	NodeClockOffset.Reset()
	NodeRoundTrip.Reset()
	NodeClockConfidence.Reset()

	for _, n := range c.nodes.List() {
		counts[n.State]++
		if !n.ClockTrusted() {
			continue
		}
		NodeClockOffset.WithLabelValues(n.ID).Set(n.Clock.Offset.Seconds())
		NodeRoundTrip.WithLabelValues(n.ID).Set(n.Clock.RoundTrip.Seconds())
		NodeClockConfidence.WithLabelValues(n.ID).Set(n.Clock.Confidence)
	}

	for _, state := range nodeStates {
		NodesTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}

	if c.events != nil {
		EventsDropped.Set(float64(c.events.Dropped()))
	}
}
