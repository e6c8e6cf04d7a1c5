// Package registry implements the lock-free gauge registry (component A):
// an append-only table of cells keyed by metric name, where the hot path
// (Set) touches only the returned Handle and never the table itself.
package registry

import (
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/sys/cpu"
)

// Label is a single key/value pair attached to a metric at registration.
type Label struct {
	Key   string
	Value string
}

// gaugeCell is the single cell backing one metric for the lifetime of the
// process. Labels are immutable once set by Intern; value and timestamp are
// updated with plain atomic stores from producer threads.
type gaugeCell struct {
	name   string
	labels []Label

	description atomic.Pointer[string]

	valueBits       atomic.Uint64
	lastUpdateNanos atomic.Int64

	// Padding keeps the hot fields above off the same cache line as next,
	// which is only ever touched by Intern and IterLive, not by Set.
	_ cpu.CacheLinePad

	next atomic.Pointer[gaugeCell]
}

func newGaugeCell(name string, labels []Label, now time.Time) *gaugeCell {
	c := &gaugeCell{name: name, labels: labels}
	c.lastUpdateNanos.Store(now.UnixNano())
	return c
}

func (c *gaugeCell) set(v float64, now time.Time) {
	c.valueBits.Store(math.Float64bits(v))
	c.lastUpdateNanos.Store(now.UnixNano())
}

func (c *gaugeCell) value() float64 {
	return math.Float64frombits(c.valueBits.Load())
}

func (c *gaugeCell) describe(desc string) {
	c.description.Store(&desc)
}

// Handle is a stable, process-lifetime reference to a registered gauge.
// Set never allocates, never blocks, and never touches the registry's map.
type Handle struct {
	cell *gaugeCell
}

// Set atomically stores v as the cell's current value.
func (h Handle) Set(v float64) {
	h.cell.set(v, time.Now())
}

// Describe records an optional human-readable description for the metric.
// It does not affect the wire protocol; callers should not invoke it from
// a hot path.
func (h Handle) Describe(desc string) {
	h.cell.describe(desc)
}
