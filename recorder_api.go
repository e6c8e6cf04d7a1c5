// Package scope implements the secondary metrics exporter's Recorder
// Facade (component B): it intercepts describe/register calls from an
// instrumentation façade, routes metrics named with the "~" sigil to its
// own lock-free registry, and forwards everything else to an optional
// fallback recorder.
package scope

import "strings"

// Sigil marks a metric name as owned by this exporter.
const Sigil = "~"

// Label is a single key/value pair attached to a metric at registration.
type Label struct {
	Key   string
	Value string
}

// Key identifies a metric: its full name plus the label set supplied at
// registration.
type Key struct {
	Name   string
	Labels []Label
}

// NewKey builds a Key from a name and a variadic label list.
func NewKey(name string, labels ...Label) Key {
	return Key{Name: name, Labels: labels}
}

// HasSigil reports whether the key's name is owned by this exporter.
func (k Key) HasSigil() bool {
	return strings.HasPrefix(k.Name, Sigil)
}

// Gauge is a single-value metric handle, overwritten by each update.
type Gauge interface {
	Set(value float64)
}

// Counter is a monotonically-increasing metric handle. Scope never
// registers a real one for its own names; it exists only so the Recorder
// contract can accept counter calls without erroring.
type Counter interface {
	Increment(value float64)
}

// Histogram is a distribution-sample metric handle, accepted for the same
// reason as Counter.
type Histogram interface {
	Record(value float64)
}

// Recorder is the inbound contract this exporter implements for an
// instrumentation façade (spec §6.1). Registering the same gauge key twice
// is idempotent; the second call's labels are discarded.
type Recorder interface {
	DescribeGauge(key Key, unit string, description string)
	RegisterGauge(key Key) Gauge

	DescribeCounter(key Key, unit string, description string)
	RegisterCounter(key Key) Counter

	DescribeHistogram(key Key, unit string, description string)
	RegisterHistogram(key Key) Histogram
}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

type noopCounter struct{}

func (noopCounter) Increment(float64) {}

type noopHistogram struct{}

func (noopHistogram) Record(float64) {}

// NoopGauge, NoopCounter, and NoopHistogram are returned whenever a caller
// registers a metric this exporter has no owner for: a non-gauge kind on a
// scope-owned name, or any kind with no fallback recorder configured.
var (
	NoopGauge     Gauge     = noopGauge{}
	NoopCounter   Counter   = noopCounter{}
	NoopHistogram Histogram = noopHistogram{}
)
