// Package metrics is a thin facade over rcrowley/go-metrics, mirroring the
// dotted-name registry convention go-ethereum's own metrics package uses
// (e.g. "fs/queries/in", "dht/lookup/latency").
package metrics

import (
	gometrics "github.com/rcrowley/go-metrics"
)

// Registry groups every counter/meter/timer registered by one Node so that
// two Nodes in the same process (as in tests) never share state.
type Registry struct {
	r gometrics.Registry
}

// NewRegistry creates an empty, process-local registry.
func NewRegistry() *Registry {
	return &Registry{r: gometrics.NewRegistry()}
}

// Counter returns (creating if absent) a monotonic counter under name.
func (reg *Registry) Counter(name string) gometrics.Counter {
	return gometrics.GetOrRegisterCounter(name, reg.r)
}

// Meter returns (creating if absent) a rate meter under name.
func (reg *Registry) Meter(name string) gometrics.Meter {
	return gometrics.GetOrRegisterMeter(name, reg.r)
}

// Timer returns (creating if absent) a latency timer under name.
func (reg *Registry) Timer(name string) gometrics.Timer {
	return gometrics.GetOrRegisterTimer(name, reg.r)
}

// Gauge returns (creating if absent) a point-in-time gauge under name.
func (reg *Registry) Gauge(name string) gometrics.Gauge {
	return gometrics.GetOrRegisterGauge(name, reg.r)
}

// Each calls fn for every registered metric, for debug dumping.
func (reg *Registry) Each(fn func(name string, i interface{})) {
	reg.r.Each(fn)
}
