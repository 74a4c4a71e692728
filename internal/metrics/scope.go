// Package metrics adapts the teacher's metrics.Scope (metrics/scope.go) to
// this service's components: a dotted-prefix stats collector backed by
// Prometheus, used for internal/store's and internal/ldapgw's operation
// counters (SPEC_FULL.md §2.1).
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Scope is a stats collector that prefixes every stat name it collects.
type Scope interface {
	NewScope(scopes ...string) Scope

	Inc(stat string, value int64)
	Gauge(stat string, value int64)
	GaugeDelta(stat string, value int64)
	Timing(stat string, delta int64)
	TimingDuration(stat string, delta time.Duration)
	SetInt(stat string, value int64)

	MustRegister(...prometheus.Collector)
}

// autoRegisterer lazily creates and registers Prometheus collectors the
// first time a given stat name is used, and reuses them afterward. Several
// promScope values (a parent and its NewScope children) share one
// autoRegisterer so the same stat name is never registered twice.
type autoRegisterer struct {
	reg        prometheus.Registerer
	mu         sync.Mutex
	counters   map[string]prometheus.Counter
	gauges     map[string]prometheus.Gauge
	summaries  map[string]prometheus.Summary
}

func newAutoRegisterer(reg prometheus.Registerer) *autoRegisterer {
	return &autoRegisterer{
		reg:       reg,
		counters:  make(map[string]prometheus.Counter),
		gauges:    make(map[string]prometheus.Gauge),
		summaries: make(map[string]prometheus.Summary),
	}
}

func (a *autoRegisterer) autoCounter(name string) prometheus.Counter {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: sanitize(name), Help: name})
	a.reg.MustRegister(c)
	a.counters[name] = c
	return c
}

func (a *autoRegisterer) autoGauge(name string) prometheus.Gauge {
	a.mu.Lock()
	defer a.mu.Unlock()
	if g, ok := a.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: sanitize(name), Help: name})
	a.reg.MustRegister(g)
	a.gauges[name] = g
	return g
}

func (a *autoRegisterer) autoSummary(name string) prometheus.Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.summaries[name]; ok {
		return s
	}
	s := prometheus.NewSummary(prometheus.SummaryOpts{Name: sanitize(name), Help: name})
	a.reg.MustRegister(s)
	a.summaries[name] = s
	return s
}

// sanitize turns a dotted stat name into a Prometheus-legal metric name.
func sanitize(name string) string {
	r := strings.NewReplacer(".", "_", "-", "_")
	return r.Replace(name)
}

// promScope is a Scope that sends data to Prometheus.
type promScope struct {
	prometheus.Registerer
	*autoRegisterer
	prefix string
}

var _ Scope = &promScope{}

// NewPromScope returns a Scope that sends data to Prometheus.
func NewPromScope(registerer prometheus.Registerer, scopes ...string) Scope {
	prefix := ""
	if len(scopes) > 0 {
		prefix = strings.Join(scopes, ".") + "."
	}
	return &promScope{
		Registerer:     registerer,
		prefix:         prefix,
		autoRegisterer: newAutoRegisterer(registerer),
	}
}

// NewScope generates a new Scope prefixed by this Scope's prefix plus the
// prefixes given, joined by periods. It shares the parent's autoRegisterer
// so collectors are not registered twice under Prometheus's default
// registerer.
func (s *promScope) NewScope(scopes ...string) Scope {
	scope := strings.Join(scopes, ".")
	return &promScope{
		Registerer:     s.Registerer,
		prefix:         s.prefix + scope + ".",
		autoRegisterer: s.autoRegisterer,
	}
}

func (s *promScope) Inc(stat string, value int64) {
	s.autoCounter(s.prefix + stat).Add(float64(value))
}

func (s *promScope) Gauge(stat string, value int64) {
	s.autoGauge(s.prefix + stat).Set(float64(value))
}

func (s *promScope) GaugeDelta(stat string, value int64) {
	s.autoGauge(s.prefix + stat).Add(float64(value))
}

func (s *promScope) Timing(stat string, delta int64) {
	s.autoSummary(s.prefix + stat + "_seconds").Observe(float64(delta))
}

func (s *promScope) TimingDuration(stat string, delta time.Duration) {
	s.autoSummary(s.prefix + stat + "_seconds").Observe(delta.Seconds())
}

func (s *promScope) SetInt(stat string, value int64) {
	s.autoGauge(s.prefix + stat).Set(float64(value))
}

type noopScope struct{}

// NewNoopScope returns a Scope that discards everything, for unit tests
// that don't want to touch the default Prometheus registerer.
func NewNoopScope() Scope {
	return noopScope{}
}

func (ns noopScope) NewScope(scopes ...string) Scope           { return ns }
func (noopScope) Inc(stat string, value int64)                 {}
func (noopScope) Gauge(stat string, value int64)                {}
func (noopScope) GaugeDelta(stat string, value int64)            {}
func (noopScope) Timing(stat string, delta int64)                {}
func (noopScope) TimingDuration(stat string, delta time.Duration) {}
func (noopScope) SetInt(stat string, value int64)                 {}
func (noopScope) MustRegister(...prometheus.Collector)            {}
