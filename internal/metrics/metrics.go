// Package metrics exposes kinetrace's capture counters in Prometheus text
// format (or JSON on request) for the /metrics endpoint.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Labels are constant labels attached to one series.
type Labels map[string]string

// String renders labels as {k="v",...} with sorted keys, or "" when empty.
func (l Labels) String() string {
	return l.render("")
}

// render appends extra, already formatted, to the label set.
func (l Labels) render(extra string) string {
	if len(l) == 0 && extra == "" {
		return ""
	}
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, l[k])
	}
	if extra != "" {
		if len(keys) > 0 {
			b.WriteByte(',')
		}
		b.WriteString(extra)
	}
	b.WriteByte('}')
	return b.String()
}

// collector is one registered series.
type collector interface {
	header() (name, help, kind string)
	writeSamples(w io.Writer) error
	snapshot(into map[string]any)
}

type desc struct {
	name   string
	help   string
	labels Labels
}

// Counter only goes up.
type Counter struct {
	desc
	value atomic.Uint64
}

func (c *Counter) Inc() { c.value.Add(1) }
func (c *Counter) Add(v uint64) { c.value.Add(v) }
func (c *Counter) Value() uint64 { return c.value.Load() }
func (c *Counter) header() (string, string, string) { return c.name, c.help, "counter" }

func (c *Counter) writeSamples(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%s%s %d\n", c.name, c.labels, c.Value())
	return err
}

func (c *Counter) snapshot(into map[string]any) { into[c.name] = c.Value() }

// Gauge holds the latest observed level, e.g. buffer occupancy.
type Gauge struct {
	desc
	value atomic.Int64
}

func (g *Gauge) Set(v int64) { g.value.Store(v) }
func (g *Gauge) Value() int64 { return g.value.Load() }
func (g *Gauge) header() (string, string, string) { return g.name, g.help, "gauge" }

// SetBool stores 1 for true and 0 for false.
func (g *Gauge) SetBool(v bool) {
	if v {
		g.Set(1)
	} else {
		g.Set(0)
	}
}

func (g *Gauge) writeSamples(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%s%s %d\n", g.name, g.labels, g.Value())
	return err
}

func (g *Gauge) snapshot(into map[string]any) { into[g.name] = g.Value() }

// Histogram counts observations into fixed upper-bound buckets.
type Histogram struct {
	desc
	bounds []float64

	mu     sync.Mutex
	counts []uint64 // len(bounds)+1, the last one is +Inf
	sum    float64
	total  uint64
}

// DurationBuckets bound submission latencies in seconds.
var DurationBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// DwellBuckets bound key dwell times in milliseconds.
var DwellBuckets = []float64{
	10, 25, 50, 75, 100, 150, 200, 300, 500, 1000,
}

func newHistogram(d desc, bounds []float64) *Histogram {
	if bounds == nil {
		bounds = DurationBuckets
	}
	sorted := append([]float64(nil), bounds...)
	sort.Float64s(sorted)
	return &Histogram{desc: d, bounds: sorted, counts: make([]uint64, len(sorted)+1)}
}

// Observe records v in the first bucket whose bound is >= v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	h.counts[sort.SearchFloat64s(h.bounds, v)]++
	h.sum += v
	h.total++
	h.mu.Unlock()
}

// ObserveDuration records d in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) { h.Observe(d.Seconds()) }

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// Sum returns the sum of observations.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// cumulative must be called with h.mu held.
func (h *Histogram) cumulative() []uint64 {
	out := make([]uint64, len(h.counts))
	var running uint64
	for i, c := range h.counts {
		running += c
		out[i] = running
	}
	return out
}

func (h *Histogram) header() (string, string, string) { return h.name, h.help, "histogram" }

func (h *Histogram) writeSamples(w io.Writer) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cum := h.cumulative()
	for i, bound := range h.bounds {
		le := fmt.Sprintf("le=%q", fmt.Sprintf("%g", bound))
		fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, h.labels.render(le), cum[i])
	}
	fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, h.labels.render(`le="+Inf"`), cum[len(cum)-1])
	fmt.Fprintf(w, "%s_sum%s %g\n", h.name, h.labels, h.sum)
	_, err := fmt.Fprintf(w, "%s_count%s %d\n", h.name, h.labels, h.total)
	return err
}

func (h *Histogram) snapshot(into map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	into[h.name+"_count"] = h.total
	mean := 0.0
	if h.total > 0 {
		mean = h.sum / float64(h.total)
	}
	into[h.name+"_mean"] = mean
}

// Registry owns a namespace of series.
type Registry struct {
	prefix string

	mu     sync.RWMutex
	series map[string]collector
}

// NewRegistry creates a registry whose series are named
// namespace_subsystem_name, skipping empty parts.
func NewRegistry(namespace, subsystem string) *Registry {
	var prefix string
	for _, p := range []string{namespace, subsystem} {
		if p != "" {
			prefix += p + "_"
		}
	}
	return &Registry{prefix: prefix, series: make(map[string]collector)}
}

// register returns the series already registered under name, or stores
// the one built by mk. Registering a name twice with different kinds panics.
func register[T collector](r *Registry, name string, mk func(full string) T) T {
	full := r.prefix + name
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.series[full]; ok {
		return existing.(T)
	}
	c := mk(full)
	r.series[full] = c
	return c
}

// RegisterCounter registers a counter, or returns the existing one.
func (r *Registry) RegisterCounter(name, help string, labels Labels) *Counter {
	return register(r, name, func(full string) *Counter {
		return &Counter{desc: desc{full, help, labels}}
	})
}

// RegisterGauge registers a gauge, or returns the existing one.
func (r *Registry) RegisterGauge(name, help string, labels Labels) *Gauge {
	return register(r, name, func(full string) *Gauge {
		return &Gauge{desc: desc{full, help, labels}}
	})
}

// RegisterHistogram registers a histogram, or returns the existing one.
// Nil buckets mean DurationBuckets.
func (r *Registry) RegisterHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	return register(r, name, func(full string) *Histogram {
		return newHistogram(desc{full, help, labels}, buckets)
	})
}

// WritePrometheus writes every series in text exposition format, ordered
// by name.
func (r *Registry) WritePrometheus(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.series))
	for n := range r.series {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, n := range names {
		c := r.series[n]
		name, help, kind := c.header()
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
		if err := c.writeSamples(w); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns current values keyed by full name. Histograms contribute
// name_count and name_mean.
func (r *Registry) Snapshot() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.series))
	for _, c := range r.series {
		c.snapshot(out)
	}
	return out
}

// HTTPHandler serves Prometheus text, or JSON when Accept asks for it.
func (r *Registry) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.Contains(req.Header.Get("Accept"), "application/json") {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(r.Snapshot())
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.WritePrometheus(w)
	})
}

var defaultRegistry = NewRegistry("kinetrace", "")

// Default returns the process-wide registry the daemon serves.
func Default() *Registry {
	return defaultRegistry
}
