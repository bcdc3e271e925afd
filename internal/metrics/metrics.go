// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes a statsd-shaped client backed by Prometheus
// collectors. Call sites use dotted metric names and free-form tag maps;
// the client registers a collector per name on first use and keeps the
// tag-key schema fixed from then on.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type counterFamily struct {
	keys []string
	vec  *prometheus.CounterVec
}

type gaugeFamily struct {
	keys []string
	vec  *prometheus.GaugeVec
}

// Client records timings, counters and gauges. It is safe for concurrent use.
type Client struct {
	registerer prometheus.Registerer

	mu       sync.Mutex
	timings  map[string]prometheus.Histogram
	counters map[string]*counterFamily
	gauges   map[string]*gaugeFamily
}

func NewClient(registerer prometheus.Registerer) *Client {
	return &Client{
		registerer: registerer,
		timings:    make(map[string]prometheus.Histogram),
		counters:   make(map[string]*counterFamily),
		gauges:     make(map[string]*gaugeFamily),
	}
}

var (
	defaultOnce   sync.Once
	defaultClient *Client
)

// Default returns the process-wide client backed by the default Prometheus
// registry. Initialized exactly once.
func Default() *Client {
	defaultOnce.Do(func() {
		defaultClient = NewClient(prometheus.DefaultRegisterer)
	})
	return defaultClient
}

// Timing records an observed duration under name. The histogram is exported
// as <name>_seconds with dots replaced by underscores.
func (c *Client) Timing(name string, d time.Duration) {
	c.mu.Lock()
	h, ok := c.timings[name]
	if !ok {
		h = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    normalize(name) + "_seconds",
			Help:    "Duration of " + name + " in seconds.",
			Buckets: prometheus.DefBuckets,
		})
		c.registerer.MustRegister(h)
		c.timings[name] = h
	}
	c.mu.Unlock()

	h.Observe(d.Seconds())
}

// Increment adds one to the counter identified by name and tags. The tag-key
// schema of a counter is the schema of its first call; later calls supply
// values for those keys and missing keys count as empty.
func (c *Client) Increment(name string, tags map[string]string) {
	c.mu.Lock()
	fam, ok := c.counters[name]
	if !ok {
		keys := sortedKeys(tags)
		fam = &counterFamily{
			keys: keys,
			vec: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: normalize(name) + "_total",
				Help: "Total occurrences of " + name + ".",
			}, keys),
		}
		c.registerer.MustRegister(fam.vec)
		c.counters[name] = fam
	}
	c.mu.Unlock()

	fam.vec.WithLabelValues(valuesFor(fam.keys, tags)...).Inc()
}

// Gauge sets the gauge identified by name and tags to value.
func (c *Client) Gauge(name string, value float64, tags map[string]string) {
	c.mu.Lock()
	fam, ok := c.gauges[name]
	if !ok {
		keys := sortedKeys(tags)
		fam = &gaugeFamily{
			keys: keys,
			vec: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: normalize(name),
				Help: "Current value of " + name + ".",
			}, keys),
		}
		c.registerer.MustRegister(fam.vec)
		c.gauges[name] = fam
	}
	c.mu.Unlock()

	fam.vec.WithLabelValues(valuesFor(fam.keys, tags)...).Set(value)
}

func normalize(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

func sortedKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func valuesFor(keys []string, tags map[string]string) []string {
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = tags[k]
	}
	return values
}
