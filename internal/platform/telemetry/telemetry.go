// Package telemetry records HTTP server and review metrics and serves them
// in the Prometheus text exposition format.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// durationBuckets are request duration boundaries in seconds.
var durationBuckets = []float64{
	0.005, 0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0,
}

// sizeBuckets are body size boundaries in bytes. Annotation saves carry PNG
// data URLs, so the upper buckets reach into megabytes.
var sizeBuckets = []float64{
	100, 1_000, 10_000, 100_000, 1_000_000, 10_000_000,
}

// histogram keeps non-cumulative bucket counts; export accumulates them.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := append([]int64(nil), h.bucketCounts...)
	h.mu.Unlock()

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(addr, old, next) {
			return
		}
	}
}

// routeKey identifies one labeled duration series.
type routeKey struct {
	method string
	route  string
	status string
}

type gaugeFunc struct {
	name string
	help string
	fn   func() int64
}

// Metrics holds every series the server exports.
type Metrics struct {
	mu        sync.RWMutex
	durations map[routeKey]*histogram
	events    map[string]*int64
	gauges    []gaugeFunc

	requestSize  *histogram
	responseSize *histogram
	active       int64
}

func NewMetrics() *Metrics {
	return &Metrics{
		durations:    make(map[routeKey]*histogram),
		events:       make(map[string]*int64),
		requestSize:  newHistogram(sizeBuckets),
		responseSize: newHistogram(sizeBuckets),
	}
}

// GaugeFunc registers a gauge whose value is read at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges = append(m.gauges, gaugeFunc{name: name, help: help, fn: fn})
}

// CountEvent increments the review event counter for eventType.
func (m *Metrics) CountEvent(eventType string) {
	m.mu.RLock()
	p, ok := m.events[eventType]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if p, ok = m.events[eventType]; !ok {
			p = new(int64)
			m.events[eventType] = p
		}
		m.mu.Unlock()
	}
	atomic.AddInt64(p, 1)
}

// EventCount returns the number of events of eventType counted so far.
func (m *Metrics) EventCount(eventType string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.events[eventType]; ok {
		return atomic.LoadInt64(p)
	}
	return 0
}

// ActiveRequests returns the number of requests in flight.
func (m *Metrics) ActiveRequests() int64 {
	return atomic.LoadInt64(&m.active)
}

func (m *Metrics) duration(key routeKey) *histogram {
	m.mu.RLock()
	h, ok := m.durations[key]
	m.mu.RUnlock()
	if ok {
		return h
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok = m.durations[key]; !ok {
		h = newHistogram(durationBuckets)
		m.durations[key] = h
	}
	return h
}

// Middleware records request duration by method, route pattern and status,
// plus body sizes and the in-flight count. The websocket feed is skipped
// since its duration is the life of the connection.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if strings.HasSuffix(c.Path(), "/ws") {
				return next(c)
			}

			atomic.AddInt64(&m.active, 1)
			start := time.Now()
			err := next(c)
			elapsed := time.Since(start).Seconds()
			atomic.AddInt64(&m.active, -1)

			req := c.Request()
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.duration(routeKey{method: req.Method, route: route, status: strconv.Itoa(status)}).Observe(elapsed)

			if req.ContentLength > 0 {
				m.requestSize.Observe(float64(req.ContentLength))
			}
			if size := c.Response().Size; size > 0 {
				m.responseSize.Observe(float64(size))
			}
			return err
		}
	}
}

// Handler serves the metrics in Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		m.mu.RLock()
		keys := make([]routeKey, 0, len(m.durations))
		for k := range m.durations {
			keys = append(keys, k)
		}
		durations := make(map[routeKey]*histogram, len(m.durations))
		for k, h := range m.durations {
			durations[k] = h
		}
		events := make(map[string]int64, len(m.events))
		for k, p := range m.events {
			events[k] = atomic.LoadInt64(p)
		}
		gauges := append([]gaugeFunc(nil), m.gauges...)
		m.mu.RUnlock()

		sort.Slice(keys, func(i, j int) bool {
			if keys[i].route != keys[j].route {
				return keys[i].route < keys[j].route
			}
			if keys[i].method != keys[j].method {
				return keys[i].method < keys[j].method
			}
			return keys[i].status < keys[j].status
		})

		writeHeader(&b, "http_server_request_duration_seconds", "Duration of HTTP requests in seconds.", "histogram")
		for _, k := range keys {
			labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", k.method, k.route, k.status)
			writeHistogram(&b, "http_server_request_duration_seconds", labels, durations[k])
		}
		b.WriteByte('\n')

		writeHeader(&b, "http_server_active_requests", "Number of in-flight HTTP requests.", "gauge")
		fmt.Fprintf(&b, "http_server_active_requests %d\n\n", m.ActiveRequests())

		writeHeader(&b, "http_server_request_size_bytes", "Size of HTTP request bodies in bytes.", "histogram")
		writeHistogram(&b, "http_server_request_size_bytes", "", m.requestSize)
		b.WriteByte('\n')

		writeHeader(&b, "http_server_response_size_bytes", "Size of HTTP response bodies in bytes.", "histogram")
		writeHistogram(&b, "http_server_response_size_bytes", "", m.responseSize)
		b.WriteByte('\n')

		eventTypes := make([]string, 0, len(events))
		for t := range events {
			eventTypes = append(eventTypes, t)
		}
		sort.Strings(eventTypes)
		writeHeader(&b, "review_events_total", "Review mutations by event type.", "counter")
		for _, t := range eventTypes {
			fmt.Fprintf(&b, "review_events_total{type=%q} %d\n", t, events[t])
		}
		b.WriteByte('\n')

		for _, g := range gauges {
			writeHeader(&b, g.name, g.help, "gauge")
			fmt.Fprintf(&b, "%s %d\n\n", g.name, g.fn())
		}

		return c.String(http.StatusOK, b.String())
	}
}

func writeHeader(b *strings.Builder, name, help, typ string) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	prefix, suffix := "", ""
	if labels != "" {
		prefix = labels + ","
		suffix = "{" + labels + "}"
	}
	cum := h.cumulativeBuckets()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", name, prefix, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, h.Count())
	fmt.Fprintf(b, "%s_sum%s %g\n", name, suffix, h.Sum())
	fmt.Fprintf(b, "%s_count%s %d\n", name, suffix, h.Count())
}
