// internal/metrics/sink.go
package metrics

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Labels are attached to a single observation. A metric name must always be
// reported with the same label keys.
type Labels map[string]string

// Sink receives observations. Implementations must not block.
type Sink interface {
	Counter(name string, labels Labels, delta float64)
	Gauge(name string, labels Labels, value float64)
	Histogram(name string, labels Labels, value float64)
}

type NopSink struct{}

func (NopSink) Counter(string, Labels, float64)   {}
func (NopSink) Gauge(string, Labels, float64)     {}
func (NopSink) Histogram(string, Labels, float64) {}

var defaultBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60}

// PromSink creates prometheus vectors on first use and registers them.
type PromSink struct {
	mu         sync.Mutex
	namespace  string
	registerer prometheus.Registerer
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	keys       map[string][]string
	logger     *zap.Logger
}

func NewPromSink(namespace string, reg prometheus.Registerer, logger *zap.Logger) *PromSink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PromSink{
		namespace:  namespace,
		registerer: reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		keys:       make(map[string][]string),
		logger:     logger,
	}
}

func labelKeys(labels Labels) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// admit records the label keys for name on first use and rejects later
// observations with a different key set.
func (s *PromSink) admit(name string, labels Labels) bool {
	keys := labelKeys(labels)
	known, ok := s.keys[name]
	if !ok {
		s.keys[name] = keys
		return true
	}
	if strings.Join(known, ",") != strings.Join(keys, ",") {
		s.logger.Warn("dropping observation with mismatched labels",
			zap.String("metric", name),
			zap.Strings("want", known),
			zap.Strings("got", keys))
		return false
	}
	return true
}

func (s *PromSink) register(name string, c prometheus.Collector) bool {
	if err := s.registerer.Register(c); err != nil {
		s.logger.Warn("registering metric", zap.String("metric", name), zap.Error(err))
		return false
	}
	return true
}

func (s *PromSink) Counter(name string, labels Labels, delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.admit(name, labels) {
		return
	}
	vec, ok := s.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: s.namespace,
			Name:      name,
			Help:      name,
		}, labelKeys(labels))
		if !s.register(name, vec) {
			return
		}
		s.counters[name] = vec
	}
	vec.With(prometheus.Labels(labels)).Add(delta)
}

func (s *PromSink) Gauge(name string, labels Labels, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.admit(name, labels) {
		return
	}
	vec, ok := s.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: s.namespace,
			Name:      name,
			Help:      name,
		}, labelKeys(labels))
		if !s.register(name, vec) {
			return
		}
		s.gauges[name] = vec
	}
	vec.With(prometheus.Labels(labels)).Set(value)
}

func (s *PromSink) Histogram(name string, labels Labels, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.admit(name, labels) {
		return
	}
	vec, ok := s.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: s.namespace,
			Name:      name,
			Help:      name,
			Buckets:   defaultBuckets,
		}, labelKeys(labels))
		if !s.register(name, vec) {
			return
		}
		s.histograms[name] = vec
	}
	vec.With(prometheus.Labels(labels)).Observe(value)
}
