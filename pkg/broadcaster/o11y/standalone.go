package o11y

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// StandaloneConfig configures the standalone metrics provider
type StandaloneConfig struct {
	Interval    time.Duration // How often to publish metrics (default: 30s)
	Channel     string        // Channel to publish snapshots to (default: "system-metrics")
	ServiceName string        // Service name to include in snapshots
}

// MetricsSnapshot is the payload published on every interval.
type MetricsSnapshot struct {
	Timestamp   time.Time            `json:"timestamp"`
	ServiceName string               `json:"serviceName"`
	Counters    map[string]int64     `json:"counters"`
	Histograms  map[string][]float64 `json:"histograms"`
	Gauges      map[string]float64   `json:"gauges"`
}

// StandaloneProvider keeps metrics in memory and, once started, periodically
// publishes a snapshot through a MetricsPublisher. Series are keyed by the
// metric name plus its sorted labels, e.g. `hub_grants_total{status=error}`.
type StandaloneProvider struct {
	config    StandaloneConfig
	publisher MetricsPublisher

	counters   sync.Map // map[string]*standaloneCounter
	histograms sync.Map // map[string]*standaloneHistogram
	gauges     sync.Map // map[string]*standaloneGauge

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started int32
}

// NewStandaloneProvider creates a provider. publisher may be nil, in which case
// the provider only accumulates values for Snapshot.
func NewStandaloneProvider(publisher MetricsPublisher, config *StandaloneConfig) *StandaloneProvider {
	if config == nil {
		config = &StandaloneConfig{}
	}
	if config.Interval == 0 {
		config.Interval = 30 * time.Second
	}
	if config.Channel == "" {
		config.Channel = "system-metrics"
	}
	if config.ServiceName == "" {
		config.ServiceName = "unknown"
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &StandaloneProvider{
		config:    *config,
		publisher: publisher,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins the periodic publishing
func (s *StandaloneProvider) Start() error {
	if s.publisher == nil {
		return nil
	}
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil
	}

	s.wg.Add(1)
	go s.publishLoop()

	return nil
}

// Stop publishes a final snapshot and stops the loop
func (s *StandaloneProvider) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.started, 1, 0) {
		return nil
	}

	s.cancel()
	s.wg.Wait()

	return nil
}

func (s *StandaloneProvider) publishLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.publish()
		case <-s.ctx.Done():
			s.publish()
			return
		}
	}
}

func (s *StandaloneProvider) publish() {
	_ = s.publisher.Publish(context.Background(), s.config.Channel, s.Snapshot())
}

// Snapshot returns the current value of every series.
func (s *StandaloneProvider) Snapshot() MetricsSnapshot {
	snapshot := MetricsSnapshot{
		Timestamp:   time.Now(),
		ServiceName: s.config.ServiceName,
		Counters:    make(map[string]int64),
		Histograms:  make(map[string][]float64),
		Gauges:      make(map[string]float64),
	}

	s.counters.Range(func(key, value any) bool {
		snapshot.Counters[key.(string)] = atomic.LoadInt64(&value.(*standaloneCounter).value)
		return true
	})

	s.histograms.Range(func(key, value any) bool {
		histogram := value.(*standaloneHistogram)
		histogram.mu.RLock()
		values := make([]float64, len(histogram.values))
		copy(values, histogram.values)
		histogram.mu.RUnlock()
		snapshot.Histograms[key.(string)] = values
		return true
	})

	s.gauges.Range(func(key, value any) bool {
		snapshot.Gauges[key.(string)] = value.(*standaloneGauge).getValue()
		return true
	})

	return snapshot
}

// Counter returns the counter family with the given name
func (s *StandaloneProvider) Counter(name string) Counter {
	return &standaloneCounterFamily{provider: s, name: name}
}

// Histogram returns the histogram family with the given name
func (s *StandaloneProvider) Histogram(name string) Histogram {
	return &standaloneHistogramFamily{provider: s, name: name}
}

// Gauge returns the gauge family with the given name
func (s *StandaloneProvider) Gauge(name string) Gauge {
	return &standaloneGaugeFamily{provider: s, name: name}
}

// SeriesKey renders a metric name and labels the way Snapshot keys them.
func SeriesKey(name string, labels ...Label) string {
	if len(labels) == 0 {
		return name
	}
	parts := make([]string, len(labels))
	for i, label := range labels {
		parts[i] = label.Key + "=" + label.Value
	}
	sort.Strings(parts)
	return name + "{" + strings.Join(parts, ",") + "}"
}

type standaloneCounterFamily struct {
	provider *StandaloneProvider
	name     string
}

func (f *standaloneCounterFamily) Add(ctx context.Context, value int64, labels ...Label) {
	actual, _ := f.provider.counters.LoadOrStore(SeriesKey(f.name, labels...), &standaloneCounter{})
	atomic.AddInt64(&actual.(*standaloneCounter).value, value)
}

type standaloneHistogramFamily struct {
	provider *StandaloneProvider
	name     string
}

func (f *standaloneHistogramFamily) Record(ctx context.Context, value float64, labels ...Label) {
	actual, _ := f.provider.histograms.LoadOrStore(SeriesKey(f.name, labels...), &standaloneHistogram{})
	histogram := actual.(*standaloneHistogram)
	histogram.mu.Lock()
	histogram.values = append(histogram.values, value)
	histogram.mu.Unlock()
}

type standaloneGaugeFamily struct {
	provider *StandaloneProvider
	name     string
}

func (f *standaloneGaugeFamily) Set(ctx context.Context, value float64, labels ...Label) {
	actual, _ := f.provider.gauges.LoadOrStore(SeriesKey(f.name, labels...), &standaloneGauge{})
	gauge := actual.(*standaloneGauge)
	gauge.mu.Lock()
	gauge.value = value
	gauge.mu.Unlock()
}

type standaloneCounter struct {
	value int64
}

type standaloneHistogram struct {
	mu     sync.RWMutex
	values []float64
}

type standaloneGauge struct {
	mu    sync.RWMutex
	value float64
}

func (g *standaloneGauge) getValue() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value
}
