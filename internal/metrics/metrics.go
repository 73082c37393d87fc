// Package metrics serves Prometheus metrics for the service, including live
// statistics read from the cache engines at scrape time.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammed-shakir/geolens-cache/internal/cache"
)

type Config struct {
	Enabled bool
	Addr    string
	Path    string
	// ScrapeTimeout bounds how long one scrape may spend reading cache stores.
	ScrapeTimeout time.Duration
}

// Provider merges the process-wide default registry with its own registry of
// scrape-time collectors.
type Provider struct {
	cfg Config
	reg *prometheus.Registry
}

func Init(cfg Config) *Provider {
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	if cfg.ScrapeTimeout <= 0 {
		cfg.ScrapeTimeout = 2 * time.Second
	}
	return &Provider{cfg: cfg, reg: prometheus.NewRegistry()}
}

func (p *Provider) Config() Config { return p.cfg }

func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(prometheus.Gatherers{prometheus.DefaultGatherer, p.reg}, promhttp.HandlerOpts{})
}

func (p *Provider) Register(cs ...prometheus.Collector) {
	for _, c := range cs {
		p.reg.MustRegister(c)
	}
}

func (p *Provider) Registerer() prometheus.Registerer { return p.reg }

// Source is a cache whose statistics can be exported.
type Source interface {
	Name() string
	Config() cache.Config
	Statistics(ctx context.Context) (cache.Stats, error)
}

// CacheCollector reads Statistics from every source on each scrape.
type CacheCollector struct {
	timeout time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	sources []Source

	entries  *prometheus.Desc
	bytes    *prometheus.Desc
	capacity *prometheus.Desc
	hits     *prometheus.Desc
	misses   *prometheus.Desc
	hitRatio *prometheus.Desc
	up       *prometheus.Desc
}

func NewCacheCollector(timeout time.Duration, log *slog.Logger, sources ...Source) *CacheCollector {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	labels := []string{"cache"}
	return &CacheCollector{
		timeout:  timeout,
		log:      log.With("component", "cache_collector"),
		sources:  sources,
		entries:  prometheus.NewDesc("cache_entries", "Entries currently stored.", labels, nil),
		bytes:    prometheus.NewDesc("cache_stored_bytes", "Total artifact bytes currently stored.", labels, nil),
		capacity: prometheus.NewDesc("cache_capacity_bytes", "Configured byte ceiling; 0 means unbounded.", labels, nil),
		hits:     prometheus.NewDesc("cache_hits", "Hits since start or the last clear.", labels, nil),
		misses:   prometheus.NewDesc("cache_misses", "Misses since start or the last clear.", labels, nil),
		hitRatio: prometheus.NewDesc("cache_hit_ratio", "Hits over lookups since start or the last clear.", labels, nil),
		up:       prometheus.NewDesc("cache_stats_up", "1 when the last statistics read succeeded.", labels, nil),
	}
}

func (c *CacheCollector) Add(s Source) {
	c.mu.Lock()
	c.sources = append(c.sources, s)
	c.mu.Unlock()
}

func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.entries, c.bytes, c.capacity, c.hits, c.misses, c.hitRatio, c.up} {
		ch <- d
	}
}

func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	sources := append([]Source(nil), c.sources...)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	for _, s := range sources {
		name := s.Name()
		ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(s.Config().MaxBytes), name)

		st, err := s.Statistics(ctx)
		if err != nil {
			c.log.Warn("cache statistics unavailable", "cache", name, "err", err)
			ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0, name)
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1, name)
		ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(st.Entries), name)
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.GaugeValue, float64(st.TotalBytes), name)
		// gauges, not counters: Clear resets them
		ch <- prometheus.MustNewConstMetric(c.hits, prometheus.GaugeValue, float64(st.Hits), name)
		ch <- prometheus.MustNewConstMetric(c.misses, prometheus.GaugeValue, float64(st.Misses), name)
		ch <- prometheus.MustNewConstMetric(c.hitRatio, prometheus.GaugeValue, st.HitRate, name)
	}
}
