package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mohammed-shakir/geolens-cache/internal/artifacts"
	"github.com/mohammed-shakir/geolens-cache/internal/cache"
	"github.com/mohammed-shakir/geolens-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/geolens-cache/internal/cache/sqlitestore"
	"github.com/mohammed-shakir/geolens-cache/internal/cluster"
	"github.com/mohammed-shakir/geolens-cache/internal/core/config"
	"github.com/mohammed-shakir/geolens-cache/internal/core/health"
	"github.com/mohammed-shakir/geolens-cache/internal/core/httpclient"
	"github.com/mohammed-shakir/geolens-cache/internal/core/observability"
	"github.com/mohammed-shakir/geolens-cache/internal/core/server"
	"github.com/mohammed-shakir/geolens-cache/internal/heatmap"
	"github.com/mohammed-shakir/geolens-cache/internal/invalidation"
	"github.com/mohammed-shakir/geolens-cache/internal/invalidation/kafkaconsumer"
	"github.com/mohammed-shakir/geolens-cache/internal/locate"
	"github.com/mohammed-shakir/geolens-cache/internal/logger"
	"github.com/mohammed-shakir/geolens-cache/internal/metrics"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	inferURL := flag.String("inference-url", os.Getenv("INFERENCE_URL"), "base URL of the inference service; empty disables /locate")
	flag.Parse()

	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Service:   "geolensd",
		Component: "main",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	observability.ExposeBuildInfo(Version)
	appLog.Info("starting geolensd",
		"addr", cfg.Addr,
		"version", Version,
		"store", cfg.Store,
		"data_dir", cfg.DataDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg)
	if err != nil {
		appLog.Error("failed to open cache stores", "err", err)
		return 1
	}
	defer st.close()

	opts := []cache.Option{cache.WithLogger(appLog)}

	preds, err := artifacts.NewPredictions(cache.Config{
		Name:          "predictions",
		MaxBytes:      cfg.Predictions.MaxBytes,
		TTL:           cfg.Predictions.TTL,
		Expiry:        expiryFor(cfg.Predictions.TTL, cache.ExpireByAge),
		MemoryEntries: cfg.MemoryEntries,
	}, st.stores["predictions"], opts...)
	if err != nil {
		appLog.Error("predictions cache", "err", err)
		return 1
	}
	defer func() { _ = preds.Close() }()

	thumbs, err := artifacts.NewThumbnails(artifacts.ThumbnailConfig{
		Cache: cache.Config{
			Name:          "thumbnails",
			Dir:           cfg.BlobDir("thumbnails"),
			MaxBytes:      cfg.Thumbnails.MaxBytes,
			TTL:           cfg.Thumbnails.TTL,
			MemoryEntries: cfg.MemoryEntries,
		},
		MaxDim:   cfg.ThumbnailMaxDim,
		Quality:  cfg.ThumbnailQuality,
		IdleWait: cfg.GenIdleWait,
	}, st.stores["thumbnails"], appLog, opts...)
	if err != nil {
		appLog.Error("thumbnail cache", "err", err)
		return 1
	}
	defer func() { _ = thumbs.Close(cfg.StopGrace) }()

	outbound := httpclient.NewOutbound(cfg.TileFetchTimeout, cfg.TileUserAgent)
	tiles, err := artifacts.NewTiles(artifacts.TileConfig{
		Cache: cache.Config{
			Name:          "tiles",
			Dir:           cfg.BlobDir("tiles"),
			MaxBytes:      cfg.Tiles.MaxBytes,
			TTL:           cfg.Tiles.TTL,
			MemoryEntries: cfg.MemoryEntries,
		},
		Source:   artifacts.TileSource{Template: cfg.TileTemplate, MaxZoom: cfg.TileMaxZoom},
		IdleWait: cfg.GenIdleWait,
	}, st.stores["tiles"], outbound, appLog, opts...)
	if err != nil {
		appLog.Error("tile cache", "err", err)
		return 1
	}
	defer func() { _ = tiles.Close(cfg.StopGrace) }()

	maint := []maintainable{preds.Engine(), thumbs.Engine(), tiles.Engine()}
	sweep(ctx, appLog, maint)
	go sweepEvery(ctx, appLog, cfg.EvictInterval, maint)

	thumbs.Start(ctx)
	tiles.Start(ctx)

	ccfg := cluster.DefaultConfig()
	ccfg.RadiusKm = cfg.ClusterRadiusKm
	ccfg.BoostFactor = cfg.ClusterBoostFactor
	ccfg.MinMembers = cfg.ClusterMinMembers
	ccfg.CellResolution = cfg.ClusterCellRes
	analyzer := cluster.New(ccfg, cluster.WithLogger(appLog))

	hcfg := heatmap.DefaultConfig()
	hcfg.Sigma = cfg.HeatmapSigma
	hcfg.Truncate = cfg.HeatmapTruncate
	hcfg.Threshold = cfg.HeatmapThreshold
	hcfg.ExifWeight = cfg.HeatmapExifWeight
	hcfg.LabelMaxResolution = cfg.HeatmapLabelMaxRes
	heat := heatmap.New(hcfg, heatmap.WithLogger(appLog))

	var loc *locate.Service
	if *inferURL != "" {
		inf := locate.RemoteInferrer{BaseURL: *inferURL, Client: httpclient.NewOutbound(5*time.Minute, "")}
		loc = locate.New(preds, inf, analyzer, appLog)
	}

	prov := metrics.Init(metrics.Config{
		Enabled:       cfg.MetricsEnabled,
		Addr:          cfg.MetricsAddr,
		Path:          cfg.MetricsPath,
		ScrapeTimeout: cfg.CacheOpTimeout,
	})
	prov.Register(metrics.NewCacheCollector(prov.Config().ScrapeTimeout, appLog,
		preds.Engine(), thumbs.Engine(), tiles.Engine()))

	var pub server.Publisher
	if cfg.Invalidation.Enabled {
		kcfg := kafkaconsumer.DefaultConfig()
		kcfg.Brokers = cfg.Invalidation.Brokers
		kcfg.Topic = cfg.Invalidation.Topic
		kcfg.GroupID = cfg.Invalidation.GroupID
		kcfg.StartNewest = cfg.Invalidation.StartNewest
		kcfg.RetryBackoff = cfg.Invalidation.RetryBackoff
		cons := kafkaconsumer.New(kcfg, appLog, map[string]kafkaconsumer.Invalidator{
			"predictions": preds.Engine(),
			"thumbnails":  thumbs.Engine(),
			"tiles":       tiles.Engine(),
		}, kafkaconsumer.WithEventLog(&zl))
		go func() {
			if err := cons.Start(ctx); err != nil {
				appLog.Error("invalidation consumer stopped", "err", err)
			}
		}()

		if cfg.Invalidation.Publish {
			p, err := invalidation.Dial(kcfg.Brokers, cfg.Invalidation.Topic, 0, appLog)
			if err != nil {
				appLog.Error("invalidation publisher", "err", err)
				return 1
			}
			defer func() { _ = p.Close() }()
			pub = p
		}
	}

	deps := server.Deps{
		Logger:      appLog,
		Caches:      []server.Cache{preds.Engine(), thumbs.Engine(), tiles.Engine()},
		Analyzer:    analyzer,
		Heatmap:     heat,
		Locate:      loc,
		Thumbnails:  thumbs,
		Tiles:       tiles,
		Publisher:   pub,
		Ready:       st.checks,
		ImageRoot:   cfg.ImageRoot,
		CORSOrigins: cfg.CORSOrigins,
	}
	if cfg.MetricsEnabled {
		go serveMetrics(ctx, appLog, prov)
	} else {
		deps.Metrics = prov.Handler()
	}

	if err := server.Run(ctx, cfg.Addr, appLog, server.NewRouter(deps)); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

type stores struct {
	stores  map[string]cache.Store
	checks  map[string]health.Check
	closers []func() error
}

func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

// openStores opens one persistent medium per cache. Engines close their own
// store; the closers here only release shared clients.
func openStores(ctx context.Context, cfg config.Config) (*stores, error) {
	out := &stores{stores: map[string]cache.Store{}, checks: map[string]health.Check{}}
	names := []string{"predictions", "thumbnails", "tiles"}

	if cfg.Store == "redis" {
		rc, err := redisstore.New(ctx, cfg.RedisAddr, redisstore.WithDB(cfg.RedisDB))
		if err != nil {
			return nil, err
		}
		out.closers = append(out.closers, rc.Close)
		out.checks["redis"] = rc.Ping
		for _, n := range names {
			out.stores[n] = redisstore.NewStore(rc, n)
		}
		return out, nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}
	for _, n := range names {
		s, err := sqlitestore.Open(ctx, cfg.SQLitePath(n), cfg.SQLiteBusyTimeout)
		if err != nil {
			for _, opened := range out.stores {
				_ = opened.Close()
			}
			return nil, fmt.Errorf("%s: %w", n, err)
		}
		out.stores[n] = s
		out.checks["sqlite_"+n] = s.Ping
	}
	return out, nil
}

func expiryFor(ttl time.Duration, mode cache.ExpiryMode) cache.ExpiryMode {
	if ttl <= 0 {
		return cache.ExpireNone
	}
	return mode
}

type maintainable interface {
	Name() string
	EvictExpired(ctx context.Context) (int, error)
	EvictIfOverCapacity(ctx context.Context) (int, error)
}

func sweep(ctx context.Context, log *slog.Logger, caches []maintainable) {
	for _, c := range caches {
		if _, err := c.EvictExpired(ctx); err != nil {
			log.Warn("expiry sweep failed", "cache", c.Name(), "err", err)
		}
		if _, err := c.EvictIfOverCapacity(ctx); err != nil {
			log.Warn("capacity sweep failed", "cache", c.Name(), "err", err)
		}
	}
}

func sweepEvery(ctx context.Context, log *slog.Logger, every time.Duration, caches []maintainable) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sweep(ctx, log, caches)
		}
	}
}

func serveMetrics(ctx context.Context, log *slog.Logger, p *metrics.Provider) {
	cfg := p.Config()
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, p.Handler())

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics: shutdown error", "err", err)
		}
	}()

	log.Info("metrics: listening", "addr", cfg.Addr, "path", cfg.Path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server exited", "err", err)
	}
}
