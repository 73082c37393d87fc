package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("DATA_DIR", "/var/lib/geolens")
	cfg := FromEnv()
	if cfg.Store != "sqlite" || cfg.Addr != "127.0.0.1:8090" || cfg.MetricsAddr != "127.0.0.1:9090" {
		t.Fatalf("store=%q addr=%q metrics=%q", cfg.Store, cfg.Addr, cfg.MetricsAddr)
	}
	if cfg.ImageRoot != "./images" || len(cfg.CORSOrigins) != 0 {
		t.Fatalf("image root=%q cors=%q", cfg.ImageRoot, cfg.CORSOrigins)
	}
	if cfg.Tiles.TTL != 7*24*time.Hour || cfg.Thumbnails.TTL != 30*24*time.Hour || cfg.Predictions.TTL != 0 {
		t.Fatalf("ttls: %+v %+v %+v", cfg.Tiles, cfg.Thumbnails, cfg.Predictions)
	}
	if cfg.ClusterRadiusKm != 100 || cfg.HeatmapThreshold != 0.7 || cfg.HeatmapTruncate != 3 || cfg.HeatmapLabelMaxRes != 6 {
		t.Fatalf("analysis defaults: %+v", cfg)
	}
	if got := cfg.SQLitePath("tiles"); got != filepath.Join("/var/lib/geolens", "tiles.db") {
		t.Fatalf("sqlite path=%q", got)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("CACHE_STORE", "REDIS")
	t.Setenv("TILES_MAX_BYTES", "64MB")
	t.Setenv("THUMBNAILS_MAX_BYTES", "1024")
	t.Setenv("PREDICTIONS_MAX_BYTES", "lots")
	t.Setenv("TILES_TTL", "1h")
	t.Setenv("CACHE_TTL_OVERRIDES", "tiles=2h, thumbnails=bogus,=1s")
	t.Setenv("INVALIDATION_ENABLED", "yes")
	t.Setenv("INVALIDATION_BROKERS", " k1:9092, ,k2:9092,")
	t.Setenv("INVALIDATION_GROUP_ID", "edge-a")
	t.Setenv("INVALIDATION_START_NEWEST", "true")
	t.Setenv("CORS_ORIGINS", "http://localhost:5173")

	cfg := FromEnv()
	if cfg.Store != "redis" {
		t.Fatalf("store=%q", cfg.Store)
	}
	if cfg.Tiles.MaxBytes != 64<<20 || cfg.Thumbnails.MaxBytes != 1024 || cfg.Predictions.MaxBytes != 100<<20 {
		t.Fatalf("sizes: %d %d %d", cfg.Tiles.MaxBytes, cfg.Thumbnails.MaxBytes, cfg.Predictions.MaxBytes)
	}
	if cfg.Tiles.TTL != 2*time.Hour {
		t.Fatalf("override should win over TILES_TTL, got %v", cfg.Tiles.TTL)
	}
	if cfg.Thumbnails.TTL != 30*24*time.Hour || len(cfg.TTLOvr) != 1 {
		t.Fatalf("bad override entries should be ignored: %v %v", cfg.Thumbnails.TTL, cfg.TTLOvr)
	}
	if !cfg.Invalidation.Enabled {
		t.Fatalf("invalidation should be enabled")
	}
	inv := cfg.Invalidation
	if len(inv.Brokers) != 2 || inv.Brokers[0] != "k1:9092" || inv.Brokers[1] != "k2:9092" {
		t.Fatalf("brokers=%v", inv.Brokers)
	}
	if inv.Topic != "geolens-invalidation" || inv.GroupID != "edge-a" || !inv.StartNewest {
		t.Fatalf("invalidation=%+v", inv)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "http://localhost:5173" {
		t.Fatalf("cors=%v", cfg.CORSOrigins)
	}
}
