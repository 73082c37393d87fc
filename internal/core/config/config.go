package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type CacheCfg struct {
	MaxBytes int64
	TTL      time.Duration
}

type InvalidationCfg struct {
	Enabled bool
	// Publish broadcasts admin clears so other instances drop the same cache.
	Publish      bool
	Topic        string
	Brokers      []string
	GroupID      string
	StartNewest  bool
	RetryBackoff time.Duration
}

type Config struct {
	Addr string
	// ImageRoot bounds the image paths clients may ask about.
	ImageRoot   string
	CORSOrigins []string

	LogLevel   string
	LogConsole bool
	LogSampleN int

	DataDir string
	// Store selects the persistent medium: "sqlite" or "redis".
	Store             string
	SQLiteBusyTimeout time.Duration
	RedisAddr         string
	RedisDB           int
	CacheOpTimeout    time.Duration
	MemoryEntries     int

	Predictions CacheCfg
	Thumbnails  CacheCfg
	Tiles       CacheCfg
	TTLOvr      map[string]time.Duration

	ThumbnailMaxDim  int
	ThumbnailQuality int
	TileTemplate     string
	TileMaxZoom      int
	TileUserAgent    string
	TileFetchTimeout time.Duration

	GenIdleWait   time.Duration
	StopGrace     time.Duration
	EvictInterval time.Duration

	ClusterRadiusKm    float64
	ClusterBoostFactor float64
	ClusterMinMembers  int
	ClusterCellRes     int

	HeatmapSigma       float64
	HeatmapTruncate    float64
	HeatmapThreshold   float64
	HeatmapExifWeight  float64
	HeatmapLabelMaxRes int

	Invalidation InvalidationCfg

	MetricsEnabled bool
	MetricsAddr    string
	MetricsPath    string
}

func FromEnv() Config {
	dataDir := getenv("DATA_DIR", "./data")
	ttlOvr := parseDurationMap(getenv("CACHE_TTL_OVERRIDES", ""))

	cacheCfg := func(name string, maxDef int64, ttlDef time.Duration) CacheCfg {
		up := strings.ToUpper(name)
		c := CacheCfg{
			MaxBytes: getbytes(up+"_MAX_BYTES", maxDef),
			TTL:      getduration(up+"_TTL", ttlDef),
		}
		if d, ok := ttlOvr[name]; ok {
			c.TTL = d
		}
		if c.TTL < 0 {
			c.TTL = 0
		}
		return c
	}

	store := strings.ToLower(getenv("CACHE_STORE", "sqlite"))
	if store != "redis" {
		store = "sqlite"
	}

	return Config{
		Addr:        getenv("ADDR", "127.0.0.1:8090"),
		ImageRoot:   getenv("IMAGE_ROOT", "./images"),
		CORSOrigins: splitList(getenv("CORS_ORIGINS", "")),

		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogConsole: getbool("LOG_CONSOLE", false),
		LogSampleN: getint("LOG_SAMPLE_N", 0),

		DataDir:           dataDir,
		Store:             store,
		SQLiteBusyTimeout: getduration("SQLITE_BUSY_TIMEOUT", 5*time.Second),
		RedisAddr:         getenv("REDIS_ADDR", "localhost:6379"),
		RedisDB:           getint("REDIS_DB", 0),
		CacheOpTimeout:    getduration("CACHE_OP_TIMEOUT", 2*time.Second),
		MemoryEntries:     getint("CACHE_MEMORY_ENTRIES", 256),

		Predictions: cacheCfg("predictions", 100<<20, 0),
		Thumbnails:  cacheCfg("thumbnails", 500<<20, 30*24*time.Hour),
		Tiles:       cacheCfg("tiles", 1<<30, 7*24*time.Hour),
		TTLOvr:      ttlOvr,

		ThumbnailMaxDim:  getint("THUMBNAIL_MAX_DIM", 256),
		ThumbnailQuality: getint("THUMBNAIL_QUALITY", 85),
		TileTemplate:     getenv("TILE_URL_TEMPLATE", "https://a.basemaps.cartocdn.com/dark_all/{z}/{x}/{y}.png"),
		TileMaxZoom:      getint("TILE_MAX_ZOOM", 19),
		TileUserAgent:    getenv("TILE_USER_AGENT", ""),
		TileFetchTimeout: getduration("TILE_FETCH_TIMEOUT", 15*time.Second),

		GenIdleWait:   getduration("GEN_IDLE_WAIT", 100*time.Millisecond),
		StopGrace:     getduration("STOP_GRACE", 5*time.Second),
		EvictInterval: getduration("EVICT_INTERVAL", time.Hour),

		ClusterRadiusKm:    getfloat("CLUSTER_RADIUS_KM", 100),
		ClusterBoostFactor: getfloat("CLUSTER_BOOST_FACTOR", 0.15),
		ClusterMinMembers:  getint("CLUSTER_MIN_MEMBERS", 2),
		ClusterCellRes:     getint("CLUSTER_H3_RES", 5),

		HeatmapSigma:       getfloat("HEATMAP_SIGMA", 3),
		HeatmapTruncate:    getfloat("HEATMAP_TRUNCATE", 3),
		HeatmapThreshold:   getfloat("HEATMAP_THRESHOLD", 0.7),
		HeatmapExifWeight:  getfloat("HEATMAP_EXIF_WEIGHT", 2),
		HeatmapLabelMaxRes: getint("HEATMAP_LABEL_MAX_RES", 6),

		Invalidation: InvalidationCfg{
			Enabled:      getbool("INVALIDATION_ENABLED", false),
			Publish:      getbool("INVALIDATION_PUBLISH", false),
			Topic:        getenv("INVALIDATION_TOPIC", "geolens-invalidation"),
			Brokers:      splitList(getenv("INVALIDATION_BROKERS", "localhost:9092")),
			GroupID:      getenv("INVALIDATION_GROUP_ID", "geolens-cache"),
			StartNewest:  getbool("INVALIDATION_START_NEWEST", false),
			RetryBackoff: getduration("INVALIDATION_RETRY_BACKOFF", 2*time.Second),
		},

		MetricsEnabled: getbool("METRICS_ENABLED", false),
		MetricsAddr:    getenv("METRICS_ADDR", "127.0.0.1:9090"),
		MetricsPath:    getenv("METRICS_PATH", "/metrics"),
	}
}

// SQLitePath is the database file for the named cache.
func (c Config) SQLitePath(name string) string {
	return filepath.Join(c.DataDir, name+".db")
}

// BlobDir is the artifact directory for the named cache.
func (c Config) BlobDir(name string) string {
	return filepath.Join(c.DataDir, name)
}

// splitList splits a comma separated value, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getbytes accepts a plain byte count or a KB/MB/GB suffix (binary multiples).
func getbytes(k string, def int64) int64 {
	v := strings.ToUpper(strings.TrimSpace(os.Getenv(k)))
	if v == "" {
		return def
	}
	mult := int64(1)
	for _, u := range []struct {
		suffix string
		n      int64
	}{{"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}, {"B", 1}} {
		if strings.HasSuffix(v, u.suffix) {
			mult = u.n
			v = strings.TrimSpace(strings.TrimSuffix(v, u.suffix))
			break
		}
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return def
	}
	return n * mult
}

// parse "tiles=72h,thumbnails=720h" into map
func parseDurationMap(s string) map[string]time.Duration {
	out := map[string]time.Duration{}
	s = strings.TrimSpace(s)
	if s == "" {
		return out
	}
	parts := strings.SplitSeq(s, ",")
	for p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.TrimSpace(kv[0])
		v := strings.TrimSpace(kv[1])
		if k == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err == nil {
			out[k] = d
		}
	}
	return out
}
