// Package server exposes the caches and the analysis functions over HTTP.
package server

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/mohammed-shakir/geolens-cache/internal/artifacts"
	"github.com/mohammed-shakir/geolens-cache/internal/cache"
	"github.com/mohammed-shakir/geolens-cache/internal/cluster"
	"github.com/mohammed-shakir/geolens-cache/internal/core/health"
	middleware "github.com/mohammed-shakir/geolens-cache/internal/core/middleware"
	"github.com/mohammed-shakir/geolens-cache/internal/core/model"
	"github.com/mohammed-shakir/geolens-cache/internal/heatmap"
	"github.com/mohammed-shakir/geolens-cache/internal/invalidation"
	"github.com/mohammed-shakir/geolens-cache/internal/locate"
)

const maxBody = 8 << 20

// Cache is the administrative view of one engine.
type Cache interface {
	Name() string
	Config() cache.Config
	Statistics(ctx context.Context) (cache.Stats, error)
	EvictIfOverCapacity(ctx context.Context) (int, error)
	EvictExpired(ctx context.Context) (int, error)
	InvalidateKeys(ctx context.Context, keys ...string) error
	Clear(ctx context.Context) error
}

// Publisher forwards admin invalidations to the other instances.
type Publisher interface {
	Publish(ev invalidation.Event) bool
}

type Deps struct {
	Logger     *slog.Logger
	Caches     []Cache
	Analyzer   *cluster.Analyzer
	Heatmap    *heatmap.Generator
	Locate     *locate.Service
	Thumbnails *artifacts.Derived[string]
	Tiles      *artifacts.Derived[artifacts.TileCoord]
	Publisher  Publisher
	Metrics    http.Handler
	Ready      map[string]health.Check
	// ImageRoot bounds the paths /locate and /thumbnails may read; both
	// routes are off without it.
	ImageRoot string
	// CORSOrigins lists browser origins allowed to call the API.
	CORSOrigins []string
}

type api struct {
	d      Deps
	log    *slog.Logger
	caches map[string]Cache
	names  []string
	images imageRoot
}

func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Analyzer == nil {
		d.Analyzer = cluster.New(cluster.DefaultConfig(), cluster.WithLogger(d.Logger))
	}
	if d.Heatmap == nil {
		d.Heatmap = heatmap.New(heatmap.DefaultConfig(), heatmap.WithLogger(d.Logger))
	}
	a := &api{d: d, log: d.Logger, caches: make(map[string]Cache, len(d.Caches))}
	images, err := newImageRoot(d.ImageRoot)
	if err != nil {
		d.Logger.Error("image routes disabled", "err", err)
	}
	a.images = images
	for _, c := range d.Caches {
		a.caches[c.Name()] = c
		a.names = append(a.names, c.Name())
	}
	sort.Strings(a.names)

	r := chi.NewRouter()
	r.Use(middleware.Recover(d.Logger))
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS(d.CORSOrigins...))

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(2*time.Second, d.Ready))
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Logging(d.Logger))
		r.Get("/caches", a.listCaches)
		r.Route("/caches/{name}", func(r chi.Router) {
			r.Get("/stats", a.cacheStats)
			r.Post("/evict", a.evict)
			r.Post("/invalidate", a.invalidate)
			r.Delete("/", a.clear)
		})
		r.Post("/analysis/cluster", a.analyzeCluster)
		r.Post("/analysis/heatmap", a.analyzeHeatmap)
		if d.Locate != nil && a.images.enabled() {
			r.Post("/locate", a.locate)
		}
		if d.Thumbnails != nil && a.images.enabled() {
			r.Get("/thumbnails", a.thumbnail)
		}
		if d.Tiles != nil {
			r.Get("/tiles/{z}/{x}/{y}", a.tile)
		}
	})
	return r
}

type cacheView struct {
	Name     string      `json:"name"`
	MaxBytes int64       `json:"max_bytes"`
	Expiry   string      `json:"expiry"`
	TTL      string      `json:"ttl,omitempty"`
	Stats    cache.Stats `json:"stats"`
}

func (a *api) view(ctx context.Context, c Cache) (cacheView, error) {
	st, err := c.Statistics(ctx)
	if err != nil {
		return cacheView{}, err
	}
	cfg := c.Config()
	v := cacheView{Name: c.Name(), MaxBytes: cfg.MaxBytes, Expiry: cfg.Expiry.String(), Stats: st}
	if cfg.TTL > 0 {
		v.TTL = cfg.TTL.String()
	}
	return v, nil
}

func (a *api) listCaches(w http.ResponseWriter, r *http.Request) {
	out := make([]cacheView, 0, len(a.names))
	for _, n := range a.names {
		v, err := a.view(r.Context(), a.caches[n])
		if err != nil {
			a.fail(w, r, http.StatusInternalServerError, err)
			return
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"caches": out})
}

func (a *api) lookup(w http.ResponseWriter, r *http.Request) (Cache, bool) {
	name := chi.URLParam(r, "name")
	c, ok := a.caches[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown cache " + strconv.Quote(name)})
	}
	return c, ok
}

func (a *api) cacheStats(w http.ResponseWriter, r *http.Request) {
	c, ok := a.lookup(w, r)
	if !ok {
		return
	}
	v, err := a.view(r.Context(), c)
	if err != nil {
		a.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *api) evict(w http.ResponseWriter, r *http.Request) {
	c, ok := a.lookup(w, r)
	if !ok {
		return
	}
	expired, err := c.EvictExpired(r.Context())
	if err != nil {
		a.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	over, err := c.EvictIfOverCapacity(r.Context())
	if err != nil {
		a.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": expired, "capacity": over})
}

type invalidateRequest struct {
	Keys []string `json:"keys"`
	URLs []string `json:"urls"`
}

func (a *api) invalidate(w http.ResponseWriter, r *http.Request) {
	c, ok := a.lookup(w, r)
	if !ok {
		return
	}
	var req invalidateRequest
	if !a.decode(w, r, &req) {
		return
	}
	ev := invalidation.Event{
		Version: 1, Op: invalidation.OpInvalidate, Cache: c.Name(), TS: time.Now().UTC(),
		Keys: req.Keys, URLs: req.URLs, Source: "admin",
	}
	if err := ev.Validate(); err != nil {
		a.fail(w, r, http.StatusBadRequest, err)
		return
	}
	ks, err := ev.CacheKeys()
	if err != nil {
		a.fail(w, r, http.StatusBadRequest, err)
		return
	}
	if err := c.InvalidateKeys(r.Context(), ks...); err != nil {
		a.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	a.publish(ev)
	writeJSON(w, http.StatusOK, map[string]int{"invalidated": len(ks)})
}

func (a *api) clear(w http.ResponseWriter, r *http.Request) {
	c, ok := a.lookup(w, r)
	if !ok {
		return
	}
	if err := c.Clear(r.Context()); err != nil {
		a.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	a.publish(invalidation.Event{
		Version: 1, Op: invalidation.OpClear, Cache: c.Name(), TS: time.Now().UTC(), Source: "admin",
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) publish(ev invalidation.Event) {
	if a.d.Publisher == nil {
		return
	}
	if !a.d.Publisher.Publish(ev) {
		a.log.Warn("invalidation not broadcast", "cache", ev.Cache, "op", ev.Op)
	}
}

type clusterRequest struct {
	Predictions []model.Prediction `json:"predictions"`
}

type clusterResponse struct {
	Predictions []model.Prediction `json:"predictions"`
	Cluster     cluster.Result     `json:"cluster"`
}

func (a *api) analyzeCluster(w http.ResponseWriter, r *http.Request) {
	var req clusterRequest
	if !a.decode(w, r, &req) {
		return
	}
	preds := model.ClonePredictions(req.Predictions)
	res := a.d.Analyzer.Analyze(preds)
	if preds == nil {
		preds = []model.Prediction{}
	}
	writeJSON(w, http.StatusOK, clusterResponse{Predictions: preds, Cluster: res})
}

type heatmapRequest struct {
	Images      []model.ImageResult `json:"images"`
	IncludeGrid bool                `json:"include_grid"`
}

func (a *api) analyzeHeatmap(w http.ResponseWriter, r *http.Request) {
	var req heatmapRequest
	if !a.decode(w, r, &req) {
		return
	}
	d := a.d.Heatmap.Generate(req.Images)
	if !req.IncludeGrid {
		d.Grid = nil
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *api) locate(w http.ResponseWriter, r *http.Request) {
	var req locate.Input
	if !a.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ImagePath) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "image_path is required"})
		return
	}
	path, err := a.images.resolve(req.ImagePath)
	if err != nil {
		a.fail(w, r, statusFor(err), err)
		return
	}
	res, err := a.d.Locate.Locate(r.Context(), path, req.EXIF)
	if err != nil {
		a.fail(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// thumbnail answers 202 while the thumbnail is generated in the background;
// ?wait=1 generates it inline instead.
func (a *api) thumbnail(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("path"))
	if raw == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "path is required"})
		return
	}
	path, err := a.images.resolve(raw)
	if err != nil {
		a.fail(w, r, statusFor(err), err)
		return
	}
	a.serveDerived(w, r, "image/jpeg", func(ctx context.Context, wait bool) ([]byte, bool, error) {
		if wait {
			b, err := a.d.Thumbnails.Warm(ctx, path)
			return b, err == nil, err
		}
		return a.d.Thumbnails.Fetch(ctx, path)
	})
}

func (a *api) tile(w http.ResponseWriter, r *http.Request) {
	var t artifacts.TileCoord
	var err error
	if t.Z, err = strconv.Atoi(chi.URLParam(r, "z")); err == nil {
		if t.X, err = strconv.Atoi(chi.URLParam(r, "x")); err == nil {
			t.Y, err = strconv.Atoi(strings.TrimSuffix(chi.URLParam(r, "y"), ".png"))
		}
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "tile coordinates must be integers"})
		return
	}
	a.serveDerived(w, r, "image/png", func(ctx context.Context, wait bool) ([]byte, bool, error) {
		if wait {
			b, err := a.d.Tiles.Warm(ctx, t)
			return b, err == nil, err
		}
		return a.d.Tiles.Fetch(ctx, t)
	})
}

func (a *api) serveDerived(w http.ResponseWriter, r *http.Request, contentType string, get func(context.Context, bool) ([]byte, bool, error)) {
	wait := r.URL.Query().Get("wait") == "1"
	b, ok, err := get(r.Context(), wait)
	if err != nil {
		a.fail(w, r, statusFor(err), err)
		return
	}
	if !ok {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

type errorBody struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, artifacts.ErrInvalidTile):
		return http.StatusBadRequest
	case errors.Is(err, errOutsideRoot):
		return http.StatusForbidden
	case errors.Is(err, cache.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

func (a *api) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		a.fail(w, r, http.StatusBadRequest, err)
		return false
	}
	if len(body) > maxBody {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "request body too large"})
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json: " + err.Error()})
		return false
	}
	return true
}

func (a *api) fail(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= 500 {
		a.log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
