package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mohammed-shakir/geolens-cache/internal/cache"
	"github.com/mohammed-shakir/geolens-cache/internal/cache/keys"
)

var ErrInvalidTile = errors.New("invalid tile coordinate")

const (
	DefaultTileTemplate = "https://a.basemaps.cartocdn.com/dark_all/{z}/{x}/{y}.png"
	DefaultTileTTL      = 7 * 24 * time.Hour
	DefaultMaxZoom      = 19
	maxTileBytes        = 4 << 20
)

type TileCoord struct {
	Z int `json:"z"`
	X int `json:"x"`
	Y int `json:"y"`
}

func (t TileCoord) String() string { return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y) }

// Validate checks zoom bounds and that x and y fall inside the 2^z grid.
func (t TileCoord) Validate(maxZoom int) error {
	if t.Z < 0 || t.Z > maxZoom {
		return fmt.Errorf("%w: zoom %d outside 0..%d", ErrInvalidTile, t.Z, maxZoom)
	}
	n := 1 << t.Z
	if t.X < 0 || t.X >= n || t.Y < 0 || t.Y >= n {
		return fmt.Errorf("%w: %s outside %dx%d grid", ErrInvalidTile, t, n, n)
	}
	return nil
}

// TileSource renders tile URLs from a {z}/{x}/{y} template.
type TileSource struct {
	Template string
	MaxZoom  int
}

func (s TileSource) URL(t TileCoord) (string, error) {
	maxZoom := s.MaxZoom
	if maxZoom <= 0 {
		maxZoom = DefaultMaxZoom
	}
	if err := t.Validate(maxZoom); err != nil {
		return "", err
	}
	tpl := s.Template
	if tpl == "" {
		tpl = DefaultTileTemplate
	}
	r := strings.NewReplacer("{z}", strconv.Itoa(t.Z), "{x}", strconv.Itoa(t.X), "{y}", strconv.Itoa(t.Y))
	return r.Replace(tpl), nil
}

func (s TileSource) Identify(t TileCoord) (cache.Identity, error) {
	u, err := s.URL(t)
	if err != nil {
		return cache.Identity{}, err
	}
	canon, err := keys.CanonicalURL(u)
	if err != nil {
		return cache.Identity{}, err
	}
	return cache.Identity{Key: keys.String(canon), Subject: canon}, nil
}

// TileFetcher downloads tiles and records the server validator.
type TileFetcher struct {
	Source TileSource
	Client *http.Client
}

func (f TileFetcher) Generate(ctx context.Context, t TileCoord) (cache.Artifact, error) {
	u, err := f.Source.URL(t)
	if err != nil {
		return cache.Artifact{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return cache.Artifact{}, fmt.Errorf("tile %s: build request: %w", t, err)
	}
	c := f.Client
	if c == nil {
		c = http.DefaultClient
	}
	resp, err := c.Do(req)
	if err != nil {
		return cache.Artifact{}, fmt.Errorf("tile %s: fetch: %w", t, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return cache.Artifact{}, fmt.Errorf("tile %s: upstream status %d", t, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTileBytes+1))
	if err != nil {
		return cache.Artifact{}, fmt.Errorf("tile %s: read body: %w", t, err)
	}
	if len(body) > maxTileBytes {
		return cache.Artifact{}, fmt.Errorf("tile %s: body exceeds %d bytes", t, maxTileBytes)
	}
	if len(body) == 0 {
		return cache.Artifact{}, fmt.Errorf("tile %s: empty body", t)
	}

	validator := resp.Header.Get("ETag")
	if validator == "" {
		validator = resp.Header.Get("Last-Modified")
	}
	return cache.Artifact{Data: body, Validator: validator}, nil
}

type TileConfig struct {
	Cache    cache.Config
	Source   TileSource
	IdleWait time.Duration
}

func NewTiles(cfg TileConfig, store cache.Store, client *http.Client, log *slog.Logger, opts ...cache.Option) (*Derived[TileCoord], error) {
	if cfg.Cache.Name == "" {
		cfg.Cache.Name = "tiles"
	}
	if cfg.Cache.Expiry == cache.ExpireNone && cfg.Cache.TTL > 0 {
		cfg.Cache.Expiry = cache.ExpireAtWrite
	}
	ids := cache.IdentifierFunc[TileCoord](cfg.Source.Identify)
	eng, err := cache.New[TileCoord](cfg.Cache, ids, store, opts...)
	if err != nil {
		return nil, err
	}
	return newDerived[TileCoord](eng, TileFetcher{Source: cfg.Source, Client: client}, log, cfg.IdleWait), nil
}
