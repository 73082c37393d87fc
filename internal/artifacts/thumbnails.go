package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif" // decoder
	"image/jpeg"
	_ "image/png" // decoder
	"log/slog"
	"os"
	"strconv"
	"time"

	_ "golang.org/x/image/bmp"  // decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // decoder
	_ "golang.org/x/image/webp" // decoder

	"github.com/mohammed-shakir/geolens-cache/internal/cache"
	"github.com/mohammed-shakir/geolens-cache/internal/cache/keys"
)

const (
	DefaultThumbnailMaxDim  = 256
	DefaultThumbnailQuality = 85
	DefaultThumbnailTTL     = 30 * 24 * time.Hour
)

// ThumbnailGenerator downsizes an image file to fit MaxDim and encodes JPEG.
// Images already small enough are re-encoded without upscaling.
type ThumbnailGenerator struct {
	MaxDim  int
	Quality int
}

func (g ThumbnailGenerator) Generate(_ context.Context, path string) (cache.Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return cache.Artifact{}, fmt.Errorf("thumbnail: open %q: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	src, format, err := image.Decode(f)
	if err != nil {
		return cache.Artifact{}, fmt.Errorf("thumbnail: decode %q: %w", path, err)
	}

	b := src.Bounds()
	w, h := fit(b.Dx(), b.Dy(), g.MaxDim)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)

	q := g.Quality
	if q <= 0 || q > 100 {
		q = DefaultThumbnailQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: q}); err != nil {
		return cache.Artifact{}, fmt.Errorf("thumbnail: encode %q (%s): %w", path, format, err)
	}
	return cache.Artifact{Data: buf.Bytes()}, nil
}

// fit scales w x h down so the longer side is maxDim, keeping the aspect ratio.
func fit(w, h, maxDim int) (int, int) {
	if maxDim <= 0 {
		maxDim = DefaultThumbnailMaxDim
	}
	if w <= maxDim && h <= maxDim {
		return max(w, 1), max(h, 1)
	}
	if w >= h {
		return maxDim, max(1, h*maxDim/w)
	}
	return max(1, w*maxDim/h), maxDim
}

// ThumbnailIdentity keys a thumbnail by the source content and the target size,
// so a size change never serves a stale thumbnail.
func ThumbnailIdentity(maxDim int) cache.IdentifierFunc[string] {
	return func(path string) (cache.Identity, error) {
		k, err := keys.File(path)
		if err != nil {
			return cache.Identity{}, err
		}
		return cache.Identity{Key: keys.String(k + ":" + strconv.Itoa(maxDim)), Subject: path}, nil
	}
}

type ThumbnailConfig struct {
	Cache    cache.Config
	MaxDim   int
	Quality  int
	IdleWait time.Duration
}

func NewThumbnails(cfg ThumbnailConfig, store cache.Store, log *slog.Logger, opts ...cache.Option) (*Derived[string], error) {
	if cfg.MaxDim <= 0 {
		cfg.MaxDim = DefaultThumbnailMaxDim
	}
	if cfg.Cache.Name == "" {
		cfg.Cache.Name = "thumbnails"
	}
	if cfg.Cache.Expiry == cache.ExpireNone && cfg.Cache.TTL > 0 {
		cfg.Cache.Expiry = cache.ExpireByAge
	}
	eng, err := cache.New[string](cfg.Cache, ThumbnailIdentity(cfg.MaxDim), store, opts...)
	if err != nil {
		return nil, err
	}
	gen := ThumbnailGenerator{MaxDim: cfg.MaxDim, Quality: cfg.Quality}
	return newDerived[string](eng, gen, log, cfg.IdleWait), nil
}
