// Package artifacts holds the concrete caches built on the generic engine:
// inference results per image, thumbnails and map tiles.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mohammed-shakir/geolens-cache/internal/cache"
	"github.com/mohammed-shakir/geolens-cache/internal/cache/genqueue"
)

// Derived is a cache whose misses are filled by a background generator.
type Derived[S any] struct {
	eng   *cache.Engine[S]
	gen   cache.Generator[S]
	queue *genqueue.Queue[S]
	log   *slog.Logger
}

func newDerived[S any](eng *cache.Engine[S], gen cache.Generator[S], log *slog.Logger, idle time.Duration) *Derived[S] {
	if log == nil {
		log = slog.Default()
	}
	return &Derived[S]{
		eng:   eng,
		gen:   gen,
		queue: genqueue.New[S](eng.Name(), gen, eng, genqueue.WithLogger(log), genqueue.WithIdleWait(idle)),
		log:   log.With("cache", eng.Name()),
	}
}

func (d *Derived[S]) Engine() *cache.Engine[S] { return d.eng }

func (d *Derived[S]) Start(ctx context.Context) { d.queue.Start(ctx) }

func (d *Derived[S]) Pending() int { return d.queue.Len() }

// Fetch returns the cached artifact. On a miss it schedules generation and
// returns false without waiting for it.
func (d *Derived[S]) Fetch(ctx context.Context, s S) ([]byte, bool, error) {
	id, err := d.eng.Identify(s)
	if err != nil {
		return nil, false, err
	}
	a, ok, err := d.eng.GetKey(ctx, id.Key)
	if err != nil {
		return nil, false, err
	}
	if ok {
		return a.Data, true, nil
	}
	d.queue.Enqueue(s, id.Key)
	return nil, false, nil
}

// Warm generates and stores the artifact now, for callers that can wait.
func (d *Derived[S]) Warm(ctx context.Context, s S) ([]byte, error) {
	id, err := d.eng.Identify(s)
	if err != nil {
		return nil, err
	}
	if a, ok, err := d.eng.GetKey(ctx, id.Key); err == nil && ok {
		return a.Data, nil
	}
	a, err := d.gen.Generate(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("%s: generate: %w", d.eng.Name(), err)
	}
	if err := d.eng.PutIdentity(ctx, id, a); err != nil {
		return nil, err
	}
	return a.Data, nil
}

// Close stops the worker, then closes the engine.
func (d *Derived[S]) Close(grace time.Duration) error {
	if err := d.queue.Stop(grace); err != nil && !errors.Is(err, genqueue.ErrNotStarted) {
		d.log.Warn("generation worker did not stop cleanly", "err", err)
	}
	return d.eng.Close()
}
