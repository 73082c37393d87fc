// Package genqueue runs artifact generation off the request path. Requests go
// into an unbounded FIFO drained by a single worker; results are handed to a
// sink, normally the owning cache engine.
package genqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/mohammed-shakir/geolens-cache/internal/cache"
	"github.com/mohammed-shakir/geolens-cache/internal/core/observability"
)

var (
	ErrStopTimeout = errors.New("genqueue: worker did not stop within grace period")
	ErrNotStarted  = errors.New("genqueue: not started")
)

const DefaultIdleWait = 100 * time.Millisecond

// Sink receives generated artifacts.
type Sink[S any] interface {
	Put(ctx context.Context, s S, a cache.Artifact) error
}

type Option func(*options)

type options struct {
	logger   *slog.Logger
	idleWait time.Duration
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithIdleWait(d time.Duration) Option {
	return func(o *options) { o.idleWait = d }
}

type request[S any] struct {
	subject S
	key     string
}

type Queue[S any] struct {
	name     string
	gen      cache.Generator[S]
	sink     Sink[S]
	log      *slog.Logger
	idleWait time.Duration

	mu      sync.Mutex
	pending *queue.Queue
	wake    chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

func New[S any](name string, gen cache.Generator[S], sink Sink[S], opts ...Option) *Queue[S] {
	o := options{logger: slog.Default(), idleWait: DefaultIdleWait}
	for _, f := range opts {
		f(&o)
	}
	if o.idleWait <= 0 {
		o.idleWait = DefaultIdleWait
	}
	return &Queue[S]{
		name:     name,
		gen:      gen,
		sink:     sink,
		log:      o.logger.With("component", "genqueue", "cache", name),
		idleWait: o.idleWait,
		pending:  queue.New(),
		wake:     make(chan struct{}, 1),
	}
}

// Start launches the worker. Calling Start twice is a no-op.
func (q *Queue[S]) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.done != nil {
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})
	go q.run(wctx, q.done)
}

// Enqueue never blocks. key is only used for logging.
func (q *Queue[S]) Enqueue(s S, key string) {
	q.mu.Lock()
	q.pending.Add(request[S]{subject: s, key: key})
	n := q.pending.Length()
	q.mu.Unlock()
	observability.SetQueueDepth(q.name, n)

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue[S]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Length()
}

// Stop cancels the worker and waits up to grace for the current item to
// finish. Requests still queued are dropped.
func (q *Queue[S]) Stop(grace time.Duration) error {
	q.mu.Lock()
	cancel, done := q.cancel, q.done
	q.mu.Unlock()
	if done == nil {
		return ErrNotStarted
	}
	cancel()

	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-done:
		if n := q.Len(); n > 0 {
			observability.AddGenerationDropped(q.name, n)
			q.log.Info("generation queue stopped with pending requests", "dropped", n)
		}
		return nil
	case <-t.C:
		return fmt.Errorf("%w (%s)", ErrStopTimeout, grace)
	}
}

func (q *Queue[S]) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	idle := time.NewTimer(q.idleWait)
	defer idle.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		req, ok := q.pop()
		if !ok {
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(q.idleWait)
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
			case <-idle.C:
			}
			continue
		}
		// the item in hand finishes even if Stop was called meanwhile
		q.process(context.WithoutCancel(ctx), req)
	}
}

func (q *Queue[S]) pop() (request[S], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending.Length() == 0 {
		return request[S]{}, false
	}
	req := q.pending.Remove().(request[S])
	observability.SetQueueDepth(q.name, q.pending.Length())
	return req, true
}

func (q *Queue[S]) process(ctx context.Context, req request[S]) {
	start := time.Now()
	a, err := q.gen.Generate(ctx, req.subject)
	if err == nil {
		err = q.sink.Put(ctx, req.subject, a)
	}
	observability.ObserveGeneration(q.name, err, time.Since(start).Seconds())
	if err != nil {
		q.log.Warn("background generation failed; dropping request", "key", req.key, "err", err)
		return
	}
	q.log.Debug("artifact generated", "key", req.key, "bytes", len(a.Data), "dur", time.Since(start).String())
}
