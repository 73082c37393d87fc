package genqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mohammed-shakir/geolens-cache/internal/cache"
)

type recordingSink struct {
	mu   sync.Mutex
	got  []string
	seen chan string
}

func newSink() *recordingSink {
	return &recordingSink{seen: make(chan string, 64)}
}

func (r *recordingSink) Put(_ context.Context, s string, _ cache.Artifact) error {
	r.mu.Lock()
	r.got = append(r.got, s)
	r.mu.Unlock()
	r.seen <- s
	return nil
}

func (r *recordingSink) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func waitFor(t *testing.T, ch <-chan string, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-deadline:
			t.Fatalf("timed out after %d of %d items", i, n)
		}
	}
}

var echo = cache.GeneratorFunc[string](func(_ context.Context, s string) (cache.Artifact, error) {
	return cache.Artifact{Data: []byte(s)}, nil
})

func TestQueue_ProcessesInFIFOOrder(t *testing.T) {
	sink := newSink()
	q := New[string]("thumbnails", echo, sink)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		q.Enqueue(s, s)
	}
	if q.Len() != 5 {
		t.Fatalf("Len=%d want 5", q.Len())
	}
	q.Start(context.Background())
	t.Cleanup(func() { _ = q.Stop(time.Second) })

	waitFor(t, sink.seen, 5)
	got := sink.snapshot()
	for i, want := range []string{"a", "b", "c", "d", "e"} {
		if got[i] != want {
			t.Fatalf("order=%v", got)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("Len=%d after drain", q.Len())
	}
}

func TestQueue_FailureIsDroppedAndWorkerContinues(t *testing.T) {
	sink := newSink()
	gen := cache.GeneratorFunc[string](func(_ context.Context, s string) (cache.Artifact, error) {
		if s == "bad" {
			return cache.Artifact{}, errors.New("decode failed")
		}
		return cache.Artifact{Data: []byte(s)}, nil
	})
	q := New[string]("thumbnails", gen, sink)
	q.Start(context.Background())
	t.Cleanup(func() { _ = q.Stop(time.Second) })

	q.Enqueue("bad", "k1")
	q.Enqueue("good", "k2")
	waitFor(t, sink.seen, 1)
	if got := sink.snapshot(); len(got) != 1 || got[0] != "good" {
		t.Fatalf("sink=%v", got)
	}
}

func TestQueue_WakesWithoutWaitingForIdleTimer(t *testing.T) {
	sink := newSink()
	q := New[string]("tiles", echo, sink, WithIdleWait(time.Hour))
	q.Start(context.Background())
	t.Cleanup(func() { _ = q.Stop(time.Second) })

	time.Sleep(20 * time.Millisecond) // let the worker go idle
	q.Enqueue("x", "x")
	waitFor(t, sink.seen, 1)
}

func TestStop_LetsInFlightItemFinish(t *testing.T) {
	sink := newSink()
	started := make(chan struct{})
	release := make(chan struct{})
	gen := cache.GeneratorFunc[string](func(ctx context.Context, s string) (cache.Artifact, error) {
		close(started)
		<-release
		if ctx.Err() != nil {
			return cache.Artifact{}, ctx.Err()
		}
		return cache.Artifact{Data: []byte(s)}, nil
	})
	q := New[string]("tiles", gen, sink)
	q.Enqueue("slow", "slow")
	q.Enqueue("never", "never")
	q.Start(context.Background())
	<-started

	errCh := make(chan error, 1)
	go func() { errCh <- q.Stop(2 * time.Second) }()
	time.Sleep(20 * time.Millisecond)
	close(release)

	if err := <-errCh; err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := sink.snapshot(); len(got) != 1 || got[0] != "slow" {
		t.Fatalf("sink=%v want [slow]", got)
	}
	if q.Len() != 1 {
		t.Fatalf("queued item should be left behind, Len=%d", q.Len())
	}
}

func TestStop_TimesOut(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	gen := cache.GeneratorFunc[string](func(context.Context, string) (cache.Artifact, error) {
		close(started)
		<-release
		return cache.Artifact{}, nil
	})
	q := New[string]("tiles", gen, newSink())
	q.Enqueue("stuck", "stuck")
	q.Start(context.Background())
	<-started

	if err := q.Stop(20 * time.Millisecond); !errors.Is(err, ErrStopTimeout) {
		t.Fatalf("Stop err=%v want ErrStopTimeout", err)
	}
}

func TestStop_BeforeStart(t *testing.T) {
	q := New[string]("tiles", echo, newSink())
	if err := q.Stop(time.Millisecond); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("err=%v", err)
	}
}
