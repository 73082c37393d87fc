package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/geolens-cache/internal/cache/blobs"
	"github.com/mohammed-shakir/geolens-cache/internal/core/observability"
)

type Option func(*options)

type options struct {
	logger *slog.Logger
	now    func() time.Time
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

type memEntry struct {
	entry Entry
	data  []byte
}

type touch struct {
	at   time.Time
	hits int64
}

// Engine is one cache instance. The memory tier is safe for concurrent use on
// its own; everything that reaches the store or the artifact directory runs
// behind gate so eviction always sees a consistent total.
type Engine[S any] struct {
	cfg   Config
	ids   Identifier[S]
	store Store
	blobs *blobs.Dir
	mem   *lru.Cache[string, memEntry]
	log   *slog.Logger
	now   func() time.Time

	gate   sync.Mutex
	closed bool

	// memory hits are recorded here and written to the store on the next
	// gated operation
	pendMu  sync.Mutex
	pending map[string]touch

	hits   atomic.Int64
	misses atomic.Int64
}

func New[S any](cfg Config, ids Identifier[S], store Store, opts ...Option) (*Engine[S], error) {
	if ids == nil {
		return nil, errors.New("cache: identifier is required")
	}
	if store == nil {
		return nil, errors.New("cache: store is required")
	}
	o := options{logger: slog.Default(), now: time.Now}
	for _, f := range opts {
		f(&o)
	}
	if cfg.Name == "" {
		cfg.Name = "cache"
	}
	if cfg.LowWater <= 0 || cfg.LowWater >= 1 {
		cfg.LowWater = DefaultLowWater
	}
	if cfg.MemoryEntries <= 0 {
		cfg.MemoryEntries = DefaultMemoryEntries
	}

	mem, err := lru.New[string, memEntry](cfg.MemoryEntries)
	if err != nil {
		return nil, fmt.Errorf("cache %s: memory tier: %w", cfg.Name, err)
	}

	var dir *blobs.Dir
	if cfg.Dir != "" {
		dir, err = blobs.Open(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("cache %s: %w", cfg.Name, err)
		}
	}

	return &Engine[S]{
		cfg:     cfg,
		ids:     ids,
		store:   store,
		blobs:   dir,
		mem:     mem,
		log:     o.logger.With("cache", cfg.Name),
		now:     o.now,
		pending: make(map[string]touch),
	}, nil
}

func (e *Engine[S]) Name() string { return e.cfg.Name }

func (e *Engine[S]) Config() Config { return e.cfg }

func (e *Engine[S]) Identify(s S) (Identity, error) {
	id, err := e.ids.Identify(s)
	if err != nil {
		return Identity{}, fmt.Errorf("cache %s: identify: %w", e.cfg.Name, err)
	}
	if id.Key == "" {
		return Identity{}, fmt.Errorf("cache %s: identify: empty key", e.cfg.Name)
	}
	return id, nil
}

// Get returns a copy of the cached artifact for s. A missing entry is
// (Artifact{}, false, nil); an error means the lookup itself failed.
func (e *Engine[S]) Get(ctx context.Context, s S) (Artifact, bool, error) {
	id, err := e.Identify(s)
	if err != nil {
		return Artifact{}, false, err
	}
	return e.GetKey(ctx, id.Key)
}

func (e *Engine[S]) GetKey(ctx context.Context, key string) (Artifact, bool, error) {
	now := e.now()

	if me, ok := e.mem.Get(key); ok {
		if !e.expired(me.entry, now) {
			// recency is bumped by mem.Get; access metadata goes through the
			// pending touches so a concurrent Put is never overwritten here
			e.noteTouch(key, now)
			e.hits.Add(1)
			observability.IncCacheHit(e.cfg.Name, "memory")
			return Artifact{Data: clone(me.data), Validator: me.entry.Validator}, true, nil
		}
		e.mem.Remove(key)
	}

	e.gate.Lock()
	defer e.gate.Unlock()
	if e.closed {
		return Artifact{}, false, ErrClosed
	}
	e.flushLocked(ctx)

	start := time.Now()
	rec, ok, err := e.store.Load(ctx, key)
	observability.ObserveCacheOp(e.cfg.Name, "load", err, time.Since(start).Seconds())
	if err != nil {
		return Artifact{}, false, fmt.Errorf("cache %s: load %s: %w", e.cfg.Name, key, err)
	}
	if !ok {
		e.miss()
		return Artifact{}, false, nil
	}
	if e.expired(rec.Entry, now) {
		if err := e.removeLocked(ctx, rec.Entry, "expired"); err != nil {
			e.log.Warn("drop expired entry failed", "key", key, "err", err)
		}
		e.miss()
		return Artifact{}, false, nil
	}

	data := rec.Inline
	if rec.Path != "" && e.blobs != nil {
		data, err = e.blobs.Read(rec.Path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return Artifact{}, false, fmt.Errorf("cache %s: %w", e.cfg.Name, err)
			}
			e.log.Warn("artifact file missing; dropping record", "key", key, "path", rec.Path)
			if err := e.removeLocked(ctx, rec.Entry, "orphaned"); err != nil {
				e.log.Warn("drop orphaned record failed", "key", key, "err", err)
			}
			e.miss()
			return Artifact{}, false, nil
		}
	}

	if err := e.store.Touch(ctx, key, now, 1); err != nil {
		e.log.Warn("touch failed; deferring", "key", key, "err", err)
		e.noteTouch(key, now)
	}
	rec.LastAccessedAt = now
	rec.AccessCount++
	e.mem.Add(key, memEntry{entry: rec.Entry, data: data})

	e.hits.Add(1)
	observability.IncCacheHit(e.cfg.Name, "persistent")
	return Artifact{Data: clone(data), Validator: rec.Validator}, true, nil
}

// Put stores a for s, replacing any previous artifact, then enforces the size
// ceiling. Eviction problems are logged; only the write itself can fail Put.
func (e *Engine[S]) Put(ctx context.Context, s S, a Artifact) error {
	id, err := e.Identify(s)
	if err != nil {
		return err
	}
	return e.PutIdentity(ctx, id, a)
}

// PutIdentity is Put for callers that already fingerprinted the subject.
func (e *Engine[S]) PutIdentity(ctx context.Context, id Identity, a Artifact) error {
	if id.Key == "" {
		return fmt.Errorf("cache %s: put: empty key", e.cfg.Name)
	}
	if err := e.put(ctx, id, a); err != nil {
		return err
	}
	if _, err := e.EvictIfOverCapacity(ctx); err != nil {
		e.log.Warn("eviction after put failed", "key", id.Key, "err", err)
	}
	return nil
}

func (e *Engine[S]) put(ctx context.Context, id Identity, a Artifact) error {
	now := e.now()
	data := clone(a.Data)
	rec := Record{Entry: Entry{
		Key:            id.Key,
		Subject:        id.Subject,
		Size:           int64(len(data)),
		CreatedAt:      now,
		LastAccessedAt: now,
		Validator:      a.Validator,
	}}
	if e.cfg.Expiry == ExpireAtWrite && e.cfg.TTL > 0 {
		rec.ExpiresAt = now.Add(e.cfg.TTL)
	}

	e.gate.Lock()
	defer e.gate.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.flushLocked(ctx)

	if e.blobs != nil {
		p, err := e.blobs.Write(id.Key, data)
		if err != nil {
			return fmt.Errorf("cache %s: %w", e.cfg.Name, err)
		}
		rec.Path = p
	} else {
		rec.Inline = data
	}

	start := time.Now()
	err := e.store.Upsert(ctx, rec)
	observability.ObserveCacheOp(e.cfg.Name, "upsert", err, time.Since(start).Seconds())
	if err != nil {
		// the file may now disagree with the record, drop both views of it
		e.mem.Remove(id.Key)
		if rec.Path != "" {
			_ = e.blobs.Remove(rec.Path)
		}
		return fmt.Errorf("cache %s: upsert %s: %w", e.cfg.Name, id.Key, err)
	}
	e.dropPending(id.Key)
	e.mem.Add(id.Key, memEntry{entry: rec.Entry, data: data})
	return nil
}

// EvictIfOverCapacity removes least recently accessed entries once the total
// size exceeds MaxBytes, stopping at LowWater*MaxBytes.
func (e *Engine[S]) EvictIfOverCapacity(ctx context.Context) (int, error) {
	if e.cfg.MaxBytes <= 0 {
		return 0, nil
	}
	e.gate.Lock()
	defer e.gate.Unlock()
	if e.closed {
		return 0, ErrClosed
	}
	e.flushLocked(ctx)

	start := time.Now()
	total, _, err := e.store.Usage(ctx)
	observability.ObserveCacheOp(e.cfg.Name, "usage", err, time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("cache %s: usage: %w", e.cfg.Name, err)
	}
	if total <= e.cfg.MaxBytes {
		return 0, nil
	}
	target := int64(float64(e.cfg.MaxBytes) * e.cfg.LowWater)

	entries, err := e.store.ByLastAccess(ctx)
	if err != nil {
		return 0, fmt.Errorf("cache %s: list by access: %w", e.cfg.Name, err)
	}

	removed := 0
	for _, ent := range entries {
		if total <= target {
			break
		}
		if err := e.removeLocked(ctx, ent, "capacity"); err != nil {
			e.log.Warn("evict entry failed; skipping", "key", ent.Key, "err", err)
			continue
		}
		total -= ent.Size
		removed++
	}
	e.log.Info("capacity eviction",
		"removed", removed, "remaining_bytes", total,
		"max_bytes", e.cfg.MaxBytes, "target_bytes", target,
		"dur", time.Since(start).String())
	return removed, nil
}

// EvictExpired drops entries past their expiry. Individual failures are logged.
func (e *Engine[S]) EvictExpired(ctx context.Context) (int, error) {
	if e.cfg.Expiry == ExpireNone {
		return 0, nil
	}
	now := e.now()
	var createdBefore time.Time
	if e.cfg.Expiry == ExpireByAge {
		if e.cfg.TTL <= 0 {
			return 0, nil
		}
		createdBefore = now.Add(-e.cfg.TTL)
	}

	e.gate.Lock()
	defer e.gate.Unlock()
	if e.closed {
		return 0, ErrClosed
	}
	e.flushLocked(ctx)

	entries, err := e.store.Expired(ctx, now, createdBefore)
	if err != nil {
		return 0, fmt.Errorf("cache %s: list expired: %w", e.cfg.Name, err)
	}
	removed := 0
	for _, ent := range entries {
		if err := e.removeLocked(ctx, ent, "expired"); err != nil {
			e.log.Warn("expire entry failed; skipping", "key", ent.Key, "err", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		e.log.Info("expired entries removed", "removed", removed, "mode", e.cfg.Expiry.String())
	}
	return removed, nil
}

// InvalidateKeys removes the given entries if present.
func (e *Engine[S]) InvalidateKeys(ctx context.Context, keys ...string) error {
	e.gate.Lock()
	defer e.gate.Unlock()
	if e.closed {
		return ErrClosed
	}
	var errs []error
	for _, k := range keys {
		e.mem.Remove(k)
		e.dropPending(k)
		rec, ok, err := e.store.Load(ctx, k)
		if err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", k, err))
			continue
		}
		if !ok {
			continue
		}
		if err := e.removeLocked(ctx, rec.Entry, "invalidated"); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("cache %s: invalidate: %w", e.cfg.Name, errors.Join(errs...))
	}
	return nil
}

// Clear removes every artifact and record, resets counters and compacts the store.
func (e *Engine[S]) Clear(ctx context.Context) error {
	e.gate.Lock()
	defer e.gate.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.pendMu.Lock()
	e.pending = make(map[string]touch)
	e.pendMu.Unlock()

	entries, err := e.store.All(ctx)
	if err != nil {
		return fmt.Errorf("cache %s: list all: %w", e.cfg.Name, err)
	}
	if e.blobs != nil {
		for _, ent := range entries {
			if err := e.blobs.Remove(ent.Path); err != nil {
				e.log.Warn("artifact delete failed during clear", "key", ent.Key, "err", err)
			}
		}
		// catches files without a record, e.g. after a crash mid-write
		if err := e.blobs.Purge(); err != nil {
			e.log.Warn("artifact purge failed", "err", err)
		}
	}
	if err := e.store.Clear(ctx); err != nil {
		return fmt.Errorf("cache %s: clear: %w", e.cfg.Name, err)
	}
	e.mem.Purge()
	e.hits.Store(0)
	e.misses.Store(0)
	observability.AddEvictions(e.cfg.Name, "clear", len(entries))

	start := time.Now()
	err = e.store.Compact(ctx)
	observability.ObserveCacheOp(e.cfg.Name, "compact", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("cache %s: compact: %w", e.cfg.Name, err)
	}
	e.log.Info("cache cleared", "entries", len(entries))
	return nil
}

func (e *Engine[S]) Statistics(ctx context.Context) (Stats, error) {
	e.gate.Lock()
	defer e.gate.Unlock()
	if e.closed {
		return Stats{}, ErrClosed
	}
	e.flushLocked(ctx)
	total, n, err := e.store.Usage(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("cache %s: usage: %w", e.cfg.Name, err)
	}
	h, m := e.hits.Load(), e.misses.Load()
	return Stats{
		Hits:       h,
		Misses:     m,
		Entries:    n,
		TotalBytes: total,
		HitRate:    hitRate(h, m),
	}, nil
}

// Entry returns the persisted metadata for key after pending access updates landed.
func (e *Engine[S]) Entry(ctx context.Context, key string) (Entry, error) {
	e.gate.Lock()
	defer e.gate.Unlock()
	if e.closed {
		return Entry{}, ErrClosed
	}
	e.flushLocked(ctx)
	rec, ok, err := e.store.Load(ctx, key)
	if err != nil {
		return Entry{}, fmt.Errorf("cache %s: load %s: %w", e.cfg.Name, key, err)
	}
	if !ok {
		return Entry{}, ErrNotFound
	}
	return rec.Entry, nil
}

// Flush writes deferred access updates to the store.
func (e *Engine[S]) Flush(ctx context.Context) error {
	e.gate.Lock()
	defer e.gate.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.flushLocked(ctx)
	return nil
}

// DropMemory empties the memory tier only; the next read goes to the store.
func (e *Engine[S]) DropMemory() {
	e.mem.Purge()
}

func (e *Engine[S]) Close() error {
	e.gate.Lock()
	defer e.gate.Unlock()
	if e.closed {
		return nil
	}
	e.flushLocked(context.Background())
	e.closed = true
	e.mem.Purge()
	if err := e.store.Close(); err != nil {
		return fmt.Errorf("cache %s: close store: %w", e.cfg.Name, err)
	}
	return nil
}

func (e *Engine[S]) expired(ent Entry, now time.Time) bool {
	switch e.cfg.Expiry {
	case ExpireAtWrite:
		return !ent.ExpiresAt.IsZero() && !now.Before(ent.ExpiresAt)
	case ExpireByAge:
		return e.cfg.TTL > 0 && !now.Before(ent.CreatedAt.Add(e.cfg.TTL))
	default:
		return false
	}
}

func (e *Engine[S]) miss() {
	e.misses.Add(1)
	observability.IncCacheMiss(e.cfg.Name)
}

// must hold gate
func (e *Engine[S]) removeLocked(ctx context.Context, ent Entry, reason string) error {
	if e.blobs != nil && ent.Path != "" {
		if err := e.blobs.Remove(ent.Path); err != nil {
			e.log.Warn("artifact delete failed; skipping file", "key", ent.Key, "reason", reason, "err", err)
		}
	}
	e.mem.Remove(ent.Key)
	e.dropPending(ent.Key)

	start := time.Now()
	err := e.store.Delete(ctx, ent.Key)
	observability.ObserveCacheOp(e.cfg.Name, "delete", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("delete %s: %w", ent.Key, err)
	}
	observability.AddEvictions(e.cfg.Name, reason, 1)
	return nil
}

func (e *Engine[S]) noteTouch(key string, at time.Time) {
	e.pendMu.Lock()
	t := e.pending[key]
	if at.After(t.at) {
		t.at = at
	}
	t.hits++
	e.pending[key] = t
	e.pendMu.Unlock()
}

func (e *Engine[S]) dropPending(key string) {
	e.pendMu.Lock()
	delete(e.pending, key)
	e.pendMu.Unlock()
}

// must hold gate
func (e *Engine[S]) flushLocked(ctx context.Context) {
	e.pendMu.Lock()
	if len(e.pending) == 0 {
		e.pendMu.Unlock()
		return
	}
	batch := e.pending
	e.pending = make(map[string]touch, len(batch))
	e.pendMu.Unlock()

	for k, t := range batch {
		if err := e.store.Touch(ctx, k, t.at, t.hits); err != nil {
			e.log.Warn("deferred touch failed; will retry", "key", k, "err", err)
			e.pendMu.Lock()
			cur := e.pending[k]
			if t.at.After(cur.at) {
				cur.at = t.at
			}
			cur.hits += t.hits
			e.pending[k] = cur
			e.pendMu.Unlock()
		}
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
