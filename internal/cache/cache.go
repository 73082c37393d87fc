// Package cache implements the two-tier artifact cache shared by the prediction,
// thumbnail and tile caches: a bounded in-memory layer in front of a persistent
// store, with LRU eviction by total size and optional age-based expiry.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed   = errors.New("cache: closed")
	ErrNotFound = errors.New("cache: entry not found")
)

// Identity is the cache key of a subject plus the human readable subject
// identity (source path or canonical URL) stored next to it.
type Identity struct {
	Key     string
	Subject string
}

type Identifier[S any] interface {
	Identify(s S) (Identity, error)
}

// IdentifierFunc adapts a function to Identifier.
type IdentifierFunc[S any] func(s S) (Identity, error)

func (f IdentifierFunc[S]) Identify(s S) (Identity, error) { return f(s) }

type Artifact struct {
	Data      []byte
	Validator string
}

type Generator[S any] interface {
	Generate(ctx context.Context, s S) (Artifact, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc[S any] func(ctx context.Context, s S) (Artifact, error)

func (f GeneratorFunc[S]) Generate(ctx context.Context, s S) (Artifact, error) { return f(ctx, s) }

type Entry struct {
	Key            string    `json:"key"`
	Subject        string    `json:"subject"`
	Path           string    `json:"path,omitempty"`
	Size           int64     `json:"size_bytes"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int64     `json:"access_count"`
	ExpiresAt      time.Time `json:"expires_at"`
	Validator      string    `json:"validator,omitempty"`
}

// Record is the persisted form of an entry. Inline holds the artifact when the
// cache keeps payloads in the store instead of on disk.
type Record struct {
	Entry
	Inline []byte
}

// Store is the persistent medium. Implementations need not be safe for
// concurrent use; the engine serializes every call.
type Store interface {
	Load(ctx context.Context, key string) (Record, bool, error)
	Upsert(ctx context.Context, r Record) error
	// Touch moves last access forward to at (never backwards) and adds hits.
	Touch(ctx context.Context, key string, at time.Time, hits int64) error
	Delete(ctx context.Context, keys ...string) error
	// Usage returns total bytes and entry count.
	Usage(ctx context.Context) (int64, int, error)
	// ByLastAccess lists entries oldest access first.
	ByLastAccess(ctx context.Context) ([]Entry, error)
	// Expired lists entries with ExpiresAt at or before now, or created at or
	// before createdBefore when it is non-zero.
	Expired(ctx context.Context, now, createdBefore time.Time) ([]Entry, error)
	All(ctx context.Context) ([]Entry, error)
	Clear(ctx context.Context) error
	Compact(ctx context.Context) error
	Close() error
}

type ExpiryMode int

const (
	ExpireNone ExpiryMode = iota
	// ExpireAtWrite stamps a fixed expiry time on every write.
	ExpireAtWrite
	// ExpireByAge expires entries older than TTL measured from creation.
	ExpireByAge
)

func (m ExpiryMode) String() string {
	switch m {
	case ExpireAtWrite:
		return "at_write"
	case ExpireByAge:
		return "by_age"
	default:
		return "none"
	}
}

type Config struct {
	Name string
	// Dir holds artifact files; empty keeps artifacts inline in the store.
	Dir      string
	MaxBytes int64
	// LowWater is the fraction of MaxBytes eviction shrinks down to.
	LowWater      float64
	Expiry        ExpiryMode
	TTL           time.Duration
	MemoryEntries int
}

const (
	DefaultLowWater      = 0.8
	DefaultMemoryEntries = 256
)

type Stats struct {
	Hits       int64   `json:"hit_count"`
	Misses     int64   `json:"miss_count"`
	Entries    int     `json:"entry_count"`
	TotalBytes int64   `json:"total_size_bytes"`
	HitRate    float64 `json:"hit_rate"`
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
