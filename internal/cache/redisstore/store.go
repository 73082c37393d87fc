package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/redis/go-redis/v9"

	"github.com/mohammed-shakir/geolens-cache/internal/cache"
)

const (
	fSubject   = "subject"
	fPath      = "path"
	fInline    = "inline"
	fSize      = "size"
	fCreated   = "created"
	fAccessed  = "accessed"
	fCount     = "count"
	fExpires   = "expires"
	fValidator = "validator"
)

// Store implements cache.Store for one cache under its own key namespace.
type Store struct {
	rdb *redis.Client
	ns  string
}

var _ cache.Store = (*Store)(nil)

// NewStore returns the store for the named cache. Stores share the client;
// closing a store leaves the client open.
func NewStore(c *Client, name string) *Store {
	return &Store{rdb: c.rdb, ns: "geolens:" + sanitizeName(strings.TrimSpace(name))}
}

func (s *Store) entryKey(key string) string { return s.ns + ":e:" + key }
func (s *Store) lruKey() string             { return s.ns + ":lru" }
func (s *Store) bytesKey() string           { return s.ns + ":bytes" }

func (s *Store) Load(ctx context.Context, key string) (cache.Record, bool, error) {
	m, err := s.rdb.HGetAll(ctx, s.entryKey(key)).Result()
	if err != nil {
		return cache.Record{}, false, fmt.Errorf("redis HGETALL %q: %w", key, err)
	}
	if len(m) == 0 {
		return cache.Record{}, false, nil
	}
	rec, err := decodeRecord(key, m)
	if err != nil {
		return cache.Record{}, false, err
	}
	return rec, true, nil
}

func (s *Store) Upsert(ctx context.Context, r cache.Record) error {
	ek := s.entryKey(r.Key)
	prev, err := s.sizeOf(ctx, ek)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, ek)
		p.HSet(ctx, ek,
			fSubject, r.Subject,
			fPath, r.Path,
			fInline, r.Inline,
			fSize, r.Size,
			fCreated, nanos(r.CreatedAt),
			fAccessed, nanos(r.LastAccessedAt),
			fCount, r.AccessCount,
			fExpires, nanos(r.ExpiresAt),
			fValidator, r.Validator,
		)
		p.ZAdd(ctx, s.lruKey(), redis.Z{Score: score(r.LastAccessedAt), Member: r.Key})
		p.IncrBy(ctx, s.bytesKey(), r.Size-prev)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis upsert %q: %w", r.Key, err)
	}
	return nil
}

func (s *Store) Touch(ctx context.Context, key string, at time.Time, hits int64) error {
	ek := s.entryKey(key)
	raw, err := s.rdb.HGet(ctx, ek, fAccessed).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis touch %q: %w", key, err)
	}
	cur, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("redis touch %q: bad accessed field: %w", key, err)
	}
	next := max(cur, nanos(at))

	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, ek, fAccessed, next)
		p.HIncrBy(ctx, ek, fCount, hits)
		p.ZAdd(ctx, s.lruKey(), redis.Z{Score: score(time.Unix(0, next)), Member: key})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis touch %q: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	var freed int64
	for _, k := range keys {
		n, err := s.sizeOf(ctx, s.entryKey(k))
		if err != nil {
			return err
		}
		freed += n
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, k := range keys {
			p.Del(ctx, s.entryKey(k))
			p.ZRem(ctx, s.lruKey(), k)
		}
		p.DecrBy(ctx, s.bytesKey(), freed)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis DEL %d entries: %w", len(keys), err)
	}
	return nil
}

func (s *Store) Usage(ctx context.Context) (int64, int, error) {
	var bytesCmd *redis.StringCmd
	var countCmd *redis.IntCmd
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		bytesCmd = p.Get(ctx, s.bytesKey())
		countCmd = p.ZCard(ctx, s.lruKey())
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, fmt.Errorf("redis usage: %w", err)
	}
	total, err := bytesCmd.Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, fmt.Errorf("redis usage bytes: %w", err)
	}
	return total, int(countCmd.Val()), nil
}

func (s *Store) ByLastAccess(ctx context.Context) ([]cache.Entry, error) {
	return s.list(ctx)
}

func (s *Store) Expired(ctx context.Context, now, createdBefore time.Time) ([]cache.Entry, error) {
	all, err := s.list(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		switch {
		case !e.ExpiresAt.IsZero() && !e.ExpiresAt.After(now):
			out = append(out, e)
		case !createdBefore.IsZero() && !e.CreatedAt.After(createdBefore):
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) All(ctx context.Context) ([]cache.Entry, error) {
	return s.list(ctx)
}

func (s *Store) Clear(ctx context.Context) error {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, s.ns+":*", 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan %s: %w", s.ns, err)
	}
	for len(keys) > 0 {
		n := min(len(keys), 512)
		if err := s.rdb.Del(ctx, keys[:n]...).Err(); err != nil {
			return fmt.Errorf("redis DEL %d keys: %w", n, err)
		}
		keys = keys[n:]
	}
	return nil
}

// Compact is a no-op; Redis reclaims memory on delete.
func (s *Store) Compact(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// list returns entries ordered by last access, oldest first.
func (s *Store) list(ctx context.Context) ([]cache.Entry, error) {
	keys, err := s.rdb.ZRange(ctx, s.lruKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ZRANGE %s: %w", s.lruKey(), err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.SliceCmd, len(keys))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = p.HMGet(ctx, s.entryKey(k),
				fSubject, fPath, fSize, fCreated, fAccessed, fCount, fExpires, fValidator)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis list %d entries: %w", len(keys), err)
	}

	out := make([]cache.Entry, 0, len(keys))
	for i, k := range keys {
		vals := cmds[i].Val()
		if len(vals) == 0 || vals[0] == nil {
			continue // hash gone, stale index member
		}
		m := map[string]string{}
		for j, f := range []string{fSubject, fPath, fSize, fCreated, fAccessed, fCount, fExpires, fValidator} {
			if v, ok := vals[j].(string); ok {
				m[f] = v
			}
		}
		rec, err := decodeRecord(k, m)
		if err != nil {
			return nil, err
		}
		out = append(out, rec.Entry)
	}
	return out, nil
}

func (s *Store) sizeOf(ctx context.Context, ek string) (int64, error) {
	n, err := s.rdb.HGet(ctx, ek, fSize).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis HGET %s size: %w", ek, err)
	}
	return n, nil
}

func decodeRecord(key string, m map[string]string) (cache.Record, error) {
	ints := map[string]int64{}
	for _, f := range []string{fSize, fCreated, fAccessed, fCount, fExpires} {
		raw, ok := m[f]
		if !ok || raw == "" {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return cache.Record{}, fmt.Errorf("redis entry %q field %s: %w", key, f, err)
		}
		ints[f] = n
	}
	rec := cache.Record{Entry: cache.Entry{
		Key:            key,
		Subject:        m[fSubject],
		Path:           m[fPath],
		Size:           ints[fSize],
		CreatedAt:      fromNanos(ints[fCreated]),
		LastAccessedAt: fromNanos(ints[fAccessed]),
		AccessCount:    ints[fCount],
		ExpiresAt:      fromNanos(ints[fExpires]),
		Validator:      m[fValidator],
	}}
	if v, ok := m[fInline]; ok && v != "" {
		rec.Inline = []byte(v)
	}
	return rec, nil
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// zset scores are float64, microseconds keep them exact
func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func sanitizeName(s string) string {
	if s == "" {
		return "default"
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		var out rune
		switch {
		case isASCIIWhitespace(r):
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-':
			out = r
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isASCIIWhitespace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f'
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
