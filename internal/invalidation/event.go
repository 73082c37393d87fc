// Package invalidation defines the events that drop entries from a named cache.
package invalidation

import (
	"fmt"
	"strings"
	"time"

	"github.com/mohammed-shakir/geolens-cache/internal/cache/keys"
)

const (
	OpInvalidate = "invalidate"
	OpClear      = "clear"
)

type Event struct {
	Version int       `json:"version"`
	Op      string    `json:"op"`
	Cache   string    `json:"cache"`
	TS      time.Time `json:"ts"`
	Keys    []string  `json:"keys,omitempty"`
	// URLs are fingerprinted in canonical form, matching how tiles are keyed.
	URLs   []string `json:"urls,omitempty"`
	Source string   `json:"source,omitempty"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	if strings.TrimSpace(e.Cache) == "" {
		return fmt.Errorf("cache is required")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	switch e.Op {
	case OpClear:
		if len(e.Keys) > 0 || len(e.URLs) > 0 {
			return fmt.Errorf("clear takes no keys or urls")
		}
		return nil
	case OpInvalidate:
	default:
		return fmt.Errorf("op must be invalidate|clear")
	}
	if len(e.Keys) == 0 && len(e.URLs) == 0 {
		return fmt.Errorf("invalidate needs at least one key or url")
	}
	for _, k := range e.Keys {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("keys must not be empty")
		}
	}
	return nil
}

// CacheKeys returns the explicit keys followed by the fingerprints of the URLs.
func (e Event) CacheKeys() ([]string, error) {
	out := make([]string, 0, len(e.Keys)+len(e.URLs))
	out = append(out, e.Keys...)
	for _, u := range e.URLs {
		k, err := keys.URL(u)
		if err != nil {
			return nil, fmt.Errorf("url key: %w", err)
		}
		out = append(out, k)
	}
	return out, nil
}
