package invalidation

import (
	"testing"
	"time"

	"github.com/mohammed-shakir/geolens-cache/internal/cache/keys"
)

func mustTS() time.Time { return time.Date(2025, 10, 26, 12, 30, 45, 0, time.UTC) }

func TestEvent_Validate_InvalidateHappyPath(t *testing.T) {
	ev := Event{Version: 1, Op: OpInvalidate, Cache: "tiles", TS: mustTS(), Keys: []string{"00ff00ff00ff00ff"}}
	if err := ev.Validate(); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
}

func TestEvent_Validate_ClearHappyPath(t *testing.T) {
	ev := Event{Version: 1, Op: OpClear, Cache: "thumbnails", TS: mustTS()}
	if err := ev.Validate(); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
}

func TestEvent_Validate_Rejects(t *testing.T) {
	base := Event{Version: 1, Op: OpInvalidate, Cache: "tiles", TS: mustTS(), Keys: []string{"k"}}
	cases := map[string]func(e *Event){
		"version":        func(e *Event) { e.Version = 2 },
		"op":             func(e *Event) { e.Op = "delete" },
		"cache":          func(e *Event) { e.Cache = " " },
		"ts":             func(e *Event) { e.TS = time.Time{} },
		"nothing":        func(e *Event) { e.Keys = nil },
		"empty key":      func(e *Event) { e.Keys = []string{""} },
		"clear with key": func(e *Event) { e.Op = OpClear },
	}
	for name, mut := range cases {
		ev := base
		mut(&ev)
		if err := ev.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestEvent_CacheKeys_FingerprintsCanonicalURLs(t *testing.T) {
	ev := Event{
		Keys: []string{"abc"},
		URLs: []string{"HTTPS://Tiles.Example.com:443/1/0/0.png#frag"},
	}
	got, err := ev.CacheKeys()
	if err != nil {
		t.Fatalf("CacheKeys: %v", err)
	}
	want, _ := keys.URL("https://tiles.example.com/1/0/0.png")
	if len(got) != 2 || got[0] != "abc" || got[1] != want {
		t.Fatalf("keys=%v want [abc %s]", got, want)
	}

	if _, err := (Event{URLs: []string{"not a url"}}).CacheKeys(); err == nil {
		t.Fatalf("expected error for relative url")
	}
}
