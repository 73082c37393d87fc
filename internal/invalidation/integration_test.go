package invalidation_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammed-shakir/geolens-cache/internal/cache"
	"github.com/mohammed-shakir/geolens-cache/internal/cache/keys"
	"github.com/mohammed-shakir/geolens-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/geolens-cache/internal/invalidation"
	"github.com/mohammed-shakir/geolens-cache/internal/invalidation/kafkaconsumer"
)

var byName = cache.IdentifierFunc[string](func(s string) (cache.Identity, error) {
	return cache.Identity{Key: keys.String(s), Subject: s}, nil
})

func newEngine(t *testing.T, name string) *cache.Engine[string] {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rc, err := redisstore.New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	eng, err := cache.New[string](cache.Config{Name: name}, byName, redisstore.NewStore(rc, name))
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	t.Cleanup(func() {
		_ = eng.Close()
		_ = rc.Close()
	})
	return eng
}

func TestIntegration_PublishedEventInvalidatesEngine(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, "tiles")
	for _, s := range []string{"a", "b", "c"} {
		if err := eng.Put(ctx, s, cache.Artifact{Data: []byte(s)}); err != nil {
			t.Fatalf("Put %s: %v", s, err)
		}
	}

	sent := make(chan []byte, 1)
	prod := mocks.NewAsyncProducer(t, nil)
	prod.ExpectInputWithCheckerFunctionAndSucceed(func(val []byte) error {
		sent <- append([]byte(nil), val...)
		return nil
	})
	pub := invalidation.NewPublisher(prod, "geolens-invalidation", 4, nil)
	ok := pub.Publish(invalidation.Event{
		Version: 1, Op: invalidation.OpInvalidate, Cache: "tiles", TS: time.Now().UTC(),
		Keys: []string{keys.String("a"), keys.String("c")},
	})
	if !ok {
		t.Fatalf("Publish dropped the event")
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var body []byte
	select {
	case body = <-sent:
	case <-time.After(2 * time.Second):
		t.Fatalf("nothing produced")
	}

	cons := kafkaconsumer.New(kafkaconsumer.DefaultConfig(), nil, map[string]kafkaconsumer.Invalidator{"tiles": eng})
	msg := &sarama.ConsumerMessage{Topic: "geolens-invalidation", Partition: 0, Offset: 1, Value: body}
	if err := cons.ProcessOne(ctx, msg); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}

	for s, want := range map[string]bool{"a": false, "b": true, "c": false} {
		if _, ok, _ := eng.Get(ctx, s); ok != want {
			t.Fatalf("%s present=%v want %v", s, ok, want)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rr, req)
	if !strings.Contains(rr.Body.String(), `invalidation_events_total{cache="tiles",op="invalidate",result="ok"}`) {
		t.Fatalf("metrics missing invalidation counter; got:\n%s", rr.Body.String())
	}
}

func TestIntegration_ClearEventEmptiesEngine(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, "thumbnails")
	_ = eng.Put(ctx, "x", cache.Artifact{Data: []byte("xx")})

	cons := kafkaconsumer.New(kafkaconsumer.Config{}, nil, map[string]kafkaconsumer.Invalidator{"thumbnails": eng})
	body := []byte(`{"version":1,"op":"clear","cache":"thumbnails","ts":"2025-10-26T12:30:45Z"}`)
	if err := cons.ProcessOne(ctx, &sarama.ConsumerMessage{Value: body}); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	st, err := eng.Statistics(ctx)
	if err != nil || st.Entries != 0 || st.TotalBytes != 0 {
		t.Fatalf("stats=%+v err=%v", st, err)
	}
}
