package kafkaconsumer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mohammed-shakir/geolens-cache/internal/invalidation"
)

type fakeCache struct {
	failFirst atomic.Bool
	mu        sync.Mutex
	seenDel   []string
	clears    int
}

func (f *fakeCache) InvalidateKeys(_ context.Context, keys ...string) error {
	f.mu.Lock()
	f.seenDel = append(f.seenDel, keys...)
	f.mu.Unlock()
	if f.failFirst.Load() {
		f.failFirst.Store(false)
		return errors.New("boom")
	}
	return nil
}

func (f *fakeCache) Clear(context.Context) error {
	f.mu.Lock()
	f.clears++
	f.mu.Unlock()
	return nil
}

type sess struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *sess) Claims() map[string][]int32 { return nil }
func (s *sess) MemberID() string           { return "" }
func (s *sess) GenerationID() int32        { return 0 }
func (s *sess) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, m.Offset)
	s.mu.Unlock()
}
func (s *sess) ResetOffset(_ string, _ int32, _ int64, _ string) {}
func (s *sess) MarkOffset(_ string, _ int32, _ int64, _ string)  {}
func (s *sess) Context() context.Context                         { return s.ctx }
func (s *sess) Errors() <-chan error                             { return nil }
func (s *sess) Commit()                                          {}

type claim struct {
	part int32
	hw   int64
	msgs chan *sarama.ConsumerMessage
}

func (c *claim) Topic() string                            { return "geolens-invalidation" }
func (c *claim) Partition() int32                         { return c.part }
func (c *claim) InitialOffset() int64                     { return 0 }
func (c *claim) HighWaterMarkOffset() int64               { return c.hw }
func (c *claim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func eventBytes(ev invalidation.Event) []byte {
	if ev.Version == 0 {
		ev.Version = 1
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	b, _ := json.Marshal(ev)
	return b
}

func invalidateTiles() []byte {
	return eventBytes(invalidation.Event{Op: invalidation.OpInvalidate, Cache: "tiles", Keys: []string{"k1", "k2"}})
}

func newConsumerForTest(targets map[string]Invalidator) *Consumer {
	cfg := Config{Brokers: []string{"x"}, Topic: "geolens-invalidation", GroupID: "g"}
	return New(cfg, slog.Default(), targets)
}

func TestSinglePartition_OrderAndCommitAfterWork(t *testing.T) {
	fc := &fakeCache{}
	c := newConsumerForTest(map[string]Invalidator{"tiles": fc})

	g := &groupHandler{process: c.ProcessOne}
	s := &sess{ctx: t.Context()}
	ch := make(chan *sarama.ConsumerMessage, 2)

	ch <- &sarama.ConsumerMessage{Topic: "geolens-invalidation", Partition: 0, Offset: 10, Value: invalidateTiles()}
	ch <- &sarama.ConsumerMessage{Topic: "geolens-invalidation", Partition: 0, Offset: 11, Value: invalidateTiles()}
	close(ch)

	if err := g.ConsumeClaim(s, &claim{part: 0, msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(s.marked) != 2 || s.marked[0] != 10 || s.marked[1] != 11 {
		t.Fatalf("marked offsets=%v want [10 11]", s.marked)
	}
	if len(fc.seenDel) != 4 {
		t.Fatalf("invalidated=%v", fc.seenDel)
	}
}

func TestRetry_CommitOnceAfterSuccess(t *testing.T) {
	fc := &fakeCache{}
	fc.failFirst.Store(true)
	c := newConsumerForTest(map[string]Invalidator{"tiles": fc})
	ctx := context.Background()

	msg := &sarama.ConsumerMessage{Topic: "geolens-invalidation", Partition: 0, Offset: 5, Value: invalidateTiles()}

	s := &sess{ctx: ctx}
	g := &groupHandler{process: c.ProcessOne}
	ch := make(chan *sarama.ConsumerMessage, 1)
	ch <- msg
	close(ch)
	if err := g.ConsumeClaim(s, &claim{part: 0, msgs: ch}); err == nil {
		t.Fatalf("expected error on first attempt")
	}
	if len(s.marked) != 0 {
		t.Fatalf("failed message was marked: %v", s.marked)
	}

	ch = make(chan *sarama.ConsumerMessage, 1)
	ch <- msg
	close(ch)
	if err := g.ConsumeClaim(s, &claim{part: 0, msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim second attempt: %v", err)
	}
	if len(s.marked) != 1 || s.marked[0] != 5 {
		t.Fatalf("offset was not marked after success; marked=%v", s.marked)
	}
}

func TestPoisonMessages_AreSkippedAndMarked(t *testing.T) {
	fc := &fakeCache{}
	c := newConsumerForTest(map[string]Invalidator{"tiles": fc})
	g := &groupHandler{process: c.ProcessOne}
	s := &sess{ctx: t.Context()}

	ch := make(chan *sarama.ConsumerMessage, 3)
	ch <- &sarama.ConsumerMessage{Offset: 1, Value: []byte("{not json")}
	ch <- &sarama.ConsumerMessage{Offset: 2, Value: eventBytes(invalidation.Event{Op: "drop", Cache: "tiles", Keys: []string{"k"}})}
	ch <- &sarama.ConsumerMessage{Offset: 3, Value: eventBytes(invalidation.Event{Op: invalidation.OpClear, Cache: "nope"})}
	close(ch)

	if err := g.ConsumeClaim(s, &claim{msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(s.marked) != 3 {
		t.Fatalf("marked=%v want all three", s.marked)
	}
	if len(fc.seenDel) != 0 || fc.clears != 0 {
		t.Fatalf("poison message reached the cache: %v clears=%d", fc.seenDel, fc.clears)
	}
}

func TestProcessOne_ClearAndURLs(t *testing.T) {
	tiles, thumbs := &fakeCache{}, &fakeCache{}
	c := newConsumerForTest(map[string]Invalidator{"tiles": tiles, "thumbnails": thumbs})
	ctx := context.Background()

	wipe := &sarama.ConsumerMessage{Value: eventBytes(invalidation.Event{Op: invalidation.OpClear, Cache: "thumbnails"})}
	if err := c.ProcessOne(ctx, wipe); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if thumbs.clears != 1 || tiles.clears != 0 {
		t.Fatalf("clears thumbs=%d tiles=%d", thumbs.clears, tiles.clears)
	}

	byURL := &sarama.ConsumerMessage{Value: eventBytes(invalidation.Event{
		Op: invalidation.OpInvalidate, Cache: "tiles",
		URLs: []string{"https://tiles.example.com/1/0/0.png"},
	})}
	if err := c.ProcessOne(ctx, byURL); err != nil {
		t.Fatalf("urls: %v", err)
	}
	if len(tiles.seenDel) != 1 || len(tiles.seenDel[0]) != 16 {
		t.Fatalf("url keys=%v", tiles.seenDel)
	}
}

func TestMultiPartition_Parallel_NoCrossOrdering(t *testing.T) {
	c := newConsumerForTest(map[string]Invalidator{"tiles": &fakeCache{}})
	g := &groupHandler{process: c.ProcessOne}
	s := &sess{ctx: t.Context()}

	p0 := make(chan *sarama.ConsumerMessage, 2)
	p1 := make(chan *sarama.ConsumerMessage, 2)
	p0 <- &sarama.ConsumerMessage{Topic: "t", Partition: 0, Offset: 1, Value: invalidateTiles()}
	p0 <- &sarama.ConsumerMessage{Topic: "t", Partition: 0, Offset: 2, Value: invalidateTiles()}
	p1 <- &sarama.ConsumerMessage{Topic: "t", Partition: 1, Offset: 1, Value: invalidateTiles()}
	p1 <- &sarama.ConsumerMessage{Topic: "t", Partition: 1, Offset: 2, Value: invalidateTiles()}
	close(p0)
	close(p1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = g.ConsumeClaim(s, &claim{part: 0, msgs: p0}) }()
	go func() { defer wg.Done(); _ = g.ConsumeClaim(s, &claim{part: 1, msgs: p1}) }()
	wg.Wait()

	if len(s.marked) != 4 {
		t.Fatalf("expected 4 marks total; got %v", s.marked)
	}
}

func TestStart_RequiresTargets(t *testing.T) {
	if err := New(Config{}, nil, nil).Start(context.Background()); err == nil {
		t.Fatalf("expected error without targets")
	}
}

func TestConfig_DefaultsFillZeroFields(t *testing.T) {
	got := Config{Brokers: []string{"kafka:9092"}, Heartbeat: time.Second}.withDefaults()
	def := DefaultConfig()
	if got.Brokers[0] != "kafka:9092" || got.Heartbeat != time.Second {
		t.Fatalf("set fields overwritten: %+v", got)
	}
	if got.Topic != DefaultTopic || got.GroupID != DefaultGroupID || got.SessionTimeout != def.SessionTimeout || got.RetryBackoff != def.RetryBackoff {
		t.Fatalf("defaults not applied: %+v", got)
	}
	if got.StartNewest {
		t.Fatalf("a fresh group should replay from the oldest offset")
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if sc := got.saramaConfig(); sc.Consumer.Offsets.Initial != sarama.OffsetOldest || sc.Consumer.Group.Heartbeat.Interval != time.Second {
		t.Fatalf("sarama config: %+v", sc.Consumer)
	}
}

func TestConfig_ValidateRejectsSlowHeartbeat(t *testing.T) {
	cfg := Config{SessionTimeout: 6 * time.Second, Heartbeat: 3 * time.Second}.withDefaults()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("heartbeat above a third of the session timeout should fail")
	}
	cfg = Config{Brokers: []string{""}}.withDefaults()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("empty broker should fail")
	}
}

func TestConsumeClaim_ReportsLag(t *testing.T) {
	c := newConsumerForTest(map[string]Invalidator{"tiles": &fakeCache{}})
	g := &groupHandler{process: c.ProcessOne}
	ch := make(chan *sarama.ConsumerMessage, 1)
	ch <- &sarama.ConsumerMessage{Topic: "geolens-invalidation", Partition: 7, Offset: 40, Value: invalidateTiles()}
	close(ch)

	if err := g.ConsumeClaim(&sess{ctx: t.Context()}, &claim{part: 7, hw: 50, msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	want := `
# HELP invalidation_consumer_lag Invalidation events behind the partition high water mark.
# TYPE invalidation_consumer_lag gauge
invalidation_consumer_lag{partition="7"} 9
`
	if err := testutil.GatherAndCompare(prometheus.DefaultGatherer, strings.NewReader(want), "invalidation_consumer_lag"); err != nil {
		t.Fatalf("lag gauge: %v", err)
	}
}
