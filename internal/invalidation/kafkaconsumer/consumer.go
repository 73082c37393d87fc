package kafkaconsumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	obs "github.com/mohammed-shakir/geolens-cache/internal/core/observability"
	"github.com/mohammed-shakir/geolens-cache/internal/invalidation"
	mylog "github.com/mohammed-shakir/geolens-cache/internal/logger"
)

// Invalidator is the part of a cache engine the consumer drives.
type Invalidator interface {
	InvalidateKeys(ctx context.Context, keys ...string) error
	Clear(ctx context.Context) error
}

type Option func(*Consumer)

// WithEventLog sets the zerolog logger used for per-message audit lines.
func WithEventLog(zl *zerolog.Logger) Option {
	return func(c *Consumer) { c.zlog = zl }
}

type Consumer struct {
	cfg     Config
	logger  *slog.Logger
	targets map[string]Invalidator
	zlog    *zerolog.Logger
}

func New(cfg Config, logger *slog.Logger, targets map[string]Invalidator, opts ...Option) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Consumer{
		cfg:     cfg.withDefaults(),
		logger:  logger,
		targets: targets,
	}
	for _, f := range opts {
		f(c)
	}
	return c
}

// consumes invalidation events from kafka until ctx is done
func (c *Consumer) Start(ctx context.Context) error {
	if len(c.targets) == 0 {
		return errors.New("kafkaconsumer: no caches registered")
	}

	if err := c.cfg.Validate(); err != nil {
		return err
	}

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, c.cfg.saramaConfig())
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := &groupHandler{process: c.ProcessOne, log: c.logger}
	go func() {
		for err := range group.Errors() {
			obs.IncKafkaConsumerError("group")
			c.logger.Warn("consumer group error", "err", err)
		}
	}()

	c.logger.Info("kafka invalidation consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("kafka invalidation consumer shutting down")
			return nil
		default:
			if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
				obs.IncKafkaConsumerError("consume")
				c.logger.Error("consumer error", "err", err)
				select {
				case <-ctx.Done():
				case <-time.After(c.cfg.RetryBackoff):
				}
			}
		}
	}
}

// ProcessOne applies a single invalidation message. Messages that can never
// succeed (bad JSON, invalid event, unknown cache) are logged and skipped so
// they do not block the partition; a failing cache returns an error and the
// offset is not marked.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	zl := mylog.FromContext(mylog.WithComponent(ctx, "kafka_consumer"), c.zlog)

	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		obs.IncKafkaConsumerError("decode")
		zl.Error().Err(err).
			Str("kind", "decode").
			Str("topic", msg.Topic).
			Int32("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("kafka error")
		return nil
	}
	if err := ev.Validate(); err != nil {
		obs.IncKafkaConsumerError("invalid")
		c.logger.Warn("skipping invalid invalidation event", "offset", msg.Offset, "err", err)
		return nil
	}
	target, ok := c.targets[ev.Cache]
	if !ok {
		obs.IncKafkaConsumerError("unknown_cache")
		c.logger.Warn("skipping event for unknown cache", "cache", ev.Cache, "offset", msg.Offset)
		return nil
	}

	n, err := c.apply(ctx, target, ev)
	obs.ObserveInvalidation(ev.Cache, ev.Op, err)
	if err != nil {
		obs.IncKafkaConsumerError("apply")
		zl.Error().Err(err).
			Str("kind", "apply").
			Str("cache", ev.Cache).
			Str("op", ev.Op).
			Int32("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("kafka error")
		return fmt.Errorf("%s %s: %w", ev.Op, ev.Cache, err)
	}

	c.logger.Debug("invalidation applied", "cache", ev.Cache, "op", ev.Op, "keys", n)
	zl.Info().
		Str("event", "invalidation").
		Str("op", ev.Op).Str("cache", ev.Cache).
		Int("keys", n).
		Msg("invalidated keys")
	return nil
}

func (c *Consumer) apply(ctx context.Context, target Invalidator, ev invalidation.Event) (int, error) {
	if ev.Op == invalidation.OpClear {
		return 0, target.Clear(ctx)
	}
	ks, err := ev.CacheKeys()
	if err != nil {
		// a bad url cannot be retried into success
		c.logger.Warn("dropping unparseable urls", "cache", ev.Cache, "err", err)
		ks = ev.Keys
	}
	if len(ks) == 0 {
		return 0, nil
	}
	return len(ks), target.InvalidateKeys(ctx, ks...)
}
