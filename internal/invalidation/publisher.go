package invalidation

import (
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"

	obs "github.com/mohammed-shakir/geolens-cache/internal/core/observability"
)

// Publisher broadcasts events to the other instances sharing the caches.
// Publish never blocks; when the buffer is full the event is dropped.
type Publisher struct {
	topic   string
	events  chan Event
	prod    sarama.AsyncProducer
	log     *slog.Logger
	stopped chan struct{}
}

func Dial(brokers []string, topic string, queueSize int, log *slog.Logger) (*Publisher, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("invalidation: create async producer: %w", err)
	}
	return NewPublisher(prod, topic, queueSize, log), nil
}

func NewPublisher(prod sarama.AsyncProducer, topic string, queueSize int, log *slog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Publisher{
		topic:   topic,
		events:  make(chan Event, queueSize),
		prod:    prod,
		log:     log.With("component", "invalidation_publisher"),
		stopped: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.log.Error("marshal event", "err", err)
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(ev.Cache),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		for err := range p.prod.Errors() {
			if err != nil {
				obs.IncKafkaConsumerError("produce")
				p.log.Warn("producer error", "err", err)
			}
		}
	}()

	return p
}

func (p *Publisher) Publish(ev Event) bool {
	select {
	case p.events <- ev:
		return true
	default:
		p.log.Warn("publish buffer full; dropping event", "cache", ev.Cache, "op", ev.Op)
		return false
	}
}

// Close flushes buffered events and shuts the producer down. Publish must not
// be called afterwards.
func (p *Publisher) Close() error {
	close(p.events)
	<-p.stopped

	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("invalidation: close producer: %w", err)
	}
	return nil
}
