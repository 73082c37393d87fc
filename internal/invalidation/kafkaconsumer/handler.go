package kafkaconsumer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	obs "github.com/mohammed-shakir/geolens-cache/internal/core/observability"
)

type messageProcessor func(context.Context, *sarama.ConsumerMessage) error

// groupHandler applies one claim at a time in offset order.
type groupHandler struct {
	process messageProcessor
	log     *slog.Logger
}

func (h *groupHandler) logger() *slog.Logger {
	if h.log == nil {
		return slog.Default()
	}
	return h.log
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger().Info("invalidation partitions assigned",
		"generation", sess.GenerationID(), "claims", sess.Claims())
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger().Info("invalidation partitions released", "generation", sess.GenerationID())
	return nil
}

// ConsumeClaim marks an offset only once its event is applied. The first
// failure ends the claim and the event is redelivered after the rebalance.
func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("claim %s/%d: %w", claim.Topic(), claim.Partition(), ctx.Err())
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.process(ctx, msg); err != nil {
				return fmt.Errorf("apply %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
			}
			sess.MarkMessage(msg, "")
			if hw := claim.HighWaterMarkOffset(); hw > 0 {
				obs.SetInvalidationLag(msg.Partition, hw-msg.Offset-1)
			}
		}
	}
}
