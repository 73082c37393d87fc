package kafkaconsumer

import (
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

const (
	DefaultTopic   = "geolens-invalidation"
	DefaultGroupID = "geolens-cache"
)

// Config describes the invalidation consumer group. Zero fields take the
// values of DefaultConfig.
type Config struct {
	Brokers          []string
	Topic            string
	GroupID          string
	SessionTimeout   time.Duration
	Heartbeat        time.Duration
	RebalanceTimeout time.Duration
	RetryBackoff     time.Duration
	// StartNewest skips the backlog when the group has no committed offset.
	// Replaying it is safe since invalidations are idempotent.
	StartNewest bool
}

func DefaultConfig() Config {
	return Config{
		Brokers:          []string{"localhost:9092"},
		Topic:            DefaultTopic,
		GroupID:          DefaultGroupID,
		SessionTimeout:   30 * time.Second,
		Heartbeat:        3 * time.Second,
		RebalanceTimeout: 30 * time.Second,
		RetryBackoff:     2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if len(c.Brokers) == 0 {
		c.Brokers = def.Brokers
	}
	if c.Topic == "" {
		c.Topic = def.Topic
	}
	if c.GroupID == "" {
		c.GroupID = def.GroupID
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = def.SessionTimeout
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = def.Heartbeat
	}
	if c.RebalanceTimeout <= 0 {
		c.RebalanceTimeout = def.RebalanceTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	return c
}

// Validate rejects timings the group coordinator would refuse.
func (c Config) Validate() error {
	if c.Heartbeat*3 > c.SessionTimeout {
		return fmt.Errorf("kafkaconsumer: heartbeat %s must be at most a third of session timeout %s",
			c.Heartbeat, c.SessionTimeout)
	}
	for _, b := range c.Brokers {
		if b == "" {
			return errors.New("kafkaconsumer: empty broker address")
		}
	}
	return nil
}

func (c Config) saramaConfig() *sarama.Config {
	sc := sarama.NewConfig()
	sc.ClientID = "geolensd"
	sc.Version = sarama.V2_1_0_0
	sc.Consumer.Group.Session.Timeout = c.SessionTimeout
	sc.Consumer.Group.Heartbeat.Interval = c.Heartbeat
	sc.Consumer.Group.Rebalance.Timeout = c.RebalanceTimeout
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	if c.StartNewest {
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	sc.Consumer.Offsets.AutoCommit.Enable = true
	sc.Consumer.Return.Errors = true
	return sc
}
