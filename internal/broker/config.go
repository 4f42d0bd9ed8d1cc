package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/plugin/kprom"
	"go.uber.org/zap"
)

// Config carries everything a pool session needs to build its kgo client.
// All sessions share one consumer group so the broker balances device
// partitions across them.
type Config struct {
	Seeds    []string
	GroupID  string
	ClientID string

	// Topics is an explicit subscription list. TopicPattern, when set,
	// overrides it and is consumed as a regular expression.
	Topics       []string
	TopicPattern string

	FetchMaxBytes        int32
	MaxConcurrentFetches int
	SessionTimeout       time.Duration

	TLS     *tls.Config
	SASL    sasl.Mechanism
	Metrics *kprom.Metrics
}

// clientOpts builds the kgo options for one pool session. The session's
// joined flag is flipped by the group-membership hooks.
func (c *Config) clientOpts(s *Session, logger *zap.Logger) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(c.Seeds...),
		kgo.ConsumerGroup(c.GroupID),
		kgo.ClientID(fmt.Sprintf("%s-%d", c.ClientID, s.id)),
		kgo.FetchMaxBytes(c.FetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			s.joined.Store(true)
			logger.Info("partitions assigned",
				zap.Int("session", s.id),
				zap.Int("topics", len(assigned)),
			)
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			s.joined.Store(false)
			logger.Info("partitions revoked", zap.Int("session", s.id))
		}),
	}

	if c.TopicPattern != "" {
		opts = append(opts, kgo.ConsumeTopics(c.TopicPattern), kgo.ConsumeRegex())
	} else {
		opts = append(opts, kgo.ConsumeTopics(c.Topics...))
	}
	if c.SessionTimeout > 0 {
		opts = append(opts, kgo.SessionTimeout(c.SessionTimeout))
	}
	if c.MaxConcurrentFetches > 0 {
		opts = append(opts, kgo.MaxConcurrentFetches(c.MaxConcurrentFetches))
	}
	if c.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(c.TLS))
	}
	if c.SASL != nil {
		opts = append(opts, kgo.SASL(c.SASL))
	}
	if c.Metrics != nil {
		opts = append(opts, kgo.WithHooks(c.Metrics))
	}
	return opts
}
