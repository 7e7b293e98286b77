// Package broadcast relays coordination events across service instances
// through Redis Pub/Sub and hands them to local websocket subscribers.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/twin-collab/internal/events"
	"github.com/example/twin-collab/internal/types"
)

const (
	defaultTopicPrefix = "twin-events:"
	publishAttempts    = 3
	maxBackoffDelay    = 30 * time.Second
)

type redisMessage struct {
	Twin       string `json:"twin_id"`
	Origin     string `json:"origin"`
	Payload    []byte `json:"payload"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

// RedisBroadcaster publishes events to a per-twin Redis channel and fans
// messages received on any twin channel out to the local sink.
type RedisBroadcaster struct {
	client redis.UniversalClient
	local  events.Publisher
	origin string
	logger zerolog.Logger

	topicPrefix string
	retryDelay  time.Duration
}

// NewRedisBroadcaster constructs a broadcaster backed by Redis Pub/Sub.
// local receives every event seen on the bus, including this instance's own.
func NewRedisBroadcaster(client redis.UniversalClient, local events.Publisher, origin string, logger zerolog.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{
		client:      client,
		local:       local,
		origin:      origin,
		logger:      logger,
		topicPrefix: defaultTopicPrefix,
		retryDelay:  50 * time.Millisecond,
	}
}

// Publish implements events.Publisher. Failures are logged after a few
// quick retries; event delivery is best effort.
func (b *RedisBroadcaster) Publish(ctx context.Context, evt events.Event) {
	if err := b.publish(ctx, evt); err != nil {
		published.WithLabelValues("error").Inc()
		b.logger.Warn().Err(err).Str("twin", string(evt.Twin)).Str("type", string(evt.Type)).Msg("event publish failed")
		return
	}
	published.WithLabelValues("ok").Inc()
}

func (b *RedisBroadcaster) publish(ctx context.Context, evt events.Event) error {
	payload, err := events.Encode(evt)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(redisMessage{
		Twin:       string(evt.Twin),
		Origin:     b.origin,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("encode redis payload: %w", err)
	}

	topic := b.topic(evt.Twin)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.retryDelay
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := b.client.Publish(ctx, topic, encoded).Err()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(publishAttempts))
	return err
}

// Run consumes twin channels until ctx is cancelled, resubscribing with
// backoff when the subscription drops.
func (b *RedisBroadcaster) Run(ctx context.Context) error {
	delay := time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}

		pubsub := b.client.PSubscribe(ctx, b.topicPrefix+"*")
		if err := b.consume(ctx, pubsub); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn().Err(err).Dur("backoff", delay).Msg("redis subscription interrupted; retrying")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
			delay = minDuration(delay*2, maxBackoffDelay)
		}
	}
}

func (b *RedisBroadcaster) consume(ctx context.Context, pubsub *redis.PubSub) error {
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			if err := b.process(ctx, []byte(msg.Payload)); err != nil {
				b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("failed to process broadcast message")
			}
		}
	}
}

func (b *RedisBroadcaster) process(ctx context.Context, raw []byte) error {
	var msg redisMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	evt, err := events.Decode(msg.Payload)
	if err != nil {
		return err
	}
	if string(evt.Twin) != msg.Twin {
		return fmt.Errorf("event twin %s does not match envelope twin %s", evt.Twin, msg.Twin)
	}

	if msg.EnqueuedAt > 0 {
		deliveryLatency.WithLabelValues(string(evt.Type)).Observe(time.Since(time.Unix(0, msg.EnqueuedAt)).Seconds())
	}
	b.local.Publish(ctx, evt)
	return nil
}

func (b *RedisBroadcaster) topic(twin types.TwinID) string {
	return b.topicPrefix + string(twin)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
