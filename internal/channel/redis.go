package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"callsignal/internal/database"
	"callsignal/pkg/constants"
	"callsignal/pkg/logger"
)

// RedisTransport carries signaling over Redis Pub/Sub
type RedisTransport struct {
	client *database.RedisClient
}

func NewRedisTransport(client *database.RedisClient) *RedisTransport {
	return &RedisTransport{client: client}
}

func (t *RedisTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := t.client.SafeSubscribe(ctx, channel)
	if pubsub == nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, database.ErrDegraded)
	}
	return newRedisSubscription(channel, pubsub), nil
}

func newRedisSubscription(channel string, pubsub pubSub) *redisSubscription {
	return &redisSubscription{
		channel: channel,
		pubsub:  pubsub,
		out:     make(chan []byte, constants.InboxBufferSize),
	}
}

func (t *RedisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	return t.client.SafePublish(ctx, channel, payload).Err()
}

// pubSub is the part of *redis.PubSub a subscription uses
type pubSub interface {
	Receive(ctx context.Context) (interface{}, error)
	Channel(opts ...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

type redisSubscription struct {
	channel string
	pubsub  pubSub
	out     chan []byte

	pumpOnce  sync.Once
	closeOnce sync.Once
}

// Confirm waits for the SUBSCRIBE reply
func (s *redisSubscription) Confirm(ctx context.Context) error {
	for {
		msg, err := s.pubsub.Receive(ctx)
		if err != nil {
			return err
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" && m.Channel == s.channel {
				s.pumpOnce.Do(func() { go s.pump() })
				return nil
			}
		case *redis.Message:
			logger.Debug("Dropping pub/sub message received before confirmation",
				zap.String("channel", m.Channel))
		}
	}
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	for msg := range s.pubsub.Channel(redis.WithChannelSize(constants.InboxBufferSize)) {
		s.out <- []byte(msg.Payload)
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.pubsub.Close()
		// no pump to close out when Confirm never succeeded
		s.pumpOnce.Do(func() { close(s.out) })
	})
	return err
}
