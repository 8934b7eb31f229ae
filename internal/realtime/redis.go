package realtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisTransport subscribes to the worker's Redis pub/sub channels. The
// realtime token is presented as the ACL password, so an expired token
// surfaces as an auth error on connect.
type RedisTransport struct {
	addr     string
	username string
}

// NewRedisTransport returns a transport for the Redis server at addr.
func NewRedisTransport(addr, username string) *RedisTransport {
	return &RedisTransport{addr: addr, username: username}
}

// Subscribe dials Redis with token and subscribes to channel.
func (t *RedisTransport) Subscribe(ctx context.Context, channel, token string) (Subscription, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     t.addr,
		Username: t.username,
		Password: token,
		Protocol: 2,
		// Reconnects are owned by the Manager.
		MaxRetries: -1,
	})

	ps := client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		client.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, mapRedisError(err))
	}
	return &redisSubscription{client: client, ps: ps}, nil
}

type redisSubscription struct {
	client *redis.Client
	ps     *redis.PubSub
}

func (s *redisSubscription) Next(ctx context.Context) (Envelope, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Envelope{}, ctx.Err()
		}
		return Envelope{}, fmt.Errorf("receive: %w", mapRedisError(err))
	}
	env, err := DecodeEnvelope([]byte(msg.Payload))
	if err != nil {
		return Envelope{Event: EventMalformed, Data: []byte(msg.Payload)}, nil
	}
	return env, nil
}

func (s *redisSubscription) Close() error {
	err := s.ps.Close()
	if cerr := s.client.Close(); err == nil {
		err = cerr
	}
	return err
}

func mapRedisError(err error) error {
	msg := strings.ToUpper(err.Error())
	for _, prefix := range []string{"WRONGPASS", "NOAUTH", "NOPERM", "INVALID PASSWORD", "INVALID USERNAME-PASSWORD"} {
		if strings.Contains(msg, prefix) {
			return fmt.Errorf("%v: %w", err, ErrAuth)
		}
	}
	return err
}
