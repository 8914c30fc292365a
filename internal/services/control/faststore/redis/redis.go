// Package redis implements the fast ephemeral store on a Redis server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/symposium-ai/symposium/internal/services/control/faststore"
)

// compareAndDeleteScript deletes a key only when its value matches. Running
// it server-side keeps check and delete indivisible, so a lock that expired
// and was re-acquired by another owner is never released by the old one.
var compareAndDeleteScript = goredis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Store provides a Redis-backed fast ephemeral store.
type Store struct {
	client *goredis.Client
}

// Open connects to Redis at addr and verifies liveness.
func Open(ctx context.Context, addr string) (*Store, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Store{client: client}, nil
}

// Get returns the value under key, or faststore.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, faststore.ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return value, nil
}

// Set writes value under key with an optional TTL.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// SetNX writes value only if key is absent, with a TTL.
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// CompareAndDelete atomically deletes key only if its stored value equals value.
func (s *Store) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	deleted, err := compareAndDeleteScript.Run(ctx, s.client, []string{key}, string(value)).Int()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-delete: %w", err)
	}
	return deleted == 1, nil
}

// Delete removes key unconditionally.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Publish broadcasts payload on channel.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe opens a live stream for channel.
func (s *Store) Subscribe(ctx context.Context, channel string) (faststore.Subscription, error) {
	pubsub := s.client.Subscribe(ctx, channel)
	// Receive forces the SUBSCRIBE round trip so a broken connection surfaces
	// here instead of as a silently empty stream.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	sub := &subscription{
		pubsub:   pubsub,
		messages: make(chan faststore.Message),
		done:     make(chan struct{}),
	}
	go sub.pump(pubsub.Channel())
	return sub, nil
}

// Ping probes Redis liveness.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close releases the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

type subscription struct {
	pubsub    *goredis.PubSub
	messages  chan faststore.Message
	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscription) pump(in <-chan *goredis.Message) {
	defer close(s.messages)
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.messages <- faststore.Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *subscription) Messages() <-chan faststore.Message {
	return s.messages
}

func (s *subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
