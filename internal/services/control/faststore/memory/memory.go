// Package memory implements the fast ephemeral store in process memory.
// It backs tests and single-node deployments where no Redis is configured;
// semantics (TTL expiry, compare-and-delete atomicity, at-most-once pub/sub)
// match the Redis implementation.
package memory

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/symposium-ai/symposium/internal/services/control/faststore"
)

const subscriberBuffer = 64

// Store is an in-process fast ephemeral store.
type Store struct {
	mu          sync.Mutex
	entries     map[string]entry
	subscribers map[string]map[*subscription]struct{}
	now         func() time.Time
	closed      bool
}

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// New creates an empty in-process store.
func New() *Store {
	return &Store{
		entries:     make(map[string]entry),
		subscribers: make(map[string]map[*subscription]struct{}),
		now:         time.Now,
	}
}

// SetClock overrides the store clock. Test use only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Get returns the value under key, or faststore.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveEntry(key)
	if !ok {
		return nil, faststore.ErrNotFound
	}
	value := make([]byte, len(e.value))
	copy(value, e.value)
	return value, nil
}

// Set writes value under key with an optional TTL.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = s.newEntry(value, ttl)
	return nil
}

// SetNX writes value only if key is absent, with a TTL.
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.liveEntry(key); ok {
		return false, nil
	}
	s.entries[key] = s.newEntry(value, ttl)
	return true, nil
}

// CompareAndDelete deletes key only if its stored value equals value.
// The single mutex hold makes check and delete indivisible.
func (s *Store) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveEntry(key)
	if !ok || !bytes.Equal(e.value, value) {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

// Delete removes key unconditionally.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Publish broadcasts payload to current subscribers of channel.
// A subscriber whose buffer is full misses the message (at-most-once).
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := faststore.Message{Channel: channel, Payload: payload}
	for sub := range s.subscribers[channel] {
		select {
		case sub.messages <- msg:
		default:
		}
	}
	return nil
}

// Subscribe opens a live stream for channel.
func (s *Store) Subscribe(ctx context.Context, channel string) (faststore.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &subscription{
		store:    s,
		channel:  channel,
		messages: make(chan faststore.Message, subscriberBuffer),
	}
	if s.subscribers[channel] == nil {
		s.subscribers[channel] = make(map[*subscription]struct{})
	}
	s.subscribers[channel][sub] = struct{}{}
	return sub, nil
}

// Ping probes store liveness.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return faststore.ErrNotFound
	}
	return nil
}

// Close marks the store closed and drops all subscribers.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, subs := range s.subscribers {
		for sub := range subs {
			close(sub.messages)
		}
	}
	s.subscribers = make(map[string]map[*subscription]struct{})
	return nil
}

// liveEntry returns the entry under key, lazily expiring it. Caller holds mu.
func (s *Store) liveEntry(key string) (entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return entry{}, false
	}
	return e, true
}

func (s *Store) newEntry(value []byte, ttl time.Duration) entry {
	stored := make([]byte, len(value))
	copy(stored, value)
	e := entry{value: stored}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	return e
}

type subscription struct {
	store     *Store
	channel   string
	messages  chan faststore.Message
	closeOnce sync.Once
}

func (s *subscription) Messages() <-chan faststore.Message {
	return s.messages
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.store.mu.Lock()
		defer s.store.mu.Unlock()
		if subs, ok := s.store.subscribers[s.channel]; ok {
			if _, present := subs[s]; present {
				delete(subs, s)
				close(s.messages)
			}
			if len(subs) == 0 {
				delete(s.store.subscribers, s.channel)
			}
		}
	})
	return nil
}
