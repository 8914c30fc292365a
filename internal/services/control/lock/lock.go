// Package lock serializes session status mutations across concurrent
// requests and processes using TTL-bounded keys in the fast ephemeral store.
package lock

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	apperrors "github.com/symposium-ai/symposium/internal/platform/errors"
	"github.com/symposium-ai/symposium/internal/services/control/faststore"
)

// ErrTimeout indicates the lock stayed held by another owner for the whole
// acquisition window.
var ErrTimeout = apperrors.New(apperrors.CodeLockTimeout, "lock acquisition timed out")

const (
	statusKeyPrefix = "symposium:lock:session:"

	initialRetryInterval = 50 * time.Millisecond
	maxRetryInterval     = 500 * time.Millisecond
)

// SessionStatusKey returns the lock key scoping a session's status field.
func SessionStatusKey(sessionID string) string {
	return statusKeyPrefix + sessionID + ":status"
}

// Service provides TTL locks over the fast ephemeral store.
type Service struct {
	store faststore.Store
}

// NewService creates a lock service backed by store.
func NewService(store faststore.Store) *Service {
	return &Service{store: store}
}

// Acquire attempts a set-if-absent write of a fresh owner token under key.
// It returns the token and true on success. A held lock or a transport error
// both report false: acquisition fails closed.
func (s *Service) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool) {
	token, ok, err := s.tryAcquire(ctx, key, ttl)
	if err != nil {
		log.Printf("lock acquire failed closed key=%s err=%v", key, err)
		return "", false
	}
	return token, ok
}

// Release deletes key only if it still holds token. The compare and the
// delete are one indivisible store operation, so a lock that expired and was
// re-acquired by another owner is never released here.
func (s *Service) Release(ctx context.Context, key, token string) bool {
	released, err := s.store.CompareAndDelete(ctx, key, []byte(token))
	if err != nil {
		log.Printf("lock release failed key=%s err=%v", key, err)
		return false
	}
	return released
}

// WithLock runs fn while holding key, retrying acquisition with capped
// exponential backoff until timeout. When the store is unreachable fn runs
// without a lock: the store being down for locking correlates with it being
// down for everything else, so blocking here would only add a second outage.
// When the store is reachable but the lock stays held, WithLock returns
// ErrTimeout. A held lock is released on every exit path.
func (s *Service) WithLock(ctx context.Context, key string, timeout, ttl time.Duration, fn func(context.Context) error) error {
	deadline := time.Now().Add(timeout)
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = initialRetryInterval
	retry.MaxInterval = maxRetryInterval

	var token string
	for {
		acquired, ok, err := s.tryAcquire(ctx, key, ttl)
		if err != nil {
			log.Printf("lock store unavailable, proceeding without lock key=%s err=%v", key, err)
			break
		}
		if ok {
			token = acquired
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := retry.NextBackOff()
		if time.Now().Add(wait).After(deadline) {
			return apperrors.WithMetadata(
				apperrors.CodeLockTimeout,
				"lock acquisition timed out",
				map[string]string{"Key": key},
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	if token != "" {
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			s.Release(releaseCtx, key, token)
		}()
	}
	return fn(ctx)
}

func (s *Service) tryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := s.store.SetNX(ctx, key, []byte(token), ttl)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}
