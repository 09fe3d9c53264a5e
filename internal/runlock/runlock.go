// Package runlock keeps two scorer instances from running a batch at the
// same time. It does not guard the lead table against other writers.
package runlock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/insightos/leadscore/pkg/errors"
	"github.com/insightos/leadscore/pkg/logger"
)

// Store is the subset of pkg/redis.Client the lock needs.
type Store interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	DeleteIfEquals(ctx context.Context, key, value string) (bool, error)
	ExpireIfEquals(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// Locker hands out run locks on a single key.
type Locker struct {
	store  Store
	key    string
	ttl    time.Duration
	logger *slog.Logger
}

func New(store Store, key string, ttl time.Duration) *Locker {
	return &Locker{
		store:  store,
		key:    key,
		ttl:    ttl,
		logger: logger.WithComponent("run-lock", "key", key),
	}
}

// Lock is a held run lock.
type Lock struct {
	locker *Locker
	token  string
}

func (l *Lock) Token() string { return l.token }

// Acquire takes the lock or fails with ErrLockHeld when another instance
// holds it.
func (l *Locker) Acquire(ctx context.Context) (*Lock, error) {
	token := uuid.NewString()
	ok, err := l.store.SetNX(ctx, l.key, token, l.ttl)
	if err != nil {
		return nil, fmt.Errorf("acquiring run lock: %w", err)
	}
	if !ok {
		holder, _, _ := l.store.Get(ctx, l.key)
		return nil, apperrors.Newf(apperrors.ErrLockHeld, "acquire", "held by %s", holder)
	}
	l.logger.Debug("run lock acquired", "token", token, "ttl", l.ttl)
	return &Lock{locker: l, token: token}, nil
}

// Extend pushes the lock's expiry out by the configured ttl. It fails when
// the lock expired and was taken by someone else.
func (lk *Lock) Extend(ctx context.Context) error {
	l := lk.locker
	ok, err := l.store.ExpireIfEquals(ctx, l.key, lk.token, l.ttl)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("run lock %s lost", l.key)
	}
	return nil
}

// Release frees the lock if this holder still owns it. Releasing a lock that
// expired is logged, not an error.
func (lk *Lock) Release(ctx context.Context) error {
	l := lk.locker
	ok, err := l.store.DeleteIfEquals(ctx, l.key, lk.token)
	if err != nil {
		return err
	}
	if !ok {
		l.logger.Warn("run lock expired before release", "token", lk.token)
		return nil
	}
	l.logger.Debug("run lock released", "token", lk.token)
	return nil
}
