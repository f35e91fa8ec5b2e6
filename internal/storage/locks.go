package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/quickwind/workflow/pkg/types"
)

// DefaultLockTimeout is the lease duration applied when callers pass zero or
// a negative timeout.
const DefaultLockTimeout = 30 * time.Second

// AcquireLock takes a lease on key for the given duration. Expired leases on
// the same key are cleaned up first; a live lease makes the acquisition fail
// with ErrLockHeld. The unique key index is what arbitrates concurrent
// acquirers, in this process or another.
func (s *Storage) AcquireLock(ctx context.Context, key string, timeout time.Duration) (*types.Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}

	lockID := uuid.New().String()
	model := &LockModel{
		LockID:    lockID,
		Key:       key,
		Holder:    lockID,
		ExpiresAt: now().Add(timeout),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("key = ? AND expires_at < ?", key, now()).Delete(&LockModel{}).Error; err != nil {
			return fmt.Errorf("clean expired lock: %w", err)
		}
		return tx.Create(model).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("lock %s already held: %w", key, ErrLockHeld)
		}
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return lockFromModel(model), nil
}

// ReleaseLock drops a lease by id. Releasing an unknown or already released
// lease is an error so double-release bugs surface.
func (s *Storage) ReleaseLock(ctx context.Context, lockID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Where("lock_id = ?", lockID).Delete(&LockModel{})
	if res.Error != nil {
		return fmt.Errorf("release lock %s: %w", lockID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("lock %s not found: %w", lockID, ErrLockNotFound)
	}
	return nil
}

// RenewLock extends a live lease by the default timeout.
func (s *Storage) RenewLock(ctx context.Context, lockID string) (*types.Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := s.db.WithContext(ctx).
		Model(&LockModel{}).
		Where("lock_id = ?", lockID).
		Update("expires_at", now().Add(DefaultLockTimeout))
	if res.Error != nil {
		return nil, fmt.Errorf("renew lock %s: %w", lockID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("lock %s not found: %w", lockID, ErrLockNotFound)
	}

	var model LockModel
	if err := s.db.WithContext(ctx).Where("lock_id = ?", lockID).First(&model).Error; err != nil {
		return nil, fmt.Errorf("reread renewed lock %s: %w", lockID, err)
	}
	return lockFromModel(&model), nil
}

// GetLockStatus returns the lease currently recorded for key, expired or
// not, or nil when no row exists.
func (s *Storage) GetLockStatus(ctx context.Context, key string) (*types.Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var model LockModel
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&model).Error
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get lock status %s: %w", key, err)
	}
	return lockFromModel(&model), nil
}

// WaitAcquireLock polls AcquireLock until it succeeds or the wait budget
// runs out. The engine uses it to serialize instance advancement: competing
// requests queue here instead of failing.
func (s *Storage) WaitAcquireLock(ctx context.Context, key string, timeout, wait time.Duration) (*types.Lock, error) {
	deadline := time.Now().Add(wait)
	for {
		lock, err := s.AcquireLock(ctx, key, timeout)
		if err == nil {
			return lock, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, ErrLockHeld) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %s already held after %s wait: %w", key, wait, ErrLockHeld)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func lockFromModel(m *LockModel) *types.Lock {
	return &types.Lock{
		LockID:    m.LockID,
		Key:       m.Key,
		Holder:    m.Holder,
		ExpiresAt: m.ExpiresAt,
	}
}
