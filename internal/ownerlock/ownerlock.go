// Package ownerlock serializes money operations per owner.
//
// Every mutating call takes the owner's lock before opening its database
// transaction, so two approvals for the same client never read the same
// balance. Different owners never contend.
package ownerlock

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gigpay/pkg/db"
)

// ErrLockTimeout is returned when the owner lock could not be acquired in
// time. It wraps db.ErrTransient so callers retry with the same key.
var ErrLockTimeout = fmt.Errorf("owner_lock_timeout: %w", db.ErrTransient)

var errEmptyKey = errors.New("lock key is empty")

// Locker acquires an exclusive lock for key. The returned release func must be
// called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// Key scopes the lock to one owner within one organization.
func Key(orgID, ownerID snowflake.ID) string {
	return fmt.Sprintf("gigpay:owner:%d:%d", orgID, ownerID)
}

// WithOwner runs fn while holding the owner's lock.
func WithOwner(ctx context.Context, l Locker, orgID, ownerID snowflake.ID, fn func() error) error {
	release, err := l.Lock(ctx, Key(orgID, ownerID))
	if err != nil {
		return err
	}
	defer release()
	return fn()
}
