// Package access implements the engine's role model: a single owner fixed
// at startup and a mutable set of admin accounts. The owner is always an
// admin regardless of set membership.
package access

import (
	"context"
	"errors"

	"github.com/terminal-bench/laterpay/pkg/messaging"
)

var (
	ErrNotOwner = errors.New("not the owner")
	ErrNotAdmin = errors.New("not an admin")
)

// Store persists the admin set. Add and Remove are idempotent.
type Store interface {
	Add(ctx context.Context, account string) error
	Remove(ctx context.Context, account string) error
	IsMember(ctx context.Context, account string) (bool, error)
}

// Control gates role-restricted operations.
type Control struct {
	owner  string
	store  Store
	events messaging.Publisher
}

// NewControl fixes the owner and seeds it into the admin set.
func NewControl(ctx context.Context, owner string, store Store, events messaging.Publisher) (*Control, error) {
	if err := store.Add(ctx, owner); err != nil {
		return nil, err
	}
	return &Control{owner: owner, store: store, events: events}, nil
}

func (c *Control) Owner() string {
	return c.owner
}

func (c *Control) IsOwner(account string) bool {
	return account == c.owner
}

// IsAdmin is true for the owner and for any member of the admin set.
func (c *Control) IsAdmin(ctx context.Context, account string) (bool, error) {
	if c.IsOwner(account) {
		return true, nil
	}
	return c.store.IsMember(ctx, account)
}

// AddAdmin inserts an account into the admin set. Owner only; inserting an
// existing member is a no-op success.
func (c *Control) AddAdmin(ctx context.Context, caller, account string) error {
	if !c.IsOwner(caller) {
		return ErrNotOwner
	}
	if err := c.store.Add(ctx, account); err != nil {
		return err
	}
	c.publish(ctx, messaging.EventTypeAdminAdded, account)
	return nil
}

// RemoveAdmin removes an account from the admin set. Owner only; removing a
// non-member is a no-op success. Removing the owner from the set does not
// revoke the owner's standing, IsAdmin(owner) stays true.
func (c *Control) RemoveAdmin(ctx context.Context, caller, account string) error {
	if !c.IsOwner(caller) {
		return ErrNotOwner
	}
	if err := c.store.Remove(ctx, account); err != nil {
		return err
	}
	c.publish(ctx, messaging.EventTypeAdminRemoved, account)
	return nil
}

func (c *Control) publish(ctx context.Context, eventType, account string) {
	if c.events == nil {
		return
	}
	c.events.Publish(ctx, eventType, messaging.AdminEvent{Account: account})
}
