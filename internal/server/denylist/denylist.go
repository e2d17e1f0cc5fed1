// Package denylist records revoked token families so that access tokens minted
// for them can be rejected before they expire.
package denylist

import (
	"context"
	"time"
)

// Denylist remembers revoked families for a bounded time.
type Denylist interface {
	// Revoke marks family revoked for ttl.
	Revoke(ctx context.Context, family string, ttl time.Duration) error
	// IsRevoked reports whether family is currently marked.
	IsRevoked(ctx context.Context, family string) (bool, error)
}

// Noop is used when no shared cache is configured: nothing is ever revoked,
// so access tokens live until their own expiry.
type Noop struct{}

func (Noop) Revoke(context.Context, string, time.Duration) error { return nil }

func (Noop) IsRevoked(context.Context, string) (bool, error) { return false, nil }

// Observer adapts a Denylist to the rotation engine's revocation hook. Marks
// last as long as the longest-lived access token of the family could.
type Observer struct {
	list Denylist
	ttl  time.Duration
}

func NewObserver(list Denylist, ttl time.Duration) *Observer {
	return &Observer{list: list, ttl: ttl}
}

func (o *Observer) FamilyRevoked(ctx context.Context, family string) error {
	return o.list.Revoke(ctx, family, o.ttl)
}
