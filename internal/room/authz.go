package room

import (
	"context"
	"errors"
)

var ErrForbidden = errors.New("not allowed to join room")

// Identity is the authenticated user behind a connection, if any.
type Identity struct {
	UserID string
	Name   string
	Avatar string
}

// Authorizer decides whether a connection may join a room. identity is nil
// for guests.
type Authorizer interface {
	AuthorizeJoin(ctx context.Context, roomID string, identity *Identity) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, roomID string, identity *Identity) error

func (f AuthorizerFunc) AuthorizeJoin(ctx context.Context, roomID string, identity *Identity) error {
	return f(ctx, roomID, identity)
}

// AllowAll lets any connection join any room by name.
var AllowAll Authorizer = AuthorizerFunc(func(context.Context, string, *Identity) error {
	return nil
})

// RequireIdentity refuses guests.
var RequireIdentity Authorizer = AuthorizerFunc(func(_ context.Context, _ string, identity *Identity) error {
	if identity == nil {
		return ErrForbidden
	}
	return nil
})
