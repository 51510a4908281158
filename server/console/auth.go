// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package console

import (
	"context"
)

// key is a context value key type.
type key int

// authKey is the context key for the request's Authorization.
const authKey key = 0

// SessionCookieName is the cookie carrying the session token. Websocket
// upgrades from browsers authenticate through it because they cannot set an
// Authorization header.
const SessionCookieName = "inkwell_session"

// Authorization contains the authenticated user of a request.
type Authorization struct {
	User User
}

// WithAuth creates a new context with Authorization.
func WithAuth(ctx context.Context, auth Authorization) context.Context {
	return context.WithValue(ctx, authKey, auth)
}

// GetAuth gets the Authorization from the context.
func GetAuth(ctx context.Context) (Authorization, error) {
	value := ctx.Value(authKey)
	if auth, ok := value.(Authorization); ok {
		return auth, nil
	}
	return Authorization{}, ErrUnauthorized.New("missing authorization")
}
