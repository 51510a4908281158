// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package console

import (
	"context"
)

// DB contains access to the different console repositories.
//
// Repository methods that look up a single row return sql.ErrNoRows when
// the row does not exist.
//
// architecture: Database
type DB interface {
	// Users is a getter for Users repository.
	Users() Users
	// Orgs is a getter for Orgs repository.
	Orgs() Orgs
	// Projects is a getter for Projects repository.
	Projects() Projects
	// Pages is a getter for Pages repository.
	Pages() Pages
	// Invitations is a getter for Invitations repository.
	Invitations() Invitations
	// PageLinks is a getter for PageLinks repository.
	PageLinks() PageLinks
	// FileLinks is a getter for FileLinks repository.
	FileLinks() FileLinks
	// Mentions is a getter for Mentions repository.
	Mentions() Mentions

	// WithTx runs fn inside a database transaction; every repository
	// reached through the tx view operates on that transaction.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx DB) error) error
}
