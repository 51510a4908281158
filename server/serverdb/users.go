// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package serverdb

import (
	"context"
	"time"

	"github.com/google/uuid"

	"inkwell.io/inkwell/server/console"
)

// ensures that users implements console.Users.
var _ console.Users = (*users)(nil)

// users implements the console.Users repository.
type users struct {
	db *consoleDB
}

type userRow struct {
	ID           uuid.UUID `db:"id"`
	ExternalID   string    `db:"external_id"`
	Email        string    `db:"email"`
	FullName     string    `db:"full_name"`
	PasswordHash []byte    `db:"password_hash"`
	Status       int       `db:"status"`
	CreatedAt    time.Time `db:"created_at"`
}

func (row *userRow) toUser() *console.User {
	return &console.User{
		ID:           row.ID,
		ExternalID:   row.ExternalID,
		Email:        row.Email,
		FullName:     row.FullName,
		PasswordHash: row.PasswordHash,
		Status:       console.UserStatus(row.Status),
		CreatedAt:    row.CreatedAt,
	}
}

const userColumns = `id, external_id, email, full_name, password_hash, status, created_at`

// Insert is a method for inserting a user into the database.
func (users *users) Insert(ctx context.Context, user *console.User) (_ *console.User, err error) {
	defer mon.Task()(&ctx)(&err)

	var row userRow
	err = users.db.q.GetContext(ctx, &row, `
		INSERT INTO users (id, external_id, email, full_name, password_hash, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+userColumns,
		user.ID, user.ExternalID, user.Email, user.FullName, user.PasswordHash, int(user.Status),
	)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return row.toUser(), nil
}

// Get is a method for querying a user from the database by id.
func (users *users) Get(ctx context.Context, id uuid.UUID) (_ *console.User, err error) {
	defer mon.Task()(&ctx)(&err)

	var row userRow
	err = users.db.q.GetContext(ctx, &row, `
		SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if err != nil {
		return nil, wrapRowErr(err)
	}
	return row.toUser(), nil
}

// GetByExternalID is a method for querying a user by external id.
func (users *users) GetByExternalID(ctx context.Context, externalID string) (_ *console.User, err error) {
	defer mon.Task()(&ctx)(&err)

	var row userRow
	err = users.db.q.GetContext(ctx, &row, `
		SELECT `+userColumns+` FROM users WHERE external_id = $1`, externalID)
	if err != nil {
		return nil, wrapRowErr(err)
	}
	return row.toUser(), nil
}

// GetByEmail is a method for querying a user by lowercased email.
func (users *users) GetByEmail(ctx context.Context, email string) (_ *console.User, err error) {
	defer mon.Task()(&ctx)(&err)

	var row userRow
	err = users.db.q.GetContext(ctx, &row, `
		SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	if err != nil {
		return nil, wrapRowErr(err)
	}
	return row.toUser(), nil
}

// UpdateStatus sets the user's status.
func (users *users) UpdateStatus(ctx context.Context, id uuid.UUID, status console.UserStatus) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = users.db.q.ExecContext(ctx, `
		UPDATE users SET status = $2 WHERE id = $1`, id, int(status))
	return Error.Wrap(err)
}
