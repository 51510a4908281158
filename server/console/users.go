// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package console

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Users exposes methods to manage the users table in the database.
//
// architecture: Database
type Users interface {
	// Insert is a method for inserting a user into the database.
	Insert(ctx context.Context, user *User) (*User, error)
	// Get is a method for querying a user from the database by id.
	Get(ctx context.Context, id uuid.UUID) (*User, error)
	// GetByExternalID is a method for querying a user by external id.
	GetByExternalID(ctx context.Context, externalID string) (*User, error)
	// GetByEmail is a method for querying a user by lowercased email.
	GetByEmail(ctx context.Context, email string) (*User, error)
	// UpdateStatus sets the user's status.
	UpdateStatus(ctx context.Context, id uuid.UUID, status UserStatus) error
}

// UserStatus is an enumeration of the statuses a user account moves through.
type UserStatus int

const (
	// UserActive is a normal, usable account.
	UserActive UserStatus = 0
	// UserBanned is an account blocked by the abuse tracker.
	UserBanned UserStatus = 1
)

// User is a database object that describes a registered account.
//
// ExternalID is the identifier used on every public surface, strictly
// alphanumeric so that mention grammars can reference it.
type User struct {
	ID         uuid.UUID  `json:"id"`
	ExternalID string     `json:"externalId"`
	Email      string     `json:"email"`
	FullName   string     `json:"fullName"`
	Status     UserStatus `json:"status"`

	PasswordHash []byte `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
}

// CreateUser holds the input of Service.Register.
type CreateUser struct {
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	Password string `json:"password"`
}
