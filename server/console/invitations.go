// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package console

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Invitations exposes methods to manage pending editor invitations.
//
// architecture: Database
type Invitations interface {
	// Upsert returns the existing pending invitation for (kind, target,
	// email) or inserts invite when none exists. An accepted invitation is
	// not reused; a new row is inserted instead.
	Upsert(ctx context.Context, invite *Invitation) (*Invitation, error)
	// Get returns the pending invitation for (kind, target, email).
	Get(ctx context.Context, kind InviteKind, targetID uuid.UUID, email string) (*Invitation, error)
	// GetByToken looks an invitation up by its secret token.
	GetByToken(ctx context.Context, token string) (*Invitation, error)
	// Accept marks the invitation accepted by the given user.
	Accept(ctx context.Context, id uuid.UUID, acceptorID uuid.UUID) error
	// DeleteExpiredBefore removes unaccepted invitations that expired
	// before the given time.
	DeleteExpiredBefore(ctx context.Context, before time.Time) (deleted int64, err error)
}

// InviteKind tells whether an invitation targets a page or a project.
type InviteKind string

const (
	// InvitePage is an invitation to collaborate on a single page.
	InvitePage InviteKind = "page"
	// InviteProject is an invitation to a whole project.
	InviteProject InviteKind = "project"
)

// Invitation is a pending offer of an editor role, addressed by email.
//
// A valid invitation is not accepted and expires strictly in the future.
type Invitation struct {
	ID       uuid.UUID  `json:"id"`
	Kind     InviteKind `json:"kind"`
	TargetID uuid.UUID  `json:"targetId"`

	Email string      `json:"email"`
	Token string      `json:"-"`
	Role  ProjectRole `json:"role"`

	InviterID uuid.UUID `json:"inviterId"`

	Accepted   bool       `json:"accepted"`
	AcceptorID *uuid.UUID `json:"acceptorId,omitempty"`

	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// Valid reports whether the invitation can still be accepted at now.
func (invite *Invitation) Valid(now time.Time) bool {
	return !invite.Accepted && invite.ExpiresAt.After(now)
}
