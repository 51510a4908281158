// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package serverdb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"inkwell.io/inkwell/server/console"
)

// ensures that invitations implements console.Invitations.
var _ console.Invitations = (*invitations)(nil)

// invitations implements the console.Invitations repository.
type invitations struct {
	db *consoleDB
}

type invitationRow struct {
	ID         uuid.UUID  `db:"id"`
	Kind       string     `db:"kind"`
	TargetID   uuid.UUID  `db:"target_id"`
	Email      string     `db:"email"`
	Token      string     `db:"token"`
	Role       int        `db:"role"`
	InviterID  uuid.UUID  `db:"inviter_id"`
	Accepted   bool       `db:"accepted"`
	AcceptorID *uuid.UUID `db:"acceptor_id"`
	ExpiresAt  time.Time  `db:"expires_at"`
	CreatedAt  time.Time  `db:"created_at"`
}

func (row *invitationRow) toInvitation() *console.Invitation {
	return &console.Invitation{
		ID:         row.ID,
		Kind:       console.InviteKind(row.Kind),
		TargetID:   row.TargetID,
		Email:      row.Email,
		Token:      row.Token,
		Role:       console.ProjectRole(row.Role),
		InviterID:  row.InviterID,
		Accepted:   row.Accepted,
		AcceptorID: row.AcceptorID,
		ExpiresAt:  row.ExpiresAt,
		CreatedAt:  row.CreatedAt,
	}
}

const invitationColumns = `id, kind, target_id, email, token, role, inviter_id, accepted, acceptor_id, expires_at, created_at`

// Upsert returns the existing pending invitation for (kind, target, email)
// or inserts invite when none exists.
func (invitations *invitations) Upsert(ctx context.Context, invite *console.Invitation) (_ *console.Invitation, err error) {
	defer mon.Task()(&ctx)(&err)

	existing, err := invitations.Get(ctx, invite.Kind, invite.TargetID, invite.Email)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	var row invitationRow
	err = invitations.db.q.GetContext(ctx, &row, `
		INSERT INTO invitations (id, kind, target_id, email, token, role, inviter_id, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (kind, target_id, email) WHERE NOT accepted DO NOTHING
		RETURNING `+invitationColumns,
		invite.ID, string(invite.Kind), invite.TargetID, invite.Email,
		invite.Token, int(invite.Role), invite.InviterID, invite.ExpiresAt,
	)
	if err == nil {
		return row.toInvitation(), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, Error.Wrap(err)
	}

	// lost the race to a concurrent insert, the pending row exists now
	return invitations.Get(ctx, invite.Kind, invite.TargetID, invite.Email)
}

// Get returns the pending invitation for (kind, target, email).
func (invitations *invitations) Get(ctx context.Context, kind console.InviteKind, targetID uuid.UUID, email string) (_ *console.Invitation, err error) {
	defer mon.Task()(&ctx)(&err)

	var row invitationRow
	err = invitations.db.q.GetContext(ctx, &row, `
		SELECT `+invitationColumns+` FROM invitations
		WHERE kind = $1 AND target_id = $2 AND email = $3 AND NOT accepted`,
		string(kind), targetID, email)
	if err != nil {
		return nil, wrapRowErr(err)
	}
	return row.toInvitation(), nil
}

// GetByToken looks an invitation up by its secret token.
func (invitations *invitations) GetByToken(ctx context.Context, token string) (_ *console.Invitation, err error) {
	defer mon.Task()(&ctx)(&err)

	var row invitationRow
	err = invitations.db.q.GetContext(ctx, &row, `
		SELECT `+invitationColumns+` FROM invitations WHERE token = $1`, token)
	if err != nil {
		return nil, wrapRowErr(err)
	}
	return row.toInvitation(), nil
}

// Accept marks the invitation accepted by the given user.
func (invitations *invitations) Accept(ctx context.Context, id uuid.UUID, acceptorID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = invitations.db.q.ExecContext(ctx, `
		UPDATE invitations SET accepted = true, acceptor_id = $2 WHERE id = $1`,
		id, acceptorID)
	return Error.Wrap(err)
}

// DeleteExpiredBefore removes unaccepted invitations that expired before the
// given time.
func (invitations *invitations) DeleteExpiredBefore(ctx context.Context, before time.Time) (deleted int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := invitations.db.q.ExecContext(ctx, `
		DELETE FROM invitations WHERE NOT accepted AND expires_at < $1`, before)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	deleted, err = result.RowsAffected()
	return deleted, Error.Wrap(err)
}
