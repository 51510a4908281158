// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package serverdb

import (
	"context"
	"time"

	"github.com/google/uuid"

	"inkwell.io/inkwell/server/console"
)

// ensures that orgs implements console.Orgs.
var _ console.Orgs = (*orgs)(nil)

// orgs implements the console.Orgs repository.
type orgs struct {
	db *consoleDB
}

type orgRow struct {
	ID        uuid.UUID `db:"id"`
	Name      string    `db:"name"`
	Domain    string    `db:"domain"`
	CreatedAt time.Time `db:"created_at"`
}

func (row *orgRow) toOrg() *console.Org {
	return &console.Org{
		ID:        row.ID,
		Name:      row.Name,
		Domain:    row.Domain,
		CreatedAt: row.CreatedAt,
	}
}

type orgMemberRow struct {
	OrgID     uuid.UUID `db:"org_id"`
	UserID    uuid.UUID `db:"user_id"`
	Role      int       `db:"role"`
	CreatedAt time.Time `db:"created_at"`
}

func (row *orgMemberRow) toMembership() *console.OrgMembership {
	return &console.OrgMembership{
		OrgID:     row.OrgID,
		UserID:    row.UserID,
		Role:      console.OrgRole(row.Role),
		CreatedAt: row.CreatedAt,
	}
}

// Insert is a method for inserting an org into the database.
func (orgs *orgs) Insert(ctx context.Context, org *console.Org) (_ *console.Org, err error) {
	defer mon.Task()(&ctx)(&err)

	var row orgRow
	err = orgs.db.q.GetContext(ctx, &row, `
		INSERT INTO orgs (id, name, domain)
		VALUES ($1, $2, $3)
		RETURNING id, name, domain, created_at`,
		org.ID, org.Name, org.Domain,
	)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return row.toOrg(), nil
}

// Get is a method for querying an org from the database by id.
func (orgs *orgs) Get(ctx context.Context, id uuid.UUID) (_ *console.Org, err error) {
	defer mon.Task()(&ctx)(&err)

	var row orgRow
	err = orgs.db.q.GetContext(ctx, &row, `
		SELECT id, name, domain, created_at FROM orgs WHERE id = $1`, id)
	if err != nil {
		return nil, wrapRowErr(err)
	}
	return row.toOrg(), nil
}

// GetByDomain is a method for querying an org by its DNS domain.
func (orgs *orgs) GetByDomain(ctx context.Context, domain string) (_ *console.Org, err error) {
	defer mon.Task()(&ctx)(&err)

	var row orgRow
	err = orgs.db.q.GetContext(ctx, &row, `
		SELECT id, name, domain, created_at FROM orgs WHERE domain = $1 AND domain <> ''`, domain)
	if err != nil {
		return nil, wrapRowErr(err)
	}
	return row.toOrg(), nil
}

// ListByUser returns all orgs the user is a member of.
func (orgs *orgs) ListByUser(ctx context.Context, userID uuid.UUID) (_ []console.Org, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []orgRow
	err = orgs.db.q.SelectContext(ctx, &rows, `
		SELECT o.id, o.name, o.domain, o.created_at
		FROM orgs o
		JOIN org_members om ON om.org_id = o.id
		WHERE om.user_id = $1
		ORDER BY o.created_at, o.id`, userID)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	list := make([]console.Org, 0, len(rows))
	for i := range rows {
		list = append(list, *rows[i].toOrg())
	}
	return list, nil
}

// AddMember adds a membership row, idempotent on (org, user).
func (orgs *orgs) AddMember(ctx context.Context, member *console.OrgMembership) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = orgs.db.q.ExecContext(ctx, `
		INSERT INTO org_members (org_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (org_id, user_id) DO NOTHING`,
		member.OrgID, member.UserID, int(member.Role),
	)
	return Error.Wrap(err)
}

// GetMember returns the membership of user in org, or sql.ErrNoRows.
func (orgs *orgs) GetMember(ctx context.Context, orgID, userID uuid.UUID) (_ *console.OrgMembership, err error) {
	defer mon.Task()(&ctx)(&err)

	var row orgMemberRow
	err = orgs.db.q.GetContext(ctx, &row, `
		SELECT org_id, user_id, role, created_at
		FROM org_members WHERE org_id = $1 AND user_id = $2`, orgID, userID)
	if err != nil {
		return nil, wrapRowErr(err)
	}
	return row.toMembership(), nil
}

// ListMembers returns all members of the org.
func (orgs *orgs) ListMembers(ctx context.Context, orgID uuid.UUID) (_ []console.OrgMembership, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []orgMemberRow
	err = orgs.db.q.SelectContext(ctx, &rows, `
		SELECT org_id, user_id, role, created_at
		FROM org_members WHERE org_id = $1
		ORDER BY created_at, user_id`, orgID)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	list := make([]console.OrgMembership, 0, len(rows))
	for i := range rows {
		list = append(list, *rows[i].toMembership())
	}
	return list, nil
}
