// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package console

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Orgs exposes methods to manage the orgs and org_members tables.
//
// architecture: Database
type Orgs interface {
	// Insert is a method for inserting an org into the database.
	Insert(ctx context.Context, org *Org) (*Org, error)
	// Get is a method for querying an org from the database by id.
	Get(ctx context.Context, id uuid.UUID) (*Org, error)
	// GetByDomain is a method for querying an org by its DNS domain.
	GetByDomain(ctx context.Context, domain string) (*Org, error)
	// ListByUser returns all orgs the user is a member of.
	ListByUser(ctx context.Context, userID uuid.UUID) ([]Org, error)

	// AddMember adds a membership row, idempotent on (org, user).
	AddMember(ctx context.Context, member *OrgMembership) error
	// GetMember returns the membership of user in org, or sql.ErrNoRows.
	GetMember(ctx context.Context, orgID, userID uuid.UUID) (*OrgMembership, error)
	// ListMembers returns all members of the org.
	ListMembers(ctx context.Context, orgID uuid.UUID) ([]OrgMembership, error)
}

// OrgRole is an enumeration of roles inside an org.
type OrgRole int

const (
	// OrgRoleMember is a regular org member.
	OrgRoleMember OrgRole = 0
	// OrgRoleAdmin administers the org.
	OrgRoleAdmin OrgRole = 1
)

// Org is a database object that describes a tenant organization.
type Org struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Domain string    `json:"domain,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// OrgMembership is a single user's membership in an org.
type OrgMembership struct {
	OrgID  uuid.UUID `json:"orgId"`
	UserID uuid.UUID `json:"userId"`
	Role   OrgRole   `json:"role"`

	CreatedAt time.Time `json:"createdAt"`
}
