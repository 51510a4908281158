// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package console

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Projects exposes methods to manage the projects and project_editors tables.
//
// architecture: Database
type Projects interface {
	// Insert is a method for inserting a project into the database.
	Insert(ctx context.Context, project *Project) (*Project, error)
	// Get is a method for querying a project from the database by id.
	//
	// Soft-deleted projects are returned; callers filter on IsDeleted.
	Get(ctx context.Context, id uuid.UUID) (*Project, error)
	// GetByExternalID is a method for querying a project by external id.
	GetByExternalID(ctx context.Context, externalID string) (*Project, error)
	// ListAccessible returns projects the user can access: projects of orgs
	// the user belongs to with org_members_can_access set, plus projects the
	// user is a direct editor of. Soft-deleted projects are excluded.
	ListAccessible(ctx context.Context, userID uuid.UUID) ([]Project, error)
	// UpdateSharing sets the org_members_can_access flag.
	UpdateSharing(ctx context.Context, id uuid.UUID, orgMembersCanAccess bool) error
	// MarkDeleted soft-deletes the project row.
	MarkDeleted(ctx context.Context, id uuid.UUID) error

	// AddEditor adds an editor row with the role, idempotent on
	// (project, user); an existing row keeps its original role.
	AddEditor(ctx context.Context, editor *ProjectMembership) error
	// GetEditor returns the editor row of user in project, or sql.ErrNoRows.
	GetEditor(ctx context.Context, projectID, userID uuid.UUID) (*ProjectMembership, error)
	// UpdateEditorRole changes the role of an existing editor.
	UpdateEditorRole(ctx context.Context, projectID, userID uuid.UUID, role ProjectRole) error
	// RemoveEditor removes the editor row, idempotent.
	RemoveEditor(ctx context.Context, projectID, userID uuid.UUID) error
	// ListEditors returns all editor rows of the project.
	ListEditors(ctx context.Context, projectID uuid.UUID) ([]ProjectMembership, error)
}

// ProjectRole is an enumeration of direct editor roles on a project.
type ProjectRole int

const (
	// RoleViewer may read but not write.
	RoleViewer ProjectRole = 0
	// RoleEditor may read and write.
	RoleEditor ProjectRole = 1
)

// Project is a database object that describes a collection of pages owned
// by an org.
//
// ExternalID is strictly alphanumeric so file-link grammars can carry it.
type Project struct {
	ID         uuid.UUID `json:"id"`
	ExternalID string    `json:"externalId"`
	OrgID      uuid.UUID `json:"orgId"`
	CreatorID  uuid.UUID `json:"creatorId"`
	Name       string    `json:"name"`

	OrgMembersCanAccess bool `json:"orgMembersCanAccess"`
	IsDeleted           bool `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
}

// ProjectMembership is a single user's direct editor role on a project.
type ProjectMembership struct {
	ProjectID uuid.UUID   `json:"projectId"`
	UserID    uuid.UUID   `json:"userId"`
	Role      ProjectRole `json:"role"`

	CreatedAt time.Time `json:"createdAt"`
}
