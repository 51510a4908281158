// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package serverdb

import (
	"context"
	"time"

	"github.com/google/uuid"

	"inkwell.io/inkwell/server/console"
)

// ensures that projects implements console.Projects.
var _ console.Projects = (*projects)(nil)

// projects implements the console.Projects repository.
type projects struct {
	db *consoleDB
}

type projectRow struct {
	ID                  uuid.UUID `db:"id"`
	ExternalID          string    `db:"external_id"`
	OrgID               uuid.UUID `db:"org_id"`
	CreatorID           uuid.UUID `db:"creator_id"`
	Name                string    `db:"name"`
	OrgMembersCanAccess bool      `db:"org_members_can_access"`
	IsDeleted           bool      `db:"is_deleted"`
	CreatedAt           time.Time `db:"created_at"`
}

func (row *projectRow) toProject() *console.Project {
	return &console.Project{
		ID:                  row.ID,
		ExternalID:          row.ExternalID,
		OrgID:               row.OrgID,
		CreatorID:           row.CreatorID,
		Name:                row.Name,
		OrgMembersCanAccess: row.OrgMembersCanAccess,
		IsDeleted:           row.IsDeleted,
		CreatedAt:           row.CreatedAt,
	}
}

type editorRow struct {
	ProjectID uuid.UUID `db:"project_id"`
	UserID    uuid.UUID `db:"user_id"`
	Role      int       `db:"role"`
	CreatedAt time.Time `db:"created_at"`
}

func (row *editorRow) toMembership() *console.ProjectMembership {
	return &console.ProjectMembership{
		ProjectID: row.ProjectID,
		UserID:    row.UserID,
		Role:      console.ProjectRole(row.Role),
		CreatedAt: row.CreatedAt,
	}
}

const projectColumns = `id, external_id, org_id, creator_id, name, org_members_can_access, is_deleted, created_at`

// accessibleProjectCond selects projects the user given as $1 can access:
// the org tier requires membership plus the sharing flag, the editor tier
// requires a direct editor row of any role.
const accessibleProjectCond = `(
		(p.org_members_can_access AND EXISTS (
			SELECT 1 FROM org_members om
			WHERE om.org_id = p.org_id AND om.user_id = $1
		))
		OR EXISTS (
			SELECT 1 FROM project_editors pe
			WHERE pe.project_id = p.id AND pe.user_id = $1
		)
	)`

// Insert is a method for inserting a project into the database.
func (projects *projects) Insert(ctx context.Context, project *console.Project) (_ *console.Project, err error) {
	defer mon.Task()(&ctx)(&err)

	var row projectRow
	err = projects.db.q.GetContext(ctx, &row, `
		INSERT INTO projects (id, external_id, org_id, creator_id, name, org_members_can_access)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+projectColumns,
		project.ID, project.ExternalID, project.OrgID, project.CreatorID,
		project.Name, project.OrgMembersCanAccess,
	)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return row.toProject(), nil
}

// Get is a method for querying a project from the database by id.
func (projects *projects) Get(ctx context.Context, id uuid.UUID) (_ *console.Project, err error) {
	defer mon.Task()(&ctx)(&err)

	var row projectRow
	err = projects.db.q.GetContext(ctx, &row, `
		SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	if err != nil {
		return nil, wrapRowErr(err)
	}
	return row.toProject(), nil
}

// GetByExternalID is a method for querying a project by external id.
func (projects *projects) GetByExternalID(ctx context.Context, externalID string) (_ *console.Project, err error) {
	defer mon.Task()(&ctx)(&err)

	var row projectRow
	err = projects.db.q.GetContext(ctx, &row, `
		SELECT `+projectColumns+` FROM projects WHERE external_id = $1`, externalID)
	if err != nil {
		return nil, wrapRowErr(err)
	}
	return row.toProject(), nil
}

// ListAccessible returns non-deleted projects the user can access through
// either tier.
func (projects *projects) ListAccessible(ctx context.Context, userID uuid.UUID) (_ []console.Project, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []projectRow
	err = projects.db.q.SelectContext(ctx, &rows, `
		SELECT p.id, p.external_id, p.org_id, p.creator_id, p.name,
			p.org_members_can_access, p.is_deleted, p.created_at
		FROM projects p
		WHERE NOT p.is_deleted AND `+accessibleProjectCond+`
		ORDER BY p.created_at, p.id`, userID)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	list := make([]console.Project, 0, len(rows))
	for i := range rows {
		list = append(list, *rows[i].toProject())
	}
	return list, nil
}

// UpdateSharing sets the org_members_can_access flag.
func (projects *projects) UpdateSharing(ctx context.Context, id uuid.UUID, orgMembersCanAccess bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = projects.db.q.ExecContext(ctx, `
		UPDATE projects SET org_members_can_access = $2 WHERE id = $1`,
		id, orgMembersCanAccess)
	return Error.Wrap(err)
}

// MarkDeleted soft-deletes the project row.
func (projects *projects) MarkDeleted(ctx context.Context, id uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = projects.db.q.ExecContext(ctx, `
		UPDATE projects SET is_deleted = true WHERE id = $1`, id)
	return Error.Wrap(err)
}

// AddEditor adds an editor row with the role, idempotent on (project, user);
// an existing row keeps its original role.
func (projects *projects) AddEditor(ctx context.Context, editor *console.ProjectMembership) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = projects.db.q.ExecContext(ctx, `
		INSERT INTO project_editors (project_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, user_id) DO NOTHING`,
		editor.ProjectID, editor.UserID, int(editor.Role),
	)
	return Error.Wrap(err)
}

// GetEditor returns the editor row of user in project, or sql.ErrNoRows.
func (projects *projects) GetEditor(ctx context.Context, projectID, userID uuid.UUID) (_ *console.ProjectMembership, err error) {
	defer mon.Task()(&ctx)(&err)

	var row editorRow
	err = projects.db.q.GetContext(ctx, &row, `
		SELECT project_id, user_id, role, created_at
		FROM project_editors WHERE project_id = $1 AND user_id = $2`,
		projectID, userID)
	if err != nil {
		return nil, wrapRowErr(err)
	}
	return row.toMembership(), nil
}

// UpdateEditorRole changes the role of an existing editor.
func (projects *projects) UpdateEditorRole(ctx context.Context, projectID, userID uuid.UUID, role console.ProjectRole) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = projects.db.q.ExecContext(ctx, `
		UPDATE project_editors SET role = $3
		WHERE project_id = $1 AND user_id = $2`,
		projectID, userID, int(role))
	return Error.Wrap(err)
}

// RemoveEditor removes the editor row, idempotent.
func (projects *projects) RemoveEditor(ctx context.Context, projectID, userID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = projects.db.q.ExecContext(ctx, `
		DELETE FROM project_editors WHERE project_id = $1 AND user_id = $2`,
		projectID, userID)
	return Error.Wrap(err)
}

// ListEditors returns all editor rows of the project.
func (projects *projects) ListEditors(ctx context.Context, projectID uuid.UUID) (_ []console.ProjectMembership, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []editorRow
	err = projects.db.q.SelectContext(ctx, &rows, `
		SELECT project_id, user_id, role, created_at
		FROM project_editors WHERE project_id = $1
		ORDER BY created_at, user_id`, projectID)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	list := make([]console.ProjectMembership, 0, len(rows))
	for i := range rows {
		list = append(list, *rows[i].toMembership())
	}
	return list, nil
}
