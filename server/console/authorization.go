// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package console

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

// Action enumerates every access decision the platform makes.
type Action int

const (
	// ActionReadOrg is reading org details and member lists.
	ActionReadOrg Action = 1 + iota
	// ActionReadProject is reading a project and its pages.
	ActionReadProject
	// ActionEditProject is writing content inside a project.
	ActionEditProject
	// ActionDeleteProject is deleting the project itself.
	ActionDeleteProject
	// ActionChangeSharing is changing a project's sharing settings.
	ActionChangeSharing
	// ActionReadPage is reading a page, including its relay stream.
	ActionReadPage
	// ActionWritePage is sending document updates to a page.
	ActionWritePage
	// ActionModifyPage is changing or deleting page metadata.
	ActionModifyPage
	// ActionSharePage is adding or removing editors of a page's project.
	ActionSharePage
	// ActionDownloadPage is reading a page with its access code, without
	// any principal.
	ActionDownloadPage
)

// Target carries the rows an access decision is about. Page actions
// require both Page and its owning Project to be set.
type Target struct {
	Org     *Org
	Project *Project
	Page    *Page

	// AccessCode is the secret presented for ActionDownloadPage.
	AccessCode string
}

// Permissions answers every authorization question in the system. All
// components route access decisions through Can; nothing else consults
// membership tables.
//
// architecture: Service
type Permissions struct {
	db DB
}

// NewPermissions creates a new authorization predicate over db.
func NewPermissions(db DB) *Permissions {
	return &Permissions{db: db}
}

// Can reports whether user may perform action on target.
//
// Rules are additive and evaluated in order; the first match grants and no
// match denies. The decision needs at most two indexed lookups (org
// membership, project editor role) and a creator comparison. Deny results
// must never be cached; grant results only within a single request.
func (perms *Permissions) Can(ctx context.Context, user *User, action Action, target Target) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	if action == ActionDownloadPage {
		if target.Page == nil || target.Page.AccessCode == "" || target.AccessCode == "" {
			return false, nil
		}
		return subtle.ConstantTimeCompare([]byte(target.AccessCode), []byte(target.Page.AccessCode)) == 1, nil
	}

	if user == nil {
		return false, nil
	}

	switch action {
	case ActionReadOrg:
		if target.Org == nil {
			return false, nil
		}
		return perms.isOrgMember(ctx, target.Org.ID, user.ID)

	case ActionReadProject, ActionEditProject, ActionSharePage:
		project := target.Project
		if project == nil {
			return false, nil
		}
		return perms.canAccessProject(ctx, project, user.ID)

	case ActionChangeSharing:
		if target.Project == nil {
			return false, nil
		}
		return perms.canAccessProject(ctx, target.Project, user.ID)

	case ActionDeleteProject:
		return target.Project != nil && target.Project.CreatorID == user.ID, nil

	case ActionReadPage:
		if target.Page == nil || target.Project == nil {
			return false, nil
		}
		return perms.canAccessProject(ctx, target.Project, user.ID)

	case ActionWritePage:
		if target.Page == nil || target.Project == nil {
			return false, nil
		}
		return perms.canWriteProject(ctx, target.Project, user.ID)

	case ActionModifyPage:
		return target.Page != nil && target.Page.CreatorID == user.ID, nil
	}

	return false, nil
}

// canAccessProject is the two-tier access rule: org membership when the
// project shares with the org, or any direct editor role.
func (perms *Permissions) canAccessProject(ctx context.Context, project *Project, userID uuid.UUID) (bool, error) {
	if project.OrgMembersCanAccess {
		member, err := perms.isOrgMember(ctx, project.OrgID, userID)
		if err != nil {
			return false, err
		}
		if member {
			return true, nil
		}
	}
	_, err := perms.db.Projects().GetEditor(ctx, project.ID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, Error.Wrap(err)
	}
	return true, nil
}

// canWriteProject is canAccessProject restricted to write: the editor tier
// requires the editor role, the org tier grants write as-is.
func (perms *Permissions) canWriteProject(ctx context.Context, project *Project, userID uuid.UUID) (bool, error) {
	if project.OrgMembersCanAccess {
		member, err := perms.isOrgMember(ctx, project.OrgID, userID)
		if err != nil {
			return false, err
		}
		if member {
			return true, nil
		}
	}
	editor, err := perms.db.Projects().GetEditor(ctx, project.ID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, Error.Wrap(err)
	}
	return editor.Role == RoleEditor, nil
}

func (perms *Permissions) isOrgMember(ctx context.Context, orgID, userID uuid.UUID) (bool, error) {
	_, err := perms.db.Orgs().GetMember(ctx, orgID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, Error.Wrap(err)
	}
	return true, nil
}
