// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package console_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"inkwell.io/inkwell/private/testrand"
	"inkwell.io/inkwell/server/console"
	"inkwell.io/inkwell/server/serverdb/memdb"
)

type predicateFixture struct {
	db    *memdb.DB
	perms *console.Permissions

	orgAdmin  console.User
	orgMember console.User
	editor    console.User
	viewer    console.User
	stranger  console.User

	org           console.Org
	sharedProject console.Project
	closedProject console.Project
	sharedPage    console.Page
	closedPage    console.Page
}

func newPredicateFixture(t *testing.T) *predicateFixture {
	ctx := context.Background()
	db := memdb.New()
	fix := &predicateFixture{db: db, perms: console.NewPermissions(db.Console())}

	newUser := func(name string) console.User {
		user := console.User{
			ID:         testrand.UUID(),
			ExternalID: testrand.Hex(12),
			Email:      testrand.Email(),
			FullName:   name,
		}
		_, err := db.Console().Users().Insert(ctx, &user)
		require.NoError(t, err)
		return user
	}

	fix.orgAdmin = newUser("org admin")
	fix.orgMember = newUser("org member")
	fix.editor = newUser("direct editor")
	fix.viewer = newUser("direct viewer")
	fix.stranger = newUser("stranger")

	fix.org = console.Org{ID: testrand.UUID(), Name: "acme"}
	_, err := db.Console().Orgs().Insert(ctx, &fix.org)
	require.NoError(t, err)
	for user, role := range map[*console.User]console.OrgRole{
		&fix.orgAdmin:  console.OrgRoleAdmin,
		&fix.orgMember: console.OrgRoleMember,
	} {
		require.NoError(t, db.Console().Orgs().AddMember(ctx, &console.OrgMembership{
			OrgID: fix.org.ID, UserID: user.ID, Role: role,
		}))
	}

	fix.sharedProject = console.Project{
		ID:                  testrand.UUID(),
		ExternalID:          testrand.Hex(12),
		OrgID:               fix.org.ID,
		CreatorID:           fix.orgAdmin.ID,
		Name:                "shared",
		OrgMembersCanAccess: true,
	}
	fix.closedProject = console.Project{
		ID:         testrand.UUID(),
		ExternalID: testrand.Hex(12),
		OrgID:      fix.org.ID,
		CreatorID:  fix.orgAdmin.ID,
		Name:       "closed",
	}
	for _, project := range []*console.Project{&fix.sharedProject, &fix.closedProject} {
		_, err := db.Console().Projects().Insert(ctx, project)
		require.NoError(t, err)
	}
	for user, role := range map[*console.User]console.ProjectRole{
		&fix.editor: console.RoleEditor,
		&fix.viewer: console.RoleViewer,
	} {
		for _, project := range []*console.Project{&fix.sharedProject, &fix.closedProject} {
			require.NoError(t, db.Console().Projects().AddEditor(ctx, &console.ProjectMembership{
				ProjectID: project.ID, UserID: user.ID, Role: role,
			}))
		}
	}

	fix.sharedPage = console.Page{
		ID:         testrand.UUID(),
		ExternalID: testrand.Hex(10),
		ProjectID:  fix.sharedProject.ID,
		CreatorID:  fix.orgMember.ID,
		Title:      "shared page",
		AccessCode: "sesame-sesame-sesame",
	}
	fix.closedPage = console.Page{
		ID:         testrand.UUID(),
		ExternalID: testrand.Hex(10),
		ProjectID:  fix.closedProject.ID,
		CreatorID:  fix.orgAdmin.ID,
		Title:      "closed page",
	}
	for _, page := range []*console.Page{&fix.sharedPage, &fix.closedPage} {
		_, err := db.Console().Pages().Insert(ctx, page)
		require.NoError(t, err)
	}

	return fix
}

func TestCan(t *testing.T) {
	fix := newPredicateFixture(t)
	ctx := context.Background()

	sharedTarget := console.Target{Project: &fix.sharedProject, Page: &fix.sharedPage}
	closedTarget := console.Target{Project: &fix.closedProject, Page: &fix.closedPage}

	tests := []struct {
		name    string
		user    *console.User
		action  console.Action
		target  console.Target
		allowed bool
	}{
		{"org member reads org", &fix.orgMember, console.ActionReadOrg, console.Target{Org: &fix.org}, true},
		{"stranger reads org", &fix.stranger, console.ActionReadOrg, console.Target{Org: &fix.org}, false},

		{"org member reads shared project", &fix.orgMember, console.ActionReadProject, sharedTarget, true},
		{"org member reads closed project", &fix.orgMember, console.ActionReadProject, closedTarget, false},
		{"viewer reads closed project", &fix.viewer, console.ActionReadProject, closedTarget, true},
		{"stranger reads shared project", &fix.stranger, console.ActionReadProject, sharedTarget, false},

		{"org member writes shared page", &fix.orgMember, console.ActionWritePage, sharedTarget, true},
		{"editor writes closed page", &fix.editor, console.ActionWritePage, closedTarget, true},
		{"viewer reads shared page", &fix.viewer, console.ActionReadPage, sharedTarget, true},
		{"viewer writes shared page", &fix.viewer, console.ActionWritePage, sharedTarget, false},
		{"stranger writes shared page", &fix.stranger, console.ActionWritePage, sharedTarget, false},

		{"creator modifies page", &fix.orgMember, console.ActionModifyPage, sharedTarget, true},
		{"non-creator modifies page", &fix.orgAdmin, console.ActionModifyPage, sharedTarget, false},
		{"editor modifies page", &fix.editor, console.ActionModifyPage, sharedTarget, false},

		{"creator deletes project", &fix.orgAdmin, console.ActionDeleteProject, sharedTarget, true},
		{"org member deletes project", &fix.orgMember, console.ActionDeleteProject, sharedTarget, false},

		{"viewer shares page", &fix.viewer, console.ActionSharePage, sharedTarget, true},
		{"stranger shares page", &fix.stranger, console.ActionSharePage, sharedTarget, false},

		{"editor changes sharing", &fix.editor, console.ActionChangeSharing, sharedTarget, true},
		{"stranger changes sharing", &fix.stranger, console.ActionChangeSharing, sharedTarget, false},

		{"nil user reads page", nil, console.ActionReadPage, sharedTarget, false},
		{"nil user writes page", nil, console.ActionWritePage, sharedTarget, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allowed, err := fix.perms.Can(ctx, tt.user, tt.action, tt.target)
			require.NoError(t, err)
			require.Equal(t, tt.allowed, allowed)
		})
	}
}

func TestCan_Totality(t *testing.T) {
	// no grant for principals outside the org members and project editors,
	// for any action
	fix := newPredicateFixture(t)
	ctx := context.Background()

	actions := []console.Action{
		console.ActionReadOrg,
		console.ActionReadProject,
		console.ActionEditProject,
		console.ActionDeleteProject,
		console.ActionChangeSharing,
		console.ActionReadPage,
		console.ActionWritePage,
		console.ActionModifyPage,
		console.ActionSharePage,
	}
	targets := []console.Target{
		{Org: &fix.org},
		{Project: &fix.sharedProject},
		{Project: &fix.closedProject},
		{Project: &fix.sharedProject, Page: &fix.sharedPage},
		{Project: &fix.closedProject, Page: &fix.closedPage},
	}
	for _, action := range actions {
		for _, target := range targets {
			allowed, err := fix.perms.Can(ctx, &fix.stranger, action, target)
			require.NoError(t, err)
			require.False(t, allowed, "action %v must deny strangers", action)
		}
	}
}

func TestCan_DownloadByAccessCode(t *testing.T) {
	fix := newPredicateFixture(t)
	ctx := context.Background()

	check := func(page *console.Page, code string) bool {
		allowed, err := fix.perms.Can(ctx, nil, console.ActionDownloadPage, console.Target{
			Page:       page,
			Project:    &fix.sharedProject,
			AccessCode: code,
		})
		require.NoError(t, err)
		return allowed
	}

	require.True(t, check(&fix.sharedPage, fix.sharedPage.AccessCode))
	require.False(t, check(&fix.sharedPage, "wrong-code"))
	require.False(t, check(&fix.sharedPage, ""))
	// pages without an access code are never downloadable this way
	require.False(t, check(&fix.closedPage, "anything"))
}
