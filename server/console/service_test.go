// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package console_test

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"inkwell.io/inkwell/private/testrand"
	"inkwell.io/inkwell/server/collab"
	"inkwell.io/inkwell/server/console"
	"inkwell.io/inkwell/server/mail"
	"inkwell.io/inkwell/server/ratelimit"
	"inkwell.io/inkwell/server/serverdb/memdb"
)

// fakeLimiter counts Allow calls and denies after a fixed budget.
type fakeLimiter struct {
	calls int
	deny  bool
}

func (f *fakeLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (ratelimit.Result, error) {
	f.calls++
	return ratelimit.Result{Allowed: !f.deny, Count: int64(f.calls), Limit: limit}, nil
}

func testConfig() console.Config {
	return console.Config{
		AuthTokenSecret:      "test-secret",
		TokenExpiration:      24 * time.Hour,
		ContentSizeLimit:     10 << 20,
		InvitationExpiry:     168 * time.Hour,
		ExternalInviteLimit:  10,
		ExternalInviteWindow: time.Hour,
	}
}

func newTestService(t *testing.T) (*console.Service, *memdb.DB, *fakeLimiter) {
	db := memdb.New()
	log := zaptest.NewLogger(t)
	limiter := &fakeLimiter{}
	mails := mail.NewService(log, mail.NewLogSender(log), mail.Config{})

	service, err := console.NewService(log, db.Console(),
		console.NewPermissions(db.Console()), limiter, mails, testConfig())
	require.NoError(t, err)
	return service, db, limiter
}

func register(t *testing.T, service *console.Service, name string) (*console.User, context.Context) {
	user, err := service.Register(context.Background(), console.CreateUser{
		Email:    testrand.Email(),
		FullName: name,
		Password: "correct horse battery",
	})
	require.NoError(t, err)
	ctx := console.WithAuth(context.Background(), console.Authorization{User: *user})
	return user, ctx
}

func personalProject(t *testing.T, service *console.Service, ctx context.Context) console.Project {
	projects, err := service.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	return projects[0]
}

func TestRegister_SetsUpWorkspace(t *testing.T) {
	service, _, _ := newTestService(t)
	user, ctx := register(t, service, "Alice")

	orgs, err := service.ListUserOrgs(ctx)
	require.NoError(t, err)
	require.Len(t, orgs, 1)
	require.Equal(t, "Alice's Org", orgs[0].Name)

	project := personalProject(t, service, ctx)
	require.Equal(t, "Personal", project.Name)
	require.True(t, project.OrgMembersCanAccess)

	pages, err := service.ListAccessiblePages(ctx)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	require.Equal(t, "Welcome", pages[0].Title)
	require.Equal(t, console.FiletypeMarkdown, pages[0].Details.Filetype)

	// duplicate email is rejected
	_, err = service.Register(context.Background(), console.CreateUser{
		Email:    user.Email,
		FullName: "Impostor",
		Password: "correct horse battery",
	})
	require.True(t, console.ErrEmailUsed.Has(err))
}

func TestToken_Authorize(t *testing.T) {
	service, _, _ := newTestService(t)
	user, _ := register(t, service, "Alice")
	ctx := context.Background()

	token, err := service.Token(ctx, user.Email, "correct horse battery")
	require.NoError(t, err)

	auth, err := service.Authorize(ctx, token)
	require.NoError(t, err)
	require.Equal(t, user.ID, auth.User.ID)

	_, err = service.Token(ctx, user.Email, "wrong password")
	require.True(t, console.ErrLoginCredentials.Has(err))

	_, err = service.Authorize(ctx, token+"tampered")
	require.True(t, console.ErrUnauthorized.Has(err))
}

func TestCreatePage_CopyFrom(t *testing.T) {
	service, _, _ := newTestService(t)
	_, ctx := register(t, service, "Alice")
	project := personalProject(t, service, ctx)

	source, err := service.CreatePage(ctx, console.CreatePageRequest{
		ProjectID: project.ID,
		Title:     "source",
		Details:   console.PageDetails{Content: "seed content", Filetype: console.FiletypeMarkdown},
	})
	require.NoError(t, err)

	copied, err := service.CreatePage(ctx, console.CreatePageRequest{
		ProjectID: project.ID,
		Title:     "copy",
		CopyFrom:  source.ExternalID,
	})
	require.NoError(t, err)
	require.Equal(t, "copy", copied.Title)
	require.Equal(t, "seed content", copied.Details.Content)
	require.NotEqual(t, source.ExternalID, copied.ExternalID)

	// source in another project is treated as not found: blank page
	_, otherCtx := register(t, service, "Bob")
	otherProject := personalProject(t, service, otherCtx)
	foreign, err := service.CreatePage(otherCtx, console.CreatePageRequest{
		ProjectID: otherProject.ID,
		Title:     "foreign copy",
		CopyFrom:  source.ExternalID,
	})
	require.NoError(t, err)
	require.Empty(t, foreign.Details.Content)

	// deleted source is treated as not found: blank page
	require.NoError(t, service.SoftDeletePage(ctx, source.ID))
	blank, err := service.CreatePage(ctx, console.CreatePageRequest{
		ProjectID: project.ID,
		Title:     "late copy",
		CopyFrom:  source.ExternalID,
	})
	require.NoError(t, err)
	require.Empty(t, blank.Details.Content)
}

func TestCreatePage_ContentSizeBoundary(t *testing.T) {
	service, _, _ := newTestService(t)
	_, ctx := register(t, service, "Alice")
	project := personalProject(t, service, ctx)

	exact := strings.Repeat("a", 10<<20)
	_, err := service.CreatePage(ctx, console.CreatePageRequest{
		ProjectID: project.ID,
		Title:     "exactly at the cap",
		Details:   console.PageDetails{Content: exact},
	})
	require.NoError(t, err)

	_, err = service.CreatePage(ctx, console.CreatePageRequest{
		ProjectID: project.ID,
		Title:     "one byte over",
		Details:   console.PageDetails{Content: exact + "b"},
	})
	require.True(t, console.ErrContentTooLarge.Has(err))
}

func TestUpdatePage_Modes(t *testing.T) {
	service, _, _ := newTestService(t)
	_, ctx := register(t, service, "Alice")
	project := personalProject(t, service, ctx)

	page, err := service.CreatePage(ctx, console.CreatePageRequest{
		ProjectID: project.ID,
		Title:     "doc",
		Details:   console.PageDetails{Content: "middle"},
	})
	require.NoError(t, err)

	// default mode is append
	updated, err := service.UpdatePage(ctx, page.ID, console.PageDetails{Content: " end"}, "")
	require.NoError(t, err)
	require.Equal(t, "middle end", updated.Details.Content)

	updated, err = service.UpdatePage(ctx, page.ID, console.PageDetails{Content: "start "}, console.ContentPrepend)
	require.NoError(t, err)
	require.Equal(t, "start middle end", updated.Details.Content)

	updated, err = service.UpdatePage(ctx, page.ID, console.PageDetails{Content: "fresh"}, console.ContentOverwrite)
	require.NoError(t, err)
	require.Equal(t, "fresh", updated.Details.Content)

	// only the creator may update
	_, otherCtx := register(t, service, "Bob")
	_, err = service.UpdatePage(otherCtx, page.ID, console.PageDetails{Content: "x"}, console.ContentAppend)
	require.True(t, console.ErrUnauthorized.Has(err))
}

func TestSoftDeletePage_PurgesRoomState(t *testing.T) {
	service, db, _ := newTestService(t)
	_, ctx := register(t, service, "Alice")
	project := personalProject(t, service, ctx)

	page, err := service.CreatePage(ctx, console.CreatePageRequest{
		ProjectID: project.ID,
		Title:     "doomed",
		Details:   console.PageDetails{Content: "to be purged"},
	})
	require.NoError(t, err)

	roomID := collab.RoomID(page.ExternalID)
	store := db.DocStore()
	for i := 0; i < 3; i++ {
		_, err := store.AppendUpdate(ctx, roomID, testrand.BytesN(16))
		require.NoError(t, err)
	}
	require.NoError(t, store.PutSnapshot(ctx, roomID, testrand.BytesN(64), 3))

	// a non-creator cannot delete
	_, strangerCtx := register(t, service, "Mallory")
	err = service.SoftDeletePage(strangerCtx, page.ID)
	require.True(t, console.ErrUnauthorized.Has(err))

	require.NoError(t, service.SoftDeletePage(ctx, page.ID))

	entries, err := store.ListUpdatesSince(ctx, roomID, 0)
	require.NoError(t, err)
	require.Empty(t, entries)

	_, err = store.GetSnapshot(ctx, roomID)
	require.ErrorIs(t, err, sql.ErrNoRows)

	// deleted pages disappear from listings
	pages, err := service.ListProjectPages(ctx, project.ID)
	require.NoError(t, err)
	for _, p := range pages {
		require.NotEqual(t, page.ID, p.ID)
	}
}

func TestInviteEditor_ExistingUserAddedDirectly(t *testing.T) {
	service, db, limiter := newTestService(t)
	_, aliceCtx := register(t, service, "Alice")
	bob, _ := register(t, service, "Bob")
	project := personalProject(t, service, aliceCtx)

	result, err := service.InviteEditor(aliceCtx, console.InviteProject, project.ID, strings.ToUpper(bob.Email), console.RoleEditor)
	require.NoError(t, err)
	require.True(t, result.AddedDirectly)
	require.Nil(t, result.Invitation)

	editor, err := db.Console().Projects().GetEditor(context.Background(), project.ID, bob.ID)
	require.NoError(t, err)
	require.Equal(t, console.RoleEditor, editor.Role)

	// bob is outside alice's org, so the external invite budget was consumed
	require.Equal(t, 1, limiter.calls)

	// inviting again is idempotent and keeps the original role
	result, err = service.InviteEditor(aliceCtx, console.InviteProject, project.ID, bob.Email, console.RoleViewer)
	require.NoError(t, err)
	require.True(t, result.AddedDirectly)
	editor, err = db.Console().Projects().GetEditor(context.Background(), project.ID, bob.ID)
	require.NoError(t, err)
	require.Equal(t, console.RoleEditor, editor.Role)
}

func TestInviteEditor_PendingInvitation(t *testing.T) {
	service, _, _ := newTestService(t)
	_, aliceCtx := register(t, service, "Alice")
	project := personalProject(t, service, aliceCtx)

	result, err := service.InviteEditor(aliceCtx, console.InviteProject, project.ID, "Newcomer@Example.COM", console.RoleEditor)
	require.NoError(t, err)
	require.False(t, result.AddedDirectly)
	require.NotNil(t, result.Invitation)
	require.Equal(t, "newcomer@example.com", result.Invitation.Email)
	require.NotEmpty(t, result.Invitation.Token)
	require.True(t, result.Invitation.ExpiresAt.After(time.Now().Add(167*time.Hour)))

	// idempotent on email: same pending invitation returned
	again, err := service.InviteEditor(aliceCtx, console.InviteProject, project.ID, "newcomer@example.com", console.RoleEditor)
	require.NoError(t, err)
	require.Equal(t, result.Invitation.ID, again.Invitation.ID)
	require.Equal(t, result.Invitation.Token, again.Invitation.Token)
}

func TestInviteEditor_BudgetExhausted(t *testing.T) {
	service, _, limiter := newTestService(t)
	_, aliceCtx := register(t, service, "Alice")
	project := personalProject(t, service, aliceCtx)

	limiter.deny = true
	_, err := service.InviteEditor(aliceCtx, console.InviteProject, project.ID, "spam@example.com", console.RoleViewer)
	require.True(t, console.ErrRateLimited.Has(err))
}

func TestAcceptInvitation(t *testing.T) {
	service, db, _ := newTestService(t)
	_, aliceCtx := register(t, service, "Alice")
	project := personalProject(t, service, aliceCtx)

	carol, carolCtx := register(t, service, "Carol")
	dave, _ := register(t, service, "Dave")

	result, err := service.InviteEditor(aliceCtx, console.InviteProject, project.ID, dave.Email, console.RoleEditor)
	require.NoError(t, err)
	require.True(t, result.AddedDirectly)

	// pending invitation for an address that is not carol's
	pending, err := service.InviteEditor(aliceCtx, console.InviteProject, project.ID, "someone.else@example.com", console.RoleEditor)
	require.NoError(t, err)
	token := pending.Invitation.Token

	// wrong user: email mismatch, nothing changes
	_, err = service.AcceptInvitation(carolCtx, token)
	require.True(t, console.ErrEmailMismatch.Has(err))
	stored, err := db.Console().Invitations().GetByToken(context.Background(), token)
	require.NoError(t, err)
	require.False(t, stored.Accepted)
	_, err = db.Console().Projects().GetEditor(context.Background(), project.ID, carol.ID)
	require.ErrorIs(t, err, sql.ErrNoRows)

	// invite carol properly and accept
	invited, err := service.InviteEditor(aliceCtx, console.InviteProject, project.ID, carol.Email, console.RoleViewer)
	require.NoError(t, err)
	require.True(t, invited.AddedDirectly) // carol already has an account

	// a newcomer accepting their own invitation works and is idempotent
	erin, err := service.Register(context.Background(), console.CreateUser{
		Email:    "someone.else@example.com",
		FullName: "Erin",
		Password: "correct horse battery",
	})
	require.NoError(t, err)
	erinCtx := console.WithAuth(context.Background(), console.Authorization{User: *erin})

	accepted, err := service.AcceptInvitation(erinCtx, token)
	require.NoError(t, err)
	require.True(t, accepted.Accepted)

	again, err := service.AcceptInvitation(erinCtx, token)
	require.NoError(t, err)
	require.Equal(t, accepted.ID, again.ID)

	editor, err := db.Console().Projects().GetEditor(context.Background(), project.ID, erin.ID)
	require.NoError(t, err)
	require.Equal(t, console.RoleEditor, editor.Role)
}

func TestAcceptInvitation_ExpiryBoundary(t *testing.T) {
	now := time.Now()
	invite := console.Invitation{ExpiresAt: now}
	// expiring exactly now is not valid, strictly-future expiry is
	require.False(t, invite.Valid(now))
	invite.ExpiresAt = now.Add(time.Nanosecond)
	require.True(t, invite.Valid(now))

	invite.Accepted = true
	require.False(t, invite.Valid(now))
}

func TestAcceptInvitation_Unknown(t *testing.T) {
	service, _, _ := newTestService(t)
	_, ctx := register(t, service, "Alice")

	_, err := service.AcceptInvitation(ctx, "no-such-token")
	require.True(t, console.ErrInvalidInvitation.Has(err))
}
