// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

// Package console implements the Page/Project/Org model and the
// authorization predicate governing every access to it.
package console

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"inkwell.io/inkwell/server/console/consoleauth"
	mailservice "inkwell.io/inkwell/server/mail"
	"inkwell.io/inkwell/server/ratelimit"
)

var mon = monkit.Package()

var (
	// Error describes internal console errors.
	Error = errs.Class("console service")

	// ErrUnauthorized is error class for authentication and authorization failures.
	ErrUnauthorized = errs.Class("unauthorized")
	// ErrNotFound occurs when a requested entity does not exist or is deleted.
	ErrNotFound = errs.Class("not found")
	// ErrValidation occurs on malformed input.
	ErrValidation = errs.Class("validation")
	// ErrEmailUsed occurs when registering an already registered email.
	ErrEmailUsed = errs.Class("email used")
	// ErrLoginCredentials occurs on wrong email or password.
	ErrLoginCredentials = errs.Class("login credentials")
	// ErrContentTooLarge occurs when page content exceeds the configured cap.
	ErrContentTooLarge = errs.Class("content too large")
	// ErrInvalidInvitation occurs on unknown, accepted or expired invitations.
	ErrInvalidInvitation = errs.Class("invalid invitation")
	// ErrEmailMismatch occurs when an invitation is accepted by a user whose
	// email does not match.
	ErrEmailMismatch = errs.Class("email mismatch")
	// ErrRateLimited occurs when a per-user counter is exhausted.
	ErrRateLimited = errs.Class("rate limited")
)

// ContentMode selects how new content combines with existing page content.
type ContentMode string

const (
	// ContentOverwrite replaces the existing content.
	ContentOverwrite ContentMode = "overwrite"
	// ContentAppend appends after the existing content.
	ContentAppend ContentMode = "append"
	// ContentPrepend prepends before the existing content.
	ContentPrepend ContentMode = "prepend"
)

// Notifier broadcasts access changes into live collaboration rooms.
//
// Implemented by the collab registry; a no-op implementation serves tests.
type Notifier interface {
	// WritePermissionRevoked flips affected connections to read-only.
	WritePermissionRevoked(ctx context.Context, projectID, userID uuid.UUID)
	// AccessRevoked makes affected connections rerun admission.
	AccessRevoked(ctx context.Context, projectID, userID uuid.UUID)
	// PageDeleted force-closes the page's room without compaction.
	PageDeleted(ctx context.Context, pageID uuid.UUID)
}

// Config contains configuration for the console service.
type Config struct {
	AuthTokenSecret string        `help:"secret used for signing session tokens" default:"" hidden:"true"`
	TokenExpiration time.Duration `help:"session token expiration" default:"24h"`

	ContentSizeLimit int64 `help:"maximum page content size in UTF-8 bytes" default:"10485760"`

	InvitationExpiry     time.Duration `help:"how long editor invitations stay valid" default:"168h"`
	ExternalInviteLimit  int           `help:"external invitations allowed per user per window" default:"10"`
	ExternalInviteWindow time.Duration `help:"window for the external invitation counter" default:"1h"`
	CleanupInterval      time.Duration `help:"how often expired invitations are purged" default:"1h"`

	AdminEmail      string `help:"address receiving operational alerts" default:""`
	ExternalAddress string `help:"public base url used in emails" default:"http://localhost:8080"`
}

// Service is handling accounts, orgs, projects and pages related logic.
//
// architecture: Service
type Service struct {
	log    *zap.Logger
	db     DB
	perms  *Permissions
	signer consoleauth.Hmac

	limiter ratelimit.Limiter
	mails   *mailservice.Service

	notifier Notifier

	config Config
}

// NewService returns new instance of Service.
func NewService(log *zap.Logger, db DB, perms *Permissions, limiter ratelimit.Limiter, mails *mailservice.Service, config Config) (*Service, error) {
	if log == nil {
		return nil, errs.New("log can't be nil")
	}
	if db == nil {
		return nil, errs.New("db can't be nil")
	}
	if config.AuthTokenSecret == "" {
		return nil, errs.New("auth token secret is not configured")
	}

	return &Service{
		log:     log,
		db:      db,
		perms:   perms,
		signer:  consoleauth.Hmac{Secret: []byte(config.AuthTokenSecret)},
		limiter: limiter,
		mails:   mails,
		config:  config,
	}, nil
}

// SetNotifier installs the room notifier. Construction order requires late
// binding: the relay registry consults this service for admission.
func (s *Service) SetNotifier(notifier Notifier) {
	s.notifier = notifier
}

// Permissions exposes the authorization predicate.
func (s *Service) Permissions() *Permissions {
	return s.perms
}

// ContentSizeLimit reports the configured page content cap in bytes.
func (s *Service) ContentSizeLimit() int64 {
	return s.config.ContentSizeLimit
}

// TokenExpiration reports how long issued session tokens stay valid.
func (s *Service) TokenExpiration() time.Duration {
	return s.config.TokenExpiration
}

//
// accounts
//

// Register creates a new user account and sets up its personal workspace.
func (s *Service) Register(ctx context.Context, req CreateUser) (u *User, err error) {
	defer mon.Task()(&ctx)(&err)

	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, ErrValidation.Wrap(err)
	}
	if len(req.Password) < 8 {
		return nil, ErrValidation.New("password must be at least 8 characters")
	}

	if _, err := s.db.Users().GetByEmail(ctx, email); err == nil {
		return nil, ErrEmailUsed.New("%s is already registered", email)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, Error.Wrap(err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	externalID, err := NewAlnumID(12)
	if err != nil {
		return nil, err
	}

	user, err := s.db.Users().Insert(ctx, &User{
		ID:           uuid.New(),
		ExternalID:   externalID,
		Email:        email,
		FullName:     strings.TrimSpace(req.FullName),
		Status:       UserActive,
		PasswordHash: hash,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	if err := s.SetUpAccount(ctx, user); err != nil {
		return nil, err
	}

	s.log.Info("user registered", zap.String("email", email), zap.Stringer("id", user.ID))
	return user, nil
}

// SetUpAccount creates the personal org, a shared "Personal" project and a
// welcome page for a freshly registered user.
func (s *Service) SetUpAccount(ctx context.Context, user *User) (err error) {
	defer mon.Task()(&ctx)(&err)

	orgName := user.FullName
	if orgName == "" {
		orgName = user.Email[:strings.IndexByte(user.Email, '@')]
	}

	org, err := s.db.Orgs().Insert(ctx, &Org{
		ID:   uuid.New(),
		Name: fmt.Sprintf("%s's Org", orgName),
	})
	if err != nil {
		return Error.Wrap(err)
	}
	err = s.db.Orgs().AddMember(ctx, &OrgMembership{
		OrgID:  org.ID,
		UserID: user.ID,
		Role:   OrgRoleAdmin,
	})
	if err != nil {
		return Error.Wrap(err)
	}

	projectExternalID, err := NewAlnumID(12)
	if err != nil {
		return err
	}
	project, err := s.db.Projects().Insert(ctx, &Project{
		ID:                  uuid.New(),
		ExternalID:          projectExternalID,
		OrgID:               org.ID,
		CreatorID:           user.ID,
		Name:                "Personal",
		OrgMembersCanAccess: true,
	})
	if err != nil {
		return Error.Wrap(err)
	}

	pageExternalID, err := NewPageExternalID()
	if err != nil {
		return err
	}
	_, err = s.db.Pages().Insert(ctx, &Page{
		ID:         uuid.New(),
		ExternalID: pageExternalID,
		ProjectID:  project.ID,
		CreatorID:  user.ID,
		Title:      "Welcome",
		Details: PageDetails{
			Content:       welcomeContent,
			Filetype:      FiletypeMarkdown,
			SchemaVersion: 1,
		},
	})
	return Error.Wrap(err)
}

const welcomeContent = "# Welcome\n\nThis page is yours. Invite collaborators and start typing; everyone sees edits live.\n"

// Token authenticates a user by credentials and returns a session token.
func (s *Service) Token(ctx context.Context, email, password string) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	email, err = normalizeEmail(email)
	if err != nil {
		return "", ErrLoginCredentials.New("invalid credentials")
	}

	user, err := s.db.Users().GetByEmail(ctx, email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrLoginCredentials.New("invalid credentials")
	}
	if err != nil {
		return "", Error.Wrap(err)
	}

	if err = bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return "", ErrLoginCredentials.New("invalid credentials")
	}

	claims := consoleauth.Claims{
		ID:         user.ID,
		Email:      user.Email,
		Expiration: time.Now().Add(s.config.TokenExpiration),
	}
	payload, err := claims.JSON()
	if err != nil {
		return "", Error.Wrap(err)
	}

	token := consoleauth.Token{Payload: payload}
	if err := s.signer.SignToken(&token); err != nil {
		return "", Error.Wrap(err)
	}
	return token.String(), nil
}

// Authorize validates a session token and returns the request Authorization.
func (s *Service) Authorize(ctx context.Context, tokenString string) (_ Authorization, err error) {
	defer mon.Task()(&ctx)(&err)

	token, err := consoleauth.FromBase64URLString(tokenString)
	if err != nil {
		return Authorization{}, ErrUnauthorized.Wrap(err)
	}
	ok, err := s.signer.Verify(token)
	if err != nil {
		return Authorization{}, Error.Wrap(err)
	}
	if !ok {
		return Authorization{}, ErrUnauthorized.New("invalid token signature")
	}

	claims, err := consoleauth.FromJSON(token.Payload)
	if err != nil {
		return Authorization{}, ErrUnauthorized.Wrap(err)
	}
	if !claims.Expiration.After(time.Now()) {
		return Authorization{}, ErrUnauthorized.New("token expired")
	}

	user, err := s.db.Users().Get(ctx, claims.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return Authorization{}, ErrUnauthorized.New("unknown user")
	}
	if err != nil {
		return Authorization{}, Error.Wrap(err)
	}
	if user.Status == UserBanned {
		return Authorization{}, ErrUnauthorized.New("account is suspended")
	}

	return Authorization{User: *user}, nil
}

// GetUser returns the user identified by id.
func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (_ *User, err error) {
	defer mon.Task()(&ctx)(&err)

	user, err := s.db.Users().Get(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound.New("user")
	}
	return user, Error.Wrap(err)
}

//
// orgs
//

// GetOrg returns an org, requiring membership.
func (s *Service) GetOrg(ctx context.Context, id uuid.UUID) (_ *Org, err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := GetAuth(ctx)
	if err != nil {
		return nil, err
	}
	org, err := s.db.Orgs().Get(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound.New("org")
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}

	if err := s.require(ctx, &auth.User, ActionReadOrg, Target{Org: org}); err != nil {
		return nil, err
	}
	return org, nil
}

// ListUserOrgs returns the orgs the authorized user belongs to.
func (s *Service) ListUserOrgs(ctx context.Context) (_ []Org, err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := GetAuth(ctx)
	if err != nil {
		return nil, err
	}
	orgs, err := s.db.Orgs().ListByUser(ctx, auth.User.ID)
	return orgs, Error.Wrap(err)
}

//
// projects
//

// CreateProject creates a project inside an org the user belongs to.
func (s *Service) CreateProject(ctx context.Context, orgID uuid.UUID, name string, orgMembersCanAccess bool) (_ *Project, err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := GetAuth(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, ErrValidation.New("project name is required")
	}

	org, err := s.db.Orgs().Get(ctx, orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound.New("org")
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := s.require(ctx, &auth.User, ActionReadOrg, Target{Org: org}); err != nil {
		return nil, err
	}

	externalID, err := NewAlnumID(12)
	if err != nil {
		return nil, err
	}
	project, err := s.db.Projects().Insert(ctx, &Project{
		ID:                  uuid.New(),
		ExternalID:          externalID,
		OrgID:               org.ID,
		CreatorID:           auth.User.ID,
		Name:                strings.TrimSpace(name),
		OrgMembersCanAccess: orgMembersCanAccess,
	})
	return project, Error.Wrap(err)
}

// GetProject returns a project by external id, requiring read access.
func (s *Service) GetProject(ctx context.Context, externalID string) (_ *Project, err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := GetAuth(ctx)
	if err != nil {
		return nil, err
	}
	project, err := s.resolveProjectByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if err := s.require(ctx, &auth.User, ActionReadProject, Target{Project: project}); err != nil {
		return nil, err
	}
	return project, nil
}

// ListProjects returns the projects accessible to the authorized user.
func (s *Service) ListProjects(ctx context.Context) (_ []Project, err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := GetAuth(ctx)
	if err != nil {
		return nil, err
	}
	projects, err := s.db.Projects().ListAccessible(ctx, auth.User.ID)
	return projects, Error.Wrap(err)
}

// UpdateProjectSharing flips org_members_can_access.
func (s *Service) UpdateProjectSharing(ctx context.Context, projectID uuid.UUID, orgMembersCanAccess bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := GetAuth(ctx)
	if err != nil {
		return err
	}
	project, err := s.resolveProject(ctx, projectID)
	if err != nil {
		return err
	}
	if err := s.require(ctx, &auth.User, ActionChangeSharing, Target{Project: project}); err != nil {
		return err
	}
	return Error.Wrap(s.db.Projects().UpdateSharing(ctx, project.ID, orgMembersCanAccess))
}

// DeleteProject soft-deletes a project and every page in it, purging the
// pages' relay state. Only the creator may delete.
func (s *Service) DeleteProject(ctx context.Context, projectID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := GetAuth(ctx)
	if err != nil {
		return err
	}
	project, err := s.resolveProject(ctx, projectID)
	if err != nil {
		return err
	}
	if err := s.require(ctx, &auth.User, ActionDeleteProject, Target{Project: project}); err != nil {
		return err
	}

	pages, err := s.db.Pages().ListByProject(ctx, project.ID)
	if err != nil {
		return Error.Wrap(err)
	}
	for _, page := range pages {
		if err := s.db.Pages().Delete(ctx, page.ID); err != nil {
			return Error.Wrap(err)
		}
		s.notifyPageDeleted(ctx, page.ID)
	}

	return Error.Wrap(s.db.Projects().MarkDeleted(ctx, project.ID))
}

// AddEditor grants a user a direct role on the project.
func (s *Service) AddEditor(ctx context.Context, projectID, userID uuid.UUID, role ProjectRole) (err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := GetAuth(ctx)
	if err != nil {
		return err
	}
	project, err := s.resolveProject(ctx, projectID)
	if err != nil {
		return err
	}
	if err := s.require(ctx, &auth.User, ActionSharePage, Target{Project: project}); err != nil {
		return err
	}

	return Error.Wrap(s.db.Projects().AddEditor(ctx, &ProjectMembership{
		ProjectID: project.ID,
		UserID:    userID,
		Role:      role,
	}))
}

// ListEditors returns the project's direct editor roles.
func (s *Service) ListEditors(ctx context.Context, projectID uuid.UUID) (_ []ProjectMembership, err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := GetAuth(ctx)
	if err != nil {
		return nil, err
	}
	project, err := s.resolveProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.require(ctx, &auth.User, ActionReadProject, Target{Project: project}); err != nil {
		return nil, err
	}

	editors, err := s.db.Projects().ListEditors(ctx, project.ID)
	return editors, Error.Wrap(err)
}

// UpdateEditorRole changes a direct editor's role. Downgrading to viewer
// broadcasts write_permission_revoked into the project's live rooms.
func (s *Service) UpdateEditorRole(ctx context.Context, projectID, userID uuid.UUID, role ProjectRole) (err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := GetAuth(ctx)
	if err != nil {
		return err
	}
	project, err := s.resolveProject(ctx, projectID)
	if err != nil {
		return err
	}
	if err := s.require(ctx, &auth.User, ActionChangeSharing, Target{Project: project}); err != nil {
		return err
	}

	if err := s.db.Projects().UpdateEditorRole(ctx, project.ID, userID, role); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound.New("editor")
		}
		return Error.Wrap(err)
	}

	if role == RoleViewer && s.notifier != nil {
		s.notifier.WritePermissionRevoked(ctx, project.ID, userID)
	}
	return nil
}

// RemoveEditor removes a direct editor and broadcasts access_revoked into
// the project's live rooms.
func (s *Service) RemoveEditor(ctx context.Context, projectID, userID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := GetAuth(ctx)
	if err != nil {
		return err
	}
	project, err := s.resolveProject(ctx, projectID)
	if err != nil {
		return err
	}
	if err := s.require(ctx, &auth.User, ActionChangeSharing, Target{Project: project}); err != nil {
		return err
	}

	if err := s.db.Projects().RemoveEditor(ctx, project.ID, userID); err != nil {
		return Error.Wrap(err)
	}
	if s.notifier != nil {
		s.notifier.AccessRevoked(ctx, project.ID, userID)
	}
	return nil
}

//
// pages
//

// CreatePageRequest is the input of CreatePage.
type CreatePageRequest struct {
	ProjectID uuid.UUID   `json:"projectId"`
	Title     string      `json:"title"`
	Details   PageDetails `json:"details"`

	// CopyFrom optionally names a source page, by external id, whose
	// content seeds the new page. The source must live in the same project;
	// anything else silently produces a blank page.
	CopyFrom string `json:"copyFrom,omitempty"`
}

// CreatePage creates a page in a project the user can edit.
func (s *Service) CreatePage(ctx context.Context, req CreatePageRequest) (_ *Page, err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := GetAuth(ctx)
	if err != nil {
		return nil, err
	}
	project, err := s.resolveProject(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if err := s.require(ctx, &auth.User, ActionEditProject, Target{Project: project}); err != nil {
		return nil, err
	}

	details := req.Details
	if details.Filetype == "" {
		details.Filetype = FiletypeMarkdown
	}
	if req.CopyFrom != "" {
		source, err := s.db.Pages().GetByExternalID(ctx, req.CopyFrom)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// unknown source: start blank
		case err != nil:
			return nil, Error.Wrap(err)
		case source.ProjectID == project.ID && !source.IsDeleted:
			details = source.Details
		}
	}
	if err := s.checkContentSize(details.Content); err != nil {
		return nil, err
	}

	externalID, err := NewPageExternalID()
	if err != nil {
		return nil, err
	}
	page, err := s.db.Pages().Insert(ctx, &Page{
		ID:         uuid.New(),
		ExternalID: externalID,
		ProjectID:  project.ID,
		CreatorID:  auth.User.ID,
		Title:      req.Title,
		Details:    details,
	})
	return page, Error.Wrap(err)
}

// GetPage returns a page by external id, requiring read access.
func (s *Service) GetPage(ctx context.Context, externalID string) (_ *Page, err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := GetAuth(ctx)
	if err != nil {
		return nil, err
	}
	page, project, err := s.ResolvePage(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if err := s.require(ctx, &auth.User, ActionReadPage, Target{Page: page, Project: project}); err != nil {
		return nil, err
	}
	return page, nil
}

// GetPageByAccessCode returns a page without a principal, authorised by the
// access code triple.
func (s *Service) GetPageByAccessCode(ctx context.Context, projectExternalID, pageExternalID, accessCode string) (_ *Page, err error) {
	defer mon.Task()(&ctx)(&err)

	page, project, err := s.ResolvePage(ctx, pageExternalID)
	if err != nil {
		return nil, err
	}
	if project.ExternalID != projectExternalID {
		return nil, ErrNotFound.New("page")
	}

	allowed, err := s.perms.Can(ctx, nil, ActionDownloadPage, Target{
		Page:       page,
		Project:    project,
		AccessCode: accessCode,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if !allowed {
		return nil, ErrUnauthorized.New("access denied")
	}
	return page, nil
}

// ListProjectPages returns the non-deleted pages of a project.
func (s *Service) ListProjectPages(ctx context.Context, projectID uuid.UUID) (_ []Page, err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := GetAuth(ctx)
	if err != nil {
		return nil, err
	}
	project, err := s.resolveProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.require(ctx, &auth.User, ActionReadProject, Target{Project: project}); err != nil {
		return nil, err
	}
	pages, err := s.db.Pages().ListByProject(ctx, project.ID)
	return pages, Error.Wrap(err)
}

// ListAccessiblePages returns every page the authorized user can read.
func (s *Service) ListAccessiblePages(ctx context.Context) (_ []Page, err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := GetAuth(ctx)
	if err != nil {
		return nil, err
	}
	pages, err := s.db.Pages().ListAccessible(ctx, auth.User.ID)
	return pages, Error.Wrap(err)
}

// ListAccessiblePagesByExternalIDs filters the given pages down to those the
// user can read, preserving order.
func (s *Service) ListAccessiblePagesByExternalIDs(ctx context.Context, userID uuid.UUID, externalIDs []string) (_ []Page, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(externalIDs) == 0 {
		return nil, nil
	}
	pages, err := s.db.Pages().ListAccessibleByExternalIDs(ctx, userID, externalIDs)
	return pages, Error.Wrap(err)
}

// UpdatePage changes page content; only the creator may call.
func (s *Service) UpdatePage(ctx context.Context, pageID uuid.UUID, details PageDetails, mode ContentMode) (_ *Page, err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := GetAuth(ctx)
	if err != nil {
		return nil, err
	}
	page, err := s.resolvePageByID(ctx, pageID)
	if err != nil {
		return nil, err
	}
	if err := s.require(ctx, &auth.User, ActionModifyPage, Target{Page: page}); err != nil {
		return nil, err
	}

	if mode == "" {
		mode = ContentAppend
	}
	merged := page.Details
	switch mode {
	case ContentOverwrite:
		merged.Content = details.Content
	case ContentAppend:
		merged.Content = page.Details.Content + details.Content
	case ContentPrepend:
		merged.Content = details.Content + page.Details.Content
	default:
		return nil, ErrValidation.New("unknown content mode %q", mode)
	}
	if details.Filetype != "" {
		merged.Filetype = details.Filetype
	}
	if details.SchemaVersion != 0 {
		merged.SchemaVersion = details.SchemaVersion
	}
	if err := s.checkContentSize(merged.Content); err != nil {
		return nil, err
	}

	if err := s.db.Pages().UpdateDetails(ctx, page.ID, merged); err != nil {
		return nil, Error.Wrap(err)
	}
	page.Details = merged
	return page, nil
}

// SoftDeletePage flags the page deleted and purges its update log and
// snapshot in the same transaction. Only the creator may call.
func (s *Service) SoftDeletePage(ctx context.Context, pageID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := GetAuth(ctx)
	if err != nil {
		return err
	}
	page, err := s.resolvePageByID(ctx, pageID)
	if err != nil {
		return err
	}
	if err := s.require(ctx, &auth.User, ActionModifyPage, Target{Page: page}); err != nil {
		return err
	}

	if err := s.db.Pages().Delete(ctx, page.ID); err != nil {
		return Error.Wrap(err)
	}
	s.notifyPageDeleted(ctx, page.ID)
	return nil
}

// PageLinks returns the outgoing and incoming derived links of a page.
func (s *Service) PageLinks(ctx context.Context, pageID uuid.UUID) (outgoing, incoming []PageLink, err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := GetAuth(ctx)
	if err != nil {
		return nil, nil, err
	}
	page, err := s.resolvePageByID(ctx, pageID)
	if err != nil {
		return nil, nil, err
	}
	project, err := s.resolveProject(ctx, page.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.require(ctx, &auth.User, ActionReadPage, Target{Page: page, Project: project}); err != nil {
		return nil, nil, err
	}

	outgoing, err = s.db.PageLinks().ListBySource(ctx, page.ID)
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}
	incoming, err = s.db.PageLinks().ListByTarget(ctx, page.ID)
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}
	return outgoing, incoming, nil
}

//
// invitations
//

// InviteResult reports how an invitation was handled.
type InviteResult struct {
	// AddedDirectly is set when the email belonged to an existing user who
	// was granted the role immediately.
	AddedDirectly bool        `json:"addedDirectly"`
	Invitation    *Invitation `json:"invitation,omitempty"`
}

// InviteEditor invites an email to collaborate on a page or project.
//
// Existing users are added directly and idempotently; unknown emails get a
// pending invitation row, idempotent per (target, email). External invites,
// where the invitee is not a member of the project's org, consume the
// inviter's external-invite budget.
func (s *Service) InviteEditor(ctx context.Context, kind InviteKind, targetID uuid.UUID, email string, role ProjectRole) (_ InviteResult, err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := GetAuth(ctx)
	if err != nil {
		return InviteResult{}, err
	}
	email, err = normalizeEmail(email)
	if err != nil {
		return InviteResult{}, ErrValidation.Wrap(err)
	}

	project, page, err := s.resolveInviteTarget(ctx, kind, targetID)
	if err != nil {
		return InviteResult{}, err
	}
	if err := s.require(ctx, &auth.User, ActionSharePage, Target{Project: project, Page: page}); err != nil {
		return InviteResult{}, err
	}

	invitee, err := s.db.Users().GetByEmail(ctx, email)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return InviteResult{}, Error.Wrap(err)
	}

	external := invitee == nil
	if invitee != nil {
		member, err := s.perms.isOrgMember(ctx, project.OrgID, invitee.ID)
		if err != nil {
			return InviteResult{}, err
		}
		external = !member
	}
	if external {
		if err := s.consumeExternalInviteSlot(ctx, &auth.User); err != nil {
			return InviteResult{}, err
		}
	}

	if invitee != nil {
		err := s.db.Projects().AddEditor(ctx, &ProjectMembership{
			ProjectID: project.ID,
			UserID:    invitee.ID,
			Role:      role,
		})
		if err != nil {
			return InviteResult{}, Error.Wrap(err)
		}
		return InviteResult{AddedDirectly: true}, nil
	}

	token, err := NewSecret(32)
	if err != nil {
		return InviteResult{}, err
	}
	invite, err := s.db.Invitations().Upsert(ctx, &Invitation{
		ID:        uuid.New(),
		Kind:      kind,
		TargetID:  targetID,
		Email:     email,
		Token:     token,
		Role:      role,
		InviterID: auth.User.ID,
		ExpiresAt: time.Now().Add(s.config.InvitationExpiry),
	})
	if err != nil {
		return InviteResult{}, Error.Wrap(err)
	}

	s.sendInvitationMail(ctx, &auth.User, invite)
	return InviteResult{Invitation: invite}, nil
}

// AcceptInvitation redeems an invitation token for the authorized user.
//
// Accepting an already-accepted invitation by the same user is a no-op
// success. An email mismatch fails without any mutation.
func (s *Service) AcceptInvitation(ctx context.Context, token string) (_ *Invitation, err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := GetAuth(ctx)
	if err != nil {
		return nil, err
	}

	invite, err := s.db.Invitations().GetByToken(ctx, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidInvitation.New("unknown invitation")
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}

	if invite.Accepted {
		if invite.AcceptorID != nil && *invite.AcceptorID == auth.User.ID {
			return invite, nil
		}
		return nil, ErrInvalidInvitation.New("already accepted")
	}
	if !invite.Valid(time.Now()) {
		return nil, ErrInvalidInvitation.New("invitation expired")
	}
	if !strings.EqualFold(invite.Email, auth.User.Email) {
		return nil, ErrEmailMismatch.New("invitation addressed to a different email")
	}

	project, _, err := s.resolveInviteTarget(ctx, invite.Kind, invite.TargetID)
	if err != nil {
		return nil, err
	}

	err = s.db.Projects().AddEditor(ctx, &ProjectMembership{
		ProjectID: project.ID,
		UserID:    auth.User.ID,
		Role:      invite.Role,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := s.db.Invitations().Accept(ctx, invite.ID, auth.User.ID); err != nil {
		return nil, Error.Wrap(err)
	}

	invite.Accepted = true
	invite.AcceptorID = &auth.User.ID
	return invite, nil
}

// DeleteExpiredInvitations removes unaccepted invitations that expired
// before now minus the configured expiry horizon. Used by the cleanup chore.
func (s *Service) DeleteExpiredInvitations(ctx context.Context, now time.Time) (deleted int64, err error) {
	defer mon.Task()(&ctx)(&err)
	return s.db.Invitations().DeleteExpiredBefore(ctx, now)
}

//
// resolution helpers
//

// ResolvePage resolves a page and its owning project by the page's external
// id, treating soft-deleted rows as missing. Used by relay admission.
func (s *Service) ResolvePage(ctx context.Context, externalID string) (_ *Page, _ *Project, err error) {
	defer mon.Task()(&ctx)(&err)

	page, err := s.db.Pages().GetByExternalID(ctx, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound.New("page")
	}
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}
	if page.IsDeleted {
		return nil, nil, ErrNotFound.New("page")
	}
	project, err := s.resolveProject(ctx, page.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	return page, project, nil
}

func (s *Service) resolvePageByID(ctx context.Context, id uuid.UUID) (*Page, error) {
	page, err := s.db.Pages().Get(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound.New("page")
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if page.IsDeleted {
		return nil, ErrNotFound.New("page")
	}
	return page, nil
}

func (s *Service) resolveProject(ctx context.Context, id uuid.UUID) (*Project, error) {
	project, err := s.db.Projects().Get(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound.New("project")
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if project.IsDeleted {
		return nil, ErrNotFound.New("project")
	}
	return project, nil
}

func (s *Service) resolveProjectByExternalID(ctx context.Context, externalID string) (*Project, error) {
	project, err := s.db.Projects().GetByExternalID(ctx, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound.New("project")
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if project.IsDeleted {
		return nil, ErrNotFound.New("project")
	}
	return project, nil
}

func (s *Service) resolveInviteTarget(ctx context.Context, kind InviteKind, targetID uuid.UUID) (*Project, *Page, error) {
	switch kind {
	case InviteProject:
		project, err := s.resolveProject(ctx, targetID)
		return project, nil, err
	case InvitePage:
		page, err := s.resolvePageByID(ctx, targetID)
		if err != nil {
			return nil, nil, err
		}
		project, err := s.resolveProject(ctx, page.ProjectID)
		return project, page, err
	}
	return nil, nil, ErrValidation.New("unknown invitation kind %q", kind)
}

func (s *Service) require(ctx context.Context, user *User, action Action, target Target) error {
	allowed, err := s.perms.Can(ctx, user, action, target)
	if err != nil {
		return Error.Wrap(err)
	}
	if !allowed {
		return ErrUnauthorized.New("access denied")
	}
	return nil
}

func (s *Service) checkContentSize(content string) error {
	if int64(len(content)) > s.config.ContentSizeLimit {
		return ErrContentTooLarge.New("content exceeds %d bytes", s.config.ContentSizeLimit)
	}
	return nil
}

func (s *Service) consumeExternalInviteSlot(ctx context.Context, inviter *User) error {
	if s.limiter == nil {
		return nil
	}
	result, err := s.limiter.Allow(ctx,
		ratelimit.InviteUserKey(inviter.ID),
		s.config.ExternalInviteLimit, s.config.ExternalInviteWindow)
	if err != nil {
		return Error.Wrap(err)
	}
	if !result.Allowed {
		s.alertAdmin(ctx, fmt.Sprintf("user %s (%s) exceeded the external invitation budget (%d per %s)",
			inviter.Email, inviter.ID, s.config.ExternalInviteLimit, s.config.ExternalInviteWindow))
		return ErrRateLimited.New("external invitation budget exhausted")
	}
	return nil
}

func (s *Service) alertAdmin(ctx context.Context, message string) {
	s.log.Error("admin alert", zap.String("message", message))
	if s.mails == nil || s.config.AdminEmail == "" {
		return
	}
	s.mails.SendAsync(ctx, &mailservice.Message{
		To:        []string{s.config.AdminEmail},
		Subject:   "[inkwell] operational alert",
		PlainText: message,
	})
}

func (s *Service) sendInvitationMail(ctx context.Context, inviter *User, invite *Invitation) {
	if s.mails == nil {
		return
	}
	link := fmt.Sprintf("%s/invitations/%s/accept", strings.TrimRight(s.config.ExternalAddress, "/"), invite.Token)
	s.mails.SendAsync(ctx, &mailservice.Message{
		To:      []string{invite.Email},
		Subject: fmt.Sprintf("%s invited you to collaborate", inviter.FullName),
		PlainText: fmt.Sprintf("You have been invited to collaborate on inkwell.\n\nAccept the invitation: %s\n\nThe invitation expires %s.\n",
			link, invite.ExpiresAt.Format(time.RFC1123)),
	})
}

func (s *Service) notifyPageDeleted(ctx context.Context, pageID uuid.UUID) {
	if s.notifier != nil {
		s.notifier.PageDeleted(ctx, pageID)
	}
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return "", errs.New("invalid email address")
	}
	return email, nil
}
