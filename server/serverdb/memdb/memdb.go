// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

// Package memdb implements the platform database in process memory.
//
// It backs tests that exercise service behavior without Postgres. Lookups
// honor the same contracts as the SQL implementation: missing rows are
// sql.ErrNoRows, membership inserts are idempotent, page deletion purges
// relay state atomically. WithTx is not isolated; services are expected to
// validate before mutating.
package memdb

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"inkwell.io/inkwell/server/abuse"
	"inkwell.io/inkwell/server/ask"
	"inkwell.io/inkwell/server/collab"
	"inkwell.io/inkwell/server/console"
	"inkwell.io/inkwell/server/embeddings"
	"inkwell.io/inkwell/server/files"
	"inkwell.io/inkwell/server/imports"
)

// DB is an in-memory implementation of the platform database.
type DB struct {
	mu sync.Mutex

	seq int64

	users       map[uuid.UUID]console.User
	orgs        map[uuid.UUID]console.Org
	orgMembers  map[uuid.UUID]map[uuid.UUID]console.OrgMembership
	projects    map[uuid.UUID]console.Project
	editors     map[uuid.UUID]map[uuid.UUID]console.ProjectMembership
	pages       map[uuid.UUID]console.Page
	pageSeq     map[uuid.UUID]int64
	invitations map[uuid.UUID]console.Invitation

	pageLinks []console.PageLink
	fileLinks []console.FileLink
	mentions  []console.Mention

	uploads map[uuid.UUID]files.File
	blobs   []files.Blob

	abuseRecords []abuse.Record
	abuseBans    map[uuid.UUID]abuse.Ban

	importJobs     map[uuid.UUID]imports.Job
	importArchives map[uuid.UUID]imports.Archive
	importedPages  []imports.ImportedPage

	pageEmbeddings map[uuid.UUID]embeddings.PageEmbedding

	askRequests     map[uuid.UUID]ask.Request
	askRequestSeq   map[uuid.UUID]int64
	aiCredentials   map[uuid.UUID]ask.Credential
	aiCredentialSeq map[uuid.UUID]int64

	updateSeq int64
	updates   []collab.UpdateLogEntry
	snapshots map[string]collab.Snapshot
}

// New creates an empty in-memory database.
func New() *DB {
	return &DB{
		users:       map[uuid.UUID]console.User{},
		orgs:        map[uuid.UUID]console.Org{},
		orgMembers:  map[uuid.UUID]map[uuid.UUID]console.OrgMembership{},
		projects:    map[uuid.UUID]console.Project{},
		editors:     map[uuid.UUID]map[uuid.UUID]console.ProjectMembership{},
		pages:       map[uuid.UUID]console.Page{},
		pageSeq:     map[uuid.UUID]int64{},
		invitations: map[uuid.UUID]console.Invitation{},
		uploads:     map[uuid.UUID]files.File{},
		abuseBans:   map[uuid.UUID]abuse.Ban{},

		importJobs:     map[uuid.UUID]imports.Job{},
		importArchives: map[uuid.UUID]imports.Archive{},

		pageEmbeddings: map[uuid.UUID]embeddings.PageEmbedding{},

		askRequests:     map[uuid.UUID]ask.Request{},
		askRequestSeq:   map[uuid.UUID]int64{},
		aiCredentials:   map[uuid.UUID]ask.Credential{},
		aiCredentialSeq: map[uuid.UUID]int64{},

		snapshots: map[string]collab.Snapshot{},
	}
}

// Console returns the console repositories.
func (db *DB) Console() console.DB { return (*consoleDB)(db) }

// DocStore returns the update log and snapshot store.
func (db *DB) DocStore() collab.DocStore { return (*docStore)(db) }

// Files returns the file and blob repositories.
func (db *DB) Files() files.DB { return (*filesDB)(db) }

// Abuse returns the abuse record and ban repositories.
func (db *DB) Abuse() abuse.DB { return (*abuseDB)(db) }

// Imports returns the import job, archive and bookkeeping repositories.
func (db *DB) Imports() imports.DB { return (*importsDB)(db) }

// Embeddings returns the page embedding repository.
func (db *DB) Embeddings() embeddings.DB { return (*embeddingsDB)(db) }

// Ask returns the ask request and AI credential repositories.
func (db *DB) Ask() ask.DB { return (*askDB)(db) }

// MigrateToLatest is a no-op for the in-memory database.
func (db *DB) MigrateToLatest(ctx context.Context) error { return nil }

// Ping is a no-op for the in-memory database.
func (db *DB) Ping(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory database.
func (db *DB) Close() error { return nil }

func (db *DB) nextSeq() int64 {
	db.seq++
	return db.seq
}

func now() time.Time { return time.Now().UTC() }

//
// console
//

type consoleDB DB

func (db *consoleDB) Users() console.Users             { return (*usersRepo)(db) }
func (db *consoleDB) Orgs() console.Orgs               { return (*orgsRepo)(db) }
func (db *consoleDB) Projects() console.Projects       { return (*projectsRepo)(db) }
func (db *consoleDB) Pages() console.Pages             { return (*pagesRepo)(db) }
func (db *consoleDB) Invitations() console.Invitations { return (*invitationsRepo)(db) }
func (db *consoleDB) PageLinks() console.PageLinks     { return (*pageLinksRepo)(db) }
func (db *consoleDB) FileLinks() console.FileLinks     { return (*fileLinksRepo)(db) }
func (db *consoleDB) Mentions() console.Mentions       { return (*mentionsRepo)(db) }

func (db *consoleDB) WithTx(ctx context.Context, fn func(ctx context.Context, tx console.DB) error) error {
	return fn(ctx, db)
}

type usersRepo DB

func (repo *usersRepo) Insert(ctx context.Context, user *console.User) (*console.User, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	stored := *user
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now()
	}
	repo.users[stored.ID] = stored
	out := stored
	return &out, nil
}

func (repo *usersRepo) Get(ctx context.Context, id uuid.UUID) (*console.User, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	user, ok := repo.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	out := user
	return &out, nil
}

func (repo *usersRepo) GetByExternalID(ctx context.Context, externalID string) (*console.User, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	for _, user := range repo.users {
		if user.ExternalID == externalID {
			out := user
			return &out, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (repo *usersRepo) GetByEmail(ctx context.Context, email string) (*console.User, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	for _, user := range repo.users {
		if user.Email == email {
			out := user
			return &out, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (repo *usersRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status console.UserStatus) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	user, ok := repo.users[id]
	if !ok {
		return sql.ErrNoRows
	}
	user.Status = status
	repo.users[id] = user
	return nil
}

type orgsRepo DB

func (repo *orgsRepo) Insert(ctx context.Context, org *console.Org) (*console.Org, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	stored := *org
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now()
	}
	repo.orgs[stored.ID] = stored
	out := stored
	return &out, nil
}

func (repo *orgsRepo) Get(ctx context.Context, id uuid.UUID) (*console.Org, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	org, ok := repo.orgs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	out := org
	return &out, nil
}

func (repo *orgsRepo) GetByDomain(ctx context.Context, domain string) (*console.Org, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	for _, org := range repo.orgs {
		if org.Domain != "" && org.Domain == domain {
			out := org
			return &out, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (repo *orgsRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]console.Org, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	var orgs []console.Org
	for orgID, members := range repo.orgMembers {
		if _, ok := members[userID]; ok {
			if org, ok := repo.orgs[orgID]; ok {
				orgs = append(orgs, org)
			}
		}
	}
	sort.Slice(orgs, func(i, k int) bool { return orgs[i].CreatedAt.Before(orgs[k].CreatedAt) })
	return orgs, nil
}

func (repo *orgsRepo) AddMember(ctx context.Context, member *console.OrgMembership) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	members := repo.orgMembers[member.OrgID]
	if members == nil {
		members = map[uuid.UUID]console.OrgMembership{}
		repo.orgMembers[member.OrgID] = members
	}
	if _, ok := members[member.UserID]; ok {
		return nil
	}
	stored := *member
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now()
	}
	members[member.UserID] = stored
	return nil
}

func (repo *orgsRepo) GetMember(ctx context.Context, orgID, userID uuid.UUID) (*console.OrgMembership, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	member, ok := repo.orgMembers[orgID][userID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	out := member
	return &out, nil
}

func (repo *orgsRepo) ListMembers(ctx context.Context, orgID uuid.UUID) ([]console.OrgMembership, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	var members []console.OrgMembership
	for _, member := range repo.orgMembers[orgID] {
		members = append(members, member)
	}
	sort.Slice(members, func(i, k int) bool {
		return members[i].CreatedAt.Before(members[k].CreatedAt)
	})
	return members, nil
}

type projectsRepo DB

func (repo *projectsRepo) Insert(ctx context.Context, project *console.Project) (*console.Project, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	stored := *project
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now()
	}
	repo.projects[stored.ID] = stored
	out := stored
	return &out, nil
}

func (repo *projectsRepo) Get(ctx context.Context, id uuid.UUID) (*console.Project, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	project, ok := repo.projects[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	out := project
	return &out, nil
}

func (repo *projectsRepo) GetByExternalID(ctx context.Context, externalID string) (*console.Project, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	for _, project := range repo.projects {
		if project.ExternalID == externalID {
			out := project
			return &out, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (repo *projectsRepo) ListAccessible(ctx context.Context, userID uuid.UUID) ([]console.Project, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	var projects []console.Project
	for _, project := range repo.projects {
		if project.IsDeleted {
			continue
		}
		if (*DB)(repo).canAccessLocked(project, userID) {
			projects = append(projects, project)
		}
	}
	sort.Slice(projects, func(i, k int) bool {
		return projects[i].CreatedAt.Before(projects[k].CreatedAt)
	})
	return projects, nil
}

func (repo *projectsRepo) UpdateSharing(ctx context.Context, id uuid.UUID, orgMembersCanAccess bool) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	project, ok := repo.projects[id]
	if !ok {
		return sql.ErrNoRows
	}
	project.OrgMembersCanAccess = orgMembersCanAccess
	repo.projects[id] = project
	return nil
}

func (repo *projectsRepo) MarkDeleted(ctx context.Context, id uuid.UUID) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	project, ok := repo.projects[id]
	if !ok {
		return sql.ErrNoRows
	}
	project.IsDeleted = true
	repo.projects[id] = project
	return nil
}

func (repo *projectsRepo) AddEditor(ctx context.Context, editor *console.ProjectMembership) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	editors := repo.editors[editor.ProjectID]
	if editors == nil {
		editors = map[uuid.UUID]console.ProjectMembership{}
		repo.editors[editor.ProjectID] = editors
	}
	if _, ok := editors[editor.UserID]; ok {
		return nil
	}
	stored := *editor
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now()
	}
	editors[editor.UserID] = stored
	return nil
}

func (repo *projectsRepo) GetEditor(ctx context.Context, projectID, userID uuid.UUID) (*console.ProjectMembership, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	editor, ok := repo.editors[projectID][userID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	out := editor
	return &out, nil
}

func (repo *projectsRepo) UpdateEditorRole(ctx context.Context, projectID, userID uuid.UUID, role console.ProjectRole) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	editor, ok := repo.editors[projectID][userID]
	if !ok {
		return sql.ErrNoRows
	}
	editor.Role = role
	repo.editors[projectID][userID] = editor
	return nil
}

func (repo *projectsRepo) RemoveEditor(ctx context.Context, projectID, userID uuid.UUID) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	delete(repo.editors[projectID], userID)
	return nil
}

func (repo *projectsRepo) ListEditors(ctx context.Context, projectID uuid.UUID) ([]console.ProjectMembership, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	var editors []console.ProjectMembership
	for _, editor := range repo.editors[projectID] {
		editors = append(editors, editor)
	}
	sort.Slice(editors, func(i, k int) bool {
		return editors[i].CreatedAt.Before(editors[k].CreatedAt)
	})
	return editors, nil
}

// canAccessLocked is the two-tier access rule used by listing queries.
func (db *DB) canAccessLocked(project console.Project, userID uuid.UUID) bool {
	if project.OrgMembersCanAccess {
		if _, ok := db.orgMembers[project.OrgID][userID]; ok {
			return true
		}
	}
	_, ok := db.editors[project.ID][userID]
	return ok
}

// canEditLocked restricts canAccessLocked to write access.
func (db *DB) canEditLocked(project console.Project, userID uuid.UUID) bool {
	if project.OrgMembersCanAccess {
		if _, ok := db.orgMembers[project.OrgID][userID]; ok {
			return true
		}
	}
	editor, ok := db.editors[project.ID][userID]
	return ok && editor.Role == console.RoleEditor
}
