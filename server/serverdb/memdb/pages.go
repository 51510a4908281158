// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package memdb

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/google/uuid"

	"inkwell.io/inkwell/server/collab"
	"inkwell.io/inkwell/server/console"
)

type pagesRepo DB

func (repo *pagesRepo) Insert(ctx context.Context, page *console.Page) (*console.Page, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	stored := repo.storeLocked(page)
	return &stored, nil
}

func (repo *pagesRepo) InsertBatch(ctx context.Context, pages []*console.Page) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	for _, page := range pages {
		repo.storeLocked(page)
	}
	return nil
}

func (repo *pagesRepo) storeLocked(page *console.Page) console.Page {
	stored := *page
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now()
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	repo.pages[stored.ID] = stored
	repo.pageSeq[stored.ID] = (*DB)(repo).nextSeq()
	return stored
}

func (repo *pagesRepo) Get(ctx context.Context, id uuid.UUID) (*console.Page, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	page, ok := repo.pages[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	out := page
	return &out, nil
}

func (repo *pagesRepo) GetByExternalID(ctx context.Context, externalID string) (*console.Page, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	for _, page := range repo.pages {
		if page.ExternalID == externalID {
			out := page
			return &out, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (repo *pagesRepo) ListByProject(ctx context.Context, projectID uuid.UUID) ([]console.Page, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	var pages []console.Page
	for _, page := range repo.pages {
		if page.ProjectID == projectID && !page.IsDeleted {
			pages = append(pages, page)
		}
	}
	repo.sortLocked(pages)
	return pages, nil
}

func (repo *pagesRepo) ListAccessible(ctx context.Context, userID uuid.UUID) ([]console.Page, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	return repo.listWhereLocked(userID, (*DB)(repo).canAccessLocked), nil
}

func (repo *pagesRepo) ListAccessibleIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	pages := repo.listWhereLocked(userID, (*DB)(repo).canAccessLocked)
	ids := make([]uuid.UUID, 0, len(pages))
	for _, page := range pages {
		ids = append(ids, page.ID)
	}
	return ids, nil
}

func (repo *pagesRepo) ListAccessibleByExternalIDs(ctx context.Context, userID uuid.UUID, externalIDs []string) ([]console.Page, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	byExternal := map[string]console.Page{}
	for _, page := range repo.listWhereLocked(userID, (*DB)(repo).canAccessLocked) {
		byExternal[page.ExternalID] = page
	}

	var pages []console.Page
	for _, externalID := range externalIDs {
		if page, ok := byExternal[externalID]; ok {
			pages = append(pages, page)
		}
	}
	return pages, nil
}

func (repo *pagesRepo) ListEditable(ctx context.Context, userID uuid.UUID) ([]console.Page, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	return repo.listWhereLocked(userID, (*DB)(repo).canEditLocked), nil
}

func (repo *pagesRepo) listWhereLocked(userID uuid.UUID, granted func(console.Project, uuid.UUID) bool) []console.Page {
	var pages []console.Page
	for _, page := range repo.pages {
		if page.IsDeleted {
			continue
		}
		project, ok := repo.projects[page.ProjectID]
		if !ok || project.IsDeleted {
			continue
		}
		if granted(project, userID) {
			pages = append(pages, page)
		}
	}
	repo.sortLocked(pages)
	return pages
}

func (repo *pagesRepo) sortLocked(pages []console.Page) {
	sort.Slice(pages, func(i, k int) bool {
		return repo.pageSeq[pages[i].ID] < repo.pageSeq[pages[k].ID]
	})
}

func (repo *pagesRepo) UpdateDetails(ctx context.Context, id uuid.UUID, details console.PageDetails) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	page, ok := repo.pages[id]
	if !ok {
		return sql.ErrNoRows
	}
	page.Details = details
	page.UpdatedAt = now()
	repo.pages[id] = page
	return nil
}

func (repo *pagesRepo) UpdateTitle(ctx context.Context, id uuid.UUID, title string) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	page, ok := repo.pages[id]
	if !ok {
		return sql.ErrNoRows
	}
	page.Title = title
	page.UpdatedAt = now()
	repo.pages[id] = page
	return nil
}

func (repo *pagesRepo) Delete(ctx context.Context, id uuid.UUID) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	page, ok := repo.pages[id]
	if !ok {
		return sql.ErrNoRows
	}
	page.IsDeleted = true
	repo.pages[id] = page

	roomID := collab.RoomID(page.ExternalID)
	kept := repo.updates[:0]
	for _, entry := range repo.updates {
		if entry.RoomID != roomID {
			kept = append(kept, entry)
		}
	}
	repo.updates = kept
	delete(repo.snapshots, roomID)
	return nil
}

type invitationsRepo DB

func (repo *invitationsRepo) Upsert(ctx context.Context, invite *console.Invitation) (*console.Invitation, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	for _, existing := range repo.invitations {
		if existing.Kind == invite.Kind && existing.TargetID == invite.TargetID &&
			existing.Email == invite.Email && !existing.Accepted {
			out := existing
			return &out, nil
		}
	}

	stored := *invite
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now()
	}
	repo.invitations[stored.ID] = stored
	out := stored
	return &out, nil
}

func (repo *invitationsRepo) Get(ctx context.Context, kind console.InviteKind, targetID uuid.UUID, email string) (*console.Invitation, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	for _, invite := range repo.invitations {
		if invite.Kind == kind && invite.TargetID == targetID && invite.Email == email && !invite.Accepted {
			out := invite
			return &out, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (repo *invitationsRepo) GetByToken(ctx context.Context, token string) (*console.Invitation, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	for _, invite := range repo.invitations {
		if invite.Token == token {
			out := invite
			return &out, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (repo *invitationsRepo) Accept(ctx context.Context, id uuid.UUID, acceptorID uuid.UUID) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	invite, ok := repo.invitations[id]
	if !ok {
		return sql.ErrNoRows
	}
	if invite.Accepted {
		return nil
	}
	invite.Accepted = true
	invite.AcceptorID = &acceptorID
	repo.invitations[id] = invite
	return nil
}

func (repo *invitationsRepo) DeleteExpiredBefore(ctx context.Context, before time.Time) (int64, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	var deleted int64
	for id, invite := range repo.invitations {
		if !invite.Accepted && invite.ExpiresAt.Before(before) {
			delete(repo.invitations, id)
			deleted++
		}
	}
	return deleted, nil
}
