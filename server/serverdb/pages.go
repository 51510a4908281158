// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package serverdb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"inkwell.io/inkwell/server/collab"
	"inkwell.io/inkwell/server/console"
)

// ensures that pages implements console.Pages.
var _ console.Pages = (*pages)(nil)

// pages implements the console.Pages repository.
type pages struct {
	db *consoleDB
}

type pageRow struct {
	ID         uuid.UUID  `db:"id"`
	ExternalID string     `db:"external_id"`
	ProjectID  uuid.UUID  `db:"project_id"`
	CreatorID  uuid.UUID  `db:"creator_id"`
	Title      string     `db:"title"`
	Details    []byte     `db:"details"`
	ParentID   *uuid.UUID `db:"parent_id"`
	AccessCode string     `db:"access_code"`
	IsDeleted  bool       `db:"is_deleted"`
	CreatedAt  time.Time  `db:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"`
}

func (row *pageRow) toPage() (*console.Page, error) {
	page := &console.Page{
		ID:         row.ID,
		ExternalID: row.ExternalID,
		ProjectID:  row.ProjectID,
		CreatorID:  row.CreatorID,
		Title:      row.Title,
		ParentID:   row.ParentID,
		AccessCode: row.AccessCode,
		IsDeleted:  row.IsDeleted,
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}
	if len(row.Details) > 0 {
		if err := json.Unmarshal(row.Details, &page.Details); err != nil {
			return nil, Error.New("malformed page details: %v", err)
		}
	}
	return page, nil
}

func pagesFromRows(rows []pageRow) ([]console.Page, error) {
	list := make([]console.Page, 0, len(rows))
	for i := range rows {
		page, err := rows[i].toPage()
		if err != nil {
			return nil, err
		}
		list = append(list, *page)
	}
	return list, nil
}

const pageColumns = `id, external_id, project_id, creator_id, title, details, parent_id, access_code, is_deleted, created_at, updated_at`

// accessiblePageCond restricts to non-deleted pages of non-deleted projects
// the user given as $1 can access. Expects pages aliased pg and a join on
// projects p.
const accessiblePageCond = `NOT pg.is_deleted AND NOT p.is_deleted AND ` + accessibleProjectCond

// editablePageCond additionally requires write access: the org tier grants
// it outright, the editor tier only with the editor role.
const editablePageCond = `NOT pg.is_deleted AND NOT p.is_deleted AND (
		(p.org_members_can_access AND EXISTS (
			SELECT 1 FROM org_members om
			WHERE om.org_id = p.org_id AND om.user_id = $1
		))
		OR EXISTS (
			SELECT 1 FROM project_editors pe
			WHERE pe.project_id = p.id AND pe.user_id = $1 AND pe.role = 1
		)
	)`

func insertPage(ctx context.Context, q querier, page *console.Page) (*console.Page, error) {
	details, err := json.Marshal(page.Details)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var row pageRow
	err = q.GetContext(ctx, &row, `
		INSERT INTO pages (id, external_id, project_id, creator_id, title, details, parent_id, access_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+pageColumns,
		page.ID, page.ExternalID, page.ProjectID, page.CreatorID,
		page.Title, details, page.ParentID, page.AccessCode,
	)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return row.toPage()
}

// Insert is a method for inserting a page into the database.
func (pages *pages) Insert(ctx context.Context, page *console.Page) (_ *console.Page, err error) {
	defer mon.Task()(&ctx)(&err)

	return insertPage(ctx, pages.db.q, page)
}

// InsertBatch inserts pages in a single transaction, preserving the given
// order so parents precede children.
func (pages *pages) InsertBatch(ctx context.Context, batch []*console.Page) (err error) {
	defer mon.Task()(&ctx)(&err)

	return pages.db.runTx(ctx, func(q querier) error {
		for _, page := range batch {
			if _, err := insertPage(ctx, q, page); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get is a method for querying a page from the database by id.
func (pages *pages) Get(ctx context.Context, id uuid.UUID) (_ *console.Page, err error) {
	defer mon.Task()(&ctx)(&err)

	var row pageRow
	err = pages.db.q.GetContext(ctx, &row, `
		SELECT `+pageColumns+` FROM pages WHERE id = $1`, id)
	if err != nil {
		return nil, wrapRowErr(err)
	}
	return row.toPage()
}

// GetByExternalID is a method for querying a page by external id.
func (pages *pages) GetByExternalID(ctx context.Context, externalID string) (_ *console.Page, err error) {
	defer mon.Task()(&ctx)(&err)

	var row pageRow
	err = pages.db.q.GetContext(ctx, &row, `
		SELECT `+pageColumns+` FROM pages WHERE external_id = $1`, externalID)
	if err != nil {
		return nil, wrapRowErr(err)
	}
	return row.toPage()
}

// ListByProject returns non-deleted pages of the project.
func (pages *pages) ListByProject(ctx context.Context, projectID uuid.UUID) (_ []console.Page, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []pageRow
	err = pages.db.q.SelectContext(ctx, &rows, `
		SELECT `+pageColumns+` FROM pages
		WHERE project_id = $1 AND NOT is_deleted
		ORDER BY created_seq`, projectID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return pagesFromRows(rows)
}

// ListAccessible returns all non-deleted pages the user can read.
func (pages *pages) ListAccessible(ctx context.Context, userID uuid.UUID) (_ []console.Page, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []pageRow
	err = pages.db.q.SelectContext(ctx, &rows, `
		SELECT pg.id, pg.external_id, pg.project_id, pg.creator_id, pg.title,
			pg.details, pg.parent_id, pg.access_code, pg.is_deleted,
			pg.created_at, pg.updated_at
		FROM pages pg
		JOIN projects p ON p.id = pg.project_id
		WHERE `+accessiblePageCond+`
		ORDER BY pg.created_seq`, userID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return pagesFromRows(rows)
}

// ListAccessibleIDs is ListAccessible reduced to page ids.
func (pages *pages) ListAccessibleIDs(ctx context.Context, userID uuid.UUID) (_ []uuid.UUID, err error) {
	defer mon.Task()(&ctx)(&err)

	var ids []uuid.UUID
	err = pages.db.q.SelectContext(ctx, &ids, `
		SELECT pg.id
		FROM pages pg
		JOIN projects p ON p.id = pg.project_id
		WHERE `+accessiblePageCond+`
		ORDER BY pg.created_seq`, userID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return ids, nil
}

// ListAccessibleByExternalIDs returns the subset of the given pages the user
// can read, preserving the order of externalIDs.
func (pages *pages) ListAccessibleByExternalIDs(ctx context.Context, userID uuid.UUID, externalIDs []string) (_ []console.Page, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(externalIDs) == 0 {
		return nil, nil
	}

	var rows []pageRow
	err = pages.db.q.SelectContext(ctx, &rows, `
		SELECT pg.id, pg.external_id, pg.project_id, pg.creator_id, pg.title,
			pg.details, pg.parent_id, pg.access_code, pg.is_deleted,
			pg.created_at, pg.updated_at
		FROM pages pg
		JOIN projects p ON p.id = pg.project_id
		WHERE pg.external_id = ANY($2) AND `+accessiblePageCond,
		userID, externalIDs)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	list, err := pagesFromRows(rows)
	if err != nil {
		return nil, err
	}

	byExternal := make(map[string]console.Page, len(list))
	for _, page := range list {
		byExternal[page.ExternalID] = page
	}
	ordered := make([]console.Page, 0, len(list))
	for _, externalID := range externalIDs {
		if page, ok := byExternal[externalID]; ok {
			ordered = append(ordered, page)
		}
	}
	return ordered, nil
}

// ListEditable returns all non-deleted pages the user can write.
func (pages *pages) ListEditable(ctx context.Context, userID uuid.UUID) (_ []console.Page, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []pageRow
	err = pages.db.q.SelectContext(ctx, &rows, `
		SELECT pg.id, pg.external_id, pg.project_id, pg.creator_id, pg.title,
			pg.details, pg.parent_id, pg.access_code, pg.is_deleted,
			pg.created_at, pg.updated_at
		FROM pages pg
		JOIN projects p ON p.id = pg.project_id
		WHERE `+editablePageCond+`
		ORDER BY pg.created_seq`, userID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return pagesFromRows(rows)
}

// UpdateDetails replaces the page details and bumps updated_at.
func (pages *pages) UpdateDetails(ctx context.Context, id uuid.UUID, details console.PageDetails) (err error) {
	defer mon.Task()(&ctx)(&err)

	blob, err := json.Marshal(details)
	if err != nil {
		return Error.Wrap(err)
	}
	_, err = pages.db.q.ExecContext(ctx, `
		UPDATE pages SET details = $2, updated_at = now() WHERE id = $1`, id, blob)
	return Error.Wrap(err)
}

// UpdateTitle renames the page.
func (pages *pages) UpdateTitle(ctx context.Context, id uuid.UUID, title string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = pages.db.q.ExecContext(ctx, `
		UPDATE pages SET title = $2, updated_at = now() WHERE id = $1`, id, title)
	return Error.Wrap(err)
}

// Delete soft-deletes the page and hard-deletes its update log entries and
// snapshot in the same transaction.
func (pages *pages) Delete(ctx context.Context, id uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	return pages.db.runTx(ctx, func(q querier) error {
		var externalID string
		err := q.GetContext(ctx, &externalID, `
			UPDATE pages SET is_deleted = true, updated_at = now()
			WHERE id = $1
			RETURNING external_id`, id)
		if err != nil {
			return wrapRowErr(err)
		}

		roomID := collab.RoomID(externalID)
		if _, err := q.ExecContext(ctx, `
			DELETE FROM room_updates WHERE room_id = $1`, roomID); err != nil {
			return Error.Wrap(err)
		}
		if _, err := q.ExecContext(ctx, `
			DELETE FROM room_snapshots WHERE room_id = $1`, roomID); err != nil {
			return Error.Wrap(err)
		}
		return nil
	})
}
