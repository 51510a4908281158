// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package serverdb

import (
	"context"
	"time"

	"github.com/google/uuid"

	"inkwell.io/inkwell/server/console"
)

// ensures the derived link repositories implement their interfaces.
var (
	_ console.PageLinks = (*pageLinks)(nil)
	_ console.FileLinks = (*fileLinks)(nil)
	_ console.Mentions  = (*mentions)(nil)
)

// pageLinks implements the console.PageLinks repository.
type pageLinks struct {
	db *consoleDB
}

type pageLinkRow struct {
	SourceID  uuid.UUID `db:"source_id"`
	TargetID  uuid.UUID `db:"target_id"`
	Text      string    `db:"text"`
	CreatedAt time.Time `db:"created_at"`
}

// ListBySource returns all links originating from the page.
func (links *pageLinks) ListBySource(ctx context.Context, sourceID uuid.UUID) (_ []console.PageLink, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []pageLinkRow
	err = links.db.q.SelectContext(ctx, &rows, `
		SELECT source_id, target_id, text, created_at
		FROM page_links WHERE source_id = $1
		ORDER BY created_at, target_id`, sourceID)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	list := make([]console.PageLink, 0, len(rows))
	for _, row := range rows {
		list = append(list, console.PageLink(row))
	}
	return list, nil
}

// ListByTarget returns all links pointing at the page.
func (links *pageLinks) ListByTarget(ctx context.Context, targetID uuid.UUID) (_ []console.PageLink, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []pageLinkRow
	err = links.db.q.SelectContext(ctx, &rows, `
		SELECT source_id, target_id, text, created_at
		FROM page_links WHERE target_id = $1
		ORDER BY created_at, source_id`, targetID)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	list := make([]console.PageLink, 0, len(rows))
	for _, row := range rows {
		list = append(list, console.PageLink(row))
	}
	return list, nil
}

// Apply inserts and deletes rows in a single transaction.
func (links *pageLinks) Apply(ctx context.Context, sourceID uuid.UUID, add, remove []console.PageLink) (err error) {
	defer mon.Task()(&ctx)(&err)

	return links.db.runTx(ctx, func(q querier) error {
		for _, link := range remove {
			if _, err := q.ExecContext(ctx, `
				DELETE FROM page_links
				WHERE source_id = $1 AND target_id = $2 AND text = $3`,
				sourceID, link.TargetID, link.Text); err != nil {
				return Error.Wrap(err)
			}
		}
		for _, link := range add {
			if _, err := q.ExecContext(ctx, `
				INSERT INTO page_links (source_id, target_id, text)
				VALUES ($1, $2, $3)
				ON CONFLICT (source_id, target_id, text) DO NOTHING`,
				sourceID, link.TargetID, link.Text); err != nil {
				return Error.Wrap(err)
			}
		}
		return nil
	})
}

// fileLinks implements the console.FileLinks repository.
type fileLinks struct {
	db *consoleDB
}

type fileLinkRow struct {
	SourceID  uuid.UUID `db:"source_id"`
	FileID    uuid.UUID `db:"file_id"`
	Text      string    `db:"text"`
	CreatedAt time.Time `db:"created_at"`
}

// ListBySource returns all file links originating from the page.
func (links *fileLinks) ListBySource(ctx context.Context, sourceID uuid.UUID) (_ []console.FileLink, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []fileLinkRow
	err = links.db.q.SelectContext(ctx, &rows, `
		SELECT source_id, file_id, text, created_at
		FROM file_links WHERE source_id = $1
		ORDER BY created_at, file_id`, sourceID)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	list := make([]console.FileLink, 0, len(rows))
	for _, row := range rows {
		list = append(list, console.FileLink(row))
	}
	return list, nil
}

// Apply inserts and deletes rows in a single transaction.
func (links *fileLinks) Apply(ctx context.Context, sourceID uuid.UUID, add, remove []console.FileLink) (err error) {
	defer mon.Task()(&ctx)(&err)

	return links.db.runTx(ctx, func(q querier) error {
		for _, link := range remove {
			if _, err := q.ExecContext(ctx, `
				DELETE FROM file_links
				WHERE source_id = $1 AND file_id = $2 AND text = $3`,
				sourceID, link.FileID, link.Text); err != nil {
				return Error.Wrap(err)
			}
		}
		for _, link := range add {
			if _, err := q.ExecContext(ctx, `
				INSERT INTO file_links (source_id, file_id, text)
				VALUES ($1, $2, $3)
				ON CONFLICT (source_id, file_id, text) DO NOTHING`,
				sourceID, link.FileID, link.Text); err != nil {
				return Error.Wrap(err)
			}
		}
		return nil
	})
}

// mentions implements the console.Mentions repository.
type mentions struct {
	db *consoleDB
}

type mentionRow struct {
	SourceID  uuid.UUID `db:"source_id"`
	UserID    uuid.UUID `db:"user_id"`
	CreatedAt time.Time `db:"created_at"`
}

// ListBySource returns all mentions originating from the page.
func (mentions *mentions) ListBySource(ctx context.Context, sourceID uuid.UUID) (_ []console.Mention, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []mentionRow
	err = mentions.db.q.SelectContext(ctx, &rows, `
		SELECT source_id, user_id, created_at
		FROM mentions WHERE source_id = $1
		ORDER BY created_at, user_id`, sourceID)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	list := make([]console.Mention, 0, len(rows))
	for _, row := range rows {
		list = append(list, console.Mention(row))
	}
	return list, nil
}

// Apply inserts and deletes rows in a single transaction.
func (mentions *mentions) Apply(ctx context.Context, sourceID uuid.UUID, add, remove []console.Mention) (err error) {
	defer mon.Task()(&ctx)(&err)

	return mentions.db.runTx(ctx, func(q querier) error {
		for _, mention := range remove {
			if _, err := q.ExecContext(ctx, `
				DELETE FROM mentions WHERE source_id = $1 AND user_id = $2`,
				sourceID, mention.UserID); err != nil {
				return Error.Wrap(err)
			}
		}
		for _, mention := range add {
			if _, err := q.ExecContext(ctx, `
				INSERT INTO mentions (source_id, user_id)
				VALUES ($1, $2)
				ON CONFLICT (source_id, user_id) DO NOTHING`,
				sourceID, mention.UserID); err != nil {
				return Error.Wrap(err)
			}
		}
		return nil
	})
}
