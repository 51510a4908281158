// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package collab

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"inkwell.io/inkwell/server/console"
	"inkwell.io/inkwell/server/crdt"
	"inkwell.io/inkwell/server/jobq"
)

// PageSyncer copies compacted room state back into the page row, so REST
// reads and exports see the content collaborators converged on.
type PageSyncer struct {
	log    *zap.Logger
	store  DocStore
	engine crdt.Engine
	pages  console.Pages
}

// NewPageSyncer creates a PageSyncer.
func NewPageSyncer(log *zap.Logger, store DocStore, engine crdt.Engine, pages console.Pages) *PageSyncer {
	return &PageSyncer{log: log, store: store, engine: engine, pages: pages}
}

// HandleSyncSnapshot processes one sync_snapshot_with_page job. A missing
// snapshot or page means the room was deleted after the job was queued;
// both end the job without error.
func (syncer *PageSyncer) HandleSyncSnapshot(ctx context.Context, job jobq.Job) (err error) {
	defer mon.Task()(&ctx)(&err)

	roomID := job.Args["room_id"]
	if roomID == "" {
		return Error.New("job missing room_id")
	}

	snapshot, err := syncer.store.GetSnapshot(ctx, roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return jobq.Retryable(Error.Wrap(err))
	}

	doc, err := syncer.engine.Load(snapshot.State)
	if err != nil {
		return Error.Wrap(err)
	}
	text := doc.Text()

	page, err := syncer.pages.GetByExternalID(ctx, PageExternalID(roomID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return jobq.Retryable(Error.Wrap(err))
	}
	if page.IsDeleted || page.Details.Content == text {
		return nil
	}

	details := page.Details
	details.Content = text
	if err := syncer.pages.UpdateDetails(ctx, page.ID, details); err != nil {
		return jobq.Retryable(Error.Wrap(err))
	}

	syncer.log.Debug("page content synced from snapshot",
		zap.String("room", roomID), zap.Int64("watermark", snapshot.Watermark))
	return nil
}
