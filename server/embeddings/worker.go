// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package embeddings

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"inkwell.io/inkwell/server/jobq"
)

// Worker processes the embedding recompute jobs published by the derive
// dispatcher and the manual indexing surface.
type Worker struct {
	log     *zap.Logger
	service *Service
	queue   jobq.Queue
}

// NewWorker creates an embedding job worker.
func NewWorker(log *zap.Logger, service *Service, queue jobq.Queue) *Worker {
	return &Worker{log: log, service: service, queue: queue}
}

// HandleUpdatePageEmbedding processes one update_page_embedding job.
//
// The stored content hash short-circuits recomputation: a job whose page
// already carries the current hash ends without calling the embedding API.
// A missing or deleted page ends the job silently; it was queued before
// the delete.
func (worker *Worker) HandleUpdatePageEmbedding(ctx context.Context, job jobq.Job) (err error) {
	defer mon.Task()(&ctx)(&err)

	pageID, err := uuid.Parse(job.Args["page_id"])
	if err != nil {
		return Error.New("job missing page_id: %v", err)
	}

	page, err := worker.service.pages.Get(ctx, pageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return jobq.Retryable(Error.Wrap(err))
	}
	if page.IsDeleted {
		return worker.service.DeletePage(ctx, pageID)
	}

	updated, err := worker.service.IndexPage(ctx, page)
	if err != nil {
		if IsTransient(err) {
			return jobq.Retryable(err)
		}
		return err
	}

	if !updated {
		worker.log.Debug("embedding up to date, skipped",
			zap.Stringer("page_id", pageID))
	}
	return nil
}

// HandleIndexUserPages processes one index_user_pages job by fanning out
// one update_page_embedding job per page. With explicit page_ids only those
// pages are queued; otherwise every page the user can read is.
func (worker *Worker) HandleIndexUserPages(ctx context.Context, job jobq.Job) (err error) {
	defer mon.Task()(&ctx)(&err)

	userID, err := uuid.Parse(job.Args["user_id"])
	if err != nil {
		return Error.New("job missing user_id: %v", err)
	}

	var pageIDs []uuid.UUID
	if raw := job.Args["page_ids"]; raw != "" {
		for _, part := range strings.Split(raw, ",") {
			id, parseErr := uuid.Parse(strings.TrimSpace(part))
			if parseErr != nil {
				worker.log.Warn("skipping malformed page id", zap.String("page_id", part))
				continue
			}
			pageIDs = append(pageIDs, id)
		}
	} else {
		pageIDs, err = worker.service.pages.ListAccessibleIDs(ctx, userID)
		if err != nil {
			return jobq.Retryable(Error.Wrap(err))
		}
	}

	for _, pageID := range pageIDs {
		err := worker.queue.Enqueue(ctx, jobq.QueueEmbeddings, jobq.TaskUpdatePageEmbedding, map[string]string{
			"page_id": pageID.String(),
			"user_id": userID.String(),
		})
		if err != nil {
			return jobq.Retryable(Error.Wrap(err))
		}
	}
	worker.log.Info("user pages queued for indexing",
		zap.Stringer("user_id", userID),
		zap.Int("pages", len(pageIDs)))
	return nil
}
