// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package files

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"inkwell.io/inkwell/server/jobq"
	"inkwell.io/inkwell/server/objstore"
)

// HandleReplicateBlob copies a file's verified blob to the target provider
// and records the new blob row. Providers do not share a copy namespace, so
// the copy is a read-modify-write through this process.
//
// The handler is idempotent: a target that already holds a verified blob is
// left alone. Storage errors are marked retryable; a file that disappeared
// or a misconfigured target drops the job.
func (s *Service) HandleReplicateBlob(ctx context.Context, job jobq.Job) (err error) {
	defer mon.Task()(&ctx)(&err)

	fileID, err := uuid.Parse(job.Args["file_id"])
	if err != nil {
		return Error.New("invalid file_id %q: %v", job.Args["file_id"], err)
	}
	targetProvider := job.Args["target_provider"]

	file, err := s.db.Files().Get(ctx, fileID)
	if errors.Is(err, sql.ErrNoRows) {
		return Error.New("file %s does not exist", fileID)
	}
	if err != nil {
		return jobq.Retryable(Error.Wrap(err))
	}
	if file.IsDeleted || file.Status != StatusAvailable {
		s.log.Info("skipping replication of unavailable file",
			zap.Stringer("file_id", fileID),
			zap.String("status", string(file.Status)))
		return nil
	}

	target, ok := s.stores.Get(targetProvider)
	if !ok {
		return Error.New("target provider %q is not configured", targetProvider)
	}

	existing, err := s.db.Blobs().Get(ctx, fileID, targetProvider)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return jobq.Retryable(Error.Wrap(err))
	}
	if existing != nil && existing.Status == BlobVerified {
		return nil
	}

	source, err := s.replicationSource(ctx, file, targetProvider)
	if err != nil {
		return err
	}

	data, err := source.store.GetObject(ctx, "", ObjectKey(file))
	if objstore.ErrNotFound.Has(err) {
		return Error.New("verified blob of file %s is missing from provider %q", fileID, source.blob.Provider)
	}
	if err != nil {
		return jobq.Retryable(Error.Wrap(err))
	}

	info, err := target.PutObject(ctx, "", ObjectKey(file), data, file.ContentType)
	if err != nil {
		return jobq.Retryable(Error.Wrap(err))
	}

	err = s.db.WithTx(ctx, func(ctx context.Context, tx DB) error {
		if _, err := tx.Blobs().Insert(ctx, &Blob{
			FileID:   fileID,
			Provider: targetProvider,
			Status:   BlobPending,
		}); err != nil {
			return err
		}
		return tx.Blobs().MarkVerified(ctx, fileID, targetProvider, info.ETag, info.Size)
	})
	if err != nil {
		return jobq.Retryable(Error.Wrap(err))
	}

	s.log.Info("blob replicated",
		zap.Stringer("file_id", fileID),
		zap.String("source_provider", source.blob.Provider),
		zap.String("target_provider", targetProvider),
		zap.Int64("size", info.Size))
	return nil
}

type replicaSource struct {
	blob  Blob
	store objstore.Store
}

// replicationSource picks the verified blob the copy reads from, skipping
// the target itself and providers this process has no store for.
func (s *Service) replicationSource(ctx context.Context, file *File, targetProvider string) (*replicaSource, error) {
	blobs, err := s.db.Blobs().ListByFile(ctx, file.ID)
	if err != nil {
		return nil, jobq.Retryable(Error.Wrap(err))
	}
	for _, blob := range blobs {
		if blob.Status != BlobVerified || blob.Provider == targetProvider {
			continue
		}
		store, ok := s.stores.Get(blob.Provider)
		if !ok {
			continue
		}
		return &replicaSource{blob: blob, store: store}, nil
	}
	return nil, Error.New("file %s has no readable verified blob to replicate", file.ID)
}
