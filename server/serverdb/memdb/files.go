// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package memdb

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"inkwell.io/inkwell/server/files"
)

type filesDB DB

func (db *filesDB) Files() files.Files { return (*uploadsRepo)(db) }
func (db *filesDB) Blobs() files.Blobs { return (*blobsRepo)(db) }

func (db *filesDB) WithTx(ctx context.Context, fn func(ctx context.Context, tx files.DB) error) error {
	return fn(ctx, db)
}

type uploadsRepo DB

func (repo *uploadsRepo) Insert(ctx context.Context, file *files.File) (*files.File, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	stored := *file
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now()
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	repo.uploads[stored.ID] = stored
	out := stored
	return &out, nil
}

func (repo *uploadsRepo) Get(ctx context.Context, id uuid.UUID) (*files.File, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	file, ok := repo.uploads[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	out := file
	return &out, nil
}

func (repo *uploadsRepo) GetByExternalID(ctx context.Context, externalID string) (*files.File, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	for _, file := range repo.uploads {
		if file.ExternalID == externalID {
			out := file
			return &out, nil
		}
	}
	return nil, sql.ErrNoRows
}

// GetForUpdate is a plain Get: the store-wide mutex already serialises
// every mutation.
func (repo *uploadsRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*files.File, error) {
	return repo.Get(ctx, id)
}

func (repo *uploadsRepo) SetStatus(ctx context.Context, id uuid.UUID, status files.Status) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	file, ok := repo.uploads[id]
	if !ok {
		return sql.ErrNoRows
	}
	file.Status = status
	file.UpdatedAt = now()
	repo.uploads[id] = file
	return nil
}

func (repo *uploadsRepo) MarkDeleted(ctx context.Context, id uuid.UUID) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	file, ok := repo.uploads[id]
	if !ok {
		return sql.ErrNoRows
	}
	file.IsDeleted = true
	file.UpdatedAt = now()
	repo.uploads[id] = file
	return nil
}

type blobsRepo DB

func (repo *blobsRepo) Insert(ctx context.Context, blob *files.Blob) (*files.Blob, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	if existing := repo.findBlobLocked(blob.FileID, blob.Provider); existing != nil {
		out := *existing
		return &out, nil
	}
	stored := *blob
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now()
	}
	repo.blobs = append(repo.blobs, stored)
	out := stored
	return &out, nil
}

func (repo *blobsRepo) Get(ctx context.Context, fileID uuid.UUID, provider string) (*files.Blob, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	blob := repo.findBlobLocked(fileID, provider)
	if blob == nil {
		return nil, sql.ErrNoRows
	}
	out := *blob
	return &out, nil
}

func (repo *blobsRepo) ListByFile(ctx context.Context, fileID uuid.UUID) ([]files.Blob, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	var list []files.Blob
	for _, blob := range repo.blobs {
		if blob.FileID == fileID {
			list = append(list, blob)
		}
	}
	return list, nil
}

func (repo *blobsRepo) MarkVerified(ctx context.Context, fileID uuid.UUID, provider, etag string, size int64) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	blob := repo.findBlobLocked(fileID, provider)
	if blob == nil {
		return sql.ErrNoRows
	}
	verified := now()
	blob.Status = files.BlobVerified
	blob.ETag = etag
	blob.Size = size
	blob.VerifiedAt = &verified
	return nil
}

func (repo *blobsRepo) MarkFailed(ctx context.Context, fileID uuid.UUID, provider string) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	blob := repo.findBlobLocked(fileID, provider)
	if blob == nil {
		return sql.ErrNoRows
	}
	blob.Status = files.BlobFailed
	return nil
}

func (repo *blobsRepo) findBlobLocked(fileID uuid.UUID, provider string) *files.Blob {
	for i := range repo.blobs {
		if repo.blobs[i].FileID == fileID && repo.blobs[i].Provider == provider {
			return &repo.blobs[i]
		}
	}
	return nil
}
