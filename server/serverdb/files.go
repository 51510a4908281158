// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package serverdb

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"inkwell.io/inkwell/server/files"
)

// ensures the file repositories implement their interfaces.
var (
	_ files.DB    = (*filesDB)(nil)
	_ files.Files = (*fileRepo)(nil)
	_ files.Blobs = (*blobRepo)(nil)
)

// filesDB is the files.DB view over the master database. Inside WithTx the
// root handle is nil and q is the transaction.
type filesDB struct {
	q  querier
	db *sqlx.DB
}

// Files is a getter for the Files repository.
func (db *filesDB) Files() files.Files { return &fileRepo{db: db} }

// Blobs is a getter for the Blobs repository.
func (db *filesDB) Blobs() files.Blobs { return &blobRepo{db: db} }

// WithTx runs fn inside a database transaction. Nested calls run on the
// already open transaction.
func (db *filesDB) WithTx(ctx context.Context, fn func(ctx context.Context, tx files.DB) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	if db.db == nil {
		return fn(ctx, db)
	}
	return withTx(ctx, db.db, func(tx *sqlx.Tx) error {
		return fn(ctx, &filesDB{q: tx})
	})
}

// fileRepo implements the files.Files repository.
type fileRepo struct {
	db *filesDB
}

type fileRow struct {
	ID          uuid.UUID `db:"id"`
	ExternalID  string    `db:"external_id"`
	ProjectID   uuid.UUID `db:"project_id"`
	UploaderID  uuid.UUID `db:"uploader_id"`
	Filename    string    `db:"filename"`
	ContentType string    `db:"content_type"`
	Size        int64     `db:"size"`
	Status      string    `db:"status"`
	AccessToken string    `db:"access_token"`
	IsDeleted   bool      `db:"is_deleted"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (row *fileRow) toFile() *files.File {
	return &files.File{
		ID:          row.ID,
		ExternalID:  row.ExternalID,
		ProjectID:   row.ProjectID,
		UploaderID:  row.UploaderID,
		Filename:    row.Filename,
		ContentType: row.ContentType,
		Size:        row.Size,
		Status:      files.Status(row.Status),
		AccessToken: row.AccessToken,
		IsDeleted:   row.IsDeleted,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
}

const fileColumns = `id, external_id, project_id, uploader_id, filename, content_type, size, status, access_token, is_deleted, created_at, updated_at`

// Insert is a method for inserting a file into the database.
func (repo *fileRepo) Insert(ctx context.Context, file *files.File) (_ *files.File, err error) {
	defer mon.Task()(&ctx)(&err)

	var row fileRow
	err = repo.db.q.GetContext(ctx, &row, `
		INSERT INTO files (id, external_id, project_id, uploader_id, filename, content_type, size, status, access_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+fileColumns,
		file.ID, file.ExternalID, file.ProjectID, file.UploaderID,
		file.Filename, file.ContentType, file.Size, string(file.Status), file.AccessToken,
	)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return row.toFile(), nil
}

// Get is a method for querying a file from the database by id.
func (repo *fileRepo) Get(ctx context.Context, id uuid.UUID) (_ *files.File, err error) {
	defer mon.Task()(&ctx)(&err)

	var row fileRow
	err = repo.db.q.GetContext(ctx, &row, `
		SELECT `+fileColumns+` FROM files WHERE id = $1`, id)
	if err != nil {
		return nil, wrapRowErr(err)
	}
	return row.toFile(), nil
}

// GetByExternalID is a method for querying a file by external id.
func (repo *fileRepo) GetByExternalID(ctx context.Context, externalID string) (_ *files.File, err error) {
	defer mon.Task()(&ctx)(&err)

	var row fileRow
	err = repo.db.q.GetContext(ctx, &row, `
		SELECT `+fileColumns+` FROM files WHERE external_id = $1`, externalID)
	if err != nil {
		return nil, wrapRowErr(err)
	}
	return row.toFile(), nil
}

// GetForUpdate locks the file row until the surrounding transaction ends.
func (repo *fileRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (_ *files.File, err error) {
	defer mon.Task()(&ctx)(&err)

	var row fileRow
	err = repo.db.q.GetContext(ctx, &row, `
		SELECT `+fileColumns+` FROM files WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, wrapRowErr(err)
	}
	return row.toFile(), nil
}

// SetStatus moves the file to status and bumps updated_at.
func (repo *fileRepo) SetStatus(ctx context.Context, id uuid.UUID, status files.Status) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = repo.db.q.ExecContext(ctx, `
		UPDATE files SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(status))
	return Error.Wrap(err)
}

// MarkDeleted soft-deletes the file.
func (repo *fileRepo) MarkDeleted(ctx context.Context, id uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = repo.db.q.ExecContext(ctx, `
		UPDATE files SET is_deleted = true, updated_at = now() WHERE id = $1`, id)
	return Error.Wrap(err)
}

// blobRepo implements the files.Blobs repository.
type blobRepo struct {
	db *filesDB
}

type blobRow struct {
	FileID     uuid.UUID  `db:"file_id"`
	Provider   string     `db:"provider"`
	Status     string     `db:"status"`
	ETag       string     `db:"etag"`
	Size       int64      `db:"size"`
	CreatedAt  time.Time  `db:"created_at"`
	VerifiedAt *time.Time `db:"verified_at"`
}

func (row *blobRow) toBlob() *files.Blob {
	return &files.Blob{
		FileID:     row.FileID,
		Provider:   row.Provider,
		Status:     files.BlobStatus(row.Status),
		ETag:       row.ETag,
		Size:       row.Size,
		CreatedAt:  row.CreatedAt,
		VerifiedAt: row.VerifiedAt,
	}
}

const blobColumns = `file_id, provider, status, etag, size, created_at, verified_at`

// Insert reserves the (file, provider) slot, keeping any existing row.
func (repo *blobRepo) Insert(ctx context.Context, blob *files.Blob) (_ *files.Blob, err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = repo.db.q.ExecContext(ctx, `
		INSERT INTO file_blobs (file_id, provider, status, etag, size)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (file_id, provider) DO NOTHING`,
		blob.FileID, blob.Provider, string(blob.Status), blob.ETag, blob.Size)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return repo.Get(ctx, blob.FileID, blob.Provider)
}

// Get returns the blob for the (file, provider) pair.
func (repo *blobRepo) Get(ctx context.Context, fileID uuid.UUID, provider string) (_ *files.Blob, err error) {
	defer mon.Task()(&ctx)(&err)

	var row blobRow
	err = repo.db.q.GetContext(ctx, &row, `
		SELECT `+blobColumns+` FROM file_blobs
		WHERE file_id = $1 AND provider = $2`, fileID, provider)
	if err != nil {
		return nil, wrapRowErr(err)
	}
	return row.toBlob(), nil
}

// ListByFile returns the file's blobs ordered by creation.
func (repo *blobRepo) ListByFile(ctx context.Context, fileID uuid.UUID) (_ []files.Blob, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []blobRow
	err = repo.db.q.SelectContext(ctx, &rows, `
		SELECT `+blobColumns+` FROM file_blobs
		WHERE file_id = $1
		ORDER BY created_at, provider`, fileID)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	list := make([]files.Blob, 0, len(rows))
	for i := range rows {
		list = append(list, *rows[i].toBlob())
	}
	return list, nil
}

// MarkVerified flips the slot to verified with the object metadata.
func (repo *blobRepo) MarkVerified(ctx context.Context, fileID uuid.UUID, provider, etag string, size int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = repo.db.q.ExecContext(ctx, `
		UPDATE file_blobs
		SET status = $3, etag = $4, size = $5, verified_at = now()
		WHERE file_id = $1 AND provider = $2`,
		fileID, provider, string(files.BlobVerified), etag, size)
	return Error.Wrap(err)
}

// MarkFailed flips the slot to failed.
func (repo *blobRepo) MarkFailed(ctx context.Context, fileID uuid.UUID, provider string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = repo.db.q.ExecContext(ctx, `
		UPDATE file_blobs SET status = $3
		WHERE file_id = $1 AND provider = $2`,
		fileID, provider, string(files.BlobFailed))
	return Error.Wrap(err)
}
