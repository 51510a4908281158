// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package serverdb

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"inkwell.io/inkwell/server/imports"
)

// ensures the import repositories implement their interfaces.
var (
	_ imports.DB       = (*importsDB)(nil)
	_ imports.Jobs     = (*importJobRepo)(nil)
	_ imports.Archives = (*importArchiveRepo)(nil)
	_ imports.Pages    = (*importedPageRepo)(nil)
)

// importsDB is the imports.DB view over the master database. Inside WithTx
// the root handle is nil and q is the transaction.
type importsDB struct {
	q  querier
	db *sqlx.DB
}

// Jobs is a getter for the Jobs repository.
func (db *importsDB) Jobs() imports.Jobs { return &importJobRepo{db: db} }

// Archives is a getter for the Archives repository.
func (db *importsDB) Archives() imports.Archives { return &importArchiveRepo{db: db} }

// Pages is a getter for the Pages repository.
func (db *importsDB) Pages() imports.Pages { return &importedPageRepo{db: db} }

// WithTx runs fn inside a database transaction. Nested calls run on the
// already open transaction.
func (db *importsDB) WithTx(ctx context.Context, fn func(ctx context.Context, tx imports.DB) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	if db.db == nil {
		return fn(ctx, db)
	}
	return withTx(ctx, db.db, func(tx *sqlx.Tx) error {
		return fn(ctx, &importsDB{q: tx})
	})
}

// importJobRepo implements the imports.Jobs repository.
type importJobRepo struct {
	db *importsDB
}

type importJobRow struct {
	ID         uuid.UUID `db:"id"`
	ExternalID string    `db:"external_id"`
	UserID     uuid.UUID `db:"user_id"`
	ProjectID  uuid.UUID `db:"project_id"`
	Status     string    `db:"status"`
	Message    string    `db:"message"`
	Total      int       `db:"total"`
	Imported   int       `db:"imported"`
	Skipped    int       `db:"skipped"`
	Failed     int       `db:"failed"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (row *importJobRow) toJob() *imports.Job {
	return &imports.Job{
		ID:         row.ID,
		ExternalID: row.ExternalID,
		UserID:     row.UserID,
		ProjectID:  row.ProjectID,
		Status:     imports.JobStatus(row.Status),
		Message:    row.Message,
		Total:      row.Total,
		Imported:   row.Imported,
		Skipped:    row.Skipped,
		Failed:     row.Failed,
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}
}

const importJobColumns = `id, external_id, user_id, project_id, status, message, total, imported, skipped, failed, created_at, updated_at`

// Insert is a method for inserting an import job into the database.
func (repo *importJobRepo) Insert(ctx context.Context, job *imports.Job) (_ *imports.Job, err error) {
	defer mon.Task()(&ctx)(&err)

	var row importJobRow
	err = repo.db.q.GetContext(ctx, &row, `
		INSERT INTO import_jobs (id, external_id, user_id, project_id, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+importJobColumns,
		job.ID, job.ExternalID, job.UserID, job.ProjectID, string(job.Status),
	)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return row.toJob(), nil
}

// Get is a method for querying an import job from the database by id.
func (repo *importJobRepo) Get(ctx context.Context, id uuid.UUID) (_ *imports.Job, err error) {
	defer mon.Task()(&ctx)(&err)

	var row importJobRow
	err = repo.db.q.GetContext(ctx, &row, `
		SELECT `+importJobColumns+` FROM import_jobs WHERE id = $1`, id)
	if err != nil {
		return nil, wrapRowErr(err)
	}
	return row.toJob(), nil
}

// GetByExternalID is a method for querying an import job by external id.
func (repo *importJobRepo) GetByExternalID(ctx context.Context, externalID string) (_ *imports.Job, err error) {
	defer mon.Task()(&ctx)(&err)

	var row importJobRow
	err = repo.db.q.GetContext(ctx, &row, `
		SELECT `+importJobColumns+` FROM import_jobs WHERE external_id = $1`, externalID)
	if err != nil {
		return nil, wrapRowErr(err)
	}
	return row.toJob(), nil
}

// ListByUser is a method for querying a user's import jobs, newest first.
func (repo *importJobRepo) ListByUser(ctx context.Context, userID uuid.UUID) (_ []imports.Job, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []importJobRow
	err = repo.db.q.SelectContext(ctx, &rows, `
		SELECT `+importJobColumns+` FROM import_jobs
		WHERE user_id = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	jobs := make([]imports.Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, *rows[i].toJob())
	}
	return jobs, nil
}

// SetStatus is a method for transitioning an import job.
func (repo *importJobRepo) SetStatus(ctx context.Context, id uuid.UUID, status imports.JobStatus, message string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = repo.db.q.ExecContext(ctx, `
		UPDATE import_jobs SET status = $2, message = $3, updated_at = now()
		WHERE id = $1`, id, string(status), message)
	return Error.Wrap(err)
}

// SetCounters is a method for storing an import job's final counters.
func (repo *importJobRepo) SetCounters(ctx context.Context, id uuid.UUID, total, imported, skipped, failed int) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = repo.db.q.ExecContext(ctx, `
		UPDATE import_jobs SET total = $2, imported = $3, skipped = $4, failed = $5, updated_at = now()
		WHERE id = $1`, id, total, imported, skipped, failed)
	return Error.Wrap(err)
}

// ListStale is a method for querying unfinished jobs older than the cutoff
// whose archive still holds a spooled temp file.
func (repo *importJobRepo) ListStale(ctx context.Context, olderThan time.Time) (_ []imports.Job, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []importJobRow
	err = repo.db.q.SelectContext(ctx, &rows, `
		SELECT j.id, j.external_id, j.user_id, j.project_id, j.status, j.message,
			j.total, j.imported, j.skipped, j.failed, j.created_at, j.updated_at
		FROM import_jobs j
		JOIN import_archives a ON a.job_id = j.id
		WHERE j.created_at < $1 AND a.temp_path <> ''
		ORDER BY j.created_at`, olderThan)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	jobs := make([]imports.Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, *rows[i].toJob())
	}
	return jobs, nil
}

// importArchiveRepo implements the imports.Archives repository.
type importArchiveRepo struct {
	db *importsDB
}

type importArchiveRow struct {
	JobID      uuid.UUID `db:"job_id"`
	Filename   string    `db:"filename"`
	Size       int64     `db:"size"`
	TempPath   string    `db:"temp_path"`
	StorageKey string    `db:"storage_key"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (row *importArchiveRow) toArchive() *imports.Archive {
	return &imports.Archive{
		JobID:      row.JobID,
		Filename:   row.Filename,
		Size:       row.Size,
		TempPath:   row.TempPath,
		StorageKey: row.StorageKey,
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}
}

const importArchiveColumns = `job_id, filename, size, temp_path, storage_key, created_at, updated_at`

// Insert is a method for inserting an archive into the database.
func (repo *importArchiveRepo) Insert(ctx context.Context, archive *imports.Archive) (_ *imports.Archive, err error) {
	defer mon.Task()(&ctx)(&err)

	var row importArchiveRow
	err = repo.db.q.GetContext(ctx, &row, `
		INSERT INTO import_archives (job_id, filename, size, temp_path)
		VALUES ($1, $2, $3, $4)
		RETURNING `+importArchiveColumns,
		archive.JobID, archive.Filename, archive.Size, archive.TempPath,
	)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return row.toArchive(), nil
}

// Get is a method for querying a job's archive from the database.
func (repo *importArchiveRepo) Get(ctx context.Context, jobID uuid.UUID) (_ *imports.Archive, err error) {
	defer mon.Task()(&ctx)(&err)

	var row importArchiveRow
	err = repo.db.q.GetContext(ctx, &row, `
		SELECT `+importArchiveColumns+` FROM import_archives WHERE job_id = $1`, jobID)
	if err != nil {
		return nil, wrapRowErr(err)
	}
	return row.toArchive(), nil
}

// SetTempPath is a method for replacing an archive's spooled temp path.
func (repo *importArchiveRepo) SetTempPath(ctx context.Context, jobID uuid.UUID, path string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = repo.db.q.ExecContext(ctx, `
		UPDATE import_archives SET temp_path = $2, updated_at = now()
		WHERE job_id = $1`, jobID, path)
	return Error.Wrap(err)
}

// SetStorageKey is a method for recording an archive's durable location.
func (repo *importArchiveRepo) SetStorageKey(ctx context.Context, jobID uuid.UUID, key string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = repo.db.q.ExecContext(ctx, `
		UPDATE import_archives SET storage_key = $2, updated_at = now()
		WHERE job_id = $1`, jobID, key)
	return Error.Wrap(err)
}

// importedPageRepo implements the imports.Pages repository.
type importedPageRepo struct {
	db *importsDB
}

type importedPageRow struct {
	JobID      uuid.UUID `db:"job_id"`
	PageID     uuid.UUID `db:"page_id"`
	SourcePath string    `db:"source_path"`
	CreatedAt  time.Time `db:"created_at"`
}

func (row *importedPageRow) toImportedPage() imports.ImportedPage {
	return imports.ImportedPage{
		JobID:      row.JobID,
		PageID:     row.PageID,
		SourcePath: row.SourcePath,
		CreatedAt:  row.CreatedAt,
	}
}

// Insert is a method for recording a page created by an import.
func (repo *importedPageRepo) Insert(ctx context.Context, page *imports.ImportedPage) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = repo.db.q.ExecContext(ctx, `
		INSERT INTO imported_pages (job_id, page_id, source_path)
		VALUES ($1, $2, $3)`,
		page.JobID, page.PageID, page.SourcePath)
	return Error.Wrap(err)
}

// ListByJob is a method for querying the pages a job created, in creation
// order.
func (repo *importedPageRepo) ListByJob(ctx context.Context, jobID uuid.UUID) (_ []imports.ImportedPage, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []importedPageRow
	err = repo.db.q.SelectContext(ctx, &rows, `
		SELECT job_id, page_id, source_path, created_at
		FROM imported_pages WHERE job_id = $1
		ORDER BY position`, jobID)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	pages := make([]imports.ImportedPage, 0, len(rows))
	for i := range rows {
		pages = append(pages, rows[i].toImportedPage())
	}
	return pages, nil
}
