// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package memdb

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/google/uuid"

	"inkwell.io/inkwell/server/imports"
)

type importsDB DB

func (db *importsDB) Jobs() imports.Jobs         { return (*importJobsRepo)(db) }
func (db *importsDB) Archives() imports.Archives { return (*importArchivesRepo)(db) }
func (db *importsDB) Pages() imports.Pages       { return (*importedPagesRepo)(db) }

func (db *importsDB) WithTx(ctx context.Context, fn func(ctx context.Context, tx imports.DB) error) error {
	return fn(ctx, db)
}

type importJobsRepo DB

func (repo *importJobsRepo) Insert(ctx context.Context, job *imports.Job) (*imports.Job, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	stored := *job
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now()
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	repo.importJobs[stored.ID] = stored
	out := stored
	return &out, nil
}

func (repo *importJobsRepo) Get(ctx context.Context, id uuid.UUID) (*imports.Job, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	job, ok := repo.importJobs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	out := job
	return &out, nil
}

func (repo *importJobsRepo) GetByExternalID(ctx context.Context, externalID string) (*imports.Job, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	for _, job := range repo.importJobs {
		if job.ExternalID == externalID {
			out := job
			return &out, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (repo *importJobsRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]imports.Job, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	var jobs []imports.Job
	for _, job := range repo.importJobs {
		if job.UserID == userID {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (repo *importJobsRepo) SetStatus(ctx context.Context, id uuid.UUID, status imports.JobStatus, message string) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	job, ok := repo.importJobs[id]
	if !ok {
		return sql.ErrNoRows
	}
	job.Status = status
	job.Message = message
	job.UpdatedAt = now()
	repo.importJobs[id] = job
	return nil
}

func (repo *importJobsRepo) SetCounters(ctx context.Context, id uuid.UUID, total, imported, skipped, failed int) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	job, ok := repo.importJobs[id]
	if !ok {
		return sql.ErrNoRows
	}
	job.Total = total
	job.Imported = imported
	job.Skipped = skipped
	job.Failed = failed
	job.UpdatedAt = now()
	repo.importJobs[id] = job
	return nil
}

func (repo *importJobsRepo) ListStale(ctx context.Context, olderThan time.Time) ([]imports.Job, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	var jobs []imports.Job
	for id, job := range repo.importJobs {
		if !job.CreatedAt.Before(olderThan) {
			continue
		}
		archive, ok := repo.importArchives[id]
		if !ok || archive.TempPath == "" {
			continue
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

type importArchivesRepo DB

func (repo *importArchivesRepo) Insert(ctx context.Context, archive *imports.Archive) (*imports.Archive, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	stored := *archive
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now()
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	repo.importArchives[stored.JobID] = stored
	out := stored
	return &out, nil
}

func (repo *importArchivesRepo) Get(ctx context.Context, jobID uuid.UUID) (*imports.Archive, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	archive, ok := repo.importArchives[jobID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	out := archive
	return &out, nil
}

func (repo *importArchivesRepo) SetTempPath(ctx context.Context, jobID uuid.UUID, path string) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	archive, ok := repo.importArchives[jobID]
	if !ok {
		return sql.ErrNoRows
	}
	archive.TempPath = path
	archive.UpdatedAt = now()
	repo.importArchives[jobID] = archive
	return nil
}

func (repo *importArchivesRepo) SetStorageKey(ctx context.Context, jobID uuid.UUID, key string) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	archive, ok := repo.importArchives[jobID]
	if !ok {
		return sql.ErrNoRows
	}
	archive.StorageKey = key
	archive.UpdatedAt = now()
	repo.importArchives[jobID] = archive
	return nil
}

type importedPagesRepo DB

func (repo *importedPagesRepo) Insert(ctx context.Context, page *imports.ImportedPage) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	stored := *page
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now()
	}
	repo.importedPages = append(repo.importedPages, stored)
	return nil
}

func (repo *importedPagesRepo) ListByJob(ctx context.Context, jobID uuid.UUID) ([]imports.ImportedPage, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	var pages []imports.ImportedPage
	for _, page := range repo.importedPages {
		if page.JobID == jobID {
			pages = append(pages, page)
		}
	}
	return pages, nil
}
