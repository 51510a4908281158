// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

// Package imports ingests externally produced archives into pages.
//
// An import starts with an uploaded zip spooled to a local temp file and a
// pending job row; a queue worker inspects the archive's directory listing
// against compression-bomb thresholds before a single byte is inflated,
// records abuse on hostile archives, and otherwise unpacks, parses the
// Notion export naming convention into a page tree and creates the pages
// in one transaction with cross-references remapped to the new external
// ids. Temp state is removed on every terminal path; a janitor reconciles
// whatever a crashed worker left behind.
package imports

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	// Error is the default imports errs class.
	Error = errs.Class("imports")

	// ErrNotFound is returned when a job or its project does not exist.
	ErrNotFound = errs.Class("import not found")

	// ErrValidation is returned when the uploaded archive is rejected
	// before a job is created.
	ErrValidation = errs.Class("import validation")

	// ErrBlocked is returned when the user is banned from importing.
	ErrBlocked = errs.Class("temporarily blocked")

	mon = monkit.Package()
)

// Rejection reasons surfaced to clients and recorded with abuse rows.
const (
	ReasonInvalidZip       = "invalid_zip"
	ReasonPathTraversal    = "path_traversal"
	ReasonCompressionRatio = "compression_ratio"
	ReasonExtractedSize    = "extracted_size"
	ReasonFileCount        = "file_count"
	ReasonNestedArchive    = "nested_archive"
	ReasonPathDepth        = "path_depth"
	ReasonNoContent        = "no_importable_content"
)

// JobStatus is the lifecycle of an import job.
type JobStatus string

const (
	// JobPending is a created job waiting for a worker.
	JobPending JobStatus = "pending"
	// JobProcessing is claimed by a worker.
	JobProcessing JobStatus = "processing"
	// JobCompleted finished with pages created.
	JobCompleted JobStatus = "completed"
	// JobFailed terminated without creating pages.
	JobFailed JobStatus = "failed"
)

// Job is one requested archive ingestion.
type Job struct {
	ID         uuid.UUID `json:"id"`
	ExternalID string    `json:"externalId"`
	UserID     uuid.UUID `json:"userId"`
	ProjectID  uuid.UUID `json:"projectId"`

	Status JobStatus `json:"status"`
	// Message is the concise failure reason on failed jobs.
	Message string `json:"message,omitempty"`

	Total    int `json:"total"`
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Archive is the one-to-one upload record of a job. It tracks the local
// temp path while the import is in flight and the durable storage key
// after successful ingestion.
type Archive struct {
	JobID    uuid.UUID `json:"jobId"`
	Filename string    `json:"filename"`
	Size     int64     `json:"size"`

	TempPath   string `json:"-"`
	StorageKey string `json:"storageKey,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ImportedPage records one page a job created, with the archive path it
// came from.
type ImportedPage struct {
	JobID      uuid.UUID `json:"jobId"`
	PageID     uuid.UUID `json:"pageId"`
	SourcePath string    `json:"sourcePath"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Jobs exposes methods to manage the import job table.
//
// architecture: Database
type Jobs interface {
	// Insert stores a job row.
	Insert(ctx context.Context, job *Job) (*Job, error)
	// Get returns the job by id, or sql.ErrNoRows.
	Get(ctx context.Context, id uuid.UUID) (*Job, error)
	// GetByExternalID returns the job by external id, or sql.ErrNoRows.
	GetByExternalID(ctx context.Context, externalID string) (*Job, error)
	// ListByUser returns the user's jobs, newest first.
	ListByUser(ctx context.Context, userID uuid.UUID) ([]Job, error)
	// SetStatus transitions the job and records the failure message.
	SetStatus(ctx context.Context, id uuid.UUID, status JobStatus, message string) error
	// SetCounters stores the final counters.
	SetCounters(ctx context.Context, id uuid.UUID, total, imported, skipped, failed int) error
	// ListStale returns jobs created before the cutoff whose archive still
	// holds a temp path.
	ListStale(ctx context.Context, olderThan time.Time) ([]Job, error)
}

// Archives exposes methods to manage the archive table.
//
// architecture: Database
type Archives interface {
	// Insert stores an archive row.
	Insert(ctx context.Context, archive *Archive) (*Archive, error)
	// Get returns the job's archive, or sql.ErrNoRows.
	Get(ctx context.Context, jobID uuid.UUID) (*Archive, error)
	// SetTempPath replaces the temp path; empty clears it.
	SetTempPath(ctx context.Context, jobID uuid.UUID, path string) error
	// SetStorageKey records the durable location of the archive.
	SetStorageKey(ctx context.Context, jobID uuid.UUID, key string) error
}

// Pages exposes methods to manage the imported-page bookkeeping table.
//
// architecture: Database
type Pages interface {
	// Insert records a created page.
	Insert(ctx context.Context, page *ImportedPage) error
	// ListByJob returns the pages the job created, in creation order.
	ListByJob(ctx context.Context, jobID uuid.UUID) ([]ImportedPage, error)
}

// DB bundles the import tables.
//
// architecture: Database
type DB interface {
	Jobs() Jobs
	Archives() Archives
	Pages() Pages

	// WithTx runs fn inside a transaction.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx DB) error) error
}
