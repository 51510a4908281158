// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

// Package files implements uploaded file tracking and the blob records
// binding files to object storage providers.
//
// Bytes never pass through the platform on the upload or download path:
// clients PUT to a presigned URL and finalize afterwards, downloads redirect
// to a presigned GET. A file's status is the single source of truth for
// downloadability.
package files

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var mon = monkit.Package()

var (
	// Error describes internal files errors.
	Error = errs.Class("files")

	// ErrNotFound occurs when a file does not exist, is deleted, or the
	// caller's download criteria do not match.
	ErrNotFound = errs.Class("file not found")
	// ErrValidation occurs on malformed or out-of-policy upload requests.
	ErrValidation = errs.Class("validation")
	// ErrUploadIncomplete occurs when finalize finds no object in storage.
	ErrUploadIncomplete = errs.Class("upload incomplete")
	// ErrRateLimited occurs when the per-user upload counter is exhausted.
	ErrRateLimited = errs.Class("rate limited")
)

// Status is the lifecycle state of a file.
type Status string

const (
	// StatusPendingURL means an upload URL was issued and no object has
	// been verified yet.
	StatusPendingURL Status = "pending_url"
	// StatusFinalizing means a finalize call is verifying the object.
	StatusFinalizing Status = "finalizing"
	// StatusAvailable means a verified blob exists and downloads serve.
	StatusAvailable Status = "available"
	// StatusFailed means verification rejected the uploaded object.
	StatusFailed Status = "failed"
)

// BlobStatus is the per-provider state of a file's bytes.
type BlobStatus string

const (
	// BlobPending means the provider slot is reserved but unverified.
	BlobPending BlobStatus = "pending"
	// BlobVerified means the provider holds the object and its metadata
	// has been recorded.
	BlobVerified BlobStatus = "verified"
	// BlobFailed means verification rejected the provider's object.
	BlobFailed BlobStatus = "failed"
)

// File is a database object describing one uploaded file.
type File struct {
	ID         uuid.UUID `json:"id"`
	ExternalID string    `json:"externalId"`
	ProjectID  uuid.UUID `json:"projectId"`
	UploaderID uuid.UUID `json:"uploaderId"`

	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`

	Status Status `json:"status"`

	// AccessToken authorises anonymous download of this file.
	AccessToken string `json:"-"`

	IsDeleted bool `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Blob records a file's bytes on one storage provider. At most one row
// exists per (file, provider).
type Blob struct {
	FileID   uuid.UUID  `json:"fileId"`
	Provider string     `json:"provider"`
	Status   BlobStatus `json:"status"`

	ETag string `json:"etag"`
	Size int64  `json:"size"`

	CreatedAt  time.Time  `json:"createdAt"`
	VerifiedAt *time.Time `json:"verifiedAt,omitempty"`
}

// Files exposes methods to manage the files table in the database.
//
// architecture: Database
type Files interface {
	// Insert is a method for inserting a file into the database.
	Insert(ctx context.Context, file *File) (*File, error)
	// Get is a method for querying a file from the database by id.
	//
	// Soft-deleted files are returned; callers filter on IsDeleted.
	Get(ctx context.Context, id uuid.UUID) (*File, error)
	// GetByExternalID is a method for querying a file by external id.
	GetByExternalID(ctx context.Context, externalID string) (*File, error)
	// GetForUpdate locks the file row until the surrounding transaction
	// ends. Must run inside WithTx.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*File, error)
	// SetStatus moves the file to status and bumps updated_at.
	SetStatus(ctx context.Context, id uuid.UUID, status Status) error
	// MarkDeleted soft-deletes the file.
	MarkDeleted(ctx context.Context, id uuid.UUID) error
}

// Blobs exposes methods to manage the file_blobs table in the database.
//
// architecture: Database
type Blobs interface {
	// Insert reserves the (file, provider) slot. Inserting an existing
	// slot is a no-op; the stored row is returned either way.
	Insert(ctx context.Context, blob *Blob) (*Blob, error)
	// Get returns the blob for the (file, provider) pair.
	Get(ctx context.Context, fileID uuid.UUID, provider string) (*Blob, error)
	// ListByFile returns the file's blobs ordered by creation, so the
	// original upload slot comes first.
	ListByFile(ctx context.Context, fileID uuid.UUID) ([]Blob, error)
	// MarkVerified flips the slot to verified and records the object
	// metadata reported by the provider.
	MarkVerified(ctx context.Context, fileID uuid.UUID, provider, etag string, size int64) error
	// MarkFailed flips the slot to failed.
	MarkFailed(ctx context.Context, fileID uuid.UUID, provider string) error
}

// DB combines the file repositories with transaction support.
//
// architecture: Database
type DB interface {
	Files() Files
	Blobs() Blobs

	// WithTx starts a transaction scope; fn's tx view runs every
	// repository call on the same transaction.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx DB) error) error
}

// ObjectKey returns the storage key of the file's blobs. Every provider
// stores under the same key, so replication needs no per-provider state.
func ObjectKey(file *File) string {
	return "files/" + file.ExternalID + "/" + SanitizeFilename(file.Filename)
}

// SanitizeFilename reduces a client-supplied filename to characters safe in
// storage keys and URLs. Anything outside [a-zA-Z0-9._-] becomes an
// underscore, dot runs collapse so the result never contains "..", and an
// empty result falls back to "file".
func SanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	for strings.Contains(out, "..") {
		out = strings.ReplaceAll(out, "..", ".")
	}
	if strings.Trim(out, "._") == "" {
		return "file"
	}
	return out
}
