// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package files

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"inkwell.io/inkwell/server/console"
	"inkwell.io/inkwell/server/jobq"
	"inkwell.io/inkwell/server/objstore"
	"inkwell.io/inkwell/server/ratelimit"
)

// Config contains configuration for the files service.
type Config struct {
	MaxFileSize         int64    `help:"maximum upload size in bytes" default:"52428800"`
	AllowedContentTypes []string `help:"content types accepted for upload" default:"image/png,image/jpeg,image/gif,image/webp,application/pdf,text/plain,text/markdown,text/csv"`
	PreviewableTypes    []string `help:"image types served inline instead of as attachments" default:"image/png,image/jpeg,image/gif,image/webp"`

	UploadURLExpiry        time.Duration `help:"validity of presigned upload urls" default:"10m"`
	DownloadURLExpiry      time.Duration `help:"validity of authenticated download urls" default:"10m"`
	TokenDownloadURLExpiry time.Duration `help:"validity of token download urls" default:"5m"`

	UploadLimit  int           `help:"uploads allowed per user per window" default:"20"`
	UploadWindow time.Duration `help:"window for the upload counter" default:"1h"`
}

// Service handles upload issuance, verification and download links.
//
// architecture: Service
type Service struct {
	log     *zap.Logger
	db      DB
	console console.DB
	perms   *console.Permissions
	stores  *objstore.Stores
	queue   jobq.Queue
	limiter ratelimit.Limiter

	config Config
}

// NewService returns new instance of Service.
func NewService(log *zap.Logger, db DB, consoleDB console.DB, perms *console.Permissions, stores *objstore.Stores, queue jobq.Queue, limiter ratelimit.Limiter, config Config) *Service {
	return &Service{
		log:     log,
		db:      db,
		console: consoleDB,
		perms:   perms,
		stores:  stores,
		queue:   queue,
		limiter: limiter,
		config:  config,
	}
}

// CreateUploadRequest is the input of CreateUpload.
type CreateUploadRequest struct {
	ProjectID   uuid.UUID `json:"projectId"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
}

// Upload is a pending file together with its presigned upload slot.
type Upload struct {
	File      *File             `json:"file"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// CreateUpload validates the request, records a pending file and issues a
// presigned upload URL on the primary provider.
func (s *Service) CreateUpload(ctx context.Context, req CreateUploadRequest) (_ *Upload, err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := console.GetAuth(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.validateUpload(req); err != nil {
		return nil, err
	}

	project, err := s.resolveProject(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if err := s.require(ctx, &auth.User, console.ActionEditProject, console.Target{Project: project}); err != nil {
		return nil, err
	}
	if err := s.consumeUploadSlot(ctx, auth.User.ID); err != nil {
		return nil, err
	}

	token, err := console.NewSecret(32)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	file := &File{
		ID:          uuid.New(),
		ExternalID:  uuid.NewString(),
		ProjectID:   project.ID,
		UploaderID:  auth.User.ID,
		Filename:    req.Filename,
		ContentType: req.ContentType,
		Size:        req.Size,
		Status:      StatusPendingURL,
		AccessToken: token,
	}

	provider := s.stores.PrimaryName()
	err = s.db.WithTx(ctx, func(ctx context.Context, tx DB) error {
		file, err = tx.Files().Insert(ctx, file)
		if err != nil {
			return err
		}
		_, err = tx.Blobs().Insert(ctx, &Blob{
			FileID:   file.ID,
			Provider: provider,
			Status:   BlobPending,
		})
		return err
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	signed, err := s.stores.Primary().GenerateUploadURL(ctx, "", ObjectKey(file), req.ContentType, req.Size, s.config.UploadURLExpiry)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	s.log.Info("upload created",
		zap.Stringer("file_id", file.ID),
		zap.String("provider", provider),
		zap.Int64("size", req.Size))

	return &Upload{
		File:      file,
		URL:       signed.URL,
		Headers:   signed.Headers,
		ExpiresAt: time.Now().Add(s.config.UploadURLExpiry),
	}, nil
}

// FinalizeUpload verifies the uploaded object and flips the file to
// available. Idempotent: a second call returns the recorded blob unchanged.
//
// The storage HEAD runs between two short locked transactions instead of
// under the row lock, so the lock never spans a network round-trip.
func (s *Service) FinalizeUpload(ctx context.Context, fileExternalID string) (_ *File, _ *Blob, err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := console.GetAuth(ctx)
	if err != nil {
		return nil, nil, err
	}
	file, err := s.resolveFile(ctx, fileExternalID)
	if err != nil {
		return nil, nil, err
	}
	project, err := s.resolveProject(ctx, file.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.require(ctx, &auth.User, console.ActionEditProject, console.Target{Project: project}); err != nil {
		return nil, nil, err
	}

	blobs, err := s.db.Blobs().ListByFile(ctx, file.ID)
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}
	if len(blobs) == 0 {
		return nil, nil, Error.New("file %s has no upload slot", fileExternalID)
	}
	// The first slot is the one CreateUpload reserved; replicas come later.
	upload := blobs[0]

	var done *Blob
	err = s.db.WithTx(ctx, func(ctx context.Context, tx DB) error {
		locked, err := tx.Files().GetForUpdate(ctx, file.ID)
		if err != nil {
			return err
		}
		if locked.Status == StatusAvailable {
			file = locked
			done, err = s.firstVerified(ctx, tx, locked.ID)
			return err
		}
		return tx.Files().SetStatus(ctx, file.ID, StatusFinalizing)
	})
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}
	if done != nil {
		return file, done, nil
	}

	store, ok := s.stores.Get(upload.Provider)
	if !ok {
		return nil, nil, Error.New("provider %q is not configured", upload.Provider)
	}
	info, err := store.HeadObject(ctx, "", ObjectKey(file))
	if objstore.ErrNotFound.Has(err) {
		if err := s.revertFinalizing(ctx, file.ID); err != nil {
			s.log.Warn("failed reverting finalize", zap.Stringer("file_id", file.ID), zap.Error(err))
		}
		return nil, nil, ErrUploadIncomplete.New("no object stored for file %s", fileExternalID)
	}
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}
	if info.Size != file.Size {
		if err := s.failUpload(ctx, file.ID, upload.Provider); err != nil {
			return nil, nil, Error.Wrap(err)
		}
		return nil, nil, ErrValidation.New("uploaded object is %d bytes, declared %d", info.Size, file.Size)
	}

	err = s.db.WithTx(ctx, func(ctx context.Context, tx DB) error {
		locked, err := tx.Files().GetForUpdate(ctx, file.ID)
		if err != nil {
			return err
		}
		if locked.Status == StatusAvailable {
			file = locked
			done, err = s.firstVerified(ctx, tx, locked.ID)
			return err
		}
		if err := tx.Blobs().MarkVerified(ctx, file.ID, upload.Provider, info.ETag, info.Size); err != nil {
			return err
		}
		return tx.Files().SetStatus(ctx, file.ID, StatusAvailable)
	})
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}
	if done == nil {
		done, err = s.db.Blobs().Get(ctx, file.ID, upload.Provider)
		if err != nil {
			return nil, nil, Error.Wrap(err)
		}
		file.Status = StatusAvailable
		s.enqueueReplication(ctx, file, upload.Provider)
	}

	s.log.Info("upload finalized",
		zap.Stringer("file_id", file.ID),
		zap.String("provider", upload.Provider),
		zap.String("etag", done.ETag))

	return file, done, nil
}

// GetFile returns a file by external id, requiring read access to its
// project.
func (s *Service) GetFile(ctx context.Context, fileExternalID string) (_ *File, err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := console.GetAuth(ctx)
	if err != nil {
		return nil, err
	}
	file, err := s.resolveFile(ctx, fileExternalID)
	if err != nil {
		return nil, err
	}
	project, err := s.resolveProject(ctx, file.ProjectID)
	if err != nil {
		return nil, err
	}
	if err := s.require(ctx, &auth.User, console.ActionReadProject, console.Target{Project: project}); err != nil {
		return nil, err
	}
	return file, nil
}

// DeleteFile soft-deletes a file, stopping downloads immediately. The
// stored objects stay behind; cleanup is an operational concern.
func (s *Service) DeleteFile(ctx context.Context, fileExternalID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := console.GetAuth(ctx)
	if err != nil {
		return err
	}
	file, err := s.resolveFile(ctx, fileExternalID)
	if err != nil {
		return err
	}
	project, err := s.resolveProject(ctx, file.ProjectID)
	if err != nil {
		return err
	}
	if err := s.require(ctx, &auth.User, console.ActionEditProject, console.Target{Project: project}); err != nil {
		return err
	}
	return Error.Wrap(s.db.Files().MarkDeleted(ctx, file.ID))
}

// DownloadLink is a short-lived presigned URL.
type DownloadLink struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// DownloadByToken authorises a download by the (project external id, file
// external id, access token) triple alone and returns a presigned URL.
//
// Every failed criterion is the same not-found: the token is the sole
// credential, so misses must not reveal which files exist.
func (s *Service) DownloadByToken(ctx context.Context, projectExternalID, fileExternalID, token, preferredProvider string) (_ *DownloadLink, err error) {
	defer mon.Task()(&ctx)(&err)

	file, err := s.db.Files().GetByExternalID(ctx, fileExternalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound.New("file")
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if subtle.ConstantTimeCompare([]byte(file.AccessToken), []byte(token)) != 1 {
		return nil, ErrNotFound.New("file")
	}
	if file.IsDeleted || file.Status != StatusAvailable {
		return nil, ErrNotFound.New("file")
	}
	project, err := s.console.Projects().Get(ctx, file.ProjectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound.New("file")
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if project.IsDeleted || project.ExternalID != projectExternalID {
		return nil, ErrNotFound.New("file")
	}

	return s.presignDownload(ctx, file, preferredProvider, s.config.TokenDownloadURLExpiry)
}

// DownloadURL returns a presigned download URL for an authenticated caller
// with read access. Authenticated links live longer than token links.
func (s *Service) DownloadURL(ctx context.Context, fileExternalID, preferredProvider string) (_ *DownloadLink, err error) {
	defer mon.Task()(&ctx)(&err)

	file, err := s.GetFile(ctx, fileExternalID)
	if err != nil {
		return nil, err
	}
	if file.Status != StatusAvailable {
		return nil, ErrNotFound.New("file")
	}
	return s.presignDownload(ctx, file, preferredProvider, s.config.DownloadURLExpiry)
}

// Resolve maps a (project external id, file external id) content reference
// to the file's internal id. Only live, available files under the named
// project resolve; everything else reports not found without error.
func (s *Service) Resolve(ctx context.Context, projectExternalID, fileExternalID string) (_ uuid.UUID, _ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	file, err := s.db.Files().GetByExternalID(ctx, fileExternalID)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.UUID{}, false, nil
	}
	if err != nil {
		return uuid.UUID{}, false, Error.Wrap(err)
	}
	if file.IsDeleted || file.Status != StatusAvailable {
		return uuid.UUID{}, false, nil
	}
	project, err := s.console.Projects().Get(ctx, file.ProjectID)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.UUID{}, false, nil
	}
	if err != nil {
		return uuid.UUID{}, false, Error.Wrap(err)
	}
	if project.IsDeleted || project.ExternalID != projectExternalID {
		return uuid.UUID{}, false, nil
	}
	return file.ID, true, nil
}

func (s *Service) presignDownload(ctx context.Context, file *File, preferredProvider string, expiry time.Duration) (*DownloadLink, error) {
	blobs, err := s.db.Blobs().ListByFile(ctx, file.ID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	blob := s.pickBlob(blobs, preferredProvider)
	if blob == nil {
		return nil, ErrNotFound.New("file")
	}
	store, ok := s.stores.Get(blob.Provider)
	if !ok {
		return nil, Error.New("provider %q is not configured", blob.Provider)
	}

	url, err := store.GenerateDownloadURL(ctx, "", ObjectKey(file), expiry, s.dispositionFilename(file))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &DownloadLink{URL: url, ExpiresAt: time.Now().Add(expiry)}, nil
}

// pickBlob selects the blob downloads serve from: the preferred provider
// when it holds a verified copy, otherwise the first remote one, otherwise
// the first verified copy at all. Unverified slots and providers this
// process has no store for never serve.
func (s *Service) pickBlob(blobs []Blob, preferredProvider string) *Blob {
	var fallback *Blob
	for i := range blobs {
		blob := &blobs[i]
		if blob.Status != BlobVerified {
			continue
		}
		if _, ok := s.stores.Get(blob.Provider); !ok {
			continue
		}
		if blob.Provider == preferredProvider {
			return blob
		}
		if fallback == nil || (!objstore.IsRemote(fallback.Provider) && objstore.IsRemote(blob.Provider)) {
			fallback = blob
		}
	}
	return fallback
}

// dispositionFilename returns the attachment filename, or empty for image
// types browsers should render inline.
func (s *Service) dispositionFilename(file *File) string {
	for _, previewable := range s.config.PreviewableTypes {
		if file.ContentType == previewable {
			return ""
		}
	}
	return file.Filename
}

func (s *Service) firstVerified(ctx context.Context, tx DB, fileID uuid.UUID) (*Blob, error) {
	blobs, err := tx.Blobs().ListByFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	for i := range blobs {
		if blobs[i].Status == BlobVerified {
			return &blobs[i], nil
		}
	}
	return nil, Error.New("available file %s has no verified blob", fileID)
}

// revertFinalizing returns a file whose object never appeared to
// pending_url so the client can retry the upload.
func (s *Service) revertFinalizing(ctx context.Context, fileID uuid.UUID) error {
	return s.db.WithTx(ctx, func(ctx context.Context, tx DB) error {
		locked, err := tx.Files().GetForUpdate(ctx, fileID)
		if err != nil {
			return err
		}
		if locked.Status != StatusFinalizing {
			return nil
		}
		return tx.Files().SetStatus(ctx, fileID, StatusPendingURL)
	})
}

// failUpload records a verification mismatch on the file and its upload
// slot.
func (s *Service) failUpload(ctx context.Context, fileID uuid.UUID, provider string) error {
	return s.db.WithTx(ctx, func(ctx context.Context, tx DB) error {
		locked, err := tx.Files().GetForUpdate(ctx, fileID)
		if err != nil {
			return err
		}
		if locked.Status == StatusAvailable {
			return nil
		}
		if err := tx.Blobs().MarkFailed(ctx, fileID, provider); err != nil {
			return err
		}
		return tx.Files().SetStatus(ctx, fileID, StatusFailed)
	})
}

// enqueueReplication schedules a copy of the fresh blob to every other
// configured provider. Failures only log: replication is redundancy, not
// part of the upload contract.
func (s *Service) enqueueReplication(ctx context.Context, file *File, sourceProvider string) {
	if s.queue == nil {
		return
	}
	for _, name := range s.stores.Names() {
		if name == sourceProvider {
			continue
		}
		err := s.queue.Enqueue(ctx, jobq.QueueMaintenance, jobq.TaskReplicateBlob, map[string]string{
			"file_id":         file.ID.String(),
			"target_provider": name,
		})
		if err != nil {
			s.log.Warn("blob replication not enqueued",
				zap.Stringer("file_id", file.ID),
				zap.String("target_provider", name),
				zap.Error(err))
		}
	}
}

func (s *Service) validateUpload(req CreateUploadRequest) error {
	if req.Filename == "" {
		return ErrValidation.New("filename is required")
	}
	if req.Size <= 0 {
		return ErrValidation.New("size must be positive")
	}
	if req.Size > s.config.MaxFileSize {
		return ErrValidation.New("file exceeds %d bytes", s.config.MaxFileSize)
	}
	for _, allowed := range s.config.AllowedContentTypes {
		if req.ContentType == allowed {
			return nil
		}
	}
	return ErrValidation.New("content type %q is not allowed", req.ContentType)
}

func (s *Service) resolveFile(ctx context.Context, externalID string) (*File, error) {
	file, err := s.db.Files().GetByExternalID(ctx, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound.New("file")
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if file.IsDeleted {
		return nil, ErrNotFound.New("file")
	}
	return file, nil
}

func (s *Service) resolveProject(ctx context.Context, id uuid.UUID) (*console.Project, error) {
	project, err := s.console.Projects().Get(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound.New("project")
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if project.IsDeleted {
		return nil, ErrNotFound.New("project")
	}
	return project, nil
}

func (s *Service) require(ctx context.Context, user *console.User, action console.Action, target console.Target) error {
	allowed, err := s.perms.Can(ctx, user, action, target)
	if err != nil {
		return Error.Wrap(err)
	}
	if !allowed {
		return console.ErrUnauthorized.New("access denied")
	}
	return nil
}

func (s *Service) consumeUploadSlot(ctx context.Context, userID uuid.UUID) error {
	if s.limiter == nil {
		return nil
	}
	result, err := s.limiter.Allow(ctx, ratelimit.UploadUserKey(userID), s.config.UploadLimit, s.config.UploadWindow)
	if err != nil {
		return Error.Wrap(err)
	}
	if !result.Allowed {
		return ErrRateLimited.New("upload budget exhausted")
	}
	return nil
}
