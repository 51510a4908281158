// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package imports

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"inkwell.io/inkwell/server/abuse"
	"inkwell.io/inkwell/server/console"
	"inkwell.io/inkwell/server/jobq"
	"inkwell.io/inkwell/server/objstore"
)

// Config holds the import pipeline options. The bomb thresholds apply to
// the archive's declared directory listing, before anything is inflated.
type Config struct {
	TempDir        string `help:"directory archives are spooled to, system temp when empty" default:""`
	MaxArchiveSize int64  `help:"maximum accepted archive size" default:"268435456"`

	MaxRatio     float64 `help:"maximum total uncompressed to compressed size ratio" default:"30"`
	MaxTotalSize int64   `help:"maximum summed uncompressed size" default:"5368709120"`
	MaxFileSize  int64   `help:"maximum single entry uncompressed size" default:"1073741824"`
	MaxEntries   int     `help:"maximum archive entry count" default:"100000"`
	MaxDepth     int     `help:"maximum entry path depth" default:"30"`

	StaleAfter      time.Duration `help:"age after which an unfinished import times out" default:"24h"`
	JanitorInterval time.Duration `help:"how often stale imports are reconciled" default:"1h"`
}

// Service accepts archives and runs the ingestion pipeline.
//
// architecture: Service
type Service struct {
	log     *zap.Logger
	db      DB
	console console.DB
	perms   *console.Permissions
	abuse   *abuse.Service
	stores  *objstore.Stores
	queue   jobq.Queue
	config  Config
}

// NewService constructs an import Service.
func NewService(log *zap.Logger, db DB, consoleDB console.DB, perms *console.Permissions, abuseService *abuse.Service, stores *objstore.Stores, queue jobq.Queue, config Config) *Service {
	return &Service{
		log:     log,
		db:      db,
		console: consoleDB,
		perms:   perms,
		abuse:   abuseService,
		stores:  stores,
		queue:   queue,
		config:  config,
	}
}

// Start spools the uploaded archive to a temp file, creates the job and
// archive rows and enqueues processing. Banned users are refused before
// any bytes are read.
func (s *Service) Start(ctx context.Context, projectID uuid.UUID, filename string, content io.Reader) (_ *Job, err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := console.GetAuth(ctx)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(filepath.Ext(filename), ".zip") {
		return nil, ErrValidation.New("only zip archives are accepted")
	}

	project, err := s.resolveProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.require(ctx, &auth.User, console.ActionEditProject, console.Target{Project: project}); err != nil {
		return nil, err
	}

	blocked, err := s.abuse.ShouldBlock(ctx, auth.User.ID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if blocked {
		return nil, ErrBlocked.New("imports are blocked for this account")
	}

	tempPath, written, err := s.spool(content)
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:         uuid.New(),
		ExternalID: uuid.NewString(),
		UserID:     auth.User.ID,
		ProjectID:  project.ID,
		Status:     JobPending,
	}
	archive := &Archive{
		JobID:    job.ID,
		Filename: filename,
		Size:     written,
		TempPath: tempPath,
	}
	err = s.db.WithTx(ctx, func(ctx context.Context, tx DB) error {
		job, err = tx.Jobs().Insert(ctx, job)
		if err != nil {
			return err
		}
		archive, err = tx.Archives().Insert(ctx, archive)
		return err
	})
	if err != nil {
		_ = os.Remove(tempPath)
		return nil, Error.Wrap(err)
	}

	err = s.queue.Enqueue(ctx, jobq.QueueImports, jobq.TaskProcessNotionImport,
		map[string]string{"job_id": job.ID.String()})
	if err != nil {
		_ = os.Remove(tempPath)
		_ = s.db.Archives().SetTempPath(ctx, job.ID, "")
		_ = s.db.Jobs().SetStatus(ctx, job.ID, JobFailed, "could not enqueue processing")
		return nil, Error.Wrap(err)
	}

	s.log.Info("import started",
		zap.Stringer("job_id", job.ID),
		zap.Stringer("project_id", project.ID),
		zap.String("filename", filename),
		zap.Int64("size", written))
	return job, nil
}

// spool writes the upload to a temp file, bounding it at MaxArchiveSize.
func (s *Service) spool(content io.Reader) (string, int64, error) {
	temp, err := os.CreateTemp(s.config.TempDir, "inkwell-import-*.zip")
	if err != nil {
		return "", 0, Error.Wrap(err)
	}
	written, err := io.Copy(temp, io.LimitReader(content, s.config.MaxArchiveSize+1))
	if closeErr := temp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(temp.Name())
		return "", 0, Error.Wrap(err)
	}
	if written == 0 {
		_ = os.Remove(temp.Name())
		return "", 0, ErrValidation.New("empty archive")
	}
	if written > s.config.MaxArchiveSize {
		_ = os.Remove(temp.Name())
		return "", 0, ErrValidation.New("archive exceeds %d bytes", s.config.MaxArchiveSize)
	}
	return temp.Name(), written, nil
}

// GetJob returns a job visible to the caller.
func (s *Service) GetJob(ctx context.Context, jobExternalID string) (_ *Job, err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := console.GetAuth(ctx)
	if err != nil {
		return nil, err
	}
	job, err := s.db.Jobs().GetByExternalID(ctx, jobExternalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound.New("job")
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	project, err := s.resolveProject(ctx, job.ProjectID)
	if err != nil {
		return nil, err
	}
	if err := s.require(ctx, &auth.User, console.ActionReadProject, console.Target{Project: project}); err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs returns the caller's jobs, newest first.
func (s *Service) ListJobs(ctx context.Context) (_ []Job, err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := console.GetAuth(ctx)
	if err != nil {
		return nil, err
	}
	jobs, err := s.db.Jobs().ListByUser(ctx, auth.User.ID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return jobs, nil
}

// CleanupStale reconciles drift left by crashed workers: temp files of
// jobs older than the stale threshold are removed and their unfinished
// jobs failed.
func (s *Service) CleanupStale(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	cutoff := time.Now().Add(-s.config.StaleAfter)
	stale, err := s.db.Jobs().ListStale(ctx, cutoff)
	if err != nil {
		return Error.Wrap(err)
	}

	for _, job := range stale {
		archive, err := s.db.Archives().Get(ctx, job.ID)
		if err != nil {
			s.log.Error("stale import archive lookup failed",
				zap.Stringer("job_id", job.ID), zap.Error(err))
			continue
		}
		if archive.TempPath != "" {
			if err := os.Remove(archive.TempPath); err != nil && !os.IsNotExist(err) {
				s.log.Warn("stale import temp file not removed",
					zap.String("path", archive.TempPath), zap.Error(err))
			}
		}
		if err := s.db.Archives().SetTempPath(ctx, job.ID, ""); err != nil {
			s.log.Error("stale import temp path not cleared",
				zap.Stringer("job_id", job.ID), zap.Error(err))
			continue
		}
		if job.Status == JobPending || job.Status == JobProcessing {
			if err := s.db.Jobs().SetStatus(ctx, job.ID, JobFailed, "timed out"); err != nil {
				s.log.Error("stale import job not failed",
					zap.Stringer("job_id", job.ID), zap.Error(err))
				continue
			}
		}
		s.log.Info("stale import reconciled", zap.Stringer("job_id", job.ID))
	}
	return nil
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
