// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package imports

import (
	"archive/zip"
	"context"
	"database/sql"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"inkwell.io/inkwell/server/abuse"
	"inkwell.io/inkwell/server/files"
	"inkwell.io/inkwell/server/jobq"
)

// HandleProcessImport ingests the archive of a pending job. Only pending
// jobs are processed, so redelivered duplicates are dropped. Once the
// archive is opened every outcome is terminal: the temp file is removed
// on all paths and a redelivery could not do better, so rejects and
// pipeline failures mark the job failed instead of retrying.
func (s *Service) HandleProcessImport(ctx context.Context, job jobq.Job) (err error) {
	defer mon.Task()(&ctx)(&err)

	jobID, err := uuid.Parse(job.Args["job_id"])
	if err != nil {
		return Error.New("invalid job id %q", job.Args["job_id"])
	}

	row, err := s.db.Jobs().Get(ctx, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return Error.New("job %s does not exist", jobID)
	}
	if err != nil {
		return jobq.Retryable(Error.Wrap(err))
	}
	if row.Status != JobPending {
		s.log.Info("skipping import job not in pending",
			zap.Stringer("job_id", jobID), zap.String("status", string(row.Status)))
		return nil
	}

	archive, err := s.db.Archives().Get(ctx, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return Error.New("job %s has no archive", jobID)
	}
	if err != nil {
		return jobq.Retryable(Error.Wrap(err))
	}
	if archive.TempPath == "" {
		return s.failJob(ctx, row, "archive file missing")
	}

	if err := s.db.Jobs().SetStatus(ctx, jobID, JobProcessing, ""); err != nil {
		return jobq.Retryable(Error.Wrap(err))
	}

	result := s.process(ctx, row, archive)

	completed := result.reject == nil && result.err == nil && result.imported > 0
	if completed {
		// needs the temp file, so it runs before cleanup
		s.archiveToStorage(ctx, row, archive)
	}
	s.cleanup(ctx, row.ID, archive.TempPath, result.scratchDir)

	if err := s.db.Jobs().SetCounters(ctx, row.ID, result.total, result.imported, result.skipped, result.failed); err != nil {
		s.log.Error("import counters not recorded", zap.Stringer("job_id", row.ID), zap.Error(err))
	}

	switch {
	case result.reject != nil:
		s.recordReject(ctx, row, result.reject)
		return s.failJob(ctx, row, result.reject.Reason)
	case result.err != nil:
		s.log.Error("import failed", zap.Stringer("job_id", row.ID), zap.Error(result.err))
		return s.failJob(ctx, row, "internal error")
	case !completed:
		return s.failJob(ctx, row, ReasonNoContent)
	}

	if err := s.db.Jobs().SetStatus(ctx, row.ID, JobCompleted, ""); err != nil {
		return Error.Wrap(err)
	}
	s.log.Info("import completed",
		zap.Stringer("job_id", row.ID),
		zap.Int("imported", result.imported),
		zap.Int("skipped", result.skipped),
		zap.Int("failed", result.failed))
	return nil
}

type processResult struct {
	scratchDir string
	reject     *RejectError
	err        error

	total    int
	imported int
	skipped  int
	failed   int
}

// process inspects, extracts, parses and creates pages. It never touches
// job status; the caller turns the result into the terminal transition.
func (s *Service) process(ctx context.Context, job *Job, archive *Archive) (result processResult) {
	reader, err := zip.OpenReader(archive.TempPath)
	if err != nil {
		result.reject = &RejectError{Reason: ReasonInvalidZip}
		return result
	}
	defer func() { _ = reader.Close() }()

	report, reject := inspectArchive(reader.File, archive.Size, s.config)
	if reject != nil {
		result.reject = reject
		return result
	}
	s.log.Debug("import archive inspected",
		zap.Stringer("job_id", job.ID),
		zap.Int("entries", report.Entries),
		zap.Int64("uncompressed_size", report.UncompressedSize))

	scratch, err := os.MkdirTemp(s.config.TempDir, "inkwell-extract-*")
	if err != nil {
		result.err = err
		return result
	}
	result.scratchDir = scratch

	reject, err = extractArchive(reader.File, scratch)
	if reject != nil {
		result.reject = reject
		return result
	}
	if err != nil {
		result.err = err
		return result
	}

	sources, total, skipped, failed, err := collectNotionPages(scratch)
	if err != nil {
		result.err = err
		return result
	}
	result.total, result.skipped, result.failed = total, skipped, failed
	if len(sources) == 0 {
		return result
	}

	pages, err := buildPages(job, sources)
	if err != nil {
		result.err = err
		return result
	}
	if err := s.console.Pages().InsertBatch(ctx, pages); err != nil {
		result.err = err
		return result
	}
	result.imported = len(pages)

	for i, page := range pages {
		err := s.db.Pages().Insert(ctx, &ImportedPage{
			JobID:      job.ID,
			PageID:     page.ID,
			SourcePath: sources[i].relPath,
		})
		if err != nil {
			s.log.Warn("imported page not recorded",
				zap.Stringer("page_id", page.ID), zap.Error(err))
		}
	}
	return result
}

// extractArchive inflates the entries under dest. Inflation is bounded by
// each entry's declared size; an entry producing more bytes than declared
// lied to the inspection pass and rejects the archive.
func extractArchive(entries []*zip.File, dest string) (*RejectError, error) {
	cleanDest := filepath.Clean(dest)
	for _, entry := range entries {
		target := filepath.Join(dest, filepath.FromSlash(entry.Name))
		if !strings.HasPrefix(target, cleanDest+string(os.PathSeparator)) {
			return &RejectError{Reason: ReasonPathTraversal}, nil
		}
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, err
		}

		declared := int64(entry.UncompressedSize64)
		rc, err := entry.Open()
		if err != nil {
			return &RejectError{Reason: ReasonInvalidZip}, nil
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			_ = rc.Close()
			return nil, err
		}
		written, err := io.Copy(out, io.LimitReader(rc, declared+1))
		closeErr := errs.Combine(out.Close(), rc.Close())
		if err != nil {
			return nil, err
		}
		if closeErr != nil {
			return nil, closeErr
		}
		if written > declared {
			return &RejectError{Reason: ReasonInvalidZip}, nil
		}
	}
	return nil, nil
}

// archiveToStorage preserves the original upload next to the pages it
// produced. Failure is logged and does not fail the job; the pages are
// already created.
func (s *Service) archiveToStorage(ctx context.Context, job *Job, archive *Archive) {
	data, err := os.ReadFile(archive.TempPath)
	if err != nil {
		s.log.Warn("import archive not preserved",
			zap.Stringer("job_id", job.ID), zap.Error(err))
		return
	}
	key := "imports/" + job.ExternalID + "/" + files.SanitizeFilename(archive.Filename)
	if _, err := s.stores.Primary().PutObject(ctx, "", key, data, "application/zip"); err != nil {
		s.log.Warn("import archive not preserved",
			zap.Stringer("job_id", job.ID), zap.Error(err))
		return
	}
	if err := s.db.Archives().SetStorageKey(ctx, job.ID, key); err != nil {
		s.log.Warn("import archive key not recorded",
			zap.Stringer("job_id", job.ID), zap.Error(err))
	}
}

// cleanup removes the temp spool and scratch dir and clears the recorded
// temp path. It runs on every terminal path.
func (s *Service) cleanup(ctx context.Context, jobID uuid.UUID, tempPath, scratchDir string) {
	if scratchDir != "" {
		if err := os.RemoveAll(scratchDir); err != nil {
			s.log.Warn("import scratch dir not removed",
				zap.String("dir", scratchDir), zap.Error(err))
		}
	}
	if tempPath != "" {
		if err := os.Remove(tempPath); err != nil && !os.IsNotExist(err) {
			s.log.Warn("import temp file not removed",
				zap.String("path", tempPath), zap.Error(err))
		}
	}
	if err := s.db.Archives().SetTempPath(ctx, jobID, ""); err != nil {
		s.log.Warn("import temp path not cleared",
			zap.Stringer("job_id", jobID), zap.Error(err))
	}
}

// recordReject surfaces the rejection to the abuse tracker. Traversal and
// corrupt archives carry no severity and are only logged.
func (s *Service) recordReject(ctx context.Context, job *Job, reject *RejectError) {
	s.log.Warn("import archive rejected",
		zap.Stringer("job_id", job.ID),
		zap.Stringer("user_id", job.UserID),
		zap.String("reason", reject.Reason),
		zap.String("severity", string(reject.Severity)))
	if reject.Severity == "" {
		return
	}
	jobID := job.ID
	_, err := s.abuse.Record(ctx, abuse.Violation{
		UserID:   job.UserID,
		Reason:   reject.Reason,
		Severity: reject.Severity,
		Detail:   reject.Report,
		JobID:    &jobID,
	})
	if err != nil {
		s.log.Error("abuse record failed",
			zap.Stringer("job_id", job.ID), zap.Error(err))
	}
}

func (s *Service) failJob(ctx context.Context, job *Job, message string) error {
	if err := s.db.Jobs().SetStatus(ctx, job.ID, JobFailed, message); err != nil {
		return Error.Wrap(err)
	}
	return nil
}
