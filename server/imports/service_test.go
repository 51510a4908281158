// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package imports_test

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"inkwell.io/inkwell/private/testrand"
	"inkwell.io/inkwell/server/abuse"
	"inkwell.io/inkwell/server/console"
	"inkwell.io/inkwell/server/imports"
	"inkwell.io/inkwell/server/jobq"
	"inkwell.io/inkwell/server/objstore"
	"inkwell.io/inkwell/server/serverdb/memdb"
)

func importsTestConfig(tempDir string) imports.Config {
	return imports.Config{
		TempDir:        tempDir,
		MaxArchiveSize: 1 << 20,

		MaxRatio:     30,
		MaxTotalSize: 1 << 20,
		MaxFileSize:  1 << 19,
		MaxEntries:   100,
		MaxDepth:     10,

		StaleAfter:      24 * time.Hour,
		JanitorInterval: time.Hour,
	}
}

type importsFixture struct {
	db      *memdb.DB
	queue   *jobq.MemoryQueue
	local   *objstore.MemStore
	abuse   *abuse.Service
	service *imports.Service

	owner   console.User
	project console.Project
	ctx     context.Context
	tempDir string
}

func newImportsFixture(t *testing.T) *importsFixture {
	ctx := context.Background()
	fix := &importsFixture{
		db:      memdb.New(),
		queue:   jobq.NewMemoryQueue(),
		local:   objstore.NewMemStore(),
		tempDir: t.TempDir(),
	}

	stores, err := objstore.NewStores(objstore.ProviderLocal, map[string]objstore.Store{
		objstore.ProviderLocal: fix.local,
	})
	require.NoError(t, err)

	log := zaptest.NewLogger(t)
	fix.abuse = abuse.NewService(log, fix.db.Abuse(), abuse.Config{
		Window:            30 * 24 * time.Hour,
		CriticalThreshold: 1,
		HighThreshold:     3,
		MediumThreshold:   10,
		LowThreshold:      50,
	})
	fix.service = imports.NewService(log, fix.db.Imports(), fix.db.Console(),
		console.NewPermissions(fix.db.Console()), fix.abuse, stores, fix.queue,
		importsTestConfig(fix.tempDir))

	fix.owner = console.User{
		ID:         testrand.UUID(),
		ExternalID: testrand.Hex(12),
		Email:      testrand.Email(),
		FullName:   "importer",
	}
	_, err = fix.db.Console().Users().Insert(ctx, &fix.owner)
	require.NoError(t, err)

	fix.project = console.Project{
		ID:         testrand.UUID(),
		ExternalID: testrand.Hex(12),
		OrgID:      testrand.UUID(),
		CreatorID:  fix.owner.ID,
		Name:       "imports test",
	}
	_, err = fix.db.Console().Projects().Insert(ctx, &fix.project)
	require.NoError(t, err)

	err = fix.db.Console().Projects().AddEditor(ctx, &console.ProjectMembership{
		ProjectID: fix.project.ID,
		UserID:    fix.owner.ID,
		Role:      console.RoleEditor,
	})
	require.NoError(t, err)

	fix.ctx = console.WithAuth(ctx, console.Authorization{User: fix.owner})
	return fix
}

func (fix *importsFixture) newUser(t *testing.T, name string) (console.User, context.Context) {
	user := console.User{
		ID:         testrand.UUID(),
		ExternalID: testrand.Hex(12),
		Email:      testrand.Email(),
		FullName:   name,
	}
	_, err := fix.db.Console().Users().Insert(context.Background(), &user)
	require.NoError(t, err)
	return user, console.WithAuth(context.Background(), console.Authorization{User: user})
}

type archiveEntry struct {
	name    string
	content string
}

func buildArchive(t *testing.T, entries ...archiveEntry) []byte {
	t.Helper()

	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	for _, entry := range entries {
		w, err := writer.Create(entry.name)
		require.NoError(t, err)
		_, err = w.Write([]byte(entry.content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return buf.Bytes()
}

// notionArchive is a small export: a root page with a child page and a csv
// database under it, plus an asset that is not importable.
func notionArchive(t *testing.T) []byte {
	return buildArchive(t,
		archiveEntry{
			name: "Workspace abc123def4567890.md",
			content: "# Workspace\n\n" +
				"See [Child](Workspace%20abc123def4567890/Child%201234567890abcdef.md).",
		},
		archiveEntry{
			name: "Workspace abc123def4567890/Child 1234567890abcdef.md",
			content: "# Child\n\n" +
				"Back to [Workspace](../Workspace%20abc123def4567890.md).",
		},
		archiveEntry{
			name:    "Workspace abc123def4567890/Tasks 9876543210fedcba.csv",
			content: "name,done\nship,yes",
		},
		archiveEntry{
			name:    "assets/logo.png",
			content: "\x89PNG\r\n",
		},
	)
}

func (fix *importsFixture) start(t *testing.T, data []byte) *imports.Job {
	t.Helper()
	job, err := fix.service.Start(fix.ctx, fix.project.ID, "export.zip", bytes.NewReader(data))
	require.NoError(t, err)
	return job
}

func (fix *importsFixture) receive(t *testing.T) jobq.Job {
	t.Helper()
	queued, err := fix.queue.Receive(fix.ctx, []string{jobq.QueueImports})
	require.NoError(t, err)
	return *queued
}

func TestStartImport(t *testing.T) {
	fix := newImportsFixture(t)
	data := notionArchive(t)

	job := fix.start(t, data)
	require.Equal(t, imports.JobPending, job.Status)
	require.Equal(t, fix.owner.ID, job.UserID)
	require.Equal(t, fix.project.ID, job.ProjectID)
	_, err := uuid.Parse(job.ExternalID)
	require.NoError(t, err)

	archive, err := fix.db.Imports().Archives().Get(fix.ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, "export.zip", archive.Filename)
	require.Equal(t, int64(len(data)), archive.Size)
	require.NotEmpty(t, archive.TempPath)
	info, err := os.Stat(archive.TempPath)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), info.Size())

	require.Equal(t, 1, fix.queue.Len())
	queued := fix.receive(t)
	require.Equal(t, jobq.TaskProcessNotionImport, queued.Task)
	require.Equal(t, job.ID.String(), queued.Args["job_id"])
}

func TestStartImport_Rejections(t *testing.T) {
	fix := newImportsFixture(t)
	data := notionArchive(t)

	_, err := fix.service.Start(fix.ctx, fix.project.ID, "export.tar.gz", bytes.NewReader(data))
	require.Error(t, err)
	require.True(t, imports.ErrValidation.Has(err))

	_, err = fix.service.Start(fix.ctx, fix.project.ID, "empty.zip", bytes.NewReader(nil))
	require.Error(t, err)
	require.True(t, imports.ErrValidation.Has(err))

	huge := bytes.Repeat([]byte{'a'}, 1<<20+1)
	_, err = fix.service.Start(fix.ctx, fix.project.ID, "huge.zip", bytes.NewReader(huge))
	require.Error(t, err)
	require.True(t, imports.ErrValidation.Has(err))

	_, err = fix.service.Start(fix.ctx, testrand.UUID(), "export.zip", bytes.NewReader(data))
	require.Error(t, err)
	require.True(t, imports.ErrNotFound.Has(err))

	_, strangerCtx := fix.newUser(t, "stranger")
	_, err = fix.service.Start(strangerCtx, fix.project.ID, "export.zip", bytes.NewReader(data))
	require.Error(t, err)
	require.True(t, console.ErrUnauthorized.Has(err))

	require.Zero(t, fix.queue.Len())

	_, err = fix.abuse.Record(fix.ctx, abuse.Violation{
		UserID:   fix.owner.ID,
		Reason:   "compression_ratio",
		Severity: abuse.SeverityCritical,
	})
	require.NoError(t, err)

	_, err = fix.service.Start(fix.ctx, fix.project.ID, "export.zip", bytes.NewReader(data))
	require.Error(t, err)
	require.True(t, imports.ErrBlocked.Has(err))
}

func TestProcessImport(t *testing.T) {
	fix := newImportsFixture(t)
	data := notionArchive(t)
	job := fix.start(t, data)

	before, err := fix.db.Imports().Archives().Get(fix.ctx, job.ID)
	require.NoError(t, err)

	queued := fix.receive(t)
	require.NoError(t, fix.service.HandleProcessImport(fix.ctx, queued))

	got, err := fix.db.Imports().Jobs().Get(fix.ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, imports.JobCompleted, got.Status)
	require.Empty(t, got.Message)
	require.Equal(t, 4, got.Total)
	require.Equal(t, 3, got.Imported)
	require.Equal(t, 1, got.Skipped)
	require.Equal(t, 0, got.Failed)

	recorded, err := fix.db.Imports().Pages().ListByJob(fix.ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, recorded, 3)

	byPath := map[string]*console.Page{}
	for _, rec := range recorded {
		page, err := fix.db.Console().Pages().Get(fix.ctx, rec.PageID)
		require.NoError(t, err)
		byPath[rec.SourcePath] = page
	}

	root := byPath["Workspace abc123def4567890.md"]
	require.NotNil(t, root)
	require.Equal(t, "Workspace", root.Title)
	require.Nil(t, root.ParentID)
	require.Equal(t, fix.project.ID, root.ProjectID)
	require.Equal(t, fix.owner.ID, root.CreatorID)

	child := byPath["Workspace abc123def4567890/Child 1234567890abcdef.md"]
	require.NotNil(t, child)
	require.Equal(t, "Child", child.Title)
	require.NotNil(t, child.ParentID)
	require.Equal(t, root.ID, *child.ParentID)

	tasks := byPath["Workspace abc123def4567890/Tasks 9876543210fedcba.csv"]
	require.NotNil(t, tasks)
	require.Equal(t, "Tasks", tasks.Title)
	require.Equal(t, console.FiletypeCSV, tasks.Details.Filetype)
	require.Equal(t, root.ID, *tasks.ParentID)

	// cross-references now point at the platform pages
	require.Contains(t, root.Details.Content, "[Child](/pages/"+child.ExternalID+")")
	require.Contains(t, child.Details.Content, "[Workspace](/pages/"+root.ExternalID+")")

	// the original archive moved from the temp spool into object storage
	archive, err := fix.db.Imports().Archives().Get(fix.ctx, job.ID)
	require.NoError(t, err)
	require.Empty(t, archive.TempPath)
	require.Equal(t, "imports/"+job.ExternalID+"/export.zip", archive.StorageKey)
	stored, err := fix.local.GetObject(fix.ctx, "", archive.StorageKey)
	require.NoError(t, err)
	require.Equal(t, data, stored)
	_, err = os.Stat(before.TempPath)
	require.True(t, os.IsNotExist(err))

	// redelivery finds a non-pending job and does nothing
	require.NoError(t, fix.service.HandleProcessImport(fix.ctx, queued))
	recorded, err = fix.db.Imports().Pages().ListByJob(fix.ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, recorded, 3)
}

func TestProcessImport_TraversalRejected(t *testing.T) {
	fix := newImportsFixture(t)
	data := buildArchive(t,
		archiveEntry{name: "../escape.md", content: "# evil"},
		archiveEntry{name: "Fine abc123def4567890.md", content: "# fine"},
	)
	job := fix.start(t, data)

	before, err := fix.db.Imports().Archives().Get(fix.ctx, job.ID)
	require.NoError(t, err)

	require.NoError(t, fix.service.HandleProcessImport(fix.ctx, fix.receive(t)))

	got, err := fix.db.Imports().Jobs().Get(fix.ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, imports.JobFailed, got.Status)
	require.Equal(t, "path_traversal", got.Message)

	// hard reject, not an abuse event
	blocked, err := fix.abuse.ShouldBlock(fix.ctx, fix.owner.ID)
	require.NoError(t, err)
	require.False(t, blocked)
	for _, severity := range []abuse.Severity{
		abuse.SeverityLow, abuse.SeverityMedium, abuse.SeverityHigh, abuse.SeverityCritical,
	} {
		count, err := fix.db.Abuse().Records().CountSince(fix.ctx, fix.owner.ID, severity, time.Time{})
		require.NoError(t, err)
		require.Zero(t, count)
	}

	archive, err := fix.db.Imports().Archives().Get(fix.ctx, job.ID)
	require.NoError(t, err)
	require.Empty(t, archive.TempPath)
	require.Empty(t, archive.StorageKey)
	_, err = os.Stat(before.TempPath)
	require.True(t, os.IsNotExist(err))
}

func TestProcessImport_RatioBombBansUser(t *testing.T) {
	fix := newImportsFixture(t)
	data := buildArchive(t,
		archiveEntry{name: "bomb.md", content: string(bytes.Repeat([]byte{'a'}, 1<<19))},
	)
	job := fix.start(t, data)
	require.NoError(t, fix.service.HandleProcessImport(fix.ctx, fix.receive(t)))

	got, err := fix.db.Imports().Jobs().Get(fix.ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, imports.JobFailed, got.Status)
	require.Equal(t, "compression_ratio", got.Message)

	count, err := fix.db.Abuse().Records().CountSince(fix.ctx, fix.owner.ID, abuse.SeverityCritical, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 1, count)

	blocked, err := fix.abuse.ShouldBlock(fix.ctx, fix.owner.ID)
	require.NoError(t, err)
	require.True(t, blocked)

	// the ban takes effect on the next request
	_, err = fix.service.Start(fix.ctx, fix.project.ID, "again.zip", bytes.NewReader(notionArchive(t)))
	require.Error(t, err)
	require.True(t, imports.ErrBlocked.Has(err))
}

func TestProcessImport_InvalidZip(t *testing.T) {
	fix := newImportsFixture(t)
	job := fix.start(t, []byte("this is not a zip archive at all"))

	require.NoError(t, fix.service.HandleProcessImport(fix.ctx, fix.receive(t)))

	got, err := fix.db.Imports().Jobs().Get(fix.ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, imports.JobFailed, got.Status)
	require.Equal(t, "invalid_zip", got.Message)

	blocked, err := fix.abuse.ShouldBlock(fix.ctx, fix.owner.ID)
	require.NoError(t, err)
	require.False(t, blocked)

	archive, err := fix.db.Imports().Archives().Get(fix.ctx, job.ID)
	require.NoError(t, err)
	require.Empty(t, archive.TempPath)
}

func TestProcessImport_NoContent(t *testing.T) {
	fix := newImportsFixture(t)
	data := buildArchive(t,
		archiveEntry{name: "assets/logo.png", content: "\x89PNG\r\n"},
		archiveEntry{name: "readme.txt", content: "nothing to see"},
	)
	job := fix.start(t, data)
	require.NoError(t, fix.service.HandleProcessImport(fix.ctx, fix.receive(t)))

	got, err := fix.db.Imports().Jobs().Get(fix.ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, imports.JobFailed, got.Status)
	require.Equal(t, "no_importable_content", got.Message)
	require.Equal(t, 2, got.Total)
	require.Equal(t, 2, got.Skipped)
	require.Zero(t, got.Imported)

	recorded, err := fix.db.Imports().Pages().ListByJob(fix.ctx, job.ID)
	require.NoError(t, err)
	require.Empty(t, recorded)

	archive, err := fix.db.Imports().Archives().Get(fix.ctx, job.ID)
	require.NoError(t, err)
	require.Empty(t, archive.StorageKey)
}

func TestProcessImport_SkipsNonPending(t *testing.T) {
	fix := newImportsFixture(t)
	job := fix.start(t, notionArchive(t))
	queued := fix.receive(t)

	require.NoError(t, fix.db.Imports().Jobs().SetStatus(fix.ctx, job.ID, imports.JobCompleted, ""))
	require.NoError(t, fix.service.HandleProcessImport(fix.ctx, queued))

	got, err := fix.db.Imports().Jobs().Get(fix.ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, imports.JobCompleted, got.Status)
	require.Zero(t, got.Imported)

	recorded, err := fix.db.Imports().Pages().ListByJob(fix.ctx, job.ID)
	require.NoError(t, err)
	require.Empty(t, recorded)
}

func TestGetJobAndList(t *testing.T) {
	fix := newImportsFixture(t)
	first := fix.start(t, notionArchive(t))
	second := fix.start(t, notionArchive(t))

	got, err := fix.service.GetJob(fix.ctx, first.ExternalID)
	require.NoError(t, err)
	require.Equal(t, first.ID, got.ID)

	_, err = fix.service.GetJob(fix.ctx, uuid.NewString())
	require.Error(t, err)
	require.True(t, imports.ErrNotFound.Has(err))

	_, strangerCtx := fix.newUser(t, "stranger")
	_, err = fix.service.GetJob(strangerCtx, first.ExternalID)
	require.Error(t, err)
	require.True(t, console.ErrUnauthorized.Has(err))

	jobs, err := fix.service.ListJobs(fix.ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, second.ID, jobs[0].ID)
	require.Equal(t, first.ID, jobs[1].ID)
}

// insertStale plants an aged job with a spooled temp file, as a crashed
// worker would leave behind.
func (fix *importsFixture) insertStale(t *testing.T, status imports.JobStatus) (*imports.Job, string) {
	t.Helper()

	temp, err := os.CreateTemp(fix.tempDir, "stale-*.zip")
	require.NoError(t, err)
	_, err = temp.WriteString("leftover")
	require.NoError(t, err)
	require.NoError(t, temp.Close())

	job := &imports.Job{
		ID:         testrand.UUID(),
		ExternalID: uuid.NewString(),
		UserID:     fix.owner.ID,
		ProjectID:  fix.project.ID,
		Status:     status,
		CreatedAt:  time.Now().Add(-25 * time.Hour),
	}
	_, err = fix.db.Imports().Jobs().Insert(fix.ctx, job)
	require.NoError(t, err)
	_, err = fix.db.Imports().Archives().Insert(fix.ctx, &imports.Archive{
		JobID:    job.ID,
		Filename: "stale.zip",
		Size:     8,
		TempPath: temp.Name(),
	})
	require.NoError(t, err)
	return job, temp.Name()
}

func TestCleanupStale(t *testing.T) {
	fix := newImportsFixture(t)

	interrupted, interruptedTemp := fix.insertStale(t, imports.JobProcessing)
	finished, finishedTemp := fix.insertStale(t, imports.JobCompleted)
	fresh := fix.start(t, notionArchive(t))

	require.NoError(t, fix.service.CleanupStale(fix.ctx))

	got, err := fix.db.Imports().Jobs().Get(fix.ctx, interrupted.ID)
	require.NoError(t, err)
	require.Equal(t, imports.JobFailed, got.Status)
	require.Equal(t, "timed out", got.Message)
	_, err = os.Stat(interruptedTemp)
	require.True(t, os.IsNotExist(err))
	archive, err := fix.db.Imports().Archives().Get(fix.ctx, interrupted.ID)
	require.NoError(t, err)
	require.Empty(t, archive.TempPath)

	// terminal jobs only lose the leftover file
	got, err = fix.db.Imports().Jobs().Get(fix.ctx, finished.ID)
	require.NoError(t, err)
	require.Equal(t, imports.JobCompleted, got.Status)
	_, err = os.Stat(finishedTemp)
	require.True(t, os.IsNotExist(err))

	// recent jobs keep their spool
	got, err = fix.db.Imports().Jobs().Get(fix.ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, imports.JobPending, got.Status)
	archive, err = fix.db.Imports().Archives().Get(fix.ctx, fresh.ID)
	require.NoError(t, err)
	require.NotEmpty(t, archive.TempPath)
	_, err = os.Stat(archive.TempPath)
	require.NoError(t, err)
}

func TestJanitor(t *testing.T) {
	fix := newImportsFixture(t)
	stale, _ := fix.insertStale(t, imports.JobPending)

	janitor := imports.NewJanitor(zaptest.NewLogger(t), fix.service)
	done := make(chan error, 1)
	go func() { done <- janitor.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		job, err := fix.db.Imports().Jobs().Get(fix.ctx, stale.ID)
		return err == nil && job.Status == imports.JobFailed
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, janitor.Close())
	require.NoError(t, <-done)
}