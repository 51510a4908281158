// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package files_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"inkwell.io/inkwell/private/testrand"
	"inkwell.io/inkwell/server/console"
	"inkwell.io/inkwell/server/files"
	"inkwell.io/inkwell/server/jobq"
	"inkwell.io/inkwell/server/objstore"
	"inkwell.io/inkwell/server/ratelimit"
	"inkwell.io/inkwell/server/serverdb/memdb"
)

type fakeLimiter struct {
	calls int
	deny  bool
}

func (f *fakeLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (ratelimit.Result, error) {
	f.calls++
	return ratelimit.Result{Allowed: !f.deny, Count: int64(f.calls), Limit: limit}, nil
}

func testConfig() files.Config {
	return files.Config{
		MaxFileSize:            1 << 20,
		AllowedContentTypes:    []string{"image/png", "application/pdf", "text/plain"},
		PreviewableTypes:       []string{"image/png"},
		UploadURLExpiry:        10 * time.Minute,
		DownloadURLExpiry:      10 * time.Minute,
		TokenDownloadURLExpiry: 5 * time.Minute,
		UploadLimit:            20,
		UploadWindow:           time.Hour,
	}
}

type filesFixture struct {
	db      *memdb.DB
	queue   *jobq.MemoryQueue
	local   *objstore.MemStore
	remote  *objstore.MemStore
	limiter *fakeLimiter
	service *files.Service

	uploader console.User
	project  console.Project
	ctx      context.Context
}

func newFilesFixture(t *testing.T) *filesFixture {
	ctx := context.Background()
	fix := &filesFixture{
		db:      memdb.New(),
		queue:   jobq.NewMemoryQueue(),
		local:   objstore.NewMemStore(),
		remote:  objstore.NewMemStore(),
		limiter: &fakeLimiter{},
	}

	stores, err := objstore.NewStores(objstore.ProviderLocal, map[string]objstore.Store{
		objstore.ProviderLocal: fix.local,
		objstore.ProviderS3:    fix.remote,
	})
	require.NoError(t, err)

	fix.service = files.NewService(zaptest.NewLogger(t), fix.db.Files(), fix.db.Console(),
		console.NewPermissions(fix.db.Console()), stores, fix.queue, fix.limiter, testConfig())

	fix.uploader = console.User{
		ID:         testrand.UUID(),
		ExternalID: testrand.Hex(12),
		Email:      testrand.Email(),
		FullName:   "uploader",
	}
	_, err = fix.db.Console().Users().Insert(ctx, &fix.uploader)
	require.NoError(t, err)

	fix.project = console.Project{
		ID:         testrand.UUID(),
		ExternalID: testrand.Hex(12),
		OrgID:      testrand.UUID(),
		CreatorID:  fix.uploader.ID,
		Name:       "files test",
	}
	_, err = fix.db.Console().Projects().Insert(ctx, &fix.project)
	require.NoError(t, err)

	err = fix.db.Console().Projects().AddEditor(ctx, &console.ProjectMembership{
		ProjectID: fix.project.ID,
		UserID:    fix.uploader.ID,
		Role:      console.RoleEditor,
	})
	require.NoError(t, err)

	fix.ctx = console.WithAuth(ctx, console.Authorization{User: fix.uploader})
	return fix
}

func (fix *filesFixture) newUser(t *testing.T, name string) (console.User, context.Context) {
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

func (fix *filesFixture) createUpload(t *testing.T, filename, contentType string, size int64) *files.Upload {
	upload, err := fix.service.CreateUpload(fix.ctx, files.CreateUploadRequest{
		ProjectID:   fix.project.ID,
		Filename:    filename,
		ContentType: contentType,
		Size:        size,
	})
	require.NoError(t, err)
	return upload
}

func (fix *filesFixture) putObject(t *testing.T, file *files.File, body string) {
	_, err := fix.local.PutObject(context.Background(), "", files.ObjectKey(file), []byte(body), file.ContentType)
	require.NoError(t, err)
}

// finalized uploads and verifies a file in one step.
func (fix *filesFixture) finalized(t *testing.T, filename, contentType, body string) *files.File {
	upload := fix.createUpload(t, filename, contentType, int64(len(body)))
	fix.putObject(t, upload.File, body)

	file, _, err := fix.service.FinalizeUpload(fix.ctx, upload.File.ExternalID)
	require.NoError(t, err)
	return file
}

func TestCreateUpload(t *testing.T) {
	fix := newFilesFixture(t)

	upload := fix.createUpload(t, "notes.txt", "text/plain", 42)
	require.Equal(t, files.StatusPendingURL, upload.File.Status)
	require.NotEmpty(t, upload.File.AccessToken)

	_, err := uuid.Parse(upload.File.ExternalID)
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(upload.URL, "mem://"))
	require.Equal(t, "text/plain", upload.Headers["Content-Type"])
	require.WithinDuration(t, time.Now().Add(10*time.Minute), upload.ExpiresAt, time.Minute)

	blob, err := fix.db.Files().Blobs().Get(context.Background(), upload.File.ID, objstore.ProviderLocal)
	require.NoError(t, err)
	require.Equal(t, files.BlobPending, blob.Status)
}

func TestCreateUpload_Rejections(t *testing.T) {
	fix := newFilesFixture(t)

	_, err := fix.service.CreateUpload(fix.ctx, files.CreateUploadRequest{
		ProjectID:   fix.project.ID,
		Filename:    "huge.pdf",
		ContentType: "application/pdf",
		Size:        testConfig().MaxFileSize + 1,
	})
	require.True(t, files.ErrValidation.Has(err))

	_, err = fix.service.CreateUpload(fix.ctx, files.CreateUploadRequest{
		ProjectID:   fix.project.ID,
		Filename:    "tool.exe",
		ContentType: "application/x-msdownload",
		Size:        42,
	})
	require.True(t, files.ErrValidation.Has(err))

	_, err = fix.service.CreateUpload(fix.ctx, files.CreateUploadRequest{
		ProjectID:   uuid.New(),
		Filename:    "notes.txt",
		ContentType: "text/plain",
		Size:        42,
	})
	require.True(t, files.ErrNotFound.Has(err))

	_, strangerCtx := fix.newUser(t, "stranger")
	_, err = fix.service.CreateUpload(strangerCtx, files.CreateUploadRequest{
		ProjectID:   fix.project.ID,
		Filename:    "notes.txt",
		ContentType: "text/plain",
		Size:        42,
	})
	require.True(t, console.ErrUnauthorized.Has(err))

	fix.limiter.deny = true
	_, err = fix.service.CreateUpload(fix.ctx, files.CreateUploadRequest{
		ProjectID:   fix.project.ID,
		Filename:    "notes.txt",
		ContentType: "text/plain",
		Size:        42,
	})
	require.True(t, files.ErrRateLimited.Has(err))
}

func TestFinalizeUpload(t *testing.T) {
	fix := newFilesFixture(t)

	body := "hello world!"
	upload := fix.createUpload(t, "hello.txt", "text/plain", int64(len(body)))
	fix.putObject(t, upload.File, body)

	file, blob, err := fix.service.FinalizeUpload(fix.ctx, upload.File.ExternalID)
	require.NoError(t, err)
	require.Equal(t, files.StatusAvailable, file.Status)
	require.Equal(t, files.BlobVerified, blob.Status)
	require.Equal(t, int64(len(body)), blob.Size)

	digest := sha256.Sum256([]byte(body))
	require.Equal(t, hex.EncodeToString(digest[:]), blob.ETag)

	// one replication job towards the secondary provider
	require.Equal(t, 1, fix.queue.Len())

	// finalizing again is idempotent: same blob, no second job
	again, blobAgain, err := fix.service.FinalizeUpload(fix.ctx, upload.File.ExternalID)
	require.NoError(t, err)
	require.Equal(t, files.StatusAvailable, again.Status)
	require.Equal(t, blob.ETag, blobAgain.ETag)
	require.Equal(t, 1, fix.queue.Len())

	job, err := fix.queue.Receive(context.Background(), []string{jobq.QueueMaintenance})
	require.NoError(t, err)
	require.Equal(t, jobq.TaskReplicateBlob, job.Task)
	require.Equal(t, file.ID.String(), job.Args["file_id"])
	require.Equal(t, objstore.ProviderS3, job.Args["target_provider"])
}

func TestFinalizeUpload_MissingObject(t *testing.T) {
	fix := newFilesFixture(t)

	upload := fix.createUpload(t, "late.txt", "text/plain", 4)

	_, _, err := fix.service.FinalizeUpload(fix.ctx, upload.File.ExternalID)
	require.True(t, files.ErrUploadIncomplete.Has(err))

	file, err := fix.service.GetFile(fix.ctx, upload.File.ExternalID)
	require.NoError(t, err)
	require.Equal(t, files.StatusPendingURL, file.Status)

	// the client retries the PUT and finalizes again
	fix.putObject(t, upload.File, "late")
	file, _, err = fix.service.FinalizeUpload(fix.ctx, upload.File.ExternalID)
	require.NoError(t, err)
	require.Equal(t, files.StatusAvailable, file.Status)
}

func TestFinalizeUpload_SizeMismatch(t *testing.T) {
	fix := newFilesFixture(t)

	upload := fix.createUpload(t, "short.txt", "text/plain", 5)
	fix.putObject(t, upload.File, "longer than declared")

	_, _, err := fix.service.FinalizeUpload(fix.ctx, upload.File.ExternalID)
	require.True(t, files.ErrValidation.Has(err))

	file, err := fix.service.GetFile(fix.ctx, upload.File.ExternalID)
	require.NoError(t, err)
	require.Equal(t, files.StatusFailed, file.Status)

	blob, err := fix.db.Files().Blobs().Get(context.Background(), upload.File.ID, objstore.ProviderLocal)
	require.NoError(t, err)
	require.Equal(t, files.BlobFailed, blob.Status)

	// replacing the object with one of the declared size recovers the file
	fix.putObject(t, upload.File, "12345")
	file, blob, err = fix.service.FinalizeUpload(fix.ctx, upload.File.ExternalID)
	require.NoError(t, err)
	require.Equal(t, files.StatusAvailable, file.Status)
	require.Equal(t, files.BlobVerified, blob.Status)
}

func TestFinalizeUpload_Unauthorized(t *testing.T) {
	fix := newFilesFixture(t)

	upload := fix.createUpload(t, "private.txt", "text/plain", 4)
	fix.putObject(t, upload.File, "mine")

	_, strangerCtx := fix.newUser(t, "stranger")
	_, _, err := fix.service.FinalizeUpload(strangerCtx, upload.File.ExternalID)
	require.True(t, console.ErrUnauthorized.Has(err))
}

func TestDownloadByToken(t *testing.T) {
	fix := newFilesFixture(t)
	ctx := context.Background()

	file := fix.finalized(t, "shared.pdf", "application/pdf", "pdf bytes")

	link, err := fix.service.DownloadByToken(ctx, fix.project.ExternalID, file.ExternalID, file.AccessToken, "")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(link.URL, "mem://"))
	require.WithinDuration(t, time.Now().Add(5*time.Minute), link.ExpiresAt, time.Minute)

	_, err = fix.service.DownloadByToken(ctx, fix.project.ExternalID, file.ExternalID, "wrong-token", "")
	require.True(t, files.ErrNotFound.Has(err))

	_, err = fix.service.DownloadByToken(ctx, testrand.Hex(12), file.ExternalID, file.AccessToken, "")
	require.True(t, files.ErrNotFound.Has(err))

	pending := fix.createUpload(t, "pending.txt", "text/plain", 4)
	_, err = fix.service.DownloadByToken(ctx, fix.project.ExternalID, pending.File.ExternalID, pending.File.AccessToken, "")
	require.True(t, files.ErrNotFound.Has(err))

	require.NoError(t, fix.service.DeleteFile(fix.ctx, file.ExternalID))
	_, err = fix.service.DownloadByToken(ctx, fix.project.ExternalID, file.ExternalID, file.AccessToken, "")
	require.True(t, files.ErrNotFound.Has(err))

	_, err = fix.service.GetFile(fix.ctx, file.ExternalID)
	require.True(t, files.ErrNotFound.Has(err))
}

func TestResolve(t *testing.T) {
	fix := newFilesFixture(t)
	ctx := context.Background()

	file := fix.finalized(t, "linked.png", "image/png", "png bytes")

	id, ok, err := fix.service.Resolve(ctx, fix.project.ExternalID, file.ExternalID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, file.ID, id)

	_, ok, err = fix.service.Resolve(ctx, testrand.Hex(12), file.ExternalID)
	require.NoError(t, err)
	require.False(t, ok)

	pending := fix.createUpload(t, "pending.txt", "text/plain", 4)
	_, ok, err = fix.service.Resolve(ctx, fix.project.ExternalID, pending.File.ExternalID)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = fix.service.Resolve(ctx, fix.project.ExternalID, uuid.NewString())
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, fix.service.DeleteFile(fix.ctx, file.ExternalID))
	_, ok, err = fix.service.Resolve(ctx, fix.project.ExternalID, file.ExternalID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHandleReplicateBlob(t *testing.T) {
	fix := newFilesFixture(t)
	ctx := context.Background()

	body := "replicate me"
	file := fix.finalized(t, "copy.txt", "text/plain", body)

	job, err := fix.queue.Receive(ctx, []string{jobq.QueueMaintenance})
	require.NoError(t, err)
	require.NoError(t, fix.service.HandleReplicateBlob(ctx, *job))

	data, err := fix.remote.GetObject(ctx, "", files.ObjectKey(file))
	require.NoError(t, err)
	require.Equal(t, body, string(data))

	replica, err := fix.db.Files().Blobs().Get(ctx, file.ID, objstore.ProviderS3)
	require.NoError(t, err)
	require.Equal(t, files.BlobVerified, replica.Status)
	require.Equal(t, int64(len(body)), replica.Size)

	// replaying the delivery changes nothing
	require.NoError(t, fix.service.HandleReplicateBlob(ctx, *job))
	blobs, err := fix.db.Files().Blobs().ListByFile(ctx, file.ID)
	require.NoError(t, err)
	require.Len(t, blobs, 2)
}

func TestHandleReplicateBlob_Failures(t *testing.T) {
	fix := newFilesFixture(t)
	ctx := context.Background()

	file := fix.finalized(t, "copy.txt", "text/plain", "body")

	err := fix.service.HandleReplicateBlob(ctx, jobq.Job{
		Task: jobq.TaskReplicateBlob,
		Args: map[string]string{"file_id": "not-a-uuid", "target_provider": objstore.ProviderS3},
	})
	require.Error(t, err)
	require.False(t, jobq.IsRetryable(err))

	err = fix.service.HandleReplicateBlob(ctx, jobq.Job{
		Task: jobq.TaskReplicateBlob,
		Args: map[string]string{"file_id": file.ID.String(), "target_provider": "glacier"},
	})
	require.Error(t, err)
	require.False(t, jobq.IsRetryable(err))

	// a file deleted before the job runs is skipped without error
	require.NoError(t, fix.service.DeleteFile(fix.ctx, file.ExternalID))
	err = fix.service.HandleReplicateBlob(ctx, jobq.Job{
		Task: jobq.TaskReplicateBlob,
		Args: map[string]string{"file_id": file.ID.String(), "target_provider": objstore.ProviderS3},
	})
	require.NoError(t, err)

	_, err = fix.db.Files().Blobs().Get(ctx, file.ID, objstore.ProviderS3)
	require.Error(t, err)
}

func TestDownloadHandler(t *testing.T) {
	fix := newFilesFixture(t)

	file := fix.finalized(t, "public.pdf", "application/pdf", "pdf bytes")

	router := mux.NewRouter()
	router.Handle("/files/{project_id}/{file_id}/{access_token}/",
		files.NewDownloadHandler(zaptest.NewLogger(t), fix.service)).Methods(http.MethodGet)
	server := httptest.NewServer(router)
	defer server.Close()

	client := &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	resp, err := client.Get(server.URL + "/files/" + fix.project.ExternalID + "/" + file.ExternalID + "/" + file.AccessToken + "/")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.True(t, strings.HasPrefix(resp.Header.Get("Location"), "mem://"))

	resp, err = client.Get(server.URL + "/files/" + fix.project.ExternalID + "/" + file.ExternalID + "/wrong-token/")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
