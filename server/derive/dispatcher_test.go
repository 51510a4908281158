// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package derive_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"inkwell.io/inkwell/private/testrand"
	"inkwell.io/inkwell/server/console"
	"inkwell.io/inkwell/server/derive"
	"inkwell.io/inkwell/server/jobq"
	"inkwell.io/inkwell/server/serverdb/memdb"
)

type fakeFiles struct {
	byRef map[[2]string]uuid.UUID
}

func (files *fakeFiles) add(projectExternalID, fileExternalID string, id uuid.UUID) {
	if files.byRef == nil {
		files.byRef = make(map[[2]string]uuid.UUID)
	}
	files.byRef[[2]string{projectExternalID, fileExternalID}] = id
}

func (files *fakeFiles) Resolve(ctx context.Context, projectExternalID, fileExternalID string) (uuid.UUID, bool, error) {
	id, ok := files.byRef[[2]string{projectExternalID, fileExternalID}]
	return id, ok, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	pages []string
}

func (notifier *recordingNotifier) LinksUpdated(ctx context.Context, pageExternalID string) {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	notifier.pages = append(notifier.pages, pageExternalID)
}

func (notifier *recordingNotifier) count() int {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	return len(notifier.pages)
}

type dispatcherFixture struct {
	db         *memdb.DB
	queue      *jobq.MemoryQueue
	files      *fakeFiles
	notifier   *recordingNotifier
	dispatcher *derive.Dispatcher

	creator console.User
	project console.Project
	page    console.Page
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	ctx := context.Background()
	fix := &dispatcherFixture{
		db:       memdb.New(),
		queue:    jobq.NewMemoryQueue(),
		files:    &fakeFiles{},
		notifier: &recordingNotifier{},
	}
	fix.dispatcher = derive.NewDispatcher(
		zaptest.NewLogger(t), fix.db.Console(), fix.files, fix.queue, fix.notifier)

	fix.creator = console.User{
		ID:         testrand.UUID(),
		ExternalID: testrand.Hex(12),
		Email:      testrand.Email(),
		FullName:   "creator",
	}
	_, err := fix.db.Console().Users().Insert(ctx, &fix.creator)
	require.NoError(t, err)

	fix.project = console.Project{
		ID:         testrand.UUID(),
		ExternalID: testrand.Hex(12),
		OrgID:      testrand.UUID(),
		CreatorID:  fix.creator.ID,
		Name:       "derive test",
	}
	_, err = fix.db.Console().Projects().Insert(ctx, &fix.project)
	require.NoError(t, err)

	fix.page = fix.newPage(t, "source")
	return fix
}

func (fix *dispatcherFixture) newPage(t *testing.T, title string) console.Page {
	page := console.Page{
		ID:         testrand.UUID(),
		ExternalID: testrand.Hex(10),
		ProjectID:  fix.project.ID,
		CreatorID:  fix.creator.ID,
		Title:      title,
	}
	_, err := fix.db.Console().Pages().Insert(context.Background(), &page)
	require.NoError(t, err)
	return page
}

func (fix *dispatcherFixture) newUser(t *testing.T, name string) console.User {
	user := console.User{
		ID:         testrand.UUID(),
		ExternalID: testrand.Hex(10),
		Email:      testrand.Email(),
		FullName:   name,
	}
	_, err := fix.db.Console().Users().Insert(context.Background(), &user)
	require.NoError(t, err)
	return user
}

func TestDispatch_PageLinks(t *testing.T) {
	ctx := context.Background()
	fix := newDispatcherFixture(t)

	target := fix.newPage(t, "target")
	shared := fix.newPage(t, "shared")
	deleted := fix.newPage(t, "deleted")
	require.NoError(t, fix.db.Console().Pages().Delete(ctx, deleted.ID))

	text := "see [target](/pages/" + target.ExternalID + ") and the share link " +
		"[shared](/files/" + fix.project.ExternalID + "/" + shared.ExternalID + "/code123/) " +
		"but (gone) [gone](/pages/" + deleted.ExternalID + ") and [ghost](/pages/nosuchpage1)"

	changed, err := fix.dispatcher.Dispatch(ctx, fix.page.ID, text)
	require.NoError(t, err)
	require.True(t, changed)

	links, err := fix.db.Console().PageLinks().ListBySource(ctx, fix.page.ID)
	require.NoError(t, err)
	require.Len(t, links, 2)
	targets := map[uuid.UUID]string{}
	for _, link := range links {
		targets[link.TargetID] = link.Text
	}
	require.Equal(t, map[uuid.UUID]string{
		target.ID: "target",
		shared.ID: "shared",
	}, targets)

	// Identical text writes nothing.
	changed, err = fix.dispatcher.Dispatch(ctx, fix.page.ID, text)
	require.NoError(t, err)
	require.False(t, changed)

	// Dropping a link removes exactly its row.
	changed, err = fix.dispatcher.Dispatch(ctx, fix.page.ID,
		"see [target](/pages/"+target.ExternalID+")")
	require.NoError(t, err)
	require.True(t, changed)

	links, err = fix.db.Console().PageLinks().ListBySource(ctx, fix.page.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	require.Equal(t, target.ID, links[0].TargetID)
}

func TestDispatch_FileLinks(t *testing.T) {
	ctx := context.Background()
	fix := newDispatcherFixture(t)

	fileID := testrand.UUID()
	fileExternalID := uuid.NewString()
	fix.files.add(fix.project.ExternalID, fileExternalID, fileID)

	unknownExternalID := uuid.NewString()
	text := "[data](/files/" + fix.project.ExternalID + "/" + fileExternalID + "/tok1/) " +
		"[missing](/files/" + fix.project.ExternalID + "/" + unknownExternalID + "/tok2/) " +
		"[notafile](/files/" + fix.project.ExternalID + "/shortid123/tok3/)"

	changed, err := fix.dispatcher.Dispatch(ctx, fix.page.ID, text)
	require.NoError(t, err)
	require.True(t, changed)

	links, err := fix.db.Console().FileLinks().ListBySource(ctx, fix.page.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	require.Equal(t, fileID, links[0].FileID)
	require.Equal(t, "data", links[0].Text)

	changed, err = fix.dispatcher.Dispatch(ctx, fix.page.ID, text)
	require.NoError(t, err)
	require.False(t, changed)

	// Clearing the content clears the rows.
	changed, err = fix.dispatcher.Dispatch(ctx, fix.page.ID, "no links anymore")
	require.NoError(t, err)
	require.True(t, changed)

	links, err = fix.db.Console().FileLinks().ListBySource(ctx, fix.page.ID)
	require.NoError(t, err)
	require.Empty(t, links)
}

func TestDispatch_Mentions(t *testing.T) {
	ctx := context.Background()
	fix := newDispatcherFixture(t)

	alice := fix.newUser(t, "Alice")
	bob := fix.newUser(t, "Bob")

	text := "drafted by @[Alice](@" + alice.ExternalID + ") and @[Bob](@" + bob.ExternalID + ") " +
		"and @[Nobody](@unknownuser1) and a page mention @[Plan](pg1)"

	changed, err := fix.dispatcher.Dispatch(ctx, fix.page.ID, text)
	require.NoError(t, err)
	require.True(t, changed)

	mentions, err := fix.db.Console().Mentions().ListBySource(ctx, fix.page.ID)
	require.NoError(t, err)
	require.Len(t, mentions, 2)

	changed, err = fix.dispatcher.Dispatch(ctx, fix.page.ID, text)
	require.NoError(t, err)
	require.False(t, changed)

	changed, err = fix.dispatcher.Dispatch(ctx, fix.page.ID,
		"only @[Alice](@"+alice.ExternalID+") now")
	require.NoError(t, err)
	require.True(t, changed)

	mentions, err = fix.db.Console().Mentions().ListBySource(ctx, fix.page.ID)
	require.NoError(t, err)
	require.Len(t, mentions, 1)
	require.Equal(t, alice.ID, mentions[0].UserID)
}

func TestDispatch_NotifiesPerChangedPass(t *testing.T) {
	ctx := context.Background()
	fix := newDispatcherFixture(t)

	target := fix.newPage(t, "target")
	alice := fix.newUser(t, "Alice")

	text := "[target](/pages/" + target.ExternalID + ") by @[Alice](@" + alice.ExternalID + ")"

	changed, err := fix.dispatcher.Dispatch(ctx, fix.page.ID, text)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 2, fix.notifier.count())
	require.Equal(t, fix.page.ExternalID, fix.notifier.pages[0])

	// Unchanged content notifies nobody.
	changed, err = fix.dispatcher.Dispatch(ctx, fix.page.ID, text)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, 2, fix.notifier.count())
}

func TestDispatch_EnqueuesEmbeddingRecompute(t *testing.T) {
	ctx := context.Background()
	fix := newDispatcherFixture(t)

	text := "plain content without references"
	hash := sha256.Sum256([]byte(text))

	changed, err := fix.dispatcher.Dispatch(ctx, fix.page.ID, text)
	require.NoError(t, err)
	require.False(t, changed)

	// The recompute is enqueued even when no rows changed; the worker
	// short-circuits on the content hash.
	job, err := fix.queue.Receive(ctx, []string{jobq.QueueEmbeddings})
	require.NoError(t, err)
	require.Equal(t, jobq.TaskUpdatePageEmbedding, job.Task)
	require.Equal(t, fix.page.ID.String(), job.Args["page_id"])
	require.Equal(t, hex.EncodeToString(hash[:]), job.Args["content_hash"])
	require.NoError(t, fix.queue.Ack(ctx, job))
	require.Zero(t, fix.queue.Len())
}

func TestDispatch_DeletedOrUnknownPageIsNoop(t *testing.T) {
	ctx := context.Background()
	fix := newDispatcherFixture(t)

	require.NoError(t, fix.db.Console().Pages().Delete(ctx, fix.page.ID))

	changed, err := fix.dispatcher.Dispatch(ctx, fix.page.ID, "[x](/pages/whatever123)")
	require.NoError(t, err)
	require.False(t, changed)
	require.Zero(t, fix.queue.Len())

	changed, err = fix.dispatcher.Dispatch(ctx, testrand.UUID(), "text")
	require.NoError(t, err)
	require.False(t, changed)
	require.Zero(t, fix.queue.Len())
}
