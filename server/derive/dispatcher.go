// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

// Package derive recomputes the rows derived from page content: links to
// other pages, links to uploaded files, and user mentions.
//
// Derivation is a pure function of the current text. Each pass parses the
// content, resolves the referenced rows, and diffs the desired set against
// the persisted one; identical sets write nothing, so repeated runs over
// unchanged content are free. Failures never propagate to the edit that
// triggered them.
package derive

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"inkwell.io/inkwell/server/console"
	"inkwell.io/inkwell/server/jobq"
)

var (
	// Error is the default derive errs class.
	Error = errs.Class("derive")

	mon = monkit.Package()
)

// Notifier delivers a links_updated event into the page's live room, if
// one exists.
type Notifier interface {
	LinksUpdated(ctx context.Context, pageExternalID string)
}

// FileResolver maps the (project, file) external id pair parsed out of a
// link to the internal id of a live file. A reference that does not match
// any live file reports found as false.
type FileResolver interface {
	Resolve(ctx context.Context, projectExternalID, fileExternalID string) (id uuid.UUID, found bool, err error)
}

// Dispatcher recomputes derived rows for a page from its current text.
//
// architecture: Service
type Dispatcher struct {
	log      *zap.Logger
	db       console.DB
	files    FileResolver
	queue    jobq.Queue
	notifier Notifier
}

// NewDispatcher creates a new derived-work dispatcher. The notifier may be
// nil when no live rooms exist to notify.
func NewDispatcher(log *zap.Logger, db console.DB, files FileResolver, queue jobq.Queue, notifier Notifier) *Dispatcher {
	return &Dispatcher{
		log:      log,
		db:       db,
		files:    files,
		queue:    queue,
		notifier: notifier,
	}
}

// Sync recomputes the derived rows for a page, logging failures instead of
// returning them. An edit must never fail because derivation did.
func (dispatcher *Dispatcher) Sync(ctx context.Context, pageID uuid.UUID, text string) {
	if _, err := dispatcher.Dispatch(ctx, pageID, text); err != nil {
		dispatcher.log.Error("derived work failed",
			zap.Stringer("page_id", pageID),
			zap.Error(err))
	}
}

// Dispatch runs the three derivation passes and reports whether any of
// them changed persisted rows. Passes are independent: one failing does
// not stop the others, and the errors come back combined.
//
// An embedding recompute keyed by the content hash is enqueued regardless
// of changes; the worker short-circuits when the hash is already indexed.
func (dispatcher *Dispatcher) Dispatch(ctx context.Context, pageID uuid.UUID, text string) (changed bool, err error) {
	defer mon.Task()(&ctx)(&err)

	page, err := dispatcher.db.Pages().Get(ctx, pageID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, Error.Wrap(err)
	}
	if page.IsDeleted {
		// Rows derived before the delete stay behind as orphans; the
		// listing queries filter them out by joining on live pages.
		return false, nil
	}

	passes := []struct {
		name string
		run  func(context.Context, *console.Page, string) (bool, error)
	}{
		{"page_links", dispatcher.syncPageLinks},
		{"file_links", dispatcher.syncFileLinks},
		{"mentions", dispatcher.syncMentions},
	}

	var group errs.Group
	for _, pass := range passes {
		passChanged, passErr := pass.run(ctx, page, text)
		if passErr != nil {
			group.Add(Error.New("%s: %v", pass.name, passErr))
			continue
		}
		if passChanged {
			changed = true
			dispatcher.notifyLinksUpdated(ctx, page.ExternalID)
		}
	}

	dispatcher.enqueueEmbedding(ctx, page.ID, text)

	return changed, group.Err()
}

// syncPageLinks recomputes the page-to-page link rows. Unknown and deleted
// targets drop out silently.
func (dispatcher *Dispatcher) syncPageLinks(ctx context.Context, page *console.Page, text string) (changed bool, err error) {
	type key struct {
		target uuid.UUID
		text   string
	}

	resolved := make(map[string]*console.Page)
	desired := make(map[key]console.PageLink)
	for _, ref := range pageLinkRefs(text) {
		target, ok := resolved[ref.externalID]
		if !ok {
			target, err = dispatcher.db.Pages().GetByExternalID(ctx, ref.externalID)
			if errors.Is(err, sql.ErrNoRows) {
				target, err = nil, nil
			}
			if err != nil {
				return false, err
			}
			resolved[ref.externalID] = target
		}
		if target == nil || target.IsDeleted {
			continue
		}
		desired[key{target.ID, ref.text}] = console.PageLink{
			SourceID: page.ID,
			TargetID: target.ID,
			Text:     ref.text,
		}
	}

	current, err := dispatcher.db.PageLinks().ListBySource(ctx, page.ID)
	if err != nil {
		return false, err
	}
	existing := make(map[key]console.PageLink, len(current))
	for _, link := range current {
		existing[key{link.TargetID, link.Text}] = link
	}

	add, remove := diff(desired, existing)
	if len(add) == 0 && len(remove) == 0 {
		return false, nil
	}
	return true, dispatcher.db.PageLinks().Apply(ctx, page.ID, add, remove)
}

// syncFileLinks recomputes the page-to-file link rows. Ids that are not
// UUID formatted belong to pages or malformed links and are skipped, not
// errors.
func (dispatcher *Dispatcher) syncFileLinks(ctx context.Context, page *console.Page, text string) (changed bool, err error) {
	type key struct {
		file uuid.UUID
		text string
	}

	desired := make(map[key]console.FileLink)
	for _, ref := range fileLinkRefs(text) {
		if _, parseErr := uuid.Parse(ref.fileExternalID); parseErr != nil {
			continue
		}
		fileID, found, err := dispatcher.files.Resolve(ctx, ref.projectExternalID, ref.fileExternalID)
		if err != nil {
			return false, err
		}
		if !found {
			continue
		}
		desired[key{fileID, ref.text}] = console.FileLink{
			SourceID: page.ID,
			FileID:   fileID,
			Text:     ref.text,
		}
	}

	current, err := dispatcher.db.FileLinks().ListBySource(ctx, page.ID)
	if err != nil {
		return false, err
	}
	existing := make(map[key]console.FileLink, len(current))
	for _, link := range current {
		existing[key{link.FileID, link.Text}] = link
	}

	add, remove := diff(desired, existing)
	if len(add) == 0 && len(remove) == 0 {
		return false, nil
	}
	return true, dispatcher.db.FileLinks().Apply(ctx, page.ID, add, remove)
}

// syncMentions recomputes the user mention rows. Unknown users drop out
// silently.
func (dispatcher *Dispatcher) syncMentions(ctx context.Context, page *console.Page, text string) (changed bool, err error) {
	desired := make(map[uuid.UUID]console.Mention)
	for _, ref := range mentionRefs(text) {
		user, err := dispatcher.db.Users().GetByExternalID(ctx, ref.externalID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return false, err
		}
		desired[user.ID] = console.Mention{SourceID: page.ID, UserID: user.ID}
	}

	current, err := dispatcher.db.Mentions().ListBySource(ctx, page.ID)
	if err != nil {
		return false, err
	}
	existing := make(map[uuid.UUID]console.Mention, len(current))
	for _, mention := range current {
		existing[mention.UserID] = mention
	}

	add, remove := diff(desired, existing)
	if len(add) == 0 && len(remove) == 0 {
		return false, nil
	}
	return true, dispatcher.db.Mentions().Apply(ctx, page.ID, add, remove)
}

// diff splits a desired row set against the persisted one into the rows to
// insert and the rows to delete.
func diff[K comparable, R any](desired, current map[K]R) (add, remove []R) {
	for key, row := range desired {
		if _, ok := current[key]; !ok {
			add = append(add, row)
		}
	}
	for key, row := range current {
		if _, ok := desired[key]; !ok {
			remove = append(remove, row)
		}
	}
	return add, remove
}

func (dispatcher *Dispatcher) notifyLinksUpdated(ctx context.Context, pageExternalID string) {
	if dispatcher.notifier != nil {
		dispatcher.notifier.LinksUpdated(ctx, pageExternalID)
	}
}

// enqueueEmbedding hands the page to the embedding worker. A failure to
// enqueue is logged and forgotten; the next derivation enqueues again.
func (dispatcher *Dispatcher) enqueueEmbedding(ctx context.Context, pageID uuid.UUID, text string) {
	hash := sha256.Sum256([]byte(text))
	err := dispatcher.queue.Enqueue(ctx, jobq.QueueEmbeddings, jobq.TaskUpdatePageEmbedding, map[string]string{
		"page_id":      pageID.String(),
		"content_hash": hex.EncodeToString(hash[:]),
	})
	if err != nil {
		dispatcher.log.Warn("embedding recompute not enqueued",
			zap.Stringer("page_id", pageID),
			zap.Error(err))
	}
}
