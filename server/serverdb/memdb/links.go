// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package memdb

import (
	"context"

	"github.com/google/uuid"

	"inkwell.io/inkwell/server/console"
)

type pageLinksRepo DB

func (repo *pageLinksRepo) ListBySource(ctx context.Context, sourceID uuid.UUID) ([]console.PageLink, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	var links []console.PageLink
	for _, link := range repo.pageLinks {
		if link.SourceID == sourceID {
			links = append(links, link)
		}
	}
	return links, nil
}

func (repo *pageLinksRepo) ListByTarget(ctx context.Context, targetID uuid.UUID) ([]console.PageLink, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	var links []console.PageLink
	for _, link := range repo.pageLinks {
		if link.TargetID == targetID {
			links = append(links, link)
		}
	}
	return links, nil
}

func (repo *pageLinksRepo) Apply(ctx context.Context, sourceID uuid.UUID, add, remove []console.PageLink) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	removed := func(link console.PageLink) bool {
		for _, r := range remove {
			if r.TargetID == link.TargetID && r.Text == link.Text {
				return true
			}
		}
		return false
	}
	kept := repo.pageLinks[:0]
	for _, link := range repo.pageLinks {
		if link.SourceID == sourceID && removed(link) {
			continue
		}
		kept = append(kept, link)
	}
	repo.pageLinks = kept

	for _, link := range add {
		link.SourceID = sourceID
		if (*DB)(repo).hasPageLinkLocked(link) {
			continue
		}
		if link.CreatedAt.IsZero() {
			link.CreatedAt = now()
		}
		repo.pageLinks = append(repo.pageLinks, link)
	}
	return nil
}

func (db *DB) hasPageLinkLocked(link console.PageLink) bool {
	for _, existing := range db.pageLinks {
		if existing.SourceID == link.SourceID && existing.TargetID == link.TargetID && existing.Text == link.Text {
			return true
		}
	}
	return false
}

type fileLinksRepo DB

func (repo *fileLinksRepo) ListBySource(ctx context.Context, sourceID uuid.UUID) ([]console.FileLink, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	var links []console.FileLink
	for _, link := range repo.fileLinks {
		if link.SourceID == sourceID {
			links = append(links, link)
		}
	}
	return links, nil
}

func (repo *fileLinksRepo) Apply(ctx context.Context, sourceID uuid.UUID, add, remove []console.FileLink) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	removed := func(link console.FileLink) bool {
		for _, r := range remove {
			if r.FileID == link.FileID && r.Text == link.Text {
				return true
			}
		}
		return false
	}
	kept := repo.fileLinks[:0]
	for _, link := range repo.fileLinks {
		if link.SourceID == sourceID && removed(link) {
			continue
		}
		kept = append(kept, link)
	}
	repo.fileLinks = kept

	for _, link := range add {
		link.SourceID = sourceID
		if (*DB)(repo).hasFileLinkLocked(link) {
			continue
		}
		if link.CreatedAt.IsZero() {
			link.CreatedAt = now()
		}
		repo.fileLinks = append(repo.fileLinks, link)
	}
	return nil
}

func (db *DB) hasFileLinkLocked(link console.FileLink) bool {
	for _, existing := range db.fileLinks {
		if existing.SourceID == link.SourceID && existing.FileID == link.FileID && existing.Text == link.Text {
			return true
		}
	}
	return false
}

type mentionsRepo DB

func (repo *mentionsRepo) ListBySource(ctx context.Context, sourceID uuid.UUID) ([]console.Mention, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	var mentions []console.Mention
	for _, mention := range repo.mentions {
		if mention.SourceID == sourceID {
			mentions = append(mentions, mention)
		}
	}
	return mentions, nil
}

func (repo *mentionsRepo) Apply(ctx context.Context, sourceID uuid.UUID, add, remove []console.Mention) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	removed := func(mention console.Mention) bool {
		for _, r := range remove {
			if r.UserID == mention.UserID {
				return true
			}
		}
		return false
	}
	kept := repo.mentions[:0]
	for _, mention := range repo.mentions {
		if mention.SourceID == sourceID && removed(mention) {
			continue
		}
		kept = append(kept, mention)
	}
	repo.mentions = kept

	for _, mention := range add {
		mention.SourceID = sourceID
		if (*DB)(repo).hasMentionLocked(mention) {
			continue
		}
		if mention.CreatedAt.IsZero() {
			mention.CreatedAt = now()
		}
		repo.mentions = append(repo.mentions, mention)
	}
	return nil
}

func (db *DB) hasMentionLocked(mention console.Mention) bool {
	for _, existing := range db.mentions {
		if existing.SourceID == mention.SourceID && existing.UserID == mention.UserID {
			return true
		}
	}
	return false
}
