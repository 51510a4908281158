// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package embeddings

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"sort"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"inkwell.io/inkwell/server/console"
)

// Match is one search result, best first.
type Match struct {
	PageID uuid.UUID
	Score  float64
}

// Service computes, stores and searches page embeddings.
//
// architecture: Service
type Service struct {
	log    *zap.Logger
	db     DB
	pages  console.Pages
	client Client
	config Config
}

// NewService creates an embedding service. The client may be nil when no
// provider is configured; embedding work then reports failure instead of
// panicking.
func NewService(log *zap.Logger, db DB, pages console.Pages, client Client, config Config) *Service {
	return &Service{
		log:    log,
		db:     db,
		pages:  pages,
		client: client,
		config: config,
	}
}

// ContentHash returns the hash under which content is indexed.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// IndexPage embeds the page's content and stores the vector, unless the
// stored hash already matches. Returns whether the index was updated.
func (service *Service) IndexPage(ctx context.Context, page *console.Page) (updated bool, err error) {
	defer mon.Task()(&ctx)(&err)

	hash := ContentHash(page.Details.Content)

	existing, err := service.db.Get(ctx, page.ID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, Error.Wrap(err)
	}
	if existing != nil && existing.ContentHash == hash {
		return false, nil
	}

	vector, err := service.EmbedText(ctx, page.Details.Content)
	if err != nil {
		return false, err
	}

	err = service.db.Upsert(ctx, &PageEmbedding{
		PageID:      page.ID,
		ContentHash: hash,
		Model:       service.config.Model,
		Vector:      vector,
	})
	if err != nil {
		return false, Error.Wrap(err)
	}

	service.log.Debug("page indexed",
		zap.Stringer("page_id", page.ID),
		zap.String("content_hash", hash[:12]))
	return true, nil
}

// EmbedText computes the embedding vector of a text, retrying transient
// provider failures with exponential backoff.
func (service *Service) EmbedText(ctx context.Context, text string) (_ []float32, err error) {
	defer mon.Task()(&ctx)(&err)

	if service.client == nil {
		return nil, Error.New("no embedding provider configured")
	}
	if text == "" {
		// The provider rejects empty input; an all-zero vector keeps the
		// page indexed and sorts last in every search.
		return make([]float32, service.config.Dimensions), nil
	}

	var vectors [][]float32
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = service.config.RetryInitial
	policy.MaxElapsedTime = service.config.RetryMaxElapsed

	err = backoff.Retry(func() error {
		var callErr error
		vectors, callErr = service.client.CreateEmbedding(ctx, []string{text})
		if callErr == nil {
			return nil
		}
		if IsTransient(callErr) {
			return callErr
		}
		return backoff.Permanent(callErr)
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if len(vectors) != 1 {
		return nil, Error.New("provider returned %d vectors for one input", len(vectors))
	}
	return vectors[0], nil
}

// Search embeds the query and ranks the user's accessible pages by cosine
// similarity, returning at most topK matches. Pages that were never
// indexed do not appear.
func (service *Service) Search(ctx context.Context, userID uuid.UUID, query string, topK int) (_ []Match, err error) {
	defer mon.Task()(&ctx)(&err)

	queryVector, err := service.EmbedText(ctx, query)
	if err != nil {
		return nil, err
	}

	accessible, err := service.pages.ListAccessibleIDs(ctx, userID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if len(accessible) == 0 {
		return nil, nil
	}

	rows, err := service.db.GetByPageIDs(ctx, accessible)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	matches := make([]Match, 0, len(rows))
	for _, row := range rows {
		matches = append(matches, Match{
			PageID: row.PageID,
			Score:  CosineSimilarity(queryVector, row.Vector),
		})
	}
	sort.SliceStable(matches, func(i, k int) bool { return matches[i].Score > matches[k].Score })
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// DeletePage drops the page from the index.
func (service *Service) DeletePage(ctx context.Context, pageID uuid.UUID) error {
	return Error.Wrap(service.db.Delete(ctx, pageID))
}
