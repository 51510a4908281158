// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package memdb

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"inkwell.io/inkwell/server/embeddings"
)

var _ embeddings.DB = (*embeddingsDB)(nil)

type embeddingsDB DB

func (db *embeddingsDB) Upsert(ctx context.Context, embedding *embeddings.PageEmbedding) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	stored := *embedding
	stored.Vector = append([]float32(nil), embedding.Vector...)
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = now()
	}
	db.pageEmbeddings[stored.PageID] = stored
	return nil
}

func (db *embeddingsDB) Get(ctx context.Context, pageID uuid.UUID) (*embeddings.PageEmbedding, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	embedding, ok := db.pageEmbeddings[pageID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	out := embedding
	out.Vector = append([]float32(nil), embedding.Vector...)
	return &out, nil
}

func (db *embeddingsDB) GetByPageIDs(ctx context.Context, pageIDs []uuid.UUID) ([]embeddings.PageEmbedding, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var list []embeddings.PageEmbedding
	for _, pageID := range pageIDs {
		embedding, ok := db.pageEmbeddings[pageID]
		if !ok {
			continue
		}
		out := embedding
		out.Vector = append([]float32(nil), embedding.Vector...)
		list = append(list, out)
	}
	return list, nil
}

func (db *embeddingsDB) Delete(ctx context.Context, pageID uuid.UUID) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	delete(db.pageEmbeddings, pageID)
	return nil
}
