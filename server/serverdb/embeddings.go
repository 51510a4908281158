// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package serverdb

import (
	"context"
	"time"

	"github.com/google/uuid"

	"inkwell.io/inkwell/server/embeddings"
)

var _ embeddings.DB = (*embeddingsDB)(nil)

// embeddingsDB implements embeddings.DB on Postgres. Vectors live in a
// bytea column in the packed form produced by embeddings.EncodeVector.
type embeddingsDB struct {
	q querier
}

type pageEmbeddingRow struct {
	PageID      uuid.UUID `db:"page_id"`
	ContentHash string    `db:"content_hash"`
	Model       string    `db:"model"`
	Vector      []byte    `db:"vector"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (row pageEmbeddingRow) toEmbedding() (*embeddings.PageEmbedding, error) {
	vector, err := embeddings.DecodeVector(row.Vector)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &embeddings.PageEmbedding{
		PageID:      row.PageID,
		ContentHash: row.ContentHash,
		Model:       row.Model,
		Vector:      vector,
		UpdatedAt:   row.UpdatedAt,
	}, nil
}

// Upsert stores the page's embedding, replacing any previous one.
func (db *embeddingsDB) Upsert(ctx context.Context, embedding *embeddings.PageEmbedding) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.q.ExecContext(ctx, `
		INSERT INTO page_embeddings (page_id, content_hash, model, vector)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (page_id)
		DO UPDATE SET content_hash = EXCLUDED.content_hash, model = EXCLUDED.model,
			vector = EXCLUDED.vector, updated_at = now()`,
		embedding.PageID, embedding.ContentHash, embedding.Model,
		embeddings.EncodeVector(embedding.Vector))
	return Error.Wrap(err)
}

// Get returns the page's embedding or sql.ErrNoRows.
func (db *embeddingsDB) Get(ctx context.Context, pageID uuid.UUID) (_ *embeddings.PageEmbedding, err error) {
	defer mon.Task()(&ctx)(&err)

	var row pageEmbeddingRow
	err = db.q.GetContext(ctx, &row, `
		SELECT page_id, content_hash, model, vector, updated_at
		FROM page_embeddings WHERE page_id = $1`, pageID)
	if err != nil {
		return nil, wrapRowErr(err)
	}
	return row.toEmbedding()
}

// GetByPageIDs returns the embeddings of the given pages; pages that were
// never indexed are simply absent from the result.
func (db *embeddingsDB) GetByPageIDs(ctx context.Context, pageIDs []uuid.UUID) (_ []embeddings.PageEmbedding, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(pageIDs) == 0 {
		return nil, nil
	}

	var rows []pageEmbeddingRow
	err = db.q.SelectContext(ctx, &rows, `
		SELECT page_id, content_hash, model, vector, updated_at
		FROM page_embeddings WHERE page_id = ANY($1)`, pageIDs)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	list := make([]embeddings.PageEmbedding, 0, len(rows))
	for _, row := range rows {
		embedding, err := row.toEmbedding()
		if err != nil {
			return nil, err
		}
		list = append(list, *embedding)
	}
	return list, nil
}

// Delete removes the page's embedding. Missing rows are not an error.
func (db *embeddingsDB) Delete(ctx context.Context, pageID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.q.ExecContext(ctx, `DELETE FROM page_embeddings WHERE page_id = $1`, pageID)
	return Error.Wrap(err)
}
