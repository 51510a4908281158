// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

// Package embeddings maintains the per-page semantic vectors used by the
// ask pipeline's retrieval fallback.
//
// Vectors are recomputed by a queue worker whenever a page's content hash
// changes; a hash match short-circuits without touching the embedding API.
// Search is an exact cosine scan over the caller's accessible pages.
package embeddings

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	// Error is the default embeddings errs class.
	Error = errs.Class("embeddings")

	mon = monkit.Package()
)

// Config contains configuration for the embedding index.
type Config struct {
	APIKey  string `help:"platform API key used for computing embeddings" default:"" hidden:"true"`
	BaseURL string `help:"override for the embedding provider endpoint" default:""`

	Model      string `help:"embedding model requested from the provider" default:"text-embedding-3-small"`
	Dimensions int    `help:"expected vector dimensionality" default:"1536"`
	Encoding   string `help:"token encoding used for input sizing" default:"cl100k_base"`
	MaxTokens  int    `help:"maximum tokens of page content embedded per page" default:"8000"`

	RetryInitial    time.Duration `help:"initial backoff between embedding API retries" default:"1s"`
	RetryMaxElapsed time.Duration `help:"total time budget for embedding API retries" default:"2m"`
}

// PageEmbedding is the stored vector of one page at one content hash.
type PageEmbedding struct {
	PageID      uuid.UUID
	ContentHash string
	Model       string
	Vector      []float32

	UpdatedAt time.Time
}

// DB exposes methods to manage the page_embeddings table.
//
// architecture: Database
type DB interface {
	// Upsert stores the page's embedding, replacing any previous one.
	Upsert(ctx context.Context, embedding *PageEmbedding) error
	// Get returns the page's embedding or sql.ErrNoRows.
	Get(ctx context.Context, pageID uuid.UUID) (*PageEmbedding, error)
	// GetByPageIDs returns the embeddings of the given pages; pages that
	// were never indexed are simply absent from the result.
	GetByPageIDs(ctx context.Context, pageIDs []uuid.UUID) ([]PageEmbedding, error)
	// Delete removes the page's embedding. Missing rows are not an error.
	Delete(ctx context.Context, pageID uuid.UUID) error
}

// Client computes embedding vectors for text through an external provider.
// Implemented by the langchaingo openai binding; tests supply fakes.
type Client interface {
	// CreateEmbedding returns one vector per input text.
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when either vector is degenerate. Higher means closer.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// EncodeVector packs a vector into the little-endian byte form stored in
// the database.
func EncodeVector(vector []float32) []byte {
	buf := make([]byte, 4*len(vector))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

// DecodeVector unpacks a vector stored by EncodeVector.
func DecodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, Error.New("corrupt vector: %d bytes", len(buf))
	}
	vector := make([]float32, len(buf)/4)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vector, nil
}
