// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package embeddings

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIClient binds Client to the langchaingo openai implementation. The
// same binding serves every OpenAI-compatible endpoint by overriding the
// base URL.
type OpenAIClient struct {
	llm *openai.LLM
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient builds an embedding client for the given credential.
// baseURL is optional and overrides the provider endpoint.
func NewOpenAIClient(apiKey, model, baseURL string) (*OpenAIClient, error) {
	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithEmbeddingModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &OpenAIClient{llm: llm}, nil
}

// CreateEmbedding implements Client.
func (client *OpenAIClient) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := client.llm.CreateEmbedding(ctx, texts)
	return vectors, Error.Wrap(err)
}

// IsTransient reports whether a provider error is worth retrying: rate
// limits, timeouts and upstream unavailability. The provider client folds
// the HTTP status into the error text, so the check is textual.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"rate limit", "status code: 429", "status code: 500", "status code: 502", "status code: 503", "timeout", "connection reset"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
