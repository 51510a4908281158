// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package ask

import (
	"context"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// ChatClient produces a completion for composed chat messages. Satisfied
// by the langchaingo openai binding; tests supply fakes.
type ChatClient interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// ClientFactory builds a chat client for a resolved credential. The
// factory runs per request because every caller may bring their own key.
type ClientFactory func(credential *Credential) (ChatClient, error)

// OpenAIFactory is the default ClientFactory. Any OpenAI-compatible
// endpoint works through the credential's base URL.
func OpenAIFactory(credential *Credential) (ChatClient, error) {
	opts := []openai.Option{
		openai.WithToken(credential.APIKey),
	}
	if credential.Model != "" {
		opts = append(opts, openai.WithModel(credential.Model))
	}
	if credential.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(credential.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return llm, nil
}
