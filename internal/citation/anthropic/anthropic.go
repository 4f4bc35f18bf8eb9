// Package anthropic summarizes search results with Claude.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/JakeFAU/answerability-auditor/internal/citation"
)

// Name is the provider label.
const Name = "anthropic"

const systemPrompt = "You answer questions for a citation audit. Be brief and cite only the URLs you are given."

type messageCreator interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Summarizer implements citation.Summarizer.
type Summarizer struct {
	messages  messageCreator
	model     string
	maxTokens int64
}

var _ citation.Summarizer = (*Summarizer)(nil)

// New creates a Claude summarizer.
func New(apiKey, model string, maxTokens int) (*Summarizer, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return newWithMessages(&client.Messages, model, maxTokens), nil
}

func newWithMessages(messages messageCreator, model string, maxTokens int) *Summarizer {
	if model == "" {
		model = "claude-haiku-4-5"
	}
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &Summarizer{messages: messages, model: model, maxTokens: int64(maxTokens)}
}

// Name implements citation.Summarizer.
func (s *Summarizer) Name() string { return Name }

// Summarize implements citation.Summarizer.
func (s *Summarizer) Summarize(ctx context.Context, query string, results []citation.SearchResult) (string, error) {
	resp, err := s.messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: s.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(citation.BuildPrompt(query, results))),
		},
	})
	if err != nil {
		return "", classify(err)
	}
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(b.String()), nil
}

func classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		return &citation.StatusError{Provider: Name, Code: apiErr.StatusCode, Err: err}
	}
	return fmt.Errorf("anthropic: %w", err)
}
