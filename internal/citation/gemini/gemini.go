// Package gemini adapts Google's Gemini API to the citation interfaces:
// search through the Google Search grounding tool and plain summarization.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/JakeFAU/answerability-auditor/internal/citation"
)

// Name is the provider label.
const Name = "gemini"

type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Provider implements citation.SearchProvider and citation.Summarizer.
type Provider struct {
	models contentGenerator
	model  string
}

var (
	_ citation.SearchProvider = (*Provider)(nil)
	_ citation.Summarizer     = (*Provider)(nil)
)

// New creates a Gemini client for apiKey.
func New(ctx context.Context, apiKey, model string) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newWithGenerator(client.Models, model), nil
}

func newWithGenerator(models contentGenerator, model string) *Provider {
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &Provider{models: models, model: model}
}

// Name implements citation.SearchProvider.
func (p *Provider) Name() string { return Name }

// Search asks Gemini the query with Google Search grounding and returns the
// grounding sources. Snippets come from the answer segments each source
// supports.
func (p *Provider) Search(ctx context.Context, query string, limit int) ([]citation.SearchResult, error) {
	resp, err := p.models.GenerateContent(ctx, p.model,
		[]*genai.Content{genai.NewContentFromText(query, genai.RoleUser)},
		&genai.GenerateContentConfig{Tools: []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}},
	)
	if err != nil {
		return nil, classify(err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].GroundingMetadata == nil {
		return nil, nil
	}
	answer := candidateText(resp.Candidates[0])
	gm := resp.Candidates[0].GroundingMetadata

	snippets := make(map[int]string)
	for _, support := range gm.GroundingSupports {
		if support == nil || support.Segment == nil {
			continue
		}
		for _, idx := range support.GroundingChunkIndices {
			if _, ok := snippets[int(idx)]; !ok {
				snippets[int(idx)] = strings.TrimSpace(support.Segment.Text)
			}
		}
	}

	var results []citation.SearchResult
	for i, chunk := range gm.GroundingChunks {
		if chunk == nil || chunk.Web == nil || chunk.Web.URI == "" {
			continue
		}
		snippet := snippets[i]
		if snippet == "" {
			snippet = answer
		}
		results = append(results, citation.SearchResult{Title: chunk.Web.Title, URL: chunk.Web.URI, Snippet: snippet})
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

// Summarize implements citation.Summarizer.
func (p *Provider) Summarize(ctx context.Context, query string, results []citation.SearchResult) (string, error) {
	resp, err := p.models.GenerateContent(ctx, p.model,
		[]*genai.Content{genai.NewContentFromText(citation.BuildPrompt(query, results), genai.RoleUser)},
		nil,
	)
	if err != nil {
		return "", classify(err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", errors.New("gemini returned no candidates")
	}
	return candidateText(resp.Candidates[0]), nil
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range c.Content.Parts {
		if part != nil && part.Text != "" {
			b.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(b.String())
}

// classify maps Gemini API errors onto citation.StatusError so the
// orchestrator can retry rate limits.
func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &citation.StatusError{Provider: Name, Code: apiErr.Code, Err: err}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return &citation.StatusError{Provider: Name, Code: apiErrPtr.Code, Err: err}
	}
	return fmt.Errorf("gemini: %w", err)
}
