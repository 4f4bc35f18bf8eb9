// Package citation answers queries through rate-limited, retrying search and
// summarization providers, degrading to search snippets when summarization
// is unavailable.
package citation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// SearchResult is one web result returned by a search provider.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// SearchProvider returns top results for a query.
type SearchProvider interface {
	Name() string
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// Summarizer writes a short answer that cites only the supplied results.
type Summarizer interface {
	Name() string
	Summarize(ctx context.Context, query string, results []SearchResult) (string, error)
}

// ErrNoProvider means every configured search provider failed or returned
// nothing. It is the only Answer failure callers must treat as an error.
var ErrNoProvider = errors.New("no citation provider available")

// ErrInvalidQuery rejects empty or oversized queries in a batch.
var ErrInvalidQuery = errors.New("invalid query")

// StatusError carries the HTTP status a provider call failed with.
type StatusError struct {
	Provider string
	Code     int
	Err      error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: status %d", e.Provider, e.Code)
	}
	return fmt.Sprintf("%s: status %d: %v", e.Provider, e.Code, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a rate-limit or transient-unavailable
// provider failure.
func IsRetryable(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == http.StatusTooManyRequests || se.Code == http.StatusServiceUnavailable
}

// BuildPrompt renders the summarization instruction shared by the LLM
// summarizers.
func BuildPrompt(query string, results []SearchResult) string {
	prompt := "Answer the question in at most three sentences using only the sources below. " +
		"Cite sources by URL and do not mention any other site.\n\nQuestion: " + query + "\n\nSources:\n"
	for i, r := range results {
		prompt += fmt.Sprintf("[%d] %s\n%s\n%s\n\n", i+1, r.Title, r.URL, r.Snippet)
	}
	return prompt
}
