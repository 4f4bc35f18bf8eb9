package citation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/answerability-auditor/internal/policy/retry"
	"github.com/JakeFAU/answerability-auditor/internal/telemetry"
)

// Limiter gates outbound calls per provider key.
type Limiter interface {
	Acquire(ctx context.Context, key string) error
}

// Answer is an answer with the URLs it cites.
type Answer struct {
	Query    string   `json:"query"`
	Text     string   `json:"text"`
	Sources  []string `json:"sources"`
	Provider string   `json:"provider"`
	Degraded bool     `json:"degraded"`
}

// QueryError records a failed query in a batch.
type QueryError struct {
	Query string
	Err   error
}

// BatchResult holds per-query outcomes. A failed query never fails the batch.
type BatchResult struct {
	Answers []Answer
	Errors  []QueryError
}

// Config bounds orchestrator calls.
type Config struct {
	MaxResults     int
	MaxConcurrent  int
	MaxQueryLength int
	ChunkDelay     time.Duration
	CallTimeout    time.Duration
	Retry          retry.Policy
}

// Orchestrator answers queries across providers.
type Orchestrator struct {
	searchers  []SearchProvider
	summarizer Summarizer
	limiter    Limiter
	cfg        Config
	sleep      func(ctx context.Context, d time.Duration) error
	logger     *zap.Logger
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithSleep replaces the wait used for retry backoff and inter-chunk delays.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

// New builds an Orchestrator. summarizer may be nil, in which case every
// answer is degraded.
func New(searchers []SearchProvider, summarizer Summarizer, limiter Limiter, cfg Config, opts ...Option) (*Orchestrator, error) {
	if limiter == nil {
		return nil, errors.New("citation orchestrator requires a limiter")
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxQueryLength <= 0 {
		cfg.MaxQueryLength = 500
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.Default(IsRetryable)
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = IsRetryable
	}
	o := &Orchestrator{
		searchers:  append([]SearchProvider(nil), searchers...),
		summarizer: summarizer,
		limiter:    limiter,
		cfg:        cfg,
		sleep:      retry.SleepContext,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Named("citation")
	return o, nil
}

// Answer resolves one query: search then summarize, degrade to the top
// snippet when summarization fails, and fall through to the next search
// provider when a search fails or finds nothing.
func (o *Orchestrator) Answer(ctx context.Context, query string) (Answer, error) {
	var lastErr error
	for _, sp := range o.searchers {
		results, err := o.search(ctx, sp, query)
		if err == nil && len(results) == 0 {
			err = fmt.Errorf("%s returned no results", sp.Name())
		}
		if err != nil {
			lastErr = err
			telemetry.ObserveCitation(sp.Name(), "search_failed")
			o.logger.Warn("search provider failed", zap.String("provider", sp.Name()), zap.String("query", query), zap.Error(err))
			continue
		}

		if o.summarizer != nil {
			text, err := o.summarize(ctx, query, results)
			if err == nil {
				provider := sp.Name() + "+" + o.summarizer.Name()
				telemetry.ObserveCitation(provider, "ok")
				return Answer{Query: query, Text: text, Sources: sourceURLs(results), Provider: provider}, nil
			}
			o.logger.Warn("summarizer failed; degrading", zap.String("provider", o.summarizer.Name()), zap.Error(err))
		}
		provider := sp.Name() + ":degraded"
		telemetry.ObserveCitation(provider, "degraded")
		return Answer{
			Query:    query,
			Text:     results[0].Snippet,
			Sources:  sourceURLs(results),
			Provider: provider,
			Degraded: true,
		}, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no search providers configured")
	}
	return Answer{}, fmt.Errorf("%w: %w", ErrNoProvider, lastErr)
}

func (o *Orchestrator) search(ctx context.Context, sp SearchProvider, query string) ([]SearchResult, error) {
	var results []SearchResult
	err := o.call(ctx, sp.Name(), func(ctx context.Context) error {
		var err error
		results, err = sp.Search(ctx, query, o.cfg.MaxResults)
		return err
	})
	if len(results) > o.cfg.MaxResults {
		results = results[:o.cfg.MaxResults]
	}
	return results, err
}

func (o *Orchestrator) summarize(ctx context.Context, query string, results []SearchResult) (string, error) {
	var text string
	err := o.call(ctx, o.summarizer.Name(), func(ctx context.Context) error {
		var err error
		text, err = o.summarizer.Summarize(ctx, query, results)
		return err
	})
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%s returned an empty summary", o.summarizer.Name())
	}
	return text, nil
}

// call runs fn under the provider's rate limit with retries. Every attempt
// takes a fresh token.
func (o *Orchestrator) call(ctx context.Context, provider string, fn func(ctx context.Context) error) error {
	policy := o.cfg.Retry
	policy.Sleep = o.sleep
	policy.OnRetry = func(attempt int, err error) {
		telemetry.ObserveProviderRetry(provider)
		o.logger.Debug("retrying provider call", zap.String("provider", provider), zap.Int("attempt", attempt), zap.Error(err))
	}
	return policy.Do(ctx, func(ctx context.Context) error {
		if err := o.limiter.Acquire(ctx, provider); err != nil {
			return err
		}
		if o.cfg.CallTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, o.cfg.CallTimeout)
			defer cancel()
		}
		return fn(ctx)
	})
}

// Batch answers queries in chunks of MaxConcurrent, sleeping ChunkDelay
// between chunks. Queries are trimmed and deduplicated case-insensitively;
// invalid ones are reported as errors.
func (o *Orchestrator) Batch(ctx context.Context, queries []string) BatchResult {
	var out BatchResult
	valid := make([]string, 0, len(queries))
	seen := make(map[string]struct{}, len(queries))
	for _, raw := range queries {
		q := strings.TrimSpace(raw)
		if q == "" || len(q) > o.cfg.MaxQueryLength {
			out.Errors = append(out.Errors, QueryError{Query: q, Err: ErrInvalidQuery})
			continue
		}
		key := strings.ToLower(q)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		valid = append(valid, q)
	}

	answers := make([]*Answer, len(valid))
	errs := make([]error, len(valid))
	for start := 0; start < len(valid); start += o.cfg.MaxConcurrent {
		if start > 0 && o.cfg.ChunkDelay > 0 {
			if err := o.sleep(ctx, o.cfg.ChunkDelay); err != nil {
				for i := start; i < len(valid); i++ {
					errs[i] = fmt.Errorf("batch interrupted: %w", err)
				}
				break
			}
		}
		end := min(start+o.cfg.MaxConcurrent, len(valid))
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ans, err := o.Answer(ctx, valid[i])
				if err != nil {
					errs[i] = err
					return
				}
				answers[i] = &ans
			}(i)
		}
		wg.Wait()
	}

	for i, q := range valid {
		if errs[i] != nil {
			out.Errors = append(out.Errors, QueryError{Query: q, Err: errs[i]})
			continue
		}
		out.Answers = append(out.Answers, *answers[i])
	}
	return out
}

func sourceURLs(results []SearchResult) []string {
	urls := make([]string, 0, len(results))
	for _, r := range results {
		if r.URL != "" {
			urls = append(urls, r.URL)
		}
	}
	return urls
}
