// Package websearch queries a generic JSON web-search endpoint:
// GET <endpoint>?q=<query>&count=<n> returning {"results":[{title,url,snippet}]}.
package websearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/JakeFAU/answerability-auditor/internal/citation"
)

// Name is the provider label.
const Name = "websearch"

// Config configures the endpoint.
type Config struct {
	Endpoint  string
	APIKey    string
	KeyHeader string
	Timeout   time.Duration
}

// Provider implements citation.SearchProvider.
type Provider struct {
	cfg    Config
	client *http.Client
}

var _ citation.SearchProvider = (*Provider)(nil)

// New creates a Provider. client may be nil.
func New(cfg Config, client *http.Client) (*Provider, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("websearch endpoint is required")
	}
	if _, err := url.ParseRequestURI(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("parse websearch endpoint: %w", err)
	}
	if cfg.KeyHeader == "" {
		cfg.KeyHeader = "X-API-Key"
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Provider{cfg: cfg, client: client}, nil
}

// Name implements citation.SearchProvider.
func (p *Provider) Name() string { return Name }

type response struct {
	Results []citation.SearchResult `json:"results"`
}

// Search implements citation.SearchProvider.
func (p *Provider) Search(ctx context.Context, query string, limit int) ([]citation.SearchResult, error) {
	u, err := url.Parse(p.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse websearch endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	if limit > 0 {
		q.Set("count", strconv.Itoa(limit))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new websearch request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set(p.cfg.KeyHeader, p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("websearch request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &citation.StatusError{Provider: Name, Code: resp.StatusCode, Err: errors.New(string(body))}
	}

	var decoded response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode websearch response: %w", err)
	}
	results := make([]citation.SearchResult, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		if r.URL == "" {
			continue
		}
		results = append(results, r)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}
