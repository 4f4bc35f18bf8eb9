package gemini

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/JakeFAU/answerability-auditor/internal/citation"
)

type fakeModels struct {
	resp    *genai.GenerateContentResponse
	err     error
	configs []*genai.GenerateContentConfig
}

func (f *fakeModels) GenerateContent(_ context.Context, _ string, _ []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.configs = append(f.configs, cfg)
	return f.resp, f.err
}

func groundedResponse() *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: "Example sells widgets."}}},
			GroundingMetadata: &genai.GroundingMetadata{
				GroundingChunks: []*genai.GroundingChunk{
					{Web: &genai.GroundingChunkWeb{URI: "https://example.com/", Title: "Example"}},
					{Web: &genai.GroundingChunkWeb{URI: "https://review.test/example", Title: "Review"}},
					{},
				},
				GroundingSupports: []*genai.GroundingSupport{{
					Segment:               &genai.Segment{Text: "Example sells widgets."},
					GroundingChunkIndices: []int32{0},
				}},
			},
		}},
	}
}

func TestSearchUsesGroundingChunks(t *testing.T) {
	t.Parallel()

	models := &fakeModels{resp: groundedResponse()}
	p := newWithGenerator(models, "")

	results, err := p.Search(context.Background(), "what does example sell", 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, citation.SearchResult{Title: "Example", URL: "https://example.com/", Snippet: "Example sells widgets."}, results[0])
	require.Equal(t, "Example sells widgets.", results[1].Snippet, "unsupported chunks fall back to the answer text")
	require.NotNil(t, models.configs[0].Tools[0].GoogleSearch)

	limited, err := p.Search(context.Background(), "q", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestSearchWithoutGroundingReturnsNothing(t *testing.T) {
	t.Parallel()

	p := newWithGenerator(&fakeModels{resp: &genai.GenerateContentResponse{}}, "gemini-x")
	results, err := p.Search(context.Background(), "q", 5)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestSummarizeConcatenatesParts(t *testing.T) {
	t.Parallel()

	p := newWithGenerator(&fakeModels{resp: groundedResponse()}, "")
	text, err := p.Summarize(context.Background(), "q", []citation.SearchResult{{URL: "https://example.com/"}})
	require.NoError(t, err)
	require.Equal(t, "Example sells widgets.", text)
}

func TestClassifyMapsAPIErrors(t *testing.T) {
	t.Parallel()

	p := newWithGenerator(&fakeModels{err: genai.APIError{Code: 429, Message: "quota"}}, "")
	_, err := p.Search(context.Background(), "q", 5)
	require.True(t, citation.IsRetryable(err))

	p = newWithGenerator(&fakeModels{err: errors.New("dial tcp")}, "")
	_, err = p.Summarize(context.Background(), "q", nil)
	require.False(t, citation.IsRetryable(err))
	require.ErrorContains(t, err, "gemini: dial tcp")
}

func TestNewRequiresKey(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), "", "")
	require.Error(t, err)
}
