package anthropic

import (
	"context"
	"errors"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/answerability-auditor/internal/citation"
)

type fakeMessages struct {
	params anthropic.MessageNewParams
	resp   *anthropic.Message
	err    error
}

func (f *fakeMessages) New(_ context.Context, params anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	f.params = params
	return f.resp, f.err
}

func TestSummarizeJoinsTextBlocks(t *testing.T) {
	t.Parallel()

	fake := &fakeMessages{resp: &anthropic.Message{Content: []anthropic.ContentBlockUnion{
		{Type: "text", Text: "Example sells widgets "},
		{Type: "tool_use"},
		{Type: "text", Text: "(https://example.com/)."},
	}}}
	s := newWithMessages(fake, "", 0)

	text, err := s.Summarize(context.Background(), "what does example sell", []citation.SearchResult{{URL: "https://example.com/"}})
	require.NoError(t, err)
	require.Equal(t, "Example sells widgets (https://example.com/).", text)
	require.Equal(t, anthropic.Model("claude-haiku-4-5"), fake.params.Model)
	require.EqualValues(t, 512, fake.params.MaxTokens)
	require.Len(t, fake.params.Messages, 1)
	require.Equal(t, systemPrompt, fake.params.System[0].Text)
}

func TestClassifyRateLimit(t *testing.T) {
	t.Parallel()

	err := classify(&anthropic.Error{StatusCode: 429})
	var se *citation.StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, 429, se.Code)
	require.True(t, citation.IsRetryable(err))

	require.False(t, citation.IsRetryable(classify(errors.New("eof"))))
}

func TestNewRequiresKey(t *testing.T) {
	t.Parallel()

	_, err := New("", "", 0)
	require.Error(t, err)
}
