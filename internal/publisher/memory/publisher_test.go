package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "alerts", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "audits", "done")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "alerts", msgs[0].Topic)
	require.Equal(t, []any{"done"}, pub.Topic("audits"))

	msgs[0].Topic = "modified"
	require.Equal(t, "alerts", pub.Messages()[0].Topic)
}

func TestPublisherInjectedError(t *testing.T) {
	t.Parallel()

	pub := New()
	pub.Err = errors.New("unavailable")
	_, err := pub.Publish(context.Background(), "alerts", "x")
	require.ErrorContains(t, err, "unavailable")
	require.Empty(t, pub.Messages())
}
