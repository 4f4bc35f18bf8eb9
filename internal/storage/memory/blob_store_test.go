package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte(`{"ok":true}`)
	uri, err := store.PutObject(context.Background(), "reports/a1.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://reports/a1.json", uri)

	payload[0] = 'X'
	stored, contentType, ok := store.Object("reports/a1.json")
	require.True(t, ok)
	require.Equal(t, `{"ok":true}`, string(stored))
	require.Equal(t, "application/json", contentType)

	stored[0] = 'Y'
	again, _, _ := store.Object("reports/a1.json")
	require.Equal(t, byte('{'), again[0])
}

func TestBlobStoreMissingObject(t *testing.T) {
	t.Parallel()

	_, _, ok := NewBlobStore().Object("nope")
	require.False(t, ok)
}
