package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewIDIsTimeOrderedV7(t *testing.T) {
	t.Parallel()

	gen := New()
	ids := make([]string, 0, 16)
	for range 16 {
		id, err := gen.NewID()
		require.NoError(t, err)
		parsed, err := goUUID.Parse(id)
		require.NoError(t, err)
		require.Equal(t, goUUID.Version(7), parsed.Version())
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		require.Less(t, ids[i-1], ids[i], "audit ids sort by creation")
	}
}
