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
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "diagnostics/kvitki/page.html", "text/html", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://diagnostics/kvitki/page.html", uri)

	payload[0] = 'C'
	stored, ok := store.Object("diagnostics/kvitki/page.html")
	require.True(t, ok)
	require.Equal(t, "content", string(stored))
	require.Equal(t, []string{"diagnostics/kvitki/page.html"}, store.Paths())

	_, ok = store.Object("missing")
	require.False(t, ok)
}
