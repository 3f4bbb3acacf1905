package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	attrs := map[string]string{"source": "afisha"}
	id1, err := pub.Publish(context.Background(), "run_report", map[string]int{"created": 2}, attrs)
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "run_report", "payload", nil)
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	attrs["source"] = "changed"
	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "afisha", msgs[0].Attributes["source"])

	var got map[string]int
	require.NoError(t, msgs[0].Decode(&got))
	require.Equal(t, 2, got["created"])

	msgs[0].Topic = "modified"
	require.Equal(t, "run_report", pub.Messages()[0].Topic)
	require.NoError(t, pub.Close())
}

func TestPublisherRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	_, err := New().Publish(context.Background(), "t", func() {}, nil)
	require.Error(t, err)
	require.Empty(t, New().Messages())
}
