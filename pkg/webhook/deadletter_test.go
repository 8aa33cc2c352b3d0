package webhook

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runDeadLetterStoreTests(t *testing.T, store DeadLetterStore) {
	t.Helper()
	ctx := context.Background()

	base := time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)
	first := &Item{ID: "a", URL: "https://a.example.com", Secret: "s", Attempts: 3, CreatedAt: base, Payload: []byte(`{"x":1}`)}
	second := &Item{ID: "b", URL: "https://b.example.com", Attempts: 3, CreatedAt: base.Add(time.Second)}

	require.NoError(t, store.Add(ctx, second))
	require.NoError(t, store.Add(ctx, first))

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "s", got.Secret, "secrets survive storage so retries can be signed")
	assert.JSONEq(t, `{"x":1}`, string(got.Payload))

	items, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].ID)
	assert.Equal(t, "b", items[1].ID)

	require.NoError(t, store.Remove(ctx, "a"))
	assert.ErrorIs(t, store.Remove(ctx, "a"), ErrDeadLetterNotFound)

	_, err = store.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrDeadLetterNotFound)

	cleared, err := store.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)

	n, err = store.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryDeadLetterStore(t *testing.T) {
	runDeadLetterStoreTests(t, NewMemoryDeadLetterStore())
}
