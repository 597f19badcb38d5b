package oauth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewState_EntropyAndEncoding(t *testing.T) {
	a, err := NewState()
	require.NoError(t, err)
	b, err := NewState()
	require.NoError(t, err)

	// 32 bytes base64url-encoded without padding is 43 characters.
	assert.Len(t, a, 43)
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "+")
	assert.NotContains(t, a, "/")
	assert.NotContains(t, a, "=")
}

func TestMemoryStateStore_SaveAndConsume(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStateStore()

	st := FlowState{Provider: "google", State: "state-1", IssuedAt: time.Now().UTC()}
	require.NoError(t, store.Save(ctx, "key-1", st, time.Minute))

	got, err := store.Consume(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "google", got.Provider)
	assert.Equal(t, "state-1", got.State)
}

func TestMemoryStateStore_ConsumeIsSingleUse(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStateStore()

	st := FlowState{Provider: "google", State: "state-1"}
	require.NoError(t, store.Save(ctx, "key-1", st, time.Minute))

	_, err := store.Consume(ctx, "key-1")
	require.NoError(t, err)

	_, err = store.Consume(ctx, "key-1")
	assert.ErrorIs(t, err, ErrStateNotFound)
}

func TestMemoryStateStore_ExpiredEntry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStateStore()

	st := FlowState{Provider: "google", State: "state-1"}
	require.NoError(t, store.Save(ctx, "key-1", st, -time.Second))

	_, err := store.Consume(ctx, "key-1")
	assert.ErrorIs(t, err, ErrStateNotFound)
}

func TestMemoryStateStore_UnknownKey(t *testing.T) {
	store := NewMemoryStateStore()

	_, err := store.Consume(context.Background(), "never-saved")
	assert.ErrorIs(t, err, ErrStateNotFound)
}
