package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInMemoryStore_GetEventsForForwarding_OldestFirst(t *testing.T) {
	store := NewInMemoryStore()
	now := time.Now()

	newer := &Event{ID: "newer", CreatedAt: now.Add(time.Second)}
	older := &Event{ID: "older", CreatedAt: now}
	require.NoError(t, store.Save(context.Background(), newer))
	require.NoError(t, store.Save(context.Background(), older))

	got, err := store.GetEventsForForwarding(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "older", got[0].ID)
	require.Equal(t, "newer", got[1].ID)
}

func TestInMemoryStore_GetEventsForForwarding_RespectsLimit(t *testing.T) {
	store := NewInMemoryStore()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Save(context.Background(), &Event{ID: string(rune('a' + i)), CreatedAt: time.Now()}))
	}

	got, err := store.GetEventsForForwarding(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
}

func TestInMemoryStore_GetEventsForForwarding_ExcludesForwarded(t *testing.T) {
	store := NewInMemoryStore()
	require.NoError(t, store.Save(context.Background(), &Event{ID: "done", Forwarded: true, CreatedAt: time.Now()}))
	require.NoError(t, store.Save(context.Background(), &Event{ID: "pending", Forwarded: false, CreatedAt: time.Now()}))

	got, err := store.GetEventsForForwarding(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "pending", got[0].ID)
}

func TestInMemoryStore_Save_IsUpsert(t *testing.T) {
	store := NewInMemoryStore()
	e := &Event{ID: "x", Reason: "first", CreatedAt: time.Now()}
	require.NoError(t, store.Save(context.Background(), e))

	e.Reason = "second"
	require.NoError(t, store.Save(context.Background(), e))

	got, err := store.GetEventsForForwarding(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "second", got[0].Reason)
}

func TestInMemoryStore_Save_ReturnsDefensiveCopy(t *testing.T) {
	store := NewInMemoryStore()
	e := &Event{ID: "y", Reason: "original", CreatedAt: time.Now()}
	require.NoError(t, store.Save(context.Background(), e))

	got, err := store.GetEventsForForwarding(context.Background(), 10)
	require.NoError(t, err)
	got[0].Reason = "mutated"

	got2, err := store.GetEventsForForwarding(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, "original", got2[0].Reason)
}
