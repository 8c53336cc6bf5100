package abandon_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/TNZtims/bazaar-pos-sub001/client/abandon"
	"github.com/TNZtims/bazaar-pos-sub001/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLog(t *testing.T, path string) *abandon.IntentLog {
	t.Helper()
	log, err := abandon.OpenIntentLog(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func TestIntentLog_CheckpointReplacesLines(t *testing.T) {
	log := openLog(t, filepath.Join(t.TempDir(), "intents.db"))
	ctx := context.Background()

	require.NoError(t, log.Checkpoint(ctx, "s1", "anon:a", []models.CartLine{
		{ProductID: "p1", Quantity: 3},
		{ProductID: "p2", Quantity: 1},
	}))
	require.NoError(t, log.Checkpoint(ctx, "s1", "anon:a", []models.CartLine{
		{ProductID: "p2", Quantity: 2},
		{ProductID: "p3", Quantity: 0},
	}))

	lines, err := log.Pending(ctx, "s1", "anon:a")
	require.NoError(t, err)
	assert.Equal(t, []models.CartLine{{ProductID: "p2", Quantity: 2}}, lines)

	none, err := log.Pending(ctx, "s1", "anon:b")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestIntentLog_ClearedMarker(t *testing.T) {
	log := openLog(t, filepath.Join(t.TempDir(), "intents.db"))
	ctx := context.Background()

	cleared, err := log.Cleared(ctx, "s1", "anon:a")
	require.NoError(t, err)
	assert.False(t, cleared)

	require.NoError(t, log.Checkpoint(ctx, "s1", "anon:a", []models.CartLine{{ProductID: "p1", Quantity: 1}}))
	require.NoError(t, log.Checkpoint(ctx, "s1", "anon:b", []models.CartLine{{ProductID: "p1", Quantity: 2}}))
	require.NoError(t, log.MarkCleared(ctx, "s1", "anon:a"))

	cleared, err = log.Cleared(ctx, "s1", "anon:a")
	require.NoError(t, err)
	assert.True(t, cleared)

	all, err := log.PendingAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "anon:b", all[0].ActorID)
	assert.Equal(t, []models.CartLine{{ProductID: "p1", Quantity: 2}}, all[0].Lines)

	// A new cart after a clear is live again.
	require.NoError(t, log.Checkpoint(ctx, "s1", "anon:a", []models.CartLine{{ProductID: "p2", Quantity: 1}}))
	cleared, err = log.Cleared(ctx, "s1", "anon:a")
	require.NoError(t, err)
	assert.False(t, cleared)
}

func TestIntentLog_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intents.db")
	ctx := context.Background()

	first, err := abandon.OpenIntentLog(path)
	require.NoError(t, err)
	session, err := first.SessionID(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, session)
	require.NoError(t, first.Checkpoint(ctx, "s1", "anon:"+session, []models.CartLine{{ProductID: "p1", Quantity: 3}}))
	require.NoError(t, first.Close())

	second := openLog(t, path)
	again, err := second.SessionID(ctx)
	require.NoError(t, err)
	assert.Equal(t, session, again)

	lines, err := second.Pending(ctx, "s1", "anon:"+session)
	require.NoError(t, err)
	assert.Equal(t, []models.CartLine{{ProductID: "p1", Quantity: 3}}, lines)

	require.NoError(t, second.Clear(ctx, "s1", "anon:"+session, "p1"))
	lines, err = second.Pending(ctx, "s1", "anon:"+session)
	require.NoError(t, err)
	assert.Empty(t, lines)
}
