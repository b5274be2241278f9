package chatsync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSnapshot(t *testing.T) *Snapshot {
	t.Helper()
	s, err := OpenSnapshot(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSnapshotDialogs(t *testing.T) {
	s := newTestSnapshot(t)
	ctx := context.Background()

	in := []Dialog{
		{UserID: 2, FullName: "Ann", LastMessage: "hi", LastMessageAt: t0, UnreadCount: 2},
		{UserID: 3, FullName: "Bob", CreatedAt: t0.Add(time.Hour)},
	}
	require.NoError(t, s.SaveDialogs(ctx, 1, in))
	require.NoError(t, s.SaveDialogs(ctx, 9, []Dialog{{UserID: 4}}))

	got, err := s.LoadDialogs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].UserID, "sorted by activity")
	assert.Equal(t, "Ann", got[1].FullName)
	assert.True(t, got[1].LastMessageAt.Equal(t0))
	assert.True(t, got[1].CreatedAt.IsZero())
	assert.Equal(t, 2, got[1].UnreadCount)

	// Saving replaces the previous list.
	require.NoError(t, s.SaveDialogs(ctx, 1, in[:1]))
	got, err = s.LoadDialogs(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSnapshotMessages(t *testing.T) {
	s := newTestSnapshot(t)
	ctx := context.Background()

	read := t0.Add(time.Minute)
	msgs := []Message{
		{ID: 2, SenderID: 1, ReceiverID: 2, Content: "second", CreatedAt: t0.Add(time.Second)},
		{ID: 1, SenderID: 2, ReceiverID: 1, Content: "first", CreatedAt: t0, ReadAt: &read},
		{SenderID: 1, ReceiverID: 2, Content: "pending", ClientID: "c1", CreatedAt: t0.Add(time.Hour)},
	}
	require.NoError(t, s.SaveMessages(ctx, 1, 2, msgs))

	got, err := s.LoadMessages(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, got, 2, "pending copies are not saved")
	assert.Equal(t, []int64{1, 2}, ids(got))
	require.NotNil(t, got[0].ReadAt)
	assert.True(t, got[0].ReadAt.Equal(read))
	assert.Nil(t, got[1].ReadAt)

	other, err := s.LoadMessages(ctx, 1, 3)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSnapshotPurge(t *testing.T) {
	s := newTestSnapshot(t)
	ctx := context.Background()

	require.NoError(t, s.SaveDialogs(ctx, 1, []Dialog{{UserID: 2}}))
	require.NoError(t, s.SaveMessages(ctx, 1, 2, []Message{{ID: 1, SenderID: 2, ReceiverID: 1, CreatedAt: t0}}))
	require.NoError(t, s.SaveDialogs(ctx, 5, []Dialog{{UserID: 2}}))

	require.NoError(t, s.Purge(ctx, 1))

	d, err := s.LoadDialogs(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, d)
	m, err := s.LoadMessages(ctx, 1, 2)
	require.NoError(t, err)
	assert.Empty(t, m)

	d, err = s.LoadDialogs(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, d, 1, "other owners untouched")
}

func TestSnapshotReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	s, err := OpenSnapshot(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveDialogs(ctx, 1, []Dialog{{UserID: 2, LastMessage: "kept"}}))
	require.NoError(t, s.Close())

	s, err = OpenSnapshot(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.LoadDialogs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "kept", got[0].LastMessage)
}
