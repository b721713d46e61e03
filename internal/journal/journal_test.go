package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestJournal(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), zap.NewNop())
	require.NoError(t, err)
	defer j.Close()

	t.Run("Record And List", func(t *testing.T) {
		require.NoError(t, j.Record("task-1", "exec-1", EventStarted, ""))
		require.NoError(t, j.Record("task-1", "exec-1", EventYielded, "1s"))
		require.NoError(t, j.Record("task-1", "exec-1", EventCompleted, ""))
		require.NoError(t, j.Record("task-2", "exec-1", EventFailed, "boom"))

		entries, err := j.List("task-1", 0)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, EventStarted, entries[0].Event)
		assert.Equal(t, EventYielded, entries[1].Event)
		assert.Equal(t, "1s", entries[1].Detail)
		assert.Equal(t, EventCompleted, entries[2].Event)

		entries, err = j.List("task-2", 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "boom", entries[0].Detail)
	})

	t.Run("List Honors Limit", func(t *testing.T) {
		entries, err := j.List("task-1", 2)
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("Delete Before", func(t *testing.T) {
		require.NoError(t, j.DeleteBefore(time.Now().Add(time.Minute)))

		entries, err := j.List("task-1", 0)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("Unknown Task", func(t *testing.T) {
		entries, err := j.List("task-none", 0)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}
