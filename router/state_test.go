package router

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	st, err := LoadState(dir)
	require.NoError(t, err)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.AdvanceLastTimestamp(ts))
	require.NoError(t, st.AdvanceAgentWatermark("chat-1", ts))
	require.NoError(t, st.SetSession("main", "sess-abc"))
	require.NoError(t, st.RegisterGroup("chat-1", RegisteredGroup{Name: "Main", Folder: "main"}))

	reloaded, err := LoadState(dir)
	require.NoError(t, err)
	assert.True(t, reloaded.LastTimestamp().Equal(ts))
	assert.True(t, reloaded.AgentWatermark("chat-1").Equal(ts))
	assert.Equal(t, "sess-abc", reloaded.Session("main"))
	g, ok := reloaded.Group("chat-1")
	require.True(t, ok)
	assert.Equal(t, "main", g.Folder)
	assert.False(t, g.AddedAt.IsZero())
}

func TestWatermarksAreMonotone(t *testing.T) {
	st, err := LoadState(t.TempDir())
	require.NoError(t, err)

	later := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Hour)

	require.NoError(t, st.AdvanceLastTimestamp(later))
	require.NoError(t, st.AdvanceLastTimestamp(earlier))
	assert.True(t, st.LastTimestamp().Equal(later))

	require.NoError(t, st.AdvanceAgentWatermark("c", later))
	require.NoError(t, st.AdvanceAgentWatermark("c", earlier))
	assert.True(t, st.AgentWatermark("c").Equal(later))
}

func TestRegisterGroupRequiresFolder(t *testing.T) {
	st, err := LoadState(t.TempDir())
	require.NoError(t, err)
	require.Error(t, st.RegisterGroup("chat-1", RegisteredGroup{Name: "x"}))
}

func TestGroupByFolder(t *testing.T) {
	st, err := LoadState(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, st.RegisterGroup("chat-1", RegisteredGroup{Name: "Main", Folder: "main"}))
	require.NoError(t, st.RegisterGroup("chat-2", RegisteredGroup{Name: "Lab", Folder: "lab"}))

	id, g, ok := st.GroupByFolder("lab")
	require.True(t, ok)
	assert.Equal(t, "chat-2", id)
	assert.Equal(t, "Lab", g.Name)

	_, _, ok = st.GroupByFolder("ghost")
	assert.False(t, ok)
}

func TestAtomicSaveLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	st, err := LoadState(dir)
	require.NoError(t, err)
	require.NoError(t, st.AdvanceLastTimestamp(time.Now()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, ".tmp", filepath.Ext(e.Name()))
	}
}
