package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "carrypigeon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndList(t *testing.T) {
	s := newTestStore(t)

	st := &plugin.InstalledState{
		PluginID:          "markdown",
		InstalledVersions: []string{"1.0.0", "2.0.0"},
		CurrentVersion:    "2.0.0",
		Enabled:           true,
		Status:            plugin.StatusOK,
	}
	require.NoError(t, s.Save("srv-a", st))

	states, err := s.List("srv-a")
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "markdown", states[0].PluginID)
	assert.Equal(t, []string{"1.0.0", "2.0.0"}, states[0].InstalledVersions)
	assert.Equal(t, "2.0.0", states[0].CurrentVersion)
	assert.True(t, states[0].Enabled)
	assert.Equal(t, plugin.StatusOK, states[0].Status)
}

func TestSaveUpserts(t *testing.T) {
	s := newTestStore(t)

	st := &plugin.InstalledState{PluginID: "markdown", InstalledVersions: []string{"1.0.0"}, Status: plugin.StatusOK}
	require.NoError(t, s.Save("srv-a", st))

	st.Status = plugin.StatusFailed
	st.LastError = "activation trap"
	require.NoError(t, s.Save("srv-a", st))

	states, err := s.List("srv-a")
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, plugin.StatusFailed, states[0].Status)
	assert.Equal(t, "activation trap", states[0].LastError)
}

func TestListScopesAreIsolated(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Save("srv-a", &plugin.InstalledState{PluginID: "markdown", Status: plugin.StatusOK}))
	require.NoError(t, s.Save("srv-b", &plugin.InstalledState{PluginID: "polls", Status: plugin.StatusOK}))

	a, err := s.List("srv-a")
	require.NoError(t, err)
	require.Len(t, a, 1)
	assert.Equal(t, "markdown", a[0].PluginID)

	b, err := s.List("srv-b")
	require.NoError(t, err)
	require.Len(t, b, 1)
	assert.Equal(t, "polls", b[0].PluginID)
}

func TestDeleteRemovesStateAndKV(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save("srv-a", &plugin.InstalledState{PluginID: "markdown", Status: plugin.StatusOK}))
	kv := s.Namespace("srv-a", "markdown")
	require.NoError(t, kv.Set(ctx, "theme", "dark"))

	require.NoError(t, s.Delete("srv-a", "markdown"))

	states, err := s.List("srv-a")
	require.NoError(t, err)
	assert.Empty(t, states)

	_, found, err := kv.Get(ctx, "theme")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestKVNamespaceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	kv := s.Namespace("srv-a", "markdown")

	_, found, err := kv.Get(ctx, "theme")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, kv.Set(ctx, "theme", "dark"))
	v, found, err := kv.Get(ctx, "theme")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "dark", v)

	require.NoError(t, kv.Set(ctx, "theme", "light"))
	v, _, err = kv.Get(ctx, "theme")
	require.NoError(t, err)
	assert.Equal(t, "light", v)

	require.NoError(t, kv.Delete(ctx, "theme"))
	_, found, err = kv.Get(ctx, "theme")
	require.NoError(t, err)
	assert.False(t, found)

	// Deleting a missing key is harmless
	require.NoError(t, kv.Delete(ctx, "theme"))
}

func TestKVNamespacesDoNotCollide(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := s.Namespace("srv-a", "markdown")
	b := s.Namespace("srv-a", "polls")
	c := s.Namespace("srv-b", "markdown")

	require.NoError(t, a.Set(ctx, "k", "from-a"))
	require.NoError(t, b.Set(ctx, "k", "from-b"))
	require.NoError(t, c.Set(ctx, "k", "from-c"))

	v, _, err := a.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "from-a", v)

	v, _, err = b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "from-b", v)

	v, _, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "from-c", v)
}
