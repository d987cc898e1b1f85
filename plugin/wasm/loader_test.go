package wasm

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testEntry(locator string) *plugin.RuntimeEntry {
	return &plugin.RuntimeEntry{
		ServerScope:  "srv-a",
		PluginID:     "markdown",
		Version:      "1.0.0",
		EntryLocator: locator,
	}
}

func nopProvider() (*plugin.Context, error) {
	return &plugin.Context{}, nil
}

func TestLoadMissingModuleFile(t *testing.T) {
	l := NewLoader(zap.NewNop().Sugar())

	_, err := l.Load(context.Background(), testEntry("/nonexistent/plugin.wasm"), nopProvider)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read module")
}

func TestLoadRejectsInvalidWasm(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plugin.wasm")
	require.NoError(t, os.WriteFile(path, []byte("not a wasm module"), 0o644))

	l := NewLoader(zap.NewNop().Sugar())
	_, err := l.Load(context.Background(), testEntry(path), nopProvider)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile markdown@1.0.0")
}

// Minimal valid wasm module (magic + version only), which compiles but
// exports nothing.
var emptyWasm = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func TestLoadRequiresAllocatorExports(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plugin.wasm")
	require.NoError(t, os.WriteFile(path, emptyWasm, 0o644))

	l := NewLoader(zap.NewNop().Sugar())
	_, err := l.Load(context.Background(), testEntry(path), nopProvider)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required exports")
}
