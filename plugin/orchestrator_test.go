package plugin

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(t *testing.T, runtime RuntimeOps) (*Orchestrator, *Manager, *MemorySink) {
	m, _, _ := newTestManager(t, "srv-a")
	sink := NewMemorySink(0)
	return NewOrchestrator(m, runtime, sink, testLogger()), m, sink
}

func TestInstallThenEnableHappyPath(t *testing.T) {
	runtime := &fakeRuntime{}
	o, _, sink := newTestOrchestrator(t, runtime)
	ctx := context.Background()

	st, err := o.Install(ctx, "pluginA", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.0.0"}, st.InstalledVersions)
	assert.Empty(t, st.CurrentVersion, "install alone selects nothing")

	_, err = o.SwitchVersion(ctx, "pluginA", "1.0.0")
	require.NoError(t, err)

	st, err = o.Enable(ctx, "pluginA")
	require.NoError(t, err)
	assert.True(t, st.EffectivelyEnabled())
	assert.Equal(t, "1.0.0", st.CurrentVersion)
	assert.Contains(t, runtime.callLog(), "reload pluginA")

	p, ok := sink.Latest("pluginA")
	require.True(t, ok)
	assert.Equal(t, StageEnabled, p.Stage)
	assert.Equal(t, 100, p.Percent)
}

func TestEnableRuntimeFailureSetsFailedAndRaises(t *testing.T) {
	runtime := &fakeRuntime{
		reloadFn: func(string) error { return errors.New("module trap") },
	}
	o, m, sink := newTestOrchestrator(t, runtime)
	ctx := context.Background()

	_, err := o.Install(ctx, "pluginA", "1.0.0")
	require.NoError(t, err)
	_, err = o.SwitchVersion(ctx, "pluginA", "1.0.0")
	require.NoError(t, err)

	_, err = o.Enable(ctx, "pluginA")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "module trap")

	st, ok := m.GetInstalledState("pluginA")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, st.Status)
	assert.Contains(t, st.LastError, "module trap")
	assert.False(t, st.EffectivelyEnabled())

	p, _ := sink.Latest("pluginA")
	assert.Equal(t, StageFailed, p.Stage)
}

func TestEnableWithoutCurrentVersionRejected(t *testing.T) {
	runtime := &fakeRuntime{}
	o, m, _ := newTestOrchestrator(t, runtime)
	ctx := context.Background()

	_, err := o.Install(ctx, "pluginA", "1.0.0")
	require.NoError(t, err)

	_, err = o.Enable(ctx, "pluginA")
	assert.True(t, errors.IsInvalidRequestError(err))

	// No mutation, no runtime interaction
	st, _ := m.GetInstalledState("pluginA")
	assert.False(t, st.Enabled)
	assert.NotContains(t, runtime.callLog(), "reload pluginA")
}

// A version switch whose post-commit reload fails must end on the
// previous version, still enabled and ok, with the error surfaced.
func TestSwitchVersionReloadFailureRollsBack(t *testing.T) {
	var reloads int32
	runtime := &fakeRuntime{
		reloadFn: func(string) error {
			// First reload after the test's enable succeeds, the reload
			// for 2.0.0 fails, the rollback reload succeeds again
			n := atomic.AddInt32(&reloads, 1)
			if n == 2 {
				return errors.New("wasm instantiation failed")
			}
			return nil
		},
	}
	o, m, sink := newTestOrchestrator(t, runtime)
	ctx := context.Background()

	_, err := o.Install(ctx, "pluginA", "1.0.0")
	require.NoError(t, err)
	_, err = o.SwitchVersion(ctx, "pluginA", "1.0.0")
	require.NoError(t, err)
	_, err = o.Enable(ctx, "pluginA")
	require.NoError(t, err)

	_, err = o.Install(ctx, "pluginA", "2.0.0")
	require.NoError(t, err)

	_, err = o.SwitchVersion(ctx, "pluginA", "2.0.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wasm instantiation failed")
	assert.Contains(t, err.Error(), "rolled back")

	st, ok := m.GetInstalledState("pluginA")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", st.CurrentVersion)
	assert.True(t, st.Enabled)
	assert.Equal(t, StatusOK, st.Status)
	assert.True(t, st.EffectivelyEnabled())

	// Validation ran before the commit, and the rollback reload ran
	log := runtime.callLog()
	assert.Contains(t, log, "validate pluginA@2.0.0")
	assert.Equal(t, int32(3), atomic.LoadInt32(&reloads))

	p, _ := sink.Latest("pluginA")
	assert.Equal(t, StageFailed, p.Stage)
}

func TestSwitchVersionValidateFailureLeavesStateUntouched(t *testing.T) {
	runtime := &fakeRuntime{
		validateFn: func(id, v string) error {
			if v == "2.0.0" {
				return errors.New("missing export cp_alloc")
			}
			return nil
		},
	}
	o, m, _ := newTestOrchestrator(t, runtime)
	ctx := context.Background()

	_, err := o.Install(ctx, "pluginA", "1.0.0")
	require.NoError(t, err)
	_, err = o.SwitchVersion(ctx, "pluginA", "1.0.0")
	require.NoError(t, err)
	_, err = o.Install(ctx, "pluginA", "2.0.0")
	require.NoError(t, err)

	_, err = o.SwitchVersion(ctx, "pluginA", "2.0.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing export")

	st, _ := m.GetInstalledState("pluginA")
	assert.Equal(t, "1.0.0", st.CurrentVersion, "fail-fast before commit")
	assert.Equal(t, StatusOK, st.Status)
	assert.NotContains(t, runtime.callLog(), "reload pluginA")
}

func TestSwitchVersionRollbackReloadFailureRecordsBoth(t *testing.T) {
	var reloads int32
	runtime := &fakeRuntime{
		reloadFn: func(string) error {
			n := atomic.AddInt32(&reloads, 1)
			switch n {
			case 1:
				return nil // enable
			case 2:
				return errors.New("v2 trap") // switch to 2.0.0
			default:
				return errors.New("v1 no longer loads") // rollback reload
			}
		},
	}
	o, m, _ := newTestOrchestrator(t, runtime)
	ctx := context.Background()

	_, err := o.Install(ctx, "pluginA", "1.0.0")
	require.NoError(t, err)
	_, err = o.SwitchVersion(ctx, "pluginA", "1.0.0")
	require.NoError(t, err)
	_, err = o.Enable(ctx, "pluginA")
	require.NoError(t, err)
	_, err = o.Install(ctx, "pluginA", "2.0.0")
	require.NoError(t, err)

	_, err = o.SwitchVersion(ctx, "pluginA", "2.0.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "v2 trap")
	assert.Contains(t, err.Error(), "v1 no longer loads")

	st, _ := m.GetInstalledState("pluginA")
	assert.Equal(t, StatusFailed, st.Status)
	assert.Contains(t, st.LastError, "v2 trap")
	assert.Contains(t, st.LastError, "v1 no longer loads")
	assert.Equal(t, "1.0.0", st.CurrentVersion, "version restored even though reload failed")
}

func TestSwitchVersionWhileDisabledSkipsReload(t *testing.T) {
	runtime := &fakeRuntime{}
	o, _, _ := newTestOrchestrator(t, runtime)
	ctx := context.Background()

	_, err := o.Install(ctx, "pluginA", "1.0.0")
	require.NoError(t, err)
	_, err = o.SwitchVersion(ctx, "pluginA", "1.0.0")
	require.NoError(t, err)
	_, err = o.Install(ctx, "pluginA", "2.0.0")
	require.NoError(t, err)

	st, err := o.SwitchVersion(ctx, "pluginA", "2.0.0")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", st.CurrentVersion)
	assert.NotContains(t, runtime.callLog(), "reload pluginA")
}

func TestUpdateToLatestNoOpWhenCurrent(t *testing.T) {
	runtime := &fakeRuntime{}
	o, _, _ := newTestOrchestrator(t, runtime)
	ctx := context.Background()

	_, err := o.Install(ctx, "pluginA", "1.0.0")
	require.NoError(t, err)
	_, err = o.SwitchVersion(ctx, "pluginA", "1.0.0")
	require.NoError(t, err)

	st, err := o.UpdateToLatest(ctx, "pluginA", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", st.CurrentVersion)
	assert.Empty(t, runtime.callLog(), "no validation or reload for a no-op update")
}

func TestUpdateToLatestInstallsAndSwitches(t *testing.T) {
	runtime := &fakeRuntime{}
	o, _, _ := newTestOrchestrator(t, runtime)
	ctx := context.Background()

	_, err := o.Install(ctx, "pluginA", "1.0.0")
	require.NoError(t, err)
	_, err = o.SwitchVersion(ctx, "pluginA", "1.0.0")
	require.NoError(t, err)
	_, err = o.Enable(ctx, "pluginA")
	require.NoError(t, err)

	st, err := o.UpdateToLatest(ctx, "pluginA", "2.0.0")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", st.CurrentVersion)
	assert.Equal(t, []string{"1.0.0", "2.0.0"}, st.InstalledVersions)
	assert.True(t, st.EffectivelyEnabled())

	log := runtime.callLog()
	assert.Contains(t, log, "validate pluginA@2.0.0")
}

func TestRollbackPicksFirstAlternateVersion(t *testing.T) {
	runtime := &fakeRuntime{}
	o, _, _ := newTestOrchestrator(t, runtime)
	ctx := context.Background()

	_, err := o.Install(ctx, "pluginA", "1.0.0")
	require.NoError(t, err)
	_, err = o.Install(ctx, "pluginA", "2.0.0")
	require.NoError(t, err)
	_, err = o.SwitchVersion(ctx, "pluginA", "2.0.0")
	require.NoError(t, err)

	st, err := o.Rollback(ctx, "pluginA")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", st.CurrentVersion)
}

func TestRollbackWithoutAlternateRejected(t *testing.T) {
	runtime := &fakeRuntime{}
	o, _, _ := newTestOrchestrator(t, runtime)
	ctx := context.Background()

	_, err := o.Install(ctx, "pluginA", "1.0.0")
	require.NoError(t, err)
	_, err = o.SwitchVersion(ctx, "pluginA", "1.0.0")
	require.NoError(t, err)

	_, err = o.Rollback(ctx, "pluginA")
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestDisableUnloadsBeforeStateChange(t *testing.T) {
	runtime := &fakeRuntime{}
	o, _, _ := newTestOrchestrator(t, runtime)
	ctx := context.Background()

	_, err := o.Install(ctx, "pluginA", "1.0.0")
	require.NoError(t, err)
	_, err = o.SwitchVersion(ctx, "pluginA", "1.0.0")
	require.NoError(t, err)
	_, err = o.Enable(ctx, "pluginA")
	require.NoError(t, err)

	st, err := o.Disable(ctx, "pluginA")
	require.NoError(t, err)
	assert.False(t, st.Enabled)
	assert.Contains(t, runtime.callLog(), "disable pluginA")

	// Disabling again is harmless
	st, err = o.Disable(ctx, "pluginA")
	require.NoError(t, err)
	assert.False(t, st.Enabled)
}

func TestUninstallUnloadsModule(t *testing.T) {
	runtime := &fakeRuntime{}
	o, m, _ := newTestOrchestrator(t, runtime)
	ctx := context.Background()

	_, err := o.Install(ctx, "pluginA", "1.0.0")
	require.NoError(t, err)
	require.NoError(t, o.Uninstall(ctx, "pluginA"))

	assert.Contains(t, runtime.callLog(), "disable pluginA")
	_, ok := m.GetInstalledState("pluginA")
	assert.False(t, ok)
}

// Concurrent operations on the same plugin must serialize; the fake
// runtime panics the test if two reloads overlap.
func TestOperationsOnSamePluginSerialize(t *testing.T) {
	var inFlight int32
	runtime := &fakeRuntime{
		reloadFn: func(string) error {
			if atomic.AddInt32(&inFlight, 1) != 1 {
				t.Error("concurrent reload on the same plugin")
			}
			defer atomic.AddInt32(&inFlight, -1)
			return nil
		},
	}
	o, _, _ := newTestOrchestrator(t, runtime)
	ctx := context.Background()

	_, err := o.Install(ctx, "pluginA", "1.0.0")
	require.NoError(t, err)
	_, err = o.Install(ctx, "pluginA", "2.0.0")
	require.NoError(t, err)
	_, err = o.SwitchVersion(ctx, "pluginA", "1.0.0")
	require.NoError(t, err)
	_, err = o.Enable(ctx, "pluginA")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		version := "1.0.0"
		if i%2 == 0 {
			version = "2.0.0"
		}
		wg.Add(1)
		go func(v string) {
			defer wg.Done()
			_, _ = o.SwitchVersion(ctx, "pluginA", v)
		}(version)
	}
	wg.Wait()
}
