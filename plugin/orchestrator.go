package plugin

import (
	"context"
	"fmt"

	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Orchestrator sequences lifecycle mutations with runtime
// validation/activation so that enable, switch, and update are atomic
// from the caller's perspective. It is the only layer allowed to
// swallow an error and convert it into persisted failed state; lower
// layers always propagate.
//
// Every state-mutating operation holds the per-(scope, plugin) lock for
// its whole duration, so concurrent operations on the same plugin are
// serialized while different plugins proceed independently.
type Orchestrator struct {
	manager  *Manager
	runtime  RuntimeOps // nil when no runtime is attached
	progress ProgressSink
	locks    *keyLock
	logger   *zap.SugaredLogger
}

// NewOrchestrator creates an orchestrator over the manager and runtime
// ops. runtime may be nil (headless operation: lifecycle only, no
// module loading). progress may be nil to discard events.
func NewOrchestrator(manager *Manager, runtime RuntimeOps, progress ProgressSink, logger *zap.SugaredLogger) *Orchestrator {
	if progress == nil {
		progress = NopSink{}
	}
	return &Orchestrator{
		manager:  manager,
		runtime:  runtime,
		progress: progress,
		locks:    newKeyLock(),
		logger:   logger.Named("orchestrator").With("scope", manager.Scope()),
	}
}

// Install fetches and unpacks a version without changing the current
// version or enabled flag.
func (o *Orchestrator) Install(ctx context.Context, pluginID, version string) (*InstalledState, error) {
	defer o.lock(pluginID)()
	op := uuid.NewString()

	st, err := o.installStaged(ctx, op, pluginID, version, "", "")
	if err != nil {
		return nil, err
	}
	o.emit(op, pluginID, StageInstalled, 100, version)
	return st, nil
}

// InstallFromURL is Install with an explicit artifact URL and sha256.
func (o *Orchestrator) InstallFromURL(ctx context.Context, pluginID, version, url, sha256 string) (*InstalledState, error) {
	defer o.lock(pluginID)()
	op := uuid.NewString()

	st, err := o.installStaged(ctx, op, pluginID, version, url, sha256)
	if err != nil {
		return nil, err
	}
	o.emit(op, pluginID, StageInstalled, 100, version)
	return st, nil
}

// Enable marks the plugin enabled and activates its current version. If
// runtime activation fails the optimistic enabled state is converted
// into failed, the failure message is retained for diagnostics, and the
// error is re-raised: the UI only ever sees "enabled" after the runtime
// genuinely activated.
func (o *Orchestrator) Enable(ctx context.Context, pluginID string) (*InstalledState, error) {
	defer o.lock(pluginID)()
	op := uuid.NewString()
	o.emit(op, pluginID, StageEnabling, 20, "")

	st, err := o.manager.Enable(pluginID)
	if err != nil {
		o.emit(op, pluginID, StageFailed, 100, err.Error())
		return nil, err
	}

	if o.runtime != nil {
		if err := o.runtime.Reload(ctx, pluginID); err != nil {
			if _, ferr := o.manager.SetFailed(pluginID, err.Error()); ferr != nil {
				o.logger.Errorw("Failed to record enable failure",
					"plugin", pluginID,
					"error", ferr,
				)
			}
			o.emit(op, pluginID, StageFailed, 100, err.Error())
			return nil, errors.Wrapf(err, "enable %s", pluginID)
		}
	}

	o.emit(op, pluginID, StageEnabled, 100, "")
	return st, nil
}

// Disable unloads the plugin's module and marks it disabled. Disabling a
// never-installed plugin returns (nil, nil).
func (o *Orchestrator) Disable(ctx context.Context, pluginID string) (*InstalledState, error) {
	defer o.lock(pluginID)()

	if o.runtime != nil {
		if err := o.runtime.Disable(ctx, pluginID); err != nil {
			return nil, errors.Wrapf(err, "disable %s", pluginID)
		}
	}
	return o.manager.Disable(pluginID)
}

// SwitchVersion validates the candidate version with a real load probe,
// commits the switch, and reloads if the plugin was enabled. Any failure
// after the commit triggers automatic rollback to the previous version;
// the system never silently stays on a broken version while reporting
// success.
func (o *Orchestrator) SwitchVersion(ctx context.Context, pluginID, version string) (*InstalledState, error) {
	defer o.lock(pluginID)()
	op := uuid.NewString()

	st, err := o.switchStaged(ctx, op, pluginID, version)
	if err != nil {
		return nil, err
	}
	if st.EffectivelyEnabled() {
		o.emit(op, pluginID, StageEnabled, 100, version)
	} else {
		o.emit(op, pluginID, StageInstalled, 100, version)
	}
	return st, nil
}

// UpdateToLatest installs latestVersion (from the catalog-configured
// source), then switches to it with the same validate/rollback contract
// as SwitchVersion. The only operation touching both the artifact
// provider and the runtime loader in one logical transaction.
func (o *Orchestrator) UpdateToLatest(ctx context.Context, pluginID, latestVersion string) (*InstalledState, error) {
	return o.update(ctx, pluginID, latestVersion, "", "")
}

// UpdateFromURL is UpdateToLatest with an explicit artifact URL.
func (o *Orchestrator) UpdateFromURL(ctx context.Context, pluginID, version, url, sha256 string) (*InstalledState, error) {
	return o.update(ctx, pluginID, version, url, sha256)
}

func (o *Orchestrator) update(ctx context.Context, pluginID, version, url, sha256 string) (*InstalledState, error) {
	defer o.lock(pluginID)()
	op := uuid.NewString()
	o.emit(op, pluginID, StageCheckingUpdates, 5, "")

	if st, ok := o.manager.GetInstalledState(pluginID); ok && st.CurrentVersion == version {
		o.emit(op, pluginID, StageInstalled, 100, version)
		return st, nil
	}

	if _, err := o.installStaged(ctx, op, pluginID, version, url, sha256); err != nil {
		return nil, err
	}

	st, err := o.switchStaged(ctx, op, pluginID, version)
	if err != nil {
		return nil, err
	}
	if st.EffectivelyEnabled() {
		o.emit(op, pluginID, StageEnabled, 100, version)
	} else {
		o.emit(op, pluginID, StageInstalled, 100, version)
	}
	return st, nil
}

// Rollback switches to the first installed version different from the
// current one, in install order. There is no last-known-good stack.
func (o *Orchestrator) Rollback(ctx context.Context, pluginID string) (*InstalledState, error) {
	defer o.lock(pluginID)()
	op := uuid.NewString()

	st, ok := o.manager.GetInstalledState(pluginID)
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotInstalled, "plugin %s", pluginID)
	}

	target := ""
	for _, v := range st.InstalledVersions {
		if v != st.CurrentVersion {
			target = v
			break
		}
	}
	if target == "" {
		return nil, errors.NewInvalidRequestError("rollback %s: no alternate installed version", pluginID)
	}

	out, err := o.switchStaged(ctx, op, pluginID, target)
	if err != nil {
		return nil, err
	}
	o.emit(op, pluginID, StageInstalled, 100, target)
	return out, nil
}

// ClearError resets a failed plugin to ok, restoring enabled or
// disabled according to the stored flag, and reconciles the runtime.
func (o *Orchestrator) ClearError(ctx context.Context, pluginID string) (*InstalledState, error) {
	defer o.lock(pluginID)()

	st, err := o.manager.ClearError(pluginID)
	if err != nil {
		return nil, err
	}

	if o.runtime != nil && st.EffectivelyEnabled() {
		if err := o.runtime.Reload(ctx, pluginID); err != nil {
			if _, ferr := o.manager.SetFailed(pluginID, err.Error()); ferr != nil {
				o.logger.Errorw("Failed to record reload failure",
					"plugin", pluginID,
					"error", ferr,
				)
			}
			return nil, errors.Wrapf(err, "clear error on %s", pluginID)
		}
	}
	return st, nil
}

// Uninstall unloads the module and removes all state and artifacts.
func (o *Orchestrator) Uninstall(ctx context.Context, pluginID string) error {
	defer o.lock(pluginID)()

	if o.runtime != nil {
		if err := o.runtime.Disable(ctx, pluginID); err != nil {
			return errors.Wrapf(err, "unload %s", pluginID)
		}
	}
	return o.manager.Uninstall(ctx, pluginID)
}

// installStaged runs the artifact install under the caller's lock,
// emitting download/verify/unpack stages around the provider call.
func (o *Orchestrator) installStaged(ctx context.Context, op, pluginID, version, url, sha256 string) (*InstalledState, error) {
	o.emit(op, pluginID, StageDownloading, 25, version)

	var st *InstalledState
	var err error
	if url != "" {
		st, err = o.manager.InstallFromURL(ctx, pluginID, version, url, sha256)
	} else {
		st, err = o.manager.Install(ctx, pluginID, version)
	}
	if err != nil {
		o.emit(op, pluginID, StageFailed, 100, err.Error())
		return nil, err
	}

	// The provider verifies and unpacks before returning; the stages are
	// reported after the fact for the UI timeline.
	o.emit(op, pluginID, StageVerifyingSHA256, 55, version)
	o.emit(op, pluginID, StageUnpacking, 70, version)
	return st, nil
}

// switchStaged performs validate + switch + conditional reload with
// automatic rollback. Caller must hold the plugin's lock.
func (o *Orchestrator) switchStaged(ctx context.Context, op, pluginID, version string) (*InstalledState, error) {
	before, ok := o.manager.GetInstalledState(pluginID)
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotInstalled, "plugin %s", pluginID)
	}
	if before.CurrentVersion == version {
		return before, nil
	}

	// Probe the candidate before any committed state change
	if o.runtime != nil {
		if err := o.runtime.ValidateVersion(ctx, pluginID, version); err != nil {
			o.emit(op, pluginID, StageFailed, 100, err.Error())
			return nil, errors.Wrapf(err, "validate %s@%s", pluginID, version)
		}
	}

	o.emit(op, pluginID, StageSwitching, 85, version)
	st, err := o.manager.SwitchVersion(pluginID, version)
	if err != nil {
		o.emit(op, pluginID, StageFailed, 100, err.Error())
		return nil, err
	}

	if before.EffectivelyEnabled() && o.runtime != nil {
		if err := o.runtime.Reload(ctx, pluginID); err != nil {
			return nil, o.rollback(ctx, op, pluginID, before, version, err)
		}
	}

	return st, nil
}

// rollback restores the previous version after a failed switch. If the
// rollback's own reload also fails, both causes are recorded via
// SetFailed and propagated; a stale "enabled" badge over a broken
// version is never reported as success.
func (o *Orchestrator) rollback(ctx context.Context, op, pluginID string, before *InstalledState, attempted string, cause error) error {
	o.emit(op, pluginID, StageRollingBack, 90, before.CurrentVersion)
	o.logger.Warnw("Version switch failed, rolling back",
		"plugin", pluginID,
		"attempted", attempted,
		"previous", before.CurrentVersion,
		"error", cause,
	)

	if before.CurrentVersion == "" {
		// Nothing to roll back to; record the failure as-is
		o.setFailed(pluginID, cause.Error())
		o.emit(op, pluginID, StageFailed, 100, cause.Error())
		return errors.Wrapf(cause, "switch %s to %s", pluginID, attempted)
	}

	if _, err := o.manager.SwitchVersion(pluginID, before.CurrentVersion); err != nil {
		msg := fmt.Sprintf("switch to %s failed: %v; restore of %s failed: %v", attempted, cause, before.CurrentVersion, err)
		o.setFailed(pluginID, msg)
		o.emit(op, pluginID, StageFailed, 100, msg)
		return errors.CombineErrors(errors.Wrapf(cause, "switch %s to %s", pluginID, attempted), err)
	}

	if before.EffectivelyEnabled() {
		if err := o.runtime.Reload(ctx, pluginID); err != nil {
			msg := fmt.Sprintf("switch to %s failed: %v; rollback reload of %s failed: %v", attempted, cause, before.CurrentVersion, err)
			o.setFailed(pluginID, msg)
			o.emit(op, pluginID, StageFailed, 100, msg)
			return errors.CombineErrors(errors.Wrapf(cause, "switch %s to %s", pluginID, attempted), err)
		}
	}

	// Rolled back cleanly: previous version is live again, but the
	// requested switch still failed and the caller must hear about it
	o.emit(op, pluginID, StageFailed, 100, cause.Error())
	return errors.Wrapf(cause, "switch %s to %s (rolled back to %s)", pluginID, attempted, before.CurrentVersion)
}

func (o *Orchestrator) setFailed(pluginID, msg string) {
	if _, err := o.manager.SetFailed(pluginID, msg); err != nil {
		o.logger.Errorw("Failed to record plugin failure",
			"plugin", pluginID,
			"error", err,
		)
	}
}

func (o *Orchestrator) lock(pluginID string) func() {
	return o.locks.Lock(o.manager.Scope() + "/" + pluginID)
}

func (o *Orchestrator) emit(opID, pluginID string, stage Stage, percent int, message string) {
	o.progress.Publish(Progress{
		OperationID: opID,
		PluginID:    pluginID,
		Stage:       stage,
		Percent:     percent,
		Message:     message,
	})
}
