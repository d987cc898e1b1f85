package wasm

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/errors"
	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/plugin"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// module is one loaded plugin instance. Guest calls are serialized by a
// mutex; WASM linear memory is single-threaded.
type module struct {
	runtime wazero.Runtime
	mod     api.Module
	entry   *plugin.RuntimeEntry
	logger  *zap.SugaredLogger

	renderers map[string]plugin.Renderer
	composers map[string]plugin.Composer
	contracts []plugin.WireContract

	hasActivate   bool
	hasDeactivate bool

	mu     sync.Mutex
	closed bool
}

// normalizeExports probes the optional exports once at load time. A
// domain without a render_/compose_ export simply lacks that
// capability; a malformed contracts export degrades to none.
func (m *module) normalizeExports(ctx context.Context) {
	m.renderers = make(map[string]plugin.Renderer)
	m.composers = make(map[string]plugin.Composer)

	for _, dv := range m.entry.ProvidesDomains {
		if fn := "render_" + dv.Domain; m.mod.ExportedFunction(fn) != nil {
			m.renderers[dv.Domain] = &guestRenderer{m: m, fn: fn}
		}
		if fn := "compose_" + dv.Domain; m.mod.ExportedFunction(fn) != nil {
			m.composers[dv.Domain] = &guestComposer{m: m, fn: fn}
		}
	}

	m.hasActivate = m.mod.ExportedFunction(exportActivate) != nil
	m.hasDeactivate = m.mod.ExportedFunction(exportDeactivate) != nil

	if m.mod.ExportedFunction(exportContracts) != nil {
		raw, err := m.callBytes(ctx, exportContracts, nil)
		if err != nil {
			m.logger.Warnw("Contracts export failed, treating as none", "error", err)
			return
		}
		var contracts []plugin.WireContract
		if err := json.Unmarshal(raw, &contracts); err != nil {
			m.logger.Warnw("Contracts export returned malformed JSON, treating as none", "error", err)
			return
		}
		m.contracts = contracts
	}
}

func (m *module) PluginID() string { return m.entry.PluginID }
func (m *module) Version() string  { return m.entry.Version }

func (m *module) Permissions() []string {
	return m.entry.Permissions
}

func (m *module) ProvidesDomains() []plugin.DomainVersion {
	return m.entry.ProvidesDomains
}

func (m *module) Renderers() map[string]plugin.Renderer {
	return m.renderers
}

func (m *module) Composers() map[string]plugin.Composer {
	return m.composers
}

func (m *module) Contracts() []plugin.WireContract {
	return m.contracts
}

// activationInfo is the JSON payload passed to the guest's activate
// export. Capabilities are not serialized; the guest reaches them
// through cp_host imports.
type activationInfo struct {
	ServerScope   string `json:"server_scope"`
	PluginID      string `json:"plugin_id"`
	PluginVersion string `json:"plugin_version"`
	ChannelID     string `json:"channel_id"`
	UserID        string `json:"user_id"`
	Locale        string `json:"locale"`
}

// Activate runs the guest's activate export, if present. The caller's
// context carries the activation deadline; the runtime interrupts the
// guest when it expires.
func (m *module) Activate(ctx context.Context, pctx *plugin.Context) error {
	if !m.hasActivate {
		return nil
	}

	payload, err := json.Marshal(activationInfo{
		ServerScope:   pctx.ServerScope,
		PluginID:      pctx.PluginID,
		PluginVersion: pctx.PluginVersion,
		ChannelID:     pctx.ChannelID,
		UserID:        pctx.UserID,
		Locale:        pctx.Locale,
	})
	if err != nil {
		return errors.Wrap(err, "marshal activation info")
	}

	if _, err := m.callBytes(ctx, exportActivate, payload); err != nil {
		return err
	}
	return nil
}

// Deactivate runs the guest's deactivate export, if present.
func (m *module) Deactivate(ctx context.Context) error {
	if !m.hasDeactivate {
		return nil
	}
	_, err := m.callBytes(ctx, exportDeactivate, nil)
	return err
}

// Close releases the module and its runtime.
func (m *module) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.runtime.Close(ctx)
}

// callBytes handles the shared-memory protocol for bytes-in, bytes-out
// guest calls: cp_alloc the input, write, call, unpack the
// (ptr << 32) | len result, read, cp_free both buffers.
func (m *module) callBytes(ctx context.Context, fnName string, input []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.Newf("module %s is closed", m.entry.PluginID)
	}

	allocFn := m.mod.ExportedFunction(exportAlloc)
	freeFn := m.mod.ExportedFunction(exportFree)
	targetFn := m.mod.ExportedFunction(fnName)
	if allocFn == nil || freeFn == nil || targetFn == nil {
		return nil, errors.Newf("wasm: missing export %q", fnName)
	}

	inputSize := uint64(len(input))
	var inputPtr uint64
	if inputSize > 0 {
		results, err := allocFn.Call(ctx, inputSize)
		if err != nil {
			return nil, errors.Wrapf(err, "wasm alloc for %s (size=%d)", fnName, inputSize)
		}
		inputPtr = results[0]
		if inputPtr == 0 {
			return nil, errors.Newf("wasm alloc returned null for %s (size=%d)", fnName, inputSize)
		}

		if !m.mod.Memory().Write(uint32(inputPtr), input) {
			if _, freeErr := freeFn.Call(ctx, inputPtr, inputSize); freeErr != nil {
				return nil, errors.Wrapf(freeErr, "wasm %s memory write out of range at ptr=%d size=%d (also failed to free)", fnName, inputPtr, inputSize)
			}
			return nil, errors.Newf("wasm %s memory write out of range at ptr=%d size=%d", fnName, inputPtr, inputSize)
		}
	}

	results, err := targetFn.Call(ctx, inputPtr, inputSize)
	if err != nil {
		if inputSize > 0 {
			if _, freeErr := freeFn.Call(ctx, inputPtr, inputSize); freeErr != nil {
				return nil, errors.Wrapf(err, "wasm call %s failed (also failed to free input at ptr=%d size=%d: %v)", fnName, inputPtr, inputSize, freeErr)
			}
		}
		return nil, errors.Wrapf(err, "wasm call %s", fnName)
	}

	if inputSize > 0 {
		if _, err := freeFn.Call(ctx, inputPtr, inputSize); err != nil {
			return nil, errors.Wrapf(err, "wasm %s memory leak: failed to free input buffer at ptr=%d size=%d", fnName, inputPtr, inputSize)
		}
	}

	if len(results) == 0 {
		return nil, nil
	}

	packed := results[0]
	resultPtr := uint32(packed >> 32)
	resultLen := uint32(packed & 0xFFFFFFFF)
	if resultPtr == 0 || resultLen == 0 {
		return nil, nil
	}

	resultBytes, ok := m.mod.Memory().Read(resultPtr, resultLen)
	if !ok {
		return nil, errors.Newf("wasm %s memory read out of range at ptr=%d len=%d", fnName, resultPtr, resultLen)
	}

	// Copy before freeing; the slice aliases guest memory
	output := make([]byte, len(resultBytes))
	copy(output, resultBytes)

	if _, err := freeFn.Call(ctx, uint64(resultPtr), uint64(resultLen)); err != nil {
		return nil, errors.Wrapf(err, "wasm %s memory leak: failed to free result buffer at ptr=%d size=%d", fnName, resultPtr, resultLen)
	}

	return output, nil
}

// guestRenderer adapts a render_<domain> export to plugin.Renderer.
type guestRenderer struct {
	m  *module
	fn string
}

func (r *guestRenderer) Render(ctx context.Context, payload []byte) (string, error) {
	out, err := r.m.callBytes(ctx, r.fn, payload)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// guestComposer adapts a compose_<domain> export to plugin.Composer.
type guestComposer struct {
	m  *module
	fn string
}

func (c *guestComposer) Compose(ctx context.Context, input []byte) ([]byte, error) {
	return c.m.callBytes(ctx, c.fn, input)
}

// readGuestBytes copies a (ptr, len) region out of guest memory.
func readGuestBytes(mod api.Module, ptr, length uint32) ([]byte, bool) {
	if length == 0 {
		return nil, true
	}
	data, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true
}

// writeGuestBytes allocates guest memory with cp_alloc, writes data, and
// returns the packed (ptr << 32) | len.
func writeGuestBytes(ctx context.Context, mod api.Module, data []byte) (uint64, error) {
	allocFn := mod.ExportedFunction(exportAlloc)
	if allocFn == nil {
		return 0, errors.Newf("wasm: missing export %q", exportAlloc)
	}

	size := uint64(len(data))
	results, err := allocFn.Call(ctx, size)
	if err != nil {
		return 0, errors.Wrapf(err, "wasm alloc (size=%d)", size)
	}
	ptr := results[0]
	if ptr == 0 {
		return 0, errors.Newf("wasm alloc returned null (size=%d)", size)
	}

	if !mod.Memory().Write(uint32(ptr), data) {
		return 0, errors.Newf("wasm memory write out of range at ptr=%d size=%d", ptr, size)
	}
	return (ptr << 32) | size, nil
}
