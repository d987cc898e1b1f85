// Package wasm loads plugin modules with wazero (pure Go, no CGO).
//
// Memory protocol: byte strings cross the boundary as (ptr, len) pairs
// in WASM linear memory, allocated with the module's cp_alloc/cp_free
// exports. Return values are packed as (ptr << 32) | len in a u64; a
// zero u64 means empty.
//
// Host capabilities are imported by the guest from the "cp_host"
// module: logging, live channel/user/locale reads, send-message,
// namespaced KV storage, and permission-gated HTTP fetch. Every host
// call builds a fresh plugin context so the guest always observes the
// current channel and user.
package wasm

import (
	"context"
	"os"

	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/errors"
	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/plugin"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
)

// Required allocator exports every plugin module must carry.
const (
	exportAlloc = "cp_alloc"
	exportFree  = "cp_free"
)

// Optional lifecycle and metadata exports.
const (
	exportActivate   = "activate"
	exportDeactivate = "deactivate"
	exportContracts  = "contracts"
)

// hostModuleName is the import namespace guests bind host functions from.
const hostModuleName = "cp_host"

// Loader implements plugin.Loader on wazero. Each Load creates an
// isolated runtime and module instance; nothing is shared between
// plugins or between loads of the same plugin.
type Loader struct {
	logger *zap.SugaredLogger
}

// NewLoader creates a wazero-backed loader.
func NewLoader(logger *zap.SugaredLogger) *Loader {
	return &Loader{logger: logger.Named("wasm")}
}

// Load reads the entry module from disk, instantiates it with WASI and
// the cp_host imports, and normalizes its exports. The returned module
// is not activated.
func (l *Loader) Load(ctx context.Context, entry *plugin.RuntimeEntry, provider plugin.ContextProvider) (plugin.Module, error) {
	wasmBytes, err := os.ReadFile(entry.EntryLocator)
	if err != nil {
		return nil, errors.Wrapf(err, "read module %s", entry.EntryLocator)
	}

	// CloseOnContextDone lets activation timeouts interrupt a running
	// guest instead of hanging the host
	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))

	logger := l.logger.With("plugin", entry.PluginID, "version", entry.Version)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, errors.Wrap(err, "instantiate WASI")
	}

	if err := instantiateHostModule(ctx, runtime, entry, provider, logger); err != nil {
		runtime.Close(ctx)
		return nil, err
	}

	compiled, err := runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		runtime.Close(ctx)
		return nil, errors.Wrapf(err, "compile %s@%s", entry.PluginID, entry.Version)
	}

	mod, err := runtime.InstantiateModule(ctx, compiled,
		wazero.NewModuleConfig().
			WithName(entry.PluginID).
			WithStartFunctions("_initialize"))
	if err != nil {
		runtime.Close(ctx)
		return nil, errors.Wrapf(err, "instantiate %s@%s", entry.PluginID, entry.Version)
	}

	if mod.ExportedFunction(exportAlloc) == nil || mod.ExportedFunction(exportFree) == nil {
		runtime.Close(ctx)
		return nil, errors.Newf("module %s@%s missing required exports %s/%s", entry.PluginID, entry.Version, exportAlloc, exportFree)
	}

	m := &module{
		runtime: runtime,
		mod:     mod,
		entry:   entry,
		logger:  logger,
	}
	m.normalizeExports(ctx)
	return m, nil
}

// instantiateHostModule builds and instantiates the cp_host import
// namespace. The context provider is invoked per host call, never
// cached, so channel and user ids are always live.
func instantiateHostModule(ctx context.Context, runtime wazero.Runtime, entry *plugin.RuntimeEntry, provider plugin.ContextProvider, logger *zap.SugaredLogger) error {
	h := &hostFunctions{
		entry:    entry,
		provider: provider,
		logger:   logger.Named("host"),
	}

	i32 := api.ValueTypeI32
	i64 := api.ValueTypeI64

	builder := runtime.NewHostModuleBuilder(hostModuleName)

	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.log), []api.ValueType{i32, i32, i32}, nil).
		Export("host_log")
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.channelID), nil, []api.ValueType{i64}).
		Export("host_channel_id")
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.userID), nil, []api.ValueType{i64}).
		Export("host_user_id")
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.locale), nil, []api.ValueType{i64}).
		Export("host_locale")
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.sendMessage), []api.ValueType{i32, i32}, []api.ValueType{i32}).
		Export("host_send_message")
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.storageGet), []api.ValueType{i32, i32}, []api.ValueType{i64}).
		Export("host_storage_get")
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.storageSet), []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}).
		Export("host_storage_set")
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.storageDelete), []api.ValueType{i32, i32}, []api.ValueType{i32}).
		Export("host_storage_delete")
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.httpGet), []api.ValueType{i32, i32}, []api.ValueType{i64}).
		Export("host_http_get")

	if _, err := builder.Instantiate(ctx); err != nil {
		return errors.Wrap(err, "instantiate host module")
	}
	return nil
}

// hostFunctions implements the cp_host namespace. Results flow back to
// the guest through guest-allocated buffers; failures degrade to empty
// results with a host-side log rather than trapping the guest.
type hostFunctions struct {
	entry    *plugin.RuntimeEntry
	provider plugin.ContextProvider
	logger   *zap.SugaredLogger
}

func (h *hostFunctions) log(_ context.Context, mod api.Module, stack []uint64) {
	level := uint32(stack[0])
	msg, ok := readGuestBytes(mod, uint32(stack[1]), uint32(stack[2]))
	if !ok {
		return
	}
	switch level {
	case 0:
		h.logger.Debugw(string(msg), "origin", "plugin")
	case 2:
		h.logger.Warnw(string(msg), "origin", "plugin")
	case 3:
		h.logger.Errorw(string(msg), "origin", "plugin")
	default:
		h.logger.Infow(string(msg), "origin", "plugin")
	}
}

func (h *hostFunctions) channelID(ctx context.Context, mod api.Module, stack []uint64) {
	pctx, err := h.provider()
	if err != nil {
		h.logger.Warnw("Host call failed", "call", "channel_id", "error", err)
		stack[0] = 0
		return
	}
	stack[0] = h.reply(ctx, mod, "channel_id", []byte(pctx.ChannelID))
}

func (h *hostFunctions) userID(ctx context.Context, mod api.Module, stack []uint64) {
	pctx, err := h.provider()
	if err != nil {
		h.logger.Warnw("Host call failed", "call", "user_id", "error", err)
		stack[0] = 0
		return
	}
	stack[0] = h.reply(ctx, mod, "user_id", []byte(pctx.UserID))
}

func (h *hostFunctions) locale(ctx context.Context, mod api.Module, stack []uint64) {
	pctx, err := h.provider()
	if err != nil {
		h.logger.Warnw("Host call failed", "call", "locale", "error", err)
		stack[0] = 0
		return
	}
	stack[0] = h.reply(ctx, mod, "locale", []byte(pctx.Locale))
}

func (h *hostFunctions) sendMessage(ctx context.Context, mod api.Module, stack []uint64) {
	payload, ok := readGuestBytes(mod, uint32(stack[0]), uint32(stack[1]))
	if !ok {
		stack[0] = 1
		return
	}

	pctx, err := h.provider()
	if err != nil {
		h.logger.Warnw("Host call failed", "call", "send_message", "error", err)
		stack[0] = 1
		return
	}
	if err := pctx.Host.SendMessage(ctx, payload); err != nil {
		h.logger.Warnw("Plugin send_message failed", "error", err)
		stack[0] = 1
		return
	}
	stack[0] = 0
}

func (h *hostFunctions) storageGet(ctx context.Context, mod api.Module, stack []uint64) {
	key, ok := readGuestBytes(mod, uint32(stack[0]), uint32(stack[1]))
	if !ok {
		stack[0] = 0
		return
	}

	pctx, err := h.provider()
	if err != nil {
		stack[0] = 0
		return
	}
	value, found, err := pctx.Host.Storage.Get(ctx, string(key))
	if err != nil || !found {
		if err != nil {
			h.logger.Warnw("Plugin storage get failed", "key", string(key), "error", err)
		}
		stack[0] = 0
		return
	}
	stack[0] = h.reply(ctx, mod, "storage_get", []byte(value))
}

func (h *hostFunctions) storageSet(ctx context.Context, mod api.Module, stack []uint64) {
	key, okK := readGuestBytes(mod, uint32(stack[0]), uint32(stack[1]))
	value, okV := readGuestBytes(mod, uint32(stack[2]), uint32(stack[3]))
	if !okK || !okV {
		stack[0] = 1
		return
	}

	pctx, err := h.provider()
	if err != nil {
		stack[0] = 1
		return
	}
	if err := pctx.Host.Storage.Set(ctx, string(key), string(value)); err != nil {
		h.logger.Warnw("Plugin storage set failed", "key", string(key), "error", err)
		stack[0] = 1
		return
	}
	stack[0] = 0
}

func (h *hostFunctions) storageDelete(ctx context.Context, mod api.Module, stack []uint64) {
	key, ok := readGuestBytes(mod, uint32(stack[0]), uint32(stack[1]))
	if !ok {
		stack[0] = 1
		return
	}

	pctx, err := h.provider()
	if err != nil {
		stack[0] = 1
		return
	}
	if err := pctx.Host.Storage.Delete(ctx, string(key)); err != nil {
		h.logger.Warnw("Plugin storage delete failed", "key", string(key), "error", err)
		stack[0] = 1
		return
	}
	stack[0] = 0
}

func (h *hostFunctions) httpGet(ctx context.Context, mod api.Module, stack []uint64) {
	rawURL, ok := readGuestBytes(mod, uint32(stack[0]), uint32(stack[1]))
	if !ok {
		stack[0] = 0
		return
	}

	pctx, err := h.provider()
	if err != nil {
		stack[0] = 0
		return
	}
	if pctx.Host.Network == nil {
		h.logger.Warnw("Plugin attempted network access without permission",
			"url", string(rawURL),
		)
		stack[0] = 0
		return
	}

	body, err := pctx.Host.Network.Get(ctx, string(rawURL))
	if err != nil {
		h.logger.Warnw("Plugin http get failed", "url", string(rawURL), "error", err)
		stack[0] = 0
		return
	}
	stack[0] = h.reply(ctx, mod, "http_get", body)
}

// reply writes data into guest memory via cp_alloc and returns the
// packed (ptr << 32) | len. Zero on failure or empty data; the guest
// owns the buffer and frees it with cp_free.
func (h *hostFunctions) reply(ctx context.Context, mod api.Module, call string, data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}
	packed, err := writeGuestBytes(ctx, mod, data)
	if err != nil {
		h.logger.Warnw("Host reply allocation failed", "call", call, "error", err)
		return 0
	}
	return packed
}
