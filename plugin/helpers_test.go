package plugin

import (
	"context"
	"fmt"
	"sync"

	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/errors"
	"go.uber.org/zap"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// memStore is an in-memory StateStore.
type memStore struct {
	mu      sync.Mutex
	data    map[string]map[string]*InstalledState
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]map[string]*InstalledState)}
}

func (s *memStore) Save(scope string, state *InstalledState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	if s.data[scope] == nil {
		s.data[scope] = make(map[string]*InstalledState)
	}
	s.data[scope][state.PluginID] = state.Clone()
	return nil
}

func (s *memStore) Delete(scope, pluginID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[scope], pluginID)
	return nil
}

func (s *memStore) List(scope string) ([]*InstalledState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*InstalledState, 0, len(s.data[scope]))
	for _, st := range s.data[scope] {
		out = append(out, st.Clone())
	}
	return out, nil
}

// fakeProvider is an ArtifactProvider that records calls and can be
// forced to fail.
type fakeProvider struct {
	mu         sync.Mutex
	installErr error
	installs   []string
	removed    []string
}

func (p *fakeProvider) Install(_ context.Context, scope, pluginID, version string) (*InstalledState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.installErr != nil {
		return nil, p.installErr
	}
	p.installs = append(p.installs, fmt.Sprintf("%s/%s@%s", scope, pluginID, version))
	return &InstalledState{PluginID: pluginID, InstalledVersions: []string{version}}, nil
}

func (p *fakeProvider) InstallFromURL(ctx context.Context, scope, pluginID, version, url, sha256 string) (*InstalledState, error) {
	return p.Install(ctx, scope, pluginID, version)
}

func (p *fakeProvider) Remove(scope, pluginID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, scope+"/"+pluginID)
	return nil
}

// fakeRuntime is a RuntimeOps with per-call hooks and a call log.
type fakeRuntime struct {
	mu         sync.Mutex
	validateFn func(pluginID, version string) error
	reloadFn   func(pluginID string) error
	disableFn  func(pluginID string) error
	calls      []string
}

func (r *fakeRuntime) ValidateVersion(_ context.Context, pluginID, version string) error {
	r.record("validate " + pluginID + "@" + version)
	if r.validateFn != nil {
		return r.validateFn(pluginID, version)
	}
	return nil
}

func (r *fakeRuntime) Reload(_ context.Context, pluginID string) error {
	r.record("reload " + pluginID)
	if r.reloadFn != nil {
		return r.reloadFn(pluginID)
	}
	return nil
}

func (r *fakeRuntime) Disable(_ context.Context, pluginID string) error {
	r.record("disable " + pluginID)
	if r.disableFn != nil {
		return r.disableFn(pluginID)
	}
	return nil
}

func (r *fakeRuntime) record(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *fakeRuntime) callLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// fakeResolver resolves entries registered by id@version.
type fakeResolver struct {
	entries map[string]*RuntimeEntry
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{entries: make(map[string]*RuntimeEntry)}
}

func (r *fakeResolver) add(entry *RuntimeEntry) {
	r.entries[entry.PluginID+"@"+entry.Version] = entry
}

func (r *fakeResolver) ResolveVersion(scope, pluginID, version string) (*RuntimeEntry, error) {
	e, ok := r.entries[pluginID+"@"+version]
	if !ok {
		return nil, errors.Wrapf(errors.ErrVersionNotInstalled, "plugin %s version %s", pluginID, version)
	}
	return e, nil
}

// fakeModule implements Module for registry tests.
type fakeModule struct {
	id          string
	version     string
	domains     []DomainVersion
	renderers   map[string]Renderer
	composers   map[string]Composer
	contracts   []WireContract
	activateFn  func(ctx context.Context, pctx *Context) error
	mu          sync.Mutex
	activated   bool
	deactivated bool
	closed      bool
}

func (m *fakeModule) PluginID() string                 { return m.id }
func (m *fakeModule) Version() string                  { return m.version }
func (m *fakeModule) Permissions() []string            { return nil }
func (m *fakeModule) ProvidesDomains() []DomainVersion { return m.domains }
func (m *fakeModule) Renderers() map[string]Renderer   { return m.renderers }
func (m *fakeModule) Composers() map[string]Composer   { return m.composers }
func (m *fakeModule) Contracts() []WireContract        { return m.contracts }

func (m *fakeModule) Activate(ctx context.Context, pctx *Context) error {
	if m.activateFn != nil {
		if err := m.activateFn(ctx, pctx); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.activated = true
	m.mu.Unlock()
	return nil
}

func (m *fakeModule) Deactivate(context.Context) error {
	m.mu.Lock()
	m.deactivated = true
	m.mu.Unlock()
	return nil
}

func (m *fakeModule) Close(context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *fakeModule) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// fakeLoader builds fakeModules from entries, with optional per-version
// failures and prebuilt modules.
type fakeLoader struct {
	mu       sync.Mutex
	loadErr  map[string]error
	prebuilt map[string]*fakeModule
	loads    []string
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		loadErr:  make(map[string]error),
		prebuilt: make(map[string]*fakeModule),
	}
}

func (l *fakeLoader) Load(_ context.Context, entry *RuntimeEntry, _ ContextProvider) (Module, error) {
	key := entry.PluginID + "@" + entry.Version

	l.mu.Lock()
	l.loads = append(l.loads, key)
	err := l.loadErr[key]
	pre := l.prebuilt[key]
	l.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if pre != nil {
		return pre, nil
	}
	return &fakeModule{
		id:      entry.PluginID,
		version: entry.Version,
		domains: entry.ProvidesDomains,
	}, nil
}

// fakeBridge is a HostBridge with settable live values.
type fakeBridge struct {
	mu        sync.Mutex
	channelID string
	userID    string
	locale    string
	sent      [][]byte
}

func (b *fakeBridge) CurrentChannelID(context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channelID, nil
}

func (b *fakeBridge) CurrentUserID(context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.userID, nil
}

func (b *fakeBridge) Locale() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locale
}

func (b *fakeBridge) SendMessage(_ context.Context, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, payload)
	return nil
}

func (b *fakeBridge) setChannel(id string) {
	b.mu.Lock()
	b.channelID = id
	b.mu.Unlock()
}

// memStorageFactory hands out in-memory KV namespaces.
type memStorageFactory struct {
	mu   sync.Mutex
	data map[string]map[string]string
}

func newMemStorageFactory() *memStorageFactory {
	return &memStorageFactory{data: make(map[string]map[string]string)}
}

func (f *memStorageFactory) Namespace(scope, pluginID string) KVStorage {
	return &memKV{factory: f, ns: scope + "/" + pluginID}
}

type memKV struct {
	factory *memStorageFactory
	ns      string
}

func (k *memKV) Get(_ context.Context, key string) (string, bool, error) {
	k.factory.mu.Lock()
	defer k.factory.mu.Unlock()
	v, ok := k.factory.data[k.ns][key]
	return v, ok, nil
}

func (k *memKV) Set(_ context.Context, key, value string) error {
	k.factory.mu.Lock()
	defer k.factory.mu.Unlock()
	if k.factory.data[k.ns] == nil {
		k.factory.data[k.ns] = make(map[string]string)
	}
	k.factory.data[k.ns][key] = value
	return nil
}

func (k *memKV) Delete(_ context.Context, key string) error {
	k.factory.mu.Lock()
	defer k.factory.mu.Unlock()
	delete(k.factory.data[k.ns], key)
	return nil
}

func newTestManager(t interface{ Fatalf(string, ...interface{}) }, scope string) (*Manager, *fakeProvider, *memStore) {
	provider := &fakeProvider{}
	store := newMemStore()
	m, err := NewManager(scope, provider, store, testLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, provider, store
}
