package plugin

import (
	"context"
	"io"
	"net/http"

	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/errors"
	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/internal/httpclient"
	"golang.org/x/time/rate"
)

// Context is the capability-scoped view a plugin receives on a
// host-to-plugin call. It is constructed fresh for every call, with
// channel id and user id read live from the host bridge, and must never
// be cached across calls.
type Context struct {
	ServerScope   string
	PluginID      string
	PluginVersion string
	ChannelID     string
	UserID        string
	Locale        string
	Host          *HostAPI
}

// HostAPI is the capability object injected into plugin contexts.
// Storage is always present; Network only when the plugin declared the
// "network" permission.
type HostAPI struct {
	bridge  HostBridge
	Storage KVStorage
	Network *NetworkCapability // nil without the network permission
}

// SendMessage sends a composed message through the chat core.
func (h *HostAPI) SendMessage(ctx context.Context, payload []byte) error {
	return h.bridge.SendMessage(ctx, payload)
}

// PermissionNetwork is the permission a manifest declares to receive the
// network capability.
const PermissionNetwork = "network"

// NetworkCapability is the rate-limited, SSRF-guarded HTTP access handed
// to plugins with the network permission.
type NetworkCapability struct {
	client  *httpclient.SaferClient
	limiter *rate.Limiter
}

// NewNetworkCapability builds a network capability with the given
// per-minute request budget.
func NewNetworkCapability(client *httpclient.SaferClient, requestsPerMinute int) *NetworkCapability {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	return &NetworkCapability{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), requestsPerMinute),
	}
}

// Get fetches a URL on the plugin's behalf, waiting for rate-limit
// budget first.
func (n *NetworkCapability) Get(ctx context.Context, url string) ([]byte, error) {
	if err := n.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "network budget")
	}

	u, err := n.client.ValidateURL(url)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, errors.Wrapf(err, "read response from %s", url)
	}
	return body, nil
}

// contextBuilder assembles fresh plugin contexts for one server scope.
type contextBuilder struct {
	scope   string
	bridge  HostBridge
	storage StorageFactory
	network func() *NetworkCapability
}

// build constructs a Context for one plugin entry. Channel and user ids
// are read from the bridge at call time.
func (b *contextBuilder) build(ctx context.Context, entry *RuntimeEntry) (*Context, error) {
	cid, err := b.bridge.CurrentChannelID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "read current channel")
	}
	uid, err := b.bridge.CurrentUserID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "read current user")
	}

	host := &HostAPI{
		bridge:  b.bridge,
		Storage: b.storage.Namespace(b.scope, entry.PluginID),
	}
	if entry.HasPermission(PermissionNetwork) && b.network != nil {
		host.Network = b.network()
	}

	return &Context{
		ServerScope:   b.scope,
		PluginID:      entry.PluginID,
		PluginVersion: entry.Version,
		ChannelID:     cid,
		UserID:        uid,
		Locale:        b.bridge.Locale(),
		Host:          host,
	}, nil
}
