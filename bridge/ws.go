// Package bridge connects the plugin subsystem to the chat core. The
// production bridge speaks JSON frames over a local websocket; the
// offline bridge serves headless CLI runs with no chat core attached.
package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// frame is the wire format in both directions. Requests carry ID,
// Method, and Params; responses echo the ID with Result or Error.
type frame struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Bridge methods the chat core serves.
const (
	methodHello          = "hello"
	methodCurrentChannel = "get_current_channel"
	methodCurrentUser    = "get_current_user"
	methodSendMessage    = "send_message"
)

const defaultCallTimeout = 10 * time.Second

// WSBridge implements plugin.HostBridge over a websocket to the chat
// core. Writes are serialized by a mutex; responses are matched to
// requests by frame id in a single read loop.
type WSBridge struct {
	conn   *websocket.Conn
	logger *zap.SugaredLogger
	locale string

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan frame

	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to the chat core's plugin bridge endpoint and waits for
// its hello frame, which carries the session locale.
func Dial(ctx context.Context, url string, handshakeTimeout time.Duration, logger *zap.SugaredLogger) (*WSBridge, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial plugin bridge at %s", url)
	}

	var hello frame
	if handshakeTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	}
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "read bridge hello")
	}
	conn.SetReadDeadline(time.Time{})
	if hello.Method != methodHello {
		conn.Close()
		return nil, errors.Newf("bridge sent %q before hello", hello.Method)
	}

	var params struct {
		Locale string `json:"locale"`
	}
	if len(hello.Params) > 0 {
		if err := json.Unmarshal(hello.Params, &params); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "parse bridge hello")
		}
	}

	b := &WSBridge{
		conn:    conn,
		logger:  logger.Named("bridge"),
		locale:  params.Locale,
		pending: make(map[string]chan frame),
		closed:  make(chan struct{}),
	}
	go b.readLoop()

	b.logger.Infow("Connected to chat core", "locale", b.locale)
	return b, nil
}

// CurrentChannelID reads the channel the user is looking at right now.
func (b *WSBridge) CurrentChannelID(ctx context.Context) (string, error) {
	return b.callString(ctx, methodCurrentChannel)
}

// CurrentUserID reads the logged-in user id.
func (b *WSBridge) CurrentUserID(ctx context.Context) (string, error) {
	return b.callString(ctx, methodCurrentUser)
}

// Locale returns the session locale from the hello frame.
func (b *WSBridge) Locale() string {
	return b.locale
}

// SendMessage hands a composed wire payload to the chat core.
func (b *WSBridge) SendMessage(ctx context.Context, payload []byte) error {
	_, err := b.call(ctx, methodSendMessage, payload)
	return err
}

// Close shuts the connection down and fails all pending calls.
func (b *WSBridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.conn.Close()
	})
	return err
}

func (b *WSBridge) callString(ctx context.Context, method string) (string, error) {
	result, err := b.call(ctx, method, nil)
	if err != nil {
		return "", err
	}

	var value struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(result, &value); err != nil {
		return "", errors.Wrapf(err, "parse %s result", method)
	}
	return value.ID, nil
}

func (b *WSBridge) call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	select {
	case <-b.closed:
		return nil, errors.Newf("bridge closed before %s", method)
	default:
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()
	}

	id := uuid.NewString()
	reply := make(chan frame, 1)

	b.pendingMu.Lock()
	b.pending[id] = reply
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, id)
		b.pendingMu.Unlock()
	}()

	b.writeMu.Lock()
	err := b.conn.WriteJSON(frame{ID: id, Method: method, Params: params})
	b.writeMu.Unlock()
	if err != nil {
		return nil, errors.Wrapf(err, "send %s", method)
	}

	select {
	case f := <-reply:
		if f.Error != "" {
			return nil, errors.Newf("bridge %s: %s", method, f.Error)
		}
		return f.Result, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "bridge %s", method)
	case <-b.closed:
		return nil, errors.Newf("bridge closed during %s", method)
	}
}

func (b *WSBridge) readLoop() {
	defer b.Close()

	for {
		var f frame
		if err := b.conn.ReadJSON(&f); err != nil {
			select {
			case <-b.closed:
			default:
				b.logger.Warnw("Bridge connection lost", "error", err)
			}
			return
		}

		b.pendingMu.Lock()
		reply, ok := b.pending[f.ID]
		b.pendingMu.Unlock()
		if !ok {
			b.logger.Debugw("Dropping unmatched bridge frame", "id", f.ID, "method", f.Method)
			continue
		}
		reply <- f
	}
}
