// Package bridge relays connector calls to a browser page over a websocket.
//
// The page runs next to the wallet extension. The server sends requests
// {id, method, params}; the page answers {id, result} or {id, error}. The
// page pushes events {event, params}: "hello" once after connecting and
// "update" whenever the extension's public state changes.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/brojonat/dccwallet/service/connector"
	"github.com/brojonat/dccwallet/service/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Methods the page understands.
const (
	MethodDetect                    = "detect"
	MethodInitialPromise            = "initialPromise"
	MethodPublicState               = "publicState"
	MethodSubscribe                 = "subscribe"
	MethodSignTransaction           = "signTransaction"
	MethodSignAndPublishTransaction = "signAndPublishTransaction"
)

// Events the page pushes.
const (
	EventHello  = "hello"
	EventUpdate = "update"
)

const (
	writeTimeout       = 10 * time.Second
	defaultCallTimeout = 5 * time.Minute
)

// ErrNoPage is returned for calls made while no page is connected.
var ErrNoPage = errors.New("no bridge page connected")

// Message is one frame on the bridge socket.
type Message struct {
	ID     string           `json:"id,omitempty"`
	Method string           `json:"method,omitempty"`
	Event  string           `json:"event,omitempty"`
	Params json.RawMessage  `json:"params,omitempty"`
	Result json.RawMessage  `json:"result,omitempty"`
	Error  *connector.Error `json:"error,omitempty"`
}

// Hello is the page's greeting.
type Hello struct {
	Browser      string                  `json:"browser"`
	UserAgent    string                  `json:"user_agent,omitempty"`
	Connector    bool                    `json:"connector"`
	Capabilities *connector.Capabilities `json:"capabilities,omitempty"`
}

// HelloFunc runs for every page greeting. ctx is cancelled when the page
// disconnects or is replaced.
type HelloFunc func(ctx context.Context, env connector.Environment)

// Config tunes the hub.
type Config struct {
	// CallTimeout bounds every relayed call. Signing waits on the user, so
	// keep it generous.
	CallTimeout    time.Duration
	AllowedOrigins []string
}

// page is one connected browser tab.
type page struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	cancel  context.CancelFunc
}

func (p *page) send(msg Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return p.conn.WriteJSON(msg)
}

// Hub serves the bridge socket and implements connector.Connector and
// connector.Environment on top of whichever page is connected. Only one page
// is served at a time; a new page replaces the previous one.
type Hub struct {
	upgrader websocket.Upgrader
	cfg      Config
	onHello  HelloFunc
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu        sync.Mutex
	page      *page
	pending   map[string]chan Message
	listeners []func(connector.PublicState)
	browser   string
	caps      connector.Capabilities
}

// NewHub creates a hub. onHello may be nil.
func NewHub(cfg Config, onHello HelloFunc, m *metrics.Metrics, logger *slog.Logger) *Hub {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	h := &Hub{
		cfg:     cfg,
		onHello: onHello,
		metrics: m,
		logger:  logger.With("component", "bridge"),
		pending: make(map[string]chan Message),
		caps:    connector.Capabilities{SignAndPublish: true, Sign: true},
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// SetHelloFunc replaces the greeting callback. Call it before serving.
func (h *Hub) SetHelloFunc(fn HelloFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onHello = fn
}

// Connected reports whether a page is attached.
func (h *Hub) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.page != nil
}

// ServeHTTP upgrades the request and serves the page until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "bridge upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	p := &page{conn: conn, cancel: cancel}
	h.attach(ctx, p)
	defer h.detach(ctx, p)

	h.metrics.RecordBridgeConnectionChange(1)
	defer h.metrics.RecordBridgeConnectionChange(-1)

	userAgent := r.Header.Get("User-Agent")
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.DebugContext(ctx, "bridge page read ended", "error", err)
			}
			return
		}
		h.dispatch(ctx, msg, userAgent)
	}
}

// attach makes p the current page. Calls pending on a previous page fail and
// its update listeners are dropped; the new page starts a new session.
func (h *Hub) attach(ctx context.Context, p *page) {
	h.mu.Lock()
	old := h.page
	h.page = p
	h.listeners = nil
	h.failPendingLocked()
	h.mu.Unlock()

	if old != nil {
		h.logger.InfoContext(ctx, "bridge page replaced")
		old.cancel()
		_ = old.conn.Close()
	}
	h.logger.InfoContext(ctx, "bridge page connected")
}

func (h *Hub) detach(ctx context.Context, p *page) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.page != p {
		return
	}
	h.page = nil
	h.listeners = nil
	h.failPendingLocked()
	h.logger.InfoContext(ctx, "bridge page disconnected")
}

func (h *Hub) failPendingLocked() {
	for id, ch := range h.pending {
		close(ch)
		delete(h.pending, id)
	}
}

func (h *Hub) dispatch(ctx context.Context, msg Message, userAgent string) {
	switch {
	case msg.Event == EventHello:
		h.handleHello(ctx, msg, userAgent)
	case msg.Event == EventUpdate:
		h.handleUpdate(ctx, msg)
	case msg.ID != "" && msg.Method == "":
		h.mu.Lock()
		ch, ok := h.pending[msg.ID]
		delete(h.pending, msg.ID)
		h.mu.Unlock()
		if !ok {
			h.logger.DebugContext(ctx, "response for unknown call", "id", msg.ID)
			return
		}
		ch <- msg
	default:
		h.logger.WarnContext(ctx, "unexpected bridge message", "event", msg.Event, "method", msg.Method)
	}
}

func (h *Hub) handleHello(ctx context.Context, msg Message, userAgent string) {
	var hello Hello
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &hello); err != nil {
			h.logger.WarnContext(ctx, "malformed hello", "error", err)
			return
		}
	}
	if hello.Browser == "" {
		if hello.UserAgent != "" {
			userAgent = hello.UserAgent
		}
		hello.Browser = connector.DetectBrowser(userAgent)
	}

	h.mu.Lock()
	h.browser = hello.Browser
	if hello.Capabilities != nil {
		h.caps = *hello.Capabilities
	} else {
		h.caps = connector.Capabilities{SignAndPublish: true, Sign: true}
	}
	onHello := h.onHello
	h.mu.Unlock()

	h.logger.InfoContext(ctx, "bridge page hello", "browser", hello.Browser, "connector", hello.Connector)
	if onHello != nil {
		go onHello(ctx, connector.StaticEnvironment(hello.Browser))
	}
}

func (h *Hub) handleUpdate(ctx context.Context, msg Message) {
	var state connector.PublicState
	if err := json.Unmarshal(msg.Params, &state); err != nil {
		h.logger.WarnContext(ctx, "malformed update", "error", err)
		return
	}
	h.mu.Lock()
	listeners := append([]func(connector.PublicState){}, h.listeners...)
	h.mu.Unlock()
	for _, fn := range listeners {
		fn(state)
	}
}

// call relays one request to the page and waits for its answer.
func (h *Hub) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s params: %w", method, err)
		}
		raw = b
	}

	id := uuid.NewString()
	ch := make(chan Message, 1)

	h.mu.Lock()
	p := h.page
	if p == nil {
		h.mu.Unlock()
		return nil, ErrNoPage
	}
	h.pending[id] = ch
	h.mu.Unlock()

	forget := func() {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
	}

	if err := p.send(Message{ID: id, Method: method, Params: raw}); err != nil {
		forget()
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.CallTimeout)
	defer cancel()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: %w", method, ErrNoPage)
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		forget()
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

// DetectPresence asks the page whether the extension is injected. No page
// means no extension.
func (h *Hub) DetectPresence(ctx context.Context) (bool, error) {
	if !h.Connected() {
		return false, nil
	}
	raw, err := h.call(ctx, MethodDetect, nil)
	if err != nil {
		return false, err
	}
	var present bool
	if err := json.Unmarshal(raw, &present); err != nil {
		return false, fmt.Errorf("%w: detect result: %v", connector.ErrMalformedPayload, err)
	}
	return present, nil
}

func (h *Hub) AwaitInitialization(ctx context.Context) error {
	_, err := h.call(ctx, MethodInitialPromise, nil)
	return err
}

func (h *Hub) PublicState(ctx context.Context) (connector.PublicState, error) {
	raw, err := h.call(ctx, MethodPublicState, nil)
	if err != nil {
		return connector.PublicState{}, err
	}
	var state connector.PublicState
	if err := json.Unmarshal(raw, &state); err != nil {
		return connector.PublicState{}, fmt.Errorf("%w: public state: %v", connector.ErrMalformedPayload, err)
	}
	return state, nil
}

// OnUpdate registers fn for the current page and asks the page to forward
// updates. Listeners are dropped when the page goes away.
func (h *Hub) OnUpdate(ctx context.Context, fn func(connector.PublicState)) error {
	if _, err := h.call(ctx, MethodSubscribe, nil); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
	return nil
}

func (h *Hub) SignTransaction(ctx context.Context, tx json.RawMessage) (json.RawMessage, error) {
	return h.call(ctx, MethodSignTransaction, tx)
}

func (h *Hub) SignAndPublishTransaction(ctx context.Context, tx json.RawMessage) (json.RawMessage, error) {
	return h.call(ctx, MethodSignAndPublishTransaction, tx)
}

func (h *Hub) Capabilities() connector.Capabilities {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.caps
}

// Browser is the browser named by the last page greeting.
func (h *Hub) Browser() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.browser
}
