package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// HeaderSite carries the dialling replica's identity.
	HeaderSite = "X-Inkwell-Site"
	// HeaderAddress carries the dialling replica's advertised address.
	HeaderAddress = "X-Inkwell-Address"

	defaultHandshakeTimeout = 10 * time.Second
	websocketAcceptBuffer   = 64
	websocketEventBuffer    = 16
	websocketReceiveBuffer  = 64
	websocketWriteWait      = 10 * time.Second
)

var errMissingLocalID = errors.New("transport: local id is required")

// helloFrame is the first frame the accepting side writes; it lets a dialler confirm whom it reached.
type helloFrame struct {
	Site    string `json:"site"`
	Address string `json:"address,omitempty"`
}

// WebsocketConfig describes a WebsocketTransport.
type WebsocketConfig struct {
	LocalID string
	// AdvertiseURL is the ws:// URL other replicas dial to reach this one.
	AdvertiseURL     string
	HandshakeTimeout time.Duration
	Directory        *Directory
	Logger           *zap.Logger
}

// WebsocketTransport links replicas over websocket connections. Inbound links arrive through
// ServeHTTP, which the HTTP server mounts on its sync route.
type WebsocketTransport struct {
	localID          string
	advertise        string
	handshakeTimeout time.Duration
	directory        *Directory
	dialer           *websocket.Dialer
	upgrader         websocket.Upgrader
	accept           chan Link
	events           chan Event
	logger           *zap.Logger

	mu     sync.Mutex
	closed bool
	links  map[string]*websocketLink
}

// NewWebsocketTransport validates cfg and returns a transport.
func NewWebsocketTransport(cfg WebsocketConfig) (*WebsocketTransport, error) {
	localID := NormalizeID(cfg.LocalID)
	if localID == "" {
		return nil, errMissingLocalID
	}
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	directory := cfg.Directory
	if directory == nil {
		directory = NewDirectory()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebsocketTransport{
		localID:          localID,
		advertise:        cfg.AdvertiseURL,
		handshakeTimeout: timeout,
		directory:        directory,
		dialer:           &websocket.Dialer{HandshakeTimeout: timeout, Proxy: http.ProxyFromEnvironment},
		upgrader: websocket.Upgrader{
			HandshakeTimeout: timeout,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		accept: make(chan Link, websocketAcceptBuffer),
		events: make(chan Event, websocketEventBuffer),
		logger: logger,
		links:  make(map[string]*websocketLink),
	}, nil
}

// LocalID returns the replica identity.
func (t *WebsocketTransport) LocalID() string {
	return t.localID
}

// Address returns the advertised dial URL.
func (t *WebsocketTransport) Address() string {
	return t.advertise
}

// Learn records a dial address for peerID.
func (t *WebsocketTransport) Learn(peerID, address string) {
	if NormalizeID(peerID) == t.localID {
		return
	}
	t.directory.Learn(peerID, address)
	t.logger.Debug("peer address learned",
		zap.String("peer_id", NormalizeID(peerID)),
		zap.Int("known_addresses", t.directory.Len()))
}

// Directory exposes the address book.
func (t *WebsocketTransport) Directory() *Directory {
	return t.directory
}

// Accept delivers inbound links. The channel is never closed.
func (t *WebsocketTransport) Accept() <-chan Link {
	return t.accept
}

// Events delivers session-level notifications.
func (t *WebsocketTransport) Events() <-chan Event {
	return t.events
}

// Reconnect reopens a closed session for inbound links. The listener itself is owned by the
// HTTP server and stays up across peer churn.
func (t *WebsocketTransport) Reconnect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	return nil
}

// Connect dials the address recorded for peerID and verifies the remote identity.
func (t *WebsocketTransport) Connect(ctx context.Context, peerID string) (Link, error) {
	expected := NormalizeID(peerID)
	address, ok := t.directory.Lookup(expected)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, expected)
	}
	link, err := t.dial(ctx, address)
	if err != nil {
		return nil, err
	}
	if link.PeerID() != expected {
		link.closeWith(ErrHandshake)
		return nil, fmt.Errorf("%w: expected %s, reached %s", ErrHandshake, expected, link.PeerID())
	}
	return link, nil
}

// Seed dials address without knowing who answers; the identity is learned from the handshake.
func (t *WebsocketTransport) Seed(ctx context.Context, address string) (Link, error) {
	return t.dial(ctx, address)
}

func (t *WebsocketTransport) dial(ctx context.Context, address string) (*websocketLink, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	handshakeCtx, cancel := context.WithTimeout(ctx, t.handshakeTimeout)
	defer cancel()

	header := http.Header{}
	header.Set(HeaderSite, t.localID)
	if t.advertise != "" {
		header.Set(HeaderAddress, t.advertise)
	}
	conn, _, err := t.dialer.DialContext(handshakeCtx, address, header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	if deadline, ok := handshakeCtx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	var hello helloFrame
	if err := conn.ReadJSON(&hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	site := NormalizeID(hello.Site)
	if site == "" || site == t.localID {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: invalid remote identity %q", ErrHandshake, hello.Site)
	}
	_ = conn.SetReadDeadline(time.Time{})

	t.directory.Learn(site, address)
	link, ok := t.register(conn, site, address)
	if !ok {
		return nil, ErrClosed
	}
	t.logger.Debug("peer link dialled",
		zap.String("link_id", link.ID()),
		zap.String("peer_id", site),
		zap.String("address", address))
	return link, nil
}

// ServeHTTP upgrades an inbound peer connection and hands the link to Accept.
func (t *WebsocketTransport) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	site := NormalizeID(request.Header.Get(HeaderSite))
	if site == "" || site == t.localID {
		http.Error(writer, "invalid site header", http.StatusBadRequest)
		return
	}
	if t.isClosed() {
		http.Error(writer, "transport closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := t.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		t.logger.Warn("peer upgrade failed", zap.String("peer_id", site), zap.Error(err))
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(t.handshakeTimeout))
	if err := conn.WriteJSON(helloFrame{Site: t.localID, Address: t.advertise}); err != nil {
		t.logger.Warn("peer handshake failed", zap.String("peer_id", site), zap.Error(err))
		_ = conn.Close()
		return
	}
	_ = conn.SetWriteDeadline(time.Time{})

	advertised := request.Header.Get(HeaderAddress)
	t.directory.Learn(site, advertised)
	link, ok := t.register(conn, site, advertised)
	if !ok {
		return
	}

	timer := time.NewTimer(t.handshakeTimeout)
	defer timer.Stop()
	select {
	case t.accept <- link:
		t.logger.Debug("peer link accepted", zap.String("link_id", link.ID()), zap.String("peer_id", site))
	case <-timer.C:
		link.closeWith(ErrHandshake)
	}
}

// Close shuts every open link and refuses new ones.
func (t *WebsocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	links := make([]*websocketLink, 0, len(t.links))
	for _, link := range t.links {
		links = append(links, link)
	}
	t.mu.Unlock()

	for _, link := range links {
		link.Close()
	}
	return nil
}

func (t *WebsocketTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *WebsocketTransport) register(conn *websocket.Conn, peerID, address string) (*websocketLink, bool) {
	link := &websocketLink{
		linkState: newLinkState(peerID, address),
		conn:      conn,
		out:       make(chan Message, websocketReceiveBuffer),
		logger:    t.logger,
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return nil, false
	}
	t.links[link.ID()] = link
	t.mu.Unlock()

	go link.readLoop()
	go func() {
		<-link.Done()
		t.mu.Lock()
		delete(t.links, link.ID())
		t.mu.Unlock()
	}()
	return link, true
}

type websocketLink struct {
	*linkState
	conn    *websocket.Conn
	writeMu sync.Mutex
	out     chan Message
	logger  *zap.Logger
}

func (link *websocketLink) Send(ctx context.Context, message Message) error {
	if link.isDone() {
		return ErrClosed
	}
	if message.Empty() {
		return nil
	}
	deadline := time.Now().Add(websocketWriteWait)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	link.writeMu.Lock()
	defer link.writeMu.Unlock()
	_ = link.conn.SetWriteDeadline(deadline)
	if err := link.conn.WriteJSON(message); err != nil {
		link.closeWith(err)
		return err
	}
	return nil
}

func (link *websocketLink) Receive() <-chan Message {
	return link.out
}

func (link *websocketLink) Close() error {
	link.writeMu.Lock()
	_ = link.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	link.writeMu.Unlock()
	link.closeWith(nil)
	return nil
}

func (link *websocketLink) closeWith(cause error) {
	if link.finish(cause) {
		_ = link.conn.Close()
	}
}

func (link *websocketLink) readLoop() {
	defer close(link.out)
	for {
		_, payload, err := link.conn.ReadMessage()
		if err != nil {
			if link.isDone() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				link.closeWith(nil)
			} else {
				link.closeWith(err)
			}
			return
		}

		var message Message
		if err := json.Unmarshal(payload, &message); err != nil {
			link.logger.Warn("malformed peer message dropped",
				zap.String("link_id", link.ID()),
				zap.String("peer_id", link.PeerID()),
				zap.Error(err))
			continue
		}

		select {
		case link.out <- message:
		case <-link.done:
			return
		}
	}
}
