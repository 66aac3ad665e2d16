// Package transport provides ordered, reliable, message-oriented links between replicas.
package transport

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrClosed indicates that the transport or link has been closed.
	ErrClosed = errors.New("transport: closed")
	// ErrUnknownPeer indicates that no address is known for the requested peer.
	ErrUnknownPeer = errors.New("transport: unknown peer")
	// ErrUnreachable indicates that the peer could not be reached.
	ErrUnreachable = errors.New("transport: peer unreachable")
	// ErrHandshake indicates that the link handshake failed or identified an unexpected peer.
	ErrHandshake = errors.New("transport: handshake failed")
	// ErrOffline indicates that the local rendezvous session is down until Reconnect.
	ErrOffline = errors.New("transport: offline")
)

// Link is one open bidirectional channel to a remote replica.
type Link interface {
	// ID is unique per link and used for logging.
	ID() string
	// PeerID is the remote site identity learned during the handshake.
	PeerID() string
	// RemoteAddress is the remote's dial address when known.
	RemoteAddress() string
	Send(ctx context.Context, message Message) error
	// Receive is closed once the link is done.
	Receive() <-chan Message
	Done() <-chan struct{}
	// Err reports why the link ended; nil for a clean close.
	Err() error
	Close() error
}

// EventType enumerates transport-level events.
type EventType string

const (
	// EventDisconnected reports loss of the underlying rendezvous session.
	EventDisconnected EventType = "disconnected"
	// EventReconnected reports that the session accepts links again.
	EventReconnected EventType = "reconnected"
)

// Event is a transport-level notification, distinct from individual link closure.
type Event struct {
	Type EventType
	Err  error
}

// Transport is the capability the gossip manager drives.
type Transport interface {
	// LocalID is the stable identity of this replica.
	LocalID() string
	// Address is the dial address advertised to peers; empty when not dialable.
	Address() string
	// Learn records a dial address for a peer.
	Learn(peerID, address string)
	// Connect opens a link and returns once the handshake completed.
	Connect(ctx context.Context, peerID string) (Link, error)
	// Accept delivers inbound links after their handshake.
	Accept() <-chan Link
	Events() <-chan Event
	Reconnect(ctx context.Context) error
	Close() error
}

// Seeder is implemented by transports that can dial an address whose identity is not yet known.
type Seeder interface {
	Seed(ctx context.Context, address string) (Link, error)
}

// NormalizeID returns the canonical form of a site identity.
func NormalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

func newLinkID() string {
	return ulid.Make().String()
}

// Directory maps site identities to dial addresses.
type Directory struct {
	mu        sync.RWMutex
	addresses map[string]string
}

// NewDirectory constructs an empty Directory.
func NewDirectory() *Directory {
	return &Directory{addresses: make(map[string]string)}
}

// Learn records address for id. Empty values are ignored.
func (d *Directory) Learn(id, address string) {
	id = NormalizeID(id)
	address = strings.TrimSpace(address)
	if id == "" || address == "" {
		return
	}
	d.mu.Lock()
	d.addresses[id] = address
	d.mu.Unlock()
}

// Lookup returns the address recorded for id.
func (d *Directory) Lookup(id string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	address, ok := d.addresses[NormalizeID(id)]
	return address, ok
}

// Len returns the number of recorded addresses.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.addresses)
}

// linkState holds the lifecycle shared by link implementations.
type linkState struct {
	id        string
	peerID    string
	address   string
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func newLinkState(peerID, address string) *linkState {
	return &linkState{
		id:      newLinkID(),
		peerID:  NormalizeID(peerID),
		address: address,
		done:    make(chan struct{}),
	}
}

func (state *linkState) ID() string {
	return state.id
}

func (state *linkState) PeerID() string {
	return state.peerID
}

func (state *linkState) RemoteAddress() string {
	return state.address
}

func (state *linkState) Done() <-chan struct{} {
	return state.done
}

func (state *linkState) Err() error {
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.err
}

// finish closes the link once, recording cause. It reports whether this call closed it.
func (state *linkState) finish(cause error) bool {
	closed := false
	state.closeOnce.Do(func() {
		state.mu.Lock()
		state.err = cause
		state.mu.Unlock()
		close(state.done)
		closed = true
	})
	return closed
}

func (state *linkState) isDone() bool {
	select {
	case <-state.done:
		return true
	default:
		return false
	}
}
