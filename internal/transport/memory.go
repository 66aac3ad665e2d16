package transport

import (
	"context"
	"encoding/json"
	"sync"
)

const (
	memoryAcceptBuffer = 64
	memoryEventBuffer  = 16
	memoryInboxBuffer  = 256
	memoryScheme       = "memory://"
)

// MemoryNetwork connects in-process transports with ordered, reliable links. Messages are
// round-tripped through JSON so they look exactly like what a socket would deliver.
type MemoryNetwork struct {
	mu    sync.Mutex
	nodes map[string]*MemoryTransport
}

// NewMemoryNetwork constructs an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{nodes: make(map[string]*MemoryTransport)}
}

// Join attaches a replica with the given identity and returns its transport.
func (network *MemoryNetwork) Join(id string) *MemoryTransport {
	id = NormalizeID(id)
	node := &MemoryTransport{
		network: network,
		id:      id,
		accept:  make(chan Link, memoryAcceptBuffer),
		events:  make(chan Event, memoryEventBuffer),
		online:  true,
		links:   make(map[string]*memoryLink),
	}
	network.mu.Lock()
	network.nodes[id] = node
	network.mu.Unlock()
	return node
}

// Disconnect simulates loss of a replica's rendezvous session: its links close and it cannot
// dial or be dialled until Reconnect.
func (network *MemoryNetwork) Disconnect(id string) {
	if node := network.node(id); node != nil {
		node.goOffline()
	}
}

func (network *MemoryNetwork) node(id string) *MemoryTransport {
	network.mu.Lock()
	defer network.mu.Unlock()
	return network.nodes[NormalizeID(id)]
}

// MemoryTransport is one replica's endpoint on a MemoryNetwork.
type MemoryTransport struct {
	network *MemoryNetwork
	id      string
	accept  chan Link
	events  chan Event

	mu     sync.Mutex
	online bool
	closed bool
	links  map[string]*memoryLink
}

// LocalID returns the replica identity.
func (node *MemoryTransport) LocalID() string {
	return node.id
}

// Address returns a synthetic address; memory links resolve by identity.
func (node *MemoryTransport) Address() string {
	return memoryScheme + node.id
}

// Learn is a no-op: every member of the network is addressable by identity.
func (node *MemoryTransport) Learn(string, string) {}

// Connect opens a link to peerID.
func (node *MemoryTransport) Connect(ctx context.Context, peerID string) (Link, error) {
	if err := node.available(); err != nil {
		return nil, err
	}
	target := node.network.node(peerID)
	if target == nil || target == node {
		return nil, ErrUnreachable
	}
	if err := target.available(); err != nil {
		return nil, ErrUnreachable
	}

	local, remote := newMemoryPair(node.id, target.id)
	if !node.track(local) || !target.track(remote) {
		local.Close()
		return nil, ErrUnreachable
	}

	select {
	case target.accept <- remote:
		return local, nil
	case <-ctx.Done():
		local.Close()
		return nil, ctx.Err()
	}
}

// Accept delivers inbound links. The channel is never closed.
func (node *MemoryTransport) Accept() <-chan Link {
	return node.accept
}

// Events delivers disconnect and reconnect notifications.
func (node *MemoryTransport) Events() <-chan Event {
	return node.events
}

// Reconnect restores the session after Disconnect.
func (node *MemoryTransport) Reconnect(context.Context) error {
	node.mu.Lock()
	if node.closed {
		node.mu.Unlock()
		return ErrClosed
	}
	wasOffline := !node.online
	node.online = true
	node.mu.Unlock()

	if wasOffline {
		node.emit(Event{Type: EventReconnected})
	}
	return nil
}

// Close shuts the transport and every link it owns.
func (node *MemoryTransport) Close() error {
	node.mu.Lock()
	if node.closed {
		node.mu.Unlock()
		return nil
	}
	node.closed = true
	node.online = false
	links := node.snapshotLocked()
	node.mu.Unlock()

	for _, link := range links {
		link.Close()
	}
	return nil
}

func (node *MemoryTransport) available() error {
	node.mu.Lock()
	defer node.mu.Unlock()
	if node.closed {
		return ErrClosed
	}
	if !node.online {
		return ErrOffline
	}
	return nil
}

func (node *MemoryTransport) goOffline() {
	node.mu.Lock()
	if !node.online || node.closed {
		node.mu.Unlock()
		return
	}
	node.online = false
	links := node.snapshotLocked()
	node.mu.Unlock()

	for _, link := range links {
		link.closeWith(ErrOffline)
	}
	node.emit(Event{Type: EventDisconnected, Err: ErrOffline})
}

func (node *MemoryTransport) track(link *memoryLink) bool {
	node.mu.Lock()
	defer node.mu.Unlock()
	if node.closed || !node.online {
		return false
	}
	node.links[link.ID()] = link
	go func() {
		<-link.Done()
		node.mu.Lock()
		delete(node.links, link.ID())
		node.mu.Unlock()
	}()
	return true
}

func (node *MemoryTransport) snapshotLocked() []*memoryLink {
	links := make([]*memoryLink, 0, len(node.links))
	for _, link := range node.links {
		links = append(links, link)
	}
	return links
}

func (node *MemoryTransport) emit(event Event) {
	select {
	case node.events <- event:
	default:
	}
}

type memoryLink struct {
	*linkState
	inbox chan Message
	out   chan Message
	peer  *memoryLink
}

func newMemoryPair(localID, remoteID string) (*memoryLink, *memoryLink) {
	local := &memoryLink{
		linkState: newLinkState(remoteID, memoryScheme+remoteID),
		inbox:     make(chan Message, memoryInboxBuffer),
		out:       make(chan Message),
	}
	remote := &memoryLink{
		linkState: newLinkState(localID, memoryScheme+localID),
		inbox:     make(chan Message, memoryInboxBuffer),
		out:       make(chan Message),
	}
	local.peer = remote
	remote.peer = local
	go local.pump()
	go remote.pump()
	return local, remote
}

func (link *memoryLink) Send(ctx context.Context, message Message) error {
	if link.isDone() || link.peer.isDone() {
		return ErrClosed
	}
	if message.Empty() {
		return nil
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}
	var delivered Message
	if err := json.Unmarshal(payload, &delivered); err != nil {
		return err
	}
	select {
	case link.peer.inbox <- delivered:
		return nil
	case <-link.done:
		return ErrClosed
	case <-link.peer.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (link *memoryLink) Receive() <-chan Message {
	return link.out
}

func (link *memoryLink) Close() error {
	link.closeWith(nil)
	return nil
}

func (link *memoryLink) closeWith(cause error) {
	link.finish(cause)
	link.peer.finish(cause)
}

// pump forwards inbox to out in order. Messages accepted before the close are still
// delivered, as long as the reader keeps draining Receive.
func (link *memoryLink) pump() {
	defer close(link.out)
	for {
		select {
		case message := <-link.inbox:
			link.out <- message
		case <-link.done:
			for {
				select {
				case message := <-link.inbox:
					link.out <- message
				default:
					return
				}
			}
		}
	}
}
