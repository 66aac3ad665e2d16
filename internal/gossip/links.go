package gossip

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/peers"
	"github.com/MarcoPoloResearchLab/inkwell/internal/transport"
	"go.uber.org/zap"
)

// ensureLink returns the open link to peerID, dialling one when absent. Concurrent callers for
// the same peer share a single attempt, bounded by the handshake timeout.
func (m *Manager) ensureLink(ctx context.Context, peerID string) (transport.Link, error) {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return nil, ErrNotStarted
	}
	if link, ok := m.links[peerID]; ok {
		m.mu.Unlock()
		return link, nil
	}
	if wait, ok := m.pending[peerID]; ok {
		m.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		m.mu.Lock()
		link, ok := m.links[peerID]
		m.mu.Unlock()
		if !ok {
			return nil, ErrLinkUnavailable
		}
		return link, nil
	}
	wait := make(chan struct{})
	m.pending[peerID] = wait
	m.setState(peerID, LinkConnecting, "")
	m.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, m.handshakeTimeout)
	link, err := m.transport.Connect(connectCtx, peerID)
	cancel()

	if err == nil && !m.attach(link) {
		_ = link.Close()
		err = ErrNotStarted
	}

	m.mu.Lock()
	delete(m.pending, peerID)
	close(wait)
	if err != nil {
		if _, open := m.links[peerID]; !open {
			m.setState(peerID, LinkErrored, "")
		}
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Debug("peer connect failed", zap.String("peer_id", peerID), zap.Error(err))
		return nil, err
	}
	return link, nil
}

// attach makes link the active link for its peer unless one is already open, records the
// peer and starts reading. Secondary links to the same peer are still read until they close.
func (m *Manager) attach(link transport.Link) bool {
	peerID := link.PeerID()

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return false
	}
	runCtx := m.ctx
	m.attached[link.ID()] = link
	if _, exists := m.links[peerID]; !exists {
		m.links[peerID] = link
		m.setState(peerID, LinkOpen, link.ID())
	}
	m.mu.Unlock()

	update := peers.PeerUpdate{}
	if address := link.RemoteAddress(); address != "" {
		update.Address = &address
	}
	if err := m.replica.RegisterPeer(runCtx, peerID, update); err != nil {
		m.logger.Warn("peer registration failed", zap.String("peer_id", peerID), zap.Error(err))
	}

	m.logger.Debug("peer link open", zap.String("peer_id", peerID), zap.String("link_id", link.ID()))
	if !m.spawn(func() { m.readLoop(runCtx, link) }) {
		m.mu.Lock()
		delete(m.attached, link.ID())
		m.mu.Unlock()
		return false
	}
	return true
}

func (m *Manager) readLoop(ctx context.Context, link transport.Link) {
	for message := range link.Receive() {
		m.handleMessage(ctx, link, message)
	}
	m.detach(link)
}

func (m *Manager) detach(link transport.Link) {
	peerID := link.PeerID()
	state := LinkClosed
	if link.Err() != nil {
		state = LinkErrored
	}

	m.mu.Lock()
	delete(m.attached, link.ID())
	if current, ok := m.links[peerID]; ok && current.ID() == link.ID() {
		delete(m.links, peerID)
		m.setState(peerID, state, "")
	}
	m.mu.Unlock()

	m.logger.Debug("peer link ended",
		zap.String("peer_id", peerID),
		zap.String("link_id", link.ID()),
		zap.String("state", string(state)),
		zap.Error(link.Err()))
}

// handleMessage acts on each field of message independently.
func (m *Manager) handleMessage(ctx context.Context, link transport.Link, message transport.Message) {
	sender := link.PeerID()

	if len(message.Changes) > 0 {
		result, err := m.replica.ApplyIncoming(ctx, message.Changes)
		if err != nil {
			m.logger.Warn("incoming changes rejected",
				zap.String("peer_id", sender),
				zap.Int("records", len(message.Changes)),
				zap.Error(err))
		} else if result.Changed() {
			m.logger.Debug("incoming changes applied",
				zap.String("peer_id", sender),
				zap.Int("applied", result.Applied),
				zap.Int("skipped", result.Skipped))
		}
	}

	if message.HasPeers() {
		declared := transport.RegistryPeers(message.Peers)
		m.learnPeers(ctx, declared)

		delta, err := m.replica.ComputeDelta(ctx, sender, declared)
		if err != nil {
			m.logger.Warn("delta computation failed", zap.String("peer_id", sender), zap.Error(err))
		} else if len(delta) > 0 {
			if err := link.Send(ctx, transport.Message{Changes: delta}); err != nil {
				m.logger.Debug("delta send failed", zap.String("peer_id", sender), zap.Error(err))
			}
		}
	}

	if message.Name != "" {
		name := message.Name
		if err := m.replica.RegisterPeer(ctx, sender, peers.PeerUpdate{Name: &name}); err != nil {
			m.logger.Warn("peer rename failed", zap.String("peer_id", sender), zap.Error(err))
		}
	}
}

// learnPeers registers and contacts every declared peer not yet seen this session.
func (m *Manager) learnPeers(ctx context.Context, declared []peers.Peer) {
	for _, peer := range declared {
		id := transport.NormalizeID(peer.ID)
		if id == "" || id == m.localID {
			continue
		}
		if peer.Address != "" {
			m.transport.Learn(id, peer.Address)
		}
		if !m.session.Add(id) {
			continue
		}

		update := peers.PeerUpdate{}
		if peer.Name != "" {
			name := peer.Name
			update.Name = &name
		}
		if peer.Address != "" {
			address := peer.Address
			update.Address = &address
		}
		if err := m.replica.RegisterPeer(ctx, id, update); err != nil {
			m.logger.Warn("peer registration failed", zap.String("peer_id", id), zap.Error(err))
			continue
		}
		m.spawn(func() { _ = m.SyncPeer(ctx, id) })
	}
}

func (m *Manager) acceptLoop(ctx context.Context) {
	for {
		select {
		case link := <-m.transport.Accept():
			if !m.attach(link) {
				_ = link.Close()
				continue
			}
			peerID := link.PeerID()
			m.spawn(func() { _ = m.SyncPeer(ctx, peerID) })
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) eventLoop(ctx context.Context) {
	for {
		select {
		case event := <-m.transport.Events():
			switch event.Type {
			case transport.EventDisconnected:
				m.logger.Warn("transport session lost", zap.Error(event.Err))
				m.reconnect(ctx)
			case transport.EventReconnected:
				m.logger.Info("transport session restored")
			}
		case <-ctx.Done():
			return
		}
	}
}

// reconnect restores the transport session with a growing delay between attempts, then
// re-dials the seeds. Peer links are reopened by the next broadcast.
func (m *Manager) reconnect(ctx context.Context) {
	delay := time.Second
	for {
		err := m.transport.Reconnect(ctx)
		if err == nil {
			break
		}
		if errors.Is(err, transport.ErrClosed) {
			return
		}
		m.logger.Warn("transport reconnect failed", zap.Duration("retry_in", delay), zap.Error(err))
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
	for _, address := range m.seeds {
		address := address
		m.spawn(func() { m.seed(ctx, address) })
	}
}

func (m *Manager) seed(ctx context.Context, address string) {
	seeder, ok := m.transport.(transport.Seeder)
	if !ok {
		m.logger.Warn("transport cannot dial seeds", zap.String("address", address))
		return
	}
	seedCtx, cancel := context.WithTimeout(ctx, m.handshakeTimeout)
	link, err := seeder.Seed(seedCtx, address)
	cancel()
	if err != nil {
		m.logger.Warn("seed unreachable", zap.String("address", address), zap.Error(err))
		return
	}
	if !m.attach(link) {
		_ = link.Close()
		return
	}
	_ = m.SyncPeer(ctx, link.PeerID())
}
