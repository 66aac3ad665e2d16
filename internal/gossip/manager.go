// Package gossip maintains links to peers and drives periodic reconciliation over them.
package gossip

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/changelog"
	"github.com/MarcoPoloResearchLab/inkwell/internal/peers"
	"github.com/MarcoPoloResearchLab/inkwell/internal/transport"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/robfig/cron"
	"go.uber.org/zap"
)

const (
	defaultInterval         = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	maxReconnectDelay       = 30 * time.Second
)

var (
	// ErrNotStarted indicates that an operation needs a running manager.
	ErrNotStarted = errors.New("gossip: manager not started")
	// ErrAlreadyStarted indicates a second call to Start.
	ErrAlreadyStarted = errors.New("gossip: manager already started")
	// ErrLinkUnavailable indicates that no open link could be established to a peer.
	ErrLinkUnavailable = errors.New("gossip: link unavailable")

	errMissingTransport = errors.New("gossip: transport is required")
	errMissingReplica   = errors.New("gossip: replica is required")
)

// LinkState is the lifecycle position of the link to one peer.
type LinkState string

const (
	LinkConnecting LinkState = "connecting"
	LinkOpen       LinkState = "open"
	LinkClosed     LinkState = "closed"
	LinkErrored    LinkState = "errored"
)

// LinkStatus describes the link to one peer for display.
type LinkStatus struct {
	PeerID string    `json:"peer_id"`
	LinkID string    `json:"link_id,omitempty"`
	State  LinkState `json:"state"`
}

// Replica is the sync core the manager exchanges changes through.
type Replica interface {
	SiteID() string
	KnownPeers(ctx context.Context) ([]peers.Peer, error)
	ComputeDelta(ctx context.Context, requesterID string, declared []peers.Peer) ([]changelog.ChangeRecord, error)
	ApplyIncoming(ctx context.Context, records []changelog.ChangeRecord) (changelog.ApplyResult, error)
	RegisterPeer(ctx context.Context, id string, update peers.PeerUpdate) error
}

// DeviceNamer supplies the local display name sent with every sync.
type DeviceNamer interface {
	DeviceName(ctx context.Context) (string, error)
}

// Config describes a Manager.
type Config struct {
	Transport        transport.Transport
	Replica          Replica
	Devices          DeviceNamer
	Interval         time.Duration
	HandshakeTimeout time.Duration
	// Seeds are dial addresses of replicas whose identity is learned on first contact.
	Seeds  []string
	Logger *zap.Logger
}

// Manager owns every link, the cached peer list and the per-session set of peers already
// processed. Its lifecycle is New, Start, then Shutdown.
type Manager struct {
	transport        transport.Transport
	replica          Replica
	devices          DeviceNamer
	interval         time.Duration
	handshakeTimeout time.Duration
	seeds            []string
	logger           *zap.Logger
	localID          string
	session          mapset.Set[string]

	ready     chan struct{}
	readyOnce sync.Once
	workers   sync.WaitGroup

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
	stopped   bool
	links     map[string]transport.Link
	attached  map[string]transport.Link
	pending   map[string]chan struct{}
	states    map[string]LinkStatus
	cached    []peers.Peer
	scheduler *cron.Cron
}

// New validates cfg and returns an idle Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	if cfg.Replica == nil {
		return nil, errMissingReplica
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		transport:        cfg.Transport,
		replica:          cfg.Replica,
		devices:          cfg.Devices,
		interval:         interval,
		handshakeTimeout: timeout,
		seeds:            append([]string(nil), cfg.Seeds...),
		logger:           logger,
		localID:          transport.NormalizeID(cfg.Replica.SiteID()),
		session:          mapset.NewSet[string](),
		ready:            make(chan struct{}),
		links:            make(map[string]transport.Link),
		attached:         make(map[string]transport.Link),
		pending:          make(map[string]chan struct{}),
		states:           make(map[string]LinkStatus),
	}, nil
}

// Ready is closed once Start has loaded the peer list. Any number of callers may wait on it.
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// LocalID returns the replica identity the manager gossips as.
func (m *Manager) LocalID() string {
	return m.localID
}

// Start loads known peers, begins accepting links and dials the configured seeds.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	runCtx := m.ctx
	m.mu.Unlock()

	if _, err := m.refreshPeers(runCtx); err != nil {
		return fmt.Errorf("gossip: load peers: %w", err)
	}
	m.readyOnce.Do(func() { close(m.ready) })

	m.spawn(func() { m.acceptLoop(runCtx) })
	m.spawn(func() { m.eventLoop(runCtx) })
	for _, address := range m.seeds {
		address := address
		m.spawn(func() { m.seed(runCtx, address) })
	}

	m.logger.Info("gossip started",
		zap.String("site_id", m.localID),
		zap.Duration("interval", m.interval),
		zap.Int("seeds", len(m.seeds)))
	return nil
}

// Shutdown stops the broadcast schedule, closes every link and waits for workers to exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.cancel()
	if m.scheduler != nil {
		m.scheduler.Stop()
		m.scheduler = nil
	}
	links := make([]transport.Link, 0, len(m.attached))
	for _, link := range m.attached {
		links = append(links, link)
	}
	m.mu.Unlock()

	for _, link := range links {
		_ = link.Close()
	}
	m.workers.Wait()
	m.logger.Info("gossip stopped", zap.String("site_id", m.localID))
}

// StartBroadcast replaces any running schedule, broadcasts once right away and then every interval.
func (m *Manager) StartBroadcast() error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return ErrNotStarted
	}
	runCtx := m.ctx
	if m.scheduler != nil {
		m.scheduler.Stop()
	}
	scheduler := cron.New()
	if err := scheduler.AddFunc("@every "+m.interval.String(), func() {
		m.spawn(func() { m.Broadcast(runCtx) })
	}); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("gossip: schedule broadcast: %w", err)
	}
	m.scheduler = scheduler
	scheduler.Start()
	m.mu.Unlock()

	m.spawn(func() { m.Broadcast(runCtx) })
	return nil
}

// StopBroadcast cancels the periodic schedule. Links stay open.
func (m *Manager) StopBroadcast() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scheduler != nil {
		m.scheduler.Stop()
		m.scheduler = nil
	}
}

// Broadcast refreshes the peer list and syncs every known peer concurrently. Failures are
// logged and retried on the next tick.
func (m *Manager) Broadcast(ctx context.Context) {
	known, err := m.refreshPeers(ctx)
	if err != nil {
		m.logger.Warn("gossip broadcast skipped", zap.Error(err))
		return
	}

	var group sync.WaitGroup
	for _, peer := range known {
		peerID := peer.ID
		if transport.NormalizeID(peerID) == m.localID {
			continue
		}
		group.Add(1)
		go func() {
			defer group.Done()
			_ = m.SyncPeer(ctx, peerID)
		}()
	}
	group.Wait()
}

// SyncPeer ensures a link to peerID and sends the known peer list and local device name.
func (m *Manager) SyncPeer(ctx context.Context, peerID string) error {
	id := transport.NormalizeID(peerID)
	if id == "" || id == m.localID {
		return nil
	}
	link, err := m.ensureLink(ctx, id)
	if err != nil {
		m.logger.Debug("peer sync skipped", zap.String("peer_id", id), zap.Error(err))
		return err
	}

	known, err := m.refreshPeers(ctx)
	if err != nil {
		return err
	}
	message := transport.Message{
		Peers: transport.PeerInfos(known),
		Name:  m.deviceName(ctx),
	}
	if err := link.Send(ctx, message); err != nil {
		m.logger.Debug("peer sync send failed",
			zap.String("peer_id", id),
			zap.String("link_id", link.ID()),
			zap.Error(err))
		_ = link.Close()
		return err
	}
	return nil
}

// Links returns a snapshot of link states ordered by peer id.
func (m *Manager) Links() []LinkStatus {
	m.mu.Lock()
	statuses := make([]LinkStatus, 0, len(m.states))
	for _, status := range m.states {
		statuses = append(statuses, status)
	}
	m.mu.Unlock()

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].PeerID < statuses[j].PeerID
	})
	return statuses
}

// Peers returns the peer list cached by the last refresh.
func (m *Manager) Peers() []peers.Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]peers.Peer(nil), m.cached...)
}

func (m *Manager) refreshPeers(ctx context.Context) ([]peers.Peer, error) {
	known, err := m.replica.KnownPeers(ctx)
	if err != nil {
		return nil, err
	}
	for _, peer := range known {
		if peer.Address != "" {
			m.transport.Learn(peer.ID, peer.Address)
		}
	}
	m.mu.Lock()
	m.cached = known
	m.mu.Unlock()
	return known, nil
}

func (m *Manager) deviceName(ctx context.Context) string {
	if m.devices == nil {
		return ""
	}
	name, err := m.devices.DeviceName(ctx)
	if err != nil {
		m.logger.Warn("device name unavailable", zap.Error(err))
		return ""
	}
	return name
}

// spawn runs fn as a tracked worker unless the manager is shutting down.
func (m *Manager) spawn(fn func()) bool {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return false
	}
	m.workers.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.workers.Done()
		fn()
	}()
	return true
}

func (m *Manager) setState(peerID string, state LinkState, linkID string) {
	m.states[peerID] = LinkStatus{PeerID: peerID, LinkID: linkID, State: state}
}
