package replica

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/inkwell/internal/changelog"
	"github.com/MarcoPoloResearchLab/inkwell/internal/peers"
	"go.uber.org/zap"
)

var (
	errMissingStore    = errors.New("change log store is required")
	errMissingRegistry = errors.New("peer registry is required")
)

// ServiceError carries a stable operation.reason code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "replica.service.new"
	opComputeDelta    = "replica.compute_delta"
	opApplyIncoming   = "replica.apply_incoming"
	opKnownPeers      = "replica.known_peers"
	opRegisterPeer    = "replica.register_peer"
	reasonInvalidPeer = "invalid_peer"
	reasonQueryFailed = "query_failed"
	reasonApplyFailed = "apply_failed"
	reasonWriteFailed = "write_failed"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Notifier receives the "documents changed" signal after remote changes land.
type Notifier interface {
	WritingsChanged()
}

// ServiceConfig describes the dependencies of the replica service.
type ServiceConfig struct {
	Store    *changelog.Store
	Registry *peers.Registry
	Notifier Notifier
	Logger   *zap.Logger
}

// Service computes outgoing deltas and applies incoming ones.
type Service struct {
	store    *changelog.Store
	registry *peers.Registry
	notifier Notifier
	logger   *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Registry == nil {
		return nil, newServiceError(opServiceNew, "missing_registry", errMissingRegistry)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    cfg.Store,
		registry: cfg.Registry,
		notifier: cfg.Notifier,
		logger:   logger,
	}, nil
}

// SiteID returns the local replica identity.
func (s *Service) SiteID() string {
	return s.store.SiteID()
}

// KnownPeers returns the peer list advertised in outgoing gossip.
func (s *Service) KnownPeers(ctx context.Context) ([]peers.Peer, error) {
	known, err := s.registry.List(ctx)
	if err != nil {
		s.logError(opKnownPeers, reasonQueryFailed, err)
		return nil, newServiceError(opKnownPeers, reasonQueryFailed, err)
	}
	return known, nil
}

// RegisterPeer records a peer without touching its last synced version.
func (s *Service) RegisterPeer(ctx context.Context, id string, update peers.PeerUpdate) error {
	if err := s.registry.AddOrUpdate(ctx, id, update); err != nil {
		if errors.Is(err, peers.ErrInvalidPeerID) {
			return newServiceError(opRegisterPeer, reasonInvalidPeer, err)
		}
		return newServiceError(opRegisterPeer, reasonWriteFailed, err)
	}
	return nil
}

// ComputeDelta returns every change the requester is missing, judged by the versions the
// requester declared for each origin. Origins cover the local site, every known peer and every
// declared peer; the requester's own changes are never echoed back. An undeclared origin
// contributes its full history, so repeated calls before the requester catches up return a
// superset of the earlier result.
func (s *Service) ComputeDelta(ctx context.Context, requesterID string, declared []peers.Peer) ([]changelog.ChangeRecord, error) {
	requester, err := peers.NormalizeID(requesterID)
	if err != nil {
		return nil, newServiceError(opComputeDelta, reasonInvalidPeer, err)
	}

	declaredVersions := make(map[string]int64, len(declared))
	for _, peer := range declared {
		id, err := peers.NormalizeID(peer.ID)
		if err != nil {
			continue
		}
		if current, ok := declaredVersions[id]; !ok || peer.Version > current {
			declaredVersions[id] = peer.Version
		}
	}

	known, err := s.registry.List(ctx)
	if err != nil {
		s.logError(opComputeDelta, reasonQueryFailed, err, zap.String("peer_id", requester))
		return nil, newServiceError(opComputeDelta, reasonQueryFailed, err)
	}

	thresholds := make(map[string]int64, len(known)+len(declaredVersions)+1)
	addOrigin := func(origin string) {
		origin = strings.ToUpper(origin)
		if origin == requester {
			return
		}
		thresholds[origin] = declaredVersions[origin]
	}
	addOrigin(s.store.SiteID())
	for _, peer := range known {
		addOrigin(peer.ID)
	}
	for origin := range declaredVersions {
		addOrigin(origin)
	}

	changes, err := s.store.ChangesForOrigins(ctx, thresholds)
	if err != nil {
		s.logError(opComputeDelta, reasonQueryFailed, err, zap.String("peer_id", requester))
		return nil, newServiceError(opComputeDelta, reasonQueryFailed, err)
	}
	return changes, nil
}

// ApplyIncoming merges a remote batch. An empty batch returns without opening a transaction.
func (s *Service) ApplyIncoming(ctx context.Context, records []changelog.ChangeRecord) (changelog.ApplyResult, error) {
	if len(records) == 0 {
		return changelog.ApplyResult{}, nil
	}
	result, err := s.store.ApplyChanges(ctx, records)
	if err != nil {
		s.logError(opApplyIncoming, reasonApplyFailed, err, zap.Int("records", len(records)))
		return changelog.ApplyResult{}, newServiceError(opApplyIncoming, reasonApplyFailed, err)
	}
	if result.Changed() && s.notifier != nil {
		s.notifier.WritingsChanged()
	}
	return result, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("site_id", s.store.SiteID()),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("replica service error", attrs...)
}
