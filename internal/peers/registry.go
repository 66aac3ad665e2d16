package peers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// TableName is the local bookkeeping table for remote replicas. It is never replicated.
	TableName = "peer"

	columnID          = "id"
	columnName        = "name"
	columnVersion     = "version"
	columnAddress     = "address"
	mergeVersionExpr  = "MAX(IFNULL(version, 0), excluded.version)"
	maxIdentifierSize = 190
)

var (
	// ErrInvalidPeerID indicates that a peer identifier is empty or exceeds storage bounds.
	ErrInvalidPeerID = errors.New("peers: invalid peer id")

	errMissingDatabase = errors.New("peers: database handle is required")
)

// Peer is one remote replica ever seen by this device.
type Peer struct {
	ID      string `gorm:"column:id;primaryKey" json:"id"`
	Name    string `gorm:"column:name" json:"name"`
	Version int64  `gorm:"column:version" json:"version"`
	Address string `gorm:"column:address" json:"address,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (Peer) TableName() string {
	return TableName
}

// PeerUpdate lists the fields to overwrite; nil fields are left untouched.
type PeerUpdate struct {
	Name    *string
	Address *string
}

func (update PeerUpdate) columns() []string {
	columns := make([]string, 0, 2)
	if update.Name != nil {
		columns = append(columns, columnName)
	}
	if update.Address != nil {
		columns = append(columns, columnAddress)
	}
	return columns
}

// NormalizeID validates a peer identifier and returns its canonical uppercase form.
func NormalizeID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPeerID)
	}
	if len(trimmed) > maxIdentifierSize {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPeerID, maxIdentifierSize)
	}
	return strings.ToUpper(trimmed), nil
}

// RegistryConfig describes the dependencies of a Registry.
type RegistryConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Registry tracks known peers and the high-water mark received from each.
type Registry struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewRegistry constructs a Registry over the peer table.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{db: cfg.Database, logger: logger}, nil
}

// List returns every known peer ordered by identifier.
func (registry *Registry) List(ctx context.Context) ([]Peer, error) {
	var known []Peer
	if err := registry.db.WithContext(ctx).Order(columnID + " ASC").Find(&known).Error; err != nil {
		registry.logger.Error("peer list failed", zap.Error(err))
		return nil, fmt.Errorf("peers: list: %w", err)
	}
	return known, nil
}

// Version returns the last synced version for a peer, or 0 when the peer is unknown.
func (registry *Registry) Version(ctx context.Context, id string) (int64, error) {
	normalized, err := NormalizeID(id)
	if err != nil {
		return 0, err
	}
	var peer Peer
	err = registry.db.WithContext(ctx).Select(columnVersion).Where(columnID+" = ?", normalized).Take(&peer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("peers: version: %w", err)
	}
	return peer.Version, nil
}

// AddOrUpdate upserts a peer. Only the fields set in update are overwritten on an existing row;
// the last synced version is never touched here.
func (registry *Registry) AddOrUpdate(ctx context.Context, id string, update PeerUpdate) error {
	normalized, err := NormalizeID(id)
	if err != nil {
		return err
	}
	record := Peer{ID: normalized}
	if update.Name != nil {
		record.Name = *update.Name
	}
	if update.Address != nil {
		record.Address = *update.Address
	}

	onConflict := clause.OnConflict{Columns: []clause.Column{{Name: columnID}}, DoNothing: true}
	if columns := update.columns(); len(columns) > 0 {
		onConflict = clause.OnConflict{
			Columns:   []clause.Column{{Name: columnID}},
			DoUpdates: clause.AssignmentColumns(columns),
		}
	}
	if err := registry.db.WithContext(ctx).Clauses(onConflict).Create(&record).Error; err != nil {
		registry.logger.Error("peer upsert failed", zap.String("peer_id", normalized), zap.Error(err))
		return fmt.Errorf("peers: upsert: %w", err)
	}
	return nil
}

// Rename sets the advisory display name of a peer.
func (registry *Registry) Rename(ctx context.Context, id, name string) error {
	return registry.AddOrUpdate(ctx, id, PeerUpdate{Name: &name})
}

// MergeVersions advances each peer's last synced version to max(existing, observed).
// It runs on the caller's transaction so the merge commits with the changes that produced it.
func MergeVersions(transaction *gorm.DB, versions map[string]int64) error {
	if len(versions) == 0 {
		return nil
	}
	ids := make([]string, 0, len(versions))
	for id := range versions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		normalized, err := NormalizeID(id)
		if err != nil {
			return err
		}
		record := Peer{ID: normalized, Version: versions[id]}
		if err := transaction.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: columnID}},
			DoUpdates: clause.Assignments(map[string]any{
				columnVersion: gorm.Expr(mergeVersionExpr),
			}),
		}).Create(&record).Error; err != nil {
			return err
		}
	}
	return nil
}
