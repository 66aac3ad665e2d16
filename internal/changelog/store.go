package changelog

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	siteRowID          = 1
	columnDBVersion    = "db_version"
	orderChangesAsc    = "db_version ASC, seq ASC, tbl ASC, pk ASC, cid ASC"
	queryOriginSince   = "site_id = ? AND db_version > ?"
	queryCell          = "tbl = ? AND pk = ? AND cid = ?"
	queryRowCells      = "tbl = ? AND pk = ? AND cid <> ?"
	incrementDBVersion = "db_version + 1"
)

var errMissingDatabase = errors.New("changelog: database handle is required")

// EnsureSchema creates the change log's internal relations and the local site identity.
// It is idempotent and must run before any tracked table is registered.
func EnsureSchema(db *gorm.DB) error {
	if db == nil {
		return errMissingDatabase
	}
	if err := db.AutoMigrate(&siteRecord{}, &trackedTable{}, &cellRecord{}); err != nil {
		return fmt.Errorf("changelog: migrate internal relations: %w", err)
	}
	site := siteRecord{ID: siteRowID, SiteID: newSiteID(), DBVersion: 0}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&site).Error; err != nil {
		return fmt.Errorf("changelog: seed site identity: %w", err)
	}
	return nil
}

// RegisterTable marks table as replicated. Only the listed columns produce change records.
func RegisterTable(db *gorm.DB, table string, columns []string) error {
	if err := ValidateIdentifier(table); err != nil {
		return err
	}
	for _, column := range columns {
		if err := ValidateIdentifier(column); err != nil {
			return err
		}
	}
	record := trackedTable{Name: table, Columns: strings.Join(columns, ",")}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"columns"}),
	}).Create(&record).Error
}

func newSiteID() string {
	value := uuid.New()
	return strings.ToUpper(hex.EncodeToString(value[:]))
}

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store is the change-tracking layer over the embedded database. Local mutations go through
// Update; remote mutations go through ApplyChanges. Both serialize on the same write lock.
type Store struct {
	db      *gorm.DB
	siteID  string
	logger  *zap.Logger
	writeMu sync.Mutex

	schemaMu sync.RWMutex
	schema   map[string]map[string]struct{}
}

// NewStore loads the local site identity and returns a Store bound to db.
func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var site siteRecord
	if err := cfg.Database.WithContext(ctx).Where("id = ?", siteRowID).Take(&site).Error; err != nil {
		return nil, fmt.Errorf("changelog: load site identity: %w", err)
	}

	return &Store{
		db:     cfg.Database,
		siteID: strings.ToUpper(site.SiteID),
		logger: logger,
		schema: make(map[string]map[string]struct{}),
	}, nil
}

// SiteID returns the local replica identity as an uppercase hex string.
func (store *Store) SiteID() string {
	return store.siteID
}

// Database exposes the underlying handle for read-only queries and untracked tables.
func (store *Store) Database() *gorm.DB {
	return store.db
}

// DBVersion returns the most recent local change version.
func (store *Store) DBVersion(ctx context.Context) (int64, error) {
	var site siteRecord
	if err := store.db.WithContext(ctx).Select(columnDBVersion).Where("id = ?", siteRowID).Take(&site).Error; err != nil {
		return 0, err
	}
	return site.DBVersion, nil
}

// Update runs fn inside a write transaction whose tracked mutations share one change version.
func (store *Store) Update(ctx context.Context, fn func(*Tx) error) error {
	store.writeMu.Lock()
	defer store.writeMu.Unlock()

	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(&Tx{store: store, db: transaction})
	})
}

// ChangesSince returns the change records originating at siteID with a change version above fromVersion.
func (store *Store) ChangesSince(ctx context.Context, fromVersion int64, siteID string) ([]ChangeRecord, error) {
	var cells []cellRecord
	if err := store.db.WithContext(ctx).
		Where(queryOriginSince, strings.ToUpper(siteID), fromVersion).
		Order(orderChangesAsc).
		Find(&cells).Error; err != nil {
		return nil, fmt.Errorf("changelog: query changes: %w", err)
	}
	return toChanges(cells), nil
}

// ChangesForOrigins returns, in one read transaction, every record whose origin appears in
// thresholds and whose change version exceeds that origin's threshold.
func (store *Store) ChangesForOrigins(ctx context.Context, thresholds map[string]int64) ([]ChangeRecord, error) {
	if len(thresholds) == 0 {
		return nil, nil
	}
	origins := make([]string, 0, len(thresholds))
	for origin := range thresholds {
		origins = append(origins, origin)
	}
	sort.Strings(origins)

	var changes []ChangeRecord
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		for _, origin := range origins {
			var cells []cellRecord
			if err := transaction.
				Where(queryOriginSince, strings.ToUpper(origin), thresholds[origin]).
				Order(orderChangesAsc).
				Find(&cells).Error; err != nil {
				return err
			}
			changes = append(changes, toChanges(cells)...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("changelog: query changes: %w", err)
	}
	return changes, nil
}

func toChanges(cells []cellRecord) []ChangeRecord {
	changes := make([]ChangeRecord, 0, len(cells))
	for _, cell := range cells {
		changes = append(changes, cell.toChange())
	}
	return changes
}

func (store *Store) trackedColumns(transaction *gorm.DB, table string) (map[string]struct{}, error) {
	store.schemaMu.RLock()
	columns, ok := store.schema[table]
	store.schemaMu.RUnlock()
	if ok {
		return columns, nil
	}

	var record trackedTable
	err := transaction.Where("name = ?", table).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUntrackedTable, table)
	}
	if err != nil {
		return nil, err
	}
	columns = record.columnSet()

	store.schemaMu.Lock()
	store.schema[table] = columns
	store.schemaMu.Unlock()
	return columns, nil
}

func loadCell(transaction *gorm.DB, table, pk, column string) (*cellRecord, error) {
	var cell cellRecord
	err := transaction.Where(queryCell, table, pk, column).Take(&cell).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cell, nil
}

func saveCell(transaction *gorm.DB, cell cellRecord) error {
	return transaction.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tbl"}, {Name: "pk"}, {Name: "cid"}},
		UpdateAll: true,
	}).Create(&cell).Error
}

func dropRowCells(transaction *gorm.DB, table, pk string) error {
	return transaction.Where(queryRowCells, table, pk, SentinelColumn).Delete(&cellRecord{}).Error
}
