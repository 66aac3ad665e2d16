package changelog

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// SentinelColumn marks the row-level change record that carries the causal length of a row.
const SentinelColumn = "-1"

var (
	// ErrInvalidIdentifier indicates that a table or column name cannot be used as an SQL identifier.
	ErrInvalidIdentifier = errors.New("changelog: invalid identifier")
	// ErrUntrackedTable indicates that a tracked mutation targeted a table without change tracking.
	ErrUntrackedTable = errors.New("changelog: table is not tracked")
	// ErrUntrackedColumn indicates that a tracked mutation referenced a column outside the table's replicated set.
	ErrUntrackedColumn = errors.New("changelog: column is not tracked")
	// ErrRowNotFound indicates that an update or delete targeted a missing row.
	ErrRowNotFound = errors.New("changelog: row not found")
	// ErrRowExists indicates that an insert targeted a live row.
	ErrRowExists = errors.New("changelog: row already exists")
	// ErrNullValue indicates that a tracked column was assigned a nil value.
	ErrNullValue = errors.New("changelog: null values are not replicated")
	// ErrInvalidChange indicates that an incoming change record is malformed.
	ErrInvalidChange = errors.New("changelog: invalid change record")
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateIdentifier reports whether name can be used unquoted as a table or column name.
func ValidateIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return nil
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// ChangeRecord is the unit of replication: one cell mutation attributed to its origin site.
type ChangeRecord struct {
	Table         string          `json:"table"`
	PK            string          `json:"pk"`
	Column        string          `json:"cid"`
	Value         json.RawMessage `json:"val,omitempty"`
	ColumnVersion int64           `json:"col_version"`
	ChangeVersion int64           `json:"db_version"`
	SiteID        string          `json:"site_id"`
	CausalLength  int64           `json:"cl"`
	Sequence      int64           `json:"seq"`
}

// IsSentinel reports whether the record carries row existence rather than a cell value.
func (record ChangeRecord) IsSentinel() bool {
	return record.Column == SentinelColumn
}

func (record ChangeRecord) validate() error {
	if record.Table == "" || record.PK == "" || record.Column == "" {
		return fmt.Errorf("%w: missing coordinate", ErrInvalidChange)
	}
	if record.SiteID == "" {
		return fmt.Errorf("%w: missing site id", ErrInvalidChange)
	}
	if record.ChangeVersion <= 0 || record.CausalLength <= 0 {
		return fmt.Errorf("%w: non-positive version", ErrInvalidChange)
	}
	if record.IsSentinel() {
		if record.ColumnVersion < 0 {
			return fmt.Errorf("%w: negative sentinel version", ErrInvalidChange)
		}
		return nil
	}
	if record.ColumnVersion <= 0 {
		return fmt.Errorf("%w: non-positive column version", ErrInvalidChange)
	}
	if !isLive(record.CausalLength) {
		return fmt.Errorf("%w: cell written under a deleted row", ErrInvalidChange)
	}
	return nil
}

// ApplyResult summarizes a merged batch of incoming change records.
type ApplyResult struct {
	Applied int
	Skipped int
	// Origins maps each foreign origin in the batch to the highest change version observed from it.
	Origins map[string]int64
}

// Changed reports whether any record altered local state.
func (result ApplyResult) Changed() bool {
	return result.Applied > 0
}

type siteRecord struct {
	ID        int64  `gorm:"column:id;primaryKey"`
	SiteID    string `gorm:"column:site_id;size:32;not null"`
	DBVersion int64  `gorm:"column:db_version;not null;default:0"`
}

func (siteRecord) TableName() string {
	return "crr_site"
}

type trackedTable struct {
	Name    string `gorm:"column:name;primaryKey;size:190;not null"`
	Columns string `gorm:"column:columns;type:text;not null"`
}

func (trackedTable) TableName() string {
	return "crr_tables"
}

func (table trackedTable) columnSet() map[string]struct{} {
	columns := make(map[string]struct{})
	for _, column := range strings.Split(table.Columns, ",") {
		trimmed := strings.TrimSpace(column)
		if trimmed != "" {
			columns[trimmed] = struct{}{}
		}
	}
	return columns
}

// cellRecord is the persisted clock entry for one replicated cell or row sentinel.
type cellRecord struct {
	Table      string  `gorm:"column:tbl;primaryKey;size:190;not null"`
	PK         string  `gorm:"column:pk;primaryKey;size:190;not null"`
	Column     string  `gorm:"column:cid;primaryKey;size:190;not null"`
	Value      *string `gorm:"column:val;type:text"`
	ColVersion int64   `gorm:"column:col_version;not null"`
	DBVersion  int64   `gorm:"column:db_version;not null;index:idx_crr_changes_site_version,priority:2"`
	SiteID     string  `gorm:"column:site_id;size:32;not null;index:idx_crr_changes_site_version,priority:1"`
	CL         int64   `gorm:"column:cl;not null"`
	Seq        int64   `gorm:"column:seq;not null"`
}

func (cellRecord) TableName() string {
	return "crr_changes"
}

func (cell cellRecord) toChange() ChangeRecord {
	var value json.RawMessage
	if cell.Value != nil {
		value = json.RawMessage(*cell.Value)
	}
	return ChangeRecord{
		Table:         cell.Table,
		PK:            cell.PK,
		Column:        cell.Column,
		Value:         value,
		ColumnVersion: cell.ColVersion,
		ChangeVersion: cell.DBVersion,
		SiteID:        cell.SiteID,
		CausalLength:  cell.CL,
		Sequence:      cell.Seq,
	}
}

func cellFromChange(record ChangeRecord) cellRecord {
	var value *string
	if len(record.Value) > 0 && !record.IsSentinel() {
		encoded := string(record.Value)
		value = &encoded
	}
	return cellRecord{
		Table:      record.Table,
		PK:         record.PK,
		Column:     record.Column,
		Value:      value,
		ColVersion: record.ColumnVersion,
		DBVersion:  record.ChangeVersion,
		SiteID:     record.SiteID,
		CL:         record.CausalLength,
		Seq:        record.Sequence,
	}
}

// wins reports whether the incoming cell beats the stored one under last-writer-wins:
// greater column version first, then greater origin site id.
func wins(incoming ChangeRecord, stored cellRecord) bool {
	if incoming.ColumnVersion != stored.ColVersion {
		return incoming.ColumnVersion > stored.ColVersion
	}
	return strings.ToUpper(incoming.SiteID) > strings.ToUpper(stored.SiteID)
}

func isLive(causalLength int64) bool {
	return causalLength%2 == 1
}
