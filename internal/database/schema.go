package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/inkwell/internal/changelog"
	"gorm.io/gorm"
)

const bookkeepingColumns = `created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updates INTEGER NOT NULL DEFAULT 0`

// replicatedBookkeeping lists the bookkeeping columns that travel with tracked rows.
// updated_at and updates stay local: the update trigger rewrites them on every replica.
var replicatedBookkeeping = []string{"created_at"}

// Column describes one user column of a table.
type Column struct {
	Name       string
	Definition string
}

// TableSpec describes a table created by CreateTable.
type TableSpec struct {
	Name        string
	Columns     []Column
	Track       bool
	Constraints []string
}

// CreateTable creates a table with an id primary key, the standard bookkeeping columns and an
// update trigger that bumps updated_at/updates once per logical update. The trigger only fires
// when updates is unchanged, so its own UPDATE does not re-fire it. Tracked tables are
// registered with the change log.
func CreateTable(db *gorm.DB, spec TableSpec) error {
	if err := changelog.ValidateIdentifier(spec.Name); err != nil {
		return err
	}
	definitions := make([]string, 0, len(spec.Columns)+3)
	definitions = append(definitions, "id PRIMARY KEY NOT NULL")
	names := make([]string, 0, len(spec.Columns)+len(replicatedBookkeeping))
	for _, column := range spec.Columns {
		if err := changelog.ValidateIdentifier(column.Name); err != nil {
			return err
		}
		definitions = append(definitions, strings.TrimSpace(column.Name+" "+column.Definition))
		names = append(names, column.Name)
	}
	definitions = append(definitions, bookkeepingColumns)
	definitions = append(definitions, spec.Constraints...)

	createStatement := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    %s\n)", spec.Name, strings.Join(definitions, ",\n    "))
	if err := db.Exec(createStatement).Error; err != nil {
		return fmt.Errorf("create table %s: %w", spec.Name, err)
	}
	if err := db.Exec(UpdatedAtTrigger(spec.Name)).Error; err != nil {
		return fmt.Errorf("create trigger %s_update: %w", spec.Name, err)
	}
	if !spec.Track {
		return nil
	}
	names = append(names, replicatedBookkeeping...)
	if err := changelog.RegisterTable(db, spec.Name, names); err != nil {
		return fmt.Errorf("track table %s: %w", spec.Name, err)
	}
	return nil
}

// UpdatedAtTrigger returns the guarded bookkeeping trigger for table.
func UpdatedAtTrigger(table string) string {
	return fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %[1]s_update
    AFTER UPDATE
    ON %[1]s
    FOR EACH ROW
    WHEN NEW.updates = OLD.updates
BEGIN
    UPDATE %[1]s SET updated_at = CURRENT_TIMESTAMP, updates = updates + 1 WHERE id = OLD.id;
END`, table)
}

// CreateIndex creates idx_<table>_<name> over fields.
func CreateIndex(db *gorm.DB, table, name string, fields ...string) error {
	if err := changelog.ValidateIdentifier(table); err != nil {
		return err
	}
	if err := changelog.ValidateIdentifier(name); err != nil {
		return err
	}
	for _, field := range fields {
		if err := changelog.ValidateIdentifier(field); err != nil {
			return err
		}
	}
	statement := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)", table, name, table, strings.Join(fields, ", "))
	return db.Exec(statement).Error
}
