package database

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/inkwell/internal/peers"
	"github.com/MarcoPoloResearchLab/inkwell/internal/writings"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrMigrationFailed wraps any failure while bringing the schema forward. It is fatal at startup.
var ErrMigrationFailed = errors.New("database: migration failed")

const defaultDeviceName = "Device Name"

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

// migrations run in order; the index of a step plus one is the schema version it produces.
// Steps are forward-only and additive.
var migrations = []migrationDefinition{
	{name: "initial_schema", apply: createInitialSchema},
	{name: "peer_address", apply: addPeerAddress},
}

// SchemaVersion returns the version a fully migrated database reports.
func SchemaVersion() int {
	return len(migrations)
}

// CurrentVersion reads the persisted schema version.
func CurrentVersion(db *gorm.DB) (int, error) {
	var version int
	if err := db.Raw("PRAGMA user_version").Scan(&version).Error; err != nil {
		return 0, err
	}
	return version, nil
}

// RunMigrations applies each pending step exactly once, each in its own transaction together
// with the version bump. Re-running against a current schema is a no-op.
func RunMigrations(db *gorm.DB, logger *zap.Logger) error {
	return applyMigrations(db, migrations, logger)
}

func applyMigrations(db *gorm.DB, steps []migrationDefinition, logger *zap.Logger) error {
	version, err := CurrentVersion(db)
	if err != nil {
		return fmt.Errorf("%w: read schema version: %v", ErrMigrationFailed, err)
	}

	for version < len(steps) {
		migration := steps[version]
		nextVersion := version + 1
		err := db.Transaction(func(transaction *gorm.DB) error {
			if err := migration.apply(transaction); err != nil {
				return err
			}
			return transaction.Exec(fmt.Sprintf("PRAGMA user_version = %d", nextVersion)).Error
		})
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMigrationFailed, migration.name, err)
		}
		version = nextVersion
		if logger != nil {
			logger.Info("database migration applied",
				zap.String("migration", migration.name),
				zap.Int("schema_version", version))
		}
	}
	return nil
}

func createInitialSchema(db *gorm.DB) error {
	tables := []TableSpec{
		{
			Name: writings.TableWriting,
			Columns: []Column{
				{Name: "title", Definition: "TEXT NOT NULL DEFAULT ''"},
				{Name: "idx", Definition: "INTEGER NOT NULL DEFAULT 0"},
				{Name: "current", Definition: "TEXT NOT NULL DEFAULT ''"},
			},
			Track: true,
		},
		{
			Name: writings.TableText,
			Columns: []Column{
				{Name: "writing", Definition: "TEXT NOT NULL DEFAULT ''"},
				{Name: "text", Definition: "TEXT NOT NULL DEFAULT ''"},
				{Name: "idx", Definition: "INTEGER NOT NULL DEFAULT 0"},
			},
			Track: true,
		},
		{
			Name: peers.TableName,
			Columns: []Column{
				{Name: "name", Definition: "TEXT NOT NULL DEFAULT ''"},
				{Name: "version", Definition: "INTEGER NOT NULL DEFAULT 0"},
			},
		},
		{
			Name: writings.TableDevice,
			Columns: []Column{
				{Name: "name", Definition: "TEXT NOT NULL DEFAULT ''"},
			},
		},
	}
	for _, table := range tables {
		if err := CreateTable(db, table); err != nil {
			return err
		}
	}
	if err := db.Exec("INSERT INTO device (id, name) VALUES (1, ?)", defaultDeviceName).Error; err != nil {
		return err
	}
	return CreateIndex(db, writings.TableText, "by_writing", "writing", "idx")
}

func addPeerAddress(db *gorm.DB) error {
	return db.Exec("ALTER TABLE peer ADD COLUMN address TEXT NOT NULL DEFAULT ''").Error
}
