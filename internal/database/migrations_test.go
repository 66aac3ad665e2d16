package database

import (
	"errors"
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func openRawDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "migration.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() { _ = sqlDB.Close() })
	return database
}

func TestOpenSQLiteMigratesToCurrentVersion(testContext *testing.T) {
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "inkwell.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, _ := database.DB()
	defer sqlDB.Close()

	version, err := CurrentVersion(database)
	if err != nil {
		testContext.Fatalf("failed to read schema version: %v", err)
	}
	if version != SchemaVersion() {
		testContext.Fatalf("expected schema version %d, got %d", SchemaVersion(), version)
	}

	for _, table := range []string{"writing", "text", "peer", "device", "crr_site", "crr_tables", "crr_changes"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
	if !database.Migrator().HasColumn("peer", "address") {
		testContext.Fatalf("expected peer.address column")
	}
	if !database.Migrator().HasIndex("text", "idx_text_by_writing") {
		testContext.Fatalf("expected revision index")
	}

	var deviceRows int64
	if err := database.Table("device").Count(&deviceRows).Error; err != nil {
		testContext.Fatalf("failed to count devices: %v", err)
	}
	if deviceRows != 1 {
		testContext.Fatalf("expected exactly one device row, got %d", deviceRows)
	}

	var tracked []string
	if err := database.Table("crr_tables").Order("name").Pluck("name", &tracked).Error; err != nil {
		testContext.Fatalf("failed to list tracked tables: %v", err)
	}
	if len(tracked) != 2 || tracked[0] != "text" || tracked[1] != "writing" {
		testContext.Fatalf("expected writing and text to be tracked, got %v", tracked)
	}
}

func TestRunMigrationsIsIdempotent(testContext *testing.T) {
	path := filepath.Join(testContext.TempDir(), "inkwell.db")
	first, err := OpenSQLite(path, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	firstSQL, _ := first.DB()
	firstSQL.Close()

	second, err := OpenSQLite(path, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to reopen database: %v", err)
	}
	secondSQL, _ := second.DB()
	defer secondSQL.Close()

	if err := RunMigrations(second, zap.NewNop()); err != nil {
		testContext.Fatalf("expected re-run to be a no-op: %v", err)
	}

	var deviceRows int64
	if err := second.Table("device").Count(&deviceRows).Error; err != nil {
		testContext.Fatalf("failed to count devices: %v", err)
	}
	if deviceRows != 1 {
		testContext.Fatalf("expected device seed to run once, got %d rows", deviceRows)
	}
}

func TestApplyMigrationsStopsAtFailingStep(testContext *testing.T) {
	database := openRawDatabase(testContext)

	steps := []migrationDefinition{
		{name: "create_probe", apply: func(db *gorm.DB) error {
			return CreateTable(db, TableSpec{Name: "probe", Columns: []Column{{Name: "label", Definition: "TEXT"}}})
		}},
		{name: "broken", apply: func(db *gorm.DB) error {
			if err := db.Exec("ALTER TABLE probe ADD COLUMN extra TEXT").Error; err != nil {
				return err
			}
			return errors.New("boom")
		}},
	}

	err := applyMigrations(database, steps, zap.NewNop())
	if !errors.Is(err, ErrMigrationFailed) {
		testContext.Fatalf("expected ErrMigrationFailed, got %v", err)
	}

	version, err := CurrentVersion(database)
	if err != nil {
		testContext.Fatalf("failed to read schema version: %v", err)
	}
	if version != 1 {
		testContext.Fatalf("expected version to stop at 1, got %d", version)
	}
	if database.Migrator().HasColumn("probe", "extra") {
		testContext.Fatalf("expected failed step to roll back")
	}
}

func TestUpdateTriggerBumpsOncePerUpdate(testContext *testing.T) {
	database := openRawDatabase(testContext)
	if err := database.Exec("PRAGMA recursive_triggers = 1").Error; err != nil {
		testContext.Fatalf("failed to enable recursive triggers: %v", err)
	}
	if err := CreateTable(database, TableSpec{Name: "probe", Columns: []Column{{Name: "label", Definition: "TEXT"}}}); err != nil {
		testContext.Fatalf("failed to create table: %v", err)
	}
	if err := database.Exec("INSERT INTO probe (id, label) VALUES ('p1', 'a')").Error; err != nil {
		testContext.Fatalf("failed to insert: %v", err)
	}

	for _, label := range []string{"b", "c"} {
		if err := database.Exec("UPDATE probe SET label = ? WHERE id = 'p1'", label).Error; err != nil {
			testContext.Fatalf("failed to update: %v", err)
		}
	}

	var updates int64
	if err := database.Raw("SELECT updates FROM probe WHERE id = 'p1'").Scan(&updates).Error; err != nil {
		testContext.Fatalf("failed to read updates: %v", err)
	}
	if updates != 2 {
		testContext.Fatalf("expected updates to be 2, got %d", updates)
	}
}

func TestCreateTableRejectsInvalidIdentifiers(testContext *testing.T) {
	database := openRawDatabase(testContext)
	if err := CreateTable(database, TableSpec{Name: "bad name"}); err == nil {
		testContext.Fatalf("expected invalid table name to be rejected")
	}
	if err := CreateIndex(database, "text", "by;drop", "writing"); err == nil {
		testContext.Fatalf("expected invalid index name to be rejected")
	}
}
