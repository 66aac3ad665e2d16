package peers

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestRegistry(testContext *testing.T) (*Registry, *gorm.DB) {
	testContext.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "peers.db")), &gorm.Config{
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

	if err := database.Exec(`CREATE TABLE peer (
    id PRIMARY KEY NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    version INTEGER NOT NULL DEFAULT 0,
    address TEXT NOT NULL DEFAULT ''
)`).Error; err != nil {
		testContext.Fatalf("failed to create peer table: %v", err)
	}

	registry, err := NewRegistry(RegistryConfig{Database: database})
	if err != nil {
		testContext.Fatalf("failed to create registry: %v", err)
	}
	return registry, database
}

func TestRenameIsIdempotent(testContext *testing.T) {
	registry, _ := newTestRegistry(testContext)
	ctx := context.Background()

	for attempt := 0; attempt < 2; attempt++ {
		if err := registry.Rename(ctx, "ab12", "Laptop"); err != nil {
			testContext.Fatalf("rename attempt %d failed: %v", attempt, err)
		}
	}

	known, err := registry.List(ctx)
	if err != nil {
		testContext.Fatalf("failed to list peers: %v", err)
	}
	if len(known) != 1 {
		testContext.Fatalf("expected exactly one peer, got %d", len(known))
	}
	if known[0].ID != "AB12" || known[0].Name != "Laptop" {
		testContext.Fatalf("unexpected peer %+v", known[0])
	}
}

func TestAddOrUpdateOverwritesOnlySuppliedFields(testContext *testing.T) {
	registry, _ := newTestRegistry(testContext)
	ctx := context.Background()

	name := "Desk"
	address := "ws://10.0.0.2:7070/sync"
	if err := registry.AddOrUpdate(ctx, "CD34", PeerUpdate{Name: &name, Address: &address}); err != nil {
		testContext.Fatalf("initial upsert failed: %v", err)
	}
	if err := MergeVersions(registry.db, map[string]int64{"CD34": 7}); err != nil {
		testContext.Fatalf("merge failed: %v", err)
	}

	renamed := "Studio"
	if err := registry.AddOrUpdate(ctx, "CD34", PeerUpdate{Name: &renamed}); err != nil {
		testContext.Fatalf("rename failed: %v", err)
	}
	if err := registry.AddOrUpdate(ctx, "CD34", PeerUpdate{}); err != nil {
		testContext.Fatalf("empty update failed: %v", err)
	}

	known, err := registry.List(ctx)
	if err != nil {
		testContext.Fatalf("failed to list peers: %v", err)
	}
	if len(known) != 1 {
		testContext.Fatalf("expected one peer, got %d", len(known))
	}
	peer := known[0]
	if peer.Name != renamed || peer.Address != address || peer.Version != 7 {
		testContext.Fatalf("unexpected peer after partial updates: %+v", peer)
	}
}

func TestVersionOfUnknownPeerIsZero(testContext *testing.T) {
	registry, _ := newTestRegistry(testContext)

	version, err := registry.Version(context.Background(), "EF56")
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if version != 0 {
		testContext.Fatalf("expected zero version, got %d", version)
	}
}

func TestMergeVersionsNeverDecreases(testContext *testing.T) {
	registry, database := newTestRegistry(testContext)
	ctx := context.Background()

	steps := []int64{5, 3, 9, 9, 2}
	expected := []int64{5, 5, 9, 9, 9}
	for index, observed := range steps {
		err := database.Transaction(func(transaction *gorm.DB) error {
			return MergeVersions(transaction, map[string]int64{"ab12": observed})
		})
		if err != nil {
			testContext.Fatalf("merge %d failed: %v", index, err)
		}
		version, err := registry.Version(ctx, "AB12")
		if err != nil {
			testContext.Fatalf("version %d failed: %v", index, err)
		}
		if version != expected[index] {
			testContext.Fatalf("step %d: expected version %d, got %d", index, expected[index], version)
		}
	}
}

func TestInvalidPeerIDRejected(testContext *testing.T) {
	registry, _ := newTestRegistry(testContext)

	err := registry.Rename(context.Background(), "   ", "nobody")
	if !errors.Is(err, ErrInvalidPeerID) {
		testContext.Fatalf("expected ErrInvalidPeerID, got %v", err)
	}
}

func TestRegistryLogsStorageFailures(testContext *testing.T) {
	_, database := newTestRegistry(testContext)
	core, logs := observer.New(zap.ErrorLevel)
	registry, err := NewRegistry(RegistryConfig{Database: database, Logger: zap.New(core)})
	if err != nil {
		testContext.Fatalf("failed to create registry: %v", err)
	}
	if err := database.Exec("DROP TABLE peer").Error; err != nil {
		testContext.Fatalf("failed to drop peer table: %v", err)
	}

	if err := registry.AddOrUpdate(context.Background(), "ab12", PeerUpdate{}); err == nil {
		testContext.Fatalf("expected upsert to fail without a peer table")
	}
	if _, err := registry.List(context.Background()); err == nil {
		testContext.Fatalf("expected list to fail without a peer table")
	}

	if logs.FilterMessage("peer upsert failed").Len() != 1 {
		testContext.Fatalf("expected upsert failure to be logged, got %v", logs.All())
	}
	if logs.FilterMessage("peer list failed").Len() != 1 {
		testContext.Fatalf("expected list failure to be logged, got %v", logs.All())
	}
}
