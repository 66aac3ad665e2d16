package changelog_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"testing"

	"github.com/MarcoPoloResearchLab/inkwell/internal/changelog"
	"github.com/MarcoPoloResearchLab/inkwell/internal/database"
	"github.com/MarcoPoloResearchLab/inkwell/internal/peers"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	tableWriting = "writing"
	writingPK    = "w-1"
)

type replicaStore struct {
	db       *gorm.DB
	store    *changelog.Store
	registry *peers.Registry
}

func openReplica(testContext *testing.T) replicaStore {
	testContext.Helper()
	db, err := database.OpenSQLite(filepath.Join(testContext.TempDir(), "inkwell.db"), zap.NewNop())
	require.NoError(testContext, err)
	sqlDB, err := db.DB()
	require.NoError(testContext, err)
	testContext.Cleanup(func() { _ = sqlDB.Close() })

	store, err := changelog.NewStore(context.Background(), changelog.StoreConfig{Database: db})
	require.NoError(testContext, err)
	registry, err := peers.NewRegistry(peers.RegistryConfig{Database: db})
	require.NoError(testContext, err)
	return replicaStore{db: db, store: store, registry: registry}
}

func (r replicaStore) insertWriting(testContext *testing.T, pk, title string) {
	testContext.Helper()
	require.NoError(testContext, r.store.Update(context.Background(), func(tx *changelog.Tx) error {
		return tx.Insert(tableWriting, pk, map[string]any{
			"title":      title,
			"idx":        int64(0),
			"current":    "",
			"created_at": "2026-01-02 03:04:05",
		})
	}))
}

func (r replicaStore) setTitle(testContext *testing.T, pk, title string) {
	testContext.Helper()
	require.NoError(testContext, r.store.Update(context.Background(), func(tx *changelog.Tx) error {
		return tx.Update(tableWriting, pk, map[string]any{"title": title})
	}))
}

func (r replicaStore) ownChanges(testContext *testing.T) []changelog.ChangeRecord {
	testContext.Helper()
	changes, err := r.store.ChangesSince(context.Background(), 0, r.store.SiteID())
	require.NoError(testContext, err)
	return changes
}

func (r replicaStore) apply(testContext *testing.T, records []changelog.ChangeRecord) changelog.ApplyResult {
	testContext.Helper()
	result, err := r.store.ApplyChanges(context.Background(), records)
	require.NoError(testContext, err)
	return result
}

type writingRow struct {
	ID      string
	Title   string
	Idx     int64
	Current string
}

func (r replicaStore) writings(testContext *testing.T) []writingRow {
	testContext.Helper()
	var rows []writingRow
	require.NoError(testContext, r.db.Table(tableWriting).Select("id, title, idx, current").Order("id").Scan(&rows).Error)
	return rows
}

func (r replicaStore) cellSnapshot(testContext *testing.T) []changelog.ChangeRecord {
	testContext.Helper()
	versions := map[string]int64{}
	for _, origin := range []string{r.store.SiteID()} {
		versions[origin] = 0
	}
	known, err := r.registry.List(context.Background())
	require.NoError(testContext, err)
	for _, peer := range known {
		versions[peer.ID] = 0
	}
	changes, err := r.store.ChangesForOrigins(context.Background(), versions)
	require.NoError(testContext, err)
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].PK != changes[j].PK {
			return changes[i].PK < changes[j].PK
		}
		return changes[i].Column < changes[j].Column
	})
	return changes
}

func TestUpdateRecordsOneVersionPerTransaction(testContext *testing.T) {
	alpha := openReplica(testContext)
	alpha.insertWriting(testContext, writingPK, "draft")

	changes := alpha.ownChanges(testContext)
	require.Len(testContext, changes, 5)
	for index, record := range changes {
		require.Equal(testContext, int64(1), record.ChangeVersion)
		require.Equal(testContext, int64(index), record.Sequence)
		require.Equal(testContext, int64(1), record.CausalLength)
		require.Equal(testContext, alpha.store.SiteID(), record.SiteID)
	}
	require.True(testContext, changes[0].IsSentinel())

	alpha.setTitle(testContext, writingPK, "final")
	version, err := alpha.store.DBVersion(context.Background())
	require.NoError(testContext, err)
	require.Equal(testContext, int64(2), version)

	later, err := alpha.store.ChangesSince(context.Background(), 1, alpha.store.SiteID())
	require.NoError(testContext, err)
	require.Len(testContext, later, 1)
	require.Equal(testContext, "title", later[0].Column)
	require.Equal(testContext, int64(2), later[0].ColumnVersion)
	require.JSONEq(testContext, `"final"`, string(later[0].Value))
}

func TestTrackedMutationErrors(testContext *testing.T) {
	alpha := openReplica(testContext)
	alpha.insertWriting(testContext, writingPK, "draft")
	ctx := context.Background()

	err := alpha.store.Update(ctx, func(tx *changelog.Tx) error {
		return tx.Insert(tableWriting, writingPK, map[string]any{"title": "again"})
	})
	require.ErrorIs(testContext, err, changelog.ErrRowExists)

	err = alpha.store.Update(ctx, func(tx *changelog.Tx) error {
		return tx.Update(tableWriting, "missing", map[string]any{"title": "x"})
	})
	require.ErrorIs(testContext, err, changelog.ErrRowNotFound)

	err = alpha.store.Update(ctx, func(tx *changelog.Tx) error {
		return tx.Update(tableWriting, writingPK, map[string]any{"updates": int64(9)})
	})
	require.ErrorIs(testContext, err, changelog.ErrUntrackedColumn)

	err = alpha.store.Update(ctx, func(tx *changelog.Tx) error {
		return tx.Insert("device", "2", map[string]any{"name": "x"})
	})
	require.ErrorIs(testContext, err, changelog.ErrUntrackedTable)

	version, err := alpha.store.DBVersion(ctx)
	require.NoError(testContext, err)
	require.Equal(testContext, int64(1), version, "failed transactions must not consume versions")
}

func TestApplyChangesIsIdempotent(testContext *testing.T) {
	alpha := openReplica(testContext)
	beta := openReplica(testContext)
	alpha.insertWriting(testContext, writingPK, "draft")
	alpha.setTitle(testContext, writingPK, "final")
	changes := alpha.ownChanges(testContext)

	first := beta.apply(testContext, changes)
	require.Equal(testContext, len(changes), first.Applied)
	afterFirst := beta.writings(testContext)
	cellsAfterFirst := beta.cellSnapshot(testContext)

	second := beta.apply(testContext, changes)
	require.Zero(testContext, second.Applied)
	require.False(testContext, second.Changed())
	require.Equal(testContext, afterFirst, beta.writings(testContext))
	require.Equal(testContext, cellsAfterFirst, beta.cellSnapshot(testContext))

	require.Equal(testContext, []writingRow{{ID: writingPK, Title: "final"}}, afterFirst)
}

func TestApplyChangesIsCommutative(testContext *testing.T) {
	alpha := openReplica(testContext)
	beta := openReplica(testContext)
	alpha.insertWriting(testContext, writingPK, "draft")
	beta.apply(testContext, alpha.ownChanges(testContext))

	alpha.setTitle(testContext, writingPK, "from alpha")
	beta.setTitle(testContext, writingPK, "from beta")
	beta.insertWriting(testContext, "w-2", "beta only")

	fromAlpha := alpha.ownChanges(testContext)
	fromBeta := beta.ownChanges(testContext)

	forward := openReplica(testContext)
	forward.apply(testContext, fromAlpha)
	forward.apply(testContext, fromBeta)

	backward := openReplica(testContext)
	backward.apply(testContext, fromBeta)
	backward.apply(testContext, fromAlpha)

	require.Equal(testContext, forward.writings(testContext), backward.writings(testContext))
	require.Equal(testContext, forward.cellSnapshot(testContext), backward.cellSnapshot(testContext))

	expected := "from alpha"
	if beta.store.SiteID() > alpha.store.SiteID() {
		expected = "from beta"
	}
	rows := forward.writings(testContext)
	require.Len(testContext, rows, 2)
	require.Equal(testContext, expected, rows[0].Title)

	alpha.apply(testContext, fromBeta)
	beta.apply(testContext, fromAlpha)
	require.Equal(testContext, alpha.writings(testContext), beta.writings(testContext))
	require.Equal(testContext, forward.writings(testContext), alpha.writings(testContext))
}

func TestApplyChangesSkipsSelfOrigin(testContext *testing.T) {
	alpha := openReplica(testContext)
	beta := openReplica(testContext)
	alpha.insertWriting(testContext, writingPK, "draft")
	changes := alpha.ownChanges(testContext)

	beta.apply(testContext, changes)
	beta.setTitle(testContext, writingPK, "beta edit")
	echoed := append(beta.ownChanges(testContext), changes...)

	result := alpha.apply(testContext, changes)
	require.Zero(testContext, result.Applied)
	require.Equal(testContext, len(changes), result.Skipped)
	require.Empty(testContext, result.Origins)

	result = alpha.apply(testContext, echoed)
	require.Equal(testContext, 1, result.Applied)
	require.Equal(testContext, len(changes), result.Skipped)
	require.NotContains(testContext, result.Origins, alpha.store.SiteID())

	known, err := alpha.registry.List(context.Background())
	require.NoError(testContext, err)
	for _, peer := range known {
		require.NotEqual(testContext, alpha.store.SiteID(), peer.ID)
	}
}

func TestApplyChangesAdvancesHighWaterMarkMonotonically(testContext *testing.T) {
	alpha := openReplica(testContext)
	beta := openReplica(testContext)
	ctx := context.Background()

	alpha.insertWriting(testContext, writingPK, "draft")
	alpha.setTitle(testContext, writingPK, "second")
	alpha.setTitle(testContext, writingPK, "third")
	changes := alpha.ownChanges(testContext)

	var older []changelog.ChangeRecord
	for _, record := range changes {
		if record.ChangeVersion == 1 {
			older = append(older, record)
		}
	}

	beta.apply(testContext, changes)
	version, err := beta.registry.Version(ctx, alpha.store.SiteID())
	require.NoError(testContext, err)
	require.Equal(testContext, int64(3), version)

	beta.apply(testContext, older)
	version, err = beta.registry.Version(ctx, alpha.store.SiteID())
	require.NoError(testContext, err)
	require.Equal(testContext, int64(3), version)
	require.Equal(testContext, "third", beta.writings(testContext)[0].Title)
}

func TestDeleteAndResurrectReplicate(testContext *testing.T) {
	alpha := openReplica(testContext)
	beta := openReplica(testContext)
	ctx := context.Background()

	alpha.insertWriting(testContext, writingPK, "draft")
	beta.apply(testContext, alpha.ownChanges(testContext))
	require.Len(testContext, beta.writings(testContext), 1)

	require.NoError(testContext, alpha.store.Update(ctx, func(tx *changelog.Tx) error {
		return tx.Delete(tableWriting, writingPK)
	}))
	deleted := alpha.ownChanges(testContext)
	require.Len(testContext, deleted, 1)
	require.True(testContext, deleted[0].IsSentinel())
	require.Equal(testContext, int64(2), deleted[0].CausalLength)

	beta.apply(testContext, deleted)
	require.Empty(testContext, beta.writings(testContext))

	beta.setTitleExpectingMissing(testContext, writingPK)

	alpha.insertWriting(testContext, writingPK, "back")
	beta.apply(testContext, alpha.ownChanges(testContext))
	rows := beta.writings(testContext)
	require.Len(testContext, rows, 1)
	require.Equal(testContext, "back", rows[0].Title)
}

func (r replicaStore) setTitleExpectingMissing(testContext *testing.T, pk string) {
	testContext.Helper()
	err := r.store.Update(context.Background(), func(tx *changelog.Tx) error {
		return tx.Update(tableWriting, pk, map[string]any{"title": "ghost"})
	})
	require.True(testContext, errors.Is(err, changelog.ErrRowNotFound))
}

func TestStaleCellsLoseToDeletion(testContext *testing.T) {
	alpha := openReplica(testContext)
	beta := openReplica(testContext)
	ctx := context.Background()

	alpha.insertWriting(testContext, writingPK, "draft")
	beta.apply(testContext, alpha.ownChanges(testContext))

	beta.setTitle(testContext, writingPK, "concurrent edit")
	require.NoError(testContext, alpha.store.Update(ctx, func(tx *changelog.Tx) error {
		return tx.Delete(tableWriting, writingPK)
	}))

	alpha.apply(testContext, beta.ownChanges(testContext))
	require.Empty(testContext, alpha.writings(testContext))

	beta.apply(testContext, alpha.ownChanges(testContext))
	require.Empty(testContext, beta.writings(testContext))
}

func TestApplyChangesSkipsMalformedAndUntracked(testContext *testing.T) {
	alpha := openReplica(testContext)
	foreign := "0123456789ABCDEF0123456789ABCDEF"

	records := []changelog.ChangeRecord{
		{Table: "device", PK: "1", Column: "name", Value: json.RawMessage(`"x"`), ColumnVersion: 1, ChangeVersion: 1, SiteID: foreign, CausalLength: 1},
		{Table: tableWriting, PK: "", Column: "title", Value: json.RawMessage(`"x"`), ColumnVersion: 1, ChangeVersion: 1, SiteID: foreign, CausalLength: 1},
		{Table: tableWriting, PK: "w-9", Column: "updates", Value: json.RawMessage(`5`), ColumnVersion: 1, ChangeVersion: 1, SiteID: foreign, CausalLength: 1},
		{Table: tableWriting, PK: "w-9", Column: "title", Value: json.RawMessage(`null`), ColumnVersion: 1, ChangeVersion: 1, SiteID: foreign, CausalLength: 1},
		{Table: tableWriting, PK: "w-9", Column: "title", Value: json.RawMessage(`"kept"`), ColumnVersion: 1, ChangeVersion: 2, SiteID: foreign, CausalLength: 1},
	}

	result := alpha.apply(testContext, records)
	require.Equal(testContext, 1, result.Applied)
	require.Equal(testContext, 4, result.Skipped)

	rows := alpha.writings(testContext)
	require.Len(testContext, rows, 1)
	require.Equal(testContext, "kept", rows[0].Title)
}

func TestApplyChangesRollsBackWholeBatchOnFailure(testContext *testing.T) {
	alpha := openReplica(testContext)
	beta := openReplica(testContext)
	ctx := context.Background()

	alpha.insertWriting(testContext, writingPK, "kept out")
	alpha.insertWriting(testContext, "w-bad", "rejected")
	changes := alpha.ownChanges(testContext)
	require.Greater(testContext, len(changes), 2)
	require.Equal(testContext, writingPK, changes[0].PK)

	require.NoError(testContext, beta.db.Exec(`CREATE TRIGGER reject_bad_title
BEFORE UPDATE OF title ON writing
WHEN NEW.id = 'w-bad'
BEGIN
    SELECT RAISE(ABORT, 'boom');
END`).Error)

	_, err := beta.store.ApplyChanges(ctx, changes)
	require.Error(testContext, err)
	require.Contains(testContext, err.Error(), "w-bad")

	require.Empty(testContext, beta.writings(testContext))
	version, err := beta.registry.Version(ctx, alpha.store.SiteID())
	require.NoError(testContext, err)
	require.Equal(testContext, int64(0), version)
}
