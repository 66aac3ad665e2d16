package changelog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/inkwell/internal/peers"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	reasonSelfOrigin      = "self_origin"
	reasonInvalidRecord   = "invalid_record"
	reasonUntrackedTarget = "untracked_target"
	reasonNullValue       = "null_value"
)

// ApplyChanges merges foreign change records in a single transaction. Records that originate
// locally are never re-applied. The highest change version seen per origin is merged into the
// peer table before the transaction commits; any failure rolls the whole batch back.
func (store *Store) ApplyChanges(ctx context.Context, records []ChangeRecord) (ApplyResult, error) {
	result := ApplyResult{Origins: map[string]int64{}}
	if len(records) == 0 {
		return result, nil
	}

	store.writeMu.Lock()
	defer store.writeMu.Unlock()

	transactionError := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		result = ApplyResult{Origins: map[string]int64{}}
		for _, record := range records {
			record.SiteID = strings.ToUpper(record.SiteID)
			if record.SiteID == store.siteID {
				result.Skipped++
				store.logSkip(record, reasonSelfOrigin)
				continue
			}
			if err := record.validate(); err != nil {
				result.Skipped++
				store.logSkip(record, reasonInvalidRecord)
				continue
			}
			if record.ChangeVersion > result.Origins[record.SiteID] {
				result.Origins[record.SiteID] = record.ChangeVersion
			}

			applied, err := store.mergeRecord(transaction, record)
			if err != nil {
				return fmt.Errorf("changelog: merge %s/%s/%s: %w", record.Table, record.PK, record.Column, err)
			}
			if applied {
				result.Applied++
			} else {
				result.Skipped++
			}
		}
		if err := peers.MergeVersions(transaction, result.Origins); err != nil {
			return fmt.Errorf("changelog: advance peer versions: %w", err)
		}
		return nil
	})
	if transactionError != nil {
		store.logger.Error("change batch rejected",
			zap.Int("records", len(records)),
			zap.Error(transactionError))
		return ApplyResult{}, transactionError
	}
	return result, nil
}

func (store *Store) mergeRecord(transaction *gorm.DB, record ChangeRecord) (bool, error) {
	columns, err := store.trackedColumns(transaction, record.Table)
	if errors.Is(err, ErrUntrackedTable) {
		store.logSkip(record, reasonUntrackedTarget)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !record.IsSentinel() {
		if _, ok := columns[record.Column]; !ok {
			store.logSkip(record, reasonUntrackedTarget)
			return false, nil
		}
		if isNullValue(record.Value) {
			store.logSkip(record, reasonNullValue)
			return false, nil
		}
	}

	sentinel, err := loadCell(transaction, record.Table, record.PK, SentinelColumn)
	if err != nil {
		return false, err
	}
	localLength := int64(0)
	if sentinel != nil {
		localLength = sentinel.CL
	}
	if record.CausalLength < localLength {
		return false, nil
	}

	if record.IsSentinel() {
		return store.mergeSentinel(transaction, record, sentinel, localLength)
	}

	if record.CausalLength > localLength {
		if err := store.advanceRow(transaction, record, localLength); err != nil {
			return false, err
		}
	}

	existing, err := loadCell(transaction, record.Table, record.PK, record.Column)
	if err != nil {
		return false, err
	}
	if existing != nil && existing.CL == record.CausalLength && !wins(record, *existing) {
		return false, nil
	}
	if err := saveCell(transaction, cellFromChange(record)); err != nil {
		return false, err
	}
	if err := materializeCell(transaction, record); err != nil {
		return false, err
	}
	return true, nil
}

func (store *Store) mergeSentinel(transaction *gorm.DB, record ChangeRecord, sentinel *cellRecord, localLength int64) (bool, error) {
	if record.CausalLength == localLength && sentinel != nil && !wins(record, *sentinel) {
		return false, nil
	}
	if err := saveCell(transaction, cellFromChange(record)); err != nil {
		return false, err
	}
	if record.CausalLength == localLength {
		return true, nil
	}
	if err := dropRowCells(transaction, record.Table, record.PK); err != nil {
		return false, err
	}
	if isLive(record.CausalLength) {
		return true, ensureRow(transaction, record.Table, record.PK)
	}
	return true, deleteRow(transaction, record.Table, record.PK)
}

// advanceRow moves a row to the causal length carried by a cell that outran its sentinel.
// The synthesized sentinel has column version 0 so the origin's own sentinel replaces it.
func (store *Store) advanceRow(transaction *gorm.DB, record ChangeRecord, localLength int64) error {
	if localLength > 0 {
		if err := dropRowCells(transaction, record.Table, record.PK); err != nil {
			return err
		}
	}
	synthesized := cellRecord{
		Table:      record.Table,
		PK:         record.PK,
		Column:     SentinelColumn,
		ColVersion: 0,
		DBVersion:  record.ChangeVersion,
		SiteID:     record.SiteID,
		CL:         record.CausalLength,
		Seq:        record.Sequence,
	}
	if err := saveCell(transaction, synthesized); err != nil {
		return err
	}
	return ensureRow(transaction, record.Table, record.PK)
}

func ensureRow(transaction *gorm.DB, table, pk string) error {
	return transaction.Table(table).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(map[string]any{"id": pk}).Error
}

func deleteRow(transaction *gorm.DB, table, pk string) error {
	return transaction.Exec("DELETE FROM "+quoteIdentifier(table)+" WHERE id = ?", pk).Error
}

func materializeCell(transaction *gorm.DB, record ChangeRecord) error {
	value, err := decodeValue(record.Value)
	if err != nil {
		return err
	}
	return transaction.Table(record.Table).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{record.Column}),
		}).
		Create(map[string]any{"id": record.PK, record.Column: value}).Error
}

func isNullValue(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func decodeValue(raw json.RawMessage) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("%w: undecodable value", ErrInvalidChange)
	}
	switch typed := value.(type) {
	case json.Number:
		if integer, err := typed.Int64(); err == nil {
			return integer, nil
		}
		return typed.Float64()
	case string, bool:
		return typed, nil
	default:
		return string(raw), nil
	}
}

func (store *Store) logSkip(record ChangeRecord, reason string) {
	store.logger.Debug("change record skipped",
		zap.String("reason", reason),
		zap.String("table", record.Table),
		zap.String("pk", record.PK),
		zap.String("cid", record.Column),
		zap.String("site_id", record.SiteID),
		zap.Int64("db_version", record.ChangeVersion))
}
