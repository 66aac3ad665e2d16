package changelog

import (
	"encoding/json"
	"fmt"
	"sort"

	"gorm.io/gorm"
)

// Tx is a tracked write transaction. Every mutation made through it is written to the
// target table and mirrored into the change log under a single local change version.
type Tx struct {
	store   *Store
	db      *gorm.DB
	version int64
	seq     int64
}

// DB returns the transaction handle for reads and untracked writes.
func (tx *Tx) DB() *gorm.DB {
	return tx.db
}

// SiteID returns the identity stamped on records produced by this transaction.
func (tx *Tx) SiteID() string {
	return tx.store.siteID
}

// Insert creates a new row. It fails with ErrRowExists when the row is live.
func (tx *Tx) Insert(table, pk string, values map[string]any) error {
	columns, err := tx.checkValues(table, pk, values)
	if err != nil {
		return err
	}
	exists, err := tx.rowExists(table, pk)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s/%s", ErrRowExists, table, pk)
	}

	causalLength := int64(1)
	sentinel, err := loadCell(tx.db, table, pk, SentinelColumn)
	if err != nil {
		return err
	}
	if sentinel != nil {
		causalLength = sentinel.CL
		if !isLive(causalLength) {
			causalLength++
		}
	}

	row := make(map[string]any, len(values)+1)
	for column, value := range values {
		row[column] = value
	}
	row["id"] = pk
	if err := tx.db.Table(table).Create(row).Error; err != nil {
		return err
	}
	if err := tx.writeSentinel(table, pk, causalLength); err != nil {
		return err
	}
	return tx.writeCells(table, pk, columns, values, causalLength)
}

// Upsert inserts the row when it is absent and updates the supplied columns otherwise.
func (tx *Tx) Upsert(table, pk string, values map[string]any) error {
	exists, err := tx.rowExists(table, pk)
	if err != nil {
		return err
	}
	if exists {
		return tx.Update(table, pk, values)
	}
	return tx.Insert(table, pk, values)
}

// Update overwrites only the supplied columns of a live row.
func (tx *Tx) Update(table, pk string, values map[string]any) error {
	columns, err := tx.checkValues(table, pk, values)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}
	result := tx.db.Table(table).Where("id = ?", pk).Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s/%s", ErrRowNotFound, table, pk)
	}

	causalLength, err := tx.liveCausalLength(table, pk)
	if err != nil {
		return err
	}
	return tx.writeCells(table, pk, columns, values, causalLength)
}

// Delete removes a row and records the deletion as an even causal length on the row sentinel.
func (tx *Tx) Delete(table, pk string) error {
	if _, err := tx.store.trackedColumns(tx.db, table); err != nil {
		return err
	}
	result := tx.db.Exec("DELETE FROM "+quoteIdentifier(table)+" WHERE id = ?", pk)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s/%s", ErrRowNotFound, table, pk)
	}

	causalLength, err := tx.liveCausalLength(table, pk)
	if err != nil {
		return err
	}
	if err := dropRowCells(tx.db, table, pk); err != nil {
		return err
	}
	return tx.writeSentinel(table, pk, causalLength+1)
}

func (tx *Tx) checkValues(table, pk string, values map[string]any) ([]string, error) {
	if pk == "" {
		return nil, fmt.Errorf("%w: empty primary key", ErrInvalidChange)
	}
	tracked, err := tx.store.trackedColumns(tx.db, table)
	if err != nil {
		return nil, err
	}
	columns := make([]string, 0, len(values))
	for column, value := range values {
		if _, ok := tracked[column]; !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUntrackedColumn, table, column)
		}
		if value == nil {
			return nil, fmt.Errorf("%w: %s.%s", ErrNullValue, table, column)
		}
		columns = append(columns, column)
	}
	sort.Strings(columns)
	return columns, nil
}

func (tx *Tx) rowExists(table, pk string) (bool, error) {
	var count int64
	if err := tx.db.Table(table).Where("id = ?", pk).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// liveCausalLength returns the causal length of a live row, writing a sentinel for rows
// that predate change tracking.
func (tx *Tx) liveCausalLength(table, pk string) (int64, error) {
	sentinel, err := loadCell(tx.db, table, pk, SentinelColumn)
	if err != nil {
		return 0, err
	}
	if sentinel != nil && isLive(sentinel.CL) {
		return sentinel.CL, nil
	}
	causalLength := int64(1)
	if sentinel != nil {
		causalLength = sentinel.CL + 1
	}
	if err := tx.writeSentinel(table, pk, causalLength); err != nil {
		return 0, err
	}
	return causalLength, nil
}

func (tx *Tx) nextVersion() (int64, error) {
	if tx.version > 0 {
		return tx.version, nil
	}
	if err := tx.db.Model(&siteRecord{}).
		Where("id = ?", siteRowID).
		Update(columnDBVersion, gorm.Expr(incrementDBVersion)).Error; err != nil {
		return 0, err
	}
	var site siteRecord
	if err := tx.db.Select(columnDBVersion).Where("id = ?", siteRowID).Take(&site).Error; err != nil {
		return 0, err
	}
	tx.version = site.DBVersion
	return tx.version, nil
}

func (tx *Tx) nextRecord(table, pk, column string, causalLength int64) (cellRecord, error) {
	version, err := tx.nextVersion()
	if err != nil {
		return cellRecord{}, err
	}
	seq := tx.seq
	tx.seq++
	return cellRecord{
		Table:     table,
		PK:        pk,
		Column:    column,
		DBVersion: version,
		SiteID:    tx.store.siteID,
		CL:        causalLength,
		Seq:       seq,
	}, nil
}

func (tx *Tx) writeSentinel(table, pk string, causalLength int64) error {
	cell, err := tx.nextRecord(table, pk, SentinelColumn, causalLength)
	if err != nil {
		return err
	}
	cell.ColVersion = causalLength
	return saveCell(tx.db, cell)
}

func (tx *Tx) writeCells(table, pk string, columns []string, values map[string]any, causalLength int64) error {
	for _, column := range columns {
		encoded, err := json.Marshal(values[column])
		if err != nil {
			return fmt.Errorf("changelog: encode %s.%s: %w", table, column, err)
		}
		previous, err := loadCell(tx.db, table, pk, column)
		if err != nil {
			return err
		}
		cell, err := tx.nextRecord(table, pk, column, causalLength)
		if err != nil {
			return err
		}
		cell.ColVersion = 1
		if previous != nil {
			cell.ColVersion = previous.ColVersion + 1
		}
		value := string(encoded)
		cell.Value = &value
		if err := saveCell(tx.db, cell); err != nil {
			return err
		}
	}
	return nil
}
