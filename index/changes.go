package index

import (
	"context"
	"database/sql"

	"github.com/dicomstore/dicomstore/errors"
)

// ChangeType mirrors the kinds of event the change log records.
type ChangeType int

const (
	ChangeNewPatient ChangeType = iota
	ChangeNewStudy
	ChangeNewSeries
	ChangeNewInstance
	ChangeStableStudy
	ChangeStableSeries
	ChangeStablePatient
	ChangeDeleted
	ChangeUpdatedMetadata
)

// Change is one row of the append-only, monotonically sequenced log that
// lets external consumers (an indexer, a pipeline trigger) replay exactly
// what happened to the store since they last checked in.
type Change struct {
	Seq        int64
	ChangeType ChangeType
	ResourceID int64
	Level      Level
	Date       string
}

// AppendChange inserts one row into the change log. date is an RFC 3339
// timestamp supplied by the caller since time.Now is a workflow-script
// restriction upstream, not a property of this package; production callers
// pass time.Now().UTC().Format(time.RFC3339).
func AppendChange(tx *sql.Tx, changeType ChangeType, resourceID int64, level Level, date string) error {
	_, err := tx.Exec(`INSERT INTO Changes (changeType, resourceId, level, date) VALUES (?, ?, ?, ?)`,
		int(changeType), resourceID, int(level), date)
	if err != nil {
		return errors.Wrap(errors.KindInternalError, "index.AppendChange", "insert failed", err)
	}
	return nil
}

// Changes returns up to limit rows (limit is capped at 100) starting after
// sinceSeq, ordered by seq, plus whether more rows remain beyond the
// returned page.
func (db *DB) Changes(ctx context.Context, sinceSeq int64, limit int) ([]Change, bool, error) {
	if limit > 100 {
		limit = 100
	}
	rows, err := db.reader.QueryContext(ctx,
		`SELECT seq, changeType, resourceId, level, date FROM Changes WHERE seq > ? ORDER BY seq LIMIT ?`,
		sinceSeq, limit+1)
	if err != nil {
		return nil, false, errors.Wrap(errors.KindInternalError, "index.Changes", "query failed", err)
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var c Change
		var ct, lvl int
		if err := rows.Scan(&c.Seq, &ct, &c.ResourceID, &lvl, &c.Date); err != nil {
			return nil, false, errors.Wrap(errors.KindInternalError, "index.Changes", "scan failed", err)
		}
		c.ChangeType = ChangeType(ct)
		c.Level = Level(lvl)
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	more := len(changes) > limit
	if more {
		changes = changes[:limit]
	}
	return changes, more, nil
}

// LastChangeSeq returns the sequence number of the most recent change, or
// zero if the log is empty.
func (db *DB) LastChangeSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := db.reader.QueryRowContext(ctx, `SELECT MAX(seq) FROM Changes`).Scan(&seq); err != nil {
		return 0, errors.Wrap(errors.KindInternalError, "index.LastChangeSeq", "query failed", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
