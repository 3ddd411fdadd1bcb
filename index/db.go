// Package index implements the transactional relational store that tracks
// the patient/study/series/instance hierarchy, its main DICOM tags, and the
// attachments each instance owns. It is the single source of truth for
// "what is stored"; the blob store only knows about opaque UUIDs.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dicomstore/dicomstore/errors"
)

// Level enumerates the four resource levels, ordered patient-to-instance
// so that Level+1 is always "one level deeper".
type Level int

const (
	LevelPatient Level = iota
	LevelStudy
	LevelSeries
	LevelInstance
)

func (l Level) String() string {
	switch l {
	case LevelPatient:
		return "Patient"
	case LevelStudy:
		return "Study"
	case LevelSeries:
		return "Series"
	case LevelInstance:
		return "Instance"
	default:
		return "Unknown"
	}
}

// DB wraps the two connection pools the index keeps open against the same
// SQLite file: a single-connection writer opened with _txlock=immediate so
// every write transaction grabs SQLite's write lock up front, and a
// multi-connection read-only pool so concurrent finds and lookups never
// wait behind each other.
//
// Write ordering is additionally serialized by mu: SQLite already
// serializes writers, but mu lets RunInTransaction treat "drain the trigger
// staging tables, then commit the SQL transaction" as one atomic sequence
// with respect to other writers.
type DB struct {
	writer *sql.DB
	reader *sql.DB
	mu     sync.Mutex
	logger *slog.Logger
}

// Open creates (if needed) and opens the SQLite database file at path,
// applying the schema idempotently.
func Open(path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	writer, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_txlock=immediate&_foreign_keys=on", path))
	if err != nil {
		return nil, errors.Wrap(errors.KindInternalError, "index.Open", "cannot open writer connection", err)
	}
	writer.SetMaxOpenConns(1)

	reader, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro&_foreign_keys=on", path))
	if err != nil {
		writer.Close()
		return nil, errors.Wrap(errors.KindInternalError, "index.Open", "cannot open reader connection", err)
	}
	reader.SetMaxOpenConns(4)

	if _, err := writer.Exec(schema); err != nil {
		writer.Close()
		reader.Close()
		return nil, errors.Wrap(errors.KindInternalError, "index.Open", "cannot apply schema", err)
	}

	db := &DB{writer: writer, reader: reader, logger: logger}
	if err := db.initGlobalProperties(); err != nil {
		writer.Close()
		reader.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) initGlobalProperties() error {
	defaults := map[string]string{
		"TotalCompressedSize":   "0",
		"TotalUncompressedSize": "0",
	}
	for k, v := range defaults {
		if _, err := db.writer.Exec(
			`INSERT INTO GlobalProperties (property, value) VALUES (?, ?)
			 ON CONFLICT(property) DO NOTHING`, k, v); err != nil {
			return errors.Wrap(errors.KindInternalError, "index.initGlobalProperties", "cannot seed global property", err)
		}
	}
	return nil
}

// Close releases both connection pools.
func (db *DB) Close() error {
	err1 := db.writer.Close()
	err2 := db.reader.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// AncestorEvent is the notification emitted once per commit for each
// ancestor resource that survived a deletion beneath it (a "this study now
// has one fewer series" style signal).
type AncestorEvent struct {
	Level    Level
	PublicID string
}

// DeletedFileEvent is the notification emitted once per commit for each
// attachment whose row was removed, telling the caller to reclaim the blob.
type DeletedFileEvent struct {
	UUID            string
	CompressionKind string
}

// TxResult carries whatever an AttachedFiles/Resources mutation's callback
// produced, alongside the staged post-commit notifications.
type TxResult[T any] struct {
	Value      T
	Ancestors  []AncestorEvent
	Deletions  []DeletedFileEvent
}

// RunInTransaction executes fn within a single SQLite write transaction,
// serialized against every other writer by mu. If fn returns an error the
// transaction is rolled back and no notifications fire. On success the
// trigger staging tables are drained and cleared in the same transaction,
// and their contents are returned for the caller to act on once this
// function has returned (blob deletions, orphan notifications) - never
// while still holding mu.
func RunInTransaction[T any](ctx context.Context, db *DB, fn func(tx *sql.Tx) (T, error)) (TxResult[T], error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var zero TxResult[T]

	tx, err := db.writer.BeginTx(ctx, nil)
	if err != nil {
		return zero, errors.Wrap(errors.KindInternalError, "index.RunInTransaction", "cannot begin transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	value, err := fn(tx)
	if err != nil {
		return zero, err
	}

	ancestors, err := drainAncestors(tx)
	if err != nil {
		return zero, err
	}
	deletions, err := drainDeletedFiles(tx)
	if err != nil {
		return zero, err
	}

	if err := tx.Commit(); err != nil {
		return zero, errors.Wrap(errors.KindDatabaseCannotSerialize, "index.RunInTransaction", "commit failed", err)
	}
	committed = true

	return TxResult[T]{Value: value, Ancestors: ancestors, Deletions: deletions}, nil
}

func drainAncestors(tx *sql.Tx) ([]AncestorEvent, error) {
	rows, err := tx.Query(`SELECT level, publicId FROM RemainingAncestor ORDER BY seq`)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternalError, "index.drainAncestors", "query failed", err)
	}
	defer rows.Close()

	var events []AncestorEvent
	for rows.Next() {
		var ev AncestorEvent
		var level int
		if err := rows.Scan(&level, &ev.PublicID); err != nil {
			return nil, errors.Wrap(errors.KindInternalError, "index.drainAncestors", "scan failed", err)
		}
		ev.Level = Level(level)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`DELETE FROM RemainingAncestor`); err != nil {
		return nil, errors.Wrap(errors.KindInternalError, "index.drainAncestors", "clear failed", err)
	}
	return events, nil
}

func drainDeletedFiles(tx *sql.Tx) ([]DeletedFileEvent, error) {
	rows, err := tx.Query(`SELECT uuid, compressionKind FROM DeletedFiles ORDER BY seq`)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternalError, "index.drainDeletedFiles", "query failed", err)
	}
	defer rows.Close()

	var events []DeletedFileEvent
	for rows.Next() {
		var ev DeletedFileEvent
		if err := rows.Scan(&ev.UUID, &ev.CompressionKind); err != nil {
			return nil, errors.Wrap(errors.KindInternalError, "index.drainDeletedFiles", "scan failed", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`DELETE FROM DeletedFiles`); err != nil {
		return nil, errors.Wrap(errors.KindInternalError, "index.drainDeletedFiles", "clear failed", err)
	}
	return events, nil
}
