package index

import (
	"context"
	"database/sql"

	"github.com/dicomstore/dicomstore/errors"
)

// Resource is a single node of the patient/study/series/instance tree.
type Resource struct {
	InternalID int64
	PublicID   string
	Level      Level
	ParentID   sql.NullInt64
	Protected  bool
}

// LookupResource finds a resource by its public id, scoped to level so a
// hash collision across levels (practically impossible, SHA-1 space) can
// never return the wrong kind of resource.
func (db *DB) LookupResource(ctx context.Context, publicID string, level Level) (*Resource, error) {
	row := db.reader.QueryRowContext(ctx,
		`SELECT internalId, publicId, level, parentId, protected FROM Resources WHERE publicId = ? AND level = ?`,
		publicID, int(level))
	return scanResource(row)
}

func scanResource(row *sql.Row) (*Resource, error) {
	var r Resource
	var level int
	var protected int
	if err := row.Scan(&r.InternalID, &r.PublicID, &level, &r.ParentID, &protected); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.New(errors.KindInexistentItem, "index.LookupResource", "resource not found")
		}
		return nil, errors.Wrap(errors.KindInternalError, "index.LookupResource", "query failed", err)
	}
	r.Level = Level(level)
	r.Protected = protected != 0
	return &r, nil
}

// CreateResource inserts a resource row and, for non-patient levels, a
// PatientRecyclingOrder touch is NOT performed here - callers that create
// a patient (directly or as a side effect of ingesting an instance) must
// call TouchPatient separately once the whole chain exists.
func CreateResource(tx *sql.Tx, publicID string, level Level, parentID sql.NullInt64) (int64, error) {
	res, err := tx.Exec(`INSERT INTO Resources (publicId, level, parentId) VALUES (?, ?, ?)`,
		publicID, int(level), parentID)
	if err != nil {
		return 0, errors.Wrap(errors.KindInternalError, "index.CreateResource", "insert failed", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(errors.KindInternalError, "index.CreateResource", "cannot read inserted id", err)
	}
	return id, nil
}

// FindResourceTx is CreateResource's read-your-writes counterpart: look up
// a resource within an in-flight transaction, so callers composing several
// steps (find-or-create patient, then study, then series...) see their own
// uncommitted inserts.
func FindResourceTx(tx *sql.Tx, publicID string, level Level) (*Resource, error) {
	row := tx.QueryRow(
		`SELECT internalId, publicId, level, parentId, protected FROM Resources WHERE publicId = ? AND level = ?`,
		publicID, int(level))
	var r Resource
	var lvl, protected int
	err := row.Scan(&r.InternalID, &r.PublicID, &lvl, &r.ParentID, &protected)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindInternalError, "index.FindResourceTx", "query failed", err)
	}
	r.Level = Level(lvl)
	r.Protected = protected != 0
	return &r, nil
}

// DeleteResource deletes a resource and, via ON DELETE CASCADE, every
// descendant, attachment, and tag beneath it, then walks back up the
// ancestor chain removing every ancestor left with zero children - a
// series or study with no children is removed, and removing the last
// child of a patient removes the patient. Deletion is staged by the
// schema's triggers; call this inside RunInTransaction so the staged
// AncestorEvent/DeletedFileEvent rows are drained and returned.
func DeleteResource(tx *sql.Tx, internalID int64) error {
	var parentID sql.NullInt64
	var level int
	err := tx.QueryRow(`SELECT parentId, level FROM Resources WHERE internalId = ?`, internalID).Scan(&parentID, &level)
	if err == sql.ErrNoRows {
		return errors.New(errors.KindInexistentItem, "index.DeleteResource", "resource not found")
	}
	if err != nil {
		return errors.Wrap(errors.KindInternalError, "index.DeleteResource", "lookup failed", err)
	}
	if Level(level) == LevelPatient {
		if err := unlinkPatient(tx, internalID); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`DELETE FROM Resources WHERE internalId = ?`, internalID); err != nil {
		return errors.Wrap(errors.KindInternalError, "index.DeleteResource", "delete failed", err)
	}
	return deleteEmptyAncestors(tx, parentID)
}

// deleteEmptyAncestors removes parentID and, in turn, its own parent, for
// as long as each one has no remaining children. It stops at the first
// ancestor that still has children, or once it runs off the top of the
// tree (a patient's parentId is always NULL).
func deleteEmptyAncestors(tx *sql.Tx, parentID sql.NullInt64) error {
	for parentID.Valid {
		id := parentID.Int64
		n, err := CountChildrenTx(tx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}

		var level int
		var publicID string
		var grandparentID sql.NullInt64
		if err := tx.QueryRow(`SELECT level, publicId, parentId FROM Resources WHERE internalId = ?`, id).Scan(&level, &publicID, &grandparentID); err != nil {
			return errors.Wrap(errors.KindInternalError, "index.deleteEmptyAncestors", "lookup failed", err)
		}
		if Level(level) == LevelPatient {
			if err := unlinkPatient(tx, id); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(`DELETE FROM Resources WHERE internalId = ?`, id); err != nil {
			return errors.Wrap(errors.KindInternalError, "index.deleteEmptyAncestors", "delete failed", err)
		}
		// Resources_stage_orphan just staged this resource as a surviving
		// ancestor when its child was removed above; it isn't surviving.
		if _, err := tx.Exec(`DELETE FROM RemainingAncestor WHERE level = ? AND publicId = ?`, level, publicID); err != nil {
			return errors.Wrap(errors.KindInternalError, "index.deleteEmptyAncestors", "clear stale ancestor event failed", err)
		}
		parentID = grandparentID
	}
	return nil
}

// SetMainDicomTags replaces the main-tag set for a resource. Called both on
// first ingestion and, under OverwriteInstances, on patient merge.
func SetMainDicomTags(tx *sql.Tx, internalID int64, tags map[string]string) error {
	if _, err := tx.Exec(`DELETE FROM MainDicomTags WHERE id = ?`, internalID); err != nil {
		return errors.Wrap(errors.KindInternalError, "index.SetMainDicomTags", "clear failed", err)
	}
	for tag, value := range tags {
		if _, err := tx.Exec(`INSERT INTO MainDicomTags (id, tag, value) VALUES (?, ?, ?)`, internalID, tag, value); err != nil {
			return errors.Wrap(errors.KindInternalError, "index.SetMainDicomTags", "insert failed", err)
		}
	}
	return nil
}

// MainDicomTags returns the stored tag→value map for a resource.
func (db *DB) MainDicomTags(ctx context.Context, internalID int64) (map[string]string, error) {
	rows, err := db.reader.QueryContext(ctx, `SELECT tag, value FROM MainDicomTags WHERE id = ?`, internalID)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternalError, "index.MainDicomTags", "query failed", err)
	}
	defer rows.Close()

	tags := make(map[string]string)
	for rows.Next() {
		var tag, value string
		if err := rows.Scan(&tag, &value); err != nil {
			return nil, errors.Wrap(errors.KindInternalError, "index.MainDicomTags", "scan failed", err)
		}
		tags[tag] = value
	}
	return tags, rows.Err()
}

// SetMetadata upserts a single metadata value (e.g. TransferSyntax, a
// RemoteAET, or the instance's IndexInSeries) for a resource.
func SetMetadata(tx *sql.Tx, internalID int64, metaType, value string) error {
	_, err := tx.Exec(
		`INSERT INTO Metadata (id, type, value) VALUES (?, ?, ?)
		 ON CONFLICT(id, type) DO UPDATE SET value = excluded.value`,
		internalID, metaType, value)
	if err != nil {
		return errors.Wrap(errors.KindInternalError, "index.SetMetadata", "upsert failed", err)
	}
	return nil
}

// Metadata returns the metadata map for a resource.
func (db *DB) Metadata(ctx context.Context, internalID int64) (map[string]string, error) {
	rows, err := db.reader.QueryContext(ctx, `SELECT type, value FROM Metadata WHERE id = ?`, internalID)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternalError, "index.Metadata", "query failed", err)
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var t, v string
		if err := rows.Scan(&t, &v); err != nil {
			return nil, errors.Wrap(errors.KindInternalError, "index.Metadata", "scan failed", err)
		}
		meta[t] = v
	}
	return meta, rows.Err()
}

// AttachedFile describes one blob owned by a resource.
type AttachedFile struct {
	ContentType      string
	UUID             string
	CompressionKind  string
	UncompressedSize int64
	CompressedSize   int64
	UncompressedHash string
	CompressedHash   string
}

// AddAttachedFile records a blob against a resource. Its insert trigger
// rolls the GlobalProperties size totals forward in the same statement.
func AddAttachedFile(tx *sql.Tx, internalID int64, f AttachedFile) error {
	_, err := tx.Exec(
		`INSERT INTO AttachedFiles (id, contentType, uuid, compressionKind, uncompressedSize, compressedSize, uncompressedHash, compressedHash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		internalID, f.ContentType, f.UUID, f.CompressionKind, f.UncompressedSize, f.CompressedSize, f.UncompressedHash, f.CompressedHash)
	if err != nil {
		return errors.Wrap(errors.KindInternalError, "index.AddAttachedFile", "insert failed", err)
	}
	return nil
}

// AttachedFileTx reads an attachment within an in-flight transaction.
func AttachedFileTx(tx *sql.Tx, internalID int64, contentType string) (*AttachedFile, error) {
	row := tx.QueryRow(
		`SELECT contentType, uuid, compressionKind, uncompressedSize, compressedSize, uncompressedHash, compressedHash
		 FROM AttachedFiles WHERE id = ? AND contentType = ?`, internalID, contentType)
	var f AttachedFile
	err := row.Scan(&f.ContentType, &f.UUID, &f.CompressionKind, &f.UncompressedSize, &f.CompressedSize, &f.UncompressedHash, &f.CompressedHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindInternalError, "index.AttachedFileTx", "query failed", err)
	}
	return &f, nil
}

// AttachedFile reads an attachment outside of a transaction (read path).
func (db *DB) AttachedFile(ctx context.Context, internalID int64, contentType string) (*AttachedFile, error) {
	row := db.reader.QueryRowContext(ctx,
		`SELECT contentType, uuid, compressionKind, uncompressedSize, compressedSize, uncompressedHash, compressedHash
		 FROM AttachedFiles WHERE id = ? AND contentType = ?`, internalID, contentType)
	var f AttachedFile
	err := row.Scan(&f.ContentType, &f.UUID, &f.CompressionKind, &f.UncompressedSize, &f.CompressedSize, &f.UncompressedHash, &f.CompressedHash)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.KindInexistentItem, "index.AttachedFile", "attachment not found")
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindInternalError, "index.AttachedFile", "query failed", err)
	}
	return &f, nil
}

// QueryResourcesContext runs a caller-supplied SELECT against Resources
// and scans every row into a Resource. It exists so the finder can build
// its own WHERE clauses (by level, by parent) without the index package
// needing to know every shape a query might take.
func (db *DB) QueryResourcesContext(ctx context.Context, query string, args ...any) ([]Resource, error) {
	rows, err := db.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternalError, "index.QueryResourcesContext", "query failed", err)
	}
	defer rows.Close()

	var resources []Resource
	for rows.Next() {
		var r Resource
		var level, protected int
		if err := rows.Scan(&r.InternalID, &r.PublicID, &level, &r.ParentID, &protected); err != nil {
			return nil, errors.Wrap(errors.KindInternalError, "index.QueryResourcesContext", "scan failed", err)
		}
		r.Level = Level(level)
		r.Protected = protected != 0
		resources = append(resources, r)
	}
	return resources, rows.Err()
}

// CountChildrenTx returns how many direct children a resource has, used by
// deleteEmptyAncestors to decide whether an ancestor has been left empty.
func CountChildrenTx(tx *sql.Tx, internalID int64) (int, error) {
	var n int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM Resources WHERE parentId = ?`, internalID).Scan(&n); err != nil {
		return 0, errors.Wrap(errors.KindInternalError, "index.CountChildrenTx", "query failed", err)
	}
	return n, nil
}

// SetProtected flips the per-patient protection flag. Protected patients
// are never chosen by the recycling sweep.
func SetProtected(tx *sql.Tx, patientInternalID int64, protected bool) error {
	v := 0
	if protected {
		v = 1
	}
	if _, err := tx.Exec(`UPDATE Resources SET protected = ? WHERE internalId = ? AND level = ?`, v, patientInternalID, int(LevelPatient)); err != nil {
		return errors.Wrap(errors.KindInternalError, "index.SetProtected", "update failed", err)
	}
	return nil
}

// IsProtected reports a patient's protection flag.
func (db *DB) IsProtected(ctx context.Context, patientInternalID int64) (bool, error) {
	var v int
	err := db.reader.QueryRowContext(ctx, `SELECT protected FROM Resources WHERE internalId = ? AND level = ?`,
		patientInternalID, int(LevelPatient)).Scan(&v)
	if err != nil {
		return false, errors.Wrap(errors.KindInternalError, "index.IsProtected", "query failed", err)
	}
	return v != 0, nil
}
