package index

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/dicomstore/dicomstore/errors"
)

const (
	propRecyclingHead = "PatientRecyclingHead"
	propRecyclingTail = "PatientRecyclingTail"
)

// TouchPatient moves a patient to the tail of the recycling order, marking
// it as the most recently used. New patients and patients that just
// received a new instance are both touched; the head of the list is
// therefore always the least-recently-touched, non-protected patient -
// the one the storage-ceiling sweep picks first.
func TouchPatient(tx *sql.Tx, patientInternalID int64) error {
	if err := unlinkPatient(tx, patientInternalID); err != nil {
		return err
	}

	tail, err := getGlobalInt(tx, propRecyclingTail)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(
		`INSERT INTO PatientRecyclingOrder (patientId, prev, next) VALUES (?, ?, NULL)
		 ON CONFLICT(patientId) DO UPDATE SET prev = excluded.prev, next = NULL`,
		patientInternalID, tail); err != nil {
		return errors.Wrap(errors.KindInternalError, "index.TouchPatient", "insert failed", err)
	}

	if tail != nil {
		if _, err := tx.Exec(`UPDATE PatientRecyclingOrder SET next = ? WHERE patientId = ?`, patientInternalID, *tail); err != nil {
			return errors.Wrap(errors.KindInternalError, "index.TouchPatient", "link failed", err)
		}
	} else {
		if err := setGlobalInt(tx, propRecyclingHead, patientInternalID); err != nil {
			return err
		}
	}
	if err := setGlobalInt(tx, propRecyclingTail, patientInternalID); err != nil {
		return err
	}
	return nil
}

// unlinkPatient removes a patient from wherever it currently sits in the
// list, relinking its neighbors and fixing up head/tail as needed. It's a
// no-op if the patient isn't in the list yet.
func unlinkPatient(tx *sql.Tx, patientInternalID int64) error {
	row := tx.QueryRow(`SELECT prev, next FROM PatientRecyclingOrder WHERE patientId = ?`, patientInternalID)
	var prev, next sql.NullInt64
	err := row.Scan(&prev, &next)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return errors.Wrap(errors.KindInternalError, "index.unlinkPatient", "query failed", err)
	}

	if prev.Valid {
		if _, err := tx.Exec(`UPDATE PatientRecyclingOrder SET next = ? WHERE patientId = ?`, next, prev.Int64); err != nil {
			return errors.Wrap(errors.KindInternalError, "index.unlinkPatient", "relink prev failed", err)
		}
	} else {
		if err := setGlobalIntOrNull(tx, propRecyclingHead, next); err != nil {
			return err
		}
	}
	if next.Valid {
		if _, err := tx.Exec(`UPDATE PatientRecyclingOrder SET prev = ? WHERE patientId = ?`, prev, next.Int64); err != nil {
			return errors.Wrap(errors.KindInternalError, "index.unlinkPatient", "relink next failed", err)
		}
	} else {
		if err := setGlobalIntOrNull(tx, propRecyclingTail, prev); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`DELETE FROM PatientRecyclingOrder WHERE patientId = ?`, patientInternalID); err != nil {
		return errors.Wrap(errors.KindInternalError, "index.unlinkPatient", "delete failed", err)
	}
	return nil
}

// UnlinkPatient is the exported form used when a patient is deleted (by
// recycling or explicit request) and must be dropped from the list
// entirely, without being re-inserted anywhere.
func UnlinkPatient(tx *sql.Tx, patientInternalID int64) error {
	return unlinkPatient(tx, patientInternalID)
}

// NextPatientToRecycle returns the internal id of the least-recently-used
// non-protected patient, walking the list from the head. It returns
// (0, false, nil) if every patient is protected or none exist.
func NextPatientToRecycle(tx *sql.Tx) (int64, bool, error) {
	head, err := getGlobalInt(tx, propRecyclingHead)
	if err != nil {
		return 0, false, err
	}
	current := head
	for current != nil {
		var protected int
		if err := tx.QueryRow(`SELECT protected FROM Resources WHERE internalId = ?`, *current).Scan(&protected); err != nil {
			return 0, false, errors.Wrap(errors.KindInternalError, "index.NextPatientToRecycle", "query failed", err)
		}
		if protected == 0 {
			return *current, true, nil
		}
		var next sql.NullInt64
		if err := tx.QueryRow(`SELECT next FROM PatientRecyclingOrder WHERE patientId = ?`, *current).Scan(&next); err != nil {
			return 0, false, errors.Wrap(errors.KindInternalError, "index.NextPatientToRecycle", "walk failed", err)
		}
		if !next.Valid {
			break
		}
		current = &next.Int64
	}
	return 0, false, nil
}

func getGlobalInt(tx *sql.Tx, property string) (*int64, error) {
	var v sql.NullString
	err := tx.QueryRow(`SELECT value FROM GlobalProperties WHERE property = ?`, property).Scan(&v)
	if err == sql.ErrNoRows || !v.Valid || v.String == "" {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindInternalError, "index.getGlobalInt", "query failed", err)
	}
	n, parseErr := strconv.ParseInt(v.String, 10, 64)
	if parseErr != nil {
		return nil, errors.Wrap(errors.KindInternalError, "index.getGlobalInt", "parse failed", parseErr)
	}
	return &n, nil
}

func setGlobalInt(tx *sql.Tx, property string, value int64) error {
	_, err := tx.Exec(
		`INSERT INTO GlobalProperties (property, value) VALUES (?, ?)
		 ON CONFLICT(property) DO UPDATE SET value = excluded.value`,
		property, strconv.FormatInt(value, 10))
	if err != nil {
		return errors.Wrap(errors.KindInternalError, "index.setGlobalInt", "upsert failed", err)
	}
	return nil
}

func setGlobalIntOrNull(tx *sql.Tx, property string, value sql.NullInt64) error {
	if !value.Valid {
		_, err := tx.Exec(
			`INSERT INTO GlobalProperties (property, value) VALUES (?, '')
			 ON CONFLICT(property) DO UPDATE SET value = ''`, property)
		if err != nil {
			return errors.Wrap(errors.KindInternalError, "index.setGlobalIntOrNull", "clear failed", err)
		}
		return nil
	}
	return setGlobalInt(tx, property, value.Int64)
}

// StorageUsage reports the two running totals the recycling sweep checks
// against MaximumStorageSize.
func (db *DB) StorageUsage(ctx context.Context) (compressed, uncompressed int64, err error) {
	var c, u string
	if err := db.reader.QueryRowContext(ctx, `SELECT value FROM GlobalProperties WHERE property = 'TotalCompressedSize'`).Scan(&c); err != nil {
		return 0, 0, errors.Wrap(errors.KindInternalError, "index.StorageUsage", "query failed", err)
	}
	if err := db.reader.QueryRowContext(ctx, `SELECT value FROM GlobalProperties WHERE property = 'TotalUncompressedSize'`).Scan(&u); err != nil {
		return 0, 0, errors.Wrap(errors.KindInternalError, "index.StorageUsage", "query failed", err)
	}
	compressed, _ = strconv.ParseInt(c, 10, 64)
	uncompressed, _ = strconv.ParseInt(u, 10, 64)
	return compressed, uncompressed, nil
}

// PatientCount returns the number of patient-level resources.
func (db *DB) PatientCount(ctx context.Context) (int64, error) {
	var n int64
	if err := db.reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM Resources WHERE level = ?`, int(LevelPatient)).Scan(&n); err != nil {
		return 0, errors.Wrap(errors.KindInternalError, "index.PatientCount", "query failed", err)
	}
	return n, nil
}
