package index

import (
	"context"
	"database/sql"

	"github.com/dicomstore/dicomstore/errors"
)

// ExportedResource is one row of the log recording that a resource was
// sent to a remote AE via C-STORE SCU, C-MOVE, or the REST peer API.
type ExportedResource struct {
	Seq        int64
	ResourceID string
	Level      Level
	RemoteAET  string
	Date       string
	PatientID  string
	StudyUID   string
	SeriesUID  string
	SOPUID     string
}

// AppendExport inserts one row into the exports log.
func AppendExport(tx *sql.Tx, e ExportedResource) error {
	_, err := tx.Exec(
		`INSERT INTO ExportedResources (resourceId, level, remoteAET, date, patientId, studyUid, seriesUid, sopUid)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ResourceID, int(e.Level), e.RemoteAET, e.Date, e.PatientID, e.StudyUID, e.SeriesUID, e.SOPUID)
	if err != nil {
		return errors.Wrap(errors.KindInternalError, "index.AppendExport", "insert failed", err)
	}
	return nil
}

// Exports returns up to limit rows (limit is capped at 100) starting after
// sinceSeq, plus whether more rows remain beyond the returned page.
func (db *DB) Exports(ctx context.Context, sinceSeq int64, limit int) ([]ExportedResource, bool, error) {
	if limit > 100 {
		limit = 100
	}
	rows, err := db.reader.QueryContext(ctx,
		`SELECT seq, resourceId, level, remoteAET, date, patientId, studyUid, seriesUid, sopUid
		 FROM ExportedResources WHERE seq > ? ORDER BY seq LIMIT ?`,
		sinceSeq, limit+1)
	if err != nil {
		return nil, false, errors.Wrap(errors.KindInternalError, "index.Exports", "query failed", err)
	}
	defer rows.Close()

	var exports []ExportedResource
	for rows.Next() {
		var e ExportedResource
		var lvl int
		if err := rows.Scan(&e.Seq, &e.ResourceID, &lvl, &e.RemoteAET, &e.Date,
			&e.PatientID, &e.StudyUID, &e.SeriesUID, &e.SOPUID); err != nil {
			return nil, false, errors.Wrap(errors.KindInternalError, "index.Exports", "scan failed", err)
		}
		e.Level = Level(lvl)
		exports = append(exports, e)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	more := len(exports) > limit
	if more {
		exports = exports[:limit]
	}
	return exports, more, nil
}
