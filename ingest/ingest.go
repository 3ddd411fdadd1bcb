// Package ingest implements the storage core's single write path: turning
// a raw DICOM file into attached blobs, index rows, and change-log entries,
// or recognizing that it's already there.
package ingest

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/dicomstore/dicomstore/blobstore"
	"github.com/dicomstore/dicomstore/dicom"
	"github.com/dicomstore/dicomstore/errors"
	"github.com/dicomstore/dicomstore/hash"
	"github.com/dicomstore/dicomstore/index"
)

// Status is the outcome of a single Store call.
type Status string

const (
	StatusSuccess      Status = "Success"
	StatusAlreadyStored Status = "AlreadyStored"
	StatusConflict     Status = "AlreadyStored-Conflict"
	StatusFilteredOut  Status = "FilteredOut"
	StatusStorageFull  Status = "StorageFull"
	StatusFailure      Status = "Failure"
)

// ContentType names the two attachment kinds every instance owns.
const (
	ContentTypeDicom   = "dicom"
	ContentTypeSummary = "summary-json"
)

// Pipeline wires the index, blob store, and compression policy together
// into the single `store(bytes) -> (publicInstanceId, status)` operation.
type Pipeline struct {
	DB           *index.DB
	Blobs        *blobstore.Store
	Compressor   blobstore.Compressor
	SourceAET    string

	// MaximumStorageSize, in bytes, triggers recycling when exceeded. Zero
	// means unlimited.
	MaximumStorageSize int64
	// MaximumPatientCount triggers recycling when the patient count would
	// be exceeded by a brand new patient. Zero means unlimited.
	MaximumPatientCount int64
	// OverwriteInstances allows re-ingesting an instance whose bytes
	// differ from what's stored (by MD5) to replace the stored copy
	// instead of being rejected as a conflict.
	OverwriteInstances bool

	Logger *slog.Logger
	Now    func() time.Time
}

// Result is what Store reports back to its caller (the SCP C-STORE
// handler or the REST upload endpoint).
type Result struct {
	PublicInstanceID string
	Status           Status
}

// ResourceSummary describes a resource handed back to a caller that
// addressed it by public id, as lookupResource and deleteResource do.
type ResourceSummary struct {
	PublicID       string
	Level          index.Level
	ParentPublicID string
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Store parses, hashes, writes, and indexes a single DICOM file.
func (p *Pipeline) Store(ctx context.Context, raw []byte) (Result, error) {
	ds, transferSyntax, err := dicom.ParseFile(raw)
	if err != nil {
		return Result{Status: StatusFailure}, errors.Wrap(errors.KindBadFileFormat, "ingest.Store", "cannot parse DICOM file", err)
	}

	patientID := ds.GetString(dicom.TagPatientID)
	studyUID := ds.GetString(dicom.TagStudyInstanceUID)
	seriesUID := ds.GetString(dicom.TagSeriesInstanceUID)
	sopUID := ds.GetString(dicom.TagSOPInstanceUID)

	instanceHash, err := hash.Instance(patientID, studyUID, seriesUID, sopUID)
	if err != nil {
		return Result{Status: StatusFailure}, err
	}
	studyHash, _ := hash.Study(patientID, studyUID)
	seriesHash, _ := hash.Series(patientID, studyUID, seriesUID)
	patientHash := hash.Patient(patientID)

	sum := md5.Sum(raw)
	incomingMD5 := hex.EncodeToString(sum[:])

	txResult, err := index.RunInTransaction(ctx, p.DB, func(tx *sql.Tx) (Result, error) {
		return p.storeInTransaction(ctx, tx, storeArgs{
			raw:          raw,
			ds:           ds,
			transferSyntax: transferSyntax,
			patientID:    patientID,
			patientHash:  patientHash,
			studyUID:     studyUID,
			studyHash:    studyHash,
			seriesUID:    seriesUID,
			seriesHash:   seriesHash,
			sopUID:       sopUID,
			instanceHash: instanceHash,
			incomingMD5:  incomingMD5,
		})
	})
	if err != nil {
		return Result{Status: StatusFailure}, err
	}

	for _, del := range txResult.Deletions {
		if removeErr := p.Blobs.Remove(del.UUID); removeErr != nil {
			p.logger().Warn("failed to reclaim blob after commit", "uuid", del.UUID, "error", removeErr)
		}
	}
	for _, anc := range txResult.Ancestors {
		p.logger().Debug("ancestor survived deletion", "level", anc.Level.String(), "public_id", anc.PublicID)
	}

	return txResult.Value, nil
}

// Delete removes the resource identified by publicID/level: every
// descendant (via ON DELETE CASCADE), every attachment and blob beneath
// it, and then every ancestor left with no remaining children, per the
// data model's "a resource with zero children is automatically removed"
// invariant. Deleting a patient's last child removes the patient itself.
func (p *Pipeline) Delete(ctx context.Context, publicID string, level index.Level) (ResourceSummary, error) {
	txResult, err := index.RunInTransaction(ctx, p.DB, func(tx *sql.Tx) (ResourceSummary, error) {
		res, err := index.FindResourceTx(tx, publicID, level)
		if err != nil {
			return ResourceSummary{}, err
		}
		if res == nil {
			return ResourceSummary{}, errors.New(errors.KindInexistentItem, "ingest.Delete", "resource not found")
		}

		summary := ResourceSummary{PublicID: res.PublicID, Level: res.Level}
		if res.ParentID.Valid {
			var parentPublicID string
			if scanErr := tx.QueryRow(`SELECT publicId FROM Resources WHERE internalId = ?`, res.ParentID.Int64).Scan(&parentPublicID); scanErr != nil {
				return ResourceSummary{}, errors.Wrap(errors.KindInternalError, "ingest.Delete", "cannot resolve parent", scanErr)
			}
			summary.ParentPublicID = parentPublicID
		}

		if err := index.DeleteResource(tx, res.InternalID); err != nil {
			return ResourceSummary{}, err
		}
		return summary, nil
	})
	if err != nil {
		return ResourceSummary{}, err
	}

	for _, del := range txResult.Deletions {
		if removeErr := p.Blobs.Remove(del.UUID); removeErr != nil {
			p.logger().Warn("failed to reclaim blob after delete", "uuid", del.UUID, "error", removeErr)
		}
	}
	for _, anc := range txResult.Ancestors {
		p.logger().Debug("ancestor survived deletion", "level", anc.Level.String(), "public_id", anc.PublicID)
	}

	return txResult.Value, nil
}

type storeArgs struct {
	raw            []byte
	ds             *dicom.Dataset
	transferSyntax string
	patientID      string
	patientHash    string
	studyUID       string
	studyHash      string
	seriesUID      string
	seriesHash     string
	sopUID         string
	instanceHash   string
	incomingMD5    string
}

func (p *Pipeline) storeInTransaction(ctx context.Context, tx *sql.Tx, a storeArgs) (Result, error) {
	existing, err := index.FindResourceTx(tx, a.instanceHash, index.LevelInstance)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		stored, err := index.AttachedFileTx(tx, existing.InternalID, ContentTypeDicom)
		if err != nil {
			return Result{}, err
		}
		if stored != nil && stored.UncompressedHash == a.incomingMD5 {
			return Result{PublicInstanceID: a.instanceHash, Status: StatusAlreadyStored}, nil
		}
		if !p.OverwriteInstances {
			return Result{PublicInstanceID: a.instanceHash, Status: StatusConflict}, nil
		}
		if err := p.overwriteInstance(tx, existing.InternalID, a); err != nil {
			return Result{}, err
		}
		return Result{PublicInstanceID: a.instanceHash, Status: StatusSuccess}, nil
	}

	patient, created, err := p.findOrCreatePatient(tx, a.patientHash, a.ds)
	if err != nil {
		return Result{}, err
	}
	if created {
		if err := index.AppendChange(tx, index.ChangeNewPatient, patient.InternalID, index.LevelPatient, p.nowString()); err != nil {
			return Result{}, err
		}
		if err := p.enforcePatientCountLimit(tx, patient.InternalID); err != nil {
			return Result{}, err
		}
	}
	if err := index.TouchPatient(tx, patient.InternalID); err != nil {
		return Result{}, err
	}

	study, created, err := p.findOrCreateChild(tx, a.studyHash, index.LevelStudy, patient.InternalID, a.ds, "Study")
	if err != nil {
		return Result{}, err
	}
	if created {
		if err := index.AppendChange(tx, index.ChangeNewStudy, study.InternalID, index.LevelStudy, p.nowString()); err != nil {
			return Result{}, err
		}
	}

	series, created, err := p.findOrCreateChild(tx, a.seriesHash, index.LevelSeries, study.InternalID, a.ds, "Series")
	if err != nil {
		return Result{}, err
	}
	if created {
		if err := index.AppendChange(tx, index.ChangeNewSeries, series.InternalID, index.LevelSeries, p.nowString()); err != nil {
			return Result{}, err
		}
	}

	instanceID, err := index.CreateResource(tx, a.instanceHash, index.LevelInstance, sql.NullInt64{Int64: series.InternalID, Valid: true})
	if err != nil {
		return Result{}, err
	}
	if err := index.SetMainDicomTags(tx, instanceID, tagMap(a.ds, "Instance")); err != nil {
		return Result{}, err
	}

	if err := p.writeAttachments(tx, instanceID, a); err != nil {
		return Result{}, err
	}

	if err := index.SetMetadata(tx, instanceID, "SourceAET", p.SourceAET); err != nil {
		return Result{}, err
	}
	if v := a.ds.GetString(dicom.TagInstanceNumber); v != "" {
		if err := index.SetMetadata(tx, instanceID, "IndexInSeries", v); err != nil {
			return Result{}, err
		}
	}
	if err := index.SetMetadata(tx, instanceID, "LastUpdate", p.nowString()); err != nil {
		return Result{}, err
	}

	if err := index.AppendChange(tx, index.ChangeNewInstance, instanceID, index.LevelInstance, p.nowString()); err != nil {
		return Result{}, err
	}

	if err := p.enforceStorageLimits(ctx, tx); err != nil {
		return Result{}, err
	}

	return Result{PublicInstanceID: a.instanceHash, Status: StatusSuccess}, nil
}

func (p *Pipeline) overwriteInstance(tx *sql.Tx, instanceID int64, a storeArgs) error {
	old, err := index.AttachedFileTx(tx, instanceID, ContentTypeDicom)
	if err != nil {
		return err
	}
	if old != nil {
		if _, err := tx.Exec(`DELETE FROM AttachedFiles WHERE id = ?`, instanceID); err != nil {
			return errors.Wrap(errors.KindInternalError, "ingest.overwriteInstance", "cannot clear old attachment", err)
		}
	}
	return p.writeAttachments(tx, instanceID, a)
}

func (p *Pipeline) writeAttachments(tx *sql.Tx, instanceID int64, a storeArgs) error {
	compressor := p.Compressor
	if compressor == nil {
		compressor = blobstore.NoneCompressor{}
	}

	compressed, err := compressor.Compress(a.raw)
	if err != nil {
		return errors.Wrap(errors.KindInternalError, "ingest.writeAttachments", "cannot compress blob", err)
	}
	compressedSum := md5.Sum(compressed)

	blobUUID, err := p.Blobs.Create(a.raw, compressor)
	if err != nil {
		return errors.Wrap(errors.KindInternalError, "ingest.writeAttachments", "cannot write blob", err)
	}
	compressedSize, sizeErr := p.Blobs.Size(blobUUID)
	if sizeErr != nil {
		return sizeErr
	}

	kind := "none"
	if _, ok := compressor.(blobstore.ZlibCompressor); ok {
		kind = "zlib"
	}

	if err := index.AddAttachedFile(tx, instanceID, index.AttachedFile{
		ContentType:      ContentTypeDicom,
		UUID:             blobUUID,
		CompressionKind:  kind,
		UncompressedSize: int64(len(a.raw)),
		CompressedSize:   compressedSize,
		UncompressedHash: a.incomingMD5,
		CompressedHash:   hex.EncodeToString(compressedSum[:]),
	}); err != nil {
		return err
	}

	summary := summaryJSON(a.ds)
	summaryUUID, err := p.Blobs.Create(summary, blobstore.NoneCompressor{})
	if err != nil {
		return errors.Wrap(errors.KindInternalError, "ingest.writeAttachments", "cannot write summary blob", err)
	}
	summarySum := md5.Sum(summary)
	summaryHash := hex.EncodeToString(summarySum[:])
	if err := index.AddAttachedFile(tx, instanceID, index.AttachedFile{
		ContentType:      ContentTypeSummary,
		UUID:             summaryUUID,
		CompressionKind:  "none",
		UncompressedSize: int64(len(summary)),
		CompressedSize:   int64(len(summary)),
		UncompressedHash: summaryHash,
		CompressedHash:   summaryHash,
	}); err != nil {
		return err
	}
	return nil
}

func (p *Pipeline) findOrCreatePatient(tx *sql.Tx, patientHash string, ds *dicom.Dataset) (*index.Resource, bool, error) {
	existing, err := index.FindResourceTx(tx, patientHash, index.LevelPatient)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if err := p.checkMainTagConsistency(tx, existing.InternalID, ds, "Patient"); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	id, err := index.CreateResource(tx, patientHash, index.LevelPatient, sql.NullInt64{})
	if err != nil {
		return nil, false, err
	}
	if err := index.SetMainDicomTags(tx, id, tagMap(ds, "Patient")); err != nil {
		return nil, false, err
	}
	return &index.Resource{InternalID: id, PublicID: patientHash, Level: index.LevelPatient}, true, nil
}

func (p *Pipeline) findOrCreateChild(tx *sql.Tx, publicID string, level index.Level, parentID int64, ds *dicom.Dataset, tagGroup string) (*index.Resource, bool, error) {
	existing, err := index.FindResourceTx(tx, publicID, level)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	id, err := index.CreateResource(tx, publicID, level, sql.NullInt64{Int64: parentID, Valid: true})
	if err != nil {
		return nil, false, err
	}
	if err := index.SetMainDicomTags(tx, id, tagMap(ds, tagGroup)); err != nil {
		return nil, false, err
	}
	return &index.Resource{InternalID: id, PublicID: publicID, Level: level}, true, nil
}

// checkMainTagConsistency rejects an ingest whose patient-level tags
// disagree with what's already stored, unless OverwriteInstances is set,
// in which case the stored tags are updated in place.
func (p *Pipeline) checkMainTagConsistency(tx *sql.Tx, patientInternalID int64, ds *dicom.Dataset, tagGroup string) error {
	incoming := tagMap(ds, tagGroup)

	rows, err := tx.Query(`SELECT tag, value FROM MainDicomTags WHERE id = ?`, patientInternalID)
	if err != nil {
		return errors.Wrap(errors.KindInternalError, "ingest.checkMainTagConsistency", "query failed", err)
	}
	stored := make(map[string]string)
	for rows.Next() {
		var t, v string
		if scanErr := rows.Scan(&t, &v); scanErr != nil {
			rows.Close()
			return errors.Wrap(errors.KindInternalError, "ingest.checkMainTagConsistency", "scan failed", scanErr)
		}
		stored[t] = v
	}
	rows.Close()

	conflict := false
	for tag, value := range incoming {
		if existingValue, ok := stored[tag]; ok && existingValue != value {
			conflict = true
			break
		}
	}
	if !conflict {
		return nil
	}
	if !p.OverwriteInstances {
		return errors.New(errors.KindBadRequest, "ingest.checkMainTagConsistency", "patient main tags conflict with stored resource")
	}
	return index.SetMainDicomTags(tx, patientInternalID, incoming)
}

// enforcePatientCountLimit recycles other patients until the just-created
// patient fits under MaximumPatientCount. It never recycles the patient it
// was called for, even if that patient has no instances yet.
func (p *Pipeline) enforcePatientCountLimit(tx *sql.Tx, newPatientInternalID int64) error {
	if p.MaximumPatientCount <= 0 {
		return nil
	}
	for {
		var count int64
		if err := tx.QueryRow(`SELECT COUNT(*) FROM Resources WHERE level = ?`, int(index.LevelPatient)).Scan(&count); err != nil {
			return errors.Wrap(errors.KindInternalError, "ingest.enforcePatientCountLimit", "count failed", err)
		}
		if count <= p.MaximumPatientCount {
			return nil
		}
		patientID, ok, err := index.NextPatientToRecycle(tx)
		if err != nil {
			return err
		}
		if !ok || patientID == newPatientInternalID {
			return errors.New(errors.KindStorageFull, "ingest.enforcePatientCountLimit", "no non-protected patient left to recycle")
		}
		if err := index.UnlinkPatient(tx, patientID); err != nil {
			return err
		}
		if err := index.DeleteResource(tx, patientID); err != nil {
			return err
		}
	}
}

func (p *Pipeline) enforceStorageLimits(ctx context.Context, tx *sql.Tx) error {
	if p.MaximumStorageSize <= 0 {
		return nil
	}
	for {
		compressed, _, err := p.storageUsageTx(tx)
		if err != nil {
			return err
		}
		if compressed <= p.MaximumStorageSize {
			return nil
		}
		recycled, err := p.recycleOnePatient(tx)
		if err != nil {
			return err
		}
		if !recycled {
			return errors.New(errors.KindStorageFull, "ingest.enforceStorageLimits", "no non-protected patient left to recycle")
		}
	}
}

func (p *Pipeline) storageUsageTx(tx *sql.Tx) (compressed, uncompressed int64, err error) {
	var c, u string
	if scanErr := tx.QueryRow(`SELECT value FROM GlobalProperties WHERE property = 'TotalCompressedSize'`).Scan(&c); scanErr != nil {
		return 0, 0, errors.Wrap(errors.KindInternalError, "ingest.storageUsageTx", "query failed", scanErr)
	}
	if scanErr := tx.QueryRow(`SELECT value FROM GlobalProperties WHERE property = 'TotalUncompressedSize'`).Scan(&u); scanErr != nil {
		return 0, 0, errors.Wrap(errors.KindInternalError, "ingest.storageUsageTx", "query failed", scanErr)
	}
	compressed = parseSize(c)
	uncompressed = parseSize(u)
	return compressed, uncompressed, nil
}

func (p *Pipeline) recycleOnePatient(tx *sql.Tx) (bool, error) {
	patientID, ok, err := index.NextPatientToRecycle(tx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := index.UnlinkPatient(tx, patientID); err != nil {
		return false, err
	}
	if err := index.DeleteResource(tx, patientID); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Pipeline) nowString() string {
	return p.now().UTC().Format(time.RFC3339Nano)
}

func tagMap(ds *dicom.Dataset, level string) map[string]string {
	out := make(map[string]string)
	for _, tag := range dicom.MainTags[level] {
		if v := ds.GetString(tag); v != "" {
			out[tag.String()] = v
		}
	}
	return out
}

func summaryJSON(ds *dicom.Dataset) []byte {
	summary := make(map[string]string)
	for _, tags := range dicom.MainTags {
		for _, tag := range tags {
			if v := ds.GetString(tag); v != "" {
				summary[tag.String()] = v
			}
		}
	}
	encoded, err := json.Marshal(summary)
	if err != nil {
		return []byte("{}")
	}
	return encoded
}

func parseSize(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
