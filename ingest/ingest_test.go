package ingest

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/dicomstore/dicomstore/blobstore"
	"github.com/dicomstore/dicomstore/dicom"
	"github.com/dicomstore/dicomstore/hash"
	"github.com/dicomstore/dicomstore/index"
)

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	dir := t.TempDir()

	db, err := index.Open(filepath.Join(dir, "index.db"), nil)
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	blobs, err := blobstore.New(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}

	return &Pipeline{DB: db, Blobs: blobs, Compressor: blobstore.NoneCompressor{}, SourceAET: "TESTAE"}
}

func syntheticCT(patientID, studyUID, seriesUID, sopUID string) []byte {
	ds := dicom.NewDataset()
	ds.AddElement(dicom.TagPatientID, dicom.VR_LO, patientID)
	ds.AddElement(dicom.TagStudyInstanceUID, dicom.VR_UI, studyUID)
	ds.AddElement(dicom.TagSeriesInstanceUID, dicom.VR_UI, seriesUID)
	ds.AddElement(dicom.TagSOPInstanceUID, dicom.VR_UI, sopUID)
	ds.AddElement(dicom.TagSOPClassUID, dicom.VR_UI, "1.2.840.10008.5.1.4.1.1.2")
	ds.AddElement(dicom.TagModality, dicom.VR_CS, "CT")
	encoded, err := dicom.EncodeDatasetWithTransferSyntax(ds, dicom.TransferSyntaxImplicitVRLittleEndian)
	if err != nil {
		panic(err)
	}
	return encoded
}

func TestStoreNewInstance(t *testing.T) {
	p := newTestPipeline(t)
	raw := syntheticCT("P1", "1.2.3", "1.2.3.4", "1.2.3.4.5")

	result, err := p.Store(context.Background(), raw)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if result.Status != StatusSuccess {
		t.Fatalf("Status = %v, want Success", result.Status)
	}

	want, _ := hash.Instance("P1", "1.2.3", "1.2.3.4", "1.2.3.4.5")
	if result.PublicInstanceID != want {
		t.Errorf("PublicInstanceID = %q, want %q", result.PublicInstanceID, want)
	}

	res, err := p.DB.LookupResource(context.Background(), want, index.LevelInstance)
	if err != nil {
		t.Fatalf("LookupResource: %v", err)
	}
	if res.PublicID != want {
		t.Errorf("lookup returned wrong resource")
	}
}

func TestStoreIdempotent(t *testing.T) {
	p := newTestPipeline(t)
	raw := syntheticCT("P1", "1.2.3", "1.2.3.4", "1.2.3.4.5")

	first, err := p.Store(context.Background(), raw)
	if err != nil {
		t.Fatalf("first Store: %v", err)
	}
	second, err := p.Store(context.Background(), raw)
	if err != nil {
		t.Fatalf("second Store: %v", err)
	}

	if first.PublicInstanceID != second.PublicInstanceID {
		t.Errorf("ids differ across re-ingest: %q vs %q", first.PublicInstanceID, second.PublicInstanceID)
	}
	if second.Status != StatusAlreadyStored {
		t.Errorf("second Status = %v, want AlreadyStored", second.Status)
	}
}

func TestStoreBuildsAncestorChain(t *testing.T) {
	p := newTestPipeline(t)
	raw := syntheticCT("P1", "1.2.3", "1.2.3.4", "1.2.3.4.5")

	if _, err := p.Store(context.Background(), raw); err != nil {
		t.Fatalf("Store: %v", err)
	}

	patientHash := hash.Patient("P1")
	studyHash, _ := hash.Study("P1", "1.2.3")
	seriesHash, _ := hash.Series("P1", "1.2.3", "1.2.3.4")

	for _, tc := range []struct {
		id    string
		level index.Level
	}{
		{patientHash, index.LevelPatient},
		{studyHash, index.LevelStudy},
		{seriesHash, index.LevelSeries},
	} {
		if _, err := p.DB.LookupResource(context.Background(), tc.id, tc.level); err != nil {
			t.Errorf("LookupResource(%s, %v): %v", tc.id, tc.level, err)
		}
	}
}

func TestStoreRecordsBothCompressedAndUncompressedMD5(t *testing.T) {
	p := newTestPipeline(t)
	p.Compressor = blobstore.ZlibCompressor{}
	raw := syntheticCT("P1", "1.2.3", "1.2.3.4", "1.2.3.4.5")

	result, err := p.Store(context.Background(), raw)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	res, err := p.DB.LookupResource(context.Background(), result.PublicInstanceID, index.LevelInstance)
	if err != nil {
		t.Fatalf("LookupResource: %v", err)
	}
	attachment, err := p.DB.AttachedFile(context.Background(), res.InternalID, ContentTypeDicom)
	if err != nil {
		t.Fatalf("AttachedFile: %v", err)
	}

	uncompressedSum := md5.Sum(raw)
	wantUncompressed := hex.EncodeToString(uncompressedSum[:])
	if attachment.UncompressedHash != wantUncompressed {
		t.Errorf("UncompressedHash = %q, want %q", attachment.UncompressedHash, wantUncompressed)
	}

	compressedBytes, err := blobstore.ZlibCompressor{}.Compress(raw)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	compressedSum := md5.Sum(compressedBytes)
	wantCompressed := hex.EncodeToString(compressedSum[:])
	if attachment.CompressedHash != wantCompressed {
		t.Errorf("CompressedHash = %q, want %q", attachment.CompressedHash, wantCompressed)
	}
	if attachment.CompressedHash == attachment.UncompressedHash {
		t.Errorf("compressed and uncompressed MD5 should differ when zlib compression is applied")
	}

	stored, err := p.Blobs.Read(attachment.UUID, blobstore.ZlibCompressor{})
	if err != nil {
		t.Fatalf("Blobs.Read: %v", err)
	}
	storedSum := md5.Sum(stored)
	if hex.EncodeToString(storedSum[:]) != wantUncompressed {
		t.Errorf("round-tripped blob does not match original input bytes")
	}
}

func TestDeletePatientCascadesEverything(t *testing.T) {
	p := newTestPipeline(t)
	raw := syntheticCT("P1", "1.2.3", "1.2.3.4", "1.2.3.4.5")

	if _, err := p.Store(context.Background(), raw); err != nil {
		t.Fatalf("Store: %v", err)
	}

	patientHash := hash.Patient("P1")
	studyHash, _ := hash.Study("P1", "1.2.3")
	seriesHash, _ := hash.Series("P1", "1.2.3", "1.2.3.4")
	instanceHash, _ := hash.Instance("P1", "1.2.3", "1.2.3.4", "1.2.3.4.5")

	summary, err := p.Delete(context.Background(), patientHash, index.LevelPatient)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if summary.PublicID != patientHash || summary.Level != index.LevelPatient {
		t.Errorf("Delete summary = %+v, want PublicID %q at LevelPatient", summary, patientHash)
	}

	for _, tc := range []struct {
		id    string
		level index.Level
	}{
		{patientHash, index.LevelPatient},
		{studyHash, index.LevelStudy},
		{seriesHash, index.LevelSeries},
		{instanceHash, index.LevelInstance},
	} {
		if _, err := p.DB.LookupResource(context.Background(), tc.id, tc.level); err == nil {
			t.Errorf("LookupResource(%s, %v) succeeded after delete, want NotFound", tc.id, tc.level)
		}
	}
}

func TestDeleteSeriesLeavesNonEmptyAncestorsInPlace(t *testing.T) {
	p := newTestPipeline(t)
	if _, err := p.Store(context.Background(), syntheticCT("P1", "1.2.3", "1.2.3.4", "1.2.3.4.5")); err != nil {
		t.Fatalf("Store first series: %v", err)
	}
	if _, err := p.Store(context.Background(), syntheticCT("P1", "1.2.3", "1.2.3.9", "1.2.3.9.1")); err != nil {
		t.Fatalf("Store second series: %v", err)
	}

	patientHash := hash.Patient("P1")
	studyHash, _ := hash.Study("P1", "1.2.3")
	firstSeriesHash, _ := hash.Series("P1", "1.2.3", "1.2.3.4")
	secondSeriesHash, _ := hash.Series("P1", "1.2.3", "1.2.3.9")

	if _, err := p.Delete(context.Background(), firstSeriesHash, index.LevelSeries); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := p.DB.LookupResource(context.Background(), firstSeriesHash, index.LevelSeries); err == nil {
		t.Errorf("deleted series still found")
	}
	for _, tc := range []struct {
		id    string
		level index.Level
	}{
		{patientHash, index.LevelPatient},
		{studyHash, index.LevelStudy},
		{secondSeriesHash, index.LevelSeries},
	} {
		if _, err := p.DB.LookupResource(context.Background(), tc.id, tc.level); err != nil {
			t.Errorf("LookupResource(%s, %v): %v, want surviving ancestor/sibling", tc.id, tc.level, err)
		}
	}
}

func TestDeleteUnknownResourceFails(t *testing.T) {
	p := newTestPipeline(t)
	if _, err := p.Delete(context.Background(), "does-not-exist", index.LevelPatient); err == nil {
		t.Fatalf("expected error deleting an unknown resource")
	}
}

func TestStoreRejectsMissingUIDs(t *testing.T) {
	p := newTestPipeline(t)
	raw := syntheticCT("P1", "", "1.2.3.4", "1.2.3.4.5")

	result, err := p.Store(context.Background(), raw)
	if err == nil {
		t.Fatalf("expected error for missing study UID, got result %+v", result)
	}
}
