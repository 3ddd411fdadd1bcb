// Package hash derives the deterministic public identifiers assigned to
// patient, study, series, and instance resources from their DICOM tags
// and UIDs, mirroring Orthanc's DicomInstanceHasher: every level is a pure
// SHA1 function of its ancestor chain, so the same (patientId, studyUid,
// seriesUid, sopInstanceUid) always yields the same ids regardless of
// which instance triggered the resource's creation.
package hash

import (
	"crypto/sha1"
	"encoding/hex"

	"github.com/dicomstore/dicomstore/errors"
)

const sep = "|"

// Patient returns the public id hash for a patient-level resource.
func Patient(patientID string) string {
	return sum(patientID)
}

// Study returns the public id hash for a study-level resource.
//
// studyUID must be non-empty; an empty patientID is tolerated.
func Study(patientID, studyUID string) (string, error) {
	if studyUID == "" {
		return "", errors.New(errors.KindBadFileFormat, "hash.Study", "studyUid is empty")
	}
	return sum(patientID, studyUID), nil
}

// Series returns the public id hash for a series-level resource.
func Series(patientID, studyUID, seriesUID string) (string, error) {
	if studyUID == "" {
		return "", errors.New(errors.KindBadFileFormat, "hash.Series", "studyUid is empty")
	}
	if seriesUID == "" {
		return "", errors.New(errors.KindBadFileFormat, "hash.Series", "seriesUid is empty")
	}
	return sum(patientID, studyUID, seriesUID), nil
}

// Instance returns the public id hash for an instance-level resource.
//
// This is the identifier ingest.Store ultimately returns to callers: two
// files carrying the same four UIDs always resolve to the same instance id,
// which is how the pipeline recognizes "already stored" without a lookup
// keyed on anything but the hash itself.
func Instance(patientID, studyUID, seriesUID, sopInstanceUID string) (string, error) {
	if studyUID == "" {
		return "", errors.New(errors.KindBadFileFormat, "hash.Instance", "studyUid is empty")
	}
	if seriesUID == "" {
		return "", errors.New(errors.KindBadFileFormat, "hash.Instance", "seriesUid is empty")
	}
	if sopInstanceUID == "" {
		return "", errors.New(errors.KindBadFileFormat, "hash.Instance", "sopInstanceUid is empty")
	}
	return sum(patientID, studyUID, seriesUID, sopInstanceUID), nil
}

func sum(parts ...string) string {
	joined := parts[0]
	for _, p := range parts[1:] {
		joined += sep + p
	}
	h := sha1.Sum([]byte(joined))
	return hex.EncodeToString(h[:])
}
