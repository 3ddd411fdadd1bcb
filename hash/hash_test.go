package hash

import (
	"crypto/sha1"
	"encoding/hex"
	"testing"

	"github.com/dicomstore/dicomstore/errors"
)

func sha1Hex(s string) string {
	h := sha1.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}

func TestPatient(t *testing.T) {
	if got, want := Patient("P1"), sha1Hex("P1"); got != want {
		t.Errorf("Patient(%q) = %q, want %q", "P1", got, want)
	}
	if got, want := Patient(""), sha1Hex(""); got != want {
		t.Errorf("Patient(\"\") = %q, want %q", got, want)
	}
}

func TestStudy(t *testing.T) {
	got, err := Study("P1", "1.2.3")
	if err != nil {
		t.Fatalf("Study returned error: %v", err)
	}
	if want := sha1Hex("P1|1.2.3"); got != want {
		t.Errorf("Study = %q, want %q", got, want)
	}

	if _, err := Study("P1", ""); errors.KindOf(err) != errors.KindBadFileFormat {
		t.Errorf("Study with empty studyUID: got kind %v, want BadFileFormat", errors.KindOf(err))
	}
}

func TestSeries(t *testing.T) {
	got, err := Series("P1", "1.2.3", "1.2.3.4")
	if err != nil {
		t.Fatalf("Series returned error: %v", err)
	}
	if want := sha1Hex("P1|1.2.3|1.2.3.4"); got != want {
		t.Errorf("Series = %q, want %q", got, want)
	}

	if _, err := Series("P1", "", "1.2.3.4"); errors.KindOf(err) != errors.KindBadFileFormat {
		t.Errorf("Series with empty studyUID: got kind %v, want BadFileFormat", errors.KindOf(err))
	}
	if _, err := Series("P1", "1.2.3", ""); errors.KindOf(err) != errors.KindBadFileFormat {
		t.Errorf("Series with empty seriesUID: got kind %v, want BadFileFormat", errors.KindOf(err))
	}
}

func TestInstance(t *testing.T) {
	got, err := Instance("P1", "1.2.3", "1.2.3.4", "1.2.3.4.5")
	if err != nil {
		t.Fatalf("Instance returned error: %v", err)
	}
	if want := sha1Hex("P1|1.2.3|1.2.3.4|1.2.3.4.5"); got != want {
		t.Errorf("Instance = %q, want %q", got, want)
	}
	if want := "P1|1.2.3|1.2.3.4|1.2.3.4.5"; sha1Hex(want) != got {
		t.Fatalf("sanity check failed")
	}
}

func TestInstanceEmptyFields(t *testing.T) {
	cases := []struct {
		name                                      string
		patient, study, series, sop               string
	}{
		{"empty study", "P1", "", "1.2.3.4", "1.2.3.4.5"},
		{"empty series", "P1", "1.2.3", "", "1.2.3.4.5"},
		{"empty sop", "P1", "1.2.3", "1.2.3.4", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Instance(tc.patient, tc.study, tc.series, tc.sop)
			if errors.KindOf(err) != errors.KindBadFileFormat {
				t.Errorf("got kind %v, want BadFileFormat", errors.KindOf(err))
			}
		})
	}
}

func TestInstanceEmptyPatientTolerated(t *testing.T) {
	if _, err := Instance("", "1.2.3", "1.2.3.4", "1.2.3.4.5"); err != nil {
		t.Errorf("empty patientId should be tolerated, got error: %v", err)
	}
}

func TestDeterminism(t *testing.T) {
	a, _ := Instance("P1", "1.2.3", "1.2.3.4", "1.2.3.4.5")
	b, _ := Instance("P1", "1.2.3", "1.2.3.4", "1.2.3.4.5")
	if a != b {
		t.Errorf("Instance is not deterministic: %q != %q", a, b)
	}

	study, _ := Study("P1", "1.2.3")
	series, _ := Series("P1", "1.2.3", "1.2.3.4")
	if study == series {
		t.Errorf("study and series hashes collided: %q", study)
	}
}
