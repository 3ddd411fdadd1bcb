package modalities

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/dicomstore/dicomstore/blobstore"
	"github.com/dicomstore/dicomstore/config"
	"github.com/dicomstore/dicomstore/index"
)

func TestSendToModalityUnknownPeer(t *testing.T) {
	dir := t.TempDir()
	db, err := index.Open(filepath.Join(dir, "index.db"), nil)
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	defer db.Close()

	blobs, err := blobstore.New(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}

	sender := &Sender{DB: db, Blobs: blobs, Modalities: map[string]config.Modality{}, CallingAET: "TESTSCU"}

	if _, err := sender.SendToModality(context.Background(), []string{"p1"}, "missing"); err == nil {
		t.Fatal("expected error for unknown modality")
	}
}
