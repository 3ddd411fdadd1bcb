package services

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/dicomstore/dicomstore/blobstore"
	"github.com/dicomstore/dicomstore/config"
	"github.com/dicomstore/dicomstore/dicom"
	"github.com/dicomstore/dicomstore/dimse"
	"github.com/dicomstore/dicomstore/finder"
	"github.com/dicomstore/dicomstore/index"
	"github.com/dicomstore/dicomstore/interfaces"
	"github.com/dicomstore/dicomstore/modalities"
	"github.com/dicomstore/dicomstore/types"
)

func newMoveTestEnv(t *testing.T) *MoveService {
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

	f := &finder.Finder{DB: db, Blobs: blobs}
	sender := &modalities.Sender{DB: db, Blobs: blobs, Modalities: map[string]config.Modality{}, CallingAET: "TESTSCP"}
	return NewMoveService(f, sender)
}

func TestMoveServiceRejectsMissingIdentifier(t *testing.T) {
	svc := newMoveTestEnv(t)
	responder := &mockResponder{}
	msg := &types.Message{CommandField: dimse.CMoveRQ, MessageID: 1, MoveDestination: "REMOTE"}

	if err := svc.HandleDIMSEStreaming(context.Background(), msg, nil, interfaces.MessageContext{}, responder); err != nil {
		t.Fatalf("HandleDIMSEStreaming: %v", err)
	}
	if len(responder.responses) != 1 || responder.responses[0].Status != dimse.StatusDataSetDoesNotMatchSOPClass {
		t.Fatalf("expected a single DataSetDoesNotMatchSOPClass response, got %+v", responder.responses)
	}
}

func TestMoveServiceRejectsMissingDestination(t *testing.T) {
	svc := newMoveTestEnv(t)
	responder := &mockResponder{}
	query := dicom.NewDataset()
	query.AddElement(dicom.TagQueryRetrieveLevel, dicom.VR_CS, "PATIENT")
	msg := &types.Message{CommandField: dimse.CMoveRQ, MessageID: 1}

	if err := svc.HandleDIMSEStreaming(context.Background(), msg, nil, interfaces.MessageContext{Dataset: query}, responder); err != nil {
		t.Fatalf("HandleDIMSEStreaming: %v", err)
	}
	if len(responder.responses) != 1 || responder.responses[0].Status != dimse.StatusFailure {
		t.Fatalf("expected a single failure response, got %+v", responder.responses)
	}
}

func TestMoveServiceRejectsUnknownLevel(t *testing.T) {
	svc := newMoveTestEnv(t)
	responder := &mockResponder{}
	query := dicom.NewDataset()
	query.AddElement(dicom.TagQueryRetrieveLevel, dicom.VR_CS, "BOGUS")
	msg := &types.Message{CommandField: dimse.CMoveRQ, MessageID: 1, MoveDestination: "REMOTE"}

	if err := svc.HandleDIMSEStreaming(context.Background(), msg, nil, interfaces.MessageContext{Dataset: query}, responder); err != nil {
		t.Fatalf("HandleDIMSEStreaming: %v", err)
	}
	if len(responder.responses) != 1 || responder.responses[0].Status != dimse.StatusFailure {
		t.Fatalf("expected a single failure response, got %+v", responder.responses)
	}
}

func TestMoveServiceFailsForUnknownDestination(t *testing.T) {
	svc := newMoveTestEnv(t)
	responder := &mockResponder{}
	query := dicom.NewDataset()
	query.AddElement(dicom.TagQueryRetrieveLevel, dicom.VR_CS, "PATIENT")
	msg := &types.Message{CommandField: dimse.CMoveRQ, MessageID: 1, MoveDestination: "NOWHERE"}

	if err := svc.HandleDIMSEStreaming(context.Background(), msg, nil, interfaces.MessageContext{Dataset: query}, responder); err != nil {
		t.Fatalf("HandleDIMSEStreaming: %v", err)
	}
	last := responder.responses[len(responder.responses)-1]
	if last.Status != dimse.StatusFailure {
		t.Fatalf("expected the final response to report failure for an unknown destination, got %+v", responder.responses)
	}
}
