package services

import (
	"context"
	"log/slog"

	"github.com/dicomstore/dicomstore/dicom"
	"github.com/dicomstore/dicomstore/dimse"
	"github.com/dicomstore/dicomstore/errors"
	"github.com/dicomstore/dicomstore/ingest"
	"github.com/dicomstore/dicomstore/interfaces"
	"github.com/dicomstore/dicomstore/types"
)

// StoreService handles C-STORE requests by running the received dataset
// through the ingestion pipeline.
type StoreService struct {
	Pipeline *ingest.Pipeline
}

// NewStoreService creates a C-STORE handler backed by pipeline.
func NewStoreService(pipeline *ingest.Pipeline) *StoreService {
	return &StoreService{Pipeline: pipeline}
}

// HandleDIMSE re-encodes the received dataset as a standalone DICOM file
// (so the ingestion pipeline can parse it the same way it would a
// REST-uploaded file) and stores it.
func (s *StoreService) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	if meta.Dataset == nil {
		slog.WarnContext(ctx, "C-STORE request carried no dataset", "message_id", msg.MessageID)
		return NewCStoreResponse(msg, dimse.StatusDataSetDoesNotMatchSOPClass), nil, nil
	}

	transferSyntax := meta.TransferSyntaxUID
	if transferSyntax == "" {
		transferSyntax = dicom.TransferSyntaxImplicitVRLittleEndian
	}

	raw, err := dicom.EncodeDatasetWithTransferSyntax(meta.Dataset, transferSyntax)
	if err != nil {
		slog.ErrorContext(ctx, "cannot re-encode received dataset", "error", err)
		return NewCStoreResponse(msg, dimse.StatusFailure), nil, nil
	}

	result, err := s.Pipeline.Store(ctx, raw)
	if err != nil {
		status := dimse.StatusFailure
		if errors.KindOf(err) == errors.KindStorageFull {
			status = dimse.StatusOutOfResources
		}
		slog.ErrorContext(ctx, "C-STORE ingestion failed", "error", err, "message_id", msg.MessageID)
		return NewCStoreResponse(msg, status), nil, nil
	}

	slog.InfoContext(ctx, "C-STORE ingestion complete",
		"message_id", msg.MessageID,
		"public_instance_id", result.PublicInstanceID,
		"status", result.Status)

	switch result.Status {
	case ingest.StatusSuccess, ingest.StatusAlreadyStored:
		return NewCStoreResponse(msg, dimse.StatusSuccess), nil, nil
	case ingest.StatusConflict:
		return NewCStoreResponse(msg, dimse.StatusDataSetDoesNotMatchSOPClass), nil, nil
	default:
		return NewCStoreResponse(msg, dimse.StatusFailure), nil, nil
	}
}
