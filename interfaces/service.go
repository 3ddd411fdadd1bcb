// Package interfaces contains all service and handler interfaces
package interfaces

import (
	"context"

	"github.com/dicomstore/dicomstore/dicom"
	"github.com/dicomstore/dicomstore/types"
)

// MessageContext carries per-message metadata that a service handler needs
// beyond the raw command and dataset bytes: which presentation context the
// message arrived on, the transfer syntax negotiated for it, and (when the
// DIMSE layer has already parsed it) the decoded dataset.
type MessageContext struct {
	PresentationContextID byte
	TransferSyntaxUID     string
	Dataset               *dicom.Dataset
}

// ServiceHandler handles a single-response DIMSE operation (C-ECHO, C-STORE).
type ServiceHandler interface {
	HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta MessageContext) (*types.Message, *dicom.Dataset, error)
}

// StreamingServiceHandler handles a DIMSE operation that may emit more than
// one response on the wire before its final status (C-FIND, C-MOVE, C-GET).
type StreamingServiceHandler interface {
	HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, meta MessageContext, responder ResponseSender) error
}

// ResponseSender lets a streaming handler emit intermediate and final
// responses on the association that received the request.
type ResponseSender interface {
	SendResponse(msg *types.Message, dataset *dicom.Dataset, transferSyntaxUID string) error
}

// CGetResponder extends ResponseSender with the ability to issue C-STORE
// sub-operations on the same association, as required by C-GET.
type CGetResponder interface {
	ResponseSender
	// SendCStore sends a C-STORE sub-operation on the same association
	SendCStore(sopClassUID, sopInstanceUID string, data []byte) error
}

// DIMSEHandler interface for PDU layer to communicate with DIMSE layer
type DIMSEHandler interface {
	HandleDIMSEMessage(presContextID byte, msgCtrlHeader byte, data []byte, pduLayer PDULayer) error
}

// PDULayer interface for DIMSE layer to communicate with PDU layer
type PDULayer interface {
	SendDIMSEResponse(presContextID byte, commandData []byte) error
	SendDIMSEResponseWithDataset(presContextID byte, commandData []byte, dataset []byte) error
}
