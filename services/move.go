package services

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dicomstore/dicomstore/dicom"
	"github.com/dicomstore/dicomstore/dimse"
	"github.com/dicomstore/dicomstore/finder"
	"github.com/dicomstore/dicomstore/interfaces"
	"github.com/dicomstore/dicomstore/modalities"
	"github.com/dicomstore/dicomstore/types"
)

// MoveService handles C-MOVE-RQ by resolving the requested resource down to
// its instances and sending them to the named destination AE over a fresh
// outbound association, reporting progress with Pending responses carrying
// running sub-operation counters.
type MoveService struct {
	Finder *finder.Finder
	Sender *modalities.Sender
}

func NewMoveService(f *finder.Finder, sender *modalities.Sender) *MoveService {
	return &MoveService{Finder: f, Sender: sender}
}

func (s *MoveService) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	return NewCMoveErrorResponse(msg, dimse.StatusFailure), nil, nil
}

func (s *MoveService) HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext, responder interfaces.ResponseSender) error {
	if meta.Dataset == nil {
		slog.WarnContext(ctx, "C-MOVE request carried no identifier", "message_id", msg.MessageID)
		return responder.SendResponse(NewCMoveErrorResponse(msg, dimse.StatusDataSetDoesNotMatchSOPClass), nil, "")
	}
	if msg.MoveDestination == "" {
		slog.WarnContext(ctx, "C-MOVE request carried no move destination", "message_id", msg.MessageID)
		return responder.SendResponse(NewCMoveErrorResponse(msg, dimse.StatusFailure), nil, "")
	}

	levelName := strings.ToUpper(strings.TrimSpace(meta.Dataset.GetString(dicom.TagQueryRetrieveLevel)))
	level, ok := levelByName[levelName]
	if !ok {
		slog.WarnContext(ctx, "C-MOVE request carried an unrecognized query retrieve level", "message_id", msg.MessageID, "level", levelName)
		return responder.SendResponse(NewCMoveErrorResponse(msg, dimse.StatusFailure), nil, "")
	}

	query := finder.Query{Level: level, Constraints: queryConstraints(meta.Dataset, level)}
	matches, err := s.Finder.Find(ctx, query)
	if err != nil {
		slog.ErrorContext(ctx, "C-MOVE lookup failed", "error", err, "message_id", msg.MessageID)
		return responder.SendResponse(NewCMoveErrorResponse(msg, dimse.StatusFailure), nil, "")
	}

	var instanceIDs []string
	for _, publicID := range matches.PublicIDs {
		ids, err := s.Finder.InstancesUnder(ctx, publicID, level)
		if err != nil {
			slog.ErrorContext(ctx, "cannot resolve C-MOVE match to instances", "error", err, "public_id", publicID)
			continue
		}
		instanceIDs = append(instanceIDs, ids...)
	}

	remaining := uint16(len(instanceIDs))
	var completed, failed uint16
	if remaining > 0 {
		if err := responder.SendResponse(NewCMovePendingResponse(msg, completed, failed, 0, remaining), nil, ""); err != nil {
			return err
		}
	}

	results, err := s.Sender.SendToModality(ctx, instanceIDs, msg.MoveDestination)
	if err != nil {
		slog.ErrorContext(ctx, "C-MOVE could not associate with destination", "error", err, "destination", msg.MoveDestination)
		return responder.SendResponse(NewCMoveErrorResponse(msg, dimse.StatusFailure), nil, "")
	}

	for _, result := range results {
		remaining--
		if result.Err != nil || result.Status != dimse.StatusSuccess {
			failed++
			slog.WarnContext(ctx, "C-MOVE sub-operation failed", "public_instance_id", result.PublicInstanceID, "error", result.Err, "status", result.Status)
		} else {
			completed++
		}
		if err := responder.SendResponse(NewCMovePendingResponse(msg, completed, failed, 0, remaining), nil, ""); err != nil {
			return err
		}
	}

	slog.InfoContext(ctx, "C-MOVE complete", "message_id", msg.MessageID, "destination", msg.MoveDestination, "completed", completed, "failed", failed)
	return responder.SendResponse(NewCMoveSuccessResponse(msg, completed, failed, 0), nil, "")
}
