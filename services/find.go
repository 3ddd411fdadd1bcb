package services

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dicomstore/dicomstore/dicom"
	"github.com/dicomstore/dicomstore/dimse"
	"github.com/dicomstore/dicomstore/finder"
	"github.com/dicomstore/dicomstore/index"
	"github.com/dicomstore/dicomstore/interfaces"
	"github.com/dicomstore/dicomstore/types"
)

// levelByName maps the DICOM (0008,0052) QueryRetrieveLevel value to the
// index level it addresses. C-FIND's "IMAGE" level is the instance level.
var levelByName = map[string]index.Level{
	"PATIENT": index.LevelPatient,
	"STUDY":   index.LevelStudy,
	"SERIES":  index.LevelSeries,
	"IMAGE":   index.LevelInstance,
}

// FindService handles C-FIND requests by translating the query identifier
// dataset into a finder.Query and streaming one pending response per match.
type FindService struct {
	Finder *finder.Finder
}

// NewFindService creates a C-FIND handler backed by f.
func NewFindService(f *finder.Finder) *FindService {
	return &FindService{Finder: f}
}

// HandleDIMSE satisfies interfaces.ServiceHandler so FindService can sit in
// the same handler registry as single-response services; the registry
// always prefers HandleDIMSEStreaming when a handler offers it; this path
// only fires through a direct call that bypasses streaming dispatch.
func (s *FindService) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	return NewCFindErrorResponse(msg, dimse.StatusFailure), nil, nil
}

// HandleDIMSEStreaming implements interfaces.StreamingServiceHandler.
func (s *FindService) HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext, responder interfaces.ResponseSender) error {
	if meta.Dataset == nil {
		slog.WarnContext(ctx, "C-FIND request carried no query identifier", "message_id", msg.MessageID)
		return responder.SendResponse(NewCFindErrorResponse(msg, dimse.StatusDataSetDoesNotMatchSOPClass), nil, "")
	}

	levelName := strings.ToUpper(strings.TrimSpace(meta.Dataset.GetString(dicom.TagQueryRetrieveLevel)))
	level, ok := levelByName[levelName]
	if !ok {
		slog.WarnContext(ctx, "C-FIND request carried an unrecognized query retrieve level",
			"message_id", msg.MessageID, "level", levelName)
		return responder.SendResponse(NewCFindErrorResponse(msg, dimse.StatusFailure), nil, "")
	}

	query := finder.Query{Level: level, Constraints: queryConstraints(meta.Dataset, level)}

	result, err := s.Finder.Find(ctx, query)
	if err != nil {
		slog.ErrorContext(ctx, "C-FIND lookup failed", "error", err, "message_id", msg.MessageID)
		return responder.SendResponse(NewCFindErrorResponse(msg, dimse.StatusFailure), nil, "")
	}

	for _, publicID := range result.PublicIDs {
		identifier, err := s.Finder.Identifier(ctx, publicID, level)
		if err != nil {
			slog.ErrorContext(ctx, "cannot build C-FIND identifier", "error", err, "public_id", publicID)
			continue
		}
		if err := responder.SendResponse(NewCFindPendingResponse(msg), identifier, meta.TransferSyntaxUID); err != nil {
			return err
		}
	}

	slog.InfoContext(ctx, "C-FIND query complete",
		"message_id", msg.MessageID, "level", levelName, "matches", len(result.PublicIDs))

	return responder.SendResponse(NewCFindSuccessResponse(msg), nil, "")
}

// queryConstraints turns every well-known main tag present in the query
// identifier into a per-level Constraint. Tags that do not map to a level
// at or above the search level are ignored (relational queries against
// private or unsupported tags are not implemented).
func queryConstraints(ds *dicom.Dataset, level index.Level) []finder.Constraint {
	var constraints []finder.Constraint
	for tag, element := range ds.Elements {
		if tag == dicom.TagQueryRetrieveLevel || tag == dicom.TagSpecificCharacterSet {
			continue
		}
		levelName, ok := dicom.LevelOf(tag)
		if !ok {
			continue
		}
		tagLevel, ok := levelByName[strings.ToUpper(levelName)]
		if !ok || tagLevel > level {
			continue
		}

		value, _ := element.Value.(string)
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}

		constraints = append(constraints, constraintFor(tagLevel, tag, value))
	}
	return constraints
}

func constraintFor(level index.Level, tag dicom.Tag, value string) finder.Constraint {
	if strings.ContainsAny(value, "*?") {
		return finder.Constraint{Level: level, Tag: tag.String(), Kind: finder.Wildcard, Value: value}
	}
	if before, after, found := strings.Cut(value, "-"); found && (tag == dicom.TagStudyDate) {
		return finder.Constraint{Level: level, Tag: tag.String(), Kind: finder.Range, Low: before, High: after}
	}
	return finder.Constraint{Level: level, Tag: tag.String(), Kind: finder.Equality, Value: value}
}
