// Package modalities sends previously ingested instances to a configured
// DICOM peer, the way the teacher's client package originates an outbound
// association, generalized here to drive it from the resource index rather
// than caller-supplied bytes.
package modalities

import (
	"context"
	"fmt"
	"time"

	"github.com/dicomstore/dicomstore/blobstore"
	"github.com/dicomstore/dicomstore/client"
	"github.com/dicomstore/dicomstore/config"
	"github.com/dicomstore/dicomstore/dicom"
	"github.com/dicomstore/dicomstore/errors"
	"github.com/dicomstore/dicomstore/index"
)

const dicomContentType = "dicom"

// Sender issues outbound C-STORE sub-operations against a configured
// modality for instances already present in the index.
type Sender struct {
	DB         *index.DB
	Blobs      *blobstore.Store
	Modalities map[string]config.Modality
	CallingAET string

	// ConnectTimeout bounds association setup with the remote modality;
	// zero falls back to a 10s default (DicomScuTimeout's own default).
	ConnectTimeout time.Duration
}

// Result reports the outcome of sending one instance.
type Result struct {
	PublicInstanceID string
	Status           uint16
	Err              error
}

// SendToModality opens one association to remoteName and issues a C-STORE
// sub-operation for each of publicInstanceIDs, closing the association once
// every instance has been attempted.
func (s *Sender) SendToModality(ctx context.Context, publicInstanceIDs []string, remoteName string) ([]Result, error) {
	modality, ok := s.Modalities[remoteName]
	if !ok {
		return nil, errors.New(errors.KindInexistentItem, "modalities.SendToModality", fmt.Sprintf("unknown modality %q", remoteName))
	}

	timeout := s.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	address := fmt.Sprintf("%s:%d", modality.Host, modality.Port)
	assoc, err := client.Connect(address, client.Config{
		CallingAETitle: s.CallingAET,
		CalledAETitle:  modality.AET,
		ConnectTimeout: timeout,
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindNetworkProtocol, "modalities.SendToModality", "cannot associate with modality", err)
	}
	defer assoc.Close()

	var results []Result
	for i, publicID := range publicInstanceIDs {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		default:
		}

		result := Result{PublicInstanceID: publicID}
		sopClassUID, sopInstanceUID, data, err := s.loadInstance(ctx, publicID)
		if err != nil {
			result.Err = err
			results = append(results, result)
			continue
		}

		resp, err := assoc.SendCStore(&client.CStoreRequest{
			SOPClassUID:    sopClassUID,
			SOPInstanceUID: sopInstanceUID,
			Data:           data,
			MessageID:      uint16(i + 1),
		})
		if err != nil {
			result.Err = errors.Wrap(errors.KindNetworkProtocol, "modalities.SendToModality", "C-STORE sub-operation failed", err)
			results = append(results, result)
			continue
		}
		result.Status = resp.Status
		results = append(results, result)
	}
	return results, nil
}

func (s *Sender) loadInstance(ctx context.Context, publicID string) (sopClassUID, sopInstanceUID string, data []byte, err error) {
	resource, err := s.DB.LookupResource(ctx, publicID, index.LevelInstance)
	if err != nil {
		return "", "", nil, err
	}
	tags, err := s.DB.MainDicomTags(ctx, resource.InternalID)
	if err != nil {
		return "", "", nil, err
	}
	sopClassUID = tags[dicom.TagSOPClassUID.String()]
	sopInstanceUID = tags[dicom.TagSOPInstanceUID.String()]

	attachment, err := s.DB.AttachedFile(ctx, resource.InternalID, dicomContentType)
	if err != nil {
		return "", "", nil, err
	}

	var compressor blobstore.Compressor = blobstore.NoneCompressor{}
	if attachment.CompressionKind == "zlib" {
		compressor = blobstore.ZlibCompressor{}
	}
	data, err = s.Blobs.Read(attachment.UUID, compressor)
	if err != nil {
		return "", "", nil, err
	}
	return sopClassUID, sopInstanceUID, data, nil
}
