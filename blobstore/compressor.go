package blobstore

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"

	"github.com/dicomstore/dicomstore/errors"
)

// Compressor transforms blob bytes on their way to and from disk. The
// ingestion pipeline picks which Compressor applies to a given write; the
// store itself stays agnostic and just calls whatever it's given.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Uncompress(data []byte) ([]byte, error)
}

// NoneCompressor is the identity transform.
type NoneCompressor struct{}

func (NoneCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (NoneCompressor) Uncompress(data []byte) ([]byte, error) { return data, nil }

// ZlibCompressor stores the uncompressed size as an 8-byte big-endian
// prefix ahead of the zlib stream, so Uncompress can pre-size its output
// buffer instead of growing it incrementally.
type ZlibCompressor struct{}

func (ZlibCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	var sizePrefix [8]byte
	binary.BigEndian.PutUint64(sizePrefix[:], uint64(len(data)))
	buf.Write(sizePrefix[:])

	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, errors.Wrap(errors.KindInternalError, "blobstore.Compress", "zlib write failed", err)
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(errors.KindInternalError, "blobstore.Compress", "zlib close failed", err)
	}
	return buf.Bytes(), nil
}

func (ZlibCompressor) Uncompress(data []byte) ([]byte, error) {
	if len(data) < 8 {
		return nil, errors.New(errors.KindBadFileFormat, "blobstore.Uncompress", "truncated compressed blob: missing size prefix")
	}
	size := binary.BigEndian.Uint64(data[:8])

	r, err := zlib.NewReader(bytes.NewReader(data[8:]))
	if err != nil {
		return nil, errors.Wrap(errors.KindBadFileFormat, "blobstore.Uncompress", "invalid zlib stream", err)
	}
	defer r.Close()

	out := make([]byte, 0, size)
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, errors.Wrap(errors.KindBadFileFormat, "blobstore.Uncompress", "truncated zlib stream", err)
	}
	return buf.Bytes(), nil
}
