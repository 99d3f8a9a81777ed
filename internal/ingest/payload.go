package ingest

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// Pool for gzip readers. klauspost gzip.Reader has ~32KB internal state
// that can be reused via Reset().
var gzipReaderPool = sync.Pool{}

// isGzip reports whether data starts with the gzip magic bytes 0x1f 0x8b
func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

// decodePayload enforces the size limit and transparently gunzips payloads.
// It reports whether the payload was compressed.
func decodePayload(data []byte, maxSize int64) ([]byte, bool, error) {
	if maxSize > 0 && int64(len(data)) > maxSize {
		return nil, false, newFieldError(ErrPayloadTooLarge, "", fmt.Sprintf("%d bytes", len(data)))
	}
	if !isGzip(data) {
		return data, false, nil
	}
	out, err := decompressGzip(data, maxSize)
	if err != nil {
		return nil, true, err
	}
	return out, true, nil
}

// decompressGzip decompresses gzip data using pooled readers
func decompressGzip(data []byte, maxSize int64) ([]byte, error) {
	var reader *gzip.Reader
	var err error
	if pooled := gzipReaderPool.Get(); pooled != nil {
		reader = pooled.(*gzip.Reader)
		err = reader.Reset(bytes.NewReader(data))
	} else {
		reader, err = gzip.NewReader(bytes.NewReader(data))
	}
	if err != nil {
		if reader != nil {
			gzipReaderPool.Put(reader)
		}
		return nil, newFieldError(ErrInvalidGzip, "", err.Error())
	}
	defer gzipReaderPool.Put(reader)

	var src io.Reader = reader
	if maxSize > 0 {
		src = io.LimitReader(reader, maxSize+1)
	}
	result, err := io.ReadAll(src)
	if err != nil {
		return nil, newFieldError(ErrInvalidGzip, "", err.Error())
	}

	if maxSize > 0 && int64(len(result)) > maxSize {
		return nil, newFieldError(ErrPayloadTooLarge, "", fmt.Sprintf("more than %d bytes decompressed", maxSize))
	}
	return result, nil
}
