package cache

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
)

// gzipTag marks a compressed payload. The tag alone is not enough: a
// raw []byte stored via the passthrough path may start with the same
// sequence, so readers also require the gzip magic right after it.
var (
	gzipTag   = []byte("gz:")
	gzipMagic = []byte{0x1f, 0x8b}
)

// isCompressed reports whether data was produced by compress.
func isCompressed(data []byte) bool {
	if !bytes.HasPrefix(data, gzipTag) {
		return false
	}
	return bytes.HasPrefix(data[len(gzipTag):], gzipMagic)
}

// encode serializes a value for storage. Values are JSON throughout;
// []byte passes through untouched so pre-encoded payloads are not
// double-encoded.
func encode(value interface{}) ([]byte, error) {
	if raw, ok := value.([]byte); ok {
		return raw, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("cache encode: %w", err)
	}
	return data, nil
}

// decode deserializes stored bytes into dest. A *[]byte dest receives
// the raw payload.
func decode(data []byte, dest interface{}) error {
	if raw, ok := dest.(*[]byte); ok {
		*raw = data
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("cache decode: %w", err)
	}
	return nil
}

// compress gzips payloads larger than threshold and tags them. Payloads
// at or under the threshold, and payloads gzip fails to shrink, are
// stored as-is.
func compress(data []byte, threshold int) []byte {
	if threshold <= 0 || len(data) <= threshold {
		return data
	}

	var buf bytes.Buffer
	buf.Write(gzipTag)
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return data
	}
	if err := zw.Close(); err != nil {
		return data
	}
	if buf.Len() >= len(data) {
		return data
	}
	return buf.Bytes()
}

// decompress reverses compress, passing untagged payloads through.
func decompress(data []byte) ([]byte, error) {
	if !isCompressed(data) {
		return data, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(data[len(gzipTag):]))
	if err != nil {
		return nil, fmt.Errorf("cache decompress: %w", err)
	}
	defer zr.Close()

	plain, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("cache decompress: %w", err)
	}
	return plain, nil
}
