package rnscrypto

import (
	"bytes"
	"compress/bzip2"
	"fmt"
	"io"

	dbzip2 "github.com/dsnet/compress/bzip2"
)

// BZ2Compress compresses data with bzip2. The standard library only ships
// a bzip2 reader, so writing uses github.com/dsnet/compress/bzip2.
func BZ2Compress(data []byte) ([]byte, error) {
	var out bytes.Buffer
	w, err := dbzip2.NewWriter(&out, &dbzip2.WriterConfig{Level: 9})
	if err != nil {
		return nil, fmt.Errorf("rnscrypto: bzip2 writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("rnscrypto: bzip2 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("rnscrypto: bzip2 close: %w", err)
	}
	return out.Bytes(), nil
}

// BZ2Decompress decompresses a bzip2 stream using the standard library
// reader.
func BZ2Decompress(data []byte) ([]byte, error) {
	r := bzip2.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("rnscrypto: bzip2 decompress: %w", err)
	}
	return out, nil
}
