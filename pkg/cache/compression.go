package cache

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// Codec names accepted in Config.CompressionCodec
const (
	CodecGzip   = "gzip"
	CodecBrotli = "brotli"
)

const (
	gzipPrefix   = "GZIP:"
	brotliPrefix = "BR:"

	// maxDecompressedBytes bounds decompression to defuse zip bombs
	maxDecompressedBytes = 100 * 1024 * 1024
)

// encodeValue compresses serialized data when it exceeds the threshold and
// the compressed form is actually smaller. It never stores a "compressed"
// payload larger than the original.
func encodeValue(data []byte, codec string, threshold int) (string, bool) {
	if threshold <= 0 || len(data) <= threshold {
		return string(data), false
	}

	var (
		compressed []byte
		prefix     string
		err        error
	)
	switch codec {
	case CodecBrotli:
		compressed, err = brotliCompress(data)
		prefix = brotliPrefix
	default:
		compressed, err = gzipCompress(data)
		prefix = gzipPrefix
	}
	if err != nil {
		return string(data), false
	}

	encoded := prefix + base64.StdEncoding.EncodeToString(compressed)
	if len(encoded) >= len(data) {
		return string(data), false
	}
	return encoded, true
}

// decodeValue reverses encodeValue, dispatching on the literal prefix
// marker. Unprefixed payloads pass through untouched.
func decodeValue(value string) ([]byte, error) {
	switch {
	case strings.HasPrefix(value, gzipPrefix):
		raw, err := base64.StdEncoding.DecodeString(value[len(gzipPrefix):])
		if err != nil {
			return nil, fmt.Errorf("base64 decode failed: %w", err)
		}
		return gzipDecompress(raw)
	case strings.HasPrefix(value, brotliPrefix):
		raw, err := base64.StdEncoding.DecodeString(value[len(brotliPrefix):])
		if err != nil {
			return nil, fmt.Errorf("base64 decode failed: %w", err)
		}
		return brotliDecompress(raw)
	default:
		return []byte(value), nil
	}
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := gz.Write(data); err != nil {
		_ = gz.Close()
		return nil, fmt.Errorf("compression write failed: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = gz.Close()
	}()

	return io.ReadAll(io.LimitReader(gz, maxDecompressedBytes))
}

func brotliCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("compression write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func brotliDecompress(data []byte) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(data))
	return io.ReadAll(io.LimitReader(r, maxDecompressedBytes))
}
