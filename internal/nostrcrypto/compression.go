package nostrcrypto

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// Compression names the wire-level compression tag carried on K_PROMPT
// and K_REPLY events (`compr` tag: `none` | `gzip`). Compression runs
// before encryption so experts and clients never compress ciphertext.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
)

// ErrUnknownCompression is returned for any Compression value other
// than the two defined above.
var ErrUnknownCompression = fmt.Errorf("nostrcrypto: unknown compression method")

// Compress applies method to data.
func Compress(data []byte, method Compression) ([]byte, error) {
	switch method {
	case CompressionNone:
		return data, nil
	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("gzip write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip close: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, method)
	}
}

// Decompress inverts Compress.
func Decompress(data []byte, method Compression) ([]byte, error) {
	switch method {
	case CompressionNone:
		return data, nil
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("gzip read: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, method)
	}
}
