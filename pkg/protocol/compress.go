package protocol

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
)

// Compression is the level a client asks the server to use for replies
type Compression uint8

// Compression levels
const (
	CompressionUnspecified Compression = 0
	CompressionNone        Compression = 1
	CompressionFast        Compression = 2
	CompressionBalanced    Compression = 3
	CompressionBest        Compression = 4
)

// DefaultCompression is used when a request leaves the level unspecified
const DefaultCompression = CompressionFast

// bodies smaller than this are sent as is
const minCompressSize = 128

// maxInflatedSize caps decompressed bodies
const maxInflatedSize = 16 << 20

var compressionNames = map[Compression]string{
	CompressionUnspecified: "unspecified",
	CompressionNone:        "none",
	CompressionFast:        "fast",
	CompressionBalanced:    "balanced",
	CompressionBest:        "best",
}

// Valid reports whether c is a known level
func (c Compression) Valid() bool {
	_, ok := compressionNames[c]
	return ok
}

func (c Compression) String() string {
	if name, ok := compressionNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Compression(%d)", uint8(c))
}

// Resolve maps an unspecified level to the default
func (c Compression) Resolve() Compression {
	if c == CompressionUnspecified {
		return DefaultCompression
	}
	return c
}

// ParseCompression parses a level name as used in configuration
func ParseCompression(name string) (Compression, error) {
	for c, n := range compressionNames {
		if strings.EqualFold(n, name) {
			return c, nil
		}
	}
	return CompressionUnspecified, fmt.Errorf("protocol: unknown compression %q", name)
}

func (c Compression) flateLevel() int {
	switch c.Resolve() {
	case CompressionBalanced:
		return flate.DefaultCompression
	case CompressionBest:
		return flate.BestCompression
	default:
		return flate.BestSpeed
	}
}

// compressBody deflates body at level c. It reports false when the body was
// left untouched.
func compressBody(body []byte, c Compression) ([]byte, bool, error) {
	if c.Resolve() == CompressionNone || len(body) < minCompressSize {
		return body, false, nil
	}

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, c.flateLevel())
	if err != nil {
		return nil, false, err
	}
	if _, err := w.Write(body); err != nil {
		return nil, false, err
	}
	if err := w.Close(); err != nil {
		return nil, false, err
	}

	if buf.Len() >= len(body) {
		return body, false, nil
	}
	return buf.Bytes(), true, nil
}

func decompressBody(body []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(body))
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, maxInflatedSize+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxInflatedSize {
		return nil, fmt.Errorf("inflated body exceeds %d bytes", maxInflatedSize)
	}
	return out, nil
}
