package storage

import (
	"bytes"
	"compress/bzip2"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Encoding is the content encoding of a stored object.
type Encoding string

// Supported encodings. Bzip2 is read-only: producers may upload .bz2 objects but Put never writes them.
const (
	Identity Encoding = ""
	Zstd     Encoding = "zstd"
	Bzip2    Encoding = "bzip2"
)

// ParseCompression maps the config value to the Put encoding.
func ParseCompression(s string) (Encoding, error) {
	switch strings.ToLower(s) {
	case "", "none", "identity":
		return Identity, nil
	case "zstd":
		return Zstd, nil
	default:
		return Identity, fmt.Errorf("unsupported compression %q (want none or zstd)", s)
	}
}

// EncodingFromSuffix guesses the encoding from the key extension.
func EncodingFromSuffix(key string) Encoding {
	switch {
	case strings.HasSuffix(key, ".zst"):
		return Zstd
	case strings.HasSuffix(key, ".bz2"):
		return Bzip2
	default:
		return Identity
	}
}

// ParseEncoding maps a stored Content-Encoding value. Unknown values fall back to the key suffix.
func ParseEncoding(contentEncoding, key string) Encoding {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "zstd":
		return Zstd
	case "bzip2", "x-bzip2":
		return Bzip2
	case "identity":
		return Identity
	default:
		return EncodingFromSuffix(key)
	}
}

var (
	zenc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zdec, _ = zstd.NewReader(nil)
)

// Encode compresses data with enc.
func Encode(enc Encoding, data []byte) ([]byte, error) {
	switch enc {
	case Identity:
		return data, nil
	case Zstd:
		return zenc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	default:
		return nil, fmt.Errorf("cannot encode %q", enc)
	}
}

// Decode decompresses data stored with enc.
func Decode(enc Encoding, data []byte) ([]byte, error) {
	switch enc {
	case Identity:
		return data, nil
	case Zstd:
		out, err := zdec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return out, nil
	case Bzip2:
		out, err := io.ReadAll(bzip2.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("bzip2 decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", enc)
	}
}
