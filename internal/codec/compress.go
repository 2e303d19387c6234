package codec

import (
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// NewDecoder returns a reader that decompresses data encoded in format f.
func NewDecoder(f Format, r io.Reader) (io.Reader, error) {
	switch f {
	case Xz:
		return xz.NewReader(r)
	case Lzma:
		return lzma.NewReader(r)
	case Bzip2:
		return bzip2.NewReader(r), nil
	case Lz4, Lz4Legacy:
		return lz4.NewReader(r), nil
	case Gzip:
		return gzip.NewReader(r)
	default:
		return nil, fmt.Errorf("codec: unsupported decompression format %v", f)
	}
}

// NewEncoder returns a writer that compresses data into format f as it is
// written. The caller must Close it to flush trailing codec state.
//
// Bzip2 has no writer in the standard library and lzma's container format
// is rarely used for ramdisks in practice, so only the formats Android
// actually ships ramdisks/boot components in are supported for encoding.
func NewEncoder(f Format, w io.Writer) (io.WriteCloser, error) {
	switch f {
	case Xz:
		return xz.NewWriter(w)
	case Lz4, Lz4Legacy:
		return lz4.NewWriter(w), nil
	case Gzip:
		return gzip.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("codec: unsupported compression format %v", f)
	}
}

// Decompress fully decodes buf, which must begin with a recognized
// compression magic.
func Decompress(buf []byte) ([]byte, error) {
	f := Check(buf)
	if !Compressed(f) {
		return nil, fmt.Errorf("codec: input is not a supported compressed format")
	}
	dec, err := NewDecoder(f, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(dec)
}

// Compress encodes data with format f, returning the compressed bytes.
func Compress(f Format, data []byte) ([]byte, error) {
	var out bytes.Buffer
	enc, err := NewEncoder(f, &out)
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
