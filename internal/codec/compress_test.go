package codec_test

import (
	"bytes"
	"testing"

	"otapatch/internal/codec"
)

func TestCheckDetectsMagic(t *testing.T) {
	cases := []struct {
		name string
		buf  []byte
		want codec.Format
	}{
		{"gzip", []byte("\x1f\x8b\x08\x00"), codec.Gzip},
		{"xz", []byte("\xfd7zXZ\x00"), codec.Xz},
		{"bzip2", []byte("BZh9"), codec.Bzip2},
		{"lz4", []byte("\x04\x22\x4d\x18"), codec.Lz4},
		{"unknown", []byte("nope"), codec.Unknown},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := codec.Check(c.buf); got != c.want {
				t.Fatalf("Check(%q) = %v, want %v", c.buf, got, c.want)
			}
		})
	}
}

func TestGzipRoundTrip(t *testing.T) {
	orig := bytes.Repeat([]byte("hello ramdisk world\n"), 64)

	compressed, err := codec.Compress(codec.Gzip, orig)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if codec.Check(compressed) != codec.Gzip {
		t.Fatalf("compressed output not recognized as gzip")
	}

	decompressed, err := codec.Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(decompressed, orig) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d bytes", len(decompressed), len(orig))
	}
}

func TestXzRoundTrip(t *testing.T) {
	orig := bytes.Repeat([]byte("magiskinit payload\n"), 128)

	compressed, err := codec.Compress(codec.Xz, orig)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	decompressed, err := codec.Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(decompressed, orig) {
		t.Fatalf("round trip mismatch")
	}
}
