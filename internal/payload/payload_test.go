package payload_test

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"testing"

	"otapatch/internal/otaerr"
	"otapatch/internal/payload"
)

func buildTestPayload(t *testing.T, blockSize uint32, data []byte) []byte {
	t.Helper()
	sum := sha256.Sum256(data)
	numBlocks := uint64(len(data)) / uint64(blockSize)
	if uint64(len(data))%uint64(blockSize) != 0 {
		numBlocks++
	}
	m := &payload.Manifest{
		BlockSize: blockSize,
		Partitions: []payload.PartitionUpdate{
			{
				PartitionName:    "vendor_boot",
				NewPartitionInfo: &payload.PartitionInfo{Size: uint64(len(data)), Hash: sum[:]},
				Operations: []payload.InstallOperation{
					{
						Type:           payload.OpReplace,
						DataOffset:     0,
						DataLength:     uint64(len(data)),
						DstExtents:     []payload.Extent{{StartBlock: 0, NumBlocks: numBlocks}},
						DataSHA256Hash: sum[:],
					},
				},
			},
		},
	}
	manifest := m.Marshal()

	var buf bytes.Buffer
	buf.Write(payload.HeaderBytes(1, uint64(len(manifest)), 0))
	buf.Write(manifest)
	buf.Write(data)
	return buf.Bytes()
}

func TestOpenAndExtractPartition(t *testing.T) {
	data := bytes.Repeat([]byte("A"), 4096)
	blob := buildTestPayload(t, 4096, data)

	p, err := payload.Open(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if p.Manifest.BlockSize != 4096 {
		t.Fatalf("BlockSize = %d, want 4096", p.Manifest.BlockSize)
	}

	sink := &testSink{buf: make([]byte, 0)}
	if err := p.ExtractPartition("vendor_boot", sink); err != nil {
		t.Fatalf("ExtractPartition: %v", err)
	}
	if !bytes.Equal(sink.buf, data) {
		t.Fatalf("extracted image mismatch: got %d bytes, want %d", len(sink.buf), len(data))
	}
}

func TestExtractPartitionRejectsCorruptOperationData(t *testing.T) {
	data := bytes.Repeat([]byte("A"), 4096)
	blob := buildTestPayload(t, 4096, data)

	// Flip a byte inside the operation's data region, after the manifest
	// recorded a hash over the original bytes.
	blob[len(blob)-1] ^= 0xFF

	p, err := payload.Open(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sink := &testSink{buf: make([]byte, 0)}
	err = p.ExtractPartition("vendor_boot", sink)
	if err == nil {
		t.Fatal("ExtractPartition: want error for corrupted operation data, got nil")
	}
	var oerr *otaerr.Error
	if !errors.As(err, &oerr) || oerr.Kind != otaerr.HashMismatch {
		t.Fatalf("ExtractPartition error = %v, want otaerr.HashMismatch", err)
	}
}

func TestExtractPartitionRejectsUnsupportedOpType(t *testing.T) {
	data := bytes.Repeat([]byte("A"), 4096)
	m := &payload.Manifest{
		BlockSize: 4096,
		Partitions: []payload.PartitionUpdate{
			{
				PartitionName: "vendor_boot",
				Operations: []payload.InstallOperation{
					{
						Type:       payload.OpType(99),
						DataOffset: 0,
						DataLength: uint64(len(data)),
						DstExtents: []payload.Extent{{StartBlock: 0, NumBlocks: 1}},
					},
				},
			},
		},
	}
	manifest := m.Marshal()
	var buf bytes.Buffer
	buf.Write(payload.HeaderBytes(1, uint64(len(manifest)), 0))
	buf.Write(manifest)
	buf.Write(data)

	p, err := payload.Open(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sink := &testSink{buf: make([]byte, 0)}
	err = p.ExtractPartition("vendor_boot", sink)
	if err == nil {
		t.Fatal("ExtractPartition: want error for unsupported op type, got nil")
	}
	var oerr *otaerr.Error
	if !errors.As(err, &oerr) || oerr.Kind != otaerr.UnsupportedOp {
		t.Fatalf("ExtractPartition error = %v, want otaerr.UnsupportedOp", err)
	}
}

type testSink struct {
	buf []byte
}

func (s *testSink) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(s.buf)) {
		grown := make([]byte, end)
		copy(grown, s.buf)
		s.buf = grown
	}
	copy(s.buf[off:end], p)
	return len(p), nil
}
