package payload_test

import (
	"bytes"
	"testing"

	"otapatch/internal/payload"
)

func TestManifestRoundTrip(t *testing.T) {
	m := &payload.Manifest{
		BlockSize:    4096,
		MinorVersion: 0,
		MaxTimestamp: 1700000000,
		Partitions: []payload.PartitionUpdate{
			{
				PartitionName: "boot",
				NewPartitionInfo: &payload.PartitionInfo{
					Size: 8192,
					Hash: bytes.Repeat([]byte{0x11}, 32),
				},
				Operations: []payload.InstallOperation{
					{
						Type:       payload.OpReplace,
						DataLength: 8192,
						DstExtents: []payload.Extent{{StartBlock: 0, NumBlocks: 2}},
					},
				},
			},
		},
	}

	encoded := m.Marshal()
	decoded, err := payload.DecodeManifest(encoded)
	if err != nil {
		t.Fatalf("DecodeManifest: %v", err)
	}

	if decoded.BlockSize != m.BlockSize {
		t.Fatalf("BlockSize = %d, want %d", decoded.BlockSize, m.BlockSize)
	}
	pu, ok := decoded.Partition("boot")
	if !ok {
		t.Fatalf("decoded manifest missing boot partition")
	}
	if pu.NewPartitionInfo == nil || pu.NewPartitionInfo.Size != 8192 {
		t.Fatalf("boot partition info not preserved: %+v", pu.NewPartitionInfo)
	}
	if len(pu.Operations) != 1 || pu.Operations[0].Type != payload.OpReplace {
		t.Fatalf("boot operations not preserved: %+v", pu.Operations)
	}
}

func TestManifestPreservesUnknownFields(t *testing.T) {
	m := &payload.Manifest{BlockSize: 4096}
	encoded := m.Marshal()

	// Simulate a future manifest field this package doesn't model yet.
	withExtra := append(append([]byte(nil), encoded...), 0xF8, 0x01, 0x01)

	decoded, err := payload.DecodeManifest(withExtra)
	if err != nil {
		t.Fatalf("DecodeManifest with unknown field: %v", err)
	}
	reencoded := decoded.Marshal()
	if !bytes.Contains(reencoded, []byte{0xF8, 0x01, 0x01}) {
		t.Fatalf("unknown trailing field was dropped on re-encode")
	}
}
