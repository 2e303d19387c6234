package vbmeta_test

import (
	"bytes"
	"testing"

	"otapatch/internal/vbmeta"
)

func TestHashDescriptorRoundTrip(t *testing.T) {
	salt := bytes.Repeat([]byte{0x5A}, 32)
	digest := bytes.Repeat([]byte{0x11}, 32)

	d := vbmeta.NewHashDescriptor("boot", 8192, "sha256", salt, digest)

	name, ok := d.PartitionName()
	if !ok || name != "boot" {
		t.Fatalf("PartitionName() = %q, %v", name, ok)
	}
	if d.IsChain() {
		t.Fatalf("hash descriptor reported as chain")
	}
	got, ok := d.HashDigest()
	if !ok || !bytes.Equal(got, digest) {
		t.Fatalf("HashDigest() = %x, want %x", got, digest)
	}
}

func TestParseDescriptorsRoundTrip(t *testing.T) {
	d1 := vbmeta.NewHashDescriptor("boot", 8192, "sha256", bytes.Repeat([]byte{1}, 32), bytes.Repeat([]byte{2}, 32))
	d2 := vbmeta.NewHashDescriptor("vendor_boot", 4096, "sha256", bytes.Repeat([]byte{3}, 32), bytes.Repeat([]byte{4}, 32))

	block := vbmeta.MarshalDescriptors([]vbmeta.Descriptor{d1, d2})
	got, err := vbmeta.ParseDescriptors(block)
	if err != nil {
		t.Fatalf("ParseDescriptors: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d descriptors, want 2", len(got))
	}
	if name, _ := got[0].PartitionName(); name != "boot" {
		t.Fatalf("descriptor[0] partition = %q, want boot", name)
	}
	if name, _ := got[1].PartitionName(); name != "vendor_boot" {
		t.Fatalf("descriptor[1] partition = %q, want vendor_boot", name)
	}
}

func TestSplitFooterRejectsMissingMagic(t *testing.T) {
	data := make([]byte, 128)
	if _, _, err := vbmeta.SplitFooter(data); err == nil {
		t.Fatalf("SplitFooter on zeroed buffer should fail, got nil error")
	}
}

func TestAttachPlacesFooterAtPartitionEnd(t *testing.T) {
	image := bytes.Repeat([]byte{0xAA}, 4096)
	vb := bytes.Repeat([]byte{0xBB}, 512)

	out, err := vbmeta.Attach(image, vb, 8192)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if len(out) != 8192 {
		t.Fatalf("Attach output length = %d, want 8192", len(out))
	}

	footer, _, err := vbmeta.SplitFooter(out)
	if err != nil {
		t.Fatalf("SplitFooter on attached image: %v", err)
	}
	if footer.VbmetaOffset != uint64(len(image)) {
		t.Fatalf("VbmetaOffset = %d, want %d", footer.VbmetaOffset, len(image))
	}
	if footer.VbmetaSize != uint64(len(vb)) {
		t.Fatalf("VbmetaSize = %d, want %d", footer.VbmetaSize, len(vb))
	}
}
