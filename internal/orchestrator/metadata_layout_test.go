package orchestrator

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"
	"time"

	"otapatch/internal/archive"
)

func TestLayoutMetadataConverges(t *testing.T) {
	layout, err := layoutMetadata(map[string]string{"ota-type": "AB"}, 1200, 75_000_000, 256)
	if err != nil {
		t.Fatalf("layoutMetadata: %v", err)
	}

	byName := make(map[string]int64, len(layout.Properties))
	for _, p := range layout.Properties {
		byName[p.Name] = p.Offset
	}

	// metadata's own entry must start at the very first local header.
	if byName["metadata"] != localHeaderOverhead("metadata") {
		t.Fatalf("metadata offset = %d, want %d", byName["metadata"], localHeaderOverhead("metadata"))
	}

	// Each subsequent entry must start after the previous one's content
	// plus its local header and trailing data descriptor.
	prevEnd := byName["metadata"] + int64(len(layout.MetadataText)) + dataDescriptorSize
	if want := prevEnd + localHeaderOverhead("metadata.pb"); byName["metadata.pb"] != want {
		t.Fatalf("metadata.pb offset = %d, want %d", byName["metadata.pb"], want)
	}

	if !strings.Contains(string(layout.MetadataText), "ota-streaming-property-files=") {
		t.Fatalf("rendered metadata text missing property-files field: %s", layout.MetadataText)
	}
}

func TestLayoutMetadataStableAcrossReruns(t *testing.T) {
	a, err := layoutMetadata(map[string]string{"ota-type": "AB"}, 1200, 50_000, 100)
	if err != nil {
		t.Fatalf("layoutMetadata: %v", err)
	}
	b, err := layoutMetadata(map[string]string{"ota-type": "AB"}, 1200, 50_000, 100)
	if err != nil {
		t.Fatalf("layoutMetadata: %v", err)
	}
	if string(a.MetadataText) != string(b.MetadataText) {
		t.Fatalf("layoutMetadata is not deterministic for identical inputs")
	}
}

// TestLayoutMatchesRealZipOffsets writes the same five entries through a
// real archive.Writer (the way writeArchive does, with a genuinely zero
// Modified time) and checks that every computed PropertyFile.Offset
// matches zip.File.DataOffset() on the resulting archive. This is the
// check TestLayoutMetadataConverges can't do: it only compares the layout
// math against itself, so it would pass even if archive/zip added extra
// bytes (e.g. an extended-timestamp field) the layout math didn't expect.
func TestLayoutMatchesRealZipOffsets(t *testing.T) {
	otacert := []byte("fake-cert")
	payload := bytes.Repeat([]byte{0xAB}, 4096)

	layout, err := layoutMetadata(map[string]string{"ota-type": "AB"}, int64(len(otacert)), int64(len(payload)), 0)
	if err != nil {
		t.Fatalf("layoutMetadata (pass 1): %v", err)
	}
	properties := archive.PayloadProperties(payload, layout.MetadataText)
	layout, err = layoutMetadata(map[string]string{"ota-type": "AB"}, int64(len(otacert)), int64(len(payload)), int64(len(properties)))
	if err != nil {
		t.Fatalf("layoutMetadata (pass 2): %v", err)
	}

	var buf bytes.Buffer
	w := archive.NewWriter(&buf)
	w.NoZIP64For("payload.bin")

	entries := []struct {
		name string
		data []byte
	}{
		{"metadata", layout.MetadataText},
		{"metadata.pb", layout.MetadataProto},
		{"META-INF/com/android/otacert", otacert},
		{"payload.bin", payload},
		{"payload_properties.txt", properties},
	}
	for _, e := range entries {
		if err := w.WriteStored(e.name, e.data, time.Time{}); err != nil {
			t.Fatalf("WriteStored(%s): %v", e.name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("zip.NewReader: %v", err)
	}
	byName := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		byName[f.Name] = f
	}

	for _, p := range layout.Properties {
		f, ok := byName[p.Name]
		if !ok {
			t.Fatalf("entry %q missing from written archive", p.Name)
		}
		got, err := f.DataOffset()
		if err != nil {
			t.Fatalf("DataOffset(%s): %v", p.Name, err)
		}
		if got != p.Offset {
			t.Fatalf("%s: DataOffset() = %d, layout computed %d", p.Name, got, p.Offset)
		}
	}
}
