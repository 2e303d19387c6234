package archive_test

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"

	"otapatch/internal/archive"
)

func TestRenderPropertyFiles(t *testing.T) {
	got := archive.RenderPropertyFiles([]archive.PropertyFile{
		{Name: "payload.bin", Offset: 100, Size: 200},
		{Name: "metadata", Offset: 0, Size: 50},
	})
	want := "payload.bin:100:200,metadata:0:50"
	if got != want {
		t.Fatalf("RenderPropertyFiles = %q, want %q", got, want)
	}
}

func TestBuildMetadataTextIncludesPropertyFiles(t *testing.T) {
	text := archive.BuildMetadataText(map[string]string{"ota-type": "AB"}, []archive.PropertyFile{
		{Name: "payload.bin", Offset: 10, Size: 20},
	})
	if !strings.Contains(string(text), "ota-type=AB\n") {
		t.Fatalf("missing ota-type field: %s", text)
	}
	if !strings.Contains(string(text), "ota-streaming-property-files=payload.bin:10:20\n") {
		t.Fatalf("missing property-files field: %s", text)
	}
}

func TestVerifyMetadataDetectsOffsetMismatch(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	fw, _ := zw.CreateHeader(&zip.FileHeader{Name: "payload.bin", Method: zip.Store})
	fw.Write([]byte("hello"))
	zw.Close()

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("zip.NewReader: %v", err)
	}

	actualOffset, _ := zr.File[0].DataOffset()
	if err := archive.VerifyMetadata(zr, []archive.PropertyFile{
		{Name: "payload.bin", Offset: actualOffset, Size: 5},
	}); err != nil {
		t.Fatalf("VerifyMetadata rejected correct offsets: %v", err)
	}

	if err := archive.VerifyMetadata(zr, []archive.PropertyFile{
		{Name: "payload.bin", Offset: actualOffset + 1, Size: 5},
	}); err == nil {
		t.Fatalf("expected VerifyMetadata to reject wrong offset")
	}
}
