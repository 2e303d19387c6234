package boot_test

import (
	"archive/zip"
	"bytes"
	"testing"

	"otapatch/internal/boot"
	"otapatch/internal/cpio"
)

func buildOtaCertsZip(t *testing.T, certPEM []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	fw, err := zw.Create("cert.pem")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	fw.Write(certPEM)
	if err := zw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

func TestPatchOtaCertsZipReplacesContent(t *testing.T) {
	orig := buildOtaCertsZip(t, []byte("old cert"))
	patched, err := boot.PatchOtaCertsZip(orig, []byte("new cert"))
	if err != nil {
		t.Fatalf("PatchOtaCertsZip: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(patched), int64(len(patched)))
	if err != nil {
		t.Fatalf("zip.NewReader: %v", err)
	}
	if len(zr.File) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(zr.File))
	}
	rc, err := zr.File[0].Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	var got bytes.Buffer
	got.ReadFrom(rc)
	if got.String() != "new cert" {
		t.Fatalf("content = %q, want %q", got.String(), "new cert")
	}
}

func TestPatchRamdiskOtaCertsFallsBackWhenAbsent(t *testing.T) {
	a := cpio.New()
	a.AddBytes(0o644, "init.rc", []byte("unrelated"))
	raw, err := a.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}

	_, ok, err := boot.PatchRamdiskOtaCerts(raw, []byte("new cert"))
	if err != nil {
		t.Fatalf("PatchRamdiskOtaCerts: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false when otacerts.zip is absent")
	}
}

func TestPatchRamdiskOtaCertsRewritesEmbeddedZip(t *testing.T) {
	certsZip := buildOtaCertsZip(t, []byte("old cert"))
	a := cpio.New()
	a.AddBytes(0o644, "system/etc/security/otacerts.zip", certsZip)
	raw, err := a.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}

	patched, ok, err := boot.PatchRamdiskOtaCerts(raw, []byte("new cert"))
	if err != nil {
		t.Fatalf("PatchRamdiskOtaCerts: %v", err)
	}
	if !ok {
		t.Fatalf("expected ok=true")
	}

	out, err := cpio.LoadFromData(patched)
	if err != nil {
		t.Fatalf("LoadFromData: %v", err)
	}
	entry, exists := out.Entries["system/etc/security/otacerts.zip"]
	if !exists {
		t.Fatalf("otacerts.zip entry missing after patch")
	}
	zr, err := zip.NewReader(bytes.NewReader(entry.Data), int64(len(entry.Data)))
	if err != nil {
		t.Fatalf("zip.NewReader: %v", err)
	}
	rc, _ := zr.File[0].Open()
	var got bytes.Buffer
	got.ReadFrom(rc)
	if got.String() != "new cert" {
		t.Fatalf("content = %q, want %q", got.String(), "new cert")
	}
}
