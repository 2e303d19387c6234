package archive_test

import (
	"archive/zip"
	"bytes"
	"os"
	"testing"
	"time"

	"otapatch/internal/archive"
)

func TestWriteStoredAllowsBannedEntryUnderThreshold(t *testing.T) {
	var out bytes.Buffer
	w := archive.NewWriter(&out)
	w.NoZIP64For("payload.bin")

	// A 4GiB entry can't be allocated in a unit test, so this only checks
	// that a write under the ZIP64 threshold succeeds on an entry with the
	// ban set.
	if err := w.WriteStored("payload.bin", []byte("small"), time.Unix(0, 0)); err != nil {
		t.Fatalf("WriteStored: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(out.Bytes()), int64(out.Len()))
	if err != nil {
		t.Fatalf("zip.NewReader: %v", err)
	}
	if len(zr.File) != 1 || zr.File[0].Name != "payload.bin" {
		t.Fatalf("unexpected archive contents: %+v", zr.File)
	}
}

func TestCaptureAndSignAppendsTrailer(t *testing.T) {
	var out bytes.Buffer
	w := archive.NewWriter(&out)
	if err := w.WriteStored("a.txt", []byte("hello"), time.Unix(0, 0)); err != nil {
		t.Fatalf("WriteStored: %v", err)
	}
	w.BeginCapture()

	var signedWith []byte
	err := w.EndCaptureAndSign(func(region []byte) ([]byte, error) {
		signedWith = append([]byte(nil), region...)
		return []byte("SIGNATURE-BLOCK"), nil
	})
	if err != nil {
		t.Fatalf("EndCaptureAndSign: %v", err)
	}
	if len(signedWith) == 0 {
		t.Fatalf("signer received no captured bytes")
	}
	if !bytes.HasSuffix(out.Bytes(), []byte("SIGNATURE-BLOCK")) {
		t.Fatalf("output does not end with signature trailer")
	}
}

func TestValidateRequiresStoredPayload(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range archive.RequiredEntries {
		method := zip.Store
		if name == "payload.bin" {
			method = zip.Deflate
		}
		hdr := &zip.FileHeader{Name: name, Method: method}
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			t.Fatalf("CreateHeader: %v", err)
		}
		fw.Write([]byte("x"))
	}
	zw.Close()

	path := writeTempZip(t, buf.Bytes())
	in, err := archive.OpenInput(path)
	if err != nil {
		t.Fatalf("OpenInput: %v", err)
	}
	defer in.Close()

	if err := in.Validate(); err == nil {
		t.Fatalf("expected validation failure for deflated payload.bin")
	}
}

func writeTempZip(t *testing.T, data []byte) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "*.zip")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()
	return f.Name()
}
