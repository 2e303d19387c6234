package boot

import (
	"archive/zip"
	"bytes"
	"io"
	"time"

	"otapatch/internal/cpio"
	"otapatch/internal/otaerr"
)

// otaCertsRamdiskPath is where a ramdisk carries the device's trusted OTA
// verification certificates, consulted by future OTA installs, not the
// certificate that verifies the package currently being patched.
const otaCertsRamdiskPath = "system/etc/security/otacerts.zip"

// otaCertsFixedTime makes the inner otacerts.zip rebuild deterministic.
var otaCertsFixedTime = time.Date(2009, 1, 1, 0, 0, 0, 0, time.UTC)

// PatchRamdiskOtaCerts replaces the PEM certificate inside the ramdisk's
// embedded system/etc/security/otacerts.zip with certPEM. ok is false if
// the ramdisk carries no such entry, so the caller can fall back to the
// on-disk system partition path spec.md names.
func PatchRamdiskOtaCerts(ramdisk []byte, certPEM []byte) (patched []byte, ok bool, err error) {
	a, err := cpio.LoadFromData(ramdisk)
	if err != nil {
		return nil, false, err
	}
	if !a.Exists(otaCertsRamdiskPath) {
		return ramdisk, false, nil
	}
	inner := a.Entries[otaCertsRamdiskPath].Data
	rewritten, err := PatchOtaCertsZip(inner, certPEM)
	if err != nil {
		return nil, false, err
	}
	a.AddBytes(a.Entries[otaCertsRamdiskPath].Mode, otaCertsRamdiskPath, rewritten)
	out, err := a.Bytes()
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// PatchOtaCertsZip rewrites an otacerts.zip's first entry to hold certPEM,
// keeping the original entry name; any further entries are carried over
// with their content unchanged. The zip is rebuilt deterministically so
// identical inputs always produce identical bytes.
func PatchOtaCertsZip(zipData []byte, certPEM []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	if err != nil {
		return nil, otaerr.Wrap(otaerr.BootImage, err, "opening otacerts.zip")
	}
	if len(zr.File) == 0 {
		return nil, otaerr.New(otaerr.BootImage, "otacerts.zip has no entries")
	}

	var out bytes.Buffer
	zw := zip.NewWriter(&out)
	for i, f := range zr.File {
		hdr := &zip.FileHeader{Name: f.Name, Method: zip.Store, Modified: otaCertsFixedTime}
		content := certPEM
		if i != 0 {
			rc, err := f.Open()
			if err != nil {
				return nil, otaerr.Wrap(otaerr.BootImage, err, "reading %q", f.Name)
			}
			content, err = io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return nil, err
			}
		}
		hdr.UncompressedSize64 = uint64(len(content))
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return nil, otaerr.Wrap(otaerr.BootImage, err, "writing %q", f.Name)
		}
		if _, err := fw.Write(content); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, otaerr.Wrap(otaerr.BootImage, err, "closing otacerts.zip")
	}
	return out.Bytes(), nil
}
