// Package archive drives the OTA zip itself: reading an input package for
// random access, classifying each entry, and writing an output package in a
// single forward pass with the no-ZIP64-on-payload policy recovery's
// installer requires.
package archive

import (
	"archive/zip"
	"io"
	"time"

	"otapatch/internal/otaerr"
)

// RequiredEntries lists the five entries every OTA package this tool
// understands must contain.
var RequiredEntries = []string{
	"payload.bin",
	"payload_properties.txt",
	"META-INF/com/android/otacert",
	"META-INF/com/android/metadata",
	"META-INF/com/android/metadata.pb",
}

// zip64Threshold is the uncompressed size at which archive/zip starts
// emitting ZIP64 extra fields for an entry.
const zip64Threshold = 0xFFFFFFFF

// Action classifies how an input entry is carried into the output archive.
type Action int

const (
	Drop Action = iota
	Copy
	ReplaceFromFile
	TransformAndStream
)

// Input wraps an opened OTA package for random-access reads.
type Input struct {
	zr     *zip.ReadCloser
	ByName map[string]*zip.File
}

// OpenInput opens path and indexes its entries by name.
func OpenInput(path string) (*Input, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, otaerr.Wrap(otaerr.MalformedArchive, err, "opening %s", path)
	}
	in := &Input{zr: zr, ByName: make(map[string]*zip.File, len(zr.File))}
	for _, f := range zr.File {
		in.ByName[f.Name] = f
	}
	return in, nil
}

func (in *Input) Close() error { return in.zr.Close() }

// Validate fails with MALFORMED_ARCHIVE if any required entry is missing,
// or if payload.bin/payload_properties.txt are not stored uncompressed.
func (in *Input) Validate() error {
	for _, name := range RequiredEntries {
		if _, ok := in.ByName[name]; !ok {
			return otaerr.New(otaerr.MalformedArchive, "missing required entry %q", name)
		}
	}
	for _, name := range []string{"payload.bin", "payload_properties.txt"} {
		if in.ByName[name].Method != zip.Store {
			return otaerr.New(otaerr.MalformedArchive, "%q must be stored uncompressed", name)
		}
	}
	return nil
}

// Open returns a reader over an entry's decompressed content.
func (in *Input) Open(name string) (io.ReadCloser, error) {
	f, ok := in.ByName[name]
	if !ok {
		return nil, otaerr.New(otaerr.MalformedArchive, "entry %q not found", name)
	}
	return f.Open()
}

// Writer wraps archive/zip.Writer with the payload-entry ZIP64 ban and the
// central-directory capture hook the outer signer drives.
type Writer struct {
	capture *capturingWriter
	zw      *zip.Writer
	noZip64 map[string]bool
}

// NewWriter wraps w for a forward-pass archive write.
func NewWriter(w io.Writer) *Writer {
	cw := newCapturingWriter(w)
	return &Writer{capture: cw, zw: zip.NewWriter(cw), noZip64: make(map[string]bool)}
}

// NoZIP64For forbids ZIP64 extensions on the named entry; WriteStored
// returns MALFORMED_ARCHIVE if the entry's data would force them.
func (w *Writer) NoZIP64For(name string) {
	w.noZip64[name] = true
}

// WriteStored writes a STORED entry with a fixed deterministic modified
// time, honoring the no-ZIP64 policy set by NoZIP64For.
func (w *Writer) WriteStored(name string, data []byte, modified time.Time) error {
	if w.noZip64[name] && uint64(len(data)) > zip64Threshold {
		return otaerr.New(otaerr.MalformedArchive, "%q would require ZIP64, which the installer rejects", name)
	}
	hdr := &zip.FileHeader{Name: name, Method: zip.Store, Modified: modified}
	hdr.UncompressedSize64 = uint64(len(data))
	fw, err := w.zw.CreateHeader(hdr)
	if err != nil {
		return otaerr.Wrap(otaerr.MalformedArchive, err, "writing %q", name)
	}
	_, err = fw.Write(data)
	return err
}

// CopyEntry re-emits an input entry's raw (still-compressed) bytes under
// its original method, used for the Copy classification.
func (w *Writer) CopyEntry(f *zip.File) error {
	hdr := f.FileHeader
	fw, err := w.zw.CreateHeader(&hdr)
	if err != nil {
		return otaerr.Wrap(otaerr.MalformedArchive, err, "copying %q", f.Name)
	}
	rc, err := f.OpenRaw()
	if err != nil {
		return otaerr.Wrap(otaerr.MalformedArchive, err, "opening raw %q", f.Name)
	}
	_, err = io.Copy(fw, rc)
	return err
}

// BeginCapture starts buffering bytes written from this point on, in
// addition to passing them through to the underlying writer. Call just
// before Close so the buffered region covers the central directory and
// EOCD record.
func (w *Writer) BeginCapture() {
	w.capture.beginCapture()
}

// EndCaptureAndSign stops buffering, hands the buffered central-directory
// region to signer, and appends the returned signature block directly
// after the archive as a trailing out-of-band block, then flushes.
func (w *Writer) EndCaptureAndSign(signer func([]byte) ([]byte, error)) error {
	if err := w.zw.Close(); err != nil {
		return otaerr.Wrap(otaerr.MalformedArchive, err, "closing archive")
	}
	region := w.capture.endCapture()
	sig, err := signer(region)
	if err != nil {
		return otaerr.Wrap(otaerr.Sign, err, "signing central directory")
	}
	_, err = w.capture.underlying.Write(sig)
	return err
}

// Close finalizes the archive without a trailing signature block.
func (w *Writer) Close() error {
	return w.zw.Close()
}
