package archive

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"otapatch/internal/otaerr"
)

// PropertyFile records where one entry's data lives in the final archive,
// the unit the metadata/metadata.pb entries report to the installer so it
// can stream payload.bin without a second pass over the zip's central
// directory.
type PropertyFile struct {
	Name   string
	Offset int64
	Size   int64
}

// RenderPropertyFiles formats property files the way
// ota-streaming-property-files values are written: comma-separated
// "name:offset:size" triples in the given order.
func RenderPropertyFiles(files []PropertyFile) string {
	parts := make([]string, len(files))
	for i, f := range files {
		parts[i] = fmt.Sprintf("%s:%d:%d", f.Name, f.Offset, f.Size)
	}
	return strings.Join(parts, ",")
}

// BuildMetadataText renders the META-INF/com/android/metadata text entry:
// sorted key=value lines, with the self-referential
// ota-streaming-property-files key last since it depends on metadata's own
// final offset and size.
func BuildMetadataText(fields map[string]string, propertyFiles []PropertyFile) []byte {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, fields[k])
	}
	fmt.Fprintf(&b, "ota-streaming-property-files=%s\n", RenderPropertyFiles(propertyFiles))
	return []byte(b.String())
}

const fnMetadataPropertyFiles = 1

// BuildMetadataProto renders the binary metadata.pb entry as a single
// string field carrying the same property-files value the text metadata
// entry carries, so either parser recovers the same offsets.
func BuildMetadataProto(propertyFiles []PropertyFile) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fnMetadataPropertyFiles, protowire.BytesType)
	buf = protowire.AppendString(buf, RenderPropertyFiles(propertyFiles))
	return buf
}

// PayloadProperties renders payload_properties.txt: the payload's own
// hash/size plus the metadata entry's hash/size, the format
// update_engine's verifier expects.
func PayloadProperties(payload []byte, metadataEntry []byte) []byte {
	payloadHash := sha256.Sum256(payload)
	metadataHash := sha256.Sum256(metadataEntry)
	var b strings.Builder
	fmt.Fprintf(&b, "FILE_HASH=%s\n", base64.StdEncoding.EncodeToString(payloadHash[:]))
	fmt.Fprintf(&b, "FILE_SIZE=%d\n", len(payload))
	fmt.Fprintf(&b, "METADATA_HASH=%s\n", base64.StdEncoding.EncodeToString(metadataHash[:]))
	fmt.Fprintf(&b, "METADATA_SIZE=%d\n", len(metadataEntry))
	return []byte(b.String())
}

// VerifyMetadata re-reads the finished archive and checks that the offsets
// and sizes recorded for each property file match the entries actually
// written, the mandatory post-write check spec.md's metadata regenerator
// requires.
func VerifyMetadata(zr *zip.Reader, expected []PropertyFile) error {
	byName := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		byName[f.Name] = f
	}
	for _, want := range expected {
		f, ok := byName[want.Name]
		if !ok {
			return otaerr.New(otaerr.MetadataOffsets, "entry %q referenced by metadata is missing", want.Name)
		}
		offset, err := f.DataOffset()
		if err != nil {
			return otaerr.Wrap(otaerr.MetadataOffsets, err, "reading data offset of %q", want.Name)
		}
		if offset != want.Offset {
			return otaerr.New(otaerr.MetadataOffsets, "%q offset %d, metadata recorded %d", want.Name, offset, want.Offset)
		}
		if int64(f.UncompressedSize64) != want.Size {
			return otaerr.New(otaerr.MetadataOffsets, "%q size %d, metadata recorded %d", want.Name, f.UncompressedSize64, want.Size)
		}
	}
	return nil
}
