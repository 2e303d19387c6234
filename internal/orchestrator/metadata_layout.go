package orchestrator

import (
	"otapatch/internal/archive"
	"otapatch/internal/otaerr"
)

// localHeaderOverhead and dataDescriptorSize model exactly how
// archive/zip lays out a STORED entry it doesn't know the final size of
// up front: a 30-byte fixed local header plus the name, no extra field,
// then the raw data, then a 16-byte data descriptor (signature + crc32 +
// compressed size + uncompressed size) before the next entry's header
// begins. PropertyFile.Offset must match zip.File.DataOffset(), the
// position right after the local header where content starts.
const (
	localHeaderFixedSize = 30
	dataDescriptorSize   = 16
)

func localHeaderOverhead(name string) int64 {
	return localHeaderFixedSize + int64(len(name))
}

// metadataLayout computes metadata.go's property-files listing for the
// fixed entry order this pipeline writes in: metadata, metadata.pb,
// otacert, payload.bin, payload_properties.txt. metadata and metadata.pb's
// own offset/size feed into their own content, so their sizes are found by
// iterating strategy (b)'s two-pass approach to a fixed point rather than
// assuming one pass suffices: each round renders the two entries at their
// current guessed size, remeasures, and stops once the sizes stop
// changing.
type metadataLayout struct {
	MetadataText  []byte
	MetadataProto []byte
	Properties    []archive.PropertyFile
}

const maxLayoutIterations = 8

func layoutMetadata(fields map[string]string, otacertSize, payloadSize, propertiesSize int64) (*metadataLayout, error) {
	metaSize, protoSize := int64(0), int64(0)

	names := []string{"metadata", "metadata.pb", "META-INF/com/android/otacert", "payload.bin", "payload_properties.txt"}

	for i := 0; i < maxLayoutIterations; i++ {
		sizes := []int64{metaSize, protoSize, otacertSize, payloadSize, propertiesSize}

		props := make([]archive.PropertyFile, len(names))
		running := int64(0)
		for j, name := range names {
			dataOffset := running + localHeaderOverhead(name)
			props[j] = archive.PropertyFile{Name: name, Offset: dataOffset, Size: sizes[j]}
			running = dataOffset + sizes[j] + dataDescriptorSize
		}

		text := archive.BuildMetadataText(fields, props)
		proto := archive.BuildMetadataProto(props)

		if int64(len(text)) == metaSize && int64(len(proto)) == protoSize {
			return &metadataLayout{MetadataText: text, MetadataProto: proto, Properties: props}, nil
		}
		metaSize, protoSize = int64(len(text)), int64(len(proto))
	}
	return nil, otaerr.New(otaerr.MetadataOffsets, "metadata layout did not converge after %d iterations", maxLayoutIterations)
}
