package payload

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"otapatch/internal/binutil"
	"otapatch/internal/otaerr"
)

// ManifestSigner produces a detached signature over a payload or manifest
// hash, implemented by internal/keys against the user's OTA signing key.
type ManifestSigner interface {
	SignPayloadHash(hash []byte) ([]byte, error)
}

// PatchedPartition is a partition whose image this tool rewrote; Image
// must already be block-size padded.
type PatchedPartition struct {
	Name  string
	Image []byte
}

// Rebuild produces a new payload.bin byte stream from orig, substituting
// each entry in patched for a single full REPLACE operation and leaving
// every other partition's operations untouched (their operation data is
// copied forward from the original payload unmodified). DataOffset on
// every operation is relative to the start of the data blob, so
// signature size never shifts them regardless of which pass computes it.
func Rebuild(orig *Payload, patched []PatchedPartition, signer ManifestSigner) ([]byte, error) {
	byName := make(map[string][]byte, len(patched))
	for _, p := range patched {
		byName[p.Name] = p.Image
	}

	manifest := *orig.Manifest
	manifest.Partitions = append([]PartitionUpdate(nil), orig.Manifest.Partitions...)

	var dataBlob bytes.Buffer
	for i := range manifest.Partitions {
		pu := &manifest.Partitions[i]

		if image, touched := byName[pu.PartitionName]; touched {
			numBlocks := uint64(len(image)) / uint64(manifest.BlockSize)
			if uint64(len(image))%uint64(manifest.BlockSize) != 0 {
				numBlocks++
			}
			sum := sha256.Sum256(image)
			pu.Operations = []InstallOperation{{
				Type:           OpReplace,
				DataOffset:     uint64(dataBlob.Len()),
				DataLength:     uint64(len(image)),
				DstExtents:     []Extent{{StartBlock: 0, NumBlocks: numBlocks}},
				DataSHA256Hash: sum[:],
			}}
			pu.NewPartitionInfo = &PartitionInfo{Size: uint64(len(image)), Hash: sum[:]}
			dataBlob.Write(image)
			continue
		}

		raw, err := copyOperationData(orig, pu)
		if err != nil {
			return nil, fmt.Errorf("copy operations for %s: %w", pu.PartitionName, err)
		}
		for j := range pu.Operations {
			pu.Operations[j].DataOffset = uint64(dataBlob.Len())
			dataBlob.Write(raw[j])
		}
	}

	manifest.SignaturesOffset = 0
	manifest.SignaturesSize = 0

	var sigBlob []byte
	if signer != nil {
		unsigned := manifest.Marshal()
		hash := sha256.Sum256(unsigned)
		sigBytes, err := signer.SignPayloadHash(hash[:])
		if err != nil {
			return nil, otaerr.Wrap(otaerr.Signature, err, "sign rebuilt manifest")
		}
		sigs := &Signatures{Signatures: []Signature{{Data: sigBytes}}}
		sigBlob = sigs.Marshal()

		// sigBlob is the metadata signature: it lives between the manifest
		// and the data blob, sized by the CrAU header's
		// metadata_signature_size field (HeaderBytes below), not inside the
		// data blob itself. manifest.SignaturesOffset/SignaturesSize
		// describe a separate payload signature that a reader would expect
		// to find inside the data blob at that offset; this tool produces
		// no such bytes, so those fields stay at the zero value set above
		// rather than pointing a reader past the end of real data.
	}

	finalManifest := manifest.Marshal()

	var out bytes.Buffer
	out.Write(HeaderBytes(orig.Header.Version, uint64(len(finalManifest)), uint32(len(sigBlob))))
	out.Write(finalManifest)
	out.Write(sigBlob)
	out.Write(dataBlob.Bytes())
	return out.Bytes(), nil
}

// copyOperationData reads the original raw operation payloads for every
// operation in pu, in order, directly from the source payload.
func copyOperationData(orig *Payload, pu *PartitionUpdate) ([][]byte, error) {
	out := make([][]byte, len(pu.Operations))
	for i, op := range pu.Operations {
		raw := make([]byte, op.DataLength)
		if op.DataLength > 0 {
			if _, err := orig.src.ReadAt(raw, orig.DataOffset+int64(op.DataOffset)); err != nil {
				return nil, err
			}
		}
		out[i] = raw
	}
	return out, nil
}

// AlignPartitionImage pads image up to the next block-size boundary with
// zero bytes, as update_engine requires partition images to be an exact
// multiple of the manifest's block_size.
func AlignPartitionImage(image []byte, blockSize uint32) []byte {
	pad := binutil.AlignPadding(uint64(len(image)), uint64(blockSize))
	if pad == 0 {
		return image
	}
	return append(image, make([]byte, pad)...)
}
