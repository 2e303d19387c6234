package vbmeta

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"otapatch/internal/binutil"
	"otapatch/internal/otaerr"
)

// Signer produces the pieces a vbmeta image needs to carry a valid AVB
// signature: the algorithm identifier, the public key in AVB's own
// binary key format (modulus + Montgomery parameters, not X.509 DER),
// and a raw PKCS#1v1.5 signature over a SHA-256 digest.
type Signer interface {
	Algorithm() uint32
	PublicKeyAVB() ([]byte, error)
	Sign(digest []byte) ([]byte, error)
}

// PartitionImage is one partition this tool re-hashes into the rebuilt
// root vbmeta.
type PartitionImage struct {
	Name string
	Data []byte
}

const saltSize = 32

// deterministicSalt derives a hash-descriptor salt from the partition name
// and image bytes rather than drawing from crypto/rand, so re-running
// Build over identical inputs and keys produces a bit-for-bit identical
// vbmeta image instead of a fresh salt (and footer) every time.
func deterministicSalt(name string, data []byte) []byte {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write(data)
	return h.Sum(nil)
}

// Build assembles a new root vbmeta image. For every entry in images, a
// fresh hash descriptor is computed; every other descriptor from
// original is carried forward unchanged (kernel cmdline descriptors,
// untouched chain descriptors, properties). If original names a managed
// partition via a chain descriptor instead of a hash descriptor,
// VBMETA_INCOMPATIBLE is returned since chained trust can't be re-homed
// by rewriting the root image alone.
func Build(original *Header, originalDescriptors []Descriptor, images []PartitionImage, signer Signer) ([]byte, error) {
	byName := make(map[string][]byte, len(images))
	for _, img := range images {
		byName[img.Name] = img.Data
	}

	var descriptors []Descriptor
	seen := make(map[string]bool)

	for _, d := range originalDescriptors {
		name, hasName := d.PartitionName()
		if !hasName {
			descriptors = append(descriptors, d)
			continue
		}
		data, managed := byName[name]
		if !managed {
			descriptors = append(descriptors, d)
			continue
		}
		if d.IsChain() {
			return nil, otaerr.New(otaerr.VbmetaIncompat,
				"partition %q is verified via a chained vbmeta, not a root hash descriptor; cannot re-home", name)
		}
		seen[name] = true

		salt := deterministicSalt(name, data)
		h := sha256.New()
		h.Write(salt)
		h.Write(data)
		digest := h.Sum(nil)

		descriptors = append(descriptors, NewHashDescriptor(name, uint64(len(data)), "sha256", salt, digest))
	}

	for _, img := range images {
		if seen[img.Name] {
			continue
		}
		salt := deterministicSalt(img.Name, img.Data)
		h := sha256.New()
		h.Write(salt)
		h.Write(img.Data)
		digest := h.Sum(nil)
		descriptors = append(descriptors, NewHashDescriptor(img.Name, uint64(len(img.Data)), "sha256", salt, digest))
	}

	descBlock := MarshalDescriptors(descriptors)
	descBlock = append(descBlock, make([]byte, binutil.AlignPadding(uint64(len(descBlock)), 8))...)

	pubKey, err := signer.PublicKeyAVB()
	if err != nil {
		return nil, fmt.Errorf("vbmeta: obtain public key: %w", err)
	}
	pubKey = append(pubKey, make([]byte, binutil.AlignPadding(uint64(len(pubKey)), 8))...)

	aux := append(append([]byte(nil), descBlock...), pubKey...)

	h := Header{
		RequiredLibavbVersionMajor: 1,
		AlgorithmType:              signer.Algorithm(),
		DescriptorsOffset:          0,
		DescriptorsSize:            uint64(len(descBlock)),
		PublicKeyOffset:            uint64(len(descBlock)),
		PublicKeySize:              uint64(len(pubKey)),
		AuxiliaryDataBlockSize:     uint64(len(aux)),
		RollbackIndexLocation:      original.RollbackIndexLocation,
		RollbackIndex:              original.RollbackIndex,
		Flags:                      original.Flags,
	}
	copy(h.Magic[:], headerMagic[:])
	copy(h.ReleaseString[:], "otapatch")

	digestSize := sha256.Size
	sigSize, err := signatureSize(signer.Algorithm())
	if err != nil {
		return nil, err
	}
	h.HashOffset = 0
	h.HashSize = uint64(digestSize)
	h.SignatureOffset = uint64(digestSize)
	h.SignatureSize = uint64(sigSize)
	h.AuthenticationDataBlockSize = uint64(digestSize + sigSize)

	headerBytes := h.Marshal()
	digest := sha256.Sum256(append(append([]byte(nil), headerBytes...), aux...))
	sig, err := signer.Sign(digest[:])
	if err != nil {
		return nil, otaerr.Wrap(otaerr.Signature, err, "sign root vbmeta")
	}
	if len(sig) != sigSize {
		return nil, fmt.Errorf("vbmeta: signer returned %d-byte signature, want %d", len(sig), sigSize)
	}

	var out bytes.Buffer
	out.Write(headerBytes)
	out.Write(digest[:])
	out.Write(sig)
	out.Write(aux)
	return out.Bytes(), nil
}

func signatureSize(algorithm uint32) (int, error) {
	switch algorithm {
	case AlgorithmSHA256RSA2048, AlgorithmSHA512RSA2048:
		return 256, nil
	case AlgorithmSHA256RSA4096, AlgorithmSHA512RSA4096:
		return 512, nil
	case AlgorithmSHA256RSA8192, AlgorithmSHA512RSA8192:
		return 1024, nil
	case AlgorithmNone:
		return 0, nil
	default:
		return 0, fmt.Errorf("vbmeta: unsupported algorithm type %d", algorithm)
	}
}

// BuildFooter produces the 64-byte AVB footer pointing at a vbmeta image
// of vbmetaSize bytes stored at vbmetaOffset within a partition whose
// unfooted image is originalImageSize bytes long.
func BuildFooter(originalImageSize, vbmetaOffset, vbmetaSize uint64) *Footer {
	f := &Footer{
		VersionMajor:      1,
		VersionMinor:      0,
		OriginalImageSize: originalImageSize,
		VbmetaOffset:      vbmetaOffset,
		VbmetaSize:        vbmetaSize,
	}
	copy(f.Magic[:], footerMagic[:])
	return f
}

// Attach appends a vbmeta image and its footer to image, padding the
// vbmeta region up to the partition's declared total size so the footer
// lands at a fixed, well-known offset the way avbtool's add_hash_footer
// does (partition_size - FooterSize).
func Attach(image, vbmetaImage []byte, partitionSize uint64) ([]byte, error) {
	footerPos := partitionSize - FooterSize
	vbmetaMaxSize := footerPos - uint64(len(image))
	if uint64(len(vbmetaImage)) > vbmetaMaxSize {
		return nil, fmt.Errorf("vbmeta: signed image (%d bytes) does not fit before footer in a %d-byte partition",
			len(vbmetaImage), partitionSize)
	}

	out := make([]byte, partitionSize)
	copy(out, image)
	copy(out[len(image):], vbmetaImage)

	footer := BuildFooter(uint64(len(image)), uint64(len(image)), uint64(len(vbmetaImage)))
	copy(out[footerPos:], footer.Marshal())
	return out, nil
}
