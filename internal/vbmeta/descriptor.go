package vbmeta

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"otapatch/internal/binutil"
)

// DescriptorTag identifies the kind of AVB descriptor embedded in a
// vbmeta image's auxiliary block.
type DescriptorTag uint64

const (
	TagProperty       DescriptorTag = 0
	TagHashtree       DescriptorTag = 1
	TagHash           DescriptorTag = 2
	TagKernelCmdline  DescriptorTag = 3
	TagChainPartition DescriptorTag = 4
)

// Descriptor is one entry from the descriptor block: the generic 16-byte
// (tag, length) header plus its type-specific, 8-byte-aligned payload.
// Fields inside the payload are accessed through the typed helpers below
// rather than exposed directly, since only hash/chain descriptors need
// inspecting by this tool.
type Descriptor struct {
	Tag DescriptorTag
	raw []byte
}

// ParseDescriptors walks the sequential, 8-byte-aligned descriptor block
// an AVB vbmeta header's DescriptorsOffset/DescriptorsSize point to.
func ParseDescriptors(data []byte) ([]Descriptor, error) {
	var out []Descriptor
	pos := 0
	for pos < len(data) {
		if pos+16 > len(data) {
			return nil, fmt.Errorf("vbmeta: truncated descriptor header at %d", pos)
		}
		tag := binary.BigEndian.Uint64(data[pos : pos+8])
		n := binary.BigEndian.Uint64(data[pos+8 : pos+16])
		total := 16 + n
		if uint64(pos)+total > uint64(len(data)) {
			return nil, fmt.Errorf("vbmeta: descriptor at %d overruns block (n=%d)", pos, n)
		}
		out = append(out, Descriptor{Tag: DescriptorTag(tag), raw: bytes.Clone(data[pos : uint64(pos)+total])})
		pos += int(total)
	}
	return out, nil
}

// MarshalDescriptors concatenates descriptors back into one block.
func MarshalDescriptors(ds []Descriptor) []byte {
	var buf bytes.Buffer
	for _, d := range ds {
		buf.Write(d.raw)
	}
	return buf.Bytes()
}

// fixed layout of AvbHashDescriptor fields following the 16-byte generic
// header, before the variable-length partition_name/salt/digest region.
type hashDescriptorFixed struct {
	ImageSize        uint64
	HashAlgorithm    [32]byte
	PartitionNameLen uint32
	SaltLen          uint32
	DigestLen        uint32
	Flags            uint32
	Reserved         [60]byte
}

type chainDescriptorFixed struct {
	RollbackIndexLocation uint32
	PublicKeyLen          uint32
	PublicKeyMetadataLen  uint32
	Reserved              [60]byte
}

// PartitionName extracts the partition name a hash or chain descriptor
// refers to, for role resolution and VBMETA_INCOMPATIBLE detection.
func (d Descriptor) PartitionName() (string, bool) {
	body := d.raw[16:]
	switch d.Tag {
	case TagHash:
		var f hashDescriptorFixed
		if err := binary.Read(bytes.NewReader(body), binary.BigEndian, &f); err != nil {
			return "", false
		}
		off := binary.Size(f)
		if off+int(f.PartitionNameLen) > len(body) {
			return "", false
		}
		return string(body[off : off+int(f.PartitionNameLen)]), true
	case TagChainPartition:
		var f chainDescriptorFixed
		if err := binary.Read(bytes.NewReader(body), binary.BigEndian, &f); err != nil {
			return "", false
		}
		// partition name follows the fixed fields for chain descriptors too.
		off := binary.Size(f)
		nameLen := bytes.IndexByte(body[off:], 0)
		if nameLen < 0 {
			nameLen = len(body) - off
		}
		return string(body[off : off+nameLen]), true
	default:
		return "", false
	}
}

// IsChain reports whether this descriptor chains trust to a standalone
// vbmeta in another partition, rather than hashing this image directly.
func (d Descriptor) IsChain() bool { return d.Tag == TagChainPartition }

// HashDigest returns the recorded digest for a hash descriptor.
func (d Descriptor) HashDigest() ([]byte, bool) {
	if d.Tag != TagHash {
		return nil, false
	}
	body := d.raw[16:]
	var f hashDescriptorFixed
	if err := binary.Read(bytes.NewReader(body), binary.BigEndian, &f); err != nil {
		return nil, false
	}
	off := binary.Size(f) + int(f.PartitionNameLen) + int(f.SaltLen)
	if off+int(f.DigestLen) > len(body) {
		return nil, false
	}
	return bytes.Clone(body[off : off+int(f.DigestLen)]), true
}

// NewHashDescriptor builds a hash descriptor for partitionName with the
// given salt and digest, following avbtool's add_hash_footer layout.
func NewHashDescriptor(partitionName string, imageSize uint64, hashAlgorithm string, salt, digest []byte) Descriptor {
	var algo [32]byte
	copy(algo[:], hashAlgorithm)

	fixed := hashDescriptorFixed{
		ImageSize:        imageSize,
		HashAlgorithm:    algo,
		PartitionNameLen: uint32(len(partitionName)),
		SaltLen:          uint32(len(salt)),
		DigestLen:        uint32(len(digest)),
	}

	var body bytes.Buffer
	binary.Write(&body, binary.BigEndian, &fixed)
	body.WriteString(partitionName)
	body.Write(salt)
	body.Write(digest)

	pad := binutil.AlignPadding(uint64(body.Len()), 8)
	body.Write(make([]byte, pad))

	var out bytes.Buffer
	binary.Write(&out, binary.BigEndian, uint64(TagHash))
	binary.Write(&out, binary.BigEndian, uint64(body.Len()))
	out.Write(body.Bytes())

	return Descriptor{Tag: TagHash, raw: out.Bytes()}
}
