// Package vbmeta parses and rebuilds Android Verified Boot vbmeta images:
// the footer appended to boot/vendor_boot/dtbo partitions, the vbmeta
// header itself, and the hash/chain descriptors that make up its trust
// chain. Struct layouts are ported from the teacher's bootimg.go, which
// already modeled the on-disk AVB structures (just never built anything
// on top of them).
package vbmeta

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	FooterMagicLen    = 4
	HeaderMagicLen    = 4
	ReleaseStringSize = 48
	FooterSize        = 64
)

var (
	footerMagic = [FooterMagicLen]byte{'A', 'V', 'B', 'f'}
	headerMagic = [HeaderMagicLen]byte{'A', 'V', 'B', '0'}
)

// Footer is the fixed 64-byte record AVB appends to the end of a
// hash-footer partition (boot, vendor_boot, dtbo, ...), pointing at the
// vbmeta image packed just before it.
type Footer struct {
	Magic             [FooterMagicLen]byte
	VersionMajor      uint32
	VersionMinor      uint32
	OriginalImageSize uint64
	VbmetaOffset      uint64
	VbmetaSize        uint64
	Reserved          [28]byte
}

// Header is the fixed-size vbmeta image header preceding the
// authentication block, auxiliary block (descriptors + public key), and
// everything the AlgorithmType/SignatureOffset fields point into.
type Header struct {
	Magic                       [HeaderMagicLen]byte
	RequiredLibavbVersionMajor  uint32
	RequiredLibavbVersionMinor  uint32
	AuthenticationDataBlockSize uint64
	AuxiliaryDataBlockSize      uint64
	AlgorithmType               uint32
	HashOffset                  uint64
	HashSize                    uint64
	SignatureOffset             uint64
	SignatureSize               uint64
	PublicKeyOffset             uint64
	PublicKeySize               uint64
	PublicKeyMetadataOffset     uint64
	PublicKeyMetadataSize       uint64
	DescriptorsOffset           uint64
	DescriptorsSize             uint64
	RollbackIndex               uint64
	Flags                       uint32
	RollbackIndexLocation       uint32
	ReleaseString               [ReleaseStringSize]byte
	Reserved                    [80]byte
}

// AlgorithmType values relevant to this tool; AVB defines more (ECDSA,
// SHA512 variants) that re-signing doesn't need to originate.
const (
	AlgorithmNone          uint32 = 0
	AlgorithmSHA256RSA2048 uint32 = 1
	AlgorithmSHA256RSA4096 uint32 = 2
	AlgorithmSHA256RSA8192 uint32 = 3
	AlgorithmSHA512RSA2048 uint32 = 4
	AlgorithmSHA512RSA4096 uint32 = 5
	AlgorithmSHA512RSA8192 uint32 = 6
)

// SplitFooter looks for a valid AVB footer in the last FooterSize bytes
// of data and, if present, returns it along with data re-sliced to
// exclude the footer (the vbmeta image the footer points to remains
// inside that slice, at VbmetaOffset).
func SplitFooter(data []byte) (*Footer, []byte, error) {
	if len(data) < FooterSize {
		return nil, data, fmt.Errorf("vbmeta: image too small to carry a footer")
	}
	tail := data[len(data)-FooterSize:]
	var f Footer
	if err := binary.Read(bytes.NewReader(tail), binary.BigEndian, &f); err != nil {
		return nil, data, err
	}
	if f.Magic != footerMagic {
		return nil, data, fmt.Errorf("vbmeta: no AVB footer present")
	}
	return &f, data[:len(data)-FooterSize], nil
}

func (f *Footer) Marshal() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, f)
	return buf.Bytes()
}

// ParseHeader decodes a vbmeta image's fixed header. data must hold at
// least the header-sized prefix of the image; only the header is read.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < binary.Size(Header{}) {
		return nil, fmt.Errorf("vbmeta: image too small for header")
	}
	var h Header
	if err := binary.Read(bytes.NewReader(data), binary.BigEndian, &h); err != nil {
		return nil, err
	}
	if h.Magic != headerMagic {
		return nil, fmt.Errorf("vbmeta: bad magic")
	}
	return &h, nil
}

func (h *Header) Marshal() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, h)
	return buf.Bytes()
}

func headerSize() int64 { return int64(binary.Size(Header{})) }
