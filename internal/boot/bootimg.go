package boot

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"

	"otapatch/internal/binutil"
	"otapatch/internal/codec"
	"otapatch/internal/otaerr"
	"otapatch/internal/vbmeta"
)

// BootImage is the generalized, from-scratch replacement for the
// teacher's unfinished DynImgHdr/DynImgV0..V4 embedding chain: one flat
// value object covering boot header versions 0-4 and vendor_boot v3/v4,
// tagged with an explicit HeaderVersion rather than a type hierarchy
// that never reached a working ParseImage.
type BootImage struct {
	Kind          Kind
	HeaderVersion uint32
	PageSize      uint32 // boot only; vendor_boot v3/v4 also carries one

	OsVersion uint32
	Name      string
	Cmdline   string
	ID        [20]byte // sha1, boot header only

	Kernel       []byte
	Ramdisk      []byte
	Second       []byte
	RecoveryDtbo []byte
	Dtb          []byte
	Signature    []byte // v4 boot only

	// vendor_boot only
	KernelAddr    uint32
	RamdiskAddr   uint32
	TagsAddr      uint32
	DtbAddr       uint64
	RamdiskTable  []VendorRamdiskTableEntry
	RamdiskChunks [][]byte // per-entry ramdisk slices, v4 multi-ramdisk
	Bootconfig    []byte

	// codecs each section was compressed with, preserved across
	// patch so Repack recompresses the same way it found them
	KernelFormat  codec.Format
	RamdiskFormat codec.Format

	// AVB footer/vbmeta tail found after the image body, if any.
	Footer *vbmeta.Footer
	Vbmeta *vbmeta.Header

	original []byte
}

const defaultPageSize = 4096

// Parse recognizes and decodes a boot or vendor_boot image, including any
// AVB footer appended after it.
func Parse(data []byte) (*BootImage, error) {
	kind, ok := detectKind(data)
	if !ok {
		return nil, otaerr.New(otaerr.BootImage, "not a boot image: missing ANDROID!/VNDRBOOT magic")
	}

	img := &BootImage{Kind: kind, original: data}

	footer, rest, err := vbmeta.SplitFooter(data)
	if err == nil {
		img.Footer = footer
		data = rest
	}

	if kind == KindBoot {
		if err := img.parseBoot(data); err != nil {
			return nil, err
		}
	} else {
		if err := img.parseVendorBoot(data); err != nil {
			return nil, err
		}
	}

	if img.Footer != nil {
		vb, err := vbmeta.ParseHeader(data[img.Footer.VbmetaOffset : img.Footer.VbmetaOffset+img.Footer.VbmetaSize])
		if err != nil {
			return nil, otaerr.Wrap(otaerr.BootImage, err, "parse appended vbmeta")
		}
		img.Vbmeta = vb
	}

	img.KernelFormat = codec.Check(img.Kernel)
	img.RamdiskFormat = codec.Check(img.Ramdisk)

	return img, nil
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

func readSection(data []byte, off uint64, size uint32) ([]byte, error) {
	end := off + uint64(size)
	if end > uint64(len(data)) {
		return nil, fmt.Errorf("section [%d,%d) exceeds image size %d", off, end, len(data))
	}
	return bytes.Clone(data[off:end]), nil
}

func (img *BootImage) parseBoot(data []byte) error {
	if len(data) < 8+4+4+4 {
		return otaerr.New(otaerr.BootImage, "boot image too small for header")
	}
	// header_version lives at a different fixed offset depending on
	// whether this is a v0-2 header (offset 40+4*6=... see hdrV0) or a
	// v3-4 header; probe the v3/v4 layout first since it's a narrower,
	// easier check (fixed offset 40).
	var hv3 hdrV3
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &hv3); err == nil && hv3.HeaderVersion >= 3 {
		return img.parseBootV3V4(data, hv3)
	}

	var h hdrV2
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &h); err != nil {
		return otaerr.Wrap(otaerr.BootImage, err, "read boot header")
	}
	img.HeaderVersion = h.HeaderVersion
	img.PageSize = h.PageSize
	img.OsVersion = h.OsVersion
	img.Name = cstr(h.Name[:])
	img.Cmdline = cstr(h.Cmdline[:]) + cstr(h.ExtraCmdline[:])
	img.ID = [20]byte{}
	copy(img.ID[:], h.ID[:])

	pos := binutil.AlignTo(uint64(binary.Size(hdrV2{})), uint64(h.PageSize))
	var err error
	if img.Kernel, err = readSection(data, pos, h.KernelSize); err != nil {
		return otaerr.Wrap(otaerr.BootImage, err, "read kernel section")
	}
	pos += binutil.AlignTo(uint64(h.KernelSize), uint64(h.PageSize))
	if img.Ramdisk, err = readSection(data, pos, h.RamdiskSize); err != nil {
		return otaerr.Wrap(otaerr.BootImage, err, "read ramdisk section")
	}
	pos += binutil.AlignTo(uint64(h.RamdiskSize), uint64(h.PageSize))
	if img.Second, err = readSection(data, pos, h.SecondSize); err != nil {
		return otaerr.Wrap(otaerr.BootImage, err, "read second-stage section")
	}
	pos += binutil.AlignTo(uint64(h.SecondSize), uint64(h.PageSize))

	if h.HeaderVersion >= 1 {
		if img.RecoveryDtbo, err = readSection(data, pos, h.RecoveryDtboSize); err != nil {
			return otaerr.Wrap(otaerr.BootImage, err, "read recovery dtbo section")
		}
		pos += binutil.AlignTo(uint64(h.RecoveryDtboSize), uint64(h.PageSize))
	}
	if h.HeaderVersion >= 2 {
		if img.Dtb, err = readSection(data, pos, h.DtbSize); err != nil {
			return otaerr.Wrap(otaerr.BootImage, err, "read dtb section")
		}
	}
	return nil
}

func (img *BootImage) parseBootV3V4(data []byte, hv3 hdrV3) error {
	img.HeaderVersion = hv3.HeaderVersion
	img.PageSize = defaultPageSize
	img.OsVersion = hv3.OsVersion
	img.Cmdline = cstr(hv3.Cmdline[:])

	headerSize := uint64(hv3.HeaderSize)
	if headerSize == 0 {
		headerSize = uint64(binary.Size(hdrV4{}))
	}
	pos := binutil.AlignTo(headerSize, defaultPageSize)

	var err error
	if img.Kernel, err = readSection(data, pos, hv3.KernelSize); err != nil {
		return otaerr.Wrap(otaerr.BootImage, err, "read kernel section")
	}
	pos += binutil.AlignTo(uint64(hv3.KernelSize), defaultPageSize)
	if img.Ramdisk, err = readSection(data, pos, hv3.RamdiskSize); err != nil {
		return otaerr.Wrap(otaerr.BootImage, err, "read ramdisk section")
	}
	pos += binutil.AlignTo(uint64(hv3.RamdiskSize), defaultPageSize)

	if hv3.HeaderVersion >= 4 {
		var h4 hdrV4
		if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &h4); err != nil {
			return otaerr.Wrap(otaerr.BootImage, err, "read v4 boot header")
		}
		if img.Signature, err = readSection(data, pos, h4.SignatureSize); err != nil {
			return otaerr.Wrap(otaerr.BootImage, err, "read boot signature section")
		}
	}
	return nil
}

func (img *BootImage) parseVendorBoot(data []byte) error {
	var h3 vndHdrV3
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &h3); err != nil {
		return otaerr.Wrap(otaerr.BootImage, err, "read vendor_boot header")
	}
	img.HeaderVersion = h3.HeaderVersion
	img.PageSize = h3.PageSize
	img.Cmdline = cstr(h3.Cmdline[:])
	img.Name = cstr(h3.Name[:])
	img.KernelAddr = h3.KernelAddr
	img.RamdiskAddr = h3.RamdiskAddr
	img.TagsAddr = h3.TagsAddr
	img.DtbAddr = h3.DtbAddr

	pos := binutil.AlignTo(uint64(h3.HeaderSize), uint64(h3.PageSize))
	var err error
	if img.Ramdisk, err = readSection(data, pos, h3.RamdiskSize); err != nil {
		return otaerr.Wrap(otaerr.BootImage, err, "read vendor ramdisk section")
	}
	pos += binutil.AlignTo(uint64(h3.RamdiskSize), uint64(h3.PageSize))
	if img.Dtb, err = readSection(data, pos, h3.DtbSize); err != nil {
		return otaerr.Wrap(otaerr.BootImage, err, "read vendor dtb section")
	}
	pos += binutil.AlignTo(uint64(h3.DtbSize), uint64(h3.PageSize))

	if h3.HeaderVersion < 4 {
		return nil
	}

	var h4 vndHdrV4
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &h4); err != nil {
		return otaerr.Wrap(otaerr.BootImage, err, "read vendor_boot v4 header")
	}

	tableBuf, err := readSection(data, pos, h4.VendorRamdiskTableSize)
	if err != nil {
		return otaerr.Wrap(otaerr.BootImage, err, "read vendor ramdisk table")
	}
	pos += binutil.AlignTo(uint64(h4.VendorRamdiskTableSize), uint64(h3.PageSize))

	entrySize := int(h4.VendorRamdiskTableEntrySize)
	for i := uint32(0); i < h4.VendorRamdiskTableEntryNum; i++ {
		off := int(i) * entrySize
		if off+entrySize > len(tableBuf) {
			break
		}
		var e VendorRamdiskTableEntry
		if err := binary.Read(bytes.NewReader(tableBuf[off:off+entrySize]), binary.LittleEndian, &e); err != nil {
			return otaerr.Wrap(otaerr.BootImage, err, "decode vendor ramdisk table entry %d", i)
		}
		img.RamdiskTable = append(img.RamdiskTable, e)
		chunk, err := readSection(img.Ramdisk, uint64(e.RamdiskOffset), e.RamdiskSize)
		if err != nil {
			return otaerr.Wrap(otaerr.BootImage, err, "slice ramdisk chunk %d", i)
		}
		img.RamdiskChunks = append(img.RamdiskChunks, chunk)
	}

	if img.Bootconfig, err = readSection(data, pos, h4.BootconfigSize); err != nil {
		return otaerr.Wrap(otaerr.BootImage, err, "read bootconfig section")
	}
	return nil
}

// recomputeID reproduces mkbootimg's SHA-1 image id: a hash over every
// present section's bytes and declared size, in a fixed field order.
func (img *BootImage) recomputeID() [20]byte {
	h := sha1.New()
	write := func(b []byte) {
		h.Write(b)
		var sz [4]byte
		binary.LittleEndian.PutUint32(sz[:], uint32(len(b)))
		h.Write(sz[:])
	}
	write(img.Kernel)
	write(img.Ramdisk)
	write(img.Second)
	write(img.RecoveryDtbo)
	write(img.Dtb)
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Repack re-serializes the image, recomputing section sizes and, for the
// boot (non-vendor) header, the image id hash. The AVB footer, if any,
// is NOT re-appended here — callers that changed the image must rebuild
// the vbmeta footer separately (internal/vbmeta) since the footer's
// OriginalImageSize depends on the final repacked length.
func (img *BootImage) Repack() ([]byte, error) {
	if img.Kind == KindVendorBoot {
		return img.repackVendorBoot()
	}
	return img.repackBoot()
}

func padTo(buf *bytes.Buffer, pageSize uint32) {
	pad := binutil.AlignPadding(uint64(buf.Len()), uint64(pageSize))
	buf.Write(make([]byte, pad))
}

func (img *BootImage) repackBoot() ([]byte, error) {
	if img.HeaderVersion >= 3 {
		return img.repackBootV3V4()
	}

	pageSize := img.PageSize
	if pageSize == 0 {
		pageSize = defaultPageSize
	}
	id := img.recomputeID()

	h := hdrV2{
		hdrV1: hdrV1{
			hdrV0: hdrV0{
				hdrV0Common: hdrV0Common{
					KernelSize:  uint32(len(img.Kernel)),
					RamdiskSize: uint32(len(img.Ramdisk)),
					SecondSize:  uint32(len(img.Second)),
				},
				PageSize:      pageSize,
				HeaderVersion: img.HeaderVersion,
				OsVersion:     img.OsVersion,
			},
			RecoveryDtboSize: uint32(len(img.RecoveryDtbo)),
			HeaderSize:       uint32(binary.Size(hdrV2{})),
		},
		DtbSize: uint32(len(img.Dtb)),
	}
	copy(h.Magic[:], bootMagic)
	copy(h.Name[:], img.Name)
	copy(h.Cmdline[:], img.Cmdline)
	copy(h.ID[:], id[:])

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &h)
	padTo(&buf, pageSize)
	buf.Write(img.Kernel)
	padTo(&buf, pageSize)
	buf.Write(img.Ramdisk)
	padTo(&buf, pageSize)
	buf.Write(img.Second)
	padTo(&buf, pageSize)
	if img.HeaderVersion >= 1 {
		buf.Write(img.RecoveryDtbo)
		padTo(&buf, pageSize)
	}
	if img.HeaderVersion >= 2 {
		buf.Write(img.Dtb)
		padTo(&buf, pageSize)
	}
	return buf.Bytes(), nil
}

func (img *BootImage) repackBootV3V4() ([]byte, error) {
	headerSize := uint32(binary.Size(hdrV3{}))
	if img.HeaderVersion >= 4 {
		headerSize = uint32(binary.Size(hdrV4{}))
	}

	hv3 := hdrV3{
		KernelSize:    uint32(len(img.Kernel)),
		RamdiskSize:   uint32(len(img.Ramdisk)),
		OsVersion:     img.OsVersion,
		HeaderSize:    headerSize,
		HeaderVersion: img.HeaderVersion,
	}
	copy(hv3.Magic[:], bootMagic)
	copy(hv3.Cmdline[:], img.Cmdline)

	var buf bytes.Buffer
	if img.HeaderVersion >= 4 {
		h4 := hdrV4{hdrV3: hv3, SignatureSize: uint32(len(img.Signature))}
		binary.Write(&buf, binary.LittleEndian, &h4)
	} else {
		binary.Write(&buf, binary.LittleEndian, &hv3)
	}
	padTo(&buf, defaultPageSize)
	buf.Write(img.Kernel)
	padTo(&buf, defaultPageSize)
	buf.Write(img.Ramdisk)
	padTo(&buf, defaultPageSize)
	if img.HeaderVersion >= 4 {
		buf.Write(img.Signature)
		padTo(&buf, defaultPageSize)
	}
	return buf.Bytes(), nil
}

func (img *BootImage) repackVendorBoot() ([]byte, error) {
	pageSize := img.PageSize
	if pageSize == 0 {
		pageSize = defaultPageSize
	}

	h3 := vndHdrV3{
		HeaderVersion: img.HeaderVersion,
		PageSize:      pageSize,
		KernelAddr:    img.KernelAddr,
		RamdiskAddr:   img.RamdiskAddr,
		RamdiskSize:   uint32(len(img.Ramdisk)),
		TagsAddr:      img.TagsAddr,
		DtbSize:       uint32(len(img.Dtb)),
		DtbAddr:       img.DtbAddr,
	}
	copy(h3.Magic[:], vendorBootMagic)
	copy(h3.Cmdline[:], img.Cmdline)
	copy(h3.Name[:], img.Name)

	var buf bytes.Buffer
	if img.HeaderVersion < 4 {
		h3.HeaderSize = uint32(binary.Size(vndHdrV3{}))
		binary.Write(&buf, binary.LittleEndian, &h3)
		padTo(&buf, pageSize)
		buf.Write(img.Ramdisk)
		padTo(&buf, pageSize)
		buf.Write(img.Dtb)
		padTo(&buf, pageSize)
		return buf.Bytes(), nil
	}

	entrySize := uint32(binary.Size(VendorRamdiskTableEntry{}))
	table := make([]byte, 0, int(entrySize)*len(img.RamdiskTable))
	for _, e := range img.RamdiskTable {
		var eb bytes.Buffer
		binary.Write(&eb, binary.LittleEndian, &e)
		table = append(table, eb.Bytes()...)
	}

	h4 := vndHdrV4{
		vndHdrV3:                    h3,
		VendorRamdiskTableSize:      uint32(len(table)),
		VendorRamdiskTableEntryNum:  uint32(len(img.RamdiskTable)),
		VendorRamdiskTableEntrySize: entrySize,
		BootconfigSize:              uint32(len(img.Bootconfig)),
	}
	h4.HeaderSize = uint32(binary.Size(vndHdrV4{}))

	binary.Write(&buf, binary.LittleEndian, &h4)
	padTo(&buf, pageSize)
	buf.Write(img.Ramdisk)
	padTo(&buf, pageSize)
	buf.Write(img.Dtb)
	padTo(&buf, pageSize)
	buf.Write(table)
	padTo(&buf, pageSize)
	buf.Write(img.Bootconfig)
	padTo(&buf, pageSize)
	return buf.Bytes(), nil
}
