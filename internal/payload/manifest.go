// Package payload parses and rewrites the `CrAU` update_engine payload
// format embedded in an OTA archive as payload.bin: a fixed header, a
// DeltaArchiveManifest protobuf, an optional detached manifest signature,
// and a blob of per-partition InstallOperations.
//
// update_metadata.proto is not vendored anywhere in this tree and protoc
// cannot be invoked here, so the manifest is decoded field-by-field with
// protowire directly. Every field this package does not model is kept as
// a raw (number, wire type, encoded bytes) tuple in original order and
// re-emitted verbatim by Marshal, so round-tripping a manifest this
// package doesn't fully understand never silently drops data.
package payload

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Known update_engine field numbers. Anything else decodes into rawField
// and rides along unmodified.
const (
	fnExtentStartBlock = 1
	fnExtentNumBlocks  = 2

	fnOpType           = 1
	fnOpDataOffset     = 2
	fnOpDataLength     = 3
	fnOpSrcExtents     = 4
	fnOpSrcLength      = 5
	fnOpDstExtents     = 6
	fnOpDstLength      = 7
	fnOpDataSha256Hash = 8
	fnOpSrcSha256Hash  = 9

	fnPartInfoSize = 1
	fnPartInfoHash = 2

	fnPartUpdateName       = 1
	fnPartUpdateOldInfo    = 6
	fnPartUpdateNewInfo    = 7
	fnPartUpdateOperations = 8
	fnPartUpdateVersion    = 18

	fnManifestBlockSize      = 3
	fnManifestSignaturesOff  = 4
	fnManifestSignaturesSize = 5
	fnManifestMinorVersion   = 12
	fnManifestPartitions     = 13
	fnManifestMaxTimestamp   = 14

	fnSignaturesSignature = 1
	fnSignatureData       = 2
)

// InstallOperation.Type values, mirroring update_engine's enum.
type OpType int32

const (
	OpReplace   OpType = 0
	OpReplaceBZ OpType = 1
	OpZero      OpType = 6
	OpDiscard   OpType = 7
	OpReplaceXZ OpType = 8
)

func (t OpType) String() string {
	switch t {
	case OpReplace:
		return "REPLACE"
	case OpReplaceBZ:
		return "REPLACE_BZ"
	case OpZero:
		return "ZERO"
	case OpDiscard:
		return "DISCARD"
	case OpReplaceXZ:
		return "REPLACE_XZ"
	default:
		return fmt.Sprintf("OP(%d)", int32(t))
	}
}

// rawField preserves one undecoded protobuf field exactly as encoded,
// tag included, so it can be re-serialized without understanding it.
type rawField struct {
	num protowire.Number
	typ protowire.Type
	raw []byte
}

func decodeRawFields(b []byte) ([]rawField, error) {
	var fields []rawField
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeField(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		fields = append(fields, rawField{num: num, typ: typ, raw: append([]byte(nil), b[:n]...)})
		b = b[n:]
	}
	return fields, nil
}

func fieldValue(f rawField) []byte {
	_, _, tagLen := protowire.ConsumeTag(f.raw)
	return f.raw[tagLen:]
}

func fieldVarint(f rawField) (uint64, error) {
	v, n := protowire.ConsumeVarint(fieldValue(f))
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return v, nil
}

func fieldFixed64(f rawField) (uint64, error) {
	v, n := protowire.ConsumeFixed64(fieldValue(f))
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return v, nil
}

func fieldBytes(f rawField) ([]byte, error) {
	v, n := protowire.ConsumeBytes(fieldValue(f))
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	return v, nil
}

// Extent is a contiguous run of target-image blocks an InstallOperation
// reads from or writes to.
type Extent struct {
	StartBlock uint64
	NumBlocks  uint64
}

func decodeExtent(raw []byte) (Extent, error) {
	fields, err := decodeRawFields(raw)
	if err != nil {
		return Extent{}, err
	}
	var e Extent
	for _, f := range fields {
		switch f.num {
		case fnExtentStartBlock:
			e.StartBlock, err = fieldVarint(f)
		case fnExtentNumBlocks:
			e.NumBlocks, err = fieldVarint(f)
		}
		if err != nil {
			return Extent{}, err
		}
	}
	return e, nil
}

func encodeExtent(e Extent) []byte {
	var b []byte
	b = protowire.AppendTag(b, fnExtentStartBlock, protowire.VarintType)
	b = protowire.AppendVarint(b, e.StartBlock)
	b = protowire.AppendTag(b, fnExtentNumBlocks, protowire.VarintType)
	b = protowire.AppendVarint(b, e.NumBlocks)
	return b
}

// InstallOperation describes one write against the target partition
// image, either inline replacement data or a hole (ZERO/DISCARD).
type InstallOperation struct {
	Type           OpType
	DataOffset     uint64
	DataLength     uint64
	SrcExtents     []Extent
	SrcLength      uint64
	DstExtents     []Extent
	DstLength      uint64
	DataSHA256Hash []byte
	SrcSHA256Hash  []byte

	unknown []rawField
}

func decodeInstallOperation(raw []byte) (InstallOperation, error) {
	fields, err := decodeRawFields(raw)
	if err != nil {
		return InstallOperation{}, err
	}
	var op InstallOperation
	for _, f := range fields {
		switch f.num {
		case fnOpType:
			v, e := fieldVarint(f)
			op.Type, err = OpType(v), e
		case fnOpDataOffset:
			op.DataOffset, err = fieldVarint(f)
		case fnOpDataLength:
			op.DataLength, err = fieldVarint(f)
		case fnOpSrcLength:
			op.SrcLength, err = fieldVarint(f)
		case fnOpDstLength:
			op.DstLength, err = fieldVarint(f)
		case fnOpDataSha256Hash:
			op.DataSHA256Hash, err = fieldBytes(f)
		case fnOpSrcSha256Hash:
			op.SrcSHA256Hash, err = fieldBytes(f)
		case fnOpSrcExtents:
			var b []byte
			if b, err = fieldBytes(f); err == nil {
				var ex Extent
				if ex, err = decodeExtent(b); err == nil {
					op.SrcExtents = append(op.SrcExtents, ex)
				}
			}
		case fnOpDstExtents:
			var b []byte
			if b, err = fieldBytes(f); err == nil {
				var ex Extent
				if ex, err = decodeExtent(b); err == nil {
					op.DstExtents = append(op.DstExtents, ex)
				}
			}
		default:
			op.unknown = append(op.unknown, f)
		}
		if err != nil {
			return InstallOperation{}, err
		}
	}
	return op, nil
}

func encodeInstallOperation(op InstallOperation) []byte {
	var b []byte
	b = protowire.AppendTag(b, fnOpType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(op.Type))
	b = protowire.AppendTag(b, fnOpDataOffset, protowire.VarintType)
	b = protowire.AppendVarint(b, op.DataOffset)
	b = protowire.AppendTag(b, fnOpDataLength, protowire.VarintType)
	b = protowire.AppendVarint(b, op.DataLength)
	for _, ex := range op.SrcExtents {
		b = protowire.AppendTag(b, fnOpSrcExtents, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeExtent(ex))
	}
	if op.SrcLength != 0 {
		b = protowire.AppendTag(b, fnOpSrcLength, protowire.VarintType)
		b = protowire.AppendVarint(b, op.SrcLength)
	}
	for _, ex := range op.DstExtents {
		b = protowire.AppendTag(b, fnOpDstExtents, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeExtent(ex))
	}
	if op.DstLength != 0 {
		b = protowire.AppendTag(b, fnOpDstLength, protowire.VarintType)
		b = protowire.AppendVarint(b, op.DstLength)
	}
	if op.DataSHA256Hash != nil {
		b = protowire.AppendTag(b, fnOpDataSha256Hash, protowire.BytesType)
		b = protowire.AppendBytes(b, op.DataSHA256Hash)
	}
	if op.SrcSHA256Hash != nil {
		b = protowire.AppendTag(b, fnOpSrcSha256Hash, protowire.BytesType)
		b = protowire.AppendBytes(b, op.SrcSHA256Hash)
	}
	for _, f := range op.unknown {
		b = append(b, f.raw...)
	}
	return b
}

// PartitionInfo records the expected size and SHA-256 hash of a
// partition image, old (source) or new (target).
type PartitionInfo struct {
	Size uint64
	Hash []byte
}

func decodePartitionInfo(raw []byte) (PartitionInfo, error) {
	fields, err := decodeRawFields(raw)
	if err != nil {
		return PartitionInfo{}, err
	}
	var pi PartitionInfo
	for _, f := range fields {
		switch f.num {
		case fnPartInfoSize:
			pi.Size, err = fieldVarint(f)
		case fnPartInfoHash:
			pi.Hash, err = fieldBytes(f)
		}
		if err != nil {
			return PartitionInfo{}, err
		}
	}
	return pi, nil
}

func encodePartitionInfo(pi PartitionInfo) []byte {
	var b []byte
	b = protowire.AppendTag(b, fnPartInfoSize, protowire.VarintType)
	b = protowire.AppendVarint(b, pi.Size)
	b = protowire.AppendTag(b, fnPartInfoHash, protowire.BytesType)
	b = protowire.AppendBytes(b, pi.Hash)
	return b
}

// PartitionUpdate is one partition's worth of InstallOperations plus the
// before/after image hashes the device verifies once they're applied.
type PartitionUpdate struct {
	PartitionName    string
	OldPartitionInfo *PartitionInfo
	NewPartitionInfo *PartitionInfo
	Operations       []InstallOperation
	Version          string

	unknown []rawField
}

func decodePartitionUpdate(raw []byte) (PartitionUpdate, error) {
	fields, err := decodeRawFields(raw)
	if err != nil {
		return PartitionUpdate{}, err
	}
	var pu PartitionUpdate
	for _, f := range fields {
		switch f.num {
		case fnPartUpdateName:
			var b []byte
			if b, err = fieldBytes(f); err == nil {
				pu.PartitionName = string(b)
			}
		case fnPartUpdateVersion:
			var b []byte
			if b, err = fieldBytes(f); err == nil {
				pu.Version = string(b)
			}
		case fnPartUpdateOldInfo:
			var b []byte
			if b, err = fieldBytes(f); err == nil {
				var pi PartitionInfo
				if pi, err = decodePartitionInfo(b); err == nil {
					pu.OldPartitionInfo = &pi
				}
			}
		case fnPartUpdateNewInfo:
			var b []byte
			if b, err = fieldBytes(f); err == nil {
				var pi PartitionInfo
				if pi, err = decodePartitionInfo(b); err == nil {
					pu.NewPartitionInfo = &pi
				}
			}
		case fnPartUpdateOperations:
			var b []byte
			if b, err = fieldBytes(f); err == nil {
				var op InstallOperation
				if op, err = decodeInstallOperation(b); err == nil {
					pu.Operations = append(pu.Operations, op)
				}
			}
		default:
			pu.unknown = append(pu.unknown, f)
		}
		if err != nil {
			return PartitionUpdate{}, err
		}
	}
	return pu, nil
}

func encodePartitionUpdate(pu PartitionUpdate) []byte {
	var b []byte
	b = protowire.AppendTag(b, fnPartUpdateName, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(pu.PartitionName))
	if pu.OldPartitionInfo != nil {
		b = protowire.AppendTag(b, fnPartUpdateOldInfo, protowire.BytesType)
		b = protowire.AppendBytes(b, encodePartitionInfo(*pu.OldPartitionInfo))
	}
	if pu.NewPartitionInfo != nil {
		b = protowire.AppendTag(b, fnPartUpdateNewInfo, protowire.BytesType)
		b = protowire.AppendBytes(b, encodePartitionInfo(*pu.NewPartitionInfo))
	}
	for _, op := range pu.Operations {
		b = protowire.AppendTag(b, fnPartUpdateOperations, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeInstallOperation(op))
	}
	if pu.Version != "" {
		b = protowire.AppendTag(b, fnPartUpdateVersion, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte(pu.Version))
	}
	for _, f := range pu.unknown {
		b = append(b, f.raw...)
	}
	return b
}

// Manifest is the decoded DeltaArchiveManifest: partition layout plus the
// offset/size of the detached signature appended after the operation
// data blob.
type Manifest struct {
	BlockSize        uint32
	SignaturesOffset uint64
	SignaturesSize   uint64
	MinorVersion     uint32
	Partitions       []PartitionUpdate
	MaxTimestamp     int64

	unknown []rawField
}

// DecodeManifest parses a DeltaArchiveManifest from raw protobuf bytes.
func DecodeManifest(raw []byte) (*Manifest, error) {
	fields, err := decodeRawFields(raw)
	if err != nil {
		return nil, fmt.Errorf("payload: decode manifest: %w", err)
	}
	m := &Manifest{BlockSize: 4096}
	for _, f := range fields {
		switch f.num {
		case fnManifestBlockSize:
			var v uint64
			if v, err = fieldVarint(f); err == nil {
				m.BlockSize = uint32(v)
			}
		case fnManifestSignaturesOff:
			m.SignaturesOffset, err = fieldVarint(f)
		case fnManifestSignaturesSize:
			m.SignaturesSize, err = fieldVarint(f)
		case fnManifestMinorVersion:
			var v uint64
			if v, err = fieldVarint(f); err == nil {
				m.MinorVersion = uint32(v)
			}
		case fnManifestMaxTimestamp:
			var v uint64
			if v, err = fieldVarint(f); err == nil {
				m.MaxTimestamp = int64(v)
			}
		case fnManifestPartitions:
			var b []byte
			if b, err = fieldBytes(f); err == nil {
				var pu PartitionUpdate
				if pu, err = decodePartitionUpdate(b); err == nil {
					m.Partitions = append(m.Partitions, pu)
				}
			}
		default:
			m.unknown = append(m.unknown, f)
		}
		if err != nil {
			return nil, fmt.Errorf("payload: decode manifest: %w", err)
		}
	}
	return m, nil
}

// Marshal re-encodes the manifest, preserving any fields this package
// doesn't model at the end of the stream.
func (m *Manifest) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fnManifestBlockSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.BlockSize))
	if m.SignaturesOffset != 0 {
		b = protowire.AppendTag(b, fnManifestSignaturesOff, protowire.VarintType)
		b = protowire.AppendVarint(b, m.SignaturesOffset)
	}
	if m.SignaturesSize != 0 {
		b = protowire.AppendTag(b, fnManifestSignaturesSize, protowire.VarintType)
		b = protowire.AppendVarint(b, m.SignaturesSize)
	}
	for _, pu := range m.Partitions {
		b = protowire.AppendTag(b, fnManifestPartitions, protowire.BytesType)
		b = protowire.AppendBytes(b, encodePartitionUpdate(pu))
	}
	b = protowire.AppendTag(b, fnManifestMinorVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.MinorVersion))
	b = protowire.AppendTag(b, fnManifestMaxTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.MaxTimestamp))
	for _, f := range m.unknown {
		b = append(b, f.raw...)
	}
	return b
}

// Partition looks up a partition update by name.
func (m *Manifest) Partition(name string) (*PartitionUpdate, bool) {
	for i := range m.Partitions {
		if m.Partitions[i].PartitionName == name {
			return &m.Partitions[i], true
		}
	}
	return nil, false
}

// Signature is one detached RSA signature over the manifest or payload
// hash, keyed implicitly by signer.
type Signature struct {
	Data []byte

	unknown []rawField
}

// Signatures is the top-level message stored at the payload's
// signatures_offset, a repeated Signature list.
type Signatures struct {
	Signatures []Signature
}

func DecodeSignatures(raw []byte) (*Signatures, error) {
	fields, err := decodeRawFields(raw)
	if err != nil {
		return nil, err
	}
	var s Signatures
	for _, f := range fields {
		if f.num != fnSignaturesSignature {
			continue
		}
		b, err := fieldBytes(f)
		if err != nil {
			return nil, err
		}
		sigFields, err := decodeRawFields(b)
		if err != nil {
			return nil, err
		}
		var sig Signature
		for _, sf := range sigFields {
			if sf.num == fnSignatureData {
				if sig.Data, err = fieldBytes(sf); err != nil {
					return nil, err
				}
			} else {
				sig.unknown = append(sig.unknown, sf)
			}
		}
		s.Signatures = append(s.Signatures, sig)
	}
	return &s, nil
}

func (s *Signatures) Marshal() []byte {
	var b []byte
	for _, sig := range s.Signatures {
		var sb []byte
		sb = protowire.AppendTag(sb, fnSignatureData, protowire.BytesType)
		sb = protowire.AppendBytes(sb, sig.Data)
		for _, f := range sig.unknown {
			sb = append(sb, f.raw...)
		}
		b = protowire.AppendTag(b, fnSignaturesSignature, protowire.BytesType)
		b = protowire.AppendBytes(b, sb)
	}
	return b
}
