package payload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/panjf2000/ants/v2"

	"otapatch/internal/codec"
	"otapatch/internal/otaerr"
)

// Magic is the fixed 4-byte update_engine payload signature.
const Magic = "CrAU"

// Header is the fixed-size prelude preceding the manifest protobuf.
type Header struct {
	Version               uint64
	ManifestSize          uint64
	MetadataSignatureSize uint32 // only present when Version >= 2
}

// Source abstracts the byte range an operation's data lives in; payload.bin
// read from the OTA zip satisfies this directly via bytes.Reader.
type Source interface {
	io.ReaderAt
}

// PayloadSource lets each parallel extraction worker obtain its own
// independently-positioned handle onto payload.bin, rather than every
// worker sharing one seek position. internal/orchestrator's
// fileSectionSource implements it by reopening the archive path on every
// call.
type PayloadSource interface {
	Open() (io.ReadSeekCloser, error)
}

// seekerAt adapts an io.ReadSeeker into io.ReaderAt for callers that only
// have a single handle (e.g. the initial header/manifest parse).
type seekerAt struct {
	mu sync.Mutex
	rs io.ReadSeeker
}

func (s *seekerAt) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.rs.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(s.rs, p)
}

// Payload is a parsed update_engine payload: header, manifest, detached
// metadata signature, and the byte offset where operation data begins.
type Payload struct {
	Header         Header
	Manifest       *Manifest
	MetadataSig    *Signatures
	ManifestOffset int64
	DataOffset     int64

	src    Source
	source PayloadSource
	size   int64
	closer io.Closer
}

// OpenFromSource parses a payload reachable through a PayloadSource,
// retaining both the source (so later parallel extraction can open
// independent handles) and the handle used for the initial parse (so
// Rebuild's sequential reads of untouched partitions have something to
// read from; the caller must Close the returned Payload when done).
func OpenFromSource(source PayloadSource, size int64) (*Payload, error) {
	rsc, err := source.Open()
	if err != nil {
		return nil, otaerr.Wrap(otaerr.MalformedPayload, err, "open payload source")
	}

	p, err := Open(&seekerAt{rs: rsc}, size)
	if err != nil {
		rsc.Close()
		return nil, err
	}
	p.source = source
	p.closer = rsc
	return p, nil
}

// Close releases the handle OpenFromSource opened for the initial parse
// and any subsequent sequential reads. Payloads obtained via Open
// directly own no handle and Close is a no-op for them.
func (p *Payload) Close() error {
	if p.closer != nil {
		return p.closer.Close()
	}
	return nil
}

// Open parses the CrAU header, manifest, and (if present) metadata
// signature from src, which must expose the full payload.bin contents.
func Open(src Source, size int64) (*Payload, error) {
	hdr := make([]byte, 4+8+8)
	if _, err := src.ReadAt(hdr, 0); err != nil {
		return nil, otaerr.Wrap(otaerr.MalformedPayload, err, "read payload header")
	}
	if !bytes.Equal(hdr[:4], []byte(Magic)) {
		return nil, otaerr.New(otaerr.MalformedPayload, "payload.bin missing CrAU magic")
	}
	h := Header{
		Version:      binary.BigEndian.Uint64(hdr[4:12]),
		ManifestSize: binary.BigEndian.Uint64(hdr[12:20]),
	}

	pos := int64(20)
	if h.Version >= 2 {
		var sigLenBuf [4]byte
		if _, err := src.ReadAt(sigLenBuf[:], pos); err != nil {
			return nil, otaerr.Wrap(otaerr.MalformedPayload, err, "read manifest signature size")
		}
		h.MetadataSignatureSize = binary.BigEndian.Uint32(sigLenBuf[:])
		pos += 4
	}

	manifestOff := pos
	manifestBuf := make([]byte, h.ManifestSize)
	if _, err := src.ReadAt(manifestBuf, manifestOff); err != nil {
		return nil, otaerr.Wrap(otaerr.MalformedPayload, err, "read manifest body")
	}
	manifest, err := DecodeManifest(manifestBuf)
	if err != nil {
		return nil, otaerr.Wrap(otaerr.MalformedPayload, err, "decode manifest")
	}
	pos = manifestOff + int64(h.ManifestSize)

	var metaSig *Signatures
	if h.MetadataSignatureSize > 0 {
		sigBuf := make([]byte, h.MetadataSignatureSize)
		if _, err := src.ReadAt(sigBuf, pos); err != nil {
			return nil, otaerr.Wrap(otaerr.MalformedPayload, err, "read manifest signature")
		}
		if metaSig, err = DecodeSignatures(sigBuf); err != nil {
			return nil, otaerr.Wrap(otaerr.MalformedPayload, err, "decode manifest signature")
		}
		pos += int64(h.MetadataSignatureSize)
	}

	return &Payload{
		Header:         h,
		Manifest:       manifest,
		MetadataSig:    metaSig,
		ManifestOffset: manifestOff,
		DataOffset:     pos,
		src:            src,
		size:           size,
	}, nil
}

// HeaderBytes re-renders the fixed-size CrAU prelude for manifestSize and
// sigSize, used when rebuilding a patched payload.
func HeaderBytes(version, manifestSize uint64, sigSize uint32) []byte {
	buf := make([]byte, 0, 24)
	buf = append(buf, []byte(Magic)...)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], version)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], manifestSize)
	buf = append(buf, tmp[:]...)
	if version >= 2 {
		var tmp4 [4]byte
		binary.BigEndian.PutUint32(tmp4[:], sigSize)
		buf = append(buf, tmp4[:]...)
	}
	return buf
}

// readOperationData reads the raw bytes an operation draws its payload
// from, relative to dataOffset in src.
func readOperationData(src Source, dataOffset int64, op InstallOperation) ([]byte, error) {
	if op.DataLength == 0 {
		return nil, nil
	}
	buf := make([]byte, op.DataLength)
	if _, err := src.ReadAt(buf, dataOffset+int64(op.DataOffset)); err != nil {
		return nil, err
	}
	return buf, nil
}

// verifyOperationHash checks op's data_sha256_hash against the raw bytes
// read for it, when the manifest carries one (ZERO/DISCARD ops and older
// manifests may not).
func verifyOperationHash(op InstallOperation, raw []byte) error {
	if len(op.DataSHA256Hash) == 0 {
		return nil
	}
	sum := sha256.Sum256(raw)
	if !bytes.Equal(sum[:], op.DataSHA256Hash) {
		return otaerr.New(otaerr.HashMismatch, "operation data hash mismatch at payload offset %d", op.DataOffset)
	}
	return nil
}

// applyOperation executes one InstallOperation against w, which must be
// positioned so that writes land at the right block offsets (callers use
// an io.WriterAt-backed sink for REPLACE* and a sparse-aware sink for
// ZERO/DISCARD).
func applyOperation(op InstallOperation, raw []byte, blockSize uint32, w io.WriterAt) error {
	blockOff := func(ex Extent) int64 { return int64(ex.StartBlock) * int64(blockSize) }

	switch op.Type {
	case OpZero, OpDiscard:
		zero := make([]byte, blockSize)
		for _, ex := range op.DstExtents {
			for b := uint64(0); b < ex.NumBlocks; b++ {
				if _, err := w.WriteAt(zero, blockOff(ex)+int64(b)*int64(blockSize)); err != nil {
					return err
				}
			}
		}
		return nil

	case OpReplace:
		return writeExtents(w, op.DstExtents, blockSize, raw)

	case OpReplaceBZ, OpReplaceXZ:
		dec, err := codec.Decompress(raw)
		if err != nil {
			return fmt.Errorf("decompress operation data: %w", err)
		}
		return writeExtents(w, op.DstExtents, blockSize, dec)

	default:
		return otaerr.New(otaerr.UnsupportedOp, "unsupported install operation type %s", op.Type)
	}
}

func writeExtents(w io.WriterAt, extents []Extent, blockSize uint32, data []byte) error {
	pos := 0
	for _, ex := range extents {
		n := int(ex.NumBlocks) * int(blockSize)
		if pos+n > len(data) {
			n = len(data) - pos
		}
		if n <= 0 {
			break
		}
		if _, err := w.WriteAt(data[pos:pos+n], int64(ex.StartBlock)*int64(blockSize)); err != nil {
			return err
		}
		pos += n
	}
	return nil
}

// ExtractPartition applies every InstallOperation for partition name into
// sink, then verifies the result against the manifest's recorded hash.
func (p *Payload) ExtractPartition(name string, sink io.WriterAt) error {
	return extractPartitionFrom(p.src, p.DataOffset, p.Manifest, name, sink)
}

func extractPartitionFrom(src Source, dataOffset int64, manifest *Manifest, name string, sink io.WriterAt) error {
	pu, ok := manifest.Partition(name)
	if !ok {
		return otaerr.New(otaerr.BadArguments, "no such partition %q in payload manifest", name)
	}
	for _, op := range pu.Operations {
		raw, err := readOperationData(src, dataOffset, op)
		if err != nil {
			return otaerr.Wrap(otaerr.MalformedPayload, err, "read operation data for %s", name)
		}
		if err := verifyOperationHash(op, raw); err != nil {
			return err
		}
		if err := applyOperation(op, raw, manifest.BlockSize, sink); err != nil {
			if e, ok := err.(*otaerr.Error); ok && e.Kind == otaerr.UnsupportedOp {
				return err
			}
			return otaerr.Wrap(otaerr.MalformedPayload, err, "apply operation for %s", name)
		}
	}
	return nil
}

// VerifyPartitionHash hashes the fully-written partition image and
// compares it against the manifest's new_partition_info hash.
func VerifyPartitionHash(pu *PartitionUpdate, image []byte) error {
	if pu.NewPartitionInfo == nil {
		return nil
	}
	sum := sha256.Sum256(image)
	if !bytes.Equal(sum[:], pu.NewPartitionInfo.Hash) {
		return otaerr.New(otaerr.HashMismatch, "partition %s hash mismatch after extraction", pu.PartitionName)
	}
	return nil
}

// ExtractionTask is one partition to pull out of the payload. Extraction
// writes into an in-memory buffer that grows to the end of the highest
// extent written; it is not pre-sized from the manifest's declared size.
type ExtractionTask struct {
	Name string
}

type extractionResult struct {
	Name  string
	Image []byte
	Err   error
}

type atWriter struct {
	mu  sync.Mutex
	buf []byte
}

func (w *atWriter) WriteAt(p []byte, off int64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(w.buf)) {
		grown := make([]byte, end)
		copy(grown, w.buf)
		w.buf = grown
	}
	copy(w.buf[off:end], p)
	return len(p), nil
}

// ExtractPartitions pulls out every named partition using a bounded
// worker pool, returning a map of partition name to fully-verified image
// bytes. Extraction is embarrassingly parallel across partitions, so the
// pool width is the only thing bounding memory and CPU use.
func (p *Payload) ExtractPartitions(ctx context.Context, names []string, poolSize int) (map[string][]byte, error) {
	results := make(chan extractionResult, len(names))
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, fmt.Errorf("create extraction pool: %w", err)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for _, name := range names {
		name := name
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			select {
			case <-ctx.Done():
				results <- extractionResult{Name: name, Err: ctx.Err()}
				return
			default:
			}

			pu, ok := p.Manifest.Partition(name)
			if !ok {
				results <- extractionResult{Name: name, Err: fmt.Errorf("no such partition %q", name)}
				return
			}

			src := p.src
			if p.source != nil {
				rsc, err := p.source.Open()
				if err != nil {
					results <- extractionResult{Name: name, Err: fmt.Errorf("open payload source: %w", err)}
					return
				}
				defer rsc.Close()
				src = &seekerAt{rs: rsc}
			}

			sink := &atWriter{}
			if err := extractPartitionFrom(src, p.DataOffset, p.Manifest, name, sink); err != nil {
				results <- extractionResult{Name: name, Err: err}
				return
			}
			if err := VerifyPartitionHash(pu, sink.buf); err != nil {
				results <- extractionResult{Name: name, Err: err}
				return
			}
			results <- extractionResult{Name: name, Image: sink.buf}
		})
		if submitErr != nil {
			wg.Done()
			return nil, fmt.Errorf("submit extraction task for %s: %w", name, submitErr)
		}
	}

	wg.Wait()
	close(results)

	out := make(map[string][]byte, len(names))
	for r := range results {
		if r.Err != nil {
			return nil, fmt.Errorf("extract %s: %w", r.Name, r.Err)
		}
		out[r.Name] = r.Image
	}
	return out, nil
}
