// Package cpio implements the minimal "new ASCII" (070701) cpio archive
// format used by Android ramdisks: enough to load, mutate and re-dump one,
// plus the Magisk-style entry backup/restore convention boot-image surgery
// relies on.
package cpio

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/edsrzf/mmap-go"

	"otapatch/internal/codec"
	"otapatch/internal/stub"
)

const (
	oCloExec = 0x10000
	sIFBLK   = 0060000
	sIFCHR   = 0020000
	sIFDIR   = 0040000
	sIFLNK   = 0120000
	sIFMT    = 0170000
	sIFREG   = 0100000
)

const (
	sIRUSR = 0400
	sIWUSR = 0200
	sIXUSR = 0100
	sIRGRP = 0040
	sIWGRP = 0020
	sIXGRP = 0010
	sIROTH = 0004
	sIWOTH = 0002
	sIXOTH = 0001
)

// header is the on-disk "new ASCII" cpio header: 6-byte magic followed by
// thirteen 8-character hex fields.
type header struct {
	Magic     [6]byte
	Ino       [8]byte
	Mode      [8]byte
	Uid       [8]byte
	Gid       [8]byte
	Nlink     [8]byte
	Mtime     [8]byte
	Filesize  [8]byte
	Devmajor  [8]byte
	Devminor  [8]byte
	Rdevmajor [8]byte
	Rdevminor [8]byte
	Namesize  [8]byte
	Check     [8]byte
}

// Entry is one file, directory, symlink or device node in the archive.
type Entry struct {
	Mode      uint32
	Uid       uint32
	Gid       uint32
	RDevMajor uint32
	RDevMinor uint32
	Data      []byte
}

func (e Entry) Format(f fmt.State, _ rune) {
	perm := func(bit uint32, c byte) byte {
		if e.Mode&bit != 0 {
			return c
		}
		return '-'
	}
	kind := byte('?')
	switch e.Mode & sIFMT {
	case sIFDIR:
		kind = 'd'
	case sIFREG:
		kind = '-'
	case sIFLNK:
		kind = 'l'
	case sIFBLK:
		kind = 'b'
	case sIFCHR:
		kind = 'c'
	}
	io.WriteString(f, fmt.Sprintf("%c%c%c%c%c%c%c%c%c%c%8d%8d%8s%4d:%-8d",
		kind,
		perm(sIRUSR, 'r'), perm(sIWUSR, 'w'), perm(sIXUSR, 'x'),
		perm(sIRGRP, 'r'), perm(sIWGRP, 'w'), perm(sIXGRP, 'x'),
		perm(sIROTH, 'r'), perm(sIWOTH, 'w'), perm(sIXOTH, 'x'),
		e.Uid, e.Gid, humanize.Bytes(uint64(len(e.Data))), e.RDevMajor, e.RDevMinor,
	))
}

// Archive is an ordered collection of cpio Entries, keyed by normalized
// path. Keys is kept sorted (matching mkbootimg/Magisk's own ramdisk
// ordering convention) so Dump output is deterministic.
type Archive struct {
	Entries map[string]Entry
	Keys    []string
}

func New() *Archive {
	return &Archive{Entries: make(map[string]Entry)}
}

func x8u(b []byte) (uint32, error) {
	if len(b) != 8 {
		return 0, errors.New("cpio: malformed 8-char hex field")
	}
	v, err := strconv.ParseUint(string(b), 16, 32)
	return uint32(v), err
}

func align4(x uint64) uint64 { return (x + 3) &^ 3 }

func normPath(p string) string {
	return strings.TrimLeft(path.Clean(p), "/")
}

// LoadFromData parses a decompressed cpio byte stream in place.
func LoadFromData(data []byte) (*Archive, error) {
	a := New()
	pos := uint64(0)
	hdrSize := uint64(binary.Size(header{}))

	for pos < uint64(len(data)) {
		if pos+hdrSize > uint64(len(data)) {
			return nil, errors.New("cpio: truncated header")
		}
		var hdr header
		if err := binary.Read(bytes.NewReader(data[pos:pos+hdrSize]), binary.LittleEndian, &hdr); err != nil {
			return nil, err
		}
		if !bytes.Equal(hdr.Magic[:], []byte("070701")) {
			return nil, errors.New("cpio: invalid magic")
		}
		pos += hdrSize

		nameSz, err := x8u(hdr.Namesize[:])
		if err != nil {
			return nil, err
		}
		if pos+uint64(nameSz) > uint64(len(data)) {
			return nil, errors.New("cpio: truncated filename")
		}
		name := strings.TrimRight(string(data[pos:pos+uint64(nameSz)]), "\x00")
		pos = align4(pos + uint64(nameSz))

		if name == "." || name == ".." {
			continue
		}
		if name == "TRAILER!!!" {
			break
		}

		fileSz, err := x8u(hdr.Filesize[:])
		if err != nil {
			return nil, err
		}
		if pos+uint64(fileSz) > uint64(len(data)) {
			return nil, errors.New("cpio: truncated file data")
		}
		xx8u := func(x [8]byte) uint32 {
			u, _ := x8u(x[:])
			return u
		}
		a.Entries[name] = Entry{
			Mode:      xx8u(hdr.Mode),
			Uid:       xx8u(hdr.Uid),
			Gid:       xx8u(hdr.Gid),
			RDevMajor: xx8u(hdr.Rdevmajor),
			RDevMinor: xx8u(hdr.Rdevminor),
			Data:      bytes.Clone(data[pos : pos+fileSz]),
		}
		a.Keys = append(a.Keys, name)
		pos = align4(pos + fileSz)
	}
	sort.Strings(a.Keys)
	return a, nil
}

// LoadFromFile memory-maps path and parses it as a cpio archive.
func LoadFromFile(path string) (*Archive, error) {
	fd, err := os.OpenFile(path, os.O_RDONLY, 0o644)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	m, err := mmap.Map(fd, mmap.RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer m.Unmap()

	return LoadFromData(m)
}

func writeZeros(w io.Writer, pos uint64) (uint64, error) {
	buf := make([]byte, align4(pos)-pos)
	n, err := w.Write(buf)
	return uint64(n), err
}

// Dump serializes the archive in new-ASCII cpio format, including the
// trailing TRAILER!!! record.
func (a *Archive) Dump(w io.Writer) error {
	pos := uint64(0)
	inode := int64(300000)

	write := func(b []byte) error {
		n, err := w.Write(b)
		pos += uint64(n)
		return err
	}

	for _, name := range a.Keys {
		e := a.Entries[name]
		hdr := fmt.Sprintf(
			"070701%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x",
			inode, e.Mode, e.Uid, e.Gid, 1, 0, len(e.Data), 0, 0,
			e.RDevMajor, e.RDevMinor, len(name)+1, 0,
		)
		if err := write([]byte(hdr)); err != nil {
			return err
		}
		if err := write([]byte(name)); err != nil {
			return err
		}
		if err := write([]byte{0}); err != nil {
			return err
		}
		n, err := writeZeros(w, pos)
		if err != nil {
			return err
		}
		pos += n
		if err := write(e.Data); err != nil {
			return err
		}
		n, err = writeZeros(w, pos)
		if err != nil {
			return err
		}
		pos += n
		inode++
	}

	hdr := fmt.Sprintf("070701%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x",
		inode, 0o755, 0, 0, 1, 0, 0, 0, 0, 0, 0, 11, 0)
	if err := write([]byte(hdr)); err != nil {
		return err
	}
	if err := write([]byte("TRAILER!!!\x00")); err != nil {
		return err
	}
	_, err := writeZeros(w, pos)
	return err
}

// DumpToFile writes the archive to path.
func (a *Archive) DumpToFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return a.Dump(f)
}

// Bytes serializes the archive to an in-memory buffer.
func (a *Archive) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := a.Dump(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (a *Archive) addEntry(key string, e Entry) {
	if _, exists := a.Entries[key]; !exists {
		a.Keys = append(a.Keys, key)
		sort.Strings(a.Keys)
	}
	a.Entries[key] = e
}

// Rm removes path, and everything under it when recursive is set.
func (a *Archive) Rm(p string, recursive bool) {
	p = normPath(p)
	remove := func(k string) {
		delete(a.Entries, k)
		if i := slices.Index(a.Keys, k); i >= 0 {
			a.Keys = slices.Delete(a.Keys, i, i+1)
		}
	}
	if _, ok := a.Entries[p]; ok {
		remove(p)
	}
	if recursive {
		prefix := p + "/"
		for _, k := range slices.Clone(a.Keys) {
			if strings.HasPrefix(k, prefix) {
				remove(k)
			}
		}
	}
}

func (a *Archive) Exists(p string) bool {
	_, ok := a.Entries[normPath(p)]
	return ok
}

// Add inserts file at path, replacing any existing entry with that path.
func (a *Archive) Add(mode uint32, p string, file string) error {
	if strings.HasSuffix(p, "/") {
		return errors.New("cpio: add path cannot end with /")
	}
	info, err := os.Lstat(file)
	if err != nil {
		return err
	}

	var data []byte
	var rdevMajor, rdevMinor uint32
	switch {
	case info.Mode().IsRegular():
		mode |= sIFREG
		if data, err = os.ReadFile(file); err != nil {
			return err
		}
	case info.Mode()&os.ModeSymlink != 0:
		mode |= sIFLNK
		target, err := os.Readlink(file)
		if err != nil {
			return err
		}
		data = []byte(target)
	default:
		if runtime.GOOS == "windows" {
			return fmt.Errorf("cpio: unsupported file type for %s on windows", file)
		}
		var st stub.StatT
		if err := stub.Stat(file, &st); err != nil {
			return err
		}
		rdevMajor = stub.Major(st.Rdev)
		rdevMinor = stub.Minor(st.Rdev)
		switch {
		case info.Mode()&os.ModeDevice != 0:
			mode |= sIFBLK
		case info.Mode()&os.ModeCharDevice != 0:
			mode |= sIFCHR
		default:
			return fmt.Errorf("cpio: unsupported file type for %s", file)
		}
	}

	a.addEntry(normPath(p), Entry{Mode: mode, RDevMajor: rdevMajor, RDevMinor: rdevMinor, Data: data})
	return nil
}

// AddBytes inserts an in-memory regular file, used when boot surgery
// generates ramdisk content (e.g. Magisk binaries) rather than reading it
// from disk.
func (a *Archive) AddBytes(mode uint32, p string, data []byte) {
	a.addEntry(normPath(p), Entry{Mode: mode | sIFREG, Data: data})
}

func (a *Archive) Mkdir(mode uint32, dir string) {
	a.addEntry(normPath(dir), Entry{Mode: mode | sIFDIR})
}

func (a *Archive) Ln(target, linkName string) {
	data := normPath(target)
	if strings.HasPrefix(target, "/") {
		data = "/" + data
	}
	a.addEntry(normPath(linkName), Entry{Mode: sIFLNK, Data: []byte(data)})
}

func (a *Archive) Mv(from, to string) {
	from, to = normPath(from), normPath(to)
	e, ok := a.Entries[from]
	if !ok {
		return
	}
	delete(a.Entries, from)
	if i := slices.Index(a.Keys, from); i >= 0 {
		a.Keys = slices.Delete(a.Keys, i, i+1)
	}
	a.addEntry(to, e)
}

// Extract writes entry p to the filesystem path out.
func (a *Archive) Extract(p, out string) error {
	p = normPath(p)
	e, ok := a.Entries[p]
	if !ok {
		return fmt.Errorf("cpio: no such entry %q", p)
	}
	if dir := path.Dir(out); dir != "." {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
	}
	mode := os.FileMode(e.Mode & 0o777)
	switch e.Mode & sIFMT {
	case sIFDIR:
		return os.Mkdir(out, mode)
	case sIFREG:
		return os.WriteFile(out, e.Data, mode)
	case sIFLNK:
		return os.Symlink(string(bytes.TrimRight(e.Data, "\x00")), out)
	case sIFBLK, sIFCHR:
		if runtime.GOOS == "windows" {
			return nil
		}
		dev := stub.Mkdev(e.RDevMajor, e.RDevMinor)
		return stub.Mknod(out, uint32(mode), int(dev))
	default:
		return fmt.Errorf("cpio: unknown entry type for %q", p)
	}
}

// ExtractAll writes every entry to the current directory tree under dir.
func (a *Archive) ExtractAll(dir string) error {
	for _, p := range a.Keys {
		if err := a.Extract(p, path.Join(dir, p)); err != nil {
			return err
		}
	}
	return nil
}

func (a *Archive) Ls(p string, recursive bool) []string {
	p = normPath(p)
	if p != "" {
		p = "/" + p
	}
	var out []string
	for _, name := range a.Keys {
		full := "/" + name
		if !strings.HasPrefix(full, p) {
			continue
		}
		rel := strings.TrimPrefix(full, p)
		if rel != "" && !strings.HasPrefix(rel, "/") {
			continue
		}
		if !recursive && rel != "" && strings.Count(rel, "/") > 1 {
			continue
		}
		out = append(out, name)
	}
	return out
}

// Compress xz-compresses a regular-file entry in place, the format
// Magisk's own ramdisk backups use.
func (e *Entry) Compress() bool {
	if e.Mode&sIFMT != sIFREG {
		return false
	}
	c, err := codec.Compress(codec.Xz, e.Data)
	if err != nil {
		return false
	}
	e.Data = c
	return true
}

func (e *Entry) Decompress() bool {
	if e.Mode&sIFMT != sIFREG {
		return false
	}
	d, err := codec.Decompress(e.Data)
	if err != nil {
		return false
	}
	e.Data = d
	return true
}

const (
	MagiskPatched   int32 = 1 << 0
	UnsupportedCpio int32 = 1 << 1
)

// Test reports whether the ramdisk is already Magisk-patched or carries an
// unsupported legacy root solution.
func (a *Archive) Test() int32 {
	for _, f := range []string{"sbin/launch_daemonsu.sh", "sbin/su", "init.xposed.rc", "boot/sbin/launch_daemonsu.sh"} {
		if a.Exists(f) {
			return UnsupportedCpio
		}
	}
	for _, f := range []string{".backup/.magisk", "init.magisk.rc", "overlay/init.magisk.rc"} {
		if a.Exists(f) {
			return MagiskPatched
		}
	}
	return 0
}

// Restore undoes a prior Backup, replacing modified/removed entries and
// dropping entries Magisk originally added.
func (a *Archive) Restore() error {
	backups := make(map[string]Entry)
	var rmList strings.Builder

	for _, name := range a.Keys {
		if !strings.HasPrefix(name, ".backup/") {
			continue
		}
		e := a.Entries[name]
		switch name {
		case ".backup/.rmlist":
			rmList.Write(e.Data)
		case ".backup/.magisk":
			// marker only, not restored
		default:
			newName := name[len(".backup/"):]
			if strings.HasSuffix(name, ".xz") && e.Decompress() {
				newName = strings.TrimSuffix(newName, ".xz")
			}
			backups[newName] = e
		}
	}
	a.Rm(".backup", true)

	if rmList.Len() == 0 && len(backups) == 0 {
		a.Entries = make(map[string]Entry)
		a.Keys = nil
		return nil
	}
	for _, rm := range strings.Split(rmList.String(), "\x00") {
		if rm != "" {
			a.Rm(rm, false)
		}
	}
	for k, v := range backups {
		a.addEntry(k, v)
	}
	return nil
}

// Backup diffs the current archive against origin and records a
// `.backup/` tree plus an `.rmlist` so Restore can reconstruct origin.
func (a *Archive) Backup(origin *Archive, skipCompress bool) error {
	backups := map[string]Entry{
		".backup": {Mode: sIFDIR},
	}
	var rmList strings.Builder

	o := &Archive{Entries: maps_clone(origin.Entries), Keys: slices.Clone(origin.Keys)}
	o.Rm(".backup", true)
	a.Rm(".backup", true)

	lhs, rhs := o.Entries, a.Entries
	lhsKeys, rhsKeys := o.Keys, a.Keys
	li, ri := 0, 0

	backupOne := func(name string, e Entry) {
		bp := name
		if !skipCompress && e.Compress() {
			bp += ".xz"
		}
		backups[".backup/"+bp] = e
	}
	recordRemoved := func(name string) {
		rmList.WriteString(name)
		rmList.WriteByte(0)
	}

	for li < len(lhsKeys) && ri < len(rhsKeys) {
		lk, rk := lhsKeys[li], rhsKeys[ri]
		switch cmp.Compare(lk, rk) {
		case -1:
			backupOne(lk, lhs[lk])
			li++
		case 0:
			le, re := lhs[lk], rhs[rk]
			if !bytes.Equal(le.Data, re.Data) {
				backupOne(lk, le)
			}
			li++
			ri++
		default:
			recordRemoved(rk)
			ri++
		}
	}
	for ; li < len(lhsKeys); li++ {
		backupOne(lhsKeys[li], lhs[lhsKeys[li]])
	}
	for ; ri < len(rhsKeys); ri++ {
		recordRemoved(rhsKeys[ri])
	}

	if rmList.Len() != 0 {
		backups[".backup/.rmlist"] = Entry{Mode: sIFREG, Data: []byte(rmList.String())}
	}
	for k, v := range backups {
		a.addEntry(k, v)
	}
	return nil
}

func maps_clone(m map[string]Entry) map[string]Entry {
	out := make(map[string]Entry, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
