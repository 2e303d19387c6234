//go:build windows

package stub

// Windows has no device-node concept; OTA boot ramdisks never carry
// char/block device entries in practice, so these are no-ops rather than
// errors.

func Major(dev uint64) uint32 { return 0 }

func Minor(dev uint64) uint32 { return 0 }

func Mkdev(major, minor uint32) uint64 { return 0 }

func Mknod(path string, mode uint32, dev int) error { return nil }

type StatT struct {
	Rdev uint64
}

func Stat(path string, stat *StatT) error {
	stat.Rdev = 0
	return nil
}
