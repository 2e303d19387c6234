//go:build !windows
// +build !windows

// Package stub isolates the handful of device-node syscalls cpio entry
// extraction/creation needs, so the rest of the module stays buildable on
// platforms without them.
package stub

import (
	"golang.org/x/sys/unix"
)

func Major(dev uint64) uint32 {
	return unix.Major(dev)
}

func Minor(dev uint64) uint32 {
	return unix.Minor(dev)
}

func Mkdev(major, minor uint32) uint64 {
	return unix.Mkdev(major, minor)
}

func Mknod(path string, mode uint32, dev int) error {
	return unix.Mknod(path, mode, dev)
}

type StatT struct {
	unix.Stat_t
}

func Stat(path string, stat *StatT) error {
	return unix.Stat(path, &stat.Stat_t)
}
