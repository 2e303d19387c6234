package cpio_test

import (
	"bytes"
	"testing"

	"otapatch/internal/cpio"
)

func TestDumpLoadRoundTrip(t *testing.T) {
	a := cpio.New()
	a.Mkdir(0o755, "lib")
	a.AddBytes(0o644, "init.rc", []byte("on init\n    start ueventd\n"))
	a.AddBytes(0o755, "lib/libfoo.so", bytes.Repeat([]byte{0xAB}, 256))
	a.Ln("/system/bin/toolbox", "sbin/toybox")

	buf, err := a.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}

	got, err := cpio.LoadFromData(buf)
	if err != nil {
		t.Fatalf("LoadFromData: %v", err)
	}

	if !got.Exists("init.rc") || !got.Exists("lib/libfoo.so") || !got.Exists("lib") {
		t.Fatalf("round-tripped archive missing entries: %v", got.Keys)
	}
	if !bytes.Equal(got.Entries["init.rc"].Data, []byte("on init\n    start ueventd\n")) {
		t.Fatalf("init.rc content mismatch")
	}
	if !bytes.Equal(got.Entries["sbin/toybox"].Data, []byte("/system/bin/toolbox")) {
		t.Fatalf("symlink target mismatch: %q", got.Entries["sbin/toybox"].Data)
	}
}

func TestRmRecursive(t *testing.T) {
	a := cpio.New()
	a.Mkdir(0o755, "overlay")
	a.AddBytes(0o644, "overlay/init.magisk.rc", []byte("x"))
	a.AddBytes(0o644, "keep.txt", []byte("y"))

	a.Rm("overlay", true)

	if a.Exists("overlay") || a.Exists("overlay/init.magisk.rc") {
		t.Fatalf("Rm(recursive) left entries behind: %v", a.Keys)
	}
	if !a.Exists("keep.txt") {
		t.Fatalf("Rm(recursive) removed unrelated entry")
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	origin := cpio.New()
	origin.AddBytes(0o644, "init.rc", []byte("original init.rc\n"))
	origin.AddBytes(0o644, "fstab.device", []byte("/dev/block/by-name/system /system ext4 ro wait\n"))

	patched := cpio.New()
	patched.AddBytes(0o750, "init.rc", []byte("patched init.rc\n"))
	patched.AddBytes(0o644, "fstab.device", []byte("/dev/block/by-name/system /system ext4 ro wait\n"))
	patched.AddBytes(0o755, "sbin/magisk", []byte("binary"))

	if err := patched.Backup(origin, true); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if !patched.Exists(".backup/init.rc") {
		t.Fatalf("Backup did not record modified init.rc")
	}
	if patched.Exists(".backup/fstab.device") {
		t.Fatalf("Backup recorded an unmodified entry")
	}

	if err := patched.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !bytes.Equal(patched.Entries["init.rc"].Data, []byte("original init.rc\n")) {
		t.Fatalf("Restore did not recover original init.rc content")
	}
	if patched.Exists("sbin/magisk") {
		t.Fatalf("Restore left a Magisk-added entry in place")
	}
}

func TestTestDetectsMagiskPatched(t *testing.T) {
	a := cpio.New()
	a.AddBytes(0o644, "init.magisk.rc", []byte("x"))
	if got := a.Test(); got != cpio.MagiskPatched {
		t.Fatalf("Test() = %d, want MagiskPatched", got)
	}
}
