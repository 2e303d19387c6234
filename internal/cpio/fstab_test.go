package cpio_test

import (
	"testing"

	"otapatch/internal/cpio"
)

func TestPatchVerityStripsFlags(t *testing.T) {
	in := []byte("/dev/block/by-name/system /system ext4 ro wait,verify,avb_keys\n")
	out := cpio.PatchVerity(in)
	want := "/dev/block/by-name/system /system ext4 ro wait\n"
	if string(out) != want {
		t.Fatalf("PatchVerity = %q, want %q", out, want)
	}
}

func TestPatchFstabsRewritesMatchingEntries(t *testing.T) {
	a := cpio.New()
	a.AddBytes(0o644, "fstab.qcom", []byte("/dev/block/by-name/vendor /vendor ext4 ro wait,forceencrypt=aes-256-xts\n"))
	a.AddBytes(0o644, "init.rc", []byte("untouched\n"))

	cpio.PatchFstabs(a, false, true)

	if string(a.Entries["fstab.qcom"].Data) != "/dev/block/by-name/vendor /vendor ext4 ro wait\n" {
		t.Fatalf("fstab.qcom not patched: %q", a.Entries["fstab.qcom"].Data)
	}
	if string(a.Entries["init.rc"].Data) != "untouched\n" {
		t.Fatalf("unrelated entry modified: %q", a.Entries["init.rc"].Data)
	}
}
