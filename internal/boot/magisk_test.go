package boot_test

import (
	"testing"

	"otapatch/internal/boot"
	"otapatch/internal/cpio"
)

func buildStockRamdisk(t *testing.T) []byte {
	t.Helper()
	a := cpio.New()
	a.AddBytes(0o750, "init", []byte("stock init binary"))
	a.AddBytes(0o644, "fstab.qcom", []byte("/dev/block/by-name/vendor /vendor ext4 ro wait,forceencrypt=aes-256-xts\n"))
	raw, err := a.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	return raw
}

func TestRootPatchInjectsMagisk(t *testing.T) {
	ramdisk := buildStockRamdisk(t)
	assets := boot.MagiskAssets{
		Magiskinit: []byte("magiskinit binary"),
		Magisk64:   []byte("magisk64 binary"),
	}

	patched, err := boot.RootPatch(ramdisk, assets, 24000, true, true, false)
	if err != nil {
		t.Fatalf("RootPatch: %v", err)
	}

	a, err := cpio.LoadFromData(patched)
	if err != nil {
		t.Fatalf("LoadFromData: %v", err)
	}
	if a.Test()&cpio.MagiskPatched == 0 {
		t.Fatalf("patched ramdisk not recognized as Magisk-patched")
	}
	if !a.Exists("magisk64") {
		t.Fatalf("magisk64 binary missing from patched ramdisk")
	}
	if !a.Exists(".backup/init.xz") {
		t.Fatalf("original init not backed up")
	}
}

func TestRootPatchRejectsUnsupportedVersion(t *testing.T) {
	ramdisk := buildStockRamdisk(t)
	assets := boot.MagiskAssets{Magiskinit: []byte("x")}

	_, err := boot.RootPatch(ramdisk, assets, 21000, true, true, false)
	if err == nil {
		t.Fatalf("expected error for version code below supported range")
	}
}

func TestRootPatchIgnoreVersionBypassesGate(t *testing.T) {
	ramdisk := buildStockRamdisk(t)
	assets := boot.MagiskAssets{Magiskinit: []byte("x")}

	_, err := boot.RootPatch(ramdisk, assets, 21000, true, true, true)
	if err != nil {
		t.Fatalf("RootPatch with ignoreVersion: %v", err)
	}
}
