package boot

import (
	"fmt"

	"otapatch/internal/cpio"
	"otapatch/internal/otaerr"
)

// Magisk version code gate this tool accepts, grounded on
// original_source/avbroot/main.py's get_magisk_version check: below
// 22000 the ramdisk layout predates the overlay.d convention this patch
// targets, at or above 25300 Magisk moved boot patching fully in-house
// via its own magiskboot and no longer needs this tool's ramdisk surgery.
const (
	MinMagiskVersionCode = 22000
	MaxMagiskVersionCode = 25300
)

// MagiskVersionSupported reports whether versionCode falls inside the
// supported half-open range [MinMagiskVersionCode, MaxMagiskVersionCode).
func MagiskVersionSupported(versionCode int) bool {
	return versionCode >= MinMagiskVersionCode && versionCode < MaxMagiskVersionCode
}

// MagiskAssets are the architecture-specific binaries pulled out of the
// Magisk APK's lib/<abi>/ directories (shipped there, rather than in
// assets/, so they survive APK compression settings untouched).
type MagiskAssets struct {
	Magiskinit []byte
	Magisk32   []byte
	Magisk64   []byte // nil on 32-bit-only targets
	Stub       []byte // assets/stub.apk, recompressed as stub.xz
}

const magiskInitRc = `on early-init
    mount_all /vendor/etc/fstab.${ro.hardware}
` + "on post-fs-data\n" + `    start logd
    exec u:r:magisk:s0 0 0 -- /sbin/magisk --post-fs-data
on property:vold.decrypt=trigger_restart_framework
    exec u:r:magisk:s0 0 0 -- /sbin/magisk --service
`

// RootPatch injects Magisk into ramdisk (decompressed cpio bytes),
// returning the patched, still-decompressed cpio bytes. The caller is
// responsible for recompressing with the image's original ramdisk
// codec and updating BootImage.Ramdisk accordingly (Repack derives the
// header's ramdisk size from it).
//
// Already-patched ramdisks are restored to their pre-Magisk state first,
// matching Magisk's own installer behavior of never stacking patches.
func RootPatch(ramdisk []byte, assets MagiskAssets, versionCode int, keepVerity, keepForceEncrypt, ignoreVersion bool) ([]byte, error) {
	if !ignoreVersion && !MagiskVersionSupported(versionCode) {
		return nil, otaerr.Warn(otaerr.MagiskVersion,
			"magisk version code %d outside supported range [%d, %d)", versionCode, MinMagiskVersionCode, MaxMagiskVersionCode)
	}

	origin, err := cpio.LoadFromData(ramdisk)
	if err != nil {
		return nil, otaerr.Wrap(otaerr.MalformedArchive, err, "parse ramdisk cpio")
	}
	if origin.Test()&cpio.UnsupportedCpio != 0 {
		return nil, otaerr.New(otaerr.UnsupportedOp, "ramdisk carries a root solution this tool does not support")
	}

	working, err := cpio.LoadFromData(ramdisk)
	if err != nil {
		return nil, otaerr.Wrap(otaerr.MalformedArchive, err, "parse ramdisk cpio")
	}
	if working.Test()&cpio.MagiskPatched != 0 {
		if err := working.Restore(); err != nil {
			return nil, otaerr.Wrap(otaerr.MalformedArchive, err, "restore already-patched ramdisk")
		}
		// Restore produced the stock layout; re-diff origin against it
		// below so Backup doesn't record a no-op.
		restored, err := working.Bytes()
		if err != nil {
			return nil, otaerr.Wrap(otaerr.MalformedArchive, err, "serialize restored ramdisk")
		}
		origin, err = cpio.LoadFromData(restored)
		if err != nil {
			return nil, otaerr.Wrap(otaerr.MalformedArchive, err, "parse ramdisk cpio")
		}
	}

	if len(assets.Magiskinit) == 0 {
		return nil, fmt.Errorf("magisk: magiskinit binary missing from assets")
	}
	working.AddBytes(0o750, "init", assets.Magiskinit)
	working.AddBytes(0o750, "magiskinit", assets.Magiskinit)
	if assets.Magisk32 != nil {
		working.AddBytes(0o750, "magisk32", assets.Magisk32)
	}
	if assets.Magisk64 != nil {
		working.AddBytes(0o750, "magisk64", assets.Magisk64)
	}
	if assets.Stub != nil {
		working.AddBytes(0o644, "stub.xz", assets.Stub)
	}
	working.Mkdir(0o750, "overlay.d")
	working.AddBytes(0o644, "overlay.d/init.magisk.rc", []byte(magiskInitRc))

	if !keepVerity || !keepForceEncrypt {
		cpio.PatchFstabs(working, !keepVerity, !keepForceEncrypt)
	}

	if err := working.Backup(origin, false); err != nil {
		return nil, fmt.Errorf("magisk: backup original ramdisk entries: %w", err)
	}
	working.AddBytes(0o644, ".backup/.magisk",
		[]byte(fmt.Sprintf("KEEPVERITY=%t\nKEEPFORCEENCRYPT=%t\nRECOVERYMODE=false\n", keepVerity, keepForceEncrypt)))

	out, err := working.Bytes()
	if err != nil {
		return nil, fmt.Errorf("magisk: serialize patched ramdisk: %w", err)
	}
	return out, nil
}
