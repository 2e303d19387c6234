package boot

import "otapatch/internal/codec"

// ApplyMagisk decompresses the ramdisk with whatever codec it was found
// compressed with, runs RootPatch, and recompresses with the same codec
// so the repacked image keeps the exact format the device's bootloader
// and kernel expect.
func (img *BootImage) ApplyMagisk(assets MagiskAssets, versionCode int, keepVerity, keepForceEncrypt, ignoreVersion bool) error {
	raw := img.Ramdisk
	if codec.Compressed(img.RamdiskFormat) {
		dec, err := codec.Decompress(img.Ramdisk)
		if err != nil {
			return err
		}
		raw = dec
	}

	patched, err := RootPatch(raw, assets, versionCode, keepVerity, keepForceEncrypt, ignoreVersion)
	if err != nil {
		return err
	}

	if codec.Compressed(img.RamdiskFormat) {
		recompressed, err := codec.Compress(img.RamdiskFormat, patched)
		if err != nil {
			return err
		}
		patched = recompressed
	}

	img.Ramdisk = patched
	return nil
}

// ApplyOtaCertPatch rewrites the ramdisk's embedded otacerts.zip, if any,
// through the same decompress/recompress wrapper ApplyMagisk uses. ok is
// false when this ramdisk carries no otacerts.zip, so the caller can fall
// back to patching a system partition's on-disk copy instead.
func (img *BootImage) ApplyOtaCertPatch(certPEM []byte) (ok bool, err error) {
	raw := img.Ramdisk
	if codec.Compressed(img.RamdiskFormat) {
		dec, err := codec.Decompress(img.Ramdisk)
		if err != nil {
			return false, err
		}
		raw = dec
	}

	patched, ok, err := PatchRamdiskOtaCerts(raw, certPEM)
	if err != nil || !ok {
		return ok, err
	}

	if codec.Compressed(img.RamdiskFormat) {
		recompressed, err := codec.Compress(img.RamdiskFormat, patched)
		if err != nil {
			return false, err
		}
		patched = recompressed
	}

	img.Ramdisk = patched
	return true, nil
}
