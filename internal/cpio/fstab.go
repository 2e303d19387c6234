package cpio

import (
	"bytes"
	"strings"
)

var (
	verityPatterns = [][]byte{
		[]byte("verifyatboot"),
		[]byte("verify"),
		[]byte("avb_keys"),
		[]byte("avb"),
		[]byte("support_scfs"),
		[]byte("fsverity"),
	}

	encryptionPatterns = [][]byte{
		[]byte("forceencrypt"),
		[]byte("forcefdeorfbe"),
		[]byte("fileencryption"),
	}
)

// PatchVerity strips dm-verity related fs_mgr flags from fstab content.
func PatchVerity(fstab []byte) []byte {
	return patchFstabFlags(fstab, verityPatterns)
}

// PatchEncryption strips forced-encryption related fs_mgr flags from
// fstab content.
func PatchEncryption(fstab []byte) []byte {
	return patchFstabFlags(fstab, encryptionPatterns)
}

func patchFstabFlags(fstab []byte, patterns [][]byte) []byte {
	lines := bytes.Split(fstab, []byte{'\n'})
	result := make([][]byte, 0, len(lines))

	for _, line := range lines {
		if len(line) == 0 || line[0] == '#' {
			result = append(result, line)
			continue
		}
		fields := bytes.Fields(line)
		if len(fields) < 5 {
			result = append(result, line)
			continue
		}

		flags := bytes.Split(fields[4], []byte{','})
		var kept [][]byte
		for _, flag := range flags {
			drop := false
			for _, p := range patterns {
				if bytes.HasPrefix(flag, p) {
					drop = true
					break
				}
			}
			if !drop {
				kept = append(kept, flag)
			}
		}

		newLine := bytes.Join([][]byte{
			bytes.Join(fields[:4], []byte{' '}),
			bytes.Join(kept, []byte{','}),
		}, []byte{' '})
		if len(fields) > 5 {
			newLine = append(newLine, ' ')
			newLine = append(newLine, bytes.Join(fields[5:], []byte{' '})...)
		}
		result = append(result, newLine)
	}
	return bytes.Join(result, []byte{'\n'})
}

// PatchFstabs rewrites every fstab.* entry in the archive in place,
// stripping dm-verity and/or forced-encryption flags as requested. Entry
// names recognized follow AOSP's fstab naming convention: "fstab.<hw>"
// at the ramdisk root, or "vendor/etc/fstab.<hw>" on newer layouts.
func PatchFstabs(a *Archive, stripVerity, stripEncryption bool) {
	if !stripVerity && !stripEncryption {
		return
	}
	for _, name := range a.Keys {
		base := name
		if i := strings.LastIndexByte(name, '/'); i >= 0 {
			base = name[i+1:]
		}
		if !strings.HasPrefix(base, "fstab.") && base != "fstab" {
			continue
		}
		e := a.Entries[name]
		if stripVerity {
			e.Data = PatchVerity(e.Data)
		}
		if stripEncryption {
			e.Data = PatchEncryption(e.Data)
		}
		a.Entries[name] = e
	}
}
