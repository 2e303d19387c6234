package boot

import (
	"archive/zip"
	"io"
	"regexp"
	"strconv"

	"otapatch/internal/codec"
	"otapatch/internal/otaerr"
)

// preferredABIs lists the lib/<abi>/ directories to search, most capable
// first; the first ABI carrying libmagiskinit.so wins.
var preferredABIs = []string{"arm64-v8a", "x86_64", "armeabi-v7a", "x86"}

var magiskVerCodeRe = regexp.MustCompile(`(?m)^MAGISK_VER_CODE=(\d+)`)

// LoadMagiskAssets reads a Magisk APK (an ordinary ZIP) and returns the
// architecture-specific binaries RootPatch needs plus the package's
// declared version code, read from assets/util_functions.sh's
// MAGISK_VER_CODE line per spec.md section 6's Magisk package contract.
func LoadMagiskAssets(apkPath string) (MagiskAssets, int, error) {
	zr, err := zip.OpenReader(apkPath)
	if err != nil {
		return MagiskAssets{}, 0, otaerr.Wrap(otaerr.BadArguments, err, "opening magisk apk %s", apkPath)
	}
	defer zr.Close()

	byName := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		byName[f.Name] = f
	}

	utilSh, ok := byName["assets/util_functions.sh"]
	if !ok {
		return MagiskAssets{}, 0, otaerr.New(otaerr.MalformedArchive, "magisk apk missing assets/util_functions.sh")
	}
	raw, err := readZipEntry(utilSh)
	if err != nil {
		return MagiskAssets{}, 0, otaerr.Wrap(otaerr.MalformedArchive, err, "reading util_functions.sh")
	}
	m := magiskVerCodeRe.FindSubmatch(raw)
	if m == nil {
		return MagiskAssets{}, 0, otaerr.New(otaerr.MalformedArchive, "util_functions.sh missing MAGISK_VER_CODE")
	}
	versionCode, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return MagiskAssets{}, 0, otaerr.Wrap(otaerr.MalformedArchive, err, "parsing MAGISK_VER_CODE")
	}

	var abi string
	for _, candidate := range preferredABIs {
		if _, ok := byName["lib/"+candidate+"/libmagiskinit.so"]; ok {
			abi = candidate
			break
		}
	}
	if abi == "" {
		return MagiskAssets{}, 0, otaerr.New(otaerr.MalformedArchive, "magisk apk has no supported ABI with libmagiskinit.so")
	}

	assets := MagiskAssets{}
	if assets.Magiskinit, err = readOptionalEntry(byName, "lib/"+abi+"/libmagiskinit.so"); err != nil {
		return MagiskAssets{}, 0, err
	}
	if assets.Magisk32, err = readOptionalEntry(byName, "lib/armeabi-v7a/libmagisk32.so"); err != nil {
		return MagiskAssets{}, 0, err
	}
	if assets.Magisk64, err = readOptionalEntry(byName, "lib/"+abi+"/libmagisk64.so"); err != nil {
		return MagiskAssets{}, 0, err
	}

	if stubApk, err := readOptionalEntry(byName, "assets/stub.apk"); err != nil {
		return MagiskAssets{}, 0, err
	} else if stubApk != nil {
		stubXz, err := codec.Compress(codec.Xz, stubApk)
		if err != nil {
			return MagiskAssets{}, 0, otaerr.Wrap(otaerr.MalformedArchive, err, "recompressing stub.apk")
		}
		assets.Stub = stubXz
	}

	return assets, versionCode, nil
}

func readOptionalEntry(byName map[string]*zip.File, name string) ([]byte, error) {
	f, ok := byName[name]
	if !ok {
		return nil, nil
	}
	data, err := readZipEntry(f)
	if err != nil {
		return nil, otaerr.Wrap(otaerr.MalformedArchive, err, "reading %s", name)
	}
	return data, nil
}

func readZipEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
