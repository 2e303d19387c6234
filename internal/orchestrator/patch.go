package orchestrator

import (
	"archive/zip"
	"context"
	"fmt"
	"os"
	"time"

	"otapatch/internal/archive"
	"otapatch/internal/boot"
	"otapatch/internal/keys"
	"otapatch/internal/otaerr"
	"otapatch/internal/payload"
	"otapatch/internal/progressx"
	"otapatch/internal/vbmeta"
)

// Options bundles everything one PatchOTA run needs: the input/output
// paths, the two independent key pairs (AVB re-signs vbmeta and boot
// image footers, OTA re-signs the payload manifest and the archive
// itself), and the behavior flags spec.md section 6 exposes.
type Options struct {
	InputPath  string
	OutputPath string

	AVB *keys.KeyPair
	OTA *keys.KeyPair

	Magisk              *boot.MagiskAssets
	MagiskVersionCode   int
	IgnoreMagiskVersion bool

	// PrepatchedImage, when non-nil, is substituted wholesale for the
	// boot-role image instead of running Magisk injection; the Magisk
	// version gate is skipped entirely in this mode, per spec.md
	// section 4.3.
	PrepatchedImage []byte

	BootPartitionFlag string
	KeepVerity        bool
	KeepForceEncrypt  bool
	ClearFlags        bool

	ExtractionPoolSize int
}

// PatchOTA runs the full patch pipeline in this order: parallel
// extraction, sequential per-image patching, root vbmeta rebuild, payload
// rebuild, then writeArchive, which lays out and writes the metadata
// entries first, then the payload entries, signs the central directory,
// and finally verifies the recorded metadata offsets.
func PatchOTA(ctx context.Context, opt Options, progress progressx.Progress) error {
	if progress == nil {
		progress = progressx.Noop
	}

	in, err := archive.OpenInput(opt.InputPath)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := in.Validate(); err != nil {
		return err
	}

	payloadEntry := in.ByName["payload.bin"]
	payloadOffset, err := payloadEntry.DataOffset()
	if err != nil {
		return otaerr.Wrap(otaerr.MalformedArchive, err, "locating payload.bin")
	}
	source := &fileSectionSource{
		otaPath: opt.InputPath,
		offset:  payloadOffset,
		size:    int64(payloadEntry.UncompressedSize64),
	}
	pl, err := payload.OpenFromSource(source, int64(payloadEntry.UncompressedSize64))
	if err != nil {
		return err
	}
	defer pl.Close()

	required, err := GetRequiredImages(opt.BootPartitionFlag, pl.Manifest)
	if err != nil {
		return err
	}
	vbmetaName, hasVbmeta := ResolvePartition(RoleVbmeta, pl.Manifest)
	extractNames := make([]string, 0, len(required)+1)
	for name := range required {
		extractNames = append(extractNames, name)
	}
	if hasVbmeta {
		extractNames = append(extractNames, vbmetaName)
	}

	progress.Begin(len(extractNames) + 4)
	progress.Step("extracting images")
	poolSize := opt.ExtractionPoolSize
	if poolSize <= 0 {
		poolSize = len(extractNames)
	}
	images, err := pl.ExtractPartitions(ctx, extractNames, poolSize)
	if err != nil {
		return err
	}

	bootName, err := ResolveBootPartition(opt.BootPartitionFlag, pl.Manifest)
	if err != nil {
		return err
	}
	otacertsName, hasOtacerts := ResolvePartition(RoleOtacerts, pl.Manifest)

	progress.Step("applying root patch")
	patchedImages := make(map[string][]byte, len(required))
	for name := range required {
		raw := images[name]
		if name == bootName && opt.PrepatchedImage != nil {
			raw = opt.PrepatchedImage
		}
		img, err := boot.Parse(raw)
		if err != nil {
			return otaerr.Wrap(otaerr.BootImage, err, "parsing %s", name)
		}

		if name == bootName && opt.PrepatchedImage == nil {
			if err := img.ApplyMagisk(*opt.Magisk, opt.MagiskVersionCode, opt.KeepVerity, opt.KeepForceEncrypt, opt.IgnoreMagiskVersion); err != nil {
				if e, ok := err.(*otaerr.Error); ok && e.Warning {
					fmt.Fprintf(os.Stderr, "warning: %s\n", e.Error())
				} else {
					return err
				}
			}
		}
		if hasOtacerts && name == otacertsName {
			if _, err := img.ApplyOtaCertPatch(opt.OTA.Cert.Raw); err != nil {
				return err
			}
		}

		body, err := img.Repack()
		if err != nil {
			return otaerr.Wrap(otaerr.BootImage, err, "repacking %s", name)
		}

		originalHeader := img.Vbmeta
		var originalDescriptors []vbmeta.Descriptor
		if originalHeader == nil {
			originalHeader = &vbmeta.Header{}
		}

		footedImage, err := vbmeta.Build(originalHeader, originalDescriptors,
			[]vbmeta.PartitionImage{{Name: name, Data: body}}, opt.AVB)
		if err != nil {
			return err
		}
		attached, err := vbmeta.Attach(body, footedImage, uint64(len(raw)))
		if err != nil {
			return err
		}
		patchedImages[name] = payload.AlignPartitionImage(attached, pl.Manifest.BlockSize)
	}

	progress.Step("rebuilding root vbmeta")
	if hasVbmeta {
		rootRaw := images[vbmetaName]
		rootHeader, rootDescriptors, err := vbmeta.ParseImage(rootRaw)
		if err != nil {
			return otaerr.Wrap(otaerr.BootImage, err, "parsing root vbmeta")
		}
		managed := make([]vbmeta.PartitionImage, 0, len(patchedImages))
		for name, data := range patchedImages {
			managed = append(managed, vbmeta.PartitionImage{Name: name, Data: data})
		}
		if opt.ClearFlags {
			rootHeader.Flags &^= 1 // clear AVB_VBMETA_IMAGE_FLAGS_VERIFICATION_DISABLED
		}
		newRoot, err := vbmeta.Build(rootHeader, rootDescriptors, managed, opt.AVB)
		if err != nil {
			return err
		}
		patchedImages[vbmetaName] = payload.AlignPartitionImage(newRoot, pl.Manifest.BlockSize)
	}

	progress.Step("rebuilding payload")
	patchedList := make([]payload.PatchedPartition, 0, len(patchedImages))
	for name, data := range patchedImages {
		patchedList = append(patchedList, payload.PatchedPartition{Name: name, Image: data})
	}
	newPayload, err := payload.Rebuild(pl, patchedList, opt.OTA)
	if err != nil {
		return err
	}

	progress.Step("writing archive")
	if err := writeArchive(in, newPayload, opt); err != nil {
		return err
	}
	progress.Done()
	return nil
}

func writeArchive(in *archive.Input, newPayload []byte, opt Options) error {
	out, err := createOutput(opt.OutputPath)
	if err != nil {
		return err
	}
	defer out.Close()

	w := archive.NewWriter(out)
	w.NoZIP64For("payload.bin")

	otacertBytes := opt.OTA.Cert.Raw
	layout, err := layoutMetadata(map[string]string{"ota-type": "AB"},
		int64(len(pemEncodeCert(otacertBytes))), int64(len(newPayload)), 0)
	if err != nil {
		return err
	}
	properties := archive.PayloadProperties(newPayload, layout.MetadataText)
	layout, err = layoutMetadata(map[string]string{"ota-type": "AB"},
		int64(len(pemEncodeCert(otacertBytes))), int64(len(newPayload)), int64(len(properties)))
	if err != nil {
		return err
	}

	// A genuinely zero time.Time (IsZero() true) keeps archive/zip from
	// appending a 9-byte extended-timestamp extra field to the local
	// header; metadata_layout.go's localHeaderOverhead assumes no extra
	// field, and time.Unix(0, 0) is NOT zero (it's the 1970 epoch) so it
	// would silently throw that math off by 9 bytes per entry.
	var now time.Time
	if err := w.WriteStored("metadata", layout.MetadataText, now); err != nil {
		return err
	}
	if err := w.WriteStored("metadata.pb", layout.MetadataProto, now); err != nil {
		return err
	}
	if err := w.WriteStored("META-INF/com/android/otacert", pemEncodeCert(otacertBytes), now); err != nil {
		return err
	}
	if err := w.WriteStored("payload.bin", newPayload, now); err != nil {
		return err
	}
	if err := w.WriteStored("payload_properties.txt", properties, now); err != nil {
		return err
	}

	w.BeginCapture()
	if err := w.EndCaptureAndSign(func(region []byte) ([]byte, error) {
		return opt.OTA.SignDetachedPKCS7(region)
	}); err != nil {
		return err
	}

	return verifyWrittenMetadata(opt.OutputPath, layout.Properties)
}

// verifyWrittenMetadata reopens the finished archive read-only and checks
// that every offset/size the metadata entries recorded matches the
// entries actually written, per spec.md 4.6's mandatory post-write check.
func verifyWrittenMetadata(path string, properties []archive.PropertyFile) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return otaerr.Wrap(otaerr.MetadataOffsets, err, "reopening %s for verification", path)
	}
	defer zr.Close()
	return archive.VerifyMetadata(&zr.Reader, properties)
}
