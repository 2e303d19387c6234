package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"otapatch/internal/archive"
	"otapatch/internal/otaerr"
	"otapatch/internal/payload"
	"otapatch/internal/progressx"
)

// ExtractOptions bundles one `extract` run's inputs, matching spec.md
// section 6's extract command surface.
type ExtractOptions struct {
	InputPath         string
	Directory         string
	All               bool
	BootPartitionFlag string

	ExtractionPoolSize int
}

// ExtractOTA opens an OTA archive's payload and writes the selected
// partition images to opt.Directory as <name>.img. When All is set every
// manifest partition is extracted and BootPartitionFlag is ignored, per
// spec.md section 6 ("--boot-partition is ignored when --all is given").
func ExtractOTA(ctx context.Context, opt ExtractOptions, progress progressx.Progress) error {
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

	var names []string
	if opt.All {
		names = make([]string, 0, len(pl.Manifest.Partitions))
		for _, pu := range pl.Manifest.Partitions {
			names = append(names, pu.PartitionName)
		}
	} else {
		required, err := GetRequiredImages(opt.BootPartitionFlag, pl.Manifest)
		if err != nil {
			return err
		}
		if vbmetaName, ok := ResolvePartition(RoleVbmeta, pl.Manifest); ok {
			required[vbmetaName] = true
		}
		names = make([]string, 0, len(required))
		for name := range required {
			names = append(names, name)
		}
	}

	dir := opt.Directory
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return otaerr.Wrap(otaerr.BadArguments, err, "creating output directory %s", dir)
	}

	progress.Begin(len(names))
	poolSize := opt.ExtractionPoolSize
	if poolSize <= 0 {
		poolSize = len(names)
	}
	images, err := pl.ExtractPartitions(ctx, names, poolSize)
	if err != nil {
		return err
	}

	for _, name := range names {
		progress.Step(fmt.Sprintf("writing %s.img", name))
		outPath := filepath.Join(dir, name+".img")
		if err := os.WriteFile(outPath, images[name], 0o644); err != nil {
			return otaerr.Wrap(otaerr.BadArguments, err, "writing %s", outPath)
		}
	}
	progress.Done()
	return nil
}
