// Command otapatch patches a signed Android OTA archive under a
// caller-supplied AVB trust root and OTA signing key, optionally
// injecting Magisk root access, and can extract partition images from
// such an archive.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"otapatch/internal/boot"
	"otapatch/internal/keys"
	"otapatch/internal/orchestrator"
	"otapatch/internal/otaerr"
	"otapatch/internal/progressx"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "otapatch: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "otapatch",
		Short:         "Patch or extract partitions from a signed Android OTA archive",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newPatchCmd(), newExtractCmd())
	return root
}

func newPatchCmd() *cobra.Command {
	var (
		input, output                       string
		privkeyAVB, privkeyOTA, certOTA     string
		magiskPath, prepatchedPath          string
		ignoreMagiskVersion, clearVbmetaFlg bool
		bootPartition                       string
		keepVerity, keepForceEncrypt        bool
	)

	cmd := &cobra.Command{
		Use:   "patch",
		Short: "Patch an OTA archive's boot image, vbmeta chain, and re-sign it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if magiskPath == "" && prepatchedPath == "" {
				return otaerr.New(otaerr.BadArguments, "one of --magisk or --prepatched is required")
			}
			if magiskPath != "" && prepatchedPath != "" {
				return otaerr.New(otaerr.BadArguments, "--magisk and --prepatched are mutually exclusive")
			}
			if ignoreMagiskVersion && magiskPath == "" {
				return otaerr.New(otaerr.BadArguments, "--ignore-magisk-version is only valid with --magisk")
			}
			if output == "" {
				output = input + ".patched"
			}

			avbKeyPEM, err := os.ReadFile(privkeyAVB)
			if err != nil {
				return otaerr.Wrap(otaerr.KeyLoad, err, "reading --privkey-avb")
			}
			otaKeyPEM, err := os.ReadFile(privkeyOTA)
			if err != nil {
				return otaerr.Wrap(otaerr.KeyLoad, err, "reading --privkey-ota")
			}
			otaCertPEM, err := os.ReadFile(certOTA)
			if err != nil {
				return otaerr.Wrap(otaerr.KeyLoad, err, "reading --cert-ota")
			}

			avbPass, err := keys.ResolvePassphrase("AVB_PASSPHRASE_FILE", "--privkey-avb")
			if err != nil {
				return err
			}
			avbKeys, err := keys.LoadSigningKey(avbKeyPEM, avbPass)
			if err != nil {
				return err
			}
			otaPass, err := keys.ResolvePassphrase("OTA_PASSPHRASE_FILE", "--privkey-ota")
			if err != nil {
				return err
			}
			otaKeys, err := keys.Load(otaCertPEM, otaKeyPEM, otaPass)
			if err != nil {
				return err
			}

			opt := orchestrator.Options{
				InputPath:           input,
				OutputPath:          output,
				AVB:                 avbKeys,
				OTA:                 otaKeys,
				IgnoreMagiskVersion: ignoreMagiskVersion,
				BootPartitionFlag:   bootPartition,
				KeepVerity:          keepVerity,
				KeepForceEncrypt:    keepForceEncrypt,
				ClearFlags:          clearVbmetaFlg,
			}

			if prepatchedPath != "" {
				img, err := os.ReadFile(prepatchedPath)
				if err != nil {
					return otaerr.Wrap(otaerr.BadArguments, err, "reading --prepatched")
				}
				opt.PrepatchedImage = img
			} else {
				assets, versionCode, err := boot.LoadMagiskAssets(magiskPath)
				if err != nil {
					return err
				}
				opt.Magisk = &assets
				opt.MagiskVersionCode = versionCode
			}

			return orchestrator.PatchOTA(context.Background(), opt, progressx.NewBar(os.Stderr))
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&input, "input", "", "input OTA archive (required)")
	flags.StringVar(&output, "output", "", "output OTA archive (default <input>.patched)")
	flags.StringVar(&privkeyAVB, "privkey-avb", "", "AVB signing private key, PEM (required)")
	flags.StringVar(&privkeyOTA, "privkey-ota", "", "OTA signing private key, PEM (required)")
	flags.StringVar(&certOTA, "cert-ota", "", "OTA signing certificate, PEM (required)")
	flags.StringVar(&magiskPath, "magisk", "", "Magisk APK to inject into the boot partition")
	flags.StringVar(&prepatchedPath, "prepatched", "", "pre-patched boot image to substitute wholesale")
	flags.BoolVar(&ignoreMagiskVersion, "ignore-magisk-version", false, "skip the supported Magisk version range check")
	flags.BoolVar(&clearVbmetaFlg, "clear-vbmeta-flags", false, "clear the root vbmeta's verification-disabled flag")
	flags.StringVar(&bootPartition, "boot-partition", "", "role or partition name receiving the root patch (default gki_ramdisk)")
	flags.BoolVar(&keepVerity, "keep-verity", true, "preserve dm-verity fstab flags in the patched ramdisk")
	flags.BoolVar(&keepForceEncrypt, "keep-force-encrypt", true, "preserve forceencrypt fstab flags in the patched ramdisk")

	cmd.MarkFlagRequired("input")
	cmd.MarkFlagRequired("privkey-avb")
	cmd.MarkFlagRequired("privkey-ota")
	cmd.MarkFlagRequired("cert-ota")

	return cmd
}

func newExtractCmd() *cobra.Command {
	var (
		input, directory string
		all              bool
		bootPartition    string
	)

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract partition images from an OTA archive's payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			opt := orchestrator.ExtractOptions{
				InputPath:         input,
				Directory:         directory,
				All:               all,
				BootPartitionFlag: bootPartition,
			}
			return orchestrator.ExtractOTA(context.Background(), opt, progressx.NewBar(os.Stderr))
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&input, "input", "", "input OTA archive (required)")
	flags.StringVar(&directory, "directory", "", "output directory (default current directory)")
	flags.BoolVar(&all, "all", false, "extract every partition in the manifest, ignoring --boot-partition")
	flags.StringVar(&bootPartition, "boot-partition", "", "role or partition name to select when not using --all (default gki_ramdisk)")

	cmd.MarkFlagRequired("input")

	return cmd
}
