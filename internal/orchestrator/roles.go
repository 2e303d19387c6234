// Package orchestrator drives the end-to-end patch and extract pipelines:
// resolving the partition role map, extracting the needed images through a
// bounded worker pool, patching those images one after another, and then
// running the root vbmeta rebuild, payload rebuild, metadata layout,
// archive write, and central-directory signing in that order, followed by
// a read-only check of the recorded metadata offsets.
package orchestrator

import (
	"otapatch/internal/otaerr"
	"otapatch/internal/payload"
)

// PartitionRole names an abstract partition role from the manifest's role
// map, replacing the original tool's "@"-prefixed string keys with a typed
// enum.
type PartitionRole int

const (
	RoleVbmeta PartitionRole = iota
	RoleGKIKernel
	RoleGKIRamdisk
	RoleOtacerts
)

func (r PartitionRole) String() string {
	switch r {
	case RoleVbmeta:
		return "vbmeta"
	case RoleGKIKernel:
		return "gki_kernel"
	case RoleGKIRamdisk:
		return "gki_ramdisk"
	case RoleOtacerts:
		return "otacerts"
	default:
		return "unknown"
	}
}

// ParseRole maps a role name to its PartitionRole, used both for
// --boot-partition's role form and for diagnostics.
func ParseRole(s string) (PartitionRole, bool) {
	switch s {
	case "vbmeta":
		return RoleVbmeta, true
	case "gki_kernel":
		return RoleGKIKernel, true
	case "gki_ramdisk":
		return RoleGKIRamdisk, true
	case "otacerts":
		return RoleOtacerts, true
	default:
		return 0, false
	}
}

// roleCandidates is the fixed role -> ordered candidate partition name
// table from spec.md section 3; the first candidate present in the
// manifest wins.
var roleCandidates = map[PartitionRole][]string{
	RoleVbmeta:     {"vbmeta"},
	RoleGKIKernel:  {"boot"},
	RoleGKIRamdisk: {"init_boot", "boot"},
	RoleOtacerts:   {"recovery", "vendor_boot", "boot"},
}

// ResolvePartition returns the first candidate partition name for role
// that the manifest actually carries.
func ResolvePartition(role PartitionRole, m *payload.Manifest) (string, bool) {
	for _, name := range roleCandidates[role] {
		if _, ok := m.Partition(name); ok {
			return name, true
		}
	}
	return "", false
}

// GetPartitionsByType resolves every built-in role against the manifest,
// omitting roles with no present candidate.
func GetPartitionsByType(m *payload.Manifest) map[PartitionRole]string {
	out := make(map[PartitionRole]string, len(roleCandidates))
	for role := range roleCandidates {
		if name, ok := ResolvePartition(role, m); ok {
			out[role] = name
		}
	}
	return out
}

// ResolveBootPartition interprets the --boot-partition flag: either a role
// name (defaulting to "gki_ramdisk" when flag is empty), or, per
// original_source's get_required_images fallback, a literal partition name
// that exists in the manifest but isn't itself one of the four role names.
func ResolveBootPartition(flag string, m *payload.Manifest) (string, error) {
	if flag == "" {
		flag = "gki_ramdisk"
	}
	if role, ok := ParseRole(flag); ok {
		name, ok := ResolvePartition(role, m)
		if !ok {
			return "", otaerr.New(otaerr.BadArguments, "no partition satisfies role %q", role)
		}
		return name, nil
	}
	if _, ok := m.Partition(flag); ok {
		return flag, nil
	}
	return "", otaerr.New(otaerr.BadArguments, "%q is neither a known role nor a partition in the manifest", flag)
}

// GetRequiredImages computes the deduplicated set of partition names that
// must be extracted and patched: the resolved boot partition (root patch
// target) and the resolved otacerts partition (may coincide with the boot
// partition).
func GetRequiredImages(bootPartitionFlag string, m *payload.Manifest) (map[string]bool, error) {
	boot, err := ResolveBootPartition(bootPartitionFlag, m)
	if err != nil {
		return nil, err
	}
	required := map[string]bool{boot: true}
	if otacerts, ok := ResolvePartition(RoleOtacerts, m); ok {
		required[otacerts] = true
	}
	return required, nil
}
