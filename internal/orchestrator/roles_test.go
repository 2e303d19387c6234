package orchestrator_test

import (
	"testing"

	"otapatch/internal/orchestrator"
	"otapatch/internal/payload"
)

func manifestWith(names ...string) *payload.Manifest {
	m := &payload.Manifest{BlockSize: 4096}
	for _, n := range names {
		m.Partitions = append(m.Partitions, payload.PartitionUpdate{PartitionName: n})
	}
	return m
}

func TestResolvePartitionCandidateOrder(t *testing.T) {
	m := manifestWith("boot", "vbmeta", "init_boot", "recovery")

	name, ok := orchestrator.ResolvePartition(orchestrator.RoleGKIRamdisk, m)
	if !ok || name != "init_boot" {
		t.Fatalf("RoleGKIRamdisk = %q, %v, want init_boot, true", name, ok)
	}
	name, ok = orchestrator.ResolvePartition(orchestrator.RoleOtacerts, m)
	if !ok || name != "recovery" {
		t.Fatalf("RoleOtacerts = %q, %v, want recovery, true", name, ok)
	}
}

func TestResolvePartitionMissingRole(t *testing.T) {
	m := manifestWith("system")
	if _, ok := orchestrator.ResolvePartition(orchestrator.RoleVbmeta, m); ok {
		t.Fatalf("expected RoleVbmeta to be absent")
	}
}

func TestGetRequiredImagesDedupesCoincidentRoles(t *testing.T) {
	m := manifestWith("boot", "vbmeta")

	required, err := orchestrator.GetRequiredImages("gki_ramdisk", m)
	if err != nil {
		t.Fatalf("GetRequiredImages: %v", err)
	}
	// gki_ramdisk falls back to boot (no init_boot present), and otacerts
	// also falls back to boot (no recovery/vendor_boot present): both
	// roles resolve to the same partition, so the set must have size 1.
	if len(required) != 1 || !required["boot"] {
		t.Fatalf("required = %v, want {boot: true}", required)
	}
}

func TestGetRequiredImagesSeparatesDistinctRoles(t *testing.T) {
	m := manifestWith("boot", "init_boot", "vbmeta", "recovery")

	required, err := orchestrator.GetRequiredImages("gki_ramdisk", m)
	if err != nil {
		t.Fatalf("GetRequiredImages: %v", err)
	}
	if required["boot"] {
		t.Fatalf("boot should not be required when init_boot satisfies gki_ramdisk: %v", required)
	}
	if !required["init_boot"] || !required["recovery"] {
		t.Fatalf("required = %v, want init_boot and recovery", required)
	}
}

func TestResolveBootPartitionLiteralFallback(t *testing.T) {
	m := manifestWith("my_custom_boot")

	name, err := orchestrator.ResolveBootPartition("my_custom_boot", m)
	if err != nil {
		t.Fatalf("ResolveBootPartition: %v", err)
	}
	if name != "my_custom_boot" {
		t.Fatalf("name = %q, want my_custom_boot", name)
	}
}

func TestResolveBootPartitionUnknownFails(t *testing.T) {
	m := manifestWith("boot")
	if _, err := orchestrator.ResolveBootPartition("nonexistent", m); err == nil {
		t.Fatalf("expected error for unresolvable --boot-partition value")
	}
}

func TestGetPartitionsByTypeTotality(t *testing.T) {
	m := manifestWith("boot", "vbmeta", "init_boot", "recovery", "vendor_boot")
	byType := orchestrator.GetPartitionsByType(m)
	if len(byType) != 4 {
		t.Fatalf("GetPartitionsByType = %v, want all 4 roles resolved", byType)
	}
}
