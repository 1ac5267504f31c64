package device

import (
	"testing"

	"github.com/neurogrid/gpuio/pkg/gpuerr"
)

func TestRegistry_Enumeration(t *testing.T) {
	reg := NewRegistry(
		Spec{Name: "gpu-0", MemoryBytes: 1 << 30, CopyEngines: 4},
		Spec{Name: "gpu-1", MemoryBytes: 2 << 30, CopyEngines: 2},
	)

	if reg.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", reg.Count())
	}

	d, err := reg.Describe(1)
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}
	if d.Name != "gpu-1" || d.MemoryBytes != 2<<30 || d.CopyEngines != 2 {
		t.Errorf("unexpected descriptor: %+v", d)
	}
	if d.Index != 1 {
		t.Errorf("Index = %d, want 1", d.Index)
	}
}

func TestRegistry_DeviceNotFound(t *testing.T) {
	reg := NewRegistry()

	for _, idx := range []int{-1, 1, 99} {
		if _, err := reg.Describe(idx); gpuerr.CodeOf(err) != gpuerr.CodeDeviceNotFound {
			t.Errorf("Describe(%d): expected DeviceNotFound, got %v", idx, err)
		}
	}
}

func TestRegistry_DefaultSpec(t *testing.T) {
	reg := NewRegistry()

	if reg.Count() != 1 {
		t.Fatalf("empty registry should enumerate one default device")
	}
	d, _ := reg.Describe(0)
	if d.MemoryBytes <= 0 || d.CopyEngines <= 0 {
		t.Errorf("default device has invalid capabilities: %+v", d)
	}
}

func TestRegistry_Status(t *testing.T) {
	reg := NewRegistry(Spec{Name: "gpu-0", MemoryBytes: 1 << 20, CopyEngines: 1})

	st, err := reg.Status(0)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st != Available {
		t.Errorf("new device should be Available, got %v", st)
	}

	if err := reg.SetFaulted(0); err != nil {
		t.Fatalf("SetFaulted failed: %v", err)
	}
	st, _ = reg.Status(0)
	if st != Faulted {
		t.Errorf("device should be Faulted, got %v", st)
	}
}

func TestRegistry_ZeroEngineSpec(t *testing.T) {
	reg := NewRegistry(Spec{Name: "gpu-0", MemoryBytes: 1 << 20})

	d, _ := reg.Describe(0)
	if d.CopyEngines != 1 {
		t.Errorf("zero-engine spec should get one engine, got %d", d.CopyEngines)
	}
}
