package memory

import (
	"testing"

	"github.com/neurogrid/gpuio/pkg/device"
	"github.com/neurogrid/gpuio/pkg/gpuerr"
	"github.com/neurogrid/gpuio/pkg/logging"
)

func newTestAllocator(t *testing.T, deviceBytes, pinnedBytes int64) *Allocator {
	t.Helper()

	reg := device.NewRegistry(device.Spec{
		Name:        "sim-gpu-0",
		MemoryBytes: deviceBytes,
		CopyEngines: 1,
	})
	return NewAllocator(reg, Config{PinnedPoolBytes: pinnedBytes}, logging.New("NONE", nil))
}

// The very first allocation on device 0 lands in slot 0; its handle
// must still be distinguishable from the zero Handle so it can be
// resolved and freed like any other block.
func TestFirstAllocationOnDeviceZero(t *testing.T) {
	a := newTestAllocator(t, 1<<20, 1<<20)

	h, err := a.Allocate(0, 4096, DeviceResident)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if h == 0 {
		t.Fatal("first allocation returned the zero handle")
	}
	if _, err := a.Resolve(h); err != nil {
		t.Errorf("Resolve of first handle failed: %v", err)
	}
	if _, err := a.Bytes(h); err != nil {
		t.Errorf("Bytes of first handle failed: %v", err)
	}
	if err := a.Free(h); err != nil {
		t.Errorf("Free of first handle failed: %v", err)
	}
}

func TestAllocateFree_Counters(t *testing.T) {
	a := newTestAllocator(t, 1<<20, 1<<20)

	h, err := a.Allocate(0, 4096, DeviceResident)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	st, _ := a.Stats(0)
	if st.Resident.OutstandingBytes != 4096 || st.Resident.BlockCount != 1 {
		t.Errorf("after alloc: outstanding=%d blocks=%d",
			st.Resident.OutstandingBytes, st.Resident.BlockCount)
	}

	if err := a.Free(h); err != nil {
		t.Fatalf("Free failed: %v", err)
	}

	st, _ = a.Stats(0)
	if st.Resident.OutstandingBytes != 0 || st.Resident.ReservedBytes != 0 || st.Resident.BlockCount != 0 {
		t.Errorf("alloc/free pair should leave counters at zero: %+v", st.Resident)
	}
	if st.Resident.HighWaterBytes < 4096 {
		t.Errorf("high-water mark %d should persist after free", st.Resident.HighWaterBytes)
	}
}

func TestAllocate_InvalidSize(t *testing.T) {
	a := newTestAllocator(t, 1<<20, 1<<20)

	for _, size := range []int64{0, -1, -4096} {
		if _, err := a.Allocate(0, size, DeviceResident); gpuerr.CodeOf(err) != gpuerr.CodeInvalidSize {
			t.Errorf("Allocate(%d): expected InvalidSize, got %v", size, err)
		}
	}
}

func TestAllocate_UnknownDevice(t *testing.T) {
	a := newTestAllocator(t, 1<<20, 1<<20)

	if _, err := a.Allocate(7, 64, DeviceResident); gpuerr.CodeOf(err) != gpuerr.CodeDeviceNotFound {
		t.Errorf("expected DeviceNotFound, got %v", err)
	}
}

// Handles encode the device index in 8 bits; a registry larger than
// that is rejected at allocation instead of aliasing handles.
func TestAllocate_DeviceBeyondHandleRange(t *testing.T) {
	specs := make([]device.Spec, 257)
	for i := range specs {
		specs[i] = device.Spec{Name: "gpu", MemoryBytes: 1024, CopyEngines: 1}
	}
	a := NewAllocator(device.NewRegistry(specs...), Config{PinnedPoolBytes: 1024}, logging.New("NONE", nil))

	h, err := a.Allocate(255, 256, DeviceResident)
	if err != nil {
		t.Fatalf("device 255 should allocate: %v", err)
	}
	if h.Device() != 255 {
		t.Errorf("handle device = %d, want 255", h.Device())
	}

	if _, err := a.Allocate(256, 256, DeviceResident); gpuerr.CodeOf(err) != gpuerr.CodeDeviceNotFound {
		t.Errorf("device 256: expected DeviceNotFound, got %v", err)
	}
}

func TestAllocate_OutOfMemory(t *testing.T) {
	a := newTestAllocator(t, 8192, 1<<20)

	h, err := a.Allocate(0, 8192, DeviceResident)
	if err != nil {
		t.Fatalf("full-pool allocation failed: %v", err)
	}

	if _, err := a.Allocate(0, 1, DeviceResident); gpuerr.CodeOf(err) != gpuerr.CodeOutOfMemory {
		t.Errorf("expected OutOfMemory, got %v", err)
	}

	// Freeing makes the space allocatable again.
	if err := a.Free(h); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	if _, err := a.Allocate(0, 8192, DeviceResident); err != nil {
		t.Errorf("allocation after free failed: %v", err)
	}
}

func TestFree_DoubleFree(t *testing.T) {
	a := newTestAllocator(t, 1<<20, 1<<20)

	h, _ := a.Allocate(0, 256, HostPinned)
	if err := a.Free(h); err != nil {
		t.Fatalf("first Free failed: %v", err)
	}
	if err := a.Free(h); gpuerr.CodeOf(err) != gpuerr.CodeInvalidHandle {
		t.Errorf("double free: expected InvalidHandle, got %v", err)
	}
}

func TestFree_StaleHandleAfterSlotReuse(t *testing.T) {
	a := newTestAllocator(t, 1<<20, 1<<20)

	old, _ := a.Allocate(0, 256, DeviceResident)
	if err := a.Free(old); err != nil {
		t.Fatal(err)
	}

	// Reuses the slot under a new generation.
	fresh, _ := a.Allocate(0, 256, DeviceResident)

	if _, err := a.Resolve(old); gpuerr.CodeOf(err) != gpuerr.CodeInvalidHandle {
		t.Errorf("stale handle should not resolve after slot reuse, got %v", err)
	}
	if _, err := a.Resolve(fresh); err != nil {
		t.Errorf("fresh handle should resolve: %v", err)
	}
}

func TestFree_ZeroHandle(t *testing.T) {
	a := newTestAllocator(t, 1<<20, 1<<20)

	if err := a.Free(0); gpuerr.CodeOf(err) != gpuerr.CodeInvalidHandle {
		t.Errorf("zero handle: expected InvalidHandle, got %v", err)
	}
}

func TestBytes_WindowIsWritable(t *testing.T) {
	a := newTestAllocator(t, 1<<20, 1<<20)

	h, _ := a.Allocate(0, 100, HostPinned)
	w, err := a.Bytes(h)
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	if len(w) != 100 {
		t.Fatalf("window length %d, want 100", len(w))
	}

	for i := range w {
		w[i] = byte(i)
	}
	again, _ := a.Bytes(h)
	for i := range again {
		if again[i] != byte(i) {
			t.Fatalf("window not stable at byte %d", i)
		}
	}
}

func TestResolve_Metadata(t *testing.T) {
	a := newTestAllocator(t, 1<<20, 1<<20)

	h, _ := a.Allocate(0, 1000, DeviceResident)
	b, err := a.Resolve(h)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if b.Size != 1000 || b.Residency != DeviceResident || b.Device != 0 {
		t.Errorf("unexpected block metadata: %+v", b)
	}
	if b.AllocatedAt.IsZero() {
		t.Error("AllocatedAt not set")
	}
}

func TestPools_AreIndependent(t *testing.T) {
	a := newTestAllocator(t, 4096, 1<<20)

	// Exhaust the device pool; the pinned pool must be unaffected.
	if _, err := a.Allocate(0, 4096, DeviceResident); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Allocate(0, 4096, DeviceResident); gpuerr.CodeOf(err) != gpuerr.CodeOutOfMemory {
		t.Fatalf("device pool should be exhausted, got %v", err)
	}
	if _, err := a.Allocate(0, 4096, HostPinned); err != nil {
		t.Errorf("pinned allocation should still succeed: %v", err)
	}
}

func TestLiveBlocks(t *testing.T) {
	a := newTestAllocator(t, 1<<20, 1<<20)

	h1, _ := a.Allocate(0, 64, DeviceResident)
	h2, _ := a.Allocate(0, 64, HostPinned)
	a.Free(h1)

	live := a.LiveBlocks(0)
	if len(live) != 1 || live[0] != h2 {
		t.Errorf("LiveBlocks = %v, want [%v]", live, h2)
	}
}
