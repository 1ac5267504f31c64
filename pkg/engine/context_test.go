package engine

import (
	"context"
	"testing"

	"github.com/neurogrid/gpuio/pkg/device"
	"github.com/neurogrid/gpuio/pkg/gpuerr"
	"github.com/neurogrid/gpuio/pkg/sched"
)

func newTestContext(t *testing.T, devices int) *Context {
	t.Helper()

	specs := make([]device.Spec, devices)
	for i := range specs {
		specs[i] = device.Spec{Name: "sim-gpu", MemoryBytes: 1 << 20, CopyEngines: 2}
	}
	reg := device.NewRegistry(specs...)

	c, err := Create(reg, nil, Config{LogLevel: "NONE"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	t.Cleanup(func() { c.Destroy() })
	return c
}

// The canonical session: allocate a device block and a pinned staging
// block, fill the staging block, push one realtime copy through and
// synchronize, then verify the device block holds the same bytes.
func TestContext_BasicSession(t *testing.T) {
	c := newTestContext(t, 1)

	const size = 4096
	dev, err := c.Malloc(size)
	if err != nil {
		t.Fatalf("Malloc failed: %v", err)
	}
	pinned, err := c.MallocPinned(size)
	if err != nil {
		t.Fatalf("MallocPinned failed: %v", err)
	}

	in, err := c.BlockBytes(pinned)
	if err != nil {
		t.Fatal(err)
	}
	for i := range in {
		in[i] = byte(i % 251)
	}

	r, err := c.Memcpy(dev, pinned, size, WithClass(sched.PrioInferenceRealtime))
	if err != nil {
		t.Fatalf("Memcpy failed: %v", err)
	}
	if err := c.Synchronize(context.Background()); err != nil {
		t.Fatalf("Synchronize failed: %v", err)
	}
	if r.State() != sched.Completed {
		t.Fatalf("request state = %s, want Completed", r.State())
	}

	out, err := c.BlockBytes(dev)
	if err != nil {
		t.Fatal(err)
	}
	for i := range out {
		if out[i] != byte(i%251) {
			t.Fatalf("device block differs at byte %d", i)
		}
	}

	if err := c.Free(dev); err != nil {
		t.Errorf("Free(dev) failed: %v", err)
	}
	if err := c.Free(pinned); err != nil {
		t.Errorf("Free(pinned) failed: %v", err)
	}
}

func TestContext_DefaultClassIsBatch(t *testing.T) {
	c := newTestContext(t, 1)

	dev, _ := c.Malloc(256)
	pinned, _ := c.MallocPinned(256)

	r, err := c.Memcpy(dev, pinned, 256)
	if err != nil {
		t.Fatal(err)
	}
	if r.Class() != sched.ClassInferenceBatch {
		t.Errorf("default class = %s, want InferenceBatch", r.Class())
	}
	c.Synchronize(context.Background())
}

func TestContext_MemcpyWithOffsets(t *testing.T) {
	c := newTestContext(t, 1)

	dev, _ := c.Malloc(1024)
	pinned, _ := c.MallocPinned(1024)

	in, _ := c.BlockBytes(pinned)
	for i := range in {
		in[i] = byte(i)
	}

	if _, err := c.Memcpy(dev, pinned, 16, WithOffsets(32, 64)); err != nil {
		t.Fatal(err)
	}
	if err := c.Synchronize(context.Background()); err != nil {
		t.Fatal(err)
	}

	out, _ := c.BlockBytes(dev)
	for i := 0; i < 16; i++ {
		if out[32+i] != byte(64+i) {
			t.Fatalf("offset copy mismatch at %d", i)
		}
	}
}

func TestContext_MultiDeviceRouting(t *testing.T) {
	c := newTestContext(t, 2)

	if c.DeviceCount() != 2 {
		t.Fatalf("DeviceCount = %d, want 2", c.DeviceCount())
	}

	dev1, err := c.MallocOn(1, 512)
	if err != nil {
		t.Fatalf("MallocOn(1) failed: %v", err)
	}
	pinned, _ := c.MallocPinned(512)

	in, _ := c.BlockBytes(pinned)
	for i := range in {
		in[i] = 0xAB
	}

	// The transfer routes to device 1, the owner of the resident block.
	if _, err := c.Memcpy(dev1, pinned, 512); err != nil {
		t.Fatal(err)
	}
	if err := c.Synchronize(context.Background()); err != nil {
		t.Fatal(err)
	}

	out, _ := c.BlockBytes(dev1)
	for i := range out {
		if out[i] != 0xAB {
			t.Fatalf("device 1 block differs at byte %d", i)
		}
	}
}

func TestContext_CreateUnknownDevice(t *testing.T) {
	reg := device.NewRegistry(device.Spec{Name: "gpu", MemoryBytes: 1 << 20, CopyEngines: 1})

	if _, err := Create(reg, []int{0, 3}, Config{LogLevel: "NONE"}); gpuerr.CodeOf(err) != gpuerr.CodeDeviceNotFound {
		t.Errorf("expected DeviceNotFound, got %v", err)
	}
}

func TestContext_DestroyTwice(t *testing.T) {
	c := newTestContext(t, 1)

	if err := c.Destroy(); err != nil {
		t.Fatalf("first Destroy failed: %v", err)
	}
	if err := c.Destroy(); gpuerr.CodeOf(err) != gpuerr.CodeInvalidContext {
		t.Errorf("second Destroy: expected InvalidContext, got %v", err)
	}
}

func TestContext_OpsAfterDestroy(t *testing.T) {
	c := newTestContext(t, 1)

	h, _ := c.Malloc(64)
	c.Destroy()

	if _, err := c.Malloc(64); gpuerr.CodeOf(err) != gpuerr.CodeInvalidContext {
		t.Errorf("Malloc after destroy: expected InvalidContext, got %v", err)
	}
	if err := c.Free(h); gpuerr.CodeOf(err) != gpuerr.CodeInvalidContext {
		t.Errorf("Free after destroy: expected InvalidContext, got %v", err)
	}
	if _, err := c.Memcpy(h, h, 64); gpuerr.CodeOf(err) != gpuerr.CodeInvalidContext {
		t.Errorf("Memcpy after destroy: expected InvalidContext, got %v", err)
	}
	if err := c.Synchronize(context.Background()); gpuerr.CodeOf(err) != gpuerr.CodeInvalidContext {
		t.Errorf("Synchronize after destroy: expected InvalidContext, got %v", err)
	}
	if _, err := c.Stats(); gpuerr.CodeOf(err) != gpuerr.CodeInvalidContext {
		t.Errorf("Stats after destroy: expected InvalidContext, got %v", err)
	}
}

func TestContext_DestroyWithLiveBlocksAndTraffic(t *testing.T) {
	c := newTestContext(t, 1)

	dev, _ := c.Malloc(4096)
	pinned, _ := c.MallocPinned(4096)
	for i := 0; i < 32; i++ {
		off := int64(i) * 128
		if _, err := c.Memcpy(dev, pinned, 128, WithOffsets(off, off)); err != nil {
			t.Fatal(err)
		}
	}

	// Destroy drains in-flight work and reclaims the leaked blocks.
	if err := c.Destroy(); err != nil {
		t.Fatalf("Destroy with live blocks failed: %v", err)
	}
}

func TestContext_Stats(t *testing.T) {
	c := newTestContext(t, 1)

	dev, _ := c.Malloc(2048)
	pinned, _ := c.MallocPinned(2048)
	c.Memcpy(dev, pinned, 2048)
	if err := c.Synchronize(context.Background()); err != nil {
		t.Fatal(err)
	}

	st, err := c.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.Scheduler.Submitted != 1 || st.Scheduler.Completed != 1 {
		t.Errorf("scheduler stats: %+v", st.Scheduler)
	}
	if st.Memory[0].Resident.OutstandingBytes != 2048 {
		t.Errorf("memory stats: %+v", st.Memory[0])
	}
}
