// Package memory manages device-resident and host-pinned allocations.
// Blocks are addressed by opaque generation-counted handles so that
// double-free and use-after-free are cheap, deterministic failures
// instead of silent corruption.
package memory

import (
	"log/slog"
	"sync"
	"time"

	"github.com/neurogrid/gpuio/pkg/device"
	"github.com/neurogrid/gpuio/pkg/gpuerr"
)

// Residency identifies which pool a block lives in.
type Residency int

const (
	DeviceResident Residency = iota
	HostPinned

	numResidencies = 2
)

// String returns the residency name.
func (r Residency) String() string {
	switch r {
	case DeviceResident:
		return "DeviceResident"
	case HostPinned:
		return "HostPinned"
	default:
		return "Unknown"
	}
}

// Handle is an opaque block identifier: device index, slot index and
// slot generation packed into one word. The zero Handle is never valid.
type Handle uint64

const (
	handleDeviceShift = 56
	handleDeviceMask  = (1 << 8) - 1
	handleSlotShift   = 32
	handleSlotMask    = (1 << 24) - 1
	handleGenMask     = (1 << 32) - 1
)

func makeHandle(dev, slot int, gen uint32) Handle {
	return Handle(uint64(dev&handleDeviceMask)<<handleDeviceShift |
		uint64(slot&handleSlotMask)<<handleSlotShift |
		uint64(gen))
}

// Device returns the device index encoded in the handle.
func (h Handle) Device() int {
	return int(uint64(h) >> handleDeviceShift)
}

func (h Handle) slot() int {
	return int(uint64(h) >> handleSlotShift & handleSlotMask)
}

func (h Handle) generation() uint32 {
	return uint32(uint64(h) & handleGenMask)
}

// Block is a metadata snapshot for one live allocation.
type Block struct {
	Handle      Handle
	Size        int64
	Residency   Residency
	Device      int
	AllocatedAt time.Time
}

// ClassStats tracks one (device, residency) pool.
type ClassStats struct {
	CapacityBytes    int64
	OutstandingBytes int64 // sum of requested sizes of live blocks
	ReservedBytes    int64 // sum of slab sizes backing live blocks
	HighWaterBytes   int64 // peak of ReservedBytes
	BlockCount       int64
}

// DeviceStats groups per-residency stats for one device.
type DeviceStats struct {
	Device   int
	Resident ClassStats
	Pinned   ClassStats
}

// slot is one entry in a device's block table. gen increments on free,
// poisoning any handle still pointing at the slot.
type slot struct {
	gen         uint32
	live        bool
	residency   Residency
	offset      int64
	size        int64
	reserved    int64
	allocatedAt time.Time
}

// devicePools is the per-device lock domain: both residency pools, the
// block table and the stats counters.
type devicePools struct {
	mu    sync.Mutex
	pools [numResidencies]*slabPool
	slots []slot
	freeS []int
	stats [numResidencies]ClassStats
}

// Config controls allocator sizing.
type Config struct {
	// PinnedPoolBytes sizes the host-pinned pool attached to each
	// device. Zero selects 64MB.
	PinnedPoolBytes int64
}

// Allocator manages one pool pair per enumerated device. All mutation
// happens under that device's lock; devices never contend with each
// other.
type Allocator struct {
	devices []*devicePools
	log     *slog.Logger
}

// NewAllocator builds pools for every device in the registry.
func NewAllocator(reg *device.Registry, cfg Config, log *slog.Logger) *Allocator {
	pinned := cfg.PinnedPoolBytes
	if pinned <= 0 {
		pinned = 64 * 1024 * 1024
	}

	devs := reg.Devices()
	pools := make([]*devicePools, len(devs))
	for i, d := range devs {
		dp := &devicePools{}
		dp.pools[DeviceResident] = newSlabPool(d.MemoryBytes)
		dp.pools[HostPinned] = newSlabPool(pinned)
		dp.stats[DeviceResident].CapacityBytes = d.MemoryBytes
		dp.stats[HostPinned].CapacityBytes = pinned
		pools[i] = dp
	}

	return &Allocator{devices: pools, log: log}
}

// Allocate reserves size bytes in the given device's residency pool.
func (a *Allocator) Allocate(dev int, size int64, res Residency) (Handle, error) {
	const op = "memory.Allocate"

	if size <= 0 {
		return 0, gpuerr.Newf(gpuerr.CodeInvalidSize, op, "size %d", size)
	}
	// Handles encode the device index in 8 bits; devices beyond that
	// range are rejected rather than silently aliased.
	if dev < 0 || dev >= len(a.devices) || dev > handleDeviceMask {
		return 0, gpuerr.Newf(gpuerr.CodeDeviceNotFound, op, "device %d", dev)
	}
	if res != DeviceResident && res != HostPinned {
		return 0, gpuerr.Newf(gpuerr.CodeInvalidHandle, op, "residency %d", res)
	}

	dp := a.devices[dev]
	dp.mu.Lock()
	defer dp.mu.Unlock()

	offset, reserved, ok := dp.pools[res].alloc(size)
	if !ok {
		return 0, gpuerr.Newf(gpuerr.CodeOutOfMemory, op,
			"%s pool on device %d: %d bytes requested, %d reserved of %d",
			res, dev, size, dp.stats[res].ReservedBytes, dp.stats[res].CapacityBytes)
	}

	idx := dp.takeSlot()
	s := &dp.slots[idx]
	s.live = true
	s.residency = res
	s.offset = offset
	s.size = size
	s.reserved = reserved
	s.allocatedAt = time.Now()

	st := &dp.stats[res]
	st.OutstandingBytes += size
	st.ReservedBytes += reserved
	st.BlockCount++
	if st.ReservedBytes > st.HighWaterBytes {
		st.HighWaterBytes = st.ReservedBytes
	}

	h := makeHandle(dev, idx, s.gen)
	a.log.Debug("allocated block",
		"handle", uint64(h), "device", dev, "residency", res.String(), "size", size)
	return h, nil
}

// takeSlot returns a free slot index, growing the table if needed.
// Fresh slots start at generation 1 so a live handle is never the zero
// Handle (device 0, slot 0, generation 0 would pack to 0). Caller
// holds dp.mu.
func (dp *devicePools) takeSlot() int {
	if n := len(dp.freeS); n > 0 {
		idx := dp.freeS[n-1]
		dp.freeS = dp.freeS[:n-1]
		return idx
	}
	dp.slots = append(dp.slots, slot{gen: 1})
	return len(dp.slots) - 1
}

// lookup resolves a handle to its device pools and slot. Caller must
// hold no locks; lookup acquires dp.mu and returns with it held on
// success.
func (a *Allocator) lookup(h Handle, op string) (*devicePools, *slot, error) {
	dev := h.Device()
	if h == 0 || dev < 0 || dev >= len(a.devices) {
		return nil, nil, gpuerr.Newf(gpuerr.CodeInvalidHandle, op, "handle %#x", uint64(h))
	}

	dp := a.devices[dev]
	dp.mu.Lock()

	idx := h.slot()
	if idx >= len(dp.slots) {
		dp.mu.Unlock()
		return nil, nil, gpuerr.Newf(gpuerr.CodeInvalidHandle, op, "handle %#x", uint64(h))
	}
	s := &dp.slots[idx]
	if !s.live || s.gen != h.generation() {
		dp.mu.Unlock()
		return nil, nil, gpuerr.Newf(gpuerr.CodeInvalidHandle, op,
			"handle %#x is stale or freed", uint64(h))
	}
	return dp, s, nil
}

// Free releases a block. Freeing an unknown or already-freed handle
// fails with InvalidHandle; the slot generation bump poisons any other
// outstanding copy of the handle.
func (a *Allocator) Free(h Handle) error {
	const op = "memory.Free"

	dp, s, err := a.lookup(h, op)
	if err != nil {
		return err
	}
	defer dp.mu.Unlock()

	dp.pools[s.residency].release(s.offset, s.reserved)

	st := &dp.stats[s.residency]
	st.OutstandingBytes -= s.size
	st.ReservedBytes -= s.reserved
	st.BlockCount--

	s.live = false
	s.gen++
	dp.freeS = append(dp.freeS, h.slot())

	a.log.Debug("freed block", "handle", uint64(h), "size", s.size)
	return nil
}

// Resolve returns the metadata snapshot for a live block.
func (a *Allocator) Resolve(h Handle) (Block, error) {
	dp, s, err := a.lookup(h, "memory.Resolve")
	if err != nil {
		return Block{}, err
	}
	defer dp.mu.Unlock()

	return Block{
		Handle:      h,
		Size:        s.size,
		Residency:   s.residency,
		Device:      h.Device(),
		AllocatedAt: s.allocatedAt,
	}, nil
}

// Bytes returns the backing window of a live block. The window stays
// valid until the block is freed; the caller synchronizes its own
// reads and writes against transfers it has in flight.
func (a *Allocator) Bytes(h Handle) ([]byte, error) {
	dp, s, err := a.lookup(h, "memory.Bytes")
	if err != nil {
		return nil, err
	}
	defer dp.mu.Unlock()

	return dp.pools[s.residency].window(s.offset, s.size), nil
}

// Stats snapshots one device's pool counters.
func (a *Allocator) Stats(dev int) (DeviceStats, error) {
	if dev < 0 || dev >= len(a.devices) {
		return DeviceStats{}, gpuerr.Newf(gpuerr.CodeDeviceNotFound, "memory.Stats",
			"device %d", dev)
	}
	dp := a.devices[dev]
	dp.mu.Lock()
	defer dp.mu.Unlock()

	return DeviceStats{
		Device:   dev,
		Resident: dp.stats[DeviceResident],
		Pinned:   dp.stats[HostPinned],
	}, nil
}

// LiveBlocks returns handles of all live blocks on a device, newest
// last. Context teardown uses it to free everything still owned.
func (a *Allocator) LiveBlocks(dev int) []Handle {
	if dev < 0 || dev >= len(a.devices) {
		return nil
	}
	dp := a.devices[dev]
	dp.mu.Lock()
	defer dp.mu.Unlock()

	var out []Handle
	for i := range dp.slots {
		if dp.slots[i].live {
			out = append(out, makeHandle(dev, i, dp.slots[i].gen))
		}
	}
	return out
}
