// Package engine composes the device registry, memory allocator and
// copy scheduler into the per-session Context façade.
package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/neurogrid/gpuio/pkg/device"
	"github.com/neurogrid/gpuio/pkg/gpuerr"
	"github.com/neurogrid/gpuio/pkg/logging"
	"github.com/neurogrid/gpuio/pkg/memory"
	"github.com/neurogrid/gpuio/pkg/sched"
)

// Config holds context construction options.
type Config struct {
	// LogLevel is one of NONE, FATAL, ERROR, WARN, INFO, DEBUG.
	// Empty selects INFO.
	LogLevel string

	// LogOutput overrides the log destination (stderr by default).
	LogOutput io.Writer

	// PinnedPoolBytes sizes each device's host-pinned pool.
	PinnedPoolBytes int64

	// AgingThreshold and DrainTimeout are passed to the scheduler.
	AgingThreshold time.Duration
	DrainTimeout   time.Duration
}

// Stats aggregates scheduler and allocator counters for one context.
type Stats struct {
	Scheduler sched.Stats
	Memory    []memory.DeviceStats
}

// Context is one logical session over a set of devices. All methods
// are safe for concurrent use. After Destroy every method fails with
// InvalidContext.
type Context struct {
	log     *slog.Logger
	reg     *device.Registry
	alloc   *memory.Allocator
	sched   *sched.Scheduler
	devices []int

	mu        sync.Mutex
	destroyed bool
}

// Create binds a context to deviceIDs (nil means every device in the
// registry) and builds its allocator and scheduler.
func Create(reg *device.Registry, deviceIDs []int, cfg Config) (*Context, error) {
	const op = "engine.Create"

	if len(deviceIDs) == 0 {
		deviceIDs = make([]int, reg.Count())
		for i := range deviceIDs {
			deviceIDs[i] = i
		}
	}
	for _, id := range deviceIDs {
		if _, err := reg.Describe(id); err != nil {
			return nil, err
		}
	}

	log := logging.New(cfg.LogLevel, cfg.LogOutput)
	alloc := memory.NewAllocator(reg, memory.Config{PinnedPoolBytes: cfg.PinnedPoolBytes}, log)
	s := sched.New(alloc, reg, sched.Config{
		AgingThreshold: cfg.AgingThreshold,
		DrainTimeout:   cfg.DrainTimeout,
	}, log)

	log.Info("context created", "devices", len(deviceIDs))
	return &Context{
		log:     log,
		reg:     reg,
		alloc:   alloc,
		sched:   s,
		devices: append([]int(nil), deviceIDs...),
	}, nil
}

// checkLive fails with InvalidContext once the context is destroyed.
func (c *Context) checkLive(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return gpuerr.New(gpuerr.CodeInvalidContext, op)
	}
	return nil
}

// DeviceCount returns the number of devices this context is bound to.
func (c *Context) DeviceCount() int {
	return len(c.devices)
}

// Registry returns the registry the context was created against.
func (c *Context) Registry() *device.Registry {
	return c.reg
}

// Logger returns the context's log sink so layered components share
// the same severity filter.
func (c *Context) Logger() *slog.Logger {
	return c.log
}

// Malloc allocates a device-resident block on the context's first
// device.
func (c *Context) Malloc(size int64) (memory.Handle, error) {
	return c.MallocOn(c.devices[0], size)
}

// MallocOn allocates a device-resident block on a specific device.
func (c *Context) MallocOn(dev int, size int64) (memory.Handle, error) {
	if err := c.checkLive("engine.Malloc"); err != nil {
		return 0, err
	}
	return c.alloc.Allocate(dev, size, memory.DeviceResident)
}

// MallocPinned allocates page-locked host memory usable as a DMA
// endpoint, attached to the context's first device.
func (c *Context) MallocPinned(size int64) (memory.Handle, error) {
	if err := c.checkLive("engine.MallocPinned"); err != nil {
		return 0, err
	}
	return c.alloc.Allocate(c.devices[0], size, memory.HostPinned)
}

// Free releases a block.
func (c *Context) Free(h memory.Handle) error {
	if err := c.checkLive("engine.Free"); err != nil {
		return err
	}
	return c.alloc.Free(h)
}

// BlockBytes exposes a live block's backing window for staging data in
// and out of the engine.
func (c *Context) BlockBytes(h memory.Handle) ([]byte, error) {
	if err := c.checkLive("engine.BlockBytes"); err != nil {
		return nil, err
	}
	return c.alloc.Bytes(h)
}

// CopyOption tunes one Memcpy call.
type CopyOption func(*sched.CopySpec)

// WithClass tags the transfer with a workload class. The default is
// InferenceBatch.
func WithClass(class sched.Class) CopyOption {
	return func(s *sched.CopySpec) { s.Class = class }
}

// WithOffsets copies from src+srcOff to dst+dstOff.
func WithOffsets(dstOff, srcOff int64) CopyOption {
	return func(s *sched.CopySpec) {
		s.DstOffset = dstOff
		s.SrcOffset = srcOff
	}
}

// Memcpy enqueues an asynchronous copy of n bytes from src to dst and
// returns immediately with the queued request. The transfer runs on
// the stream engines of the device owning the device-resident
// endpoint.
func (c *Context) Memcpy(dst, src memory.Handle, n int64, opts ...CopyOption) (*sched.Request, error) {
	if err := c.checkLive("engine.Memcpy"); err != nil {
		return nil, err
	}

	spec := sched.CopySpec{
		Device: c.copyDevice(dst, src),
		Src:    src,
		Dst:    dst,
		Length: n,
		Class:  sched.ClassInferenceBatch,
	}
	for _, opt := range opts {
		opt(&spec)
	}
	return c.sched.Submit(spec)
}

// copyDevice picks the stream-owning device for a transfer: the
// device-resident endpoint wins, destination first.
func (c *Context) copyDevice(dst, src memory.Handle) int {
	if b, err := c.alloc.Resolve(dst); err == nil && b.Residency == memory.DeviceResident {
		return b.Device
	}
	if b, err := c.alloc.Resolve(src); err == nil && b.Residency == memory.DeviceResident {
		return b.Device
	}
	return c.devices[0]
}

// Cancel withdraws a queued transfer.
func (c *Context) Cancel(r *sched.Request) error {
	if err := c.checkLive("engine.Cancel"); err != nil {
		return err
	}
	return c.sched.Cancel(r)
}

// Synchronize blocks until every transfer submitted before the call is
// terminal, then surfaces any asynchronous transfer failures.
func (c *Context) Synchronize(ctx context.Context) error {
	if err := c.checkLive("engine.Synchronize"); err != nil {
		return err
	}
	return c.sched.Synchronize(ctx)
}

// Stats snapshots scheduler and per-device memory counters.
func (c *Context) Stats() (Stats, error) {
	if err := c.checkLive("engine.Stats"); err != nil {
		return Stats{}, err
	}

	st := Stats{Scheduler: c.sched.Stats()}
	for _, dev := range c.devices {
		ms, err := c.alloc.Stats(dev)
		if err != nil {
			return Stats{}, err
		}
		st.Memory = append(st.Memory, ms)
	}
	return st, nil
}

// Destroy drains the scheduler (queued requests cancelled, dispatched
// ones given a bounded drain), frees every block the context still
// owns and releases the device bindings. A second Destroy fails with
// InvalidContext.
func (c *Context) Destroy() error {
	const op = "engine.Destroy"

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return gpuerr.New(gpuerr.CodeInvalidContext, op)
	}
	c.destroyed = true
	c.mu.Unlock()

	if err := c.sched.Close(); err != nil {
		return err
	}

	for _, dev := range c.devices {
		for _, h := range c.alloc.LiveBlocks(dev) {
			if err := c.alloc.Free(h); err != nil {
				c.log.Warn("leak check free failed", "handle", uint64(h), "err", err)
			}
		}
	}

	c.log.Info("context destroyed")
	return nil
}
