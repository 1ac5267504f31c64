package sched

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/neurogrid/gpuio/pkg/device"
	"github.com/neurogrid/gpuio/pkg/gpuerr"
	"github.com/neurogrid/gpuio/pkg/memory"
)

// Config controls scheduler behavior.
type Config struct {
	// AgingThreshold is how long a request may wait at its current
	// priority level before being promoted one level. Zero selects
	// 100ms.
	AgingThreshold time.Duration

	// DrainTimeout bounds the teardown drain phase; dispatched
	// requests still running afterwards are force-failed. Zero
	// selects 2s.
	DrainTimeout time.Duration
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Submitted   int64
	Completed   int64
	Failed      int64
	Cancelled   int64
	Promoted    int64
	BytesCopied int64
	ByClass     [4]int64 // submissions per class
}

// Scheduler is the priority-ordered asynchronous transfer engine. One
// instance serves one context; each device gets its own lock domain
// and as many stream workers as it has copy engines.
type Scheduler struct {
	alloc *memory.Allocator
	reg   *device.Registry
	log   *slog.Logger

	seq  atomic.Uint64
	devs []*deviceSched
	wg   sync.WaitGroup

	submitted   atomic.Int64
	completed   atomic.Int64
	failed      atomic.Int64
	cancelled   atomic.Int64
	promoted    atomic.Int64
	bytesCopied atomic.Int64
	byClass     [numClasses]atomic.Int64
}

// deviceSched is the per-device lock domain: ready queues, the pending
// set and the completion condition.
type deviceSched struct {
	index          int
	agingThreshold time.Duration
	drainTimeout   time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	queues  readyQueues
	pending map[uint64]*Request // every non-terminal request
	async   []error             // failures not yet reported
	closed  bool
}

// New creates a scheduler and starts the stream workers for every
// device in the registry.
func New(alloc *memory.Allocator, reg *device.Registry, cfg Config, log *slog.Logger) *Scheduler {
	if cfg.AgingThreshold <= 0 {
		cfg.AgingThreshold = 100 * time.Millisecond
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 2 * time.Second
	}

	s := &Scheduler{alloc: alloc, reg: reg, log: log}
	for _, d := range reg.Devices() {
		ds := &deviceSched{
			index:          d.Index,
			agingThreshold: cfg.AgingThreshold,
			drainTimeout:   cfg.DrainTimeout,
			pending:        make(map[uint64]*Request),
		}
		ds.cond = sync.NewCond(&ds.mu)
		s.devs = append(s.devs, ds)

		for i := 0; i < d.CopyEngines; i++ {
			s.wg.Add(1)
			go s.runStream(ds, i)
		}
	}
	return s
}

// Submit validates and enqueues one copy request. It never blocks on
// transfer progress; the request is queued and a handle to it
// returned.
func (s *Scheduler) Submit(spec CopySpec) (*Request, error) {
	const op = "sched.Submit"

	if !spec.Class.Valid() {
		return nil, gpuerr.Newf(gpuerr.CodeInvalidSize, op, "unknown workload class %d", spec.Class)
	}
	if spec.Length <= 0 || spec.SrcOffset < 0 || spec.DstOffset < 0 {
		return nil, gpuerr.Newf(gpuerr.CodeInvalidSize, op,
			"length %d src+%d dst+%d", spec.Length, spec.SrcOffset, spec.DstOffset)
	}
	if spec.Device < 0 || spec.Device >= len(s.devs) {
		return nil, gpuerr.Newf(gpuerr.CodeDeviceNotFound, op, "device %d", spec.Device)
	}

	src, err := s.alloc.Resolve(spec.Src)
	if err != nil {
		return nil, err
	}
	dst, err := s.alloc.Resolve(spec.Dst)
	if err != nil {
		return nil, err
	}
	if spec.SrcOffset+spec.Length > src.Size || spec.DstOffset+spec.Length > dst.Size {
		return nil, gpuerr.Newf(gpuerr.CodeInvalidSize, op,
			"copy of %d bytes exceeds block bounds (src %d, dst %d)",
			spec.Length, src.Size, dst.Size)
	}

	ds := s.devs[spec.Device]
	now := time.Now()
	r := &Request{
		id:         s.seq.Add(1),
		spec:       spec,
		owner:      ds,
		level:      spec.Class,
		levelSince: now,
		state:      Queued,
	}

	ds.mu.Lock()
	if ds.closed {
		ds.mu.Unlock()
		return nil, gpuerr.New(gpuerr.CodeContextDestroyed, op)
	}
	ds.queues.push(r)
	ds.pending[r.id] = r
	ds.cond.Broadcast()
	ds.mu.Unlock()

	s.submitted.Add(1)
	s.byClass[spec.Class].Add(1)
	s.log.Debug("submitted copy",
		"id", r.id, "device", spec.Device, "class", spec.Class.String(), "length", spec.Length)
	return r, nil
}

// Cancel withdraws a queued request. Requests already dispatched (or
// finished) cannot be safely cancelled and fail with TooLateToCancel.
func (s *Scheduler) Cancel(r *Request) error {
	const op = "sched.Cancel"

	ds := r.owner
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if r.state != Queued {
		return gpuerr.Newf(gpuerr.CodeTooLateToCancel, op, "request %d is %s", r.id, r.state)
	}
	r.state = Cancelled
	delete(ds.pending, r.id)
	ds.cond.Broadcast()
	s.cancelled.Add(1)
	return nil
}

// Synchronize blocks until every request submitted strictly before the
// call is in a terminal state, then reports any transfer failures that
// completed asynchronously since the last call.
func (s *Scheduler) Synchronize(ctx context.Context) error {
	fence := s.seq.Load()

	var errs []error
	for _, ds := range s.devs {
		if err := ds.waitFence(ctx, fence); err != nil {
			return err
		}
		ds.mu.Lock()
		if len(ds.async) > 0 {
			errs = append(errs, ds.async...)
			ds.async = nil
		}
		ds.mu.Unlock()
	}
	if len(errs) > 0 {
		return gpuerr.Wrap(gpuerr.CodeTransferError, "sched.Synchronize", errors.Join(errs...))
	}
	return nil
}

// waitFence blocks until no request with id <= fence remains
// non-terminal on this device.
func (ds *deviceSched) waitFence(ctx context.Context, fence uint64) error {
	stop := context.AfterFunc(ctx, func() { ds.cond.Broadcast() })
	defer stop()

	ds.mu.Lock()
	defer ds.mu.Unlock()
	for ds.pendingBelow(fence) {
		if err := ctx.Err(); err != nil {
			return err
		}
		ds.cond.Wait()
	}
	return nil
}

// pendingBelow reports whether any non-terminal request has id <=
// fence. Caller holds ds.mu.
func (ds *deviceSched) pendingBelow(fence uint64) bool {
	for id := range ds.pending {
		if id <= fence {
			return true
		}
	}
	return false
}

// runStream is one stream engine: it repeatedly takes the oldest
// request from the highest non-empty class and executes it. Requests
// taken by one stream run in submission order because the stream
// handles one at a time.
func (s *Scheduler) runStream(ds *deviceSched, engine int) {
	defer s.wg.Done()

	for {
		ds.mu.Lock()
		for !ds.closed && ds.queues.empty() {
			ds.cond.Wait()
		}
		if ds.closed && ds.queues.empty() {
			ds.mu.Unlock()
			return
		}

		s.promoteAged(ds, time.Now())
		r := ds.queues.pop()
		if r == nil {
			ds.mu.Unlock()
			continue
		}
		r.state = Dispatched
		ds.mu.Unlock()

		err := s.execute(r)

		ds.mu.Lock()
		if r.state == Dispatched { // teardown may have force-failed it
			if err != nil {
				r.state = Failed
				r.err = err
				ds.async = append(ds.async, err)
				s.failed.Add(1)
			} else {
				r.state = Completed
				s.completed.Add(1)
				s.bytesCopied.Add(r.spec.Length)
			}
		}
		delete(ds.pending, r.id)
		ds.cond.Broadcast()
		ds.mu.Unlock()

		if err != nil {
			s.log.Warn("transfer failed", "id", r.id, "engine", engine, "err", err)
		}
	}
}

// promoteAged promotes every queued request that has waited longer
// than the aging threshold at its current level. Promotion is
// monotonic; a request is never demoted. Caller holds ds.mu.
func (s *Scheduler) promoteAged(ds *deviceSched, now time.Time) {
	for c := Class(1); c < numClasses; c++ {
		for _, r := range ds.queues[c] {
			if r.state != Queued || r.level != c {
				continue
			}
			if now.Sub(r.levelSince) >= ds.agingThreshold {
				r.level = c - 1
				r.levelSince = now
				ds.queues.push(r)
				s.promoted.Add(1)
			}
		}
	}
}

// execute performs the actual copy for one dispatched request.
// Failures are returned for the stream loop to attach to the request;
// the scheduler never retries.
func (s *Scheduler) execute(r *Request) error {
	const op = "sched.execute"

	if st, err := s.reg.Status(r.spec.Device); err != nil || st == device.Faulted {
		return gpuerr.Newf(gpuerr.CodeTransferError, op, "device %d is faulted", r.spec.Device)
	}

	src, err := s.alloc.Bytes(r.spec.Src)
	if err != nil {
		return gpuerr.Wrap(gpuerr.CodeTransferError, op, err)
	}
	dst, err := s.alloc.Bytes(r.spec.Dst)
	if err != nil {
		return gpuerr.Wrap(gpuerr.CodeTransferError, op, err)
	}
	if r.spec.SrcOffset+r.spec.Length > int64(len(src)) ||
		r.spec.DstOffset+r.spec.Length > int64(len(dst)) {
		return gpuerr.Newf(gpuerr.CodeTransferError, op, "block shrank mid-flight")
	}

	copy(dst[r.spec.DstOffset:r.spec.DstOffset+r.spec.Length],
		src[r.spec.SrcOffset:r.spec.SrcOffset+r.spec.Length])
	return nil
}

// Close tears the scheduler down: intake stops, queued requests are
// cancelled, dispatched requests get a bounded drain, and anything
// still running afterwards is force-failed as ContextDestroyed.
func (s *Scheduler) Close() error {
	for _, ds := range s.devs {
		ds.mu.Lock()
		ds.closed = true
		for _, r := range ds.pending {
			if r.state == Queued {
				r.state = Cancelled
				r.err = gpuerr.New(gpuerr.CodeContextDestroyed, "sched.Close")
				delete(ds.pending, r.id)
				s.cancelled.Add(1)
			}
		}
		ds.cond.Broadcast()
		ds.mu.Unlock()
	}

	for _, ds := range s.devs {
		timer := time.AfterFunc(ds.drainTimeout, ds.cond.Broadcast)
		deadline := time.Now().Add(ds.drainTimeout)

		ds.mu.Lock()
		for len(ds.pending) > 0 && time.Now().Before(deadline) {
			ds.cond.Wait()
		}
		for _, r := range ds.pending {
			if r.state == Dispatched {
				r.state = Failed
				r.err = gpuerr.New(gpuerr.CodeContextDestroyed, "sched.Close")
				s.failed.Add(1)
			}
			delete(ds.pending, r.id)
		}
		ds.cond.Broadcast()
		ds.mu.Unlock()
		timer.Stop()
	}

	s.wg.Wait()
	return nil
}

// Stats snapshots the scheduler counters.
func (s *Scheduler) Stats() Stats {
	st := Stats{
		Submitted:   s.submitted.Load(),
		Completed:   s.completed.Load(),
		Failed:      s.failed.Load(),
		Cancelled:   s.cancelled.Load(),
		Promoted:    s.promoted.Load(),
		BytesCopied: s.bytesCopied.Load(),
	}
	for c := Class(0); c < numClasses; c++ {
		st.ByClass[c] = s.byClass[c].Load()
	}
	return st
}
