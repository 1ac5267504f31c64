package ai

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/neurogrid/gpuio/pkg/engine"
	"github.com/neurogrid/gpuio/pkg/gpuerr"
	"github.com/neurogrid/gpuio/pkg/memory"
	"github.com/neurogrid/gpuio/pkg/sched"
	"github.com/neurogrid/gpuio/pkg/spill"
)

var (
	ErrCacheMiss       = errors.New("kv cache miss")
	ErrEngramNotFound  = errors.New("engram not found")
	ErrKVCacheDisabled = errors.New("dsa kv cache not enabled")
	ErrEngramDisabled  = errors.New("engram memory not enabled")
	ErrInvalidKey      = errors.New("kv key outside configured geometry")
)

// RemoteFetcher retrieves engrams that are neither resident nor
// spilled locally, typically from peers.
type RemoteFetcher interface {
	FetchEngram(ctx context.Context, id string) ([]byte, error)
}

// Config holds AI context construction options.
type Config struct {
	NumLayers int
	NumHeads  int

	// EnableDSAKV turns on the sparse-attention KV cache.
	EnableDSAKV bool

	// EnableEngram turns on long-term engram memory.
	EnableEngram bool

	// Score overrides the KV eviction scoring function.
	Score ScoreFunc

	// SpillDir, when set, persists evicted engrams to disk so they
	// can be reloaded on a later miss.
	SpillDir string

	// Remote, when set, is consulted for engrams missing locally.
	Remote RemoteFetcher
}

// Stats snapshots the policy layer's block maps.
type Stats struct {
	KVResident     int
	KVPrefetching  int
	KVEvicted      int
	KVEvictions    int64
	EngramResident int
	EngramEvicted  int
	EngramSpills   int64
	EngramReloads  int64
}

// AIContext manages KV cache and engram residency over one engine
// context. Admission, eviction and paging all translate into the
// context's allocate/copy/free primitives.
type AIContext struct {
	eng   *engine.Context
	cfg   Config
	score ScoreFunc
	store *spill.Store
	log   *slog.Logger

	mu      sync.Mutex
	kv      map[KVKey]*kvBlock
	engrams map[string]*engramBlock

	kvEvictions   int64
	engramSpills  int64
	engramReloads int64
}

// New creates an AI context over eng.
func New(eng *engine.Context, cfg Config) (*AIContext, error) {
	const op = "ai.New"

	if cfg.NumLayers <= 0 || cfg.NumHeads <= 0 {
		return nil, gpuerr.Newf(gpuerr.CodeInvalidSize, op,
			"layers %d heads %d", cfg.NumLayers, cfg.NumHeads)
	}
	score := cfg.Score
	if score == nil {
		score = DefaultScore
	}

	a := &AIContext{
		eng:     eng,
		cfg:     cfg,
		score:   score,
		log:     eng.Logger(),
		kv:      make(map[KVKey]*kvBlock),
		engrams: make(map[string]*engramBlock),
	}

	if cfg.EnableEngram && cfg.SpillDir != "" {
		store, err := spill.Open(cfg.SpillDir)
		if err != nil {
			return nil, err
		}
		a.store = store
	}
	return a, nil
}

func (a *AIContext) validateKey(key KVKey) error {
	if key.Layer < 0 || key.Layer >= a.cfg.NumLayers ||
		key.Head < 0 || key.Head >= a.cfg.NumHeads ||
		key.TokenStart < 0 || key.TokenEnd <= key.TokenStart {
		return ErrInvalidKey
	}
	return nil
}

// PutKV admits a KV cache block: allocate with the caller's workload
// class, stage through pinned memory and populate the device block
// asynchronously (Prefetching until the transfer completes). On
// OutOfMemory the lowest-score Resident block of the same layer is
// evicted and the allocation retried; if eviction cannot make room the
// call fails with CapacityExceeded.
func (a *AIContext) PutKV(ctx context.Context, key KVKey, data []byte, class sched.Class) error {
	if !a.cfg.EnableDSAKV {
		return ErrKVCacheDisabled
	}
	if err := a.validateKey(key); err != nil {
		return err
	}
	if len(data) == 0 {
		return gpuerr.New(gpuerr.CodeInvalidSize, "ai.PutKV")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if blk, ok := a.kv[key]; ok {
		// A failed prior prefetch is irrelevant here; the block is
		// being replaced either way.
		_ = a.settleKV(ctx, blk)
		a.dropKV(blk)
	}

	handle, staging, req, err := a.admit(ctx, data, class, func() bool {
		return a.evictLowestKV(ctx, key.Layer)
	})
	if err != nil {
		return err
	}

	a.kv[key] = &kvBlock{
		key:            key,
		handle:         handle,
		staging:        staging,
		state:          Prefetching,
		size:           int64(len(data)),
		lastAccess:     time.Now(),
		sparsityWeight: 1.0,
		req:            req,
	}
	return nil
}

// GetKV returns a resident block's bytes, waiting out an in-flight
// prefetch first. A missing or evicted key fails with ErrCacheMiss.
func (a *AIContext) GetKV(ctx context.Context, key KVKey) ([]byte, error) {
	if !a.cfg.EnableDSAKV {
		return nil, ErrKVCacheDisabled
	}
	if err := a.validateKey(key); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	blk, ok := a.kv[key]
	if !ok || blk.state == Evicted {
		return nil, ErrCacheMiss
	}
	if err := a.settleKV(ctx, blk); err != nil {
		return nil, err
	}

	data, err := a.readBlock(ctx, blk.handle, blk.size)
	if err != nil {
		return nil, err
	}
	blk.lastAccess = time.Now()
	return data, nil
}

// SetKVSparsity updates the sparsity weight the eviction score uses
// for one block. Higher weights mean denser attention and survive
// eviction longer.
func (a *AIContext) SetKVSparsity(key KVKey, weight float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	blk, ok := a.kv[key]
	if !ok {
		return ErrCacheMiss
	}
	blk.sparsityWeight = weight
	return nil
}

// EvictKV forces one block out of device memory. The mapping survives
// as Evicted; the data does not (KV cache is per-request working set).
func (a *AIContext) EvictKV(ctx context.Context, key KVKey) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	blk, ok := a.kv[key]
	if !ok || blk.state == Evicted {
		return ErrCacheMiss
	}
	if err := a.settleKV(ctx, blk); err != nil {
		return err
	}
	a.dropKV(blk)
	a.kvEvictions++
	return nil
}

// settleKV resolves a finished prefetch: Prefetching becomes Resident
// on completion, or the mapping is torn down on transfer failure.
// Blocks on engine synchronize if the transfer is still in flight.
// Caller holds a.mu.
func (a *AIContext) settleKV(ctx context.Context, blk *kvBlock) error {
	if blk.state != Prefetching {
		return nil
	}
	if !blk.req.State().Terminal() {
		if err := a.eng.Synchronize(ctx); err != nil &&
			gpuerr.CodeOf(err) != gpuerr.CodeTransferError {
			return err
		}
	}

	switch blk.req.State() {
	case sched.Completed:
		a.freeQuiet(blk.staging)
		blk.staging = 0
		blk.state = Resident
		blk.req = nil
		return nil
	default:
		err := blk.req.Err()
		a.freeQuiet(blk.staging)
		a.freeQuiet(blk.handle)
		blk.staging, blk.handle = 0, 0
		blk.state = Evicted
		blk.req = nil
		if err == nil {
			err = gpuerr.New(gpuerr.CodeTransferError, "ai.settleKV")
		}
		return err
	}
}

// dropKV frees a block's device memory and marks it Evicted. Caller
// holds a.mu.
func (a *AIContext) dropKV(blk *kvBlock) {
	a.freeQuiet(blk.handle)
	a.freeQuiet(blk.staging)
	blk.handle, blk.staging = 0, 0
	blk.state = Evicted
	blk.req = nil
}

// evictLowestKV evicts the lowest-score Resident block, preferring
// layer, then falling back to any layer. Ties break on earliest last
// access so eviction is deterministic. Caller holds a.mu. Returns
// false when nothing is evictable.
func (a *AIContext) evictLowestKV(ctx context.Context, layer int) bool {
	// Settle finished prefetches first so freshly admitted blocks are
	// eviction candidates.
	for _, blk := range a.kv {
		if blk.state == Prefetching {
			_ = a.settleKV(ctx, blk)
		}
	}

	if victim := a.kvVictim(layer); victim != nil {
		a.dropKV(victim)
		a.kvEvictions++
		a.log.Debug("kv eviction", "key", victim.key.String())
		return true
	}
	if victim := a.kvVictim(-1); victim != nil {
		a.dropKV(victim)
		a.kvEvictions++
		a.log.Debug("kv eviction", "key", victim.key.String())
		return true
	}
	return false
}

// kvVictim picks the lowest-score Resident block, restricted to one
// layer unless layer is negative. Caller holds a.mu.
func (a *AIContext) kvVictim(layer int) *kvBlock {
	now := time.Now()
	var victim *kvBlock
	var victimScore float64

	for _, blk := range a.kv {
		if blk.state != Resident {
			continue
		}
		if layer >= 0 && blk.key.Layer != layer {
			continue
		}
		score := a.score(now.Sub(blk.lastAccess), blk.sparsityWeight)
		if victim == nil || score < victimScore ||
			(score == victimScore && blk.lastAccess.Before(victim.lastAccess)) {
			victim = blk
			victimScore = score
		}
	}
	return victim
}

// PutEngram admits a durable engram block, evicting the least
// frequently used engram (spilling it to disk) when device memory is
// full.
func (a *AIContext) PutEngram(ctx context.Context, id string, data []byte, class sched.Class) error {
	if !a.cfg.EnableEngram {
		return ErrEngramDisabled
	}
	if id == "" || len(data) == 0 {
		return gpuerr.New(gpuerr.CodeInvalidSize, "ai.PutEngram")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.putEngramLocked(ctx, id, data, class)
}

func (a *AIContext) putEngramLocked(ctx context.Context, id string, data []byte, class sched.Class) error {
	if blk, ok := a.engrams[id]; ok {
		_ = a.settleEngram(ctx, blk)
		a.freeQuiet(blk.handle)
		a.freeQuiet(blk.staging)
		delete(a.engrams, id)
	}

	handle, staging, req, err := a.admit(ctx, data, class, func() bool {
		return a.spillLowestEngram(ctx)
	})
	if err != nil {
		return err
	}

	a.engrams[id] = &engramBlock{
		id:         id,
		handle:     handle,
		staging:    staging,
		state:      Prefetching,
		size:       int64(len(data)),
		lastAccess: time.Now(),
		req:        req,
	}
	return nil
}

// GetEngram returns an engram's bytes, reloading from the spill store
// or the remote fetcher when it is not resident.
func (a *AIContext) GetEngram(ctx context.Context, id string) ([]byte, error) {
	if !a.cfg.EnableEngram {
		return nil, ErrEngramDisabled
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if blk, ok := a.engrams[id]; ok && blk.state != Evicted {
		if err := a.settleEngram(ctx, blk); err != nil {
			return nil, err
		}
		data, err := a.readBlock(ctx, blk.handle, blk.size)
		if err != nil {
			return nil, err
		}
		blk.accessCount++
		blk.lastAccess = time.Now()
		return data, nil
	}

	// Page back in: spill store first, then peers.
	if a.store != nil {
		if data, err := a.store.Get(id); err == nil {
			if err := a.putEngramLocked(ctx, id, data, sched.ClassInferenceBatch); err != nil {
				return nil, err
			}
			a.engramReloads++
			return data, nil
		}
	}
	if a.cfg.Remote != nil {
		if data, err := a.cfg.Remote.FetchEngram(ctx, id); err == nil {
			if err := a.putEngramLocked(ctx, id, data, sched.ClassInferenceBatch); err != nil {
				return nil, err
			}
			a.engramReloads++
			return data, nil
		}
	}
	return nil, ErrEngramNotFound
}

// settleEngram mirrors settleKV for engram blocks. Caller holds a.mu.
func (a *AIContext) settleEngram(ctx context.Context, blk *engramBlock) error {
	if blk.state != Prefetching {
		return nil
	}
	if !blk.req.State().Terminal() {
		if err := a.eng.Synchronize(ctx); err != nil &&
			gpuerr.CodeOf(err) != gpuerr.CodeTransferError {
			return err
		}
	}

	switch blk.req.State() {
	case sched.Completed:
		a.freeQuiet(blk.staging)
		blk.staging = 0
		blk.state = Resident
		blk.req = nil
		return nil
	default:
		err := blk.req.Err()
		a.freeQuiet(blk.staging)
		a.freeQuiet(blk.handle)
		blk.staging, blk.handle = 0, 0
		blk.state = Evicted
		blk.req = nil
		if err == nil {
			err = gpuerr.New(gpuerr.CodeTransferError, "ai.settleEngram")
		}
		return err
	}
}

// spillLowestEngram pages out the least frequently used Resident
// engram, writing its bytes to the spill store first (when one is
// configured). Ties break on earliest last access. Caller holds a.mu.
func (a *AIContext) spillLowestEngram(ctx context.Context) bool {
	for _, blk := range a.engrams {
		if blk.state == Prefetching {
			_ = a.settleEngram(ctx, blk)
		}
	}

	var victim *engramBlock
	for _, blk := range a.engrams {
		if blk.state != Resident {
			continue
		}
		if victim == nil || blk.accessCount < victim.accessCount ||
			(blk.accessCount == victim.accessCount && blk.lastAccess.Before(victim.lastAccess)) {
			victim = blk
		}
	}
	if victim == nil {
		return false
	}

	if a.store != nil {
		if data, err := a.readBlock(ctx, victim.handle, victim.size); err == nil {
			if err := a.store.Put(victim.id, data); err != nil {
				a.log.Warn("engram spill failed", "id", victim.id, "err", err)
			} else {
				a.engramSpills++
			}
		}
	}

	a.freeQuiet(victim.handle)
	victim.handle = 0
	victim.state = Evicted
	a.log.Debug("engram evicted", "id", victim.id)
	return true
}

// admit allocates a device block (evicting via evict until it fits),
// stages data into pinned memory and enqueues the populate transfer.
// Caller holds a.mu.
func (a *AIContext) admit(ctx context.Context, data []byte, class sched.Class, evict func() bool) (handle, staging memory.Handle, req *sched.Request, err error) {
	const op = "ai.admit"
	size := int64(len(data))

	handle, err = a.eng.Malloc(size)
	for gpuerr.IsCode(err, gpuerr.CodeOutOfMemory) {
		if !evict() {
			return 0, 0, nil, gpuerr.Wrap(gpuerr.CodeCapacityExceeded, op, err)
		}
		handle, err = a.eng.Malloc(size)
	}
	if err != nil {
		return 0, 0, nil, err
	}

	staging, err = a.eng.MallocPinned(size)
	if err != nil {
		a.freeQuiet(handle)
		return 0, 0, nil, err
	}
	window, err := a.eng.BlockBytes(staging)
	if err != nil {
		a.freeQuiet(handle)
		a.freeQuiet(staging)
		return 0, 0, nil, err
	}
	copy(window, data)

	req, err = a.eng.Memcpy(handle, staging, size, engine.WithClass(class))
	if err != nil {
		a.freeQuiet(handle)
		a.freeQuiet(staging)
		return 0, 0, nil, err
	}
	return handle, staging, req, nil
}

// readBlock copies a device block back through pinned staging and
// returns its bytes. Blocks on synchronize. Caller holds a.mu.
func (a *AIContext) readBlock(ctx context.Context, h memory.Handle, size int64) ([]byte, error) {
	staging, err := a.eng.MallocPinned(size)
	if err != nil {
		return nil, err
	}
	defer a.freeQuiet(staging)

	if _, err := a.eng.Memcpy(staging, h, size); err != nil {
		return nil, err
	}
	if err := a.eng.Synchronize(ctx); err != nil {
		return nil, err
	}

	window, err := a.eng.BlockBytes(staging)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), window...), nil
}

// freeQuiet frees a handle, tolerating zero and already-freed handles
// during cleanup paths.
func (a *AIContext) freeQuiet(h memory.Handle) {
	if h == 0 {
		return
	}
	if err := a.eng.Free(h); err != nil {
		a.log.Debug("cleanup free", "handle", uint64(h), "err", err)
	}
}

// Stats snapshots the policy layer.
func (a *AIContext) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := Stats{
		KVEvictions:   a.kvEvictions,
		EngramSpills:  a.engramSpills,
		EngramReloads: a.engramReloads,
	}
	for _, blk := range a.kv {
		switch blk.state {
		case Resident:
			st.KVResident++
		case Prefetching:
			st.KVPrefetching++
		case Evicted:
			st.KVEvicted++
		}
	}
	for _, blk := range a.engrams {
		if blk.state == Resident {
			st.EngramResident++
		} else {
			st.EngramEvicted++
		}
	}
	return st
}

// Close releases every block the policy layer still holds and closes
// the spill store. The engine context itself stays usable.
func (a *AIContext) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, blk := range a.kv {
		a.freeQuiet(blk.handle)
		a.freeQuiet(blk.staging)
	}
	for _, blk := range a.engrams {
		a.freeQuiet(blk.handle)
		a.freeQuiet(blk.staging)
	}
	a.kv = make(map[KVKey]*kvBlock)
	a.engrams = make(map[string]*engramBlock)

	if a.store != nil {
		return a.store.Close()
	}
	return nil
}
