// Package ai layers AI-specific memory policies on top of an engine
// context: sparse-attention KV cache residency and long-term engram
// paging. It never touches device memory directly; every byte moves
// through the context's allocate/copy/synchronize calls.
package ai

import (
	"fmt"
	"time"

	"github.com/neurogrid/gpuio/pkg/memory"
	"github.com/neurogrid/gpuio/pkg/sched"
)

// Residency is the logical residency state of a policy-managed block.
type Residency int

const (
	Resident Residency = iota
	Evicted
	Prefetching
)

// String returns the residency name.
func (r Residency) String() string {
	switch r {
	case Resident:
		return "Resident"
	case Evicted:
		return "Evicted"
	case Prefetching:
		return "Prefetching"
	default:
		return "Unknown"
	}
}

// KVKey addresses one sparse-attention KV cache block.
type KVKey struct {
	Layer      int
	Head       int
	TokenStart int
	TokenEnd   int
}

// String returns a human-readable key representation.
func (k KVKey) String() string {
	return fmt.Sprintf("L%02d:H%02d:%d-%d", k.Layer, k.Head, k.TokenStart, k.TokenEnd)
}

// kvBlock is the policy-side record of one KV cache block. Guarded by
// the owning AIContext's lock. Invariant: state Resident or
// Prefetching implies handle refers to exactly one live device block.
type kvBlock struct {
	key            KVKey
	handle         memory.Handle
	staging        memory.Handle // pinned staging, live while Prefetching
	state          Residency
	size           int64
	lastAccess     time.Time
	sparsityWeight float64
	req            *sched.Request // populate transfer, nil once settled
}

// engramBlock is the policy-side record of one durable engram.
// Eviction is driven by access frequency rather than recency,
// reflecting its role as cross-session memory.
type engramBlock struct {
	id          string
	handle      memory.Handle
	staging     memory.Handle
	state       Residency
	size        int64
	lastAccess  time.Time
	accessCount int64
	req         *sched.Request
}
