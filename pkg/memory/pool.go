package memory

import (
	"math/bits"
)

// minBucketShift puts the smallest slab at 256 bytes; requests below
// that round up so the free lists stay shallow.
const minBucketShift = 8

// slabPool carves fixed power-of-two slabs out of a single backing
// arena. Freed slabs go on a per-bucket free list and are reused for
// later requests of the same bucket; there is no splitting or
// coalescing, which bounds fragmentation to one bucket's worth of
// rounding per block. Callers hold the owning device lock.
type slabPool struct {
	arena    []byte
	capacity int64
	brk      int64 // bump pointer into arena

	free map[uint][]int64 // bucket shift -> free slab offsets
}

func newSlabPool(capacity int64) *slabPool {
	return &slabPool{
		arena:    make([]byte, capacity),
		capacity: capacity,
		free:     make(map[uint][]int64),
	}
}

// bucketShift returns the power-of-two bucket exponent for size.
func bucketShift(size int64) uint {
	shift := uint(bits.Len64(uint64(size - 1)))
	if shift < minBucketShift {
		shift = minBucketShift
	}
	return shift
}

// alloc reserves one slab for size bytes and returns its arena offset
// and the reserved slab size. ok is false when the pool is exhausted.
func (p *slabPool) alloc(size int64) (offset, reserved int64, ok bool) {
	shift := bucketShift(size)
	slab := int64(1) << shift

	if list := p.free[shift]; len(list) > 0 {
		offset = list[len(list)-1]
		p.free[shift] = list[:len(list)-1]
		return offset, slab, true
	}

	if p.brk+slab > p.capacity {
		return 0, 0, false
	}
	offset = p.brk
	p.brk += slab
	return offset, slab, true
}

// release returns a slab to its bucket free list.
func (p *slabPool) release(offset, reserved int64) {
	shift := uint(bits.Len64(uint64(reserved - 1)))
	p.free[shift] = append(p.free[shift], offset)
}

// window returns the arena bytes backing a block.
func (p *slabPool) window(offset, size int64) []byte {
	return p.arena[offset : offset+size : offset+size]
}
