package sched

import "container/heap"

// reqHeap is a min-heap of requests ordered by submission sequence
// number, so dispatch within one class is strict FIFO.
type reqHeap []*Request

func (h reqHeap) Len() int            { return len(h) }
func (h reqHeap) Less(i, j int) bool  { return h[i].id < h[j].id }
func (h reqHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *reqHeap) Push(x interface{}) { *h = append(*h, x.(*Request)) }

func (h *reqHeap) Pop() interface{} {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return r
}

// readyQueues holds the four per-class ready queues of one device.
// Cancelled requests stay in their heap and are skipped lazily on pop.
type readyQueues [numClasses]reqHeap

func (q *readyQueues) push(r *Request) {
	heap.Push(&q[r.level], r)
}

// peekClass drops stale (non-Queued) entries from the head of one
// class and returns the oldest queued request, or nil.
func (q *readyQueues) peekClass(c Class) *Request {
	for q[c].Len() > 0 {
		r := q[c][0]
		if r.state == Queued && r.level == c {
			return r
		}
		// Cancelled, or promoted into a higher queue.
		heap.Pop(&q[c])
	}
	return nil
}

// pop removes and returns the oldest request from the highest
// non-empty class, or nil when everything is drained.
func (q *readyQueues) pop() *Request {
	for c := Class(0); c < numClasses; c++ {
		if r := q.peekClass(c); r != nil {
			heap.Pop(&q[c])
			return r
		}
	}
	return nil
}

// empty reports whether no queued request remains.
func (q *readyQueues) empty() bool {
	for c := Class(0); c < numClasses; c++ {
		if q.peekClass(c) != nil {
			return false
		}
	}
	return true
}
