package engine

import (
	"bytes"

	"github.com/blockdb/blockdb/sstable"
)

// recordHeap is an indexed binary min-heap over sstable.Record, ordered by
// key. It is the k-way merge primitive compaction uses to interleave
// multiple sorted SSTables into one, generalizing the teacher's
// indexMinHeap (merge.go) from string keys and a string-priority struct to
// byte-slice keys carried alongside each input stream's index.
type recordHeap struct {
	n     int
	pq    []int
	qp    []int
	items []sstable.Record
	has   []bool
}

func newRecordHeap(capacity int) *recordHeap {
	h := &recordHeap{
		pq:    make([]int, capacity+1),
		qp:    make([]int, capacity+1),
		items: make([]sstable.Record, capacity+1),
		has:   make([]bool, capacity+1),
	}
	for i := range h.qp {
		h.qp[i] = -1
	}
	return h
}

// push inserts rec associated with stream index i. Caller guarantees i is
// not already present in the heap.
func (h *recordHeap) push(i int, rec sstable.Record) {
	h.n++
	h.qp[i] = h.n
	h.pq[h.n] = i
	h.items[i] = rec
	h.has[i] = true
	h.swim(h.n)
}

// pop removes and returns the (stream index, record) pair with the
// smallest key.
func (h *recordHeap) pop() (int, sstable.Record) {
	top := h.pq[1]
	min := h.items[top]

	h.exchange(1, h.n)
	h.n--
	h.sink(1)

	h.has[top] = false
	h.qp[top] = -1
	h.pq[h.n+1] = -1

	return top, min
}

func (h *recordHeap) size() int { return h.n }

func (h *recordHeap) less(i, j int) bool {
	return bytes.Compare(h.items[h.pq[i]].Key, h.items[h.pq[j]].Key) < 0
}

func (h *recordHeap) exchange(i, j int) {
	h.pq[i], h.pq[j] = h.pq[j], h.pq[i]
	h.qp[h.pq[i]] = i
	h.qp[h.pq[j]] = j
}

func (h *recordHeap) swim(k int) {
	for k > 1 && h.less(k, k/2) {
		h.exchange(k, k/2)
		k = k / 2
	}
}

func (h *recordHeap) sink(k int) {
	for 2*k <= h.n {
		j := 2 * k
		if j < h.n && h.less(j+1, j) {
			j++
		}
		if !h.less(j, k) {
			break
		}
		h.exchange(k, j)
		k = j
	}
}
