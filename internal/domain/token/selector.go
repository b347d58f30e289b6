package token

import (
	"container/heap"
	"time"
)

// selectionHeap orders selectable records of one class for one quota window.
// Key tuple: oldest last_used_at first, then highest cached remaining, then
// fewest consecutive failures. Remaining == -1 (never measured) sorts as
// infinite so fresh tokens are tried before drained ones.
type selectionHeap struct {
	window string
	items  []*heapItem
	byID   map[string]*heapItem
}

type heapItem struct {
	rec   *Record
	index int
}

func newSelectionHeap(window string) *selectionHeap {
	return &selectionHeap{
		window: window,
		byID:   make(map[string]*heapItem),
	}
}

func (h *selectionHeap) Len() int { return len(h.items) }

func (h *selectionHeap) Less(i, j int) bool {
	a, b := h.items[i].rec, h.items[j].rec

	if !a.LastUsedAt.Equal(b.LastUsedAt) {
		return a.LastUsedAt.Before(b.LastUsedAt)
	}

	ar, br := effectiveRemaining(a, h.window), effectiveRemaining(b, h.window)
	if ar != br {
		return ar > br
	}

	return a.ConsecutiveFailures < b.ConsecutiveFailures
}

func (h *selectionHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *selectionHeap) Push(x any) {
	item := x.(*heapItem)
	item.index = len(h.items)
	h.items = append(h.items, item)
	h.byID[item.rec.ID] = item
}

func (h *selectionHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	h.items = old[:n-1]
	delete(h.byID, item.rec.ID)
	return item
}

// add inserts a record, replacing any stale membership.
func (h *selectionHeap) add(rec *Record) {
	if _, ok := h.byID[rec.ID]; ok {
		h.fix(rec.ID)
		return
	}
	heap.Push(h, &heapItem{rec: rec})
}

// remove drops a record if present.
func (h *selectionHeap) remove(id string) {
	item, ok := h.byID[id]
	if !ok {
		return
	}
	heap.Remove(h, item.index)
}

// fix restores heap order after the record's key fields changed.
func (h *selectionHeap) fix(id string) {
	if item, ok := h.byID[id]; ok {
		heap.Fix(h, item.index)
	}
}

// take pops the best selectable record. Records in a cooling-off window are
// set aside and reinserted so their position survives the skip.
func (h *selectionHeap) take(now time.Time) *Record {
	var skipped []*heapItem
	var picked *Record

	for h.Len() > 0 {
		item := heap.Pop(h).(*heapItem)
		if item.rec.Selectable(now) {
			picked = item.rec
			heap.Push(h, item)
			break
		}
		skipped = append(skipped, item)
	}

	for _, item := range skipped {
		heap.Push(h, item)
	}
	return picked
}

func effectiveRemaining(r *Record, window string) int {
	remaining := r.Remaining(window)
	if remaining < 0 {
		return int(^uint(0) >> 1) // unmeasured sorts first
	}
	return remaining
}
