package executor

import (
	"container/heap"
	"sync"
)

// QueueEntry is a pending task held in a TierQueue
type QueueEntry struct {
	TaskID   string
	Priority int
	Seq      uint64
}

type heapItem struct {
	QueueEntry
	index int
}

// entryHeap orders by priority descending, then sequence ascending
type entryHeap []*heapItem

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].Seq < h[j].Seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	item := x.(*heapItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// TierQueue is the priority-ordered pending list of one tier. It is safe
// for any number of enqueuers and removers alongside one dequeuer.
type TierQueue struct {
	mu      sync.Mutex
	items   entryHeap
	byID    map[string]*heapItem
	nextSeq uint64
	ready   chan struct{}
}

// NewTierQueue creates an empty queue
func NewTierQueue() *TierQueue {
	return &TierQueue{
		byID:  make(map[string]*heapItem),
		ready: make(chan struct{}, 1),
	}
}

// Enqueue adds a task with the next sequence number and returns the number
// of entries that were pending before it.
func (q *TierQueue) Enqueue(taskID string, priority int) int {
	q.mu.Lock()
	before := len(q.items)
	q.nextSeq++
	item := &heapItem{QueueEntry: QueueEntry{TaskID: taskID, Priority: priority, Seq: q.nextSeq}}
	heap.Push(&q.items, item)
	q.byID[taskID] = item
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return before
}

// DequeueBest removes and returns the highest-priority, earliest entry
func (q *TierQueue) DequeueBest() (QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return QueueEntry{}, false
	}
	item := heap.Pop(&q.items).(*heapItem)
	delete(q.byID, item.TaskID)
	return item.QueueEntry, true
}

// Remove deletes the task's entry if it is still queued
func (q *TierQueue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.byID[taskID]
	if !ok {
		return false
	}
	heap.Remove(&q.items, item.index)
	delete(q.byID, taskID)
	return true
}

// Drain removes and returns every entry in dispatch order
func (q *TierQueue) Drain() []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := make([]QueueEntry, 0, len(q.items))
	for len(q.items) > 0 {
		item := heap.Pop(&q.items).(*heapItem)
		entries = append(entries, item.QueueEntry)
	}
	clear(q.byID)
	return entries
}

// Size returns the number of pending entries
func (q *TierQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Ready is signalled after an enqueue. The signal is coalesced, so a
// receiver must dequeue until the queue is empty.
func (q *TierQueue) Ready() <-chan struct{} {
	return q.ready
}
