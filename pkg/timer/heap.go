package timer

import (
	"container/heap"
	"time"

	"pulsetimer/pkg/pulse"
)

// scheduledEvent is a pending timer owned by the worker.
type scheduledEvent struct {
	when      time.Time
	seq       uint64
	requested time.Duration
	sink      *pulse.Sender
}

// eventHeap implements container/heap.Interface, earliest deadline first.
// Equal deadlines fall back to insertion order (seq).
type eventHeap []scheduledEvent

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if !h[i].when.Equal(h[j].when) {
		return h[i].when.Before(h[j].when)
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) {
	*h = append(*h, x.(scheduledEvent))
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = scheduledEvent{}
	*h = old[:n-1]
	return x
}

func heapPush(h *eventHeap, e scheduledEvent) {
	heap.Push(h, e)
}

// heapPop removes the earliest event. Panics if the heap is empty.
func heapPop(h *eventHeap) scheduledEvent {
	return heap.Pop(h).(scheduledEvent)
}

func heapPeek(h *eventHeap) (scheduledEvent, bool) {
	if len(*h) == 0 {
		return scheduledEvent{}, false
	}
	return (*h)[0], true
}
