// Package mixer provides a sample-clocked [audio.OutputContext]. A [Timeline]
// keeps every scheduled buffer at an absolute start frame, mixes whatever
// overlaps the requested window on each [Timeline.Render] call, and advances
// its clock by exactly the rendered frame count. Hardware speakers call Render
// from their device callback; virtual speakers call it from a ticker.
package mixer

// pendingHeap implements [container/heap.Interface] as a min-heap ordered by
// start frame (ascending), with FIFO tie-breaking on seq (ascending). It holds
// sources that have not started rendering yet.
type pendingHeap []*source

func (h pendingHeap) Len() int { return len(h) }

// Less reports whether element i starts before element j.
// Equal start frames fall back to insertion order.
func (h pendingHeap) Less(i, j int) bool {
	if h[i].startFrame != h[j].startFrame {
		return h[i].startFrame < h[j].startFrame
	}
	return h[i].seq < h[j].seq
}

func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *pendingHeap) Push(x any) {
	s := x.(*source)
	s.index = len(*h)
	*h = append(*h, s)
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	s.index = -1
	*h = old[:n-1]
	return s
}
