package jobmanager

import "github.com/ChuLiYu/docflow/pkg/types"

// jobHeap implements heap.Interface over pending jobs.
//
// Order: higher priority first; within a priority, earlier created_at first;
// equal timestamps prefer the lower complexity score; seq breaks remaining ties.
type jobHeap []*types.Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.ComplexityScore != b.ComplexityScore {
		return a.ComplexityScore < b.ComplexityScore
	}
	return a.Seq < b.Seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*types.Job)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}
