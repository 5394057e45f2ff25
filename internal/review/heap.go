package review

import "github.com/opensource-finance/kestrel/internal/domain"

// entry is a pending item's slot in the priority heap.
type entry struct {
	item  *domain.ReviewItem
	index int
}

// pendingHeap orders pending items by score descending, then transaction
// timestamp ascending, then item id ascending.
type pendingHeap []*entry

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool { return ranksBefore(h[i].item, h[j].item) }

func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pendingHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// ranksBefore reports whether a is reviewed before b.
func ranksBefore(a, b *domain.ReviewItem) bool {
	if sa, sb := a.Score.Score, b.Score.Score; sa != sb {
		return sa > sb
	}
	ta, tb := txTime(a), txTime(b)
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}
	return a.ID < b.ID
}
