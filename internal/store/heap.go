package store

import "sort"

type Match struct {
	Slot  uint32
	ID    string
	Score float32
}

// worse orders matches by score, breaking ties by id so results are stable.
func (m Match) worse(o Match) bool {
	if m.Score != o.Score {
		return m.Score < o.Score
	}
	return m.ID > o.ID
}

// MinHeap keeps the best k matches with the worst one at the root.
type MinHeap []Match

func (h *MinHeap) Len() int { return len(*h) }

// Offer adds m if the heap has room or m beats the current worst match.
func (h *MinHeap) Offer(m Match, k int) {
	if len(*h) < k {
		h.Push(m)
		return
	}
	if (*h)[0].worse(m) {
		h.Replace(m)
	}
}

func (h *MinHeap) Push(m Match) {
	*h = append(*h, m)
	h.up(len(*h) - 1)
}

func (h *MinHeap) Replace(m Match) {
	(*h)[0] = m
	h.down(0, len(*h))
}

// Sorted returns the matches best first.
func (h MinHeap) Sorted() []Match {
	out := make([]Match, len(h))
	copy(out, h)
	sort.Slice(out, func(i, j int) bool { return out[j].worse(out[i]) })
	return out
}

func (h *MinHeap) up(j int) {
	for {
		i := (j - 1) / 2
		if i == j || !(*h)[j].worse((*h)[i]) {
			break
		}
		(*h)[i], (*h)[j] = (*h)[j], (*h)[i]
		j = i
	}
}

func (h *MinHeap) down(i0, n int) {
	i := i0
	for {
		j1 := 2*i + 1
		if j1 >= n || j1 < 0 {
			break
		}
		j := j1
		if j2 := j1 + 1; j2 < n && (*h)[j2].worse((*h)[j1]) {
			j = j2
		}
		if !(*h)[j].worse((*h)[i]) {
			break
		}
		(*h)[i], (*h)[j] = (*h)[j], (*h)[i]
		i = j
	}
}
