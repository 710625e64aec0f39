package bootloader

import (
	"container/heap"
	"slices"
)

// splice inserts u next to its anchor if the anchor is in seq, else at the end.
func splice[S, C any](seq []*Unit[S, C], u *Unit[S, C]) []*Unit[S, C] {
	at := len(seq)
	if u.constraint.Kind != KindNone {
		if i := position(seq, u.constraint.Anchor); i >= 0 {
			at = i
			if u.constraint.Kind == KindAfter {
				at = i + 1
			}
		}
	}
	return slices.Insert(seq, at, u)
}

func position[S, C any](seq []*Unit[S, C], name string) int {
	return slices.IndexFunc(seq, func(u *Unit[S, C]) bool { return u.name == name })
}

// resolve returns seq reordered so every constraint with both ends present
// holds. Among the units that are free to go next the one earliest in seq
// wins, so a sequence that already satisfies everything comes back as is.
// The second return lists the units that lie on a cycle.
func resolve[S, C any](seq []*Unit[S, C]) ([]*Unit[S, C], []string) {
	n := len(seq)
	at := make(map[string]int, n)
	for i, u := range seq {
		at[u.name] = i
	}

	// edges[i] holds the positions that must come after position i
	edges := make([][]int, n)
	indeg := make([]int, n)
	for i, u := range seq {
		j, ok := at[u.constraint.Anchor]
		if u.constraint.Kind == KindNone || !ok {
			continue
		}
		from, to := i, j
		if u.constraint.Kind == KindAfter {
			from, to = j, i
		}
		edges[from] = append(edges[from], to)
		indeg[to]++
	}

	ready := &posHeap{}
	for i := range seq {
		if indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]*Unit[S, C], 0, n)
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		out = append(out, seq[i])
		for _, j := range edges[i] {
			indeg[j]--
			if indeg[j] == 0 {
				heap.Push(ready, j)
			}
		}
	}

	if len(out) == n {
		return out, nil
	}
	var cycle []string
	for i, u := range seq {
		if indeg[i] > 0 && onCycle(edges, indeg, i) {
			cycle = append(cycle, u.name)
		}
	}
	return nil, cycle
}

// onCycle reports whether start can reach itself through units the sort
// left blocked. Units that only sit downstream of a cycle cannot.
func onCycle(edges [][]int, indeg []int, start int) bool {
	visited := make(map[int]bool)
	stack := slices.Clone(edges[start])
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if i == start {
			return true
		}
		if visited[i] || indeg[i] == 0 {
			continue
		}
		visited[i] = true
		stack = append(stack, edges[i]...)
	}
	return false
}

// posHeap is a min-heap of sequence positions.
type posHeap []int

func (h posHeap) Len() int           { return len(h) }
func (h posHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h posHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *posHeap) Push(x any) { *h = append(*h, x.(int)) }

func (h *posHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
