package main

import "slices"

// topK keeps the k largest items pushed so far, largest first. An item only
// displaces entries it is strictly greater than, so among equal items the
// earlier push ranks higher.
type topK[T any] struct {
	k     int
	cmp   func(a, b T) int
	items []T
}

func newTopK[T any](k int, cmp func(a, b T) int) *topK[T] {
	return &topK[T]{k: k, cmp: cmp, items: make([]T, 0, min(max(k, 0), 8))}
}

func (t *topK[T]) Push(x T) {
	if t.k <= 0 {
		return
	}
	i := len(t.items)
	for j, it := range t.items {
		if t.cmp(x, it) > 0 {
			i = j
			break
		}
	}
	if i >= t.k {
		return
	}
	t.items = slices.Insert(t.items, i, x)
	if len(t.items) > t.k {
		t.items = t.items[:t.k]
	}
}

func (t *topK[T]) Items() []T { return slices.Clone(t.items) }
