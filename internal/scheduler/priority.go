package scheduler

import "sort"

// Order sorts ready tasks for dispatch: higher priority first, then arrival
// order (created_at, then id) within a priority band.
func Order(ready []Task) []int64 {
	sorted := append([]Task(nil), ready...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra > rb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	ids := make([]int64, len(sorted))
	for i, t := range sorted {
		ids[i] = t.ID
	}
	return ids
}
