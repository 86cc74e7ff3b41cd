package process

import "sort"

// SortByRecency orders records by completion time, falling back to creation
// time, newest first. Ties keep their storage order.
func SortByRecency(recs []Record) []Record {
	out := append([]Record(nil), recs...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SortTime().After(out[j].SortTime())
	})
	return out
}

// CountByStatus tallies records per status.
func CountByStatus(recs []Record) map[JobStatus]int {
	counts := make(map[JobStatus]int, 4)
	for _, r := range recs {
		counts[r.Status]++
	}
	return counts
}

// FilterStatus keeps records whose status is one of statuses. No statuses keeps everything.
func FilterStatus(recs []Record, statuses ...JobStatus) []Record {
	if len(statuses) == 0 {
		return recs
	}
	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		for _, s := range statuses {
			if r.Status == s {
				out = append(out, r)
				break
			}
		}
	}
	return out
}
