package collab

import "sort"

// CompareRecords implements the shared row ordering: ascending by the tuple
// (position, createdAt, id), where a record without an explicit position sorts
// after every record that has one. Explicit positions exist so inserts at a
// specific row win over natural arrival order; ordinary appends rely on
// creation time. The id comparison is the final tiebreak and guarantees a
// total order even when timestamps collide.
func CompareRecords(left Record, right Record) int {
	switch {
	case left.Position != nil && right.Position == nil:
		return -1
	case left.Position == nil && right.Position != nil:
		return 1
	case left.Position != nil && right.Position != nil:
		if *left.Position != *right.Position {
			if *left.Position < *right.Position {
				return -1
			}
			return 1
		}
	}
	if left.CreatedAtMillis != right.CreatedAtMillis {
		if left.CreatedAtMillis < right.CreatedAtMillis {
			return -1
		}
		return 1
	}
	switch {
	case left.ID < right.ID:
		return -1
	case left.ID > right.ID:
		return 1
	default:
		return 0
	}
}

// SortRecords orders records in place using CompareRecords. The result is
// deterministic for any input permutation.
func SortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return CompareRecords(records[i], records[j]) < 0
	})
}
