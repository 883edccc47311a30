package dataset

import "strings"

// keySep joins key parts. A non-printing separator keeps composite keys
// unambiguous when cell values contain common punctuation.
const keySep = "\x1f"

// Group is one partition of rows sharing a grouping key. Rows holds indices
// into the source slice; groups appear in first-seen order.
type Group struct {
	Key   string
	Parts []string
	Rows  []int
}

// GroupRows partitions the given row indices by the values of cols.
// Passing nil indices groups every row.
func GroupRows(rows []Record, indices []int, cols []string) []Group {
	if indices == nil {
		indices = make([]int, len(rows))
		for i := range rows {
			indices[i] = i
		}
	}
	byKey := make(map[string]int)
	groups := make([]Group, 0)
	for _, idx := range indices {
		key, parts := GroupKey(rows[idx], cols)
		gi, ok := byKey[key]
		if !ok {
			gi = len(groups)
			byKey[key] = gi
			groups = append(groups, Group{Key: key, Parts: parts})
		}
		groups[gi].Rows = append(groups[gi].Rows, idx)
	}
	return groups
}

// GroupKey builds the composite key of a record over cols, returning both
// the joined key and its parts in column order.
func GroupKey(rec Record, cols []string) (string, []string) {
	parts := make([]string, len(cols))
	for i, col := range cols {
		parts[i] = String(rec, col)
	}
	return strings.Join(parts, keySep), parts
}
