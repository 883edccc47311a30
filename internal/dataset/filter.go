package dataset

import (
	"strings"
	"time"
)

// RowFilter selects rows by per-column allowed values and by calendar month
// of date columns. Constraints are AND-combined across columns; allowed
// values within one column are OR-combined. String comparison is
// case-insensitive; dates must be in canonical YYYY-MM-DD form.
type RowFilter struct {
	Columns map[string][]string
	Months  map[string][]int
}

// IsEmpty reports whether the filter constrains nothing.
func (f RowFilter) IsEmpty() bool {
	return len(f.Columns) == 0 && len(f.Months) == 0
}

// ColumnNames returns every column the filter references, for schema checks.
func (f RowFilter) ColumnNames() []string {
	names := make([]string, 0, len(f.Columns)+len(f.Months))
	for col := range f.Columns {
		names = append(names, col)
	}
	for col := range f.Months {
		names = append(names, col)
	}
	return names
}

// Partition splits row indices into those matching the filter and the rest,
// preserving input order in both halves. An empty filter selects everything.
func (f RowFilter) Partition(rows []Record) (selected, rest []int) {
	if f.IsEmpty() {
		selected = make([]int, len(rows))
		for i := range rows {
			selected[i] = i
		}
		return selected, nil
	}

	valueSets := make(map[string]map[string]bool, len(f.Columns))
	for col, allowed := range f.Columns {
		if len(allowed) > 0 {
			valueSets[col] = toLowerSet(allowed)
		}
	}
	monthSets := make(map[string]map[int]bool, len(f.Months))
	for col, months := range f.Months {
		if len(months) > 0 {
			set := make(map[int]bool, len(months))
			for _, m := range months {
				set[m] = true
			}
			monthSets[col] = set
		}
	}

	for i, rec := range rows {
		if f.matches(rec, valueSets, monthSets) {
			selected = append(selected, i)
		} else {
			rest = append(rest, i)
		}
	}
	return selected, rest
}

func (f RowFilter) matches(rec Record, valueSets map[string]map[string]bool, monthSets map[string]map[int]bool) bool {
	for col, set := range valueSets {
		if !set[strings.ToLower(String(rec, col))] {
			return false
		}
	}
	for col, set := range monthSets {
		ts, err := time.Parse("2006-01-02", String(rec, col))
		if err != nil {
			return false
		}
		if !set[int(ts.Month())] {
			return false
		}
	}
	return true
}

func toLowerSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[strings.ToLower(item)] = true
	}
	return set
}
