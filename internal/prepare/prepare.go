// Package prepare normalizes raw tables into the shape the allocation
// engine expects: renamed columns, ISO dates, and numeric value cells.
package prepare

import (
	"fmt"
	"strings"
	"time"

	"github.com/rateio/rateio-core/internal/dataset"
	"github.com/rateio/rateio-core/internal/rateio"
)

// Mode controls how the preparer reacts to cells it cannot normalize.
type Mode string

const (
	// ModeStrict fails the run on the first malformed cell.
	ModeStrict Mode = "strict"
	// ModeLenient nulls malformed cells and counts them in the report.
	ModeLenient Mode = "lenient"
)

// Rule describes the preparation of one table. Renames apply first, so
// DateColumns, NumericColumns and Required refer to the new names.
type Rule struct {
	Table          string            `yaml:"table"`
	Renames        map[string]string `yaml:"renames"`
	DateColumns    []string          `yaml:"date_columns"`
	NumericColumns []string          `yaml:"numeric_columns"`
	Required       []string          `yaml:"required"`
	Mode           Mode              `yaml:"mode"`
}

// Report counts what the preparer touched in one table.
type Report struct {
	Table        string
	Rows         int
	RenamedCols  int
	DateCells    int
	NulledDates  int
	NumericCells int
}

// Apply returns a prepared copy of the table. The input is never mutated.
func Apply(t *dataset.Table, rule Rule) (*dataset.Table, *Report, error) {
	if t == nil {
		return nil, nil, schemaErrorf(rule.Table, "table is nil")
	}
	mode := rule.Mode
	if mode == "" {
		mode = ModeStrict
	}

	report := &Report{Table: t.Name, Rows: t.Len()}
	schema, err := renameSchema(t.Schema, rule.Renames)
	if err != nil {
		return nil, nil, schemaErrorf(t.Name, "%v", err)
	}
	report.RenamedCols = len(rule.Renames)

	if err := schema.RequireFields(rule.Required...); err != nil {
		return nil, nil, schemaErrorf(t.Name, "%v", err)
	}

	rows := make([]dataset.Record, 0, t.Len())
	for i, src := range t.Rows {
		rec := renameRow(src, rule.Renames)

		for _, col := range rule.DateColumns {
			raw, ok := rec[col]
			if !ok || raw == nil || raw == "" {
				continue
			}
			iso, ok := NormalizeDate(dataset.CanonicalString(raw))
			if !ok {
				if mode == ModeStrict {
					return nil, nil, schemaErrorf(t.Name, "row %d: column %s: unparseable date %v", i, col, raw)
				}
				rec[col] = nil
				report.NulledDates++
				continue
			}
			rec[col] = iso
			report.DateCells++
		}

		for _, col := range rule.NumericColumns {
			raw, ok := rec[col]
			if !ok || raw == nil {
				continue
			}
			f, ok := dataset.Float(rec, col)
			if !ok {
				if mode == ModeStrict {
					return nil, nil, schemaErrorf(t.Name, "row %d: column %s: non-numeric value %v", i, col, raw)
				}
				rec[col] = nil
				continue
			}
			rec[col] = f
			report.NumericCells++
		}

		rows = append(rows, rec)
	}
	return dataset.NewTable(t.Name, schema, rows), report, nil
}

// NormalizeDate rewrites a date string into YYYY-MM-DD form. It accepts
// dates already in that form, the slashed variants YYYY/MM/DD and
// DD/MM/YYYY, and a handful of timestamp layouts. The second return is
// false when no form matches.
func NormalizeDate(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}

	if parts := strings.Split(value, "-"); len(parts) == 3 && len(parts[0]) == 4 {
		if t, err := time.Parse("2006-1-2", value); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	if parts := strings.Split(value, "/"); len(parts) == 3 {
		var joined string
		switch {
		case len(parts[0]) == 4:
			joined = parts[0] + "-" + parts[1] + "-" + parts[2]
		case len(parts[2]) == 4:
			joined = parts[2] + "-" + parts[1] + "-" + parts[0]
		}
		if joined != "" {
			if t, err := time.Parse("2006-1-2", joined); err == nil {
				return t.Format("2006-01-02"), true
			}
		}
	}
	for _, layout := range fallbackLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}

// fallbackLayouts catches timestamps that sneak into date columns.
var fallbackLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"20060102",
}

func renameSchema(s *dataset.Schema, renames map[string]string) (*dataset.Schema, error) {
	out := &dataset.Schema{}
	seen := map[string]bool{}
	for _, f := range s.Fields {
		name := f.Name
		if to, ok := renames[name]; ok {
			name = to
		}
		if seen[name] {
			return nil, fmt.Errorf("rename collides with existing column %s", name)
		}
		seen[name] = true
		out.Fields = append(out.Fields, &dataset.FieldDefinition{
			Name:     name,
			DataType: f.DataType,
			Nullable: f.Nullable,
			Position: len(out.Fields),
		})
	}
	return out, nil
}

func renameRow(src dataset.Record, renames map[string]string) dataset.Record {
	rec := make(dataset.Record, len(src))
	for k, v := range src {
		if to, ok := renames[k]; ok {
			k = to
		}
		rec[k] = v
	}
	return rec
}

func schemaErrorf(table, format string, args ...any) error {
	return rateio.NewError(rateio.CodeSchema, table, format, args...)
}
