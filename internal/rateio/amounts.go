package rateio

import (
	"fmt"
	"math"

	"github.com/rateio/rateio-core/internal/dataset"
)

// Amounts cross the table boundary as float64 and are converted to integer
// minor units for allocation arithmetic, so conservation holds exactly per
// allocation unit instead of drifting with float rounding.

const centsPerUnit = 100

// maxCents bounds conversion so share multiplication stays inside int64.
const maxCents = float64(math.MaxInt64 / 4)

func toCents(v float64) (int64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite amount %v", v)
	}
	scaled := math.Round(v * centsPerUnit)
	if math.Abs(scaled) > maxCents {
		return 0, fmt.Errorf("amount %v overflows minor units", v)
	}
	return int64(scaled), nil
}

func fromCents(c int64) float64 { return float64(c) / centsPerUnit }

// cellCents reads a row's amount column in cents.
func cellCents(rec dataset.Record, col string, row int) (int64, error) {
	v, ok := dataset.Float(rec, col)
	if !ok {
		return 0, fmt.Errorf("row %d: column %q is not numeric", row, col)
	}
	c, err := toCents(v)
	if err != nil {
		return 0, fmt.Errorf("row %d: column %q: %w", row, col, err)
	}
	return c, nil
}

// SumColumnCents totals a numeric column over a whole table in minor units.
func SumColumnCents(t *dataset.Table, col string) (int64, error) {
	var sum int64
	for i, rec := range t.Rows {
		c, err := cellCents(rec, col, i)
		if err != nil {
			return 0, err
		}
		sum += c
	}
	return sum, nil
}

// VerifyConservation checks an output total against the expected total,
// both in minor units, within the given tolerance in whole units.
func VerifyConservation(stage string, gotCents, wantCents int64, tolerance float64) error {
	diff := gotCents - wantCents
	if diff < 0 {
		diff = -diff
	}
	if fromCents(diff) > tolerance {
		return errorf(CodeConservation, stage,
			"output total %.2f does not match expected total %.2f (difference %.2f exceeds tolerance %g)",
			fromCents(gotCents), fromCents(wantCents), fromCents(diff), tolerance)
	}
	return nil
}
