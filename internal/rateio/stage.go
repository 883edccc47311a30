package rateio

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/rateio/rateio-core/internal/dataset"
)

// UnmatchedValuePolicy handles a selected row whose join key has no metric
// entries.
type UnmatchedValuePolicy string

const (
	UnmatchedValueFail  UnmatchedValuePolicy = "fail"
	UnmatchedValueCarry UnmatchedValuePolicy = "carry"
)

// UnmatchedMetricPolicy handles a metric member whose key matches no
// selected row.
type UnmatchedMetricPolicy string

const (
	UnmatchedMetricDrop     UnmatchedMetricPolicy = "drop"
	UnmatchedMetricZeroFill UnmatchedMetricPolicy = "zero_fill"
	UnmatchedMetricFail     UnmatchedMetricPolicy = "fail"
)

// StageDefinition binds an allocation criterion to column bindings and row
// selection for one pipeline step.
//
// Two shapes, mutually exclusive:
//   - within-table: selected rows are grouped by PoolBy and each pool's
//     total is redistributed across the pool's own rows, weighted by
//     MetricColumn. Empty PoolBy treats the whole selection as one pool.
//   - expansion: DistributeOver names member key columns in a separate
//     metric table; each selected row is fanned out across the member set
//     matching it on JoinOn, and the member columns are attached to the
//     output rows.
//
// A chained stage names the prior stage's output column as its value
// column. A fixed Pool replaces the selected rows' values with shares of
// the pool amount; the rows selected by a pool stage are member carriers,
// not value sources.
type StageDefinition struct {
	Name      string
	Criterion string
	Select    dataset.RowFilter

	PoolBy []string

	DistributeOver []string
	MetricSelect   dataset.RowFilter
	JoinOn         []string

	ValueColumn  string
	MetricColumn string
	OutputColumn string
	StageColumn  string
	Pool         *float64

	ZeroMetric      ZeroMetricPolicy
	UnmatchedValue  UnmatchedValuePolicy
	UnmatchedMetric UnmatchedMetricPolicy
}

func (d StageDefinition) withDefaults(number int) StageDefinition {
	if d.Name == "" {
		d.Name = fmt.Sprintf("stage_%d", number)
	}
	if d.Criterion == "" {
		d.Criterion = "proportional"
	}
	if d.ValueColumn == "" {
		d.ValueColumn = "value"
	}
	if d.OutputColumn == "" {
		d.OutputColumn = "allocated_value"
	}
	if d.StageColumn == "" {
		d.StageColumn = "allocation_stage"
	}
	if d.ZeroMetric == "" {
		d.ZeroMetric = ZeroMetricEqualSplit
	}
	if d.UnmatchedValue == "" {
		d.UnmatchedValue = UnmatchedValueFail
	}
	if d.UnmatchedMetric == "" {
		d.UnmatchedMetric = UnmatchedMetricDrop
	}
	return d
}

func (d StageDefinition) expansion() bool { return len(d.DistributeOver) > 0 }

func validateDefinition(d StageDefinition, metrics *dataset.Table) error {
	if len(d.PoolBy) > 0 && d.expansion() {
		return errorf(CodeConfig, d.Name, "pool_by and distribute_over are mutually exclusive")
	}
	if !d.expansion() {
		if len(d.JoinOn) > 0 {
			return errorf(CodeConfig, d.Name, "join_on requires distribute_over")
		}
		if !d.MetricSelect.IsEmpty() {
			return errorf(CodeConfig, d.Name, "metric_select requires distribute_over")
		}
	}
	if d.Pool != nil {
		if d.expansion() {
			return errorf(CodeConfig, d.Name, "a fixed pool cannot be combined with distribute_over")
		}
		if len(d.PoolBy) > 0 {
			return errorf(CodeConfig, d.Name, "a fixed pool requires a single allocation unit; pool_by must be empty")
		}
	}
	if d.Criterion == "proportional" && d.MetricColumn == "" {
		return errorf(CodeConfig, d.Name, "criterion %q requires metric_column", d.Criterion)
	}
	if d.expansion() && metrics == nil {
		return errorf(CodeConfig, d.Name, "stage distributes over a metric table but none was provided")
	}
	switch d.ZeroMetric {
	case ZeroMetricEqualSplit, ZeroMetricFail:
	default:
		return errorf(CodeConfig, d.Name, "unknown zero_metric policy %q", d.ZeroMetric)
	}
	switch d.UnmatchedValue {
	case UnmatchedValueFail, UnmatchedValueCarry:
	default:
		return errorf(CodeConfig, d.Name, "unknown unmatched_value policy %q", d.UnmatchedValue)
	}
	switch d.UnmatchedMetric {
	case UnmatchedMetricDrop, UnmatchedMetricZeroFill, UnmatchedMetricFail:
	default:
		return errorf(CodeConfig, d.Name, "unknown unmatched_metric policy %q", d.UnmatchedMetric)
	}
	return nil
}

// StageReport summarizes one stage application. Totals are in minor units.
type StageReport struct {
	Stage           int
	Name            string
	Criterion       string
	RowsIn          int
	RowsOut         int
	AllocatedRows   int
	PassthroughRows int
	ZeroFillRows    int
	Units           int
	TotalInCents    int64
	TotalOutCents   int64
}

func (r *StageReport) TotalIn() float64  { return fromCents(r.TotalInCents) }
func (r *StageReport) TotalOut() float64 { return fromCents(r.TotalOutCents) }

// Stage is a StageDefinition resolved against a criterion and, for
// expansion stages, the metric table.
type Stage struct {
	Def       StageDefinition
	Number    int
	Criterion Criterion
	Metrics   *dataset.Table
}

// Apply produces a fresh output table from the input table. Rows selected
// by the stage filter are allocated; every other row passes through with
// the output column carrying its current value, so whole-table totals are
// preserved. The input table is never modified.
func (s *Stage) Apply(ctx context.Context, input *dataset.Table, parallelism int) (*dataset.Table, *StageReport, error) {
	def := s.Def
	if err := s.checkSchema(input); err != nil {
		return nil, nil, err
	}

	selected, rest := def.Select.Partition(input.Rows)

	var poolCents int64
	if def.Pool != nil {
		pc, err := toCents(*def.Pool)
		if err != nil {
			return nil, nil, errorf(CodeComputation, def.Name, "fixed pool: %v", err)
		}
		poolCents = pc
	}

	var (
		allocated  []dataset.Record
		zeroFill   []dataset.Record
		carried    []int
		allocCents int64
		srcCents   int64
		units      int
		err        error
	)
	if def.expansion() {
		allocated, zeroFill, carried, allocCents, srcCents, units, err = s.applyExpansion(ctx, input, selected, parallelism)
	} else {
		allocated, allocCents, srcCents, units, err = s.applyWithinTable(ctx, input, selected, poolCents, parallelism)
	}
	if err != nil {
		return nil, nil, err
	}

	passIdx := append(append([]int{}, rest...), carried...)
	sort.Ints(passIdx)
	passthrough := make([]dataset.Record, 0, len(passIdx))
	var passCents int64
	for _, idx := range passIdx {
		c, cerr := cellCents(input.Rows[idx], def.ValueColumn, idx)
		if cerr != nil {
			return nil, nil, wrapError(CodeComputation, def.Name, cerr)
		}
		rec := dataset.CloneRow(input.Rows[idx])
		rec[def.OutputColumn] = fromCents(c)
		rec[def.StageColumn] = stageMarker(input.Rows[idx], def.StageColumn)
		passthrough = append(passthrough, rec)
		passCents += c
	}

	rows := make([]dataset.Record, 0, len(allocated)+len(zeroFill)+len(passthrough))
	rows = append(rows, allocated...)
	rows = append(rows, zeroFill...)
	rows = append(rows, passthrough...)

	expected := passCents + srcCents
	if def.Pool != nil {
		expected = passCents + poolCents
	}

	report := &StageReport{
		Stage:           s.Number,
		Name:            def.Name,
		Criterion:       s.Criterion.Name(),
		RowsIn:          input.Len(),
		RowsOut:         len(rows),
		AllocatedRows:   len(allocated),
		PassthroughRows: len(passthrough),
		ZeroFillRows:    len(zeroFill),
		Units:           units,
		TotalInCents:    expected,
		TotalOutCents:   allocCents + passCents,
	}
	out := dataset.NewTable(input.Name, s.outputSchema(input.Schema), rows)
	return out, report, nil
}

func (s *Stage) checkSchema(input *dataset.Table) error {
	def := s.Def
	required := def.Select.ColumnNames()
	if def.Pool == nil {
		required = append(required, def.ValueColumn)
	}
	required = append(required, def.PoolBy...)
	required = append(required, def.JoinOn...)
	if !def.expansion() && def.MetricColumn != "" {
		required = append(required, def.MetricColumn)
	}
	if err := input.Schema.RequireFields(required...); err != nil {
		return wrapError(CodeSchema, def.Name, err)
	}
	if def.expansion() {
		mreq := append([]string{def.MetricColumn}, def.DistributeOver...)
		mreq = append(mreq, def.JoinOn...)
		mreq = append(mreq, def.MetricSelect.ColumnNames()...)
		if err := s.Metrics.Schema.RequireFields(mreq...); err != nil {
			return wrapError(CodeSchema, def.Name, fmt.Errorf("metric table: %w", err))
		}
	}
	return nil
}

func (s *Stage) outputSchema(in *dataset.Schema) *dataset.Schema {
	def := s.Def
	out := in.WithField(def.OutputColumn, dataset.TypeDouble, true)
	out = out.WithField(def.StageColumn, dataset.TypeInt64, false)
	for _, col := range def.DistributeOver {
		out = out.WithField(col, dataset.TypeString, true)
	}
	return out
}

// applyWithinTable redistributes each pool's total across the pool's own
// rows. Pools are processed as independent allocation units.
func (s *Stage) applyWithinTable(ctx context.Context, input *dataset.Table, selected []int, poolCents int64, parallelism int) ([]dataset.Record, int64, int64, int, error) {
	def := s.Def
	groups := dataset.GroupRows(input.Rows, selected, def.PoolBy)
	slots := make([][]dataset.Record, len(groups))
	unitOut := make([]int64, len(groups))
	unitSrc := make([]int64, len(groups))

	work := func(gi int) error {
		g := groups[gi]
		members := make([]Member, len(g.Rows))
		for i, idx := range g.Rows {
			var weight float64
			if def.MetricColumn != "" {
				v, ok := dataset.Float(input.Rows[idx], def.MetricColumn)
				if !ok {
					return errorf(CodeComputation, def.Name, "row %d: metric column %q is not numeric", idx, def.MetricColumn)
				}
				weight = v
			}
			members[i] = Member{Ordinal: i, Weight: weight}
		}
		total := poolCents
		if def.Pool == nil {
			total = 0
			for _, idx := range g.Rows {
				c, err := cellCents(input.Rows[idx], def.ValueColumn, idx)
				if err != nil {
					return wrapError(CodeComputation, def.Name, err)
				}
				total += c
			}
			unitSrc[gi] = total
		}
		amounts, err := s.allocate(total, members)
		if err != nil {
			return wrapError(CodeComputation, def.Name, err)
		}
		out := make([]dataset.Record, len(g.Rows))
		var sum int64
		for i, idx := range g.Rows {
			rec := dataset.CloneRow(input.Rows[idx])
			rec[def.OutputColumn] = fromCents(amounts[i])
			rec[def.StageColumn] = int64(s.Number)
			out[i] = rec
			sum += amounts[i]
		}
		slots[gi] = out
		unitOut[gi] = sum
		return nil
	}
	if err := runUnits(ctx, len(groups), parallelism, work); err != nil {
		return nil, 0, 0, 0, err
	}

	var rows []dataset.Record
	var outCents, srcCents int64
	for gi := range groups {
		rows = append(rows, slots[gi]...)
		outCents += unitOut[gi]
		srcCents += unitSrc[gi]
	}
	return rows, outCents, srcCents, len(groups), nil
}

// memberSet is the group of metric members sharing one join key.
type memberSet struct {
	joinKey   string
	joinParts []string
	members   []Member
	attach    [][]string
}

func (s *Stage) buildMemberSets() ([]*memberSet, map[string]*memberSet, error) {
	def := s.Def
	msel, _ := def.MetricSelect.Partition(s.Metrics.Rows)
	cols := append(append([]string{}, def.JoinOn...), def.DistributeOver...)
	groups := dataset.GroupRows(s.Metrics.Rows, msel, cols)

	var ordered []*memberSet
	index := make(map[string]*memberSet)
	for _, g := range groups {
		first := s.Metrics.Rows[g.Rows[0]]
		joinKey, joinParts := dataset.GroupKey(first, def.JoinOn)
		set, ok := index[joinKey]
		if !ok {
			set = &memberSet{joinKey: joinKey, joinParts: joinParts}
			index[joinKey] = set
			ordered = append(ordered, set)
		}
		var weight float64
		if def.MetricColumn != "" {
			for _, mi := range g.Rows {
				v, ok := dataset.Float(s.Metrics.Rows[mi], def.MetricColumn)
				if !ok {
					return nil, nil, errorf(CodeComputation, def.Name, "metric row %d: column %q is not numeric", mi, def.MetricColumn)
				}
				weight += v
			}
		}
		memberKey, _ := dataset.GroupKey(first, def.DistributeOver)
		set.members = append(set.members, Member{Key: memberKey, Ordinal: len(set.members), Weight: weight})
		set.attach = append(set.attach, g.Parts[len(def.JoinOn):])
	}
	return ordered, index, nil
}

// applyExpansion fans each selected row out across its member set. Every
// selected row is an independent allocation unit, so conservation holds
// row by row.
func (s *Stage) applyExpansion(ctx context.Context, input *dataset.Table, selected []int, parallelism int) ([]dataset.Record, []dataset.Record, []int, int64, int64, int, error) {
	def := s.Def
	ordered, index, err := s.buildMemberSets()
	if err != nil {
		return nil, nil, nil, 0, 0, 0, err
	}

	slots := make([][]dataset.Record, len(selected))
	rowCents := make([]int64, len(selected))
	unitOut := make([]int64, len(selected))
	carryFlag := make([]bool, len(selected))
	matchedKey := make([]string, len(selected))

	work := func(ui int) error {
		idx := selected[ui]
		rec := input.Rows[idx]
		joinKey, joinParts := dataset.GroupKey(rec, def.JoinOn)
		set := index[joinKey]
		if set == nil || len(set.members) == 0 {
			if def.UnmatchedValue == UnmatchedValueCarry {
				carryFlag[ui] = true
				return nil
			}
			if len(def.JoinOn) == 0 {
				return errorf(CodeUnmatchedKey, def.Name, "metric selection produced no members")
			}
			return errorf(CodeUnmatchedKey, def.Name, "row %d: no metric entries for key [%s] and no fallback policy", idx, strings.Join(joinParts, ", "))
		}
		matchedKey[ui] = joinKey
		total, err := cellCents(rec, def.ValueColumn, idx)
		if err != nil {
			return wrapError(CodeComputation, def.Name, err)
		}
		amounts, err := s.allocate(total, set.members)
		if err != nil {
			return wrapError(CodeComputation, def.Name, err)
		}
		out := make([]dataset.Record, len(set.members))
		var sum int64
		for j := range set.members {
			r := dataset.CloneRow(rec)
			for k, col := range def.DistributeOver {
				r[col] = set.attach[j][k]
			}
			r[def.OutputColumn] = fromCents(amounts[j])
			r[def.StageColumn] = int64(s.Number)
			out[j] = r
			sum += amounts[j]
		}
		slots[ui] = out
		rowCents[ui] = total
		unitOut[ui] = sum
		return nil
	}
	if err := runUnits(ctx, len(selected), parallelism, work); err != nil {
		return nil, nil, nil, 0, 0, 0, err
	}

	matched := make(map[string]bool, len(ordered))
	var allocated []dataset.Record
	var carried []int
	var outCents, srcCents int64
	units := 0
	for ui := range selected {
		if carryFlag[ui] {
			carried = append(carried, selected[ui])
			continue
		}
		matched[matchedKey[ui]] = true
		allocated = append(allocated, slots[ui]...)
		outCents += unitOut[ui]
		srcCents += rowCents[ui]
		units++
	}

	var zeroFill []dataset.Record
	for _, set := range ordered {
		if matched[set.joinKey] {
			continue
		}
		switch def.UnmatchedMetric {
		case UnmatchedMetricDrop:
		case UnmatchedMetricFail:
			return nil, nil, nil, 0, 0, 0, errorf(CodeUnmatchedKey, def.Name,
				"metric key [%s] has no matching value rows", strings.Join(set.joinParts, ", "))
		case UnmatchedMetricZeroFill:
			for j := range set.members {
				rec := dataset.Record{}
				for k, col := range def.JoinOn {
					rec[col] = set.joinParts[k]
				}
				for k, col := range def.DistributeOver {
					rec[col] = set.attach[j][k]
				}
				rec[def.OutputColumn] = 0.0
				rec[def.StageColumn] = int64(s.Number)
				zeroFill = append(zeroFill, rec)
			}
		}
	}
	return allocated, zeroFill, carried, outCents, srcCents, units, nil
}

// allocate turns a unit total into per-member amounts: provisional rounded
// shares, then the whole residual onto the designated member, so the unit
// conserves exactly.
func (s *Stage) allocate(totalCents int64, members []Member) ([]int64, error) {
	shares, err := s.Criterion.Shares(members)
	if err != nil {
		return nil, err
	}
	amounts := make([]int64, len(members))
	var sum int64
	for i, share := range shares {
		if math.IsNaN(share) || math.IsInf(share, 0) {
			return nil, fmt.Errorf("non-finite share %v for member %q", share, members[i].Key)
		}
		a := int64(math.Round(float64(totalCents) * share))
		amounts[i] = a
		sum += a
	}
	if residual := totalCents - sum; residual != 0 {
		amounts[designate(members, shares)] += residual
	}
	return amounts, nil
}

// designate picks the member absorbing the rounding residual: largest
// share, ties broken by ascending member key, then by position.
func designate(members []Member, shares []float64) int {
	best := 0
	for i := 1; i < len(members); i++ {
		if shares[i] > shares[best] || (shares[i] == shares[best] && members[i].Key < members[best].Key) {
			best = i
		}
	}
	return best
}

func stageMarker(rec dataset.Record, col string) int64 {
	if v, ok := dataset.Float(rec, col); ok {
		return int64(v)
	}
	return 0
}

// runUnits executes unit workers with bounded parallelism. Each worker
// writes only its own output slot; callers merge slots in unit order so
// results do not depend on scheduling.
func runUnits(ctx context.Context, n, parallelism int, work func(int) error) error {
	if parallelism <= 1 || n < 2 {
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := work(i); err != nil {
				return err
			}
		}
		return nil
	}
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(parallelism)
	for i := 0; i < n; i++ {
		gi := i
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			return work(gi)
		})
	}
	return eg.Wait()
}
