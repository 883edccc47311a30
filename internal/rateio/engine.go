// Package rateio implements staged proportional apportionment: each stage
// redistributes a value column across grouping dimensions according to a
// driver metric and an allocation criterion, and the engine threads tables
// through the stage pipeline while enforcing conservation of totals.
package rateio

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rateio/rateio-core/internal/dataset"
)

// DefaultTolerance bounds the post-stage conservation check, in whole units.
const DefaultTolerance = 1e-6

// Options configures an Engine.
type Options struct {
	// Criteria resolves stage criterion names. Nil uses the built-ins.
	Criteria *CriterionRegistry

	// Metrics is the driver table for stages that distribute over it.
	Metrics *dataset.Table

	// Parallelism bounds concurrent allocation units inside one stage.
	// Values below 2 process units sequentially.
	Parallelism int

	// Tolerance overrides DefaultTolerance when positive.
	Tolerance float64

	// Logger receives stage progress. Nil keeps the engine silent.
	Logger *zap.Logger

	// Checkpoint, when set, receives each stage's output table before the
	// next stage runs.
	Checkpoint func(ctx context.Context, stage int, out *dataset.Table) error
}

// Result carries the final table plus every intermediate stage output and
// report, in stage order.
type Result struct {
	Final   *dataset.Table
	Outputs []*dataset.Table
	Reports []*StageReport
}

// Engine runs an ordered pipeline of allocation stages over a prepared
// table. Stages execute strictly in order; the first error aborts the run
// with no partial result.
type Engine struct {
	stages      []*Stage
	parallelism int
	tolerance   float64
	logger      *zap.Logger
	checkpoint  func(ctx context.Context, stage int, out *dataset.Table) error
}

// NewEngine validates the stage definitions and resolves their criteria.
// Definition problems surface here as E_CONFIG errors, before any data is
// touched.
func NewEngine(defs []StageDefinition, opts Options) (*Engine, error) {
	if len(defs) == 0 {
		return nil, errorf(CodeConfig, "", "no stages defined")
	}
	registry := opts.Criteria
	if registry == nil {
		registry = DefaultCriteria()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tolerance := opts.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	stages := make([]*Stage, 0, len(defs))
	for i, def := range defs {
		def = def.withDefaults(i + 1)
		if err := validateDefinition(def, opts.Metrics); err != nil {
			return nil, err
		}
		crit, err := registry.Create(def.Criterion, def)
		if err != nil {
			return nil, wrapError(CodeConfig, def.Name, err)
		}
		stages = append(stages, &Stage{
			Def:       def,
			Number:    i + 1,
			Criterion: crit,
			Metrics:   opts.Metrics,
		})
	}
	return &Engine{
		stages:      stages,
		parallelism: opts.Parallelism,
		tolerance:   tolerance,
		logger:      logger,
		checkpoint:  opts.Checkpoint,
	}, nil
}

// Run applies every stage in order and returns the final table. After each
// stage the engine re-sums the output column independently of the stage's
// own accounting and aborts with E_CONSERVATION when the totals drift.
func (e *Engine) Run(ctx context.Context, prepared *dataset.Table) (*Result, error) {
	if prepared == nil {
		return nil, errorf(CodeSchema, "", "input table is nil")
	}

	result := &Result{}
	current := prepared
	for _, stage := range e.stages {
		out, report, err := stage.Apply(ctx, current, e.parallelism)
		if err != nil {
			return nil, err
		}

		actual, err := SumColumnCents(out, stage.Def.OutputColumn)
		if err != nil {
			return nil, wrapError(CodeComputation, stage.Def.Name, err)
		}
		if err := VerifyConservation(stage.Def.Name, actual, report.TotalInCents, e.tolerance); err != nil {
			return nil, err
		}

		e.logger.Info("allocation stage complete",
			zap.Int("stage", stage.Number),
			zap.String("name", stage.Def.Name),
			zap.String("criterion", report.Criterion),
			zap.Int("rows_in", report.RowsIn),
			zap.Int("rows_out", report.RowsOut),
			zap.Int("allocated_rows", report.AllocatedRows),
			zap.Int("passthrough_rows", report.PassthroughRows),
			zap.Float64("total_in", report.TotalIn()),
			zap.Float64("total_out", report.TotalOut()),
		)

		if e.checkpoint != nil {
			if err := e.checkpoint(ctx, stage.Number, out); err != nil {
				return nil, fmt.Errorf("checkpoint stage %d: %w", stage.Number, err)
			}
		}

		result.Outputs = append(result.Outputs, out)
		result.Reports = append(result.Reports, report)
		current = out
	}
	result.Final = current
	return result, nil
}
