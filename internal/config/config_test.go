package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rateio/rateio-core/internal/config"
	"github.com/rateio/rateio-core/internal/rateio"
)

func TestRunnerConfig_Unit_Defaults(t *testing.T) {
	cfg := config.LoadRunnerConfig()

	if cfg.PlanPath != "rateio.yaml" {
		t.Errorf("PlanPath = %s", cfg.PlanPath)
	}
	if cfg.SourceKind != "jsondir" {
		t.Errorf("SourceKind = %s", cfg.SourceKind)
	}
	if cfg.Parallelism != 1 {
		t.Errorf("Parallelism = %d", cfg.Parallelism)
	}
	if cfg.S3Region != "us-east-1" {
		t.Errorf("S3Region = %s", cfg.S3Region)
	}
	if cfg.WarehouseDSN != "" || cfg.LedgerDSN != "" {
		t.Error("DSNs default to disabled")
	}
}

func TestRunnerConfig_Unit_EnvOverrides(t *testing.T) {
	t.Setenv("RATEIO_SOURCE", "http")
	t.Setenv("RATEIO_PARALLELISM", "8")
	t.Setenv("RATEIO_S3_USE_SSL", "true")

	cfg := config.LoadRunnerConfig()
	if cfg.SourceKind != "http" {
		t.Errorf("SourceKind = %s", cfg.SourceKind)
	}
	if cfg.Parallelism != 8 {
		t.Errorf("Parallelism = %d", cfg.Parallelism)
	}
	if !cfg.S3UseSSL {
		t.Error("S3UseSSL should be true")
	}
}

func TestRunnerConfig_Unit_BadValuesFallBack(t *testing.T) {
	t.Setenv("RATEIO_PARALLELISM", "not-a-number")
	t.Setenv("RATEIO_S3_USE_SSL", "maybe")

	cfg := config.LoadRunnerConfig()
	if cfg.Parallelism != 1 {
		t.Errorf("Parallelism = %d, want default 1", cfg.Parallelism)
	}
	if cfg.S3UseSSL {
		t.Error("S3UseSSL should fall back to false")
	}
}

const samplePlan = `
name: monthly-close
value_table: lancamentos
metric_table: metricas
prepare:
  - table: lancamentos
    renames:
      dt_competencia: reference_date
      vl_lancamento: value
    date_columns: [reference_date]
    numeric_columns: [value]
    required: [center_id, value]
    mode: lenient
stages:
  - name: centers to segments
    select:
      columns:
        center_id: ["900"]
      months:
        reference_date: [1, 2, 3]
    distribute_over: [segment_id]
    metric_select:
      columns:
        metric_name: [segment_share]
    metric_column: metric_value
  - name: segment A to channels
    criterion: proportional
    select:
      columns:
        segment_id: [A]
    value_column: allocated_value
    distribute_over: [acquisition_channel]
    join_on: [segment_id]
    metric_select:
      columns:
        metric_name: [headcount]
    metric_column: metric_value
    unmatched_value: carry
    unmatched_metric: zero_fill
  - name: board adjustment
    criterion: equal_split
    pool: 5000.5
    select:
      columns:
        center_id: ["100", "204"]
writers:
  table_prefix: tb_rateio
`

func TestPlan_Unit_ParseMapsStages(t *testing.T) {
	plan, err := config.ParsePlan([]byte(samplePlan))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if plan.Name != "monthly-close" {
		t.Errorf("Name = %s", plan.Name)
	}
	if plan.ValueTable != "lancamentos" || plan.MetricTable != "metricas" {
		t.Errorf("tables = %s, %s", plan.ValueTable, plan.MetricTable)
	}
	if len(plan.Stages) != 3 {
		t.Fatalf("stages = %d", len(plan.Stages))
	}

	first := plan.Stages[0]
	if first.Name != "centers to segments" {
		t.Errorf("stage 1 name = %s", first.Name)
	}
	if got := first.Select.Columns["center_id"]; len(got) != 1 || got[0] != "900" {
		t.Errorf("stage 1 select = %v", first.Select.Columns)
	}
	if got := first.Select.Months["reference_date"]; len(got) != 3 || got[2] != 3 {
		t.Errorf("stage 1 months = %v", first.Select.Months)
	}
	if len(first.DistributeOver) != 1 || first.DistributeOver[0] != "segment_id" {
		t.Errorf("stage 1 distribute_over = %v", first.DistributeOver)
	}

	second := plan.Stages[1]
	if second.ValueColumn != "allocated_value" {
		t.Errorf("stage 2 value_column = %s", second.ValueColumn)
	}
	if second.UnmatchedValue != rateio.UnmatchedValueCarry {
		t.Errorf("stage 2 unmatched_value = %s", second.UnmatchedValue)
	}
	if second.UnmatchedMetric != rateio.UnmatchedMetricZeroFill {
		t.Errorf("stage 2 unmatched_metric = %s", second.UnmatchedMetric)
	}

	third := plan.Stages[2]
	if third.Criterion != "equal_split" {
		t.Errorf("stage 3 criterion = %s", third.Criterion)
	}
	if third.Pool == nil || *third.Pool != 5000.5 {
		t.Errorf("stage 3 pool = %v", third.Pool)
	}
	if plan.Stages[0].Pool != nil {
		t.Error("stage 1 pool should be nil")
	}
}

func TestPlan_Unit_PrepareRulesAndWriters(t *testing.T) {
	plan, err := config.ParsePlan([]byte(samplePlan))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	rule, ok := plan.RuleFor("lancamentos")
	if !ok {
		t.Fatal("missing prepare rule for lancamentos")
	}
	if rule.Renames["dt_competencia"] != "reference_date" {
		t.Errorf("renames = %v", rule.Renames)
	}
	if len(rule.Required) != 2 {
		t.Errorf("required = %v", rule.Required)
	}
	if _, ok := plan.RuleFor("metricas"); ok {
		t.Error("metricas has no rule")
	}

	if got := plan.Writers.StageTable(2); got != "tb_rateio_2" {
		t.Errorf("stage table = %s", got)
	}
	if plan.Writers.FinalTable != "tb_rateio_final" {
		t.Errorf("final table = %s", plan.Writers.FinalTable)
	}
}

func TestPlan_Unit_Defaults(t *testing.T) {
	plan, err := config.ParsePlan([]byte("stages:\n  - name: only\n    criterion: equal_split\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if plan.Name != "rateio" || plan.ValueTable != "entries" || plan.MetricTable != "metrics" {
		t.Errorf("defaults = %s, %s, %s", plan.Name, plan.ValueTable, plan.MetricTable)
	}
	if plan.Writers.TablePrefix != "tb_rateio" || plan.Writers.FinalTable != "tb_rateio_final" {
		t.Errorf("writer defaults = %+v", plan.Writers)
	}
}

func TestPlan_Unit_RejectsEmptyAndMalformed(t *testing.T) {
	if _, err := config.ParsePlan([]byte("name: empty\n")); err == nil {
		t.Error("plan without stages must fail")
	}
	if _, err := config.ParsePlan([]byte("stages: [\n")); err == nil {
		t.Error("malformed YAML must fail")
	}
}

func TestPlan_Unit_LoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte(samplePlan), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	plan, err := config.LoadPlan(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(plan.Stages) != 3 {
		t.Errorf("stages = %d", len(plan.Stages))
	}

	if _, err := config.LoadPlan(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing plan file must fail")
	}
}
