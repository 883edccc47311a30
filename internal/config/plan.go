package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rateio/rateio-core/internal/dataset"
	"github.com/rateio/rateio-core/internal/prepare"
	"github.com/rateio/rateio-core/internal/rateio"
)

// Plan is a parsed allocation plan: which loaded table carries the
// values, which carries the metrics, how raw tables are prepared, and
// the ordered stage definitions.
type Plan struct {
	Name        string
	ValueTable  string
	MetricTable string
	Prepare     []prepare.Rule
	Stages      []rateio.StageDefinition
	Writers     WriterBindings
}

// WriterBindings name the warehouse targets for stage and final tables.
type WriterBindings struct {
	TablePrefix string
	FinalTable  string
}

// StageTable returns the warehouse table for one stage.
func (w WriterBindings) StageTable(stage int) string {
	return fmt.Sprintf("%s_%d", w.TablePrefix, stage)
}

type filterFile struct {
	Columns map[string][]string `yaml:"columns"`
	Months  map[string][]int    `yaml:"months"`
}

func (f filterFile) toFilter() dataset.RowFilter {
	return dataset.RowFilter{Columns: f.Columns, Months: f.Months}
}

type stageFile struct {
	Name            string     `yaml:"name"`
	Criterion       string     `yaml:"criterion"`
	Select          filterFile `yaml:"select"`
	PoolBy          []string   `yaml:"pool_by"`
	DistributeOver  []string   `yaml:"distribute_over"`
	MetricSelect    filterFile `yaml:"metric_select"`
	JoinOn          []string   `yaml:"join_on"`
	ValueColumn     string     `yaml:"value_column"`
	MetricColumn    string     `yaml:"metric_column"`
	OutputColumn    string     `yaml:"output_column"`
	StageColumn     string     `yaml:"stage_column"`
	Pool            *float64   `yaml:"pool"`
	ZeroMetric      string     `yaml:"zero_metric"`
	UnmatchedValue  string     `yaml:"unmatched_value"`
	UnmatchedMetric string     `yaml:"unmatched_metric"`
}

type planFile struct {
	Name        string         `yaml:"name"`
	ValueTable  string         `yaml:"value_table"`
	MetricTable string         `yaml:"metric_table"`
	Prepare     []prepare.Rule `yaml:"prepare"`
	Stages      []stageFile    `yaml:"stages"`
	Writers     struct {
		TablePrefix string `yaml:"table_prefix"`
		FinalTable  string `yaml:"final_table"`
	} `yaml:"writers"`
}

// LoadPlan reads and parses an allocation plan from a YAML file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan %s: %w", path, err)
	}
	plan, err := ParsePlan(data)
	if err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	return plan, nil
}

// ParsePlan parses plan YAML. Defaults are filled in here; stage
// semantics are validated by the engine, not the parser.
func ParsePlan(data []byte) (*Plan, error) {
	var raw planFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if len(raw.Stages) == 0 {
		return nil, fmt.Errorf("plan has no stages")
	}

	plan := &Plan{
		Name:        strings.TrimSpace(raw.Name),
		ValueTable:  strings.TrimSpace(raw.ValueTable),
		MetricTable: strings.TrimSpace(raw.MetricTable),
		Prepare:     raw.Prepare,
		Writers: WriterBindings{
			TablePrefix: strings.TrimSpace(raw.Writers.TablePrefix),
			FinalTable:  strings.TrimSpace(raw.Writers.FinalTable),
		},
	}
	if plan.Name == "" {
		plan.Name = "rateio"
	}
	if plan.ValueTable == "" {
		plan.ValueTable = "entries"
	}
	if plan.MetricTable == "" {
		plan.MetricTable = "metrics"
	}
	if plan.Writers.TablePrefix == "" {
		plan.Writers.TablePrefix = "tb_rateio"
	}
	if plan.Writers.FinalTable == "" {
		plan.Writers.FinalTable = plan.Writers.TablePrefix + "_final"
	}

	for _, s := range raw.Stages {
		plan.Stages = append(plan.Stages, rateio.StageDefinition{
			Name:            s.Name,
			Criterion:       s.Criterion,
			Select:          s.Select.toFilter(),
			PoolBy:          s.PoolBy,
			DistributeOver:  s.DistributeOver,
			MetricSelect:    s.MetricSelect.toFilter(),
			JoinOn:          s.JoinOn,
			ValueColumn:     s.ValueColumn,
			MetricColumn:    s.MetricColumn,
			OutputColumn:    s.OutputColumn,
			StageColumn:     s.StageColumn,
			Pool:            s.Pool,
			ZeroMetric:      rateio.ZeroMetricPolicy(s.ZeroMetric),
			UnmatchedValue:  rateio.UnmatchedValuePolicy(s.UnmatchedValue),
			UnmatchedMetric: rateio.UnmatchedMetricPolicy(s.UnmatchedMetric),
		})
	}
	return plan, nil
}

// RuleFor returns the prepare rule for a table, if the plan has one.
func (p *Plan) RuleFor(table string) (prepare.Rule, bool) {
	for _, rule := range p.Prepare {
		if rule.Table == table {
			return rule, true
		}
	}
	return prepare.Rule{}, false
}
