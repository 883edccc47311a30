package rateio

import (
	"fmt"
	"math"
	"sync"
)

// Member is one recipient inside an allocation unit: a stable key for
// tie-breaking, its position in the unit, and its driver weight.
type Member struct {
	Key     string
	Ordinal int
	Weight  float64
}

// ZeroMetricPolicy selects the behavior when a unit's weights sum to zero.
type ZeroMetricPolicy string

const (
	ZeroMetricEqualSplit ZeroMetricPolicy = "equal_split"
	ZeroMetricFail       ZeroMetricPolicy = "fail"
)

// Criterion maps the members of one allocation unit to their shares.
// Shares sum to 1 for any non-empty member set; rounding and residual
// handling belong to the stage, not the criterion.
type Criterion interface {
	Name() string
	Shares(members []Member) ([]float64, error)
}

// ProportionalByMetric distributes in proportion to member weights, falling
// back to the configured zero-metric policy when the weights sum to zero.
type ProportionalByMetric struct {
	ZeroMetric ZeroMetricPolicy
}

func (c *ProportionalByMetric) Name() string { return "proportional" }

func (c *ProportionalByMetric) Shares(members []Member) ([]float64, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("empty member set")
	}
	var sum float64
	for _, m := range members {
		if math.IsNaN(m.Weight) || math.IsInf(m.Weight, 0) {
			return nil, fmt.Errorf("non-finite metric %v for member %q", m.Weight, m.Key)
		}
		sum += m.Weight
	}
	if sum == 0 {
		if c.ZeroMetric == ZeroMetricFail {
			return nil, fmt.Errorf("metric sum is zero across %d members", len(members))
		}
		return equalShares(len(members)), nil
	}
	shares := make([]float64, len(members))
	for i, m := range members {
		shares[i] = m.Weight / sum
	}
	return shares, nil
}

// EqualSplit ignores weights and gives every member the same share.
type EqualSplit struct{}

func (c *EqualSplit) Name() string { return "equal_split" }

func (c *EqualSplit) Shares(members []Member) ([]float64, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("empty member set")
	}
	return equalShares(len(members)), nil
}

func equalShares(n int) []float64 {
	shares := make([]float64, n)
	for i := range shares {
		shares[i] = 1 / float64(n)
	}
	return shares
}

// CriterionFactory builds a criterion for a stage definition.
type CriterionFactory func(def StageDefinition) (Criterion, error)

// CriterionRegistry holds criterion factories indexed by name. The criterion
// set is closed: stages may only name what is registered here.
type CriterionRegistry struct {
	factories map[string]CriterionFactory
	mu        sync.RWMutex
}

// NewCriterionRegistry creates an empty criterion registry.
func NewCriterionRegistry() *CriterionRegistry {
	return &CriterionRegistry{factories: make(map[string]CriterionFactory)}
}

// Register adds a factory for the given criterion name.
// Panics if the name is already registered.
func (r *CriterionRegistry) Register(name string, factory CriterionFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("criterion already registered: %s", name))
	}
	r.factories[name] = factory
}

// Create instantiates the named criterion for a stage definition.
func (r *CriterionRegistry) Create(name string, def StageDefinition) (Criterion, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown criterion: %s", name)
	}
	return factory(def)
}

// List returns all registered criterion names.
func (r *CriterionRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

var defaultCriteria = func() *CriterionRegistry {
	r := NewCriterionRegistry()
	r.Register("proportional", func(def StageDefinition) (Criterion, error) {
		return &ProportionalByMetric{ZeroMetric: def.ZeroMetric}, nil
	})
	r.Register("equal_split", func(def StageDefinition) (Criterion, error) {
		return &EqualSplit{}, nil
	})
	return r
}()

// DefaultCriteria returns the registry holding the built-in criteria.
func DefaultCriteria() *CriterionRegistry {
	return defaultCriteria
}
