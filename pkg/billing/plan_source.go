package billing

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PlanSource defines how plan definitions are loaded into the catalog.
type PlanSource interface {
	Load(ctx context.Context) (map[string]Plan, error)
}

type staticSource struct {
	plans []Plan
}

// NewStaticSource returns a PlanSource serving the given plans. Panics if no
// plans are provided so a misconfigured service fails at startup.
func NewStaticSource(plans ...Plan) PlanSource {
	if len(plans) == 0 {
		panic("billing: at least one plan is required")
	}
	return &staticSource{plans: plans}
}

func (s *staticSource) Load(ctx context.Context) (map[string]Plan, error) {
	result := make(map[string]Plan, len(s.plans))
	for _, plan := range s.plans {
		result[plan.Key] = plan
	}
	return result, nil
}

type fileSource struct {
	path string
}

// NewFileSource returns a PlanSource reading a YAML plan list from disk.
//
// File format:
//
//	plans:
//	  - key: basic
//	    name: Basic
//	    price: {amount: 1500, currency: USD}
//	    interval: month
//	    trial_days: 14
//	    active: true
//	    provider_product_id: prod_xxx
//	    provider_price_id: price_xxx
func NewFileSource(path string) PlanSource {
	return &fileSource{path: path}
}

func (s *fileSource) Load(ctx context.Context) (map[string]Plan, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("billing: failed to read plan file %s: %w", s.path, err)
	}

	var doc struct {
		Plans []Plan `yaml:"plans"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("billing: failed to parse plan file %s: %w", s.path, err)
	}

	result := make(map[string]Plan, len(doc.Plans))
	for _, plan := range doc.Plans {
		if _, exists := result[plan.Key]; exists {
			return nil, fmt.Errorf("billing: duplicate plan key %q in %s", plan.Key, s.path)
		}
		result[plan.Key] = plan
	}
	return result, nil
}
