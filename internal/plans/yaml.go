// Package plans loads the subscription plan catalog from a YAML file.
//
// The file maps internal plan ids to provider prices:
//
//	plans:
//	  - id: pro-monthly
//	    name: Pro (monthly)
//	    provider: stripe
//	    price_id: price_123
//	    amount: 4900
//	    currency: usd
//	    interval: monthly
package plans

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mapperly/billing/internal/billing"
)

// Config holds the plan catalog settings.
type Config struct {
	Path string `env:"PLANS_FILE" envDefault:"plans.yaml"`
}

// YAMLSource implements billing.PlanSource over a YAML file on disk.
type YAMLSource struct {
	path string
}

// NewYAMLSource creates a plan source reading from the configured path.
func NewYAMLSource(cfg Config) *YAMLSource {
	return &YAMLSource{path: cfg.Path}
}

type planFile struct {
	Plans []planEntry `yaml:"plans"`
}

type planEntry struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"`
	PriceID  string `yaml:"price_id"`
	Amount   int64  `yaml:"amount"`
	Currency string `yaml:"currency"`
	Interval string `yaml:"interval"`
}

// Load reads and decodes the plan file. Structural validation beyond YAML
// shape is left to billing.NewPlanCatalog.
func (s *YAMLSource) Load(_ context.Context) (map[string]billing.Plan, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file %s: %w", s.path, err)
	}
	return parse(raw)
}

func parse(raw []byte) (map[string]billing.Plan, error) {
	var file planFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse plan file: %w", err)
	}
	if len(file.Plans) == 0 {
		return nil, fmt.Errorf("plan file defines no plans")
	}

	plans := make(map[string]billing.Plan, len(file.Plans))
	for _, entry := range file.Plans {
		if entry.ID == "" {
			return nil, fmt.Errorf("plan entry without id")
		}
		if _, exists := plans[entry.ID]; exists {
			return nil, fmt.Errorf("duplicate plan id %q", entry.ID)
		}
		plans[entry.ID] = billing.Plan{
			ID:       entry.ID,
			Name:     entry.Name,
			Provider: billing.ProviderName(entry.Provider),
			PriceID:  entry.PriceID,
			Amount:   entry.Amount,
			Currency: entry.Currency,
			Interval: billing.BillingInterval(entry.Interval),
		}
	}
	return plans, nil
}
