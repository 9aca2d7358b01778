package campaign

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type campaignFile struct {
	Campaigns []campaignDoc `yaml:"campaigns"`
}

type campaignDoc struct {
	ID          string           `yaml:"id"`
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Steps       []map[string]any `yaml:"steps"`
}

// LoadFile reads campaign definitions from a YAML file. Step fields may use
// any of the historical names accepted by NormalizeStep.
func LoadFile(path string) ([]*Campaign, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read campaign file: %w", err)
	}

	var f campaignFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse campaign file: %w", err)
	}

	campaigns := make([]*Campaign, 0, len(f.Campaigns))
	for i, doc := range f.Campaigns {
		if doc.Name == "" {
			return nil, fmt.Errorf("campaign #%d: name is required", i+1)
		}
		c := &Campaign{
			ID:          doc.ID,
			Name:        doc.Name,
			Description: doc.Description,
			Steps:       make([]Step, 0, len(doc.Steps)),
		}
		for _, raw := range doc.Steps {
			c.Steps = append(c.Steps, NormalizeStep(raw))
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, nil
}

// ImportResult counts what Import did
type ImportResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// Import upserts campaigns into store. Campaigns without an ID are always created.
func Import(ctx context.Context, store Store, campaigns []*Campaign) (ImportResult, error) {
	var res ImportResult
	for _, c := range campaigns {
		if c.ID != "" {
			existing, err := store.Get(ctx, c.ID)
			if err != nil {
				return res, fmt.Errorf("failed to get campaign %s: %w", c.ID, err)
			}
			if existing != nil {
				if err := store.Update(ctx, c); err != nil {
					return res, err
				}
				res.Updated++
				continue
			}
		}
		if err := store.Create(ctx, c); err != nil {
			return res, err
		}
		res.Created++
	}
	return res, nil
}
