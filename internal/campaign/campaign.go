// Package campaign holds campaign definitions and the store they are read from.
package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Step is one message of a campaign plus the wait before the next step
type Step struct {
	StageID      string `json:"stage_id,omitempty" yaml:"stage_id"`
	Stage        string `json:"stage" yaml:"stage"`
	Message      string `json:"message" yaml:"message"`
	TemplateID   string `json:"template_id,omitempty" yaml:"template_id"`
	WaitDuration string `json:"wait_duration" yaml:"wait_duration"`
	Category     string `json:"category,omitempty" yaml:"category"`
	AutoRespond  bool   `json:"auto_respond,omitempty" yaml:"auto_respond"`
}

// Campaign is an ordered list of steps
type Campaign struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description"`
	Steps       []Step    `json:"steps" yaml:"steps"`
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"-"`
}

// StepAt returns the step at index, or false when the index is past the end
func (c *Campaign) StepAt(index int) (Step, bool) {
	if index < 0 || index >= len(c.Steps) {
		return Step{}, false
	}
	return c.Steps[index], true
}

// ListFilter contains filters for listing campaigns
type ListFilter struct {
	Search string
	Limit  int
	Offset int
}

// Store is the read/write interface over campaign definitions.
// Get returns nil, nil when the campaign does not exist.
type Store interface {
	Create(ctx context.Context, c *Campaign) error
	Get(ctx context.Context, id string) (*Campaign, error)
	List(ctx context.Context, filter ListFilter) ([]*Campaign, error)
	Update(ctx context.Context, c *Campaign) error
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}

// field name variants found in historical step payloads, canonical name first
var (
	stageIDKeys     = []string{"stage_id", "etapa_id", "current_stage_id"}
	stageKeys       = []string{"stage", "stage_name", "etapa", "etapa_de_funil"}
	messageKeys     = []string{"message", "mensagem", "texto"}
	templateIDKeys  = []string{"template_id", "template_name", "template"}
	waitKeys        = []string{"wait_duration", "wait_time", "tempo_de_espera", "tempo_espera"}
	categoryKeys    = []string{"category", "categoria"}
	autoRespondKeys = []string{"auto_respond", "resposta_automatica", "auto_resposta"}
)

// DecodeSteps decodes a JSON array of step objects written under any of the
// historical field names into canonical steps.
func DecodeSteps(raw []byte) ([]Step, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}

	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("failed to decode steps: %w", err)
	}

	steps := make([]Step, 0, len(items))
	for _, item := range items {
		steps = append(steps, NormalizeStep(item))
	}
	return steps, nil
}

// NormalizeStep maps a loosely typed step object onto Step
func NormalizeStep(item map[string]any) Step {
	return Step{
		StageID:      lookupString(item, stageIDKeys),
		Stage:        lookupString(item, stageKeys),
		Message:      lookupString(item, messageKeys),
		TemplateID:   lookupString(item, templateIDKeys),
		WaitDuration: lookupString(item, waitKeys),
		Category:     lookupString(item, categoryKeys),
		AutoRespond:  lookupBool(item, autoRespondKeys),
	}
}

// EncodeSteps writes steps in the canonical shape
func EncodeSteps(steps []Step) ([]byte, error) {
	if steps == nil {
		steps = []Step{}
	}
	return json.Marshal(steps)
}

func lookupString(item map[string]any, keys []string) string {
	for _, k := range keys {
		v, ok := item[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if t != "" {
				return t
			}
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		case int:
			return strconv.Itoa(t)
		case bool:
			return strconv.FormatBool(t)
		}
	}
	return ""
}

func lookupBool(item map[string]any, keys []string) bool {
	for _, k := range keys {
		v, ok := item[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case bool:
			return t
		case string:
			switch strings.ToLower(strings.TrimSpace(t)) {
			case "true", "1", "yes", "sim":
				return true
			}
			return false
		case float64:
			return t != 0
		case int:
			return t != 0
		}
	}
	return false
}
