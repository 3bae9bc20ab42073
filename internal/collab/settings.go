package collab

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// TeamSettings documents the settings keys the app understands. Unknown keys
// are kept as is; known keys must match their declared shape.
type TeamSettings struct {
	DefaultView       string       `json:"default_view,omitempty" jsonschema:"enum=grid,enum=list,enum=map"`
	RatingScale       int          `json:"rating_scale,omitempty" jsonschema:"minimum=3,maximum=10"`
	NotifyOnJoin      bool         `json:"notify_on_join,omitempty"`
	RequiredChecklist []string     `json:"required_checklist,omitempty" jsonschema:"maxItems=50"`
	SearchAreas       []string     `json:"search_areas,omitempty" jsonschema:"maxItems=20"`
	Budget            *BudgetRange `json:"budget,omitempty"`
	Timezone          string       `json:"timezone,omitempty" jsonschema:"maxLength=64"`
}

// BudgetRange bounds the price range a team is searching in.
type BudgetRange struct {
	Min      float64 `json:"min,omitempty" jsonschema:"minimum=0"`
	Max      float64 `json:"max,omitempty" jsonschema:"minimum=0"`
	Currency string  `json:"currency,omitempty" jsonschema:"minLength=3,maxLength=3"`
}

var (
	settingsSchemaOnce sync.Once
	settingsSchemaJSON []byte
	settingsSchema     *jsonschema.Schema
	settingsSchemaErr  error
)

func loadSettingsSchema() {
	r := &invopop.Reflector{
		AllowAdditionalProperties: true,
		DoNotReference:            true,
		Anonymous:                 true,
	}
	schema := r.Reflect(&TeamSettings{})
	settingsSchemaJSON, settingsSchemaErr = json.MarshalIndent(schema, "", "  ")
	if settingsSchemaErr != nil {
		return
	}
	settingsSchema, settingsSchemaErr = jsonschema.CompileString("team_settings.json", string(settingsSchemaJSON))
}

// SettingsSchema returns the JSON Schema for team settings.
func SettingsSchema() ([]byte, error) {
	settingsSchemaOnce.Do(loadSettingsSchema)
	return settingsSchemaJSON, settingsSchemaErr
}

// ValidateSettings checks a settings document against the settings schema.
func ValidateSettings(settings map[string]any) error {
	settingsSchemaOnce.Do(loadSettingsSchema)
	if settingsSchemaErr != nil {
		return settingsSchemaErr
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	return settingsSchema.Validate(doc)
}

// mergeSettings applies a shallow merge of partial onto current and returns
// the result with the sorted top-level keys partial touched. A nil value
// removes the key.
func mergeSettings(current, partial map[string]any) (map[string]any, []string) {
	merged := make(map[string]any, len(current)+len(partial))
	for k, v := range current {
		merged[k] = v
	}
	keys := make([]string, 0, len(partial))
	for k, v := range partial {
		keys = append(keys, k)
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	sort.Strings(keys)
	return merged, keys
}

func settingsValidationError(err error) error {
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		loc := leaf.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return validationError(fmt.Sprintf("%s: %s %s", MsgInvalidSettingsLabel, loc, leaf.Message))
	}
	return validationError(fmt.Sprintf("%s: %v", MsgInvalidSettingsLabel, err))
}
