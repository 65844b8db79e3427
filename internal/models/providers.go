package models

import "encoding/json"

// JSONSchema is the subset of JSON schema a provider declares for the
// properties of its resources.
type JSONSchema struct {
	Schema     *string                   `json:"$schema,omitempty"`
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties,omitempty"`
	Required   []string                  `json:"required,omitempty"`
}

// SchemaProperty is a single declared property. Extra carries keywords other
// than type and default (enum, minimum, items, ...) so they reach the validator.
type SchemaProperty struct {
	Type    any
	Default any
	Extra   map[string]any
}

func (p SchemaProperty) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extra)+2)
	for k, v := range p.Extra {
		out[k] = v
	}
	if p.Type != nil {
		out["type"] = p.Type
	}
	if p.Default != nil {
		out["default"] = p.Default
	}
	return json.Marshal(out)
}

func (p *SchemaProperty) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := SchemaProperty{Type: raw["type"], Default: raw["default"]}
	delete(raw, "type")
	delete(raw, "default")
	if len(raw) > 0 {
		out.Extra = raw
	}
	*p = out
	return nil
}

// ProviderEndpoint declares an endpoint whose target is a "$property" reference.
type ProviderEndpoint struct {
	Setting string `json:"setting"`
	Target  string `json:"target"`
}

type ProviderService struct {
	Image              string                      `json:"image"`
	Dapr               map[string]string           `json:"dapr,omitempty"`
	Endpoints          map[string]ProviderEndpoint `json:"endpoints,omitempty"`
	ConfigSchema       *JSONSchema                 `json:"config_schema,omitempty"`
	DeprovisionHandler *bool                       `json:"deprovision_handler,omitempty"`
}

// ProviderSpec is the registration of a source or reaction kind.
type ProviderSpec struct {
	ConfigSchema *JSONSchema                `json:"config_schema,omitempty"`
	Services     map[string]ProviderService `json:"services"`
}

type ResourceProvider struct {
	ID   string       `json:"id"`
	Spec ProviderSpec `json:"spec"`
}
