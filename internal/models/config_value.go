package models

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// InlineKind discriminates the variants of an InlineValue.
type InlineKind string

const (
	InlineString  InlineKind = "String"
	InlineInteger InlineKind = "Integer"
	InlineBoolean InlineKind = "Boolean"
	InlineList    InlineKind = "List"
)

// ConfigValue is either an inline value or a reference to a secret.
// Exactly one of Inline and Secret is set.
type ConfigValue struct {
	Inline *InlineValue
	Secret *SecretRef
}

// SecretRef points at a key inside a named secret. It is resolved at use,
// never inlined into a persisted spec.
type SecretRef struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

// InlineValue carries a typed literal. Only the field matching Kind is meaningful.
type InlineValue struct {
	Kind    InlineKind
	String  string
	Integer int64
	Boolean bool
	List    []ConfigValue
}

func StringValue(s string) ConfigValue {
	return ConfigValue{Inline: &InlineValue{Kind: InlineString, String: s}}
}

func IntValue(i int64) ConfigValue {
	return ConfigValue{Inline: &InlineValue{Kind: InlineInteger, Integer: i}}
}

func BoolValue(b bool) ConfigValue {
	return ConfigValue{Inline: &InlineValue{Kind: InlineBoolean, Boolean: b}}
}

func ListValue(items ...ConfigValue) ConfigValue {
	return ConfigValue{Inline: &InlineValue{Kind: InlineList, List: items}}
}

func SecretValue(name, key string) ConfigValue {
	return ConfigValue{Secret: &SecretRef{Name: name, Key: key}}
}

// Display renders the value as a plain string: inline scalars verbatim,
// lists comma-joined and secrets as their name.
func (c ConfigValue) Display() string {
	switch {
	case c.Secret != nil:
		return c.Secret.Name
	case c.Inline == nil:
		return ""
	}
	switch c.Inline.Kind {
	case InlineString:
		return c.Inline.String
	case InlineInteger:
		return strconv.FormatInt(c.Inline.Integer, 10)
	case InlineBoolean:
		return strconv.FormatBool(c.Inline.Boolean)
	case InlineList:
		out := ""
		for i, v := range c.Inline.List {
			if i > 0 {
				out += ","
			}
			out += v.Display()
		}
		return out
	}
	return ""
}

// JSONValue converts the value into the plain JSON shape used for schema
// validation. Secrets are represented by their name.
func (c ConfigValue) JSONValue() any {
	switch {
	case c.Secret != nil:
		return c.Secret.Name
	case c.Inline == nil:
		return nil
	}
	switch c.Inline.Kind {
	case InlineString:
		return c.Inline.String
	case InlineInteger:
		return c.Inline.Integer
	case InlineBoolean:
		return c.Inline.Boolean
	case InlineList:
		out := make([]any, 0, len(c.Inline.List))
		for _, v := range c.Inline.List {
			if v.Inline != nil && v.Inline.Kind == InlineList {
				// nested lists are flattened to empty arrays for validation
				out = append(out, []any{})
				continue
			}
			out = append(out, v.JSONValue())
		}
		return out
	}
	return nil
}

type configValueWire struct {
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value,omitempty"`
	Name  string          `json:"name,omitempty"`
	Key   string          `json:"key,omitempty"`
}

func (c ConfigValue) MarshalJSON() ([]byte, error) {
	switch {
	case c.Secret != nil:
		return json.Marshal(configValueWire{Kind: "Secret", Name: c.Secret.Name, Key: c.Secret.Key})
	case c.Inline != nil:
		raw, err := json.Marshal(c.Inline)
		if err != nil {
			return nil, err
		}
		return json.Marshal(configValueWire{Kind: "Inline", Value: raw})
	}
	return []byte("null"), nil
}

func (c *ConfigValue) UnmarshalJSON(data []byte) error {
	var w configValueWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Kind {
	case "Secret":
		*c = ConfigValue{Secret: &SecretRef{Name: w.Name, Key: w.Key}}
	case "Inline":
		var iv InlineValue
		if err := json.Unmarshal(w.Value, &iv); err != nil {
			return err
		}
		*c = ConfigValue{Inline: &iv}
	default:
		return fmt.Errorf("unknown config value kind %q", w.Kind)
	}
	return nil
}

type inlineValueWire struct {
	Kind  InlineKind      `json:"kind"`
	Value json.RawMessage `json:"value"`
}

func (v InlineValue) MarshalJSON() ([]byte, error) {
	var (
		raw []byte
		err error
	)
	switch v.Kind {
	case InlineString:
		raw, err = json.Marshal(v.String)
	case InlineInteger:
		raw, err = json.Marshal(v.Integer)
	case InlineBoolean:
		raw, err = json.Marshal(v.Boolean)
	case InlineList:
		list := v.List
		if list == nil {
			list = []ConfigValue{}
		}
		raw, err = json.Marshal(list)
	default:
		return nil, fmt.Errorf("unknown inline value kind %q", v.Kind)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(inlineValueWire{Kind: v.Kind, Value: raw})
}

func (v *InlineValue) UnmarshalJSON(data []byte) error {
	var w inlineValueWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out := InlineValue{Kind: w.Kind}
	var err error
	switch w.Kind {
	case InlineString:
		err = json.Unmarshal(w.Value, &out.String)
	case InlineInteger:
		err = json.Unmarshal(w.Value, &out.Integer)
	case InlineBoolean:
		err = json.Unmarshal(w.Value, &out.Boolean)
	case InlineList:
		err = json.Unmarshal(w.Value, &out.List)
	default:
		return fmt.Errorf("unknown inline value kind %q", w.Kind)
	}
	if err != nil {
		return err
	}
	*v = out
	return nil
}
