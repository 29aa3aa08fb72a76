package command

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// TriState is a per-command override of a global default.
type TriState int

const (
	Inherit TriState = iota
	Yes
	No
)

// Resolve returns the effective value given the global default.
func (t TriState) Resolve(def bool) bool {
	switch t {
	case Yes:
		return true
	case No:
		return false
	default:
		return def
	}
}

func (t TriState) String() string {
	switch t {
	case Yes:
		return "yes"
	case No:
		return "no"
	default:
		return "default"
	}
}

// ParseTriState accepts "default", "yes", "no" and the usual boolean spellings.
func ParseTriState(s string) (TriState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default", "inherit", "null", "~":
		return Inherit, nil
	case "yes", "y", "true", "on", "1":
		return Yes, nil
	case "no", "n", "false", "off", "0":
		return No, nil
	}
	return Inherit, fmt.Errorf("invalid tri-state value %q (want default, yes or no)", s)
}

// TriStateOf maps a plain bool to a forced override.
func TriStateOf(v bool) TriState {
	if v {
		return Yes
	}
	return No
}

func (t TriState) MarshalYAML() (any, error) {
	return t.String(), nil
}

func (t *TriState) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: tri-state must be a scalar", value.Line)
	}
	v, err := ParseTriState(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*t = v
	return nil
}

func (t TriState) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TriState) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*t = Inherit
	case bool:
		*t = TriStateOf(v)
	case string:
		parsed, err := ParseTriState(v)
		if err != nil {
			return err
		}
		*t = parsed
	default:
		return fmt.Errorf("invalid tri-state value %s", string(data))
	}
	return nil
}
