// Package valves implements the live-updatable configuration store. Each
// valve is a typed, validated knob organised into categories; mutation goes
// through the Manager which validates, persists, and notifies listeners.
package valves

import (
	"fmt"
	"math"
	"net/url"
	"strings"
)

// Type is the declared value type of a valve.
type Type string

const (
	TypeBool   Type = "bool"
	TypeString Type = "string"
	TypeInt    Type = "int"
	TypeFloat  Type = "float"
	TypeEnum   Type = "enum"
	TypePath   Type = "path"
	TypeURL    Type = "url"
)

// Validator checks a typed value and returns a rejection reason or nil.
type Validator func(value any) error

// Valve declares one configuration knob.
type Valve struct {
	Name        string
	Type        Type
	Default     any
	Title       string
	Description string
	Category    string
	Required    bool
	Advanced    bool

	// RestartRequired valves persist immediately but only take effect on
	// the next start; updates surface the flag to the admin UI.
	RestartRequired bool

	// EnumOptions constrains TypeEnum valves.
	EnumOptions []string

	// Min/Max bound int and float valves when non-nil.
	Min *float64
	Max *float64

	// Validators run after the type and range checks, in order.
	Validators []Validator

	// DependsOn names a bool valve that must be enabled for this valve to
	// have any effect. Informational for the UI.
	DependsOn string
}

// Category describes a group of valves for UI rendering.
type Category struct {
	Name        string `json:"name"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
	Order       int    `json:"order"`
}

// coerce converts a raw (JSON-decoded) value to the valve's declared type.
func (v *Valve) coerce(raw any) (any, error) {
	switch v.Type {
	case TypeBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("must be a boolean")
		}
		return b, nil
	case TypeInt:
		switch n := raw.(type) {
		case int:
			return n, nil
		case int64:
			return int(n), nil
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("must be an integer")
			}
			return int(n), nil
		default:
			return nil, fmt.Errorf("must be an integer")
		}
	case TypeFloat:
		switch n := raw.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		default:
			return nil, fmt.Errorf("must be a number")
		}
	case TypeString, TypeEnum, TypePath, TypeURL:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("must be a string")
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown valve type %q", v.Type)
	}
}

// validate runs the full ordering: type check, range/enum check, then custom
// validators. The first failure wins.
func (v *Valve) validate(raw any) (any, error) {
	value, err := v.coerce(raw)
	if err != nil {
		return nil, err
	}

	switch v.Type {
	case TypeInt:
		n := float64(value.(int))
		if v.Min != nil && n < *v.Min {
			return nil, fmt.Errorf("must be ≥ %g", *v.Min)
		}
		if v.Max != nil && n > *v.Max {
			return nil, fmt.Errorf("must be ≤ %g", *v.Max)
		}
	case TypeFloat:
		n := value.(float64)
		if v.Min != nil && n < *v.Min {
			return nil, fmt.Errorf("must be ≥ %g", *v.Min)
		}
		if v.Max != nil && n > *v.Max {
			return nil, fmt.Errorf("must be ≤ %g", *v.Max)
		}
	case TypeEnum:
		s := value.(string)
		found := false
		for _, opt := range v.EnumOptions {
			if opt == s {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("must be one of: %s", strings.Join(v.EnumOptions, ", "))
		}
	case TypeURL:
		s := value.(string)
		if s != "" {
			parsed, err := url.Parse(s)
			if err != nil || parsed.Scheme == "" || parsed.Host == "" {
				return nil, fmt.Errorf("must be an absolute URL")
			}
		}
	case TypeString, TypePath:
		if v.Required && strings.TrimSpace(value.(string)) == "" {
			return nil, fmt.Errorf("must not be empty")
		}
	}

	for _, check := range v.Validators {
		if err := check(value); err != nil {
			return nil, err
		}
	}
	return value, nil
}

func ptr(f float64) *float64 { return &f }
