// Package prefs holds per-plugin execution preferences: which binary strategy a
// plugin should try, whether it may run at all, and free-form notes. It owns
// loading and atomically saving the preferences file and the accessor the rest
// of the application reads through.
package prefs

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ExecutionPreference selects which binary discovery strategy a plugin uses.
type ExecutionPreference string

const (
	// Auto defers to the plugin's own default strategy.
	Auto ExecutionPreference = "auto"
	// System forces the system-installed binary.
	System ExecutionPreference = "system"
	// Portable forces the bundled portable binary.
	Portable ExecutionPreference = "portable"
)

// ExecutionPreferences lists every valid value in display order.
var ExecutionPreferences = []ExecutionPreference{Auto, System, Portable}

// ErrValidation is matched by every *ValidationError.
var ErrValidation = errors.New("validation failed")

// ValidationError reports a value that cannot be converted to its field type.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Field, formatValue(e.Value), e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func formatValue(v any) string {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf("%v (%T)", v, v)
}

// ParseExecutionPreference converts a token into an ExecutionPreference.
// Matching is case-insensitive so both "system" and "SYSTEM" are accepted.
func ParseExecutionPreference(s string) (ExecutionPreference, error) {
	switch p := ExecutionPreference(strings.ToLower(strings.TrimSpace(s))); p {
	case Auto, System, Portable:
		return p, nil
	}
	return "", &ValidationError{
		Field:  "execution_preference",
		Value:  s,
		Reason: "must be one of auto, system, portable",
	}
}

// Valid reports whether p is one of the three defined values.
func (p ExecutionPreference) Valid() bool {
	switch p {
	case Auto, System, Portable:
		return true
	}
	return false
}

func (p ExecutionPreference) String() string { return string(p) }

func (p ExecutionPreference) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, &ValidationError{Field: "execution_preference", Value: string(p), Reason: "unknown value"}
	}
	return []byte(p), nil
}

func (p *ExecutionPreference) UnmarshalText(text []byte) error {
	v, err := ParseExecutionPreference(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func (p *ExecutionPreference) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode || node.ShortTag() != "!!str" {
		return &ValidationError{Field: "execution_preference", Value: node.Value, Reason: "must be a string"}
	}
	return p.UnmarshalText([]byte(node.Value))
}

// ParseEnabled accepts only a real boolean. Strings such as "true" or numbers
// such as 1 are rejected rather than coerced.
func ParseEnabled(v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, &ValidationError{Field: "enabled", Value: v, Reason: "must be a boolean"}
	}
	return b, nil
}

// PluginPreferences is the preference state of one plugin.
//
// The zero value is not the default record because Enabled defaults to true;
// use Defaults or NewPluginPreferences.
type PluginPreferences struct {
	ExecutionPreference ExecutionPreference `json:"execution_preference" yaml:"execution_preference"`
	Enabled             bool                `json:"enabled" yaml:"enabled"`
	Notes               string              `json:"notes" yaml:"notes"`
}

// Defaults returns the record every unknown plugin resolves to.
func Defaults() PluginPreferences {
	return PluginPreferences{
		ExecutionPreference: Auto,
		Enabled:             true,
		Notes:               "",
	}
}

// Option sets one field of a PluginPreferences under construction.
type Option func(*PluginPreferences) error

func WithExecutionPreference(p ExecutionPreference) Option {
	return func(pp *PluginPreferences) error {
		if !p.Valid() {
			return &ValidationError{Field: "execution_preference", Value: string(p), Reason: "must be one of auto, system, portable"}
		}
		pp.ExecutionPreference = p
		return nil
	}
}

func WithEnabled(enabled bool) Option {
	return func(pp *PluginPreferences) error {
		pp.Enabled = enabled
		return nil
	}
}

func WithNotes(notes string) Option {
	return func(pp *PluginPreferences) error {
		pp.Notes = notes
		return nil
	}
}

// NewPluginPreferences builds a record from Defaults with opts applied in order.
// No record is returned if any option fails validation.
func NewPluginPreferences(opts ...Option) (PluginPreferences, error) {
	p := Defaults()
	for _, opt := range opts {
		if err := opt(&p); err != nil {
			return PluginPreferences{}, err
		}
	}
	return p, nil
}

// Validate checks a record built by hand, e.g. a struct literal with an empty
// ExecutionPreference.
func (p PluginPreferences) Validate() error {
	if !p.ExecutionPreference.Valid() {
		return &ValidationError{Field: "execution_preference", Value: string(p.ExecutionPreference), Reason: "must be one of auto, system, portable"}
	}
	return nil
}

// Set maps plugin id to its preferences. Ids are matched exactly.
type Set map[string]PluginPreferences

// Clone returns an independent copy of s. A nil Set clones to an empty one.
func (s Set) Clone() Set {
	cp := make(Set, len(s))
	for id, p := range s {
		cp[id] = p
	}
	return cp
}
