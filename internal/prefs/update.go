package prefs

import (
	"fmt"
	"sort"
	"strings"
)

// Update is a partial change to a PluginPreferences. A nil field is absent and
// leaves the current value alone; a non-nil field is applied even when it points
// at the default value.
type Update struct {
	ExecutionPreference *ExecutionPreference
	Enabled             *bool
	Notes               *string
}

// Empty reports whether u changes nothing.
func (u Update) Empty() bool {
	return u.ExecutionPreference == nil && u.Enabled == nil && u.Notes == nil
}

// Validate rejects an Update carrying an unknown execution preference.
func (u Update) Validate() error {
	if u.ExecutionPreference != nil && !u.ExecutionPreference.Valid() {
		return &ValidationError{Field: "execution_preference", Value: string(*u.ExecutionPreference), Reason: "must be one of auto, system, portable"}
	}
	return nil
}

// Apply merges u over p.
func (u Update) Apply(p PluginPreferences) PluginPreferences {
	if u.ExecutionPreference != nil {
		p.ExecutionPreference = *u.ExecutionPreference
	}
	if u.Enabled != nil {
		p.Enabled = *u.Enabled
	}
	if u.Notes != nil {
		p.Notes = *u.Notes
	}
	return p
}

// SetExecutionPreference, SetEnabled and SetNotes return u with one field present.
func (u Update) SetExecutionPreference(p ExecutionPreference) Update {
	u.ExecutionPreference = &p
	return u
}

func (u Update) SetEnabled(enabled bool) Update {
	u.Enabled = &enabled
	return u
}

func (u Update) SetNotes(notes string) Update {
	u.Notes = &notes
	return u
}

// UpdateFromFields builds an Update from loosely typed fields, as decoded from a
// JSON body or tool arguments. Each value must already have the right type:
// execution_preference a string, enabled a bool, notes a string. Unknown keys
// are an error so typos do not silently do nothing.
func UpdateFromFields(fields map[string]any) (Update, error) {
	var u Update
	for _, key := range sortedKeys(fields) {
		v := fields[key]
		switch key {
		case "execution_preference":
			s, ok := v.(string)
			if !ok {
				return Update{}, &ValidationError{Field: key, Value: v, Reason: "must be a string"}
			}
			p, err := ParseExecutionPreference(s)
			if err != nil {
				return Update{}, err
			}
			u.ExecutionPreference = &p
		case "enabled":
			b, err := ParseEnabled(v)
			if err != nil {
				return Update{}, err
			}
			u.Enabled = &b
		case "notes":
			s, ok := v.(string)
			if !ok {
				return Update{}, &ValidationError{Field: key, Value: v, Reason: "must be a string"}
			}
			u.Notes = &s
		default:
			return Update{}, &ValidationError{
				Field:  "field",
				Value:  key,
				Reason: fmt.Sprintf("unknown field; expected one of %s", strings.Join(FieldNames, ", ")),
			}
		}
	}
	return u, nil
}

// FieldNames lists the document keys of a PluginPreferences entry.
var FieldNames = []string{"execution_preference", "enabled", "notes"}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
