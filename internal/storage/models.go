package storage

import (
	"errors"
	"time"

	"github.com/kalambet/toolprefs/internal/prefs"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// PreferenceChange is one journal row. Before and After are nil when the
// plugin had no stored record on that side of the change.
type PreferenceChange struct {
	ID        string                   `json:"id"`
	CreatedAt time.Time                `json:"created_at"`
	PluginID  string                   `json:"plugin_id"`
	Action    string                   `json:"action"`
	Source    string                   `json:"source"`
	Before    *prefs.PluginPreferences `json:"before"`
	After     *prefs.PluginPreferences `json:"after"`
}
