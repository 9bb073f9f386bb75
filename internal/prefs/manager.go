package prefs

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Resolver is the read side plugins consult before choosing a strategy.
type Resolver interface {
	Get(pluginID string) PluginPreferences
}

// Action names the kind of mutation recorded in a Change.
type Action string

const (
	ActionSet    Action = "set"
	ActionUpdate Action = "update"
	ActionReset  Action = "reset"
)

// Change describes one accepted mutation. Before is nil when the plugin had no
// stored record; After is nil after a reset.
type Change struct {
	PluginID string
	Action   Action
	Before   *PluginPreferences
	After    *PluginPreferences
	Source   string
	At       time.Time
}

// Journal records accepted mutations. It is informational: the preferences
// file stays the source of truth and journal failures only get logged.
type Journal interface {
	RecordChange(c Change) error
}

// Manager owns the in-memory Set for the life of the process. Callers only
// receive copies. Every mutation re-reads Storage, applies the change to what
// it finds there and writes it through before it becomes visible in memory, so
// edits made by other processes sharing the document are kept.
type Manager struct {
	store   Storage
	logger  *slog.Logger
	journal Journal
	source  string
	now     func() time.Time

	mu  sync.Mutex
	set Set
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger; slog.Default() is used otherwise.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithJournal records every accepted mutation in j, tagged with source
// (e.g. "cli" or "server").
func WithJournal(j Journal, source string) ManagerOption {
	return func(m *Manager) {
		m.journal = j
		m.source = source
	}
}

// Open creates a Manager and loads the Set from store. A missing file is an
// empty Set; a malformed one is returned as a *LoadError.
func Open(store Storage, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	set, err := store.Load()
	if err != nil {
		return nil, err
	}
	m.set = set
	m.logger.Debug("plugin preferences loaded", "path", store.Path(), "plugins", len(set))
	return m, nil
}

// Path returns the location of the backing document.
func (m *Manager) Path() string { return m.store.Path() }

// Load re-reads the backing document and replaces the in-memory Set. On error
// the current Set is kept.
func (m *Manager) Load() (Set, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	m.set = set
	return set.Clone(), nil
}

// Save writes the current Set to storage.
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Save(m.set.Clone())
}

// Get returns the stored record for pluginID, or Defaults when there is none.
// It never writes.
func (m *Manager) Get(pluginID string) PluginPreferences {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh()
	return m.resolve(pluginID)
}

// All returns a copy of every stored record.
func (m *Manager) All() Set {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh()
	return m.set.Clone()
}

// Set replaces the record for pluginID and persists the whole Set.
func (m *Manager) Set(pluginID string, p PluginPreferences) error {
	if err := validateID(pluginID); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var before *PluginPreferences
	err := m.commit(func(next Set) bool {
		prev, had := next[pluginID]
		before = ptrIf(prev, had)
		next[pluginID] = p
		return true
	})
	if err != nil {
		return err
	}
	m.record(Change{PluginID: pluginID, Action: ActionSet, Before: before, After: &p})
	return nil
}

// Update merges u over the resolved record for pluginID (Defaults if none is
// stored), persists it, and returns the merged record. Fields absent from u
// keep their current values.
func (m *Manager) Update(pluginID string, u Update) (PluginPreferences, error) {
	if err := validateID(pluginID); err != nil {
		return PluginPreferences{}, err
	}
	if err := u.Validate(); err != nil {
		return PluginPreferences{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var before *PluginPreferences
	var merged PluginPreferences
	err := m.commit(func(next Set) bool {
		prev, had := next[pluginID]
		before = ptrIf(prev, had)
		if !had {
			prev = Defaults()
		}
		merged = u.Apply(prev)
		next[pluginID] = merged
		return true
	})
	if err != nil {
		return PluginPreferences{}, err
	}
	m.record(Change{PluginID: pluginID, Action: ActionUpdate, Before: before, After: &merged})
	return merged, nil
}

// Reset removes the stored record so pluginID resolves to Defaults again.
// It reports whether a record was removed; nothing is written otherwise.
func (m *Manager) Reset(pluginID string) (bool, error) {
	if err := validateID(pluginID); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var before *PluginPreferences
	err := m.commit(func(next Set) bool {
		prev, had := next[pluginID]
		if !had {
			return false
		}
		before = &prev
		delete(next, pluginID)
		return true
	})
	if err != nil || before == nil {
		return false, err
	}
	m.record(Change{PluginID: pluginID, Action: ActionReset, Before: before})
	return true, nil
}

// resolve must be called with mu held.
func (m *Manager) resolve(pluginID string) PluginPreferences {
	if p, ok := m.set[pluginID]; ok {
		return p
	}
	return Defaults()
}

// refresh reloads the Set when the store reports that another writer replaced
// the document. A document that no longer loads leaves the current Set in
// place. Must be called with mu held.
func (m *Manager) refresh() {
	d, ok := m.store.(ChangeDetector)
	if !ok || !d.Changed() {
		return
	}
	set, err := m.store.Load()
	if err != nil {
		m.logger.Warn("reloading plugin preferences failed", "path", m.store.Path(), "error", err)
		return
	}
	m.set = set
	m.logger.Debug("plugin preferences reloaded", "path", m.store.Path(), "plugins", len(set))
}

// commit re-reads the stored Set, applies mutate to a copy of it, saves the
// copy and only then swaps it in. The store's lock, if it has one, is held
// from the read to the write. mutate returns false when there is nothing to
// write. Must be called with mu held.
func (m *Manager) commit(mutate func(next Set) bool) error {
	if l, ok := m.store.(Locker); ok {
		unlock, err := l.Lock()
		if err != nil {
			return &PersistError{Path: m.store.Path(), Err: err}
		}
		defer func() {
			if err := unlock(); err != nil {
				m.logger.Warn("releasing preferences lock failed", "path", m.store.Path(), "error", err)
			}
		}()
	}

	current, err := m.store.Load()
	if err != nil {
		return err
	}
	m.set = current

	next := current.Clone()
	if !mutate(next) {
		return nil
	}
	if err := m.store.Save(next); err != nil {
		return err
	}
	m.set = next
	return nil
}

func (m *Manager) record(c Change) {
	m.logger.Info("plugin preference changed", "plugin", c.PluginID, "action", c.Action)
	if m.journal == nil {
		return
	}
	c.Source = m.source
	c.At = m.now().UTC()
	if err := m.journal.RecordChange(c); err != nil {
		m.logger.Warn("recording preference change failed", "plugin", c.PluginID, "error", err)
	}
}

func validateID(pluginID string) error {
	if pluginID == "" {
		return &ValidationError{Field: "plugin_id", Value: pluginID, Reason: "must not be empty"}
	}
	return nil
}

func ptrIf(p PluginPreferences, ok bool) *PluginPreferences {
	if !ok {
		return nil
	}
	return &p
}

// String renders a record in the document's token form, for logs and CLI output.
func (p PluginPreferences) String() string {
	return fmt.Sprintf("execution_preference=%s enabled=%t notes=%q", p.ExecutionPreference, p.Enabled, p.Notes)
}
