package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kalambet/toolprefs/internal/prefs"
)

// timeLayout is fixed width so created_at sorts correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the SQLite database holding the preference change journal.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) journal.db in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "journal.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// A single connection keeps ":memory:" databases alive across calls and
	// avoids "database is locked" between our own goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies embedded SQL migrations that have not been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Preference changes ---

// RecordChange appends c to the journal. It satisfies prefs.Journal.
func (s *Store) RecordChange(c prefs.Change) error {
	before, err := marshalPrefs(c.Before)
	if err != nil {
		return fmt.Errorf("encoding previous value: %w", err)
	}
	after, err := marshalPrefs(c.After)
	if err != nil {
		return fmt.Errorf("encoding new value: %w", err)
	}
	at := c.At
	if at.IsZero() {
		at = time.Now()
	}

	_, err = s.db.Exec(`
		INSERT INTO preference_changes (id, created_at, plugin_id, action, source, before_json, after_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), at.UTC().Format(timeLayout), c.PluginID, string(c.Action), c.Source, before, after,
	)
	return err
}

// GetPreferenceChange returns a single journal row.
func (s *Store) GetPreferenceChange(id string) (PreferenceChange, error) {
	row := s.db.QueryRow(`
		SELECT id, created_at, plugin_id, action, source, before_json, after_json
		FROM preference_changes WHERE id = ?`, id)
	c, err := scanChange(row)
	if err == sql.ErrNoRows {
		return PreferenceChange{}, ErrNotFound
	}
	return c, err
}

// ListPreferenceChanges returns the newest changes for pluginID first. An
// empty pluginID lists changes for every plugin.
func (s *Store) ListPreferenceChanges(pluginID string, limit int) ([]PreferenceChange, error) {
	query := `
		SELECT id, created_at, plugin_id, action, source, before_json, after_json
		FROM preference_changes`
	args := []any{}
	if pluginID != "" {
		query += ` WHERE plugin_id = ?`
		args = append(args, pluginID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []PreferenceChange
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// PurgePreferenceChanges deletes journal rows older than cutoff and reports
// how many were removed.
func (s *Store) PurgePreferenceChanges(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM preference_changes WHERE created_at < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChange(row scanner) (PreferenceChange, error) {
	var c PreferenceChange
	var createdAt, before, after string
	if err := row.Scan(&c.ID, &createdAt, &c.PluginID, &c.Action, &c.Source, &before, &after); err != nil {
		return PreferenceChange{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return PreferenceChange{}, fmt.Errorf("parsing created_at: %w", err)
	}
	c.CreatedAt = t
	if c.Before, err = unmarshalPrefs(before); err != nil {
		return PreferenceChange{}, fmt.Errorf("decoding before_json: %w", err)
	}
	if c.After, err = unmarshalPrefs(after); err != nil {
		return PreferenceChange{}, fmt.Errorf("decoding after_json: %w", err)
	}
	return c, nil
}

func marshalPrefs(p *prefs.PluginPreferences) (string, error) {
	if p == nil {
		return "", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalPrefs(s string) (*prefs.PluginPreferences, error) {
	if s == "" {
		return nil, nil
	}
	var p prefs.PluginPreferences
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, err
	}
	return &p, nil
}
