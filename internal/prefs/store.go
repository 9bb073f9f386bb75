package prefs

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/toolprefs/internal/fsutil"
)

// Storage loads and saves a whole Set. FileStore is the production implementation.
type Storage interface {
	Load() (Set, error)
	Save(Set) error
	Path() string
}

// Locker is implemented by storage shared with other processes. Lock blocks
// until this process holds the document exclusively and returns the release
// function.
type Locker interface {
	Lock() (unlock func() error, err error)
}

// ChangeDetector is implemented by storage that can tell whether the document
// was replaced since this process last loaded or saved it.
type ChangeDetector interface {
	Changed() bool
}

var (
	// ErrLoad is matched by every *LoadError.
	ErrLoad = errors.New("preferences file is invalid")
	// ErrPersist is matched by every *PersistError.
	ErrPersist = errors.New("preferences could not be saved")
)

// LoadError reports a preferences file that exists but cannot be used.
// PluginID is set when the failure is confined to one entry.
type LoadError struct {
	Path     string
	PluginID string
	Err      error
}

func (e *LoadError) Error() string {
	if e.PluginID != "" {
		return fmt.Sprintf("loading %s: plugin %q: %v", e.Path, e.PluginID, e.Err)
	}
	return fmt.Sprintf("loading %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

func (e *LoadError) Is(target error) bool { return target == ErrLoad }

// PersistError reports a failed save. The previous file content is left in place.
type PersistError struct {
	Path string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("saving %s: %v", e.Path, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

func (e *PersistError) Is(target error) bool { return target == ErrPersist }

// FileStore keeps a Set in a single YAML document. Writers in different
// processes serialize on an advisory lock file next to the document.
type FileStore struct {
	path string
	lock *flock.Flock

	mu   sync.Mutex
	seen fs.FileInfo // document as of the last Load or Save; nil if absent
}

// NewFileStore returns a store for the document at path. Nothing is read or
// created until Load, Save or Lock is called.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, lock: flock.New(path + ".lock")}
}

func (s *FileStore) Path() string { return s.path }

// Lock takes the exclusive advisory lock shared by every FileStore on the
// same path, creating the parent directory if needed.
func (s *FileStore) Lock() (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, fmt.Errorf("creating directory for lock: %w", err)
	}
	if err := s.lock.Lock(); err != nil {
		return nil, fmt.Errorf("locking %s: %w", s.lock.Path(), err)
	}
	return s.lock.Unlock, nil
}

// Changed reports whether the document was created, removed or replaced
// since the last Load or Save through s.
func (s *FileStore) Changed() bool {
	cur, _ := os.Stat(s.path)

	s.mu.Lock()
	defer s.mu.Unlock()
	return !sameFile(s.seen, cur)
}

func (s *FileStore) remember(info fs.FileInfo) {
	s.mu.Lock()
	s.seen = info
	s.mu.Unlock()
}

func sameFile(a, b fs.FileInfo) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return os.SameFile(a, b) && a.Size() == b.Size() && a.ModTime().Equal(b.ModTime())
}

// Load reads the document. A missing file yields an empty Set and no error.
// Any structural problem or invalid entry fails the whole load.
func (s *FileStore) Load() (Set, error) {
	// Stat before reading: a replacement in between only causes one extra reload.
	info, _ := os.Stat(s.path)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.remember(nil)
		return Set{}, nil
	}
	if err != nil {
		return nil, &LoadError{Path: s.path, Err: err}
	}
	// A broken version is remembered too, so it is reported once and not on
	// every Changed check.
	s.remember(info)
	set, err := decodeSet(data)
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			le.Path = s.path
			return nil, le
		}
		return nil, &LoadError{Path: s.path, Err: err}
	}
	return set, nil
}

// Save replaces the document with set.
func (s *FileStore) Save(set Set) error {
	data, err := encodeSet(set)
	if err != nil {
		return &PersistError{Path: s.path, Err: err}
	}
	if err := fsutil.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return &PersistError{Path: s.path, Err: err}
	}
	info, _ := os.Stat(s.path)
	s.remember(info)
	return nil
}

// entry mirrors one plugin mapping in the document. Pointer fields tell absent
// keys apart so they can take their defaults. Unknown keys are ignored.
type entry struct {
	ExecutionPreference *ExecutionPreference `yaml:"execution_preference,omitempty"`
	Enabled             *strictBool          `yaml:"enabled,omitempty"`
	Notes               *string              `yaml:"notes,omitempty"`
}

// strictBool only accepts YAML booleans; "yes" or "1" are rejected instead of
// being read as true.
type strictBool bool

func (b *strictBool) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode || node.ShortTag() != "!!bool" {
		return &ValidationError{Field: "enabled", Value: node.Value, Reason: "must be a boolean"}
	}
	var v bool
	if err := node.Decode(&v); err != nil {
		return &ValidationError{Field: "enabled", Value: node.Value, Reason: err.Error()}
	}
	*b = strictBool(v)
	return nil
}

func (e entry) resolve() PluginPreferences {
	p := Defaults()
	if e.ExecutionPreference != nil {
		p.ExecutionPreference = *e.ExecutionPreference
	}
	if e.Enabled != nil {
		p.Enabled = bool(*e.Enabled)
	}
	if e.Notes != nil {
		p.Notes = *e.Notes
	}
	return p
}

func decodeSet(data []byte) (Set, error) {
	set := Set{}
	if len(bytes.TrimSpace(data)) == 0 {
		return set, nil
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return set, nil
	}
	root := doc.Content[0]
	if root.ShortTag() == "!!null" {
		return set, nil
	}
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: top level must be a mapping of plugin id to preferences", root.Line)
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i], root.Content[i+1]
		if key.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("line %d: plugin id must be a scalar", key.Line)
		}
		id := key.Value
		if key.ShortTag() == "!!binary" {
			// Ids that are not valid UTF-8 are written base64 encoded.
			if err := key.Decode(&id); err != nil {
				return nil, fmt.Errorf("line %d: plugin id: %w", key.Line, err)
			}
		}
		if _, dup := set[id]; dup {
			return nil, &LoadError{PluginID: id, Err: fmt.Errorf("line %d: duplicate plugin id", key.Line)}
		}

		for val.Kind == yaml.AliasNode && val.Alias != nil {
			val = val.Alias
		}

		var e entry
		switch {
		case val.ShortTag() == "!!null":
		case val.Kind == yaml.MappingNode:
			if err := val.Decode(&e); err != nil {
				return nil, &LoadError{PluginID: id, Err: err}
			}
		default:
			return nil, &LoadError{PluginID: id, Err: fmt.Errorf("line %d: preferences must be a mapping", val.Line)}
		}
		set[id] = e.resolve()
	}
	return set, nil
}

func encodeSet(set Set) ([]byte, error) {
	for id, p := range set {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("plugin %q: %w", id, err)
		}
	}
	if len(set) == 0 {
		return []byte("{}\n"), nil
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]PluginPreferences(set)); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
