package prefs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// --- test doubles ---

// memStore is an in-memory Storage that can be told to fail saves.
type memStore struct {
	mu      sync.Mutex
	set     Set
	saves   int
	saveErr error
	loadErr error
}

func (s *memStore) Load() (Set, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.set.Clone(), nil
}

func (s *memStore) Save(set Set) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return &PersistError{Path: "mem", Err: s.saveErr}
	}
	s.saves++
	s.set = set.Clone()
	return nil
}

func (s *memStore) Path() string { return "mem" }

type recordingJournal struct {
	mu      sync.Mutex
	changes []Change
	err     error
}

func (j *recordingJournal) RecordChange(c Change) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.changes = append(j.changes, c)
	return j.err
}

func openFileManager(t *testing.T) (*Manager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plugins.yaml")
	m, err := Open(NewFileStore(path))
	require.NoError(t, err)
	return m, path
}

// --- generators ---

func genPluginID() *rapid.Generator[string] {
	return rapid.StringMatching(`[A-Za-z][A-Za-z0-9_.-]{0,15}`)
}

func genPreferences() *rapid.Generator[PluginPreferences] {
	return rapid.Custom(func(t *rapid.T) PluginPreferences {
		return PluginPreferences{
			ExecutionPreference: rapid.SampledFrom(ExecutionPreferences).Draw(t, "execution_preference"),
			Enabled:             rapid.Bool().Draw(t, "enabled"),
			Notes:               rapid.StringMatching(`[ -~]{0,40}`).Draw(t, "notes"),
		}
	})
}

// --- scenarios ---

func TestManager_GitScenario(t *testing.T) {
	m, path := openFileManager(t)

	assert.Equal(t, PluginPreferences{ExecutionPreference: Auto, Enabled: true, Notes: ""}, m.Get("git"))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "Get must not create the file")

	_, err = m.Update("git", Update{}.SetExecutionPreference(System).SetNotes("ssh keys"))
	require.NoError(t, err)

	onDisk, err := NewFileStore(path).Load()
	require.NoError(t, err)
	assert.Equal(t, PluginPreferences{ExecutionPreference: System, Enabled: true, Notes: "ssh keys"}, onDisk["git"])

	_, err = m.Update("git", Update{}.SetEnabled(false))
	require.NoError(t, err)

	reopened, err := Open(NewFileStore(path))
	require.NoError(t, err)
	got := reopened.Get("git")
	assert.Equal(t, System, got.ExecutionPreference)
	assert.Equal(t, "ssh keys", got.Notes)
	assert.False(t, got.Enabled)
}

func TestManager_FFmpegPartialEntry(t *testing.T) {
	path := writePrefsFile(t, "ffmpeg: {execution_preference: portable}\n")

	m, err := Open(NewFileStore(path))
	require.NoError(t, err)
	assert.Equal(t, PluginPreferences{ExecutionPreference: Portable, Enabled: true, Notes: ""}, m.Get("ffmpeg"))
}

func TestManager_OpenMalformedFile(t *testing.T) {
	path := writePrefsFile(t, "git: {execution_preference: sometimes}\n")

	m, err := Open(NewFileStore(path))
	assert.Nil(t, m)
	assert.ErrorIs(t, err, ErrLoad)
}

func TestManager_GetDoesNotPersist(t *testing.T) {
	store := &memStore{}
	m, err := Open(store)
	require.NoError(t, err)

	for _, id := range []string{"git", "ffmpeg", ""} {
		assert.Equal(t, Defaults(), m.Get(id))
	}
	assert.Equal(t, 0, store.saves)
	assert.Empty(t, m.All())
}

func TestManager_SetValidates(t *testing.T) {
	store := &memStore{}
	m, err := Open(store)
	require.NoError(t, err)

	assert.ErrorIs(t, m.Set("git", PluginPreferences{ExecutionPreference: "invalid"}), ErrValidation)
	assert.ErrorIs(t, m.Set("", Defaults()), ErrValidation)
	_, err = m.Update("git", Update{ExecutionPreference: ptr(ExecutionPreference("nope"))})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 0, store.saves)
}

func TestManager_FailedPersistKeepsMemory(t *testing.T) {
	store := &memStore{}
	m, err := Open(store)
	require.NoError(t, err)
	require.NoError(t, m.Set("git", PluginPreferences{ExecutionPreference: System, Enabled: true}))

	store.saveErr = errors.New("disk full")

	err = m.Set("git", PluginPreferences{ExecutionPreference: Portable, Enabled: true})
	assert.ErrorIs(t, err, ErrPersist)
	_, err = m.Update("ffmpeg", Update{}.SetEnabled(false))
	assert.ErrorIs(t, err, ErrPersist)
	_, err = m.Reset("git")
	assert.ErrorIs(t, err, ErrPersist)

	assert.Equal(t, System, m.Get("git").ExecutionPreference)
	assert.Equal(t, Defaults(), m.Get("ffmpeg"))
	assert.Equal(t, Set{"git": {ExecutionPreference: System, Enabled: true}}, m.All())
}

func TestManager_Reset(t *testing.T) {
	store := &memStore{}
	m, err := Open(store)
	require.NoError(t, err)

	removed, err := m.Reset("git")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Equal(t, 0, store.saves)

	require.NoError(t, m.Set("git", PluginPreferences{ExecutionPreference: System, Enabled: false}))
	removed, err = m.Reset("git")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, Defaults(), m.Get("git"))
	assert.NotContains(t, store.set, "git")
}

func TestManager_AllReturnsCopy(t *testing.T) {
	m, err := Open(&memStore{})
	require.NoError(t, err)
	require.NoError(t, m.Set("git", Defaults()))

	all := m.All()
	all["git"] = PluginPreferences{ExecutionPreference: Portable, Enabled: false}
	delete(all, "git")
	all["rogue"] = Defaults()

	assert.Equal(t, Set{"git": Defaults()}, m.All())
}

func TestManager_LoadPicksUpExternalEdits(t *testing.T) {
	m, path := openFileManager(t)
	require.NoError(t, m.Set("git", Defaults()))

	require.NoError(t, os.WriteFile(path, []byte("ffmpeg: {enabled: false}\n"), 0o644))

	set, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, Set{"ffmpeg": {ExecutionPreference: Auto, Enabled: false}}, set)
	assert.Equal(t, Defaults(), m.Get("git"))
}

func TestManager_LoadErrorKeepsState(t *testing.T) {
	store := &memStore{}
	m, err := Open(store)
	require.NoError(t, err)
	require.NoError(t, m.Set("git", PluginPreferences{ExecutionPreference: System, Enabled: true}))

	store.loadErr = &LoadError{Path: "mem", Err: errors.New("broken")}
	_, err = m.Load()
	assert.ErrorIs(t, err, ErrLoad)
	assert.Equal(t, System, m.Get("git").ExecutionPreference)
}

func TestManager_SaveFlushesCurrentSet(t *testing.T) {
	store := &memStore{}
	m, err := Open(store)
	require.NoError(t, err)
	require.NoError(t, m.Set("git", Defaults()))

	store.set = nil
	require.NoError(t, m.Save())
	assert.Equal(t, Set{"git": Defaults()}, store.set)
}

func TestManager_ConcurrentUpdatesLoseNothing(t *testing.T) {
	m, path := openFileManager(t)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("plugin-%02d", i)
			_, err := m.Update(id, Update{}.SetNotes(id))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	set, err := NewFileStore(path).Load()
	require.NoError(t, err)
	assert.Len(t, set, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("plugin-%02d", i)
		assert.Equal(t, id, set[id].Notes)
	}
}

func TestManager_SharedFileKeepsOtherWritersChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugins.yaml")
	cli, err := Open(NewFileStore(path))
	require.NoError(t, err)
	server, err := Open(NewFileStore(path))
	require.NoError(t, err)

	_, err = cli.Update("git", Update{}.SetEnabled(false))
	require.NoError(t, err)
	_, err = server.Update("ffmpeg", Update{}.SetNotes("x"))
	require.NoError(t, err)

	onDisk, err := NewFileStore(path).Load()
	require.NoError(t, err)
	assert.Equal(t, Set{
		"git":    {ExecutionPreference: Auto, Enabled: false},
		"ffmpeg": {ExecutionPreference: Auto, Enabled: true, Notes: "x"},
	}, onDisk)
	assert.Equal(t, onDisk, server.All())
	assert.Equal(t, onDisk, cli.All())
}

func TestManager_UpdateMergesOverOtherWritersRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugins.yaml")
	cli, err := Open(NewFileStore(path))
	require.NoError(t, err)
	j := &recordingJournal{}
	server, err := Open(NewFileStore(path), WithJournal(j, "server"))
	require.NoError(t, err)

	require.NoError(t, cli.Set("git", PluginPreferences{ExecutionPreference: System, Enabled: true, Notes: "ssh keys"}))

	merged, err := server.Update("git", Update{}.SetEnabled(false))
	require.NoError(t, err)
	assert.Equal(t, PluginPreferences{ExecutionPreference: System, Enabled: false, Notes: "ssh keys"}, merged)

	require.Len(t, j.changes, 1)
	require.NotNil(t, j.changes[0].Before, "before reflects the record on disk")
	assert.Equal(t, "ssh keys", j.changes[0].Before.Notes)

	removed, err := cli.Reset("git")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = server.Reset("git")
	require.NoError(t, err)
	assert.False(t, removed, "already reset by the other writer")
	assert.Len(t, j.changes, 1)
}

func TestManager_GetSeesOtherWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugins.yaml")
	writer, err := Open(NewFileStore(path))
	require.NoError(t, err)
	reader, err := Open(NewFileStore(path))
	require.NoError(t, err)

	require.NoError(t, writer.Set("git", PluginPreferences{ExecutionPreference: Portable, Enabled: true}))
	assert.Equal(t, Portable, reader.Get("git").ExecutionPreference)

	_, err = writer.Reset("git")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), reader.Get("git"))
	assert.Empty(t, reader.All())
}

func TestManager_GetKeepsSetWhenFileTurnsInvalid(t *testing.T) {
	m, path := openFileManager(t)
	require.NoError(t, m.Set("git", PluginPreferences{ExecutionPreference: System, Enabled: true}))

	require.NoError(t, os.WriteFile(path, []byte("git: {execution_preference: sometimes}\n"), 0o644))

	assert.Equal(t, System, m.Get("git").ExecutionPreference)
	_, err := m.Update("ffmpeg", Update{}.SetEnabled(false))
	assert.ErrorIs(t, err, ErrLoad, "an unreadable file is not overwritten")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "sometimes")
}

func TestManager_ConcurrentManagersOnOneFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugins.yaml")

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := Open(NewFileStore(path))
			if !assert.NoError(t, err) {
				return
			}
			id := fmt.Sprintf("plugin-%02d", i)
			_, err = m.Update(id, Update{}.SetNotes(id))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	set, err := NewFileStore(path).Load()
	require.NoError(t, err)
	assert.Len(t, set, n)
}

func TestManager_NonUTF8IDSurvivesReload(t *testing.T) {
	m, path := openFileManager(t)
	want := PluginPreferences{ExecutionPreference: System, Enabled: false, Notes: "x"}
	require.NoError(t, m.Set("tool\xff", want))
	require.NoError(t, m.Set("git", Defaults()))

	reopened, err := Open(NewFileStore(path))
	require.NoError(t, err)
	assert.Equal(t, want, reopened.Get("tool\xff"))
	assert.Equal(t, Set{"tool\xff": want, "git": Defaults()}, reopened.All())
}

func TestManager_ConcurrentFieldUpdatesOnSameID(t *testing.T) {
	m, err := Open(&memStore{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := m.Update("git", Update{}.SetExecutionPreference(System))
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := m.Update("git", Update{}.SetNotes("ssh keys"))
		assert.NoError(t, err)
	}()
	wg.Wait()

	assert.Equal(t, PluginPreferences{ExecutionPreference: System, Enabled: true, Notes: "ssh keys"}, m.Get("git"))
}

func TestManager_Journal(t *testing.T) {
	j := &recordingJournal{}
	m, err := Open(&memStore{}, WithJournal(j, "test"))
	require.NoError(t, err)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	require.NoError(t, m.Set("git", PluginPreferences{ExecutionPreference: System, Enabled: true}))
	_, err = m.Update("git", Update{}.SetEnabled(false))
	require.NoError(t, err)
	_, err = m.Reset("git")
	require.NoError(t, err)

	require.Len(t, j.changes, 3)
	assert.Equal(t, ActionSet, j.changes[0].Action)
	assert.Nil(t, j.changes[0].Before)
	assert.Equal(t, "test", j.changes[0].Source)
	assert.Equal(t, fixed, j.changes[0].At)

	assert.Equal(t, ActionUpdate, j.changes[1].Action)
	require.NotNil(t, j.changes[1].Before)
	assert.True(t, j.changes[1].Before.Enabled)
	assert.False(t, j.changes[1].After.Enabled)

	assert.Equal(t, ActionReset, j.changes[2].Action)
	assert.Nil(t, j.changes[2].After)
}

func TestManager_JournalFailureDoesNotFailMutation(t *testing.T) {
	j := &recordingJournal{err: errors.New("db locked")}
	m, err := Open(&memStore{}, WithJournal(j, "test"))
	require.NoError(t, err)

	require.NoError(t, m.Set("git", Defaults()))
	assert.Len(t, j.changes, 1)
}

// --- laws ---

func TestManager_PropertyBased_UnknownIDsResolveToDefaults(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		dir, err := os.MkdirTemp("", "prefs-*")
		require.NoError(t, err)
		defer os.RemoveAll(dir)
		path := filepath.Join(dir, "plugins.yaml")

		m, err := Open(NewFileStore(path))
		require.NoError(t, err)
		known := genPluginID().Draw(t, "known")
		require.NoError(t, m.Set(known, genPreferences().Draw(t, "prefs")))
		before, err := os.ReadFile(path)
		require.NoError(t, err)

		id := genPluginID().Filter(func(s string) bool { return s != known }).Draw(t, "id")
		assert.Equal(t, Defaults(), m.Get(id))

		after, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, before, after, "Get must not alter the file")
	})
}

func TestManager_PropertyBased_RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m, err := Open(&memStore{})
		require.NoError(t, err)

		id := genPluginID().Draw(t, "id")
		p := genPreferences().Draw(t, "prefs")
		require.NoError(t, m.Set(id, p))
		assert.Equal(t, p, m.Get(id))
	})
}

func TestManager_PropertyBased_PartialUpdateOnlyTouchesGivenFields(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m, err := Open(&memStore{})
		require.NoError(t, err)

		id := genPluginID().Draw(t, "id")
		r := genPreferences().Draw(t, "existing")
		require.NoError(t, m.Set(id, r))

		notes := rapid.String().Draw(t, "notes")
		got, err := m.Update(id, Update{}.SetNotes(notes))
		require.NoError(t, err)

		want := r
		want.Notes = notes
		assert.Equal(t, want, got)
		assert.Equal(t, want, m.Get(id))
	})
}

func TestManager_PropertyBased_SurvivesReload(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		dir, err := os.MkdirTemp("", "prefs-*")
		require.NoError(t, err)
		defer os.RemoveAll(dir)
		path := filepath.Join(dir, "plugins.yaml")

		m, err := Open(NewFileStore(path))
		require.NoError(t, err)
		want := rapid.MapOfN(genPluginID(), genPreferences(), 1, 8).Draw(t, "set")
		for id, p := range want {
			require.NoError(t, m.Set(id, p))
		}

		fresh, err := Open(NewFileStore(path))
		require.NoError(t, err)
		loaded, err := fresh.Load()
		require.NoError(t, err)
		assert.Equal(t, Set(want), loaded)
		for id, p := range want {
			assert.Equal(t, p, fresh.Get(id))
		}
	})
}

func ptr[T any](v T) *T { return &v }
