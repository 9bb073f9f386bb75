package plugin

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// Binary is a Tool backed by a named executable: on the host it is looked up
// on PATH, in the bundle it is expected under BundleDir (either directly or in
// a directory named after the tool).
type Binary struct {
	Name      string
	BundleDir string
	System    bool

	// lookPath is exec.LookPath unless replaced in tests.
	lookPath func(string) (string, error)
}

// NewBinary returns a Binary tool for name.
func NewBinary(name, bundleDir string, preferSystem bool) *Binary {
	return &Binary{Name: name, BundleDir: bundleDir, System: preferSystem, lookPath: exec.LookPath}
}

func (b *Binary) ID() string { return b.Name }

func (b *Binary) PreferSystem() bool { return b.System }

func (b *Binary) FindSystem(_ context.Context) (string, error) {
	look := b.lookPath
	if look == nil {
		look = exec.LookPath
	}
	path, err := look(b.Name)
	if err != nil {
		return "", missing(b.Name + " not on PATH")
	}
	return path, nil
}

func (b *Binary) FindPortable(_ context.Context) (string, error) {
	if b.BundleDir == "" {
		return "", missing("no bundle directory configured")
	}
	name := b.Name
	if runtime.GOOS == "windows" && filepath.Ext(name) == "" {
		name += ".exe"
	}
	for _, candidate := range []string{
		filepath.Join(b.BundleDir, name),
		filepath.Join(b.BundleDir, b.Name, name),
		filepath.Join(b.BundleDir, b.Name, "bin", name),
	} {
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", missing(fmt.Sprintf("%s not in %s", b.Name, b.BundleDir))
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}
