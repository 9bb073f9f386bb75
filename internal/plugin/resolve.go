// Package plugin defines how a tool integration consults its resolved
// preferences before picking a binary.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/toolprefs/internal/prefs"
)

// Strategy is a binary discovery strategy.
type Strategy string

const (
	StrategySystem   Strategy = "system"
	StrategyPortable Strategy = "portable"
)

var (
	// ErrDisabled is matched by every *DisabledError.
	ErrDisabled = errors.New("plugin disabled")
	// ErrNotFound is returned when no attempted strategy produced a binary.
	ErrNotFound = errors.New("executable not found")
)

// DisabledError reports that the user switched a plugin off.
type DisabledError struct {
	PluginID string
	Notes    string
}

func (e *DisabledError) Error() string {
	if e.Notes != "" {
		return fmt.Sprintf("plugin %q is disabled (%s)", e.PluginID, e.Notes)
	}
	return fmt.Sprintf("plugin %q is disabled", e.PluginID)
}

func (e *DisabledError) Is(target error) bool { return target == ErrDisabled }

// Attempt is one strategy Resolve tried and why it failed.
type Attempt struct {
	Strategy Strategy
	Err      error
}

// NotFoundError reports every strategy tried for a plugin. It matches
// ErrNotFound and unwraps to the individual failures.
type NotFoundError struct {
	PluginID   string
	Preference prefs.ExecutionPreference
	Attempts   []Attempt
}

func (e *NotFoundError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %v", a.Strategy, a.Err)
	}
	return fmt.Sprintf("plugin %q (preference %s): no binary found: %s",
		e.PluginID, e.Preference, strings.Join(parts, "; "))
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func (e *NotFoundError) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a.Err
	}
	return errs
}

// missing is a strategy failure that matches ErrNotFound without repeating
// its text.
type missing string

func (e missing) Error() string { return string(e) }

func (e missing) Is(target error) bool { return target == ErrNotFound }

// Tool is a plugin that can locate its binary either on the host or in the
// application bundle. Discovery itself belongs to the tool.
type Tool interface {
	ID() string
	// PreferSystem is the tool's own choice when the preference is auto.
	PreferSystem() bool
	FindSystem(ctx context.Context) (string, error)
	FindPortable(ctx context.Context) (string, error)
}

// Executable is the binary a tool should run.
type Executable struct {
	Path     string
	Strategy Strategy
}

// Plan returns the strategies to try, in order, for the given preference.
// A forced preference yields exactly one strategy.
func Plan(p prefs.ExecutionPreference, preferSystem bool) []Strategy {
	switch p {
	case prefs.System:
		return []Strategy{StrategySystem}
	case prefs.Portable:
		return []Strategy{StrategyPortable}
	}
	if preferSystem {
		return []Strategy{StrategySystem, StrategyPortable}
	}
	return []Strategy{StrategyPortable, StrategySystem}
}

// Resolve looks up the preferences for t and locates its binary accordingly.
// A disabled plugin fails with *DisabledError before any discovery runs; when
// every planned strategy fails the error is a *NotFoundError.
func Resolve(ctx context.Context, r prefs.Resolver, t Tool) (Executable, error) {
	p := r.Get(t.ID())
	if !p.Enabled {
		return Executable{}, &DisabledError{PluginID: t.ID(), Notes: p.Notes}
	}

	var attempts []Attempt
	for _, s := range Plan(p.ExecutionPreference, t.PreferSystem()) {
		if err := ctx.Err(); err != nil {
			return Executable{}, err
		}

		var path string
		var err error
		switch s {
		case StrategySystem:
			path, err = t.FindSystem(ctx)
		case StrategyPortable:
			path, err = t.FindPortable(ctx)
		}
		if err == nil && path != "" {
			return Executable{Path: path, Strategy: s}, nil
		}
		if err == nil {
			err = missing("empty path")
		}
		attempts = append(attempts, Attempt{Strategy: s, Err: err})
	}

	return Executable{}, &NotFoundError{PluginID: t.ID(), Preference: p.ExecutionPreference, Attempts: attempts}
}
