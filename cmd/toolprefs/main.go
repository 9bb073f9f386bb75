package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kalambet/toolprefs/internal/config"
	"github.com/kalambet/toolprefs/internal/prefs"
	"github.com/kalambet/toolprefs/internal/storage"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// rootOptions carries the persistent flags and the config loaded for the
// running command.
type rootOptions struct {
	file    string
	noColor bool
	cfg     config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "toolprefs",
		Short: "Manage per-plugin execution preferences",
		Long: `toolprefs keeps one preference record per plugin: whether it runs a
system-installed binary or the bundled portable one, whether it is enabled,
and a free-form note. Records live in plugins.yaml in the platform config
directory; plugins without a record use the defaults (auto, enabled).`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			noColor = opts.noColor || os.Getenv("NO_COLOR") != ""

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if opts.file != "" {
				cfg.Prefs.File = opts.file
			}
			opts.cfg = cfg

			// One-shot commands only log warnings unless debug was asked for.
			level := cfg.LogLevel()
			if cmd.Name() != "serve" && level == slog.LevelInfo {
				level = slog.LevelWarn
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level})))
			return nil
		},
	}

	root.PersistentFlags().StringVar(&opts.file, "file", "", "preferences file (default: "+config.DefaultPrefsFile()+")")
	root.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newGetCmd(opts),
		newSetCmd(opts),
		newListCmd(opts),
		newResetCmd(opts),
		newWhichCmd(opts),
		newHistoryCmd(opts),
		newConfigCmd(),
		newServeCmd(opts),
		newStatusCmd(opts),
		newStopCmd(opts),
	)
	return root
}

// session is an open Manager plus the journal backing it. journal is nil when
// the data dir could not be opened; preferences still work without it.
type session struct {
	mgr     *prefs.Manager
	journal *storage.Store
}

func (s *session) Close() {
	if s.journal == nil {
		return
	}
	if err := s.journal.Close(); err != nil {
		slog.Warn("closing journal", "error", err)
	}
}

func (o *rootOptions) open(source string) (*session, error) {
	s := &session{}
	var mopts []prefs.ManagerOption

	journal, err := storage.Open(o.cfg.Storage.DataDir)
	if err != nil {
		slog.Warn("change journal unavailable", "data_dir", o.cfg.Storage.DataDir, "error", err)
	} else {
		s.journal = journal
		mopts = append(mopts, prefs.WithJournal(journal, source))
	}

	mgr, err := prefs.Open(prefs.NewFileStore(o.cfg.Prefs.File), mopts...)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.mgr = mgr
	return s, nil
}
