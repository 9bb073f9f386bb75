package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/toolprefs/internal/config"
	"github.com/kalambet/toolprefs/internal/plugin"
	"github.com/kalambet/toolprefs/internal/prefs"
)

// --- get ---

func newGetCmd(opts *rootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "get <plugin-id>",
		Short: "Show the effective preferences of a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open("cli")
			if err != nil {
				return err
			}
			defer s.Close()

			id := args[0]
			p := s.mgr.Get(id)
			if _, stored := s.mgr.All()[id]; !stored {
				printStep("%s has no stored record; showing defaults", id)
			}
			return writeRecords(cmd.OutOrStdout(), output, prefs.Set{id: p})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "output format: yaml or json")
	return cmd
}

// --- set ---

func newSetCmd(opts *rootOptions) *cobra.Command {
	var (
		execPref string
		enabled  bool
		notes    string
	)

	cmd := &cobra.Command{
		Use:   "set <plugin-id>",
		Short: "Change preference fields of a plugin",
		Long: `Change one or more preference fields of a plugin. Fields not given on the
command line keep their current value.

Examples:
  toolprefs set git --execution-preference system --notes "Use system git"
  toolprefs set ffmpeg --enabled=false`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var u prefs.Update
			if cmd.Flags().Changed("execution-preference") {
				p, err := prefs.ParseExecutionPreference(execPref)
				if err != nil {
					return err
				}
				u = u.SetExecutionPreference(p)
			}
			if cmd.Flags().Changed("enabled") {
				u = u.SetEnabled(enabled)
			}
			if cmd.Flags().Changed("notes") {
				u = u.SetNotes(notes)
			}
			if u.Empty() {
				return errors.New("nothing to change: pass --execution-preference, --enabled or --notes")
			}

			s, err := opts.open("cli")
			if err != nil {
				return err
			}
			defer s.Close()

			merged, err := s.mgr.Update(args[0], u)
			if err != nil {
				return err
			}
			printSuccess("Updated %s: %s", args[0], merged)
			return nil
		},
	}
	cmd.Flags().StringVar(&execPref, "execution-preference", "", "auto, system or portable")
	cmd.Flags().BoolVar(&enabled, "enabled", true, "whether the plugin may run")
	cmd.Flags().StringVar(&notes, "notes", "", "free-form note")
	return cmd
}

// --- list ---

func newListCmd(opts *rootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every stored plugin preference",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open("cli")
			if err != nil {
				return err
			}
			defer s.Close()

			all := s.mgr.All()
			if len(all) == 0 && output == "table" {
				printWarning("no plugin preferences stored in %s", s.mgr.Path())
				return nil
			}
			return writeRecords(cmd.OutOrStdout(), output, all)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table, yaml or json")
	return cmd
}

// --- reset ---

func newResetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <plugin-id>",
		Short: "Remove the stored record of a plugin so it uses the defaults",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open("cli")
			if err != nil {
				return err
			}
			defer s.Close()

			removed, err := s.mgr.Reset(args[0])
			if err != nil {
				return err
			}
			if !removed {
				printWarning("%s already uses the defaults", args[0])
				return nil
			}
			printSuccess("Reset %s to defaults", args[0])
			return nil
		},
	}
}

// --- which ---

func newWhichCmd(opts *rootOptions) *cobra.Command {
	var (
		bundleDir    string
		preferSystem bool
	)

	cmd := &cobra.Command{
		Use:   "which <plugin-id>",
		Short: "Show which binary a plugin would run under its preferences",
		Long: `Show which binary a plugin would run. The plugin id is used as the binary
name: the system strategy looks it up on PATH, the portable strategy under
--bundle-dir. With execution_preference auto, --prefer-system decides which
strategy is tried first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open("cli")
			if err != nil {
				return err
			}
			defer s.Close()

			tool := plugin.NewBinary(args[0], bundleDir, preferSystem)
			exe, err := plugin.Resolve(cmd.Context(), s.mgr, tool)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", exe.Path, exe.Strategy)
			return nil
		},
	}
	cmd.Flags().StringVar(&bundleDir, "bundle-dir", "", "directory holding the bundled portable binaries")
	cmd.Flags().BoolVar(&preferSystem, "prefer-system", true, "plugin default when the preference is auto")
	return cmd
}

// --- history ---

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [plugin-id]",
		Short: "Show recent preference changes, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open("cli")
			if err != nil {
				return err
			}
			defer s.Close()
			if s.journal == nil {
				return fmt.Errorf("change history unavailable: cannot open %s", opts.cfg.Storage.DataDir)
			}

			var id string
			if len(args) == 1 {
				id = args[0]
			}
			changes, err := s.journal.ListPreferenceChanges(id, limit)
			if err != nil {
				return fmt.Errorf("listing history: %w", err)
			}
			if len(changes) == 0 {
				printWarning("no recorded changes")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tPLUGIN\tACTION\tSOURCE\tVALUE")
			for _, c := range changes {
				value := "(defaults)"
				if c.After != nil {
					value = c.After.String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					c.CreatedAt.Local().Format("2006-01-02 15:04:05"), c.PluginID, c.Action, c.Source, value)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of entries")
	return cmd
}

// --- config ---

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or update configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			for _, k := range config.ShowAll(cfg) {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value (keys: " + strings.Join(config.ValidKeys(), ", ") + ")",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]
			if err := config.SetKey(key, value); err != nil {
				return err
			}
			printSuccess("Set %s = %s", key, value)
			return nil
		},
	})

	return cmd
}

// writeRecords renders records in the requested format. yaml matches the
// layout of plugins.yaml.
func writeRecords(w io.Writer, format string, set prefs.Set) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(set)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(set); err != nil {
			return err
		}
		return enc.Close()
	case "table":
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PLUGIN\tPREFERENCE\tENABLED\tNOTES")
		for _, id := range ids {
			p := set[id]
			fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", id, p.ExecutionPreference, p.Enabled, p.Notes)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
