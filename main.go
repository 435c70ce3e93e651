package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"audioswitch/config"
	"audioswitch/device"
	"audioswitch/doctor"
	"audioswitch/log"
	"audioswitch/shutdown"
	"audioswitch/switcher"
	"audioswitch/version"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		var exit exitCode
		if errors.As(err, &exit) {
			os.Exit(int(exit))
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// exitCode ends the process with the given status without printing.
type exitCode int

func (e exitCode) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func rootCommand() *cobra.Command {
	var testMode bool
	var activate bool

	root := &cobra.Command{
		Use:           "audioswitch",
		Short:         "Pick and route the audio output for a call",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if testMode {
				setupLogging(cfg)
				defer log.Close()
				return runTestMode(os.Stdin, os.Stdout, cfg)
			}
			return runEngine(cmd.Context(), cfg, activate)
		},
	}
	config.RegisterFlags(root.PersistentFlags())
	root.Flags().BoolVar(&testMode, "test", false, "Test mode (headless, stdin-driven, fake hardware)")
	root.Flags().BoolVar(&activate, "activate", false, "Activate routing as soon as the engine starts")

	run := &cobra.Command{
		Use:   "run",
		Short: "Start the engine (interactive when attached to a terminal)",
		RunE:  root.RunE,
	}
	run.Flags().AddFlagSet(root.Flags())

	root.AddCommand(run, listCommand(), doctorCommand(), versionCommand())
	return root
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, fmt.Errorf("env file: %w", err)
	}
	file, _ := cmd.Flags().GetString("config")
	return config.Load(file, cmd.Flags())
}

// setupLogging resolves the log directory, routes crash output there and
// opens the diagnostics log. When the directory is unusable diagnostics go
// to stderr.
func setupLogging(cfg *config.Config) {
	dir, err := log.ResolveDir(cfg.LogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to resolve log directory: %v\n", err)
		log.InitWriter(os.Stderr)
		return
	}
	log.SetDir(dir)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
		log.InitWriter(os.Stderr)
		return
	}

	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	if crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
		fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
		debug.SetCrashOutput(crashFile, debug.CrashOptions{})
	}

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
		log.InitWriter(os.Stderr)
	}
}

func runEngine(parent context.Context, cfg *config.Config, activate bool) error {
	if parent == nil {
		parent = context.Background()
	}
	setupLogging(cfg)
	defer log.Close()

	a, err := newApp(cfg)
	if err != nil {
		log.Errorf("startup: %v", err)
		return err
	}
	defer a.close()
	log.SessionStart(a.session, cfg.Backend, a.sw.PreferredOrder().String())
	defer func() { log.SessionEnd(a.session, int(a.changes.Load())) }()
	a.serveMetrics()

	ctx, stop := shutdown.Context(parent)
	defer stop()

	if term.IsTerminal(int(os.Stdout.Fd())) {
		return runTUI(ctx, a, activate)
	}
	return runPlain(ctx, a, os.Stdout, activate)
}

// runPlain prints one line per device change until ctx is done.
func runPlain(ctx context.Context, a *app, out io.Writer, activate bool) error {
	err := a.sw.Start(a.listener(func(avail []device.Device, sel *device.Device) {
		fmt.Fprintln(out, changeLine(avail, sel))
	}))
	if err != nil {
		return err
	}
	if activate {
		if err := a.sw.Activate(); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return nil
}

func changeLine(avail []device.Device, sel *device.Device) string {
	names := make([]string, len(avail))
	for i, d := range avail {
		names[i] = d.String()
	}
	selected := "none"
	if sel != nil {
		selected = sel.String()
	}
	return fmt.Sprintf("devices: %s | selected: %s", strings.Join(names, ", "), selected)
}

func listCommand() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the available devices and the current selection",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.sw.Start(nil); err != nil {
				return err
			}
			return writeSnapshot(cmd.OutOrStdout(), format, takeSnapshot(a.sw))
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "Output format: text, json or yaml")
	return cmd
}

type entry struct {
	Kind   string `json:"kind" yaml:"kind"`
	Name   string `json:"name" yaml:"name"`
	PeerID string `json:"peer_id,omitempty" yaml:"peer_id,omitempty"`
}

type snapshot struct {
	Version   string  `json:"version" yaml:"version"`
	Phase     string  `json:"phase" yaml:"phase"`
	Order     string  `json:"order" yaml:"order"`
	Available []entry `json:"available" yaml:"available"`
	Selected  *entry  `json:"selected" yaml:"selected"`
	Explicit  bool    `json:"explicit" yaml:"explicit"`
}

func toEntry(d device.Device) entry {
	return entry{Kind: d.Kind.String(), Name: d.Name, PeerID: d.PeerID}
}

func takeSnapshot(sw *switcher.Switch) snapshot {
	s := snapshot{
		Version:   version.Version,
		Phase:     sw.Phase().String(),
		Order:     sw.PreferredOrder().String(),
		Available: []entry{},
		Explicit:  sw.SelectionExplicit(),
	}
	for _, d := range sw.AvailableDevices() {
		s.Available = append(s.Available, toEntry(d))
	}
	if sel := sw.SelectedDevice(); sel != nil {
		e := toEntry(*sel)
		s.Selected = &e
	}
	return s
}

func writeSnapshot(w io.Writer, format string, s snapshot) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
		for _, e := range s.Available {
			mark := " "
			if s.Selected != nil && *s.Selected == e {
				mark = "*"
			}
			line := fmt.Sprintf("%s %-16s %s", mark, e.Kind, e.Name)
			if e.PeerID != "" {
				line += " [" + e.PeerID + "]"
			}
			fmt.Fprintln(w, strings.TrimRight(line, " "))
		}
		if len(s.Available) == 0 {
			fmt.Fprintln(w, "no devices")
		}
		return nil
	}
	return fmt.Errorf("unknown format %q (use text, json or yaml)", format)
}

func doctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run system diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			code := doctor.Run(doctor.Options{
				Backend:     cfg.Backend,
				Bluez:       cfg.Bluez,
				Interactive: term.IsTerminal(int(os.Stdin.Fd())),
				In:          os.Stdin,
				Out:         cmd.OutOrStdout(),
			})
			if code != 0 {
				return exitCode(code)
			}
			return nil
		},
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "audioswitch %s\n", version.Version)
		},
	}
}
