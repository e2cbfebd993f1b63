// ABOUTME: Entry point for the coven-coord command line tool
// ABOUTME: Builds the cobra command tree and the shared coordination runtime per invocation

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-coord/internal/backend"
	"github.com/2389/coven-coord/internal/config"
	"github.com/2389/coven-coord/internal/coord"
	"github.com/2389/coven-coord/internal/tmux"
)

// Version is set by goreleaser at build time.
var version = "dev"

// Environment variables read by the CLI.
const (
	configEnv  = "COVEN_COORD_CONFIG"
	backendEnv = "COVEN_COORD_BACKEND"
)

// app carries global flags and the injection points tests use.
type app struct {
	configPath  string
	root        string
	backendKind string
	agentID     string
	jsonOut     bool
	verbose     bool

	backend backend.Backend // replaces the configured backend when set
	tmux    *tmux.Client
	getenv  func(string) string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a := &app{getenv: os.Getenv}
	if err := newRootCmd(a).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "coven-coord",
		Short: "Coordinate agents sharing one project directory",
		Long: `coven-coord lets agents working in the same project find each other,
take advisory file locks, exchange signed messages and track acknowledgments.

All state lives in the project's .coven/ directory, so every agent that can
see the project can coordinate without a server.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Config file (or "+configEnv+")")
	flags.StringVar(&a.root, "root", "", "Project root (default: current directory)")
	flags.StringVar(&a.backendKind, "backend", "", "Discovery backend: tmux or process (or "+backendEnv+")")
	flags.StringVar(&a.agentID, "agent", "", "Acting agent id (or "+coord.AgentIDEnv+")")
	flags.BoolVar(&a.jsonOut, "json", false, "JSON output for scripting")
	flags.BoolVar(&a.verbose, "verbose", false, "Debug logging")

	root.AddCommand(
		discoverCmd(a),
		agentsCmd(a),
		registerCmd(a),
		sendCmd(a),
		broadcastCmd(a),
		readCmd(a),
		watchCmd(a),
		lockCmd(a),
		unlockCmd(a),
		locksCmd(a),
		whoCmd(a),
		askCmd(a),
		ackCmd(a),
		pendingCmd(a),
		retryCmd(a),
		serveCmd(a),
	)
	return root
}

// projectRoot returns the --root flag or the working directory.
func (a *app) projectRoot() (string, error) {
	if a.root != "" {
		return filepath.Abs(a.root)
	}
	return os.Getwd()
}

// configFile picks the config path: --config, then COVEN_COORD_CONFIG,
// then <root>/.coven/config.yaml.
func (a *app) configFile(root string) string {
	if a.configPath != "" {
		return a.configPath
	}
	if p := a.getenv(configEnv); p != "" {
		return p
	}
	return filepath.Join(root, config.Default().Project.StateDir, "config.yaml")
}

// runtime loads configuration and builds the coordination runtime.
func (a *app) runtime(cmd *cobra.Command) (*coord.Runtime, error) {
	root, err := a.projectRoot()
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}
	cfg, err := config.LoadOptional(a.configFile(root))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if a.root != "" || cfg.Project.Root == "" {
		cfg.Project.Root = root
	}
	if a.verbose {
		cfg.Logging.Level = "debug"
	}

	kind := a.backendKind
	if kind == "" {
		kind = a.getenv(backendEnv)
	}

	return coord.New(coord.Options{
		Config:      cfg,
		BackendKind: kind,
		Backend:     a.backend,
		AgentID:     a.agentID,
		Logger:      setupLogger(cfg.Logging, cmd.ErrOrStderr()),
		Tmux:        a.tmux,
		Getenv:      a.getenv,
	})
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
