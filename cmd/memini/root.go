package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"memini/internal/bootstrap"
	"memini/internal/config"
	"memini/internal/repl"
	"memini/internal/tui"
)

const (
	logFile     = "memini.log"
	historyFile = "repl.history"
	prompt      = "memini> "
)

var (
	configPath string
	workspace  string
	plain      bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "memini",
	Short: "Terminal assistant with shared memory, agent windows and background tasks",
	Long: `memini is a terminal LLM assistant. Chat turns recall long-term memory and
can call tools on connected MCP servers. The assistant can spawn sub-agents
into their own windows, and recurring or variable-triggered background tasks
run from recipes in the agents directory.

With no subcommand it starts the full-screen UI. Use --plain for a line
oriented prompt; piped stdin always uses line mode.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to config JSON/JSONC")
	rootCmd.Flags().StringVar(&workspace, "cwd", "", "Workspace root override")
	rootCmd.Flags().BoolVar(&plain, "plain", false, "Line mode instead of the full-screen UI")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log diagnostics to stderr (line mode only)")
	rootCmd.AddCommand(versionCmd)
}

func run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	root, err := workspaceRoot(cfg)
	if err != nil {
		return err
	}

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	lineMode := plain || cfg.UI.Plain || !interactive

	logger, closeLog, err := openLogger(cfg.Storage.Dir, lineMode && verbose)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	res, err := bootstrap.Build(cfg, root, version, logger)
	if err != nil {
		return err
	}
	defer res.Close()

	a := res.App
	defer a.Shutdown()
	a.Start()
	logger.Info("started", "workspace", res.WorkspaceRoot, "db", res.DBPath, "line_mode", lineMode)

	tick := time.Duration(cfg.UI.TickMS) * time.Millisecond
	if !lineMode {
		return tui.Run(a, tick)
	}

	var in repl.LineInput
	if interactive {
		in, err = repl.NewReadlineInput(prompt, filepath.Join(cfg.Storage.Dir, historyFile))
		if err != nil {
			fmt.Fprintf(os.Stderr, "line editor unavailable, fallback to basic input: %v\n", err)
		}
	}
	if in == nil {
		in = repl.NewBasicInput(os.Stdin, os.Stdout, "")
	}
	defer in.Close()

	fmt.Fprintf(in.Writer(), "memini %s in %s. Type /help for commands.\n", version, res.WorkspaceRoot)
	loop := &repl.Loop{
		App:   a,
		In:    in,
		Tick:  tick,
		Color: term.IsTerminal(int(os.Stdout.Fd())),
	}
	return loop.Run(ctx)
}

func workspaceRoot(cfg config.Config) (string, error) {
	root := strings.TrimSpace(workspace)
	if root == "" {
		root = strings.TrimSpace(cfg.Runtime.WorkspaceRoot)
	}
	if root != "" {
		return root, nil
	}
	root, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve cwd: %w", err)
	}
	return root, nil
}

// openLogger writes diagnostics to the log file under the storage dir, or to
// stderr when asked. The full-screen UI owns the terminal, so it never logs
// to stderr.
func openLogger(storageDir string, toStderr bool) (*slog.Logger, func(), error) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if toStderr {
		opts.Level = slog.LevelDebug
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), func() {}, nil
	}
	if err := os.MkdirAll(storageDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("create storage dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(storageDir, logFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return slog.New(slog.NewTextHandler(io.Discard, opts)), func() {}, nil
	}
	return slog.New(slog.NewTextHandler(f, opts)), func() { _ = f.Close() }, nil
}
