// Command ucti is the micro threat-intel aggregator: it harvests posts
// from social and tabular sources, enriches them with an LLM oracle and
// serves the result over HTTP, RSS, MISP and MCP.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/ucti"
	"github.com/hazyhaar/ucti/internal/config"

	_ "modernc.org/sqlite"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "ucti",
	Short: "Micro threat-intel aggregator",
	Long: `ucti harvests threat-intel posts from Mastodon, Bluesky, Telegram,
Airtable, Baserow and RSS feeds, classifies and tags them with an LLM
oracle, extracts indicators of compromise and serves everything through
a search UI, a JSON API, RSS, a MISP feed and MCP tools.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		initLogger(os.Stdout)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file (default: <config dir>/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"Log level: debug, info, warn, error")
}

func initLogger(w io.Writer) {
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// loadSetup resolves the UCTI_* directories, creates them and loads the
// configuration file.
func loadSetup() (*config.Config, config.Dirs, error) {
	dirs, err := config.ResolveDirs()
	if err != nil {
		return nil, config.Dirs{}, err
	}
	if err := dirs.Ensure(); err != nil {
		return nil, config.Dirs{}, err
	}
	path := configPath
	if path == "" {
		path = dirs.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, config.Dirs{}, err
	}
	return cfg, dirs, nil
}

// openService assembles the full Service for commands that need it.
func openService() (*ucti.Service, *config.Config, config.Dirs, error) {
	cfg, dirs, err := loadSetup()
	if err != nil {
		return nil, nil, config.Dirs{}, err
	}
	svc, err := ucti.New(cfg, dirs, slog.Default())
	if err != nil {
		return nil, nil, config.Dirs{}, err
	}
	return svc, cfg, dirs, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
