// ABOUTME: Entry point for the cruse conversation orchestrator
// ABOUTME: Runs the thread gateway, the interactive chat client and admin commands

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/2389/cruse/internal/client"
	"github.com/2389/cruse/internal/config"
	"github.com/2389/cruse/internal/conversation"
	"github.com/2389/cruse/internal/store"
)

// Version is set at build time.
var version = "dev"

const banner = `
  ___ _ __ _   _ ___  ___
 / __| '__| | | / __|/ _ \
| (__| |  | |_| \__ \  __/
 \___|_|   \__,_|___/\___|
`

// CLI is the command line grammar.
type CLI struct {
	Config  string           `help:"Config file (YAML or TOML)." env:"CRUSE_CONFIG" placeholder:"PATH"`
	Version kong.VersionFlag `help:"Print version and exit."`

	Serve   ServeCmd   `cmd:"" help:"Start the thread gateway."`
	Chat    ChatCmd    `cmd:"" help:"Chat with an agent in the terminal."`
	Threads ThreadsCmd `cmd:"" help:"List or delete threads."`
	Export  ExportCmd  `cmd:"" help:"Export a thread as markdown or HTML."`
	Health  HealthCmd  `cmd:"" help:"Check gateway and agent server health."`
	Token   TokenCmd   `cmd:"" help:"Issue a bearer token for the thread API."`
}

// globals is bound into every command's Run.
type globals struct {
	ctx        context.Context
	configPath string
}

// defaultConfigPath returns XDG_CONFIG_HOME/cruse/cruse.yaml or ~/.config/cruse/cruse.yaml.
func defaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "cruse.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "cruse", "cruse.yaml")
}

// dataPath returns XDG_DATA_HOME/cruse or ~/.local/share/cruse.
func dataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "cruse")
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("cruse"),
		kong.Description("Real-time conversation orchestrator for agent chat."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	path := cli.Config
	if path == "" {
		path = defaultConfigPath()
	}

	err := kctx.Run(&globals{ctx: ctx, configPath: path})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// load reads the config file, falling back to defaults when it is missing.
func (g *globals) load() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// threadStore is the store behind a chat session and the thread commands.
type threadStore interface {
	conversation.ThreadStore
	DeleteThread(ctx context.Context, id string) error
	Close() error
}

// openThreads uses the remote thread API when store.url is set and the
// local database otherwise.
func openThreads(cfg *config.Config) (threadStore, error) {
	if cfg.Store.URL != "" {
		return client.NewThreadClient(cfg.Store.URL, client.WithToken(cfg.Store.Token)), nil
	}
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("CRUSE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.OpenSQLite(cfg.Database.Driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return s, nil
}
