// ABOUTME: The chat command runs the orchestrator behind the terminal UI
// ABOUTME: Logs go to a file in the data directory while the UI owns the screen

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/2389/cruse/internal/chatui"
	"github.com/2389/cruse/internal/client"
	"github.com/2389/cruse/internal/config"
	"github.com/2389/cruse/internal/conversation"
	"github.com/2389/cruse/internal/negotiate"
)

// ChatCmd opens an interactive conversation.
type ChatCmd struct {
	Agent string `arg:"" optional:"" help:"Agent to select on start."`
	Log   string `help:"Log file. Defaults to the data directory." placeholder:"PATH"`
}

func orchestratorConfig(cfg *config.Config) conversation.Config {
	return conversation.Config{
		Channel:            cfg.Agents.ChannelBase(),
		WidgetAgent:        cfg.Agents.WidgetAgent,
		ThemeAgent:         cfg.Agents.ThemeAgent,
		ThemeTransport:     cfg.Agents.ThemeTransport,
		NegotiationTimeout: cfg.Negotiation.Timeout,
		ContextTurns:       cfg.Negotiation.ContextTurns,
		DefaultIntent:      cfg.Negotiation.DefaultIntent,
	}
}

func (c *ChatCmd) Run(g *globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}

	logPath := c.Log
	if logPath == "" {
		if err := os.MkdirAll(dataPath(), 0o755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
		logPath = filepath.Join(dataPath(), "chat.log")
	}
	logFile, err := tea.LogToFile(logPath, "cruse")
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()
	logger := setupLogger(cfg.Logging, logFile, false)

	threads, err := openThreads(cfg)
	if err != nil {
		return err
	}
	defer threads.Close()

	directory := client.NewDirectory(cfg.Agents.APIBase, nil)
	opts := []conversation.Option{conversation.WithDirectory(directory)}
	if cfg.Agents.ThemeAgent != "" && cfg.Agents.ThemeTransport == conversation.ThemeOneShot {
		opts = append(opts, conversation.WithThemeRequester(&negotiate.OneShotClient{
			BaseURL:   cfg.Agents.APIBase,
			AgentName: cfg.Agents.ThemeAgent,
		}))
	}

	ctx, cancel := context.WithCancel(g.ctx)
	defer cancel()

	orch := conversation.New(orchestratorConfig(cfg), threads, logger, opts...)
	go func() {
		if err := orch.Run(ctx); err != nil {
			logger.Error("orchestrator stopped", "error", err)
		}
	}()
	views := orch.Subscribe(ctx)

	if c.Agent != "" {
		go func() {
			if err := orch.SelectAgent(ctx, c.Agent); err != nil {
				logger.Warn("initial agent selection failed", "agent_id", c.Agent, "error", err)
			}
		}()
	}

	logger.Info("chat started", "store", storeLabel(cfg), "channel", cfg.Agents.ChannelBase().Base())

	model := chatui.New(ctx, orch, views, chatui.Options{Threads: threads, Agents: directory})
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = program.Run()

	cancel()
	<-orch.Done()

	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("running chat: %w", err)
	}
	return nil
}

func storeLabel(cfg *config.Config) string {
	if cfg.Store.URL != "" {
		return cfg.Store.URL
	}
	return cfg.Database.Path
}
