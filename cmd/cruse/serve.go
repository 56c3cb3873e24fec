// ABOUTME: The serve command starts the thread gateway
// ABOUTME: Prints a startup banner then runs until interrupted

package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/2389/cruse/internal/gateway"
)

// ServeCmd runs the HTTP thread API and health services.
type ServeCmd struct{}

func (c *ServeCmd) Run(g *globals) error {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := g.load()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging, os.Stdout, true)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", g.configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s%s\n", cfg.Server.HTTPAddr, gateway.APIPrefix)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s (%s)\n", cfg.Database.Path, cfg.Database.Driver)
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! auth disabled, set auth.jwt_secret to require tokens")
	}
	fmt.Println()

	logger.Info("starting cruse gateway",
		"config", g.configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(g.ctx)
}
