// ABOUTME: The health command probes the gateway and the agent server
// ABOUTME: Exits non-zero when any configured endpoint is unhealthy

package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/cruse/internal/gateway"
	"github.com/2389/cruse/internal/health"
)

// ErrUnhealthy is returned when at least one probe failed.
var ErrUnhealthy = errors.New("unhealthy")

// HealthCmd checks connectivity.
type HealthCmd struct {
	SkipAgents bool `help:"Only check the gateway."`
}

func (c *HealthCmd) Run(g *globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}

	gatewayURL := "http://" + cfg.Server.HTTPAddr
	if cfg.Store.URL != "" {
		gatewayURL = strings.TrimRight(cfg.Store.URL, "/")
	}

	checks := []health.Check{
		{Name: "gateway", Target: gatewayURL + "/health", Probe: health.HTTP(nil, gatewayURL+"/health")},
	}
	if cfg.Server.GRPCAddr != "" {
		checks = append(checks, health.Check{
			Name:   "gateway grpc",
			Target: cfg.Server.GRPCAddr,
			Probe:  health.GRPC(cfg.Server.GRPCAddr, gateway.HealthService),
		})
	}
	if !c.SkipAgents {
		ping := strings.TrimRight(cfg.Agents.APIBase, "/") + "/ping"
		checks = append(checks, health.Check{Name: "agents", Target: ping, Probe: health.HTTP(nil, ping)})
		if cfg.Agents.GRPCAddr != "" {
			checks = append(checks, health.Check{
				Name:   "agents grpc",
				Target: cfg.Agents.GRPCAddr,
				Probe:  health.GRPC(cfg.Agents.GRPCAddr, ""),
			})
		}
	}

	results := health.Run(g.ctx, checks)

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed, color.Bold)
	gray := color.New(color.FgHiBlack)
	for _, r := range results {
		if r.OK {
			green.Print("✓ ")
		} else {
			red.Print("✗ ")
		}
		fmt.Printf("%-13s %s ", r.Name, r.Target)
		gray.Printf("%s (%s)\n", r.Detail, r.Latency.Round(time.Millisecond))
	}

	if !health.Healthy(results) {
		return ErrUnhealthy
	}
	return nil
}
