// ABOUTME: Minimal fake agent server for local development and E2E testing
// ABOUTME: Usage: fake-agent [--addr localhost:4173] [--agent NAME ...] [--grpc-addr ADDR]

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/cruse/internal/negotiate"
)

type cli struct {
	Addr        string   `default:"localhost:4173" help:"HTTP listen address."`
	WSPath      string   `name:"ws-path" default:"/api/v1/ws" help:"Websocket path prefix."`
	GRPCAddr    string   `name:"grpc-addr" help:"Serve the gRPC health service here."`
	Agents      []string `name:"agent" default:"travel_agent,support_agent" help:"Chat agents to advertise."`
	WidgetAgent string   `default:"widget_agent" help:"Name answering widget requests."`
	ThemeAgent  string   `default:"theme_agent" help:"Name answering theme requests."`
	Debug       bool     `help:"Debug logging."`
}

func main() {
	var c cli
	kong.Parse(&c, kong.Name("fake-agent"), kong.Description("Fake agent server speaking the cruse agent protocols."))

	level := slog.LevelInfo
	if c.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, c, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func directory(c cli) []negotiate.AgentInfo {
	agents := make([]negotiate.AgentInfo, 0, len(c.Agents)+2)
	for _, name := range c.Agents {
		agents = append(agents, negotiate.AgentInfo{
			Name:        name,
			Description: "Echoes messages with some markdown",
			Tags:        []string{"echo", "demo"},
		})
	}
	agents = append(agents,
		negotiate.AgentInfo{Name: c.WidgetAgent, Description: "Proposes forms", Tags: []string{"side-agent"}},
		negotiate.AgentInfo{Name: c.ThemeAgent, Description: "Proposes themes", Tags: []string{"side-agent"}},
	)
	return agents
}

func run(ctx context.Context, c cli, logger *slog.Logger) error {
	srv := newAgentServer(c.WidgetAgent, c.ThemeAgent, directory(c), logger)
	httpServer := &http.Server{
		Addr:              c.Addr,
		Handler:           srv.routes(c.WSPath),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("fake agent listening", "addr", c.Addr, "ws_path", c.WSPath, "agents", c.Agents)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcServer *grpc.Server
	if c.GRPCAddr != "" {
		ln, err := net.Listen("tcp", c.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", c.GRPCAddr, err)
		}
		grpcServer = grpc.NewServer()
		hs := grpchealth.NewServer()
		hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		healthpb.RegisterHealthServer(grpcServer, hs)
		go func() {
			logger.Info("grpc health listening", "addr", c.GRPCAddr)
			if err := grpcServer.Serve(ln); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	return runErr
}
