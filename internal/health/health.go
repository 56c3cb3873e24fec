// ABOUTME: Connectivity probes for the agent server and the gateway
// ABOUTME: gRPC health checks and HTTP pings run concurrently with a shared deadline

package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// DefaultTimeout bounds each probe when the caller's context has no deadline.
const DefaultTimeout = 3 * time.Second

// ErrNotServing is returned when a gRPC health service answers with a status other than SERVING.
var ErrNotServing = errors.New("not serving")

// Probe checks one dependency and returns a short detail on success.
type Probe func(ctx context.Context) (string, error)

// Check names a probe and the target it reaches.
type Check struct {
	Name   string
	Target string
	Probe  Probe
}

// Result is the outcome of one Check.
type Result struct {
	Name    string
	Target  string
	OK      bool
	Detail  string
	Latency time.Duration
}

// Run executes every check concurrently and returns results in check order.
func Run(ctx context.Context, checks []Check) []Result {
	results := make([]Result, len(checks))

	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = run(ctx, c)
		}()
	}
	wg.Wait()

	return results
}

// Healthy reports whether every result is OK.
func Healthy(results []Result) bool {
	for _, r := range results {
		if !r.OK {
			return false
		}
	}
	return true
}

func run(ctx context.Context, c Check) Result {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	start := time.Now()
	detail, err := c.Probe(ctx)
	res := Result{Name: c.Name, Target: c.Target, Latency: time.Since(start)}
	if err != nil {
		res.Detail = err.Error()
		return res
	}
	res.OK = true
	res.Detail = detail
	return res
}

// GRPC returns a probe that calls grpc.health.v1.Health/Check on addr for service.
// An empty service asks about the server as a whole.
func GRPC(addr, service string) Probe {
	return func(ctx context.Context) (string, error) {
		conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return "", fmt.Errorf("dial %s: %w", addr, err)
		}
		defer conn.Close()

		resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			return "", fmt.Errorf("health check: %w", err)
		}
		status := resp.GetStatus()
		if status != healthpb.HealthCheckResponse_SERVING {
			return "", fmt.Errorf("%w: %s", ErrNotServing, status)
		}
		return status.String(), nil
	}
}

// HTTP returns a probe that GETs url and expects a 2xx response.
// A nil client uses http.DefaultClient.
func HTTP(client *http.Client, url string) Probe {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", fmt.Errorf("creating request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("get %s: %w", url, err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return "", fmt.Errorf("status %d", resp.StatusCode)
		}
		detail := strings.TrimSpace(string(body))
		if detail == "" {
			detail = resp.Status
		}
		return detail, nil
	}
}
