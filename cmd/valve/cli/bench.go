package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/faucetdb/valve/internal/config"
	"github.com/faucetdb/valve/internal/model"
	"github.com/faucetdb/valve/internal/ratelimit"
	"github.com/faucetdb/valve/internal/service"
)

type benchOptions struct {
	url         string
	key         string
	header      string
	method      string
	path        string
	duration    time.Duration
	concurrency int
}

func newBenchCmd() *cobra.Command {
	var opts benchOptions

	cmd := &cobra.Command{
		Use:     "bench",
		Aliases: []string{"benchmark"},
		Short:   "Benchmark authorization decision throughput",
		Long: `Run a load test of the key gate and report decisions per second, latency
percentiles and the outcome mix.

Without --url the gate runs in-process against an in-memory store with a
freshly created key. With --url and --key, concurrent requests are sent to a
running server's /api/v1/auth/check endpoint.`,
		Example: `  valve bench --duration 10s --concurrency 50
  valve bench --url http://localhost:8080 --key vlv_... --path /api/users --duration 30s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.concurrency < 1 {
				return fmt.Errorf("--concurrency must be at least 1")
			}
			if opts.url != "" && opts.key == "" {
				return fmt.Errorf("--key is required with --url")
			}
			return runBench(opts)
		},
	}

	cmd.Flags().StringVar(&opts.url, "url", "", "Base URL of a running valve server (in-process when omitted)")
	cmd.Flags().StringVar(&opts.key, "key", "", "Raw API key to authenticate with (required with --url)")
	cmd.Flags().StringVar(&opts.header, "header", "X-API-Key", "API key header name")
	cmd.Flags().StringVar(&opts.method, "method", "GET", "Method of the protected request")
	cmd.Flags().StringVar(&opts.path, "path", "/bench", "Path of the protected request")
	cmd.Flags().DurationVar(&opts.duration, "duration", 10*time.Second, "Test duration")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 10, "Number of concurrent workers")

	return cmd
}

// checkFunc performs one authorization attempt and returns its outcome.
type checkFunc func(ctx context.Context) (string, error)

func runBench(opts benchOptions) error {
	fmt.Print(banner)
	fmt.Println("Valve Benchmark")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	target := "in-process gate"
	if opts.url != "" {
		target = strings.TrimRight(opts.url, "/") + "/api/v1/auth/check"
	}
	fmt.Printf("Target: %s\n", target)
	fmt.Printf("Request: %s %s\n", opts.method, opts.path)
	fmt.Printf("Duration: %s | Concurrency: %d\n", opts.duration, opts.concurrency)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	memBefore := captureMemStats()

	var (
		check   checkFunc
		cleanup func()
		err     error
	)
	if opts.url != "" {
		check, cleanup = remoteCheck(opts)
	} else {
		check, cleanup, err = localCheck(opts)
		if err != nil {
			return err
		}
	}
	defer cleanup()

	fmt.Println("Running benchmark...")
	fmt.Println()
	res := runWorkers(context.Background(), check, opts.duration, opts.concurrency)
	memAfter := captureMemStats()

	fmt.Println("Results")
	fmt.Println("-------")
	fmt.Printf("  Total checks:   %d\n", res.total)
	fmt.Printf("  Errors:         %d\n", res.errors)
	fmt.Printf("  Checks/sec:     %.1f\n", float64(res.total)/opts.duration.Seconds())
	if len(res.latencies) > 0 {
		fmt.Printf("  Latency p50:    %s\n", percentile(res.latencies, 50))
		fmt.Printf("  Latency p95:    %s\n", percentile(res.latencies, 95))
		fmt.Printf("  Latency p99:    %s\n", percentile(res.latencies, 99))
		fmt.Printf("  Latency max:    %s\n", res.latencies[len(res.latencies)-1])
	}

	if len(res.outcomes) > 0 {
		fmt.Println()
		fmt.Println("Outcomes")
		fmt.Println("--------")
		names := make([]string, 0, len(res.outcomes))
		for name := range res.outcomes {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %-14s  %d\n", name+":", res.outcomes[name])
		}
	}

	fmt.Println()
	fmt.Println("Memory")
	fmt.Println("------")
	fmt.Printf("  Heap before:    %s\n", formatBytes(memBefore.HeapAlloc))
	fmt.Printf("  Heap after:     %s\n", formatBytes(memAfter.HeapAlloc))
	fmt.Printf("  RSS (sys) before: %s\n", formatBytes(memBefore.Sys))
	fmt.Printf("  RSS (sys) after:  %s\n", formatBytes(memAfter.Sys))
	return nil
}

// localCheck wires a guard over an in-memory store holding one key that is
// allowed the benchmarked request with a rate limit high enough not to
// interfere.
func localCheck(opts benchOptions) (checkFunc, func(), error) {
	store, err := config.NewStore("")
	if err != nil {
		return nil, nil, fmt.Errorf("open in-memory store: %w", err)
	}
	keys := service.NewKeyService(store, model.DefaultTemplates(), nil)
	rotations := service.NewRotationManager(keys)
	guard := service.NewGuard(keys, rotations, ratelimit.NewSlidingWindow(ratelimit.DefaultWindow), nil)

	limit := model.MaxRateLimit
	_, secret, err := keys.Create(context.Background(), service.CreateKeyInput{
		Name:        "bench",
		Permissions: []string{strings.ToUpper(opts.method) + ":" + opts.path},
		RateLimit:   &limit,
		CreatedBy:   "bench",
	})
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("create bench key: %w", err)
	}

	check := func(ctx context.Context) (string, error) {
		_, err := guard.Check(ctx, service.AccessRequest{
			Secret:     secret,
			Method:     opts.method,
			Path:       opts.path,
			RemoteAddr: "127.0.0.1",
		})
		outcome := service.Outcome(err)
		if outcome == "error" {
			return outcome, err
		}
		return outcome, nil
	}
	return check, func() { store.Close() }, nil
}

func remoteCheck(opts benchOptions) (checkFunc, func()) {
	transport := &http.Transport{
		MaxIdleConns:        opts.concurrency * 2,
		MaxIdleConnsPerHost: opts.concurrency * 2,
	}
	client := &http.Client{Timeout: 10 * time.Second, Transport: transport}
	endpoint := strings.TrimRight(opts.url, "/") + "/api/v1/auth/check"

	check := func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return "error", err
		}
		req.Header.Set(opts.header, opts.key)
		req.Header.Set("X-Original-Method", opts.method)
		req.Header.Set("X-Original-URI", opts.path)
		resp, err := client.Do(req)
		if err != nil {
			return "error", err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return http.StatusText(resp.StatusCode), nil
	}
	return check, transport.CloseIdleConnections
}

type benchResult struct {
	total     int64
	errors    int64
	latencies []time.Duration // sorted
	outcomes  map[string]int64
}

func runWorkers(ctx context.Context, check checkFunc, duration time.Duration, concurrency int) benchResult {
	var (
		total     atomic.Int64
		errCount  atomic.Int64
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, 100000)
		outcomes  = make(map[string]int64)
		wg        sync.WaitGroup
	)

	deadline := time.Now().Add(duration)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make(map[string]int64)
			var lats []time.Duration
			for time.Now().Before(deadline) {
				start := time.Now()
				outcome, err := check(ctx)
				elapsed := time.Since(start)

				total.Add(1)
				if err != nil {
					errCount.Add(1)
					continue
				}
				local[outcome]++
				lats = append(lats, elapsed)
			}
			mu.Lock()
			latencies = append(latencies, lats...)
			for k, v := range local {
				outcomes[k] += v
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	return benchResult{
		total:     total.Load(),
		errors:    errCount.Load(),
		latencies: latencies,
		outcomes:  outcomes,
	}
}

// percentile returns the p-th percentile of sorted latencies.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// memStats captures a snapshot of memory statistics for reporting.
type memStats struct {
	HeapAlloc uint64
	Sys       uint64
}

func captureMemStats() memStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return memStats{HeapAlloc: m.HeapAlloc, Sys: m.Sys}
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
