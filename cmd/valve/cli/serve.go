package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/faucetdb/valve/internal/alert"
	"github.com/faucetdb/valve/internal/config"
	"github.com/faucetdb/valve/internal/metrics"
	"github.com/faucetdb/valve/internal/model"
	"github.com/faucetdb/valve/internal/ratelimit"
	"github.com/faucetdb/valve/internal/scheduler"
	"github.com/faucetdb/valve/internal/server"
	"github.com/faucetdb/valve/internal/service"
	"github.com/faucetdb/valve/internal/usage"
)

const banner = `
__     ___    _ __     _______
\ \   / / \  | |\ \   / / ____|
 \ \ / / _ \ | | \ \ / /|  _|
  \ V / ___ \| |__\ V / | |___
   \_/_/   \_\_____\_/  |_____|
`

func newServeCmd() *cobra.Command {
	var background bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Valve API server",
		Long: `Start the HTTP server exposing the management API, the forward-auth
endpoint (/api/v1/auth/check), health probes and Prometheus metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if background {
				return startBackground()
			}
			return runServe()
		},
	}

	cmd.Flags().IntP("port", "p", 8080, "HTTP listen port")
	cmd.Flags().String("host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().Bool("demo", false, "Mount the /demo routes protected by the key gate")
	cmd.Flags().BoolVarP(&background, "background", "d", false, "Run the server detached and write a PID file")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))
	viper.BindPFlag("server.demo_routes", cmd.Flags().Lookup("demo"))

	return cmd
}

// startBackground re-executes the current binary without --background,
// detached from the terminal, with output appended to the log file.
func startBackground() error {
	if pid, err := readPID(); err == nil && isProcessRunning(pid) {
		return fmt.Errorf("server already running (PID %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	args := make([]string, 0, len(os.Args))
	for _, a := range os.Args[1:] {
		if a == "--background" || a == "-d" || a == "--background=true" {
			continue
		}
		args = append(args, a)
	}

	if err := os.MkdirAll(resolveDataDir(nil), 0755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(logFilePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	setSysProcAttr(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	if err := writePID(child.Process.Pid); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}

	fmt.Printf("Valve server started in background (PID %d)\n", child.Process.Pid)
	fmt.Printf("  Logs: %s\n", logFilePath())
	fmt.Println("  Stop: valve stop")
	return child.Process.Release()
}

func runServe() error {
	fmt.Print(banner)
	fmt.Println()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Persistent store
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	logger.Info("store initialized", "driver", store.Driver())

	templates, err := model.NewTemplateTable(cfg.Templates)
	if err != nil {
		store.Close()
		return fmt.Errorf("load templates: %w", err)
	}

	// 2. Services
	m := metrics.New()
	keys := service.NewKeyService(store, templates, logger)
	keys.SetMetrics(m)
	rotations := service.NewRotationManager(keys)

	jwtSecret := cfg.Auth.JWTSecret
	if jwtSecret == "" {
		jwtSecret = randomSecret()
		logger.Warn("auth.jwt_secret not set, using a random secret; admin sessions end when the server restarts")
	}
	authSvc := service.NewAuthService(store, jwtSecret, config.Duration(cfg.Auth.JWTExpiry, time.Hour))

	limiter, pruner, closeLimiter, err := newLimiter(ctx, cfg, logger, m)
	if err != nil {
		store.Close()
		return err
	}
	guard := service.NewGuard(keys, rotations, limiter, m)

	recorder := usage.NewRecorder(store, usage.RecorderConfig{
		BufferSize:    cfg.Usage.BufferSize,
		BatchSize:     cfg.Usage.BatchSize,
		FlushInterval: config.Duration(cfg.Usage.FlushInterval, time.Second),
		Logger:        logger,
		Metrics:       m,
	})
	recorder.Start()
	analytics := usage.NewAnalytics(store)

	notifiers := alert.Multi{alert.LogNotifier{Logger: logger}}
	var webhook *alert.WebhookNotifier
	if cfg.Alerts.WebhookURL != "" {
		webhook = alert.NewWebhookNotifier(cfg.Alerts.WebhookURL, config.Duration(cfg.Alerts.WebhookTimeout, 10*time.Second), logger)
		notifiers = append(notifiers, webhook)
		logger.Info("alert webhook enabled", "url", cfg.Alerts.WebhookURL)
	}
	evaluator := alert.NewEvaluator(store, alert.EvaluatorConfig{
		Window:   config.Duration(cfg.Alerts.Window, alert.DefaultWindow),
		Notifier: notifiers,
		Logger:   logger,
		Metrics:  m,
	})

	// 3. Background maintenance
	sched := scheduler.New(logger,
		scheduler.Task{
			Name:     "alert-evaluation",
			Interval: config.Duration(cfg.Alerts.Interval, time.Minute),
			Run: func(ctx context.Context) error {
				report, err := evaluator.Evaluate(ctx)
				if report.Triggered > 0 || report.Failed > 0 {
					logger.Info("alert cycle", "evaluated", report.Evaluated, "triggered", report.Triggered, "failed", report.Failed)
				}
				return err
			},
		},
		scheduler.Task{
			Name:     "rotation-sweep",
			Interval: time.Minute,
			Run: func(ctx context.Context) error {
				n, err := rotations.Sweep(ctx)
				if n > 0 {
					logger.Info("rotation grace periods ended", "revoked", n)
				}
				return err
			},
		},
		scheduler.Task{
			Name:     "usage-retention",
			Interval: retentionInterval(cfg.Usage.RetentionDays),
			Run: func(ctx context.Context) error {
				n, err := analytics.Prune(ctx, cfg.Usage.RetentionDays)
				if n > 0 {
					logger.Info("usage events pruned", "deleted", n, "retention_days", cfg.Usage.RetentionDays)
				}
				return err
			},
		},
		scheduler.Task{
			Name:     "limiter-prune",
			Interval: config.Duration(cfg.RateLimit.Window, ratelimit.DefaultWindow),
			Run: func(context.Context) error {
				pruner.Prune()
				return nil
			},
		},
	)
	sched.Start()
	logger.Info("scheduler started", "tasks", sched.Tasks())

	// 4. HTTP server
	srvCfg := server.DefaultConfig()
	srvCfg.Host = cfg.Server.Host
	srvCfg.Port = cfg.Server.Port
	srvCfg.ShutdownTimeout = config.Duration(cfg.Server.ShutdownTimeout, 30*time.Second)
	srvCfg.CORSOrigins = cfg.Server.CORS.Origins
	srvCfg.APIKeyHeader = cfg.Auth.APIKeyHeader
	srvCfg.LoginRatePerMinute = cfg.Auth.LoginRatePerMinute
	srvCfg.DemoRoutes = cfg.Server.DemoRoutes
	srvCfg.Version = versionString()

	srv := server.New(srvCfg, server.Deps{
		Store:     store,
		Auth:      authSvc,
		Keys:      keys,
		Rotations: rotations,
		Guard:     guard,
		Recorder:  recorder,
		Analytics: analytics,
		Rules:     alert.NewRules(store),
		Evaluator: evaluator,
		Metrics:   m,
	}, logger)

	// Hooks run in registration order once the listener has drained.
	srv.OnShutdown(func(context.Context) error {
		sched.Shutdown()
		return nil
	})
	srv.OnShutdown(func(context.Context) error {
		recorder.Shutdown()
		return nil
	})
	if webhook != nil {
		srv.OnShutdown(webhook.Shutdown)
	}
	srv.OnShutdown(func(context.Context) error { return closeLimiter() })
	srv.OnShutdown(func(context.Context) error { return store.Close() })

	if has, err := store.HasAnyAdmin(ctx); err == nil && !has {
		logger.Warn("no admin account exists, create one with: valve admin create")
	}

	logger.Info("starting valve",
		"version", versionString(),
		"address", fmt.Sprintf("%s:%d", srvCfg.Host, srvCfg.Port),
		"rate_limit_backend", cfg.RateLimit.Backend,
		"demo_routes", srvCfg.DemoRoutes,
	)
	return srv.ListenAndServe(ctx)
}

// newLimiter builds the configured rate limit backend. The returned pruner
// drops idle in-process windows; closeFn releases the backend.
func newLimiter(ctx context.Context, cfg *config.YAMLConfig, logger *slog.Logger, m *metrics.Metrics) (ratelimit.Limiter, interface{ Prune() int }, func() error, error) {
	window := config.Duration(cfg.RateLimit.Window, ratelimit.DefaultWindow)

	if cfg.RateLimit.Backend != "redis" {
		sw := ratelimit.NewSlidingWindow(window)
		return sw, sw, func() error { return nil }, nil
	}

	rc := cfg.RateLimit.Redis
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Address,
		Password: rc.Password,
		DB:       rc.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		// Not fatal: the breaker routes checks to the local window until
		// Redis answers.
		logger.Warn("redis unreachable at startup, rate limits are per instance until it recovers", "address", rc.Address, "error", err)
	}

	rl := ratelimit.NewRedisLimiter(client, ratelimit.RedisConfig{
		Window:           window,
		Prefix:           rc.Prefix,
		BreakerThreshold: rc.BreakerThreshold,
		BreakerTimeout:   config.Duration(rc.BreakerTimeout, 30*time.Second),
		Logger:           logger,
		Metrics:          m,
	})
	logger.Info("redis rate limiter enabled", "address", rc.Address, "prefix", rc.Prefix)
	return rl, rl, client.Close, nil
}

// retentionInterval disables the prune task when retention is unlimited.
func retentionInterval(days int) time.Duration {
	if days <= 0 {
		return 0
	}
	return time.Hour
}

func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return hex.EncodeToString(b)
}
