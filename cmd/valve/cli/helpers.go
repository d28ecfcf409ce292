package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/faucetdb/valve/internal/config"
	"github.com/faucetdb/valve/internal/model"
	"github.com/faucetdb/valve/internal/service"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// resolveDataDir returns the data directory from --data-dir flag,
// VALVE_DATA_DIR env var, store.data_dir in the config file, or ~/.valve
// as fallback.
func resolveDataDir(cfg *config.YAMLConfig) string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := os.Getenv("VALVE_DATA_DIR"); envDir != "" {
		return envDir
	}
	if cfg != nil && cfg.Store.DataDir != "" {
		return cfg.Store.DataDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".valve")
}

// openStore opens the configured store, defaulting to SQLite under the data
// directory.
func openStore(cfg *config.YAMLConfig) (*config.Store, error) {
	store, err := config.Open(config.StoreOptions{
		Driver:  cfg.Store.Driver,
		DSN:     cfg.Store.DSN,
		DataDir: resolveDataDir(cfg),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// cliEnv is the service graph shared by the management subcommands.
type cliEnv struct {
	cfg       *config.YAMLConfig
	store     *config.Store
	keys      *service.KeyService
	rotations *service.RotationManager
	logger    *slog.Logger
}

// openEnv loads config and opens the store. Callers must Close the result.
func openEnv() (*cliEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	templates, err := model.NewTemplateTable(cfg.Templates)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	logger := newLogger(cfg.Logging, os.Stderr)
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	keys := service.NewKeyService(store, templates, logger)
	return &cliEnv{
		cfg:       cfg,
		store:     store,
		keys:      keys,
		rotations: service.NewRotationManager(keys),
		logger:    logger,
	}, nil
}

func (e *cliEnv) Close() error {
	return e.store.Close()
}

// resolveKey finds a key by ID, or by its display prefix when the prefix is
// unambiguous.
func (e *cliEnv) resolveKey(ctx context.Context, ref string) (*model.APIKey, error) {
	key, err := e.keys.Get(ctx, ref)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, service.ErrNotFound) {
		return nil, err
	}

	all, err := e.keys.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var match *model.APIKey
	for i := range all {
		if all[i].KeyPrefix != ref {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("prefix %q matches more than one key, use the key ID", ref)
		}
		match = &all[i]
	}
	if match == nil {
		return nil, fmt.Errorf("no API key with ID or prefix %q", ref)
	}
	return match, nil
}

// describeErr turns service errors into CLI messages.
func describeErr(err error) error {
	var verr *service.ValidationError
	if errors.As(err, &verr) {
		var b strings.Builder
		b.WriteString("invalid input:")
		for _, field := range sortedKeys(verr.Fields) {
			fmt.Fprintf(&b, "\n  %s: %s", field, verr.Fields[field])
		}
		return errors.New(b.String())
	}
	return err
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// parseExpiry accepts an RFC 3339 timestamp, a date, or a relative duration
// such as 720h or 30d.
func parseExpiry(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	if strings.HasSuffix(s, "d") {
		if days, err := strconv.Atoi(strings.TrimSuffix(s, "d")); err == nil && days > 0 {
			return now.UTC().AddDate(0, 0, days), nil
		}
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return now.UTC().Add(d), nil
	}
	return time.Time{}, fmt.Errorf("invalid expiry %q (use RFC 3339, YYYY-MM-DD, or a duration like 720h or 30d)", s)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// --- PID file management ---

func pidFilePath() string {
	return filepath.Join(resolveDataDir(nil), "valve.pid")
}

func writePID(pid int) error {
	dir := resolveDataDir(nil)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(pid)), 0644)
}

func readPID() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePID() {
	os.Remove(pidFilePath())
}

func logFilePath() string {
	return filepath.Join(resolveDataDir(nil), "valve.log")
}

// localAddr returns the loopback base URL of the configured server.
func localAddr(host string, port int) string {
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
