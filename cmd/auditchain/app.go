package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/Mindburn-Labs/auditchain/pkg/audit"
	"github.com/Mindburn-Labs/auditchain/pkg/config"
	"github.com/Mindburn-Labs/auditchain/pkg/ledger"
	"github.com/Mindburn-Labs/auditchain/pkg/observability"
)

// loadConfig reads the process environment, with path overriding
// AUDITCHAIN_CONFIG_FILE when set.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	environ := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			environ[k] = v
		}
	}
	environ[config.FileEnv] = path
	return config.LoadFrom(environ)
}

// openStore opens the configured backend. The returned close func releases
// its connections.
func openStore(ctx context.Context, cfg config.StoreConfig) (ledger.Store, func() error, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return ledger.NewMemoryStore(), func() error { return nil }, nil
	case config.DriverSQLite:
		s, err := ledger.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverPostgres:
		s, err := ledger.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverRedis:
		client := ledger.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
		}
		return ledger.NewRedisStore(client, cfg.RedisPrefix), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// app is everything a command needs to talk to the ledger.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	svc    *audit.Service
	close  func() error
}

func newApp(ctx context.Context, configPath string, logOut io.Writer) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, logOut)
	if err != nil {
		return nil, err
	}

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	l, err := ledger.New(store, ledger.Options{
		Algorithm:     cfg.Algorithm(),
		MaxAttempts:   cfg.Ledger.MaxAttempts,
		StrictTenants: cfg.Ledger.StrictTenants,
		PageSize:      cfg.Ledger.PageSize,
		Logger:        logger,
	})
	if err != nil {
		_ = closeStore()
		return nil, err
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		svc:    audit.NewService(l, audit.WithLogger(logger)),
		close:  closeStore,
	}, nil
}
