package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/auditchain/pkg/api"
	"github.com/Mindburn-Labs/auditchain/pkg/observability"
)

const shutdownTimeout = 10 * time.Second

// listen is replaced in tests.
var listen = func(addr string) (net.Listener, error) { return net.Listen("tcp", addr) }

// runServeCmd implements `auditchain serve`. It blocks until SIGINT or
// SIGTERM, then drains in-flight requests.
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, args, stdout, stderr)
}

func serve(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var configPath, addr string
	cmd.StringVar(&configPath, "config", "", "YAML config file")
	cmd.StringVar(&addr, "addr", "", "Listen address (overrides AUDITCHAIN_HTTP_ADDR)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	a, err := newApp(ctx, configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = a.close() }()
	if addr == "" {
		addr = a.cfg.HTTPAddr
	}

	tel := a.cfg.Telemetry
	provider, err := observability.New(ctx, &observability.Config{
		ServiceName:    "auditchain",
		ServiceVersion: version,
		Environment:    tel.Environment,
		OTLPEndpoint:   tel.Endpoint,
		SampleRate:     tel.SampleRate,
		BatchTimeout:   5 * time.Second,
		MetricInterval: 30 * time.Second,
		Enabled:        tel.Enabled,
		Insecure:       tel.Insecure,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: telemetry: %v\n", err)
		return 2
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(sctx); err != nil {
			a.logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	limiter := api.NewTenantRateLimiter(a.cfg.RateLimit.RPS, a.cfg.RateLimit.Burst)
	go limiter.Run(ctx)

	handler := api.NewServer(a.svc,
		api.WithRateLimiter(limiter),
		api.WithProvider(provider),
		api.WithServerLogger(a.logger),
	).Handler()

	ln, err := listen(addr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: listen %s: %v\n", addr, err)
		return 2
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	a.logger.Info("auditchain listening",
		"addr", ln.Addr().String(),
		"store", a.cfg.Store.Driver,
		"algorithm", a.cfg.Algorithm(),
		"telemetry", tel.Enabled,
	)
	_, _ = fmt.Fprintf(stdout, "auditchain listening on %s\n", ln.Addr())

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			_, _ = fmt.Fprintf(stderr, "Error: serve: %v\n", err)
			return 2
		}
		return 0
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: shutdown: %v\n", err)
		return 2
	}
	a.logger.Info("auditchain stopped")
	return 0
}
