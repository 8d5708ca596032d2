// Command mcpx-gateway runs the loopback MCP gateway daemon: it reads
// a YAML configuration describing HTTP and stdio upstreams, merges
// their tool/resource/prompt catalogs, and namespaces calls back out
// to the right upstream.
//
// Wiring order and graceful-shutdown idiom are grounded on the
// donor's gateway/main.go (flag parse → component construction →
// mux registration → listener → signal-driven shutdown), generalized
// from a single always-on subprocess proxy to a configurable
// multi-upstream router.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mcpx/gateway/internal/config"
	"github.com/mcpx/gateway/internal/gatewayhttp"
	"github.com/mcpx/gateway/internal/httpcaller"
	"github.com/mcpx/gateway/internal/metrics"
	"github.com/mcpx/gateway/internal/oauthproxy"
	"github.com/mcpx/gateway/internal/router"
	"github.com/mcpx/gateway/internal/secretref"
	"github.com/mcpx/gateway/internal/stdiopool"
)

func main() {
	configPath := flag.String("config", "mcpx.yaml", "path to the gateway's YAML configuration file")
	listen := flag.String("listen", "", "override gateway.port from config, e.g. 127.0.0.1:8765")
	metricsAddr := flag.String("metrics-addr", "", "address for the unauthenticated Prometheus /metrics listener (disabled if empty)")
	flag.Parse()

	logger := newLogger()
	slog.SetDefault(logger)

	cfgSource := config.FileSource{Path: *configPath}
	snap, err := cfgSource.Snapshot(context.Background())
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	addr := *listen
	if addr == "" {
		port := snap.Gateway.Port
		if port == 0 {
			port = 8765
		}
		addr = net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	}

	reg := metrics.New()

	pool := stdiopool.New(logger)
	pool.PoolSize = reg.StdioPoolSize
	defer pool.Shutdown()

	secrets := secretref.Store(secretref.NoStore{})
	upstreamRouter := router.New(httpcaller.New(logger), pool, logger)
	upstreamRouter.CallErrors = reg.UpstreamCallErrors
	upstreamRouter.CallLatency = reg.UpstreamCallLatency

	front := &gatewayhttp.Front{
		Config:     cfgSource,
		Secrets:    secrets,
		Pool:       pool,
		Merger:     &router.CatalogMerger{Router: upstreamRouter},
		CallRouter: &router.CallRouter{Router: upstreamRouter},
		OAuth:      oauthproxy.New(),
		Metrics:    reg,
		Log:        logger,
		ExpectedToken: func(ctx context.Context) (string, error) {
			current, err := cfgSource.Snapshot(ctx)
			if err != nil {
				return "", err
			}
			return secretref.Resolve(ctx, nil, current.Gateway.LocalTokenRef)
		},
	}

	server := &http.Server{
		Addr:         addr,
		Handler:      front,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("listen", "addr", addr, "error", err)
		os.Exit(1)
	}
	logger.Info("mcpx gateway listening", "addr", addr)

	var metricsServer *http.Server
	if *metricsAddr != "" {
		metricsServer = &http.Server{Addr: *metricsAddr, Handler: reg.Handler()}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
		logger.Info("metrics listening", "addr", *metricsAddr)
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(ctx)
	if metricsServer != nil {
		metricsServer.Shutdown(ctx)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("MCPX_GATEWAY_DEBUG") == "1" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

