package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"frame-rpc/config"
	"frame-rpc/middleware"
	"frame-rpc/server"
)

type greetConn struct {
	Path string `json:"path"`
}

type greetData struct {
	Name string `json:"name"`
}

// greet is the demo renderer: "Hello, <name>! You went to <path>."
func greet(conn, data json.RawMessage) (any, error) {
	var c greetConn
	var d greetData
	if len(conn) > 0 {
		if err := json.Unmarshal(conn, &c); err != nil {
			return nil, fmt.Errorf("conn: %w", err)
		}
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("data: %w", err)
		}
	}
	if d.Name == "" {
		return nil, errors.New("data.name is required")
	}
	return fmt.Sprintf("Hello, %s! You went to %s.", d.Name, c.Path), nil
}

func serveCmd() *cobra.Command {
	var (
		address     string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the greeting render server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			if address != "" {
				cfg.Server.Address = address
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, metricsAddr, logger)
		},
	}
	cmd.Flags().StringVarP(&address, "address", "a", "", "Listen address (overrides server.address)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}

func runServer(ctx context.Context, cfg *config.Config, metricsAddr string, logger *zap.Logger) error {
	var opts []server.Option
	opts = append(opts, server.WithLogger(logger))

	reg, err := openRegistry(cfg, logger)
	if err != nil {
		return err
	}
	if reg != nil {
		defer reg.Close()
		opts = append(opts, server.WithRegistry(reg, cfg.Server.Service, cfg.Server.AdvertiseAddr(), cfg.Registry.TTL.Duration))
	}

	metricsReg := prometheus.NewRegistry()
	svr := server.NewServer(server.Sync(greet), opts...)
	if err := useLimits(svr, cfg.Limits, metricsReg, logger); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svr.Listen(cfg.Server.Network, cfg.Server.Address, func(addr net.Addr) {
			logger.Info("ready", zap.Stringer("addr", addr), zap.String("service", cfg.Server.Service))
		})
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		return svr.Shutdown(cfg.Server.ShutdownTimeout.Duration)
	})

	if metricsAddr != "" {
		hs := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return hs.Close()
		})
	}

	return g.Wait()
}

// useLimits installs the render middleware. The outermost layer sees every request,
// so logging and metrics wrap rate limiting, which wraps retries around the timed render.
func useLimits(svr *server.Server, limits config.LimitsConfig, reg prometheus.Registerer, logger *zap.Logger) error {
	metrics, err := middleware.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	svr.Use(middleware.LoggingMiddleware(logger))
	svr.Use(middleware.MetricsMiddleware(metrics))
	if limits.Rate > 0 {
		svr.Use(middleware.RateLimitMiddleware(limits.Rate, limits.Burst))
	}
	if limits.Retries > 0 {
		svr.Use(middleware.RetryMiddleware(limits.Retries, 50*time.Millisecond, logger))
	}
	if limits.RenderTimeout.Duration > 0 {
		svr.Use(middleware.TimeOutMiddleware(limits.RenderTimeout.Duration))
	}
	return nil
}
