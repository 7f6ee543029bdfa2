// Package cmd defines the tunneld Cobra command and wires together
// configuration, logging, metrics, and the tunnel coordinator.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tunneld/tunneld/internal/config"
	"github.com/tunneld/tunneld/internal/metrics"
	"github.com/tunneld/tunneld/internal/transport"
	"github.com/tunneld/tunneld/internal/tunnel"
)

// version is injected at build time via -ldflags
// (e.g. -ldflags "-X github.com/tunneld/tunneld/internal/cmd.version=v1.2.3").
var version = "devel"

// NewServerCommand builds the root tunneld command.
func NewServerCommand(conf *config.Config) (*cobra.Command, error) {
	c := &cobra.Command{
		Use:           "tunneld",
		Short:         "tunneld: a reverse-tunneling server for exposing services behind NAT.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), conf)
		},
	}

	if err := conf.BindFlags(c.Flags(), config.ServerOptions); err != nil {
		return nil, err
	}

	return c, nil
}

func run(ctx context.Context, conf *config.Config) error {
	initLogger(conf.LogLevel())

	domains := conf.Domains()
	defaultDomain := ""
	if len(domains) > 0 {
		defaultDomain = domains[0]
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	coordinator, err := tunnel.NewCoordinator(tunnel.Config{
		ControlAddress:      conf.ControlAddress(),
		VHTTPAddress:        conf.VHTTPAddress(),
		VHTTPDefaultDomain:  defaultDomain,
		VHTTPBehindProxyTLS: conf.VHTTPBehindProxyTLS(),
		PortRangeLow:        conf.PortRangeLow(),
		PortRangeHigh:       conf.PortRangeHigh(),
	}, m, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to initialize coordinator: %w", err)
	}

	metricsSrv := newMetricsServer(conf.MetricsAddress(), reg)

	listeners := append(coordinator.Listeners(), metricsSrv)
	return transport.Serve(ctx, listeners...)
}

// initLogger installs a text slog handler at the configured level as
// the process-wide default logger.
func initLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// metricsServer exposes the Prometheus registry over HTTP and
// implements transport.Listener so it can run alongside the tunnel
// listeners under the same shutdown coordination.
type metricsServer struct {
	srv *http.Server
}

func newMetricsServer(address string, reg *prometheus.Registry) *metricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &metricsServer{srv: &http.Server{Addr: address, Handler: mux}}
}

func (m *metricsServer) Start(ctx context.Context) error {
	slog.Info("starting", "component", "metrics-server", "address", m.srv.Addr)
	err := m.srv.ListenAndServe()
	if err == http.ErrServerClosed || ctx.Err() != nil {
		return nil
	}
	return err
}

func (m *metricsServer) Stop(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
