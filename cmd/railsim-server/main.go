package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/signalsfoundry/railsim/internal/config"
	"github.com/signalsfoundry/railsim/internal/httpapi"
	"github.com/signalsfoundry/railsim/internal/logging"
	"github.com/signalsfoundry/railsim/internal/observability"
	"github.com/signalsfoundry/railsim/internal/rpc"
	"github.com/signalsfoundry/railsim/internal/sim"
	"github.com/signalsfoundry/railsim/timectrl"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	httpAddr := flag.String("http-addr", "", "HTTP control address (overrides config)")
	grpcAddr := flag.String("grpc-addr", "", "gRPC control address (overrides config)")
	metricsAddr := flag.String("metrics-addr", "", "separate HTTP address for Prometheus /metrics; empty serves it on the control address")
	mode := flag.String("mode", "", "initial arbitration mode: centralized or ordered")
	autostart := flag.Bool("start", false, "start ticking immediately")
	flag.Parse()

	cfg, err := loadConfig(*configPath, os.LookupEnv)
	if err == nil {
		applyFlags(&cfg, *httpAddr, *grpcAddr, *metricsAddr, *mode)
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "railsim-server: %v\n", err)
		os.Exit(2)
	}

	log := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, listeners{}, *autostart); err != nil {
		log.Error(ctx, "railsim server exited", logging.Err(err))
		os.Exit(1)
	}
}

func loadConfig(path string, lookup func(string) (string, bool)) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func applyFlags(cfg *config.Config, httpAddr, grpcAddr, metricsAddr, mode string) {
	if httpAddr != "" {
		cfg.HTTPAddr = httpAddr
	}
	if grpcAddr != "" {
		cfg.GRPCAddr = grpcAddr
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	if mode != "" {
		cfg.Simulation.Mode = mode
	}
}

// listeners lets tests inject pre-bound sockets; nil fields are bound from
// the configured addresses.
type listeners struct {
	http net.Listener
	grpc net.Listener
}

func run(ctx context.Context, cfg config.Config, log logging.Logger, lis listeners, autostart bool) error {
	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFrom(cfg.Tracing), log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	control, err := observability.NewControlCollector(nil)
	if err != nil {
		return fmt.Errorf("control metrics: %w", err)
	}
	engineMetrics, err := observability.NewEngineCollector(nil)
	if err != nil {
		return fmt.Errorf("engine metrics: %w", err)
	}

	engine, err := sim.New(cfg.Simulation, log, sim.WithMetricsRecorder(engineMetrics))
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	if autostart {
		engine.Start(ctx)
	}

	if lis.http == nil {
		if lis.http, err = net.Listen("tcp", cfg.HTTPAddr); err != nil {
			return fmt.Errorf("listen http %s: %w", cfg.HTTPAddr, err)
		}
	}
	if lis.grpc == nil {
		if lis.grpc, err = net.Listen("tcp", cfg.GRPCAddr); err != nil {
			_ = lis.http.Close()
			return fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddr, err)
		}
	}

	httpOpts := []httpapi.Option{httpapi.WithMetrics(control)}
	var metricsSrv *http.Server
	if cfg.MetricsAddr == "" {
		httpOpts = append(httpOpts, httpapi.WithMetricsHandler(control.Handler()))
	} else {
		metricsSrv = serveMetrics(cfg.MetricsAddr, control, log)
	}
	httpSrv := &http.Server{
		Handler:           httpapi.NewServer(engine, log, httpOpts...),
		ReadHeaderTimeout: 5 * time.Second,
	}
	grpcSrv := rpc.NewServer(engine, rpc.ServerOptions{
		Log:       log,
		Collector: control,
		Tracing:   cfg.Tracing.Enabled,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	clock := timectrl.NewTimeController(time.Now(), cfg.Simulation.TickInterval.Duration, timectrl.RealTime)
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		engine.Run(runCtx, clock, 0)
	}()

	serveErr := make(chan error, 2)
	go func() {
		if err := httpSrv.Serve(lis.http); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := grpcSrv.Serve(lis.grpc); err != nil {
			serveErr <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	log.Info(ctx, "railsim server started",
		logging.String("http_addr", lis.http.Addr().String()),
		logging.String("grpc_addr", lis.grpc.Addr().String()),
		logging.String("mode", cfg.Simulation.Mode),
		logging.String("tick_interval", cfg.Simulation.TickInterval.String()),
	)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}

	log.Info(context.Background(), "shutting down railsim server")
	cancel()
	<-engineDone
	grpcSrv.GracefulStop()

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "http shutdown failed", logging.Err(err))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return runErr
}

func serveMetrics(addr string, collector *observability.ControlCollector, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
