package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/task_relay/internal/config"
	"github.com/austindbirch/task_relay/internal/health"
	"github.com/austindbirch/task_relay/internal/logging"
	"github.com/austindbirch/task_relay/internal/metrics"
	"github.com/austindbirch/task_relay/internal/node"
	"github.com/austindbirch/task_relay/internal/tracing"
)

const (
	healthInterval  = 10 * time.Second
	shutdownTimeout = 30 * time.Second
)

func main() {
	cfgPath := flag.String("config", os.Getenv("TASK_RELAY_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewWithLevel(cfg.App.Name, logging.ParseLevel(cfg.App.LogLevel))
	defer logger.Sync()

	httpLis, err := net.Listen("tcp", cfg.App.HTTPPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("HTTP listen failed")
	}
	grpcLis, err := net.Listen("tcp", cfg.App.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("gRPC listen failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, logger, httpLis, grpcLis); err != nil {
		logger.Plain().WithError(err).Fatal("relayd stopped with error")
	}
	logger.Plain().Info("relayd stopped")
}

// run serves until ctx is done. Leases are released before the servers stop
// so peers see the tasks go away while this node still answers health checks.
func run(ctx context.Context, cfg config.Config, logger *logging.Logger, httpLis, grpcLis net.Listener) error {
	// the exporter must still flush after ctx is cancelled
	shutdownTracing, err := tracing.InitTracing(context.WithoutCancel(ctx), cfg.App.Name, cfg.App.OTLPEndpoint, cfg.App.TracingEnabled)
	if err != nil {
		_ = httpLis.Close()
		_ = grpcLis.Close()
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

	n, err := node.Start(ctx, cfg, logger)
	if err != nil {
		_ = httpLis.Close()
		_ = grpcLis.Close()
		return fmt.Errorf("start node: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.MustRegister(reg)

	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)

	httpSrv := &http.Server{
		Handler:           newMux(n, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Plain().WithField("addr", grpcLis.Addr().String()).Info("relayd gRPC listening")
		if err := grpcSrv.Serve(grpcLis); !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Plain().WithField("addr", httpLis.Addr().String()).Info("relayd HTTP listening")
		if err := httpSrv.Serve(httpLis); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		health.WatchGRPC(gctx, hs, n.Checks, healthInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Plain().WithNode(n.Manager.NodeID()).Info("shutting down relay node")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		err := n.Close(shutdownCtx)
		grpcSrv.GracefulStop()
		return errors.Join(err, httpSrv.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

func newMux(n *node.Node, reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(n.Checks))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}
