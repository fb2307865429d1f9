// Package main runs the lighthouse: the failure detector and quorum former
// for a fleet of training replicas, served over HTTP and gRPC.
//
// Architecture:
//
//	┌──────────────────────────────────────────┐
//	│               Lighthouse                 │
//	├──────────────────────────────────────────┤
//	│  HTTP (LIGHTHOUSE_HTTP_ADDR):            │
//	│    POST /heartbeat  POST /join           │
//	│    GET  /failures/subscribe  (NDJSON)    │
//	│    GET  /status  /health  /metrics       │
//	│  gRPC (LIGHTHOUSE_GRPC_ADDR):            │
//	│    lighthouse.v1.Lighthouse + health     │
//	├──────────────────────────────────────────┤
//	│  failure detector  every failure_tick    │
//	│  quorum former     every quorum_tick     │
//	└──────────────────────────────────────────┘
//
// Configuration is read from the YAML file named by LIGHTHOUSE_CONFIG_PATH
// (optional); see internal/conf for the fields.
//
// Example usage:
//
//	LIGHTHOUSE_CONFIG_PATH=/etc/lighthouse.yaml ./lighthouse
//
//	curl localhost:29510/status
//	curl -N localhost:29510/failures/subscribe
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/lighthouse/internal/common"
	"github.com/dreamware/lighthouse/internal/conf"
	"github.com/dreamware/lighthouse/internal/lighthouse"
	"github.com/dreamware/lighthouse/internal/rpc"
)

var logger = common.InitLogger()

func main() {
	cfg, err := conf.LoadServerConfigFromEnv()
	if err != nil {
		logger.Error(err, "Failed to load configuration")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error(err, "Lighthouse exited with error")
		os.Exit(1)
	}
	logger.Info("Lighthouse exited")
}

// run opens the configured listeners and serves until ctx is canceled.
func run(ctx context.Context, cfg *conf.ServerConfig) error {
	var httpLis, grpcLis net.Listener
	var err error
	if cfg.HTTPAddr != "" {
		if httpLis, err = net.Listen("tcp", cfg.HTTPAddr); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.HTTPAddr, err)
		}
	}
	if cfg.GRPCAddr != "" {
		if grpcLis, err = net.Listen("tcp", cfg.GRPCAddr); err != nil {
			if httpLis != nil {
				httpLis.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", cfg.GRPCAddr, err)
		}
	}
	return serve(ctx, cfg, httpLis, grpcLis)
}

// serve runs the lighthouse behind whichever listeners are non-nil. When ctx
// ends, or either server fails, it stops the lighthouse first, which releases
// held joins and ends failure streams, then drains both servers within the
// shutdown timeout.
func serve(ctx context.Context, cfg *conf.ServerConfig, httpLis, grpcLis net.Listener) error {
	lh, err := lighthouse.New(cfg.Lighthouse())
	if err != nil {
		return err
	}
	var httpSrv *rpc.HTTPServer
	var grpcSrv *rpc.GRPCServer

	g, gctx := errgroup.WithContext(ctx)
	lh.Start(gctx)

	if httpLis != nil {
		httpSrv = rpc.NewHTTPServer(lh, httpLis.Addr().String())
		g.Go(func() error { return httpSrv.Serve(httpLis) })
	}
	if grpcLis != nil {
		grpcSrv = rpc.NewGRPCServer(lh, grpcLis.Addr().String())
		g.Go(func() error { return grpcSrv.Serve(grpcLis) })
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down lighthouse", "timeout", cfg.ShutdownTimeout())
		lh.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		var errs []error
		if httpSrv != nil {
			errs = append(errs, httpSrv.Shutdown(shutdownCtx))
		}
		if grpcSrv != nil {
			errs = append(errs, grpcSrv.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}
