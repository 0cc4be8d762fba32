// Package grpcserver exposes the standard gRPC health service for settlementd,
// backed by probes of the database and the chain provider.
package grpcserver

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	defaultProbeInterval = 15 * time.Second
	probeTimeout         = 5 * time.Second
)

// Probe reports whether a dependency is usable.
type Probe func(ctx context.Context) error

// HealthServer serves grpc.health.v1.Health. Each probe is a named service;
// the empty service name is SERVING only while every probe passes.
type HealthServer struct {
	server   *grpc.Server
	health   *health.Server
	probes   map[string]Probe
	names    []string
	interval time.Duration
	logger   *zap.Logger

	mutex   sync.Mutex
	failing map[string]bool
}

// New builds a health server. A non-positive interval uses the default.
func New(probes map[string]Probe, interval time.Duration, logger *zap.Logger) *HealthServer {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	names := make([]string, 0, len(probes))
	for name := range probes {
		names = append(names, name)
	}
	sort.Strings(names)

	healthServer := health.NewServer()
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	return &HealthServer{
		server:   grpcServer,
		health:   healthServer,
		probes:   probes,
		names:    names,
		interval: interval,
		logger:   logger,
		failing:  map[string]bool{},
	}
}

// Refresh runs every probe once and publishes the resulting statuses.
func (server *HealthServer) Refresh(ctx context.Context) {
	overall := healthpb.HealthCheckResponse_SERVING
	for _, name := range server.names {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := server.probes[name](probeCtx)
		cancel()

		status := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			overall = healthpb.HealthCheckResponse_NOT_SERVING
		}
		server.health.SetServingStatus(name, status)
		server.logTransition(name, err)
	}
	server.health.SetServingStatus("", overall)
}

func (server *HealthServer) logTransition(name string, err error) {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	wasFailing := server.failing[name]
	switch {
	case err != nil && !wasFailing:
		server.logger.Warn("dependency unhealthy", zap.String("dependency", name), zap.Error(err))
	case err == nil && wasFailing:
		server.logger.Info("dependency recovered", zap.String("dependency", name))
	}
	server.failing[name] = err != nil
}

// Serve probes on a ticker and serves on listener until ctx is cancelled.
func (server *HealthServer) Serve(ctx context.Context, listener net.Listener) error {
	server.Refresh(ctx)
	go server.probeLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("gRPC health server starting", zap.String("listen_addr", listener.Addr().String()))
		errCh <- server.server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		server.health.Shutdown()
		server.server.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}

func (server *HealthServer) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(server.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			server.Refresh(ctx)
		}
	}
}
