// Package grpc exposes the standard gRPC health service. Every registered
// index is a health service name; it serves while its catalog answers.
package grpc

import (
	"context"
	"log"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/arkilian/indexkeeper/internal/descriptor"
)

// ServicePrefix prefixes the per-index health service names.
const ServicePrefix = "indexkeeper.index/"

// Health tracks the serving status of every registered index.
type Health struct {
	registry *descriptor.Registry
	server   *health.Server
}

// NewHealth creates the health tracker. Indices start as NOT_SERVING until
// the first Check.
func NewHealth(registry *descriptor.Registry) *Health {
	h := &Health{registry: registry, server: health.NewServer()}
	for _, ix := range registry.All() {
		h.server.SetServingStatus(ServicePrefix+ix.Name(), healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return h
}

// NewServer creates a gRPC server carrying the health service.
func (h *Health) NewServer(opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s, h.server)
	reflection.Register(s)
	return s
}

// Check resolves the current version of every index and updates its status.
// The overall status serves when every index does.
func (h *Health) Check(ctx context.Context) {
	overall := healthpb.HealthCheckResponse_SERVING
	for _, ix := range h.registry.All() {
		status := healthpb.HealthCheckResponse_SERVING
		if _, err := ix.GetCurrentVersion(ctx); err != nil {
			log.Printf("grpc: health check of %s failed: %v", ix.Name(), err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
			overall = status
		}
		h.server.SetServingStatus(ServicePrefix+ix.Name(), status)
	}
	h.server.SetServingStatus("", overall)
}

// Run checks every interval until ctx is done.
func (h *Health) Run(ctx context.Context, interval time.Duration) {
	h.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}

// Shutdown marks every service NOT_SERVING.
func (h *Health) Shutdown() {
	h.server.Shutdown()
}
