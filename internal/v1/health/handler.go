// Package health exposes Kubernetes-style liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/curasync/collab-gateway/internal/v1/bus"
	"github.com/curasync/collab-gateway/internal/v1/logging"
	"github.com/curasync/collab-gateway/internal/v1/pool"
)

// DocSyncChecker probes the external document-sync service.
type DocSyncChecker interface {
	Check(ctx context.Context, addr string) string
}

// DefaultDocSyncChecker probes doc-sync over the standard gRPC health
// protocol.
type DefaultDocSyncChecker struct{}

// Check verifies gRPC connectivity to the doc-sync service.
func (c *DefaultDocSyncChecker) Check(ctx context.Context, addr string) string {
	conn, err := grpc.NewClient(
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		logging.Error(ctx, "Failed to connect to doc-sync for health check", zap.Error(err), zap.String("addr", addr))
		return "unhealthy"
	}
	defer func() { _ = conn.Close() }()

	healthClient := healthpb.NewHealthClient(conn)
	resp, err := healthClient.Check(ctx, &healthpb.HealthCheckRequest{
		Service: "", // Empty string checks overall server health
	})
	if err != nil {
		logging.Error(ctx, "doc-sync health check RPC failed", zap.Error(err))
		return "unhealthy"
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		logging.Warn(ctx, "doc-sync is not serving", zap.String("status", resp.Status.String()))
		return "unhealthy"
	}
	return "healthy"
}

// Handler manages health check endpoints.
type Handler struct {
	redisService   *bus.Service
	pool           *pool.Pool
	staleThreshold time.Duration
	docSyncAddr    string
	docSyncEnabled bool
	docSyncChecker DocSyncChecker
}

// NewHandler creates a new health check handler. docSyncAddr may be empty
// when the doc-sync probe is disabled.
func NewHandler(redisService *bus.Service, p *pool.Pool, staleThreshold time.Duration, docSyncAddr string, docSyncEnabled bool) *Handler {
	return &Handler{
		redisService:   redisService,
		pool:           p,
		staleThreshold: staleThreshold,
		docSyncAddr:    docSyncAddr,
		docSyncEnabled: docSyncEnabled,
		docSyncChecker: &DefaultDocSyncChecker{},
	}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status      string            `json:"status"`
	Checks      map[string]string `json:"checks"`
	Connections *pool.Stats       `json:"connections,omitempty"`
	Timestamp   string            `json:"timestamp"`
}

// Liveness handles GET /health/live. Returns 200 if the process is alive,
// with no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. Returns 200 only when all critical
// dependencies are healthy, 503 otherwise. The payload carries a point in
// time summary of the connection pool.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	if h.docSyncEnabled {
		docSyncStatus := h.docSyncChecker.Check(ctx, h.docSyncAddr)
		checks["doc_sync"] = docSyncStatus
		if docSyncStatus != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if h.pool != nil {
		stats := h.pool.Stats(h.staleThreshold)
		response.Connections = &stats
	}

	c.JSON(statusCode, response)
}

// checkRedis verifies Redis connectivity using PING. A nil service means
// single-instance mode and counts as healthy.
func (h *Handler) checkRedis(ctx context.Context) string {
	if h.redisService == nil {
		return "healthy"
	}
	if err := h.redisService.Ping(ctx); err != nil {
		logging.Error(ctx, "Redis health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
