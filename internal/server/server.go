package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	v1 "github.com/aevon-lab/trafficwatch/internal/api/v1"
	"github.com/aevon-lab/trafficwatch/internal/device"
	"github.com/aevon-lab/trafficwatch/internal/partition"
	"github.com/aevon-lab/trafficwatch/internal/pipeline"
	"github.com/aevon-lab/trafficwatch/internal/scheduler"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	healthTimeout   = 2 * time.Second
	shutdownTimeout = 5 * time.Second
)

// HealthChecker is an interface for components that can report their health status.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Streams is the pipeline surface: push ingest routes into it and /health
// reads it. Implemented by *pipeline.Router.
type Streams interface {
	Route(rec v1.Record) error
	Health() []pipeline.Health
}

// Jobs is implemented by *scheduler.Scheduler.
type Jobs interface {
	Items() []scheduler.FixedJobItem
}

// Devices is implemented by *device.Manager.
type Devices interface {
	Decoder() *device.Decoder
	Stats() []device.ConnStats
}

// Deps are the components the HTTP surface reports on and forwards to. Nil
// members are skipped by /health; push ingest needs Streams and Devices,
// series queries need Rotation.
type Deps struct {
	DB            HealthChecker
	Streams       Streams
	Jobs          Jobs
	Devices       Devices
	Rotation      *partition.Rotation
	MaxBodySizeMB int
}

type Server struct {
	Engine *gin.Engine
	Addr   string

	deps         Deps
	maxBodyBytes int64
}

// HealthReport is the /health response body.
type HealthReport struct {
	Status    string                   `json:"status"`
	Database  string                   `json:"database"`
	Pipelines []pipeline.Health        `json:"pipelines,omitempty"`
	Jobs      []scheduler.FixedJobItem `json:"jobs,omitempty"`
	Devices   []device.ConnStats       `json:"devices,omitempty"`
	Rotation  *partition.Status        `json:"rotation,omitempty"`
	Problems  []string                 `json:"problems,omitempty"`
}

func New(addr, mode string, deps Deps) *Server {
	// Set Gin mode based on configuration
	if mode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if deps.MaxBodySizeMB <= 0 {
		deps.MaxBodySizeMB = 1
	}

	r := gin.Default()

	s := &Server{
		Engine:       r,
		Addr:         addr,
		deps:         deps,
		maxBodyBytes: int64(deps.MaxBodySizeMB) * 1024 * 1024,
	}

	r.GET("/health", s.healthHandler)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/v1/records", s.IngestHandler)
	r.GET("/v1/series/:kind/:entity", s.SeriesHandler)

	return s
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	report := s.health(ctx)
	if report.Status != "healthy" {
		slog.Warn("[Server] Health check failed", "problems", report.Problems)
		c.JSON(http.StatusServiceUnavailable, report)
		return
	}
	c.JSON(http.StatusOK, report)
}

// health collects every dependency's state. Disconnected devices are
// reported but do not make the service unhealthy; the feed retries on its
// own and nothing an operator restarts here would fix it.
func (s *Server) health(ctx context.Context) HealthReport {
	report := HealthReport{Database: "not configured"}

	if s.deps.DB != nil {
		if err := s.deps.DB.Ping(ctx); err != nil {
			slog.Error("[Server] Health check: database unreachable", "error", err)
			report.Database = "unreachable"
			report.Problems = append(report.Problems, "database unreachable")
		} else {
			report.Database = "connected"
		}
	}

	if s.deps.Streams != nil {
		report.Pipelines = s.deps.Streams.Health()
		for _, h := range report.Pipelines {
			if !h.Healthy {
				report.Problems = append(report.Problems, "pipeline "+h.Kind+" unhealthy")
			}
		}
	}

	if s.deps.Jobs != nil {
		report.Jobs = s.deps.Jobs.Items()
		for _, j := range report.Jobs {
			if j.LastError != "" {
				report.Problems = append(report.Problems, "job "+j.Name+" failed: "+j.LastError)
			}
		}
	}

	if s.deps.Devices != nil {
		report.Devices = s.deps.Devices.Stats()
	}

	if s.deps.Rotation != nil {
		st := s.deps.Rotation.Status()
		report.Rotation = &st
		if st.Degraded {
			report.Problems = append(report.Problems, "partition rotation degraded: "+st.LastError)
		}
	}

	report.Status = "healthy"
	if len(report.Problems) > 0 {
		report.Status = "unhealthy"
	}
	return report
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.Addr,
		Handler: s.Engine,
	}

	slog.Info("[Server] Starting HTTP Server...", "address", s.Addr)

	go func() {
		<-ctx.Done()
		slog.Info("[Server] Stopping HTTP Server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("[Server] HTTP Server forced to shutdown", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
