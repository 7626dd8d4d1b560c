package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/milvaion/milvaion/internal/bus"
	"github.com/milvaion/milvaion/internal/config"
	"github.com/milvaion/milvaion/internal/control"
	"github.com/milvaion/milvaion/internal/domain/entity"
	"github.com/milvaion/milvaion/internal/domain/repository"
	"github.com/milvaion/milvaion/internal/events"
	"github.com/milvaion/milvaion/internal/middleware"
	"github.com/milvaion/milvaion/internal/observability"
	"github.com/milvaion/milvaion/internal/resilience"
	"github.com/milvaion/milvaion/internal/schedule"
)

// OpsServerModule provides the operational HTTP server: health probes,
// status snapshot, Prometheus metrics, the websocket event stream and the
// emergency-stop switch.
var OpsServerModule = fx.Module("opsserver",
	fx.Invoke(startOpsServer),
)

type opsDeps struct {
	fx.In

	Cfg       *config.OpsConfig
	App       *config.AppConfig
	Store     repository.HealthChecker
	Schedule  schedule.Client
	Conn      *bus.Connection
	Inspector *bus.QueueInspector
	Topology  bus.Topology
	Breakers  *resilience.CircuitBreakerRegistry
	State     *control.State
	Hub       *events.Hub
	Metrics   *observability.Metrics

	Occurrences repository.JobOccurrenceRepository
	Failed      repository.FailedOccurrenceRepository
}

func startOpsServer(lc fx.Lifecycle, deps opsDeps, logger *zap.Logger) {
	if !deps.Cfg.Enabled {
		return
	}

	if deps.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(
		middleware.RequestID(),
		middleware.Logger(logger),
		middleware.Recovery(logger),
	)

	registerRoutes(engine, deps, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", deps.Cfg.Host, deps.Cfg.Port),
		Handler:      engine,
		ReadTimeout:  deps.Cfg.ReadTimeout,
		WriteTimeout: deps.Cfg.WriteTimeout,
		IdleTimeout:  deps.Cfg.IdleTimeout,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				logger.Info("Ops server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("Ops server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

func registerRoutes(engine *gin.Engine, deps opsDeps, logger *zap.Logger) {
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"app":      deps.App.Name,
			"version":  deps.App.Version,
			"instance": deps.App.InstanceID,
		})
	})

	engine.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		checks := gin.H{}
		ready := true
		if err := deps.Store.Ping(ctx); err != nil {
			checks["store"] = err.Error()
			ready = false
		} else {
			checks["store"] = "ok"
		}
		if err := deps.Schedule.Ping(ctx); err != nil {
			checks["redis"] = err.Error()
			ready = false
		} else {
			checks["redis"] = "ok"
		}
		if deps.Conn.IsConnected() {
			checks["bus"] = "ok"
		} else {
			checks["bus"] = "disconnected"
			ready = false
		}

		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"ready": ready, "checks": checks})
	})

	engine.GET("/status", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		queueDepths := gin.H{}
		for name, queue := range map[string]string{
			"status_updates": deps.Topology.StatusUpdates,
			"worker_logs":    deps.Topology.WorkerLogs,
			"failed":         deps.Topology.Failed,
		} {
			depth, err := deps.Inspector.Depth(ctx, queue)
			if err != nil {
				queueDepths[name] = "unavailable"
				continue
			}
			queueDepths[name] = depth
		}

		occurrenceCounts := gin.H{}
		for _, status := range []entity.OccurrenceStatus{entity.StatusQueued, entity.StatusRunning} {
			count, err := deps.Occurrences.CountByStatus(ctx, status)
			if err != nil {
				occurrenceCounts[status.String()] = "unavailable"
				continue
			}
			occurrenceCounts[status.String()] = count
		}
		unresolved, err := deps.Failed.CountUnresolved(ctx)
		if err == nil {
			occurrenceCounts["UnresolvedFailures"] = unresolved
		}

		c.JSON(http.StatusOK, gin.H{
			"instance":       deps.App.InstanceID,
			"emergency_stop": deps.State.EmergencyStopped(),
			"stop_reason":    deps.State.Reason(),
			"breakers":       deps.Breakers.States(),
			"bus_connected":  deps.Conn.IsConnected(),
			"event_clients":  deps.Hub.ClientCount(),
			"queue_depths":   queueDepths,
			"occurrences":    occurrenceCounts,
		})
	})

	engine.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	engine.GET("/ws/events", events.Handler(deps.Hub, logger))

	engine.PUT("/control/emergency-stop", func(c *gin.Context) {
		var body struct {
			Reason string `json:"reason"`
		}
		_ = c.ShouldBindJSON(&body)
		if body.Reason == "" {
			body.Reason = "triggered via ops API"
		}
		deps.State.SetEmergencyStop(true, body.Reason)
		c.JSON(http.StatusOK, gin.H{"emergency_stop": true, "reason": body.Reason})
	})

	engine.DELETE("/control/emergency-stop", func(c *gin.Context) {
		deps.State.SetEmergencyStop(false, "")
		c.JSON(http.StatusOK, gin.H{"emergency_stop": false})
	})

	// Announces the cancel on the pub/sub channel; the owning worker
	// reacts and reports Cancelled through the status-updates queue.
	engine.POST("/control/occurrences/:id/cancel", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		occ, err := deps.Occurrences.GetByID(ctx, c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if occ == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "occurrence not found"})
			return
		}
		if occ.Status.IsFinal() {
			c.JSON(http.StatusConflict, gin.H{"error": "occurrence already " + occ.Status.String()})
			return
		}
		if err := deps.Schedule.PublishCancellation(ctx, occ.ID); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"cancellation_requested": occ.ID})
	})
}
