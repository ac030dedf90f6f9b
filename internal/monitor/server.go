package monitor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Durian-leader/minitest-oect/internal/observability"
	"github.com/Durian-leader/minitest-oect/internal/pipeline"
	"github.com/Durian-leader/minitest-oect/internal/workflow"
)

// Server exposes the monitoring surface: health and status snapshots,
// prometheus metrics, a websocket stream of pipeline envelopes, and test
// submission/stop endpoints.
type Server struct {
	driver *pipeline.Driver
	hub    *Hub
	router *gin.Engine
	log    zerolog.Logger

	started time.Time
	http    *http.Server
}

type Options struct {
	Addr        string
	CorsOrigins []string
}

func NewServer(driver *pipeline.Driver, opts Options, log zerolog.Logger) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		driver:  driver,
		hub:     NewHub(opts.CorsOrigins, log),
		router:  r,
		log:     log,
		started: time.Now(),
		http: &http.Server{
			Addr:    opts.Addr,
			Handler: r,
		},
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": "minitest-oect",
		})
	})

	s.router.GET("/status", func(c *gin.Context) {
		tests := s.driver.Tests()
		running := make([]gin.H, 0, len(tests))
		for _, t := range tests {
			running = append(running, gin.H{
				"id":         t.ID,
				"device_id":  t.DeviceID,
				"status":     t.Status,
				"completion": t.Completion(),
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"devices":     s.driver.DeviceStates(),
			"tests":       running,
			"subscribers": s.hub.Clients(),
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/stream", func(c *gin.Context) {
		s.hub.ServeWs(c.Writer, c.Request)
	})

	s.router.POST("/tests", s.handleSubmit)
	s.router.POST("/tests/:id/stop", s.handleStop)
	s.router.POST("/batches", s.handleRegisterBatch)
}

func (s *Server) handleSubmit(c *gin.Context) {
	var spec workflow.TestSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	test, err := s.driver.Submit(spec)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"id":     test.ID,
		"device": test.DeviceID,
		"steps":  len(test.Steps),
		"dir":    test.Dir,
	})
}

func (s *Server) handleStop(c *gin.Context) {
	if err := s.driver.StopTest(c.Param("id")); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopping"})
}

func (s *Server) handleRegisterBatch(c *gin.Context) {
	var req struct {
		BatchID string   `json:"batch_id"`
		TestIDs []string `json:"test_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.BatchID == "" || len(req.TestIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch_id and test_ids are required"})
		return
	}
	s.driver.RegisterBatch(req.BatchID, req.TestIDs)
	c.JSON(http.StatusOK, gin.H{"batch_id": req.BatchID, "tests": len(req.TestIDs)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrUnknownDevice), errors.Is(err, pipeline.ErrUnknownTest):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrTestRunning):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrLoopBound), errors.Is(err, workflow.ErrBadNode), errors.Is(err, workflow.ErrEmptyUnroll):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Relay pumps the aggregator's UI stream into the websocket hub. Blocking;
// returns when the channel closes.
func (s *Server) Relay(ui <-chan pipeline.Envelope) {
	for env := range ui {
		s.hub.Broadcast(env)
	}
}

// Router exposes the gin engine, mainly for tests.
func (s *Server) Router() *gin.Engine { return s.router }

// Start serves HTTP until Shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("monitor listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server and drops websocket subscribers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.http.Shutdown(ctx)
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
