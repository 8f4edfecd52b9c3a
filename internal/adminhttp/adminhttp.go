// Package adminhttp implements the operator-facing HTTP side channel: health,
// status, and metrics endpoints, served over gin. The client-facing surface
// is the TCP protocol in internal/protocol and internal/tcpserver; this
// package never carries playback control, only read-only operational
// visibility. Start(ctx) follows the same background-goroutine-plus-error-
// channel graceful shutdown shape as internal/tcpserver.Server.Start.
package adminhttp

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthResult reports the two conditions §12's health status feature
// tracks: whether the history store is reachable and whether the audio
// output device is open.
type HealthResult struct {
	DatabaseOK    bool `json:"database_ok"`
	AudioOutputOK bool `json:"audio_output_ok"`
}

// StatusSnapshot is a read-only view of the running server, assembled by
// whatever facade wires Queue/Player/Generator together.
type StatusSnapshot struct {
	ServerUUID         string `json:"server_uuid"`
	PlayerState        string `json:"player_state"`
	Volume             int    `json:"volume"`
	QueueLength        int    `json:"queue_length"`
	NowPlayingQueueId  uint64 `json:"now_playing_queue_id"`
	PublicMode         bool   `json:"public_mode"`
	DynamicModeEnabled bool   `json:"dynamic_mode_enabled"`
}

// Facade is the narrow slice of server state this package needs. It is
// satisfied by internal/serverapi's ServerInterface.
type Facade interface {
	Health(ctx context.Context) HealthResult
	Status() StatusSnapshot
}

// Server is the admin HTTP side channel.
type Server struct {
	facade     Facade
	engine     *gin.Engine
	httpServer *http.Server
	startedAt  time.Time
}

// New builds the admin HTTP server bound to addr (not started yet).
func New(addr string, facade Facade) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), securityHeaders())

	s := &Server{facade: facade, engine: engine, startedAt: time.Now()}

	engine.GET("/health", s.handleHealth)
	engine.GET("/status", s.handleStatus)
	engine.GET("/metrics", s.handleMetrics)

	s.httpServer = &http.Server{
		Addr:           addr,
		Handler:        engine,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

// securityHeaders sets a locked-down baseline: this surface answers plain
// GETs only, so the policy denies all embedding/scripting rather than
// allowing 'self'.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Content-Security-Policy", "default-src 'none'")
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	result := s.facade.Health(c.Request.Context())
	status := http.StatusOK
	if !result.DatabaseOK || !result.AudioOutputOK {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":          healthLabel(result),
		"database_ok":     result.DatabaseOK,
		"audio_output_ok": result.AudioOutputOK,
	})
}

func healthLabel(r HealthResult) string {
	if r.DatabaseOK && r.AudioOutputOK {
		return "ok"
	}
	return "degraded"
}

func (s *Server) handleStatus(c *gin.Context) {
	snap := s.facade.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":                "ok",
		"server_uuid":           snap.ServerUUID,
		"player_state":          snap.PlayerState,
		"volume":                snap.Volume,
		"queue_length":          snap.QueueLength,
		"now_playing_queue_id":  snap.NowPlayingQueueId,
		"public_mode":           snap.PublicMode,
		"dynamic_mode_enabled":  snap.DynamicModeEnabled,
		"uptime_seconds":        int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleMetrics(c *gin.Context) {
	snap := s.facade.Status()
	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"queue_length":   snap.QueueLength,
		"volume":         snap.Volume,
	})
}

// Start serves until ctx is cancelled, then shuts down gracefully with a
// 5 second grace period.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
