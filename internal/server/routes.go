package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/ymsgd/internal/observability"
	"github.com/danmuck/ymsgd/internal/protocol/schema"
	"github.com/danmuck/ymsgd/internal/protocol/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type serviceInfo struct {
	Code string `json:"code"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

// AdminHandler builds the admin HTTP surface.
func (s *Service) AdminHandler() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.AdminMiddleware(s.cfg.Node, s.logger))
	if origins := normalizeOrigins(s.cfg.CorsOrigins); len(origins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  origins,
			AllowMethods:  []string{"GET", "DELETE"},
			AllowHeaders:  []string{"Origin", "Content-Type", observability.RequestIDHeader},
			ExposeHeaders: []string{observability.RequestIDHeader},
			MaxAge:        12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": s.cfg.Node,
			"version": Version,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		ready := s.ready.Load()
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   ready,
			"service": s.cfg.Node,
			"version": Version,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/services", func(c *gin.Context) {
		codes := s.deps.Registry.Services()
		out := make([]serviceInfo, 0, len(codes))
		for _, code := range codes {
			out = append(out, serviceInfo{
				Code: fmt.Sprintf("0x%04x", code),
				Key:  session.ServiceKey(code),
				Name: schema.ServiceName(code),
			})
		}
		c.JSON(http.StatusOK, gin.H{"services": out})
	})

	r.GET("/sessions", func(c *gin.Context) {
		snap := s.deps.Presence.Snapshot()
		c.JSON(http.StatusOK, gin.H{"count": len(snap), "sessions": snap})
	})

	r.GET("/sessions/:id", func(c *gin.Context) {
		sess, ok := s.deps.Presence.Get(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, sess)
	})

	r.DELETE("/sessions/:id", func(c *gin.Context) {
		if !s.Kick(c.Param("id")) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.Status(http.StatusNoContent)
	})

	return r
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin != "" {
			out = append(out, origin)
		}
	}
	return out
}
