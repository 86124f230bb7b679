package main

import (
	"net/http"
	"time"

	"github.com/fortiblox/dagfeed/pkg/broadcast"
	"github.com/fortiblox/dagfeed/pkg/metrics"
	"github.com/fortiblox/dagfeed/pkg/rpcpool"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// backendStatus is the part of the router the health endpoint reads.
type backendStatus interface {
	ReadyCount() int
	TotalCount() int
	EndpointStatus() []rpcpool.EndpointInfo
}

// newHTTPHandler mounts the websocket, metrics and health endpoints.
func newHTTPHandler(hub *broadcast.Hub, backends backendStatus, m *metrics.Metrics, logger *zap.Logger) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	hub.RegisterRoutes(r)
	r.GET("/metrics", gin.WrapH(m.Handler()))
	r.GET("/health", healthHandler(backends))
	return r
}

// healthHandler reports backend readiness. It answers 503 while no backend
// is ready.
func healthHandler(backends backendStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		ready := backends.ReadyCount()
		status := http.StatusOK
		if ready == 0 {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":    ready,
			"total":    backends.TotalCount(),
			"backends": backends.EndpointStatus(),
		})
	}
}

// requestLogger logs each request at debug level, or warn and error for
// client and server failures.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	logger = logger.With(zap.String("component", "http"))
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		switch status := c.Writer.Status(); {
		case status >= 500:
			logger.Error("http request", fields...)
		case status >= 400:
			logger.Warn("http request", fields...)
		default:
			logger.Debug("http request", fields...)
		}
	}
}
