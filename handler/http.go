package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	copyBufferSize = 32 * 1024
	healthTimeout  = 2 * time.Second
)

// Pinger is a dependency probed by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRouter serves the relay over plain HTTP.
func NewRouter(relayer Relayer, logger *slog.Logger, checks ...Pinger) (*gin.Engine, error) {
	if relayer == nil {
		return nil, errors.New("handler: relayer must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &httpHandler{relayer: relayer, logger: logger}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))
	r.Use(cors())

	r.GET("/healthz", health(logger, checks))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.OPTIONS("/chat", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	r.POST("/chat", h.chat)
	return r, nil
}

type httpHandler struct {
	relayer Relayer
	logger  *slog.Logger
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		for k, v := range corsHeaders() {
			c.Header(k, v)
		}
		c.Next()
	}
}

func health(logger *slog.Logger, checks []Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()
		for _, check := range checks {
			if err := check.Ping(ctx); err != nil {
				logger.Warn("health check failed", "err", err)
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (h *httpHandler) chat(c *gin.Context) {
	corrID := correlationID(map[string]string{correlationHeader: c.GetHeader(correlationHeader)})
	c.Header(correlationHeader, corrID)

	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, invalidBody(err))
		return
	}

	out, err := h.relayer.Relay(c.Request.Context(), req.input(corrID))
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer out.Stream.Close()

	// A blocked Read must not outlive the client.
	stop := context.AfterFunc(c.Request.Context(), func() { _ = out.Stream.Close() })
	defer stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	buf := make([]byte, copyBufferSize)
	for {
		n, rerr := out.Stream.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				h.logger.Info("client went away", "correlation_id", corrID, "err", werr)
				return
			}
			c.Writer.Flush()
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) && c.Request.Context().Err() == nil {
				h.logger.Warn("upstream stream ended with error", "correlation_id", corrID, "err", rerr)
			}
			return
		}
	}
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	status, body := errorStatus(err)
	h.logger.Warn("chat request rejected", "status", status, "code", body.Code, "correlation_id", c.Writer.Header().Get(correlationHeader))
	c.JSON(status, body)
}
