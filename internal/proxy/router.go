package proxy

import (
	"crypto/subtle"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openlumo/lumo-proxy/internal/apierror"
	"github.com/openlumo/lumo-proxy/internal/logger"
)

// Router builds the gin engine with every route mounted.
func (h *Handler) Router() *gin.Engine {
	gin.SetMode(h.cfg.GinMode)

	r := gin.New()
	r.Use(gin.Recovery(), h.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.String(200, "ok")
	})
	r.GET("/metrics", gin.WrapH(h.metrics.Handler()))

	v1 := r.Group("/v1", h.requireAPIKey())
	v1.POST("/chat/completions", h.ChatCompletions)
	v1.POST("/responses", h.Responses)
	v1.GET("/models", h.Models)

	return r
}

// Models lists the single model this gateway serves.
func (h *Handler) Models(c *gin.Context) {
	c.JSON(200, ModelList{
		Object: "list",
		Data: []Model{{
			ID:      h.cfg.Model,
			Object:  "model",
			Created: time.Now().Unix(),
			OwnedBy: "openlumo",
		}},
	})
}

// requireAPIKey enforces the bearer token on the /v1 surface.
func (h *Handler) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			h.unauthorized(c)
			return
		}
		token := header[len(prefix):]
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.APIKey)) != 1 {
			h.unauthorized(c)
			return
		}
		c.Next()
	}
}

func (h *Handler) unauthorized(c *gin.Context) {
	apiErr := apierror.Unauthorized("invalid api key")
	c.AbortWithStatusJSON(apiErr.HTTPStatus(), apiErr.ToOpenAI())
}

// requestLogger tags each request with an id and logs its outcome.
func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := logger.GenerateRequestID()
		ctx := logger.WithRequestID(c.Request.Context(), requestID)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)

		start := time.Now()
		c.Next()

		h.logger.WithContext(ctx).Info("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)))
	}
}
