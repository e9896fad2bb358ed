// Package api provides HTTP middleware shared by the hub's three HTTP
// surfaces (task, conversation, command broker).
package api

import (
	stderrors "errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/kandev/hub/internal/common/errors"
	"github.com/kandev/hub/internal/common/logger"
)

// RequestLogger assigns a request id and logs each request's outcome.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := uuid.New().String()
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		log.Info("request completed",
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID),
		)
	}
}

// ErrorHandler renders any error gin handlers attached via c.Error into the
// §7 error response shape, via the same apperrors.ToResponse path used by
// handlers that respond directly.
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		var appErr *apperrors.AppError
		if stderrors.As(err, &appErr) {
			log.Error("request error", zap.String("code", appErr.Code), zap.String("message", appErr.Message))
		} else {
			log.Error("internal server error", zap.Error(err))
		}
		status, body := apperrors.ToResponse(err)
		c.JSON(status, body)
	}
}

// Recovery recovers from panics, logging and rendering them as Internal.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)
				status, body := apperrors.ToResponse(apperrors.InternalError("an internal server error occurred", nil))
				c.AbortWithStatusJSON(status, body)
			}
		}()
		c.Next()
	}
}

// CORS applies the configured cross-origin policy.
func CORS(allowedOrigins, methods, headers []string) gin.HandlerFunc {
	origin := "*"
	if len(allowedOrigins) > 0 {
		origin = allowedOrigins[0]
	}
	methodsHeader := joinOrDefault(methods, "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	headersHeader := joinOrDefault(headers, "Origin, Content-Type, Accept, Authorization, X-Request-ID")

	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", methodsHeader)
		c.Header("Access-Control-Allow-Headers", headersHeader)
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func joinOrDefault(values []string, fallback string) string {
	if len(values) == 0 {
		return fallback
	}
	out := values[0]
	for _, v := range values[1:] {
		out += ", " + v
	}
	return out
}

// RateLimit applies a process-wide token-bucket limiter. Per-client limiting
// would need a key extractor (IP, API key); this hub has a single trusted
// caller population (spec §1), so one shared bucket is sufficient.
func RateLimit(requestsPerSecond int) gin.HandlerFunc {
	var (
		mu       sync.Mutex
		tokens   = float64(requestsPerSecond)
		lastTime = time.Now()
	)

	return func(c *gin.Context) {
		mu.Lock()
		now := time.Now()
		elapsed := now.Sub(lastTime).Seconds()
		lastTime = now

		tokens += elapsed * float64(requestsPerSecond)
		if tokens > float64(requestsPerSecond) {
			tokens = float64(requestsPerSecond)
		}

		if tokens < 1 {
			mu.Unlock()
			status, body := apperrors.ToResponse(apperrors.RateLimit("too many requests", 1))
			c.AbortWithStatusJSON(status, body)
			return
		}
		tokens--
		mu.Unlock()
		c.Next()
	}
}
