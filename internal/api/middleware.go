package api

import (
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/akshad-exe/AirSense/internal/core"
	"github.com/akshad-exe/AirSense/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const genericInternalMessage = "internal server error"

// RequestLogger logs HTTP requests
func RequestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		// Process request
		c.Next()

		// Log request details
		latency := time.Since(start)
		clientIP := c.ClientIP()
		method := c.Request.Method
		statusCode := c.Writer.Status()

		if raw != "" {
			path = path + "?" + raw
		}

		logger.WithFields(logrus.Fields{
			"status":     statusCode,
			"latency_ms": latency.Milliseconds(),
			"client_ip":  clientIP,
			"method":     method,
			"path":       path,
			"user_agent": c.Request.UserAgent(),
		}).Info("HTTP Request")
	}
}

// Metrics records request counts and latency by route template.
func Metrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.ObserveHTTP(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

// StatusForKind maps an error kind to its HTTP status.
func StatusForKind(kind core.ErrorKind) int {
	switch kind {
	case core.KindUnauthorized:
		return http.StatusUnauthorized
	case core.KindForbidden:
		return http.StatusForbidden
	case core.KindConflict:
		return http.StatusConflict
	case core.KindBadRequest:
		return http.StatusBadRequest
	case core.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// ErrorHandler renders the last error a handler attached with c.Error. In
// production internal error messages are replaced by a generic one.
func ErrorHandler(production bool, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		be := core.AsBusinessError(c.Errors.Last().Err)
		if be.Kind == core.KindInternal {
			logger.WithError(be).WithFields(logrus.Fields{
				"path":   c.Request.URL.Path,
				"method": c.Request.Method,
			}).Error("Request failed")

			if production {
				be = &core.BusinessError{Kind: be.Kind, Code: be.Code, Message: genericInternalMessage}
			}
		}

		c.JSON(StatusForKind(be.Kind), gin.H{
			"success": false,
			"error":   be,
		})
	}
}

// CORS enables cross-origin requests from the allowed origins. "*" allows any
// origin.
func CORS(allowedOrigins []string) gin.HandlerFunc {
	allowAll := len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*")

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" && (allowAll || slices.Contains(allowedOrigins, origin)) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Add("Vary", "Origin")
		}

		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, "+APIKeyHeader)
		c.Writer.Header().Set("Access-Control-Max-Age", "300")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RateLimiter allows requestsPerMinute requests per client IP in fixed
// one-minute windows.
func RateLimiter(requestsPerMinute int) gin.HandlerFunc {
	return newRateLimiter(requestsPerMinute, time.Now).handle
}

type rateLimitClient struct {
	lastReset time.Time
	requests  int
}

type rateLimiter struct {
	limit   int
	now     func() time.Time
	mu      sync.Mutex
	clients map[string]*rateLimitClient
	swept   time.Time
}

func newRateLimiter(limit int, now func() time.Time) *rateLimiter {
	return &rateLimiter{
		limit:   limit,
		now:     now,
		clients: make(map[string]*rateLimitClient),
		swept:   now(),
	}
}

func (l *rateLimiter) handle(c *gin.Context) {
	retryAfter, ok := l.allow(c.ClientIP())
	if !ok {
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"success": false,
			"error": gin.H{
				"kind":    "TOO_MANY_REQUESTS",
				"code":    "RATE_001",
				"message": "rate limit exceeded",
			},
		})
		return
	}
	c.Next()
}

// allow counts one request from ip and reports whether it is within the
// limit, or how many seconds until the window resets.
func (l *rateLimiter) allow(ip string) (int, bool) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	// Drop idle clients so the map does not grow without bound.
	if now.Sub(l.swept) > 10*time.Minute {
		for key, client := range l.clients {
			if now.Sub(client.lastReset) > time.Minute {
				delete(l.clients, key)
			}
		}
		l.swept = now
	}

	client, exists := l.clients[ip]
	if !exists || now.Sub(client.lastReset) >= time.Minute {
		l.clients[ip] = &rateLimitClient{lastReset: now, requests: 1}
		return 0, true
	}

	if client.requests >= l.limit {
		return 60 - int(now.Sub(client.lastReset).Seconds()), false
	}

	client.requests++
	return 0, true
}

// Recovery handles panics and prevents server crashes
func Recovery(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.WithFields(logrus.Fields{
					"error":  err,
					"path":   c.Request.URL.Path,
					"method": c.Request.Method,
				}).Error("Panic recovered")

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"success": false,
					"error": gin.H{
						"kind":    core.KindInternal,
						"code":    "INTERNAL_001",
						"message": genericInternalMessage,
					},
				})
			}
		}()
		c.Next()
	}
}
