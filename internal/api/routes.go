package api

import (
	"time"

	"github.com/akshad-exe/AirSense/internal/core"
	"github.com/akshad-exe/AirSense/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Options holds the transport settings of the HTTP API.
type Options struct {
	Production         bool
	DefaultPageSize    int
	RateLimitPerMinute int
	AllowedOrigins     []string
	WSWriteTimeout     time.Duration
	WSPingInterval     time.Duration
}

// Endpoint describes one route in the manifest served at /api/endpoints.
type Endpoint struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	Description string `json:"description"`
}

// Endpoints is the static route manifest.
var Endpoints = []Endpoint{
	{"GET", "/health", "Service health"},
	{"GET", "/metrics", "Prometheus metrics"},
	{"POST", "/api/air-data", "Submit a sensor reading (X-API-Key header or api_key field)"},
	{"GET", "/api/latest", "Latest reading, optionally for ?device_id="},
	{"GET", "/api/history", "Paginated readings: device_id, start_date, end_date, limit, offset"},
	{"GET", "/api/devices", "All registered devices"},
	{"GET", "/api/devices/:deviceId", "One device with its latest reading"},
	{"GET", "/api/devices/:deviceId/stats", "Reading statistics over ?hours= (default 24)"},
	{"POST", "/api/devices/register", "Register a device and receive its API key"},
	{"GET", "/ws", "WebSocket live updates"},
}

// SetupRoutes configures all API routes.
func SetupRoutes(router *gin.Engine, handlers *APIHandlers, opts Options, logger *logrus.Logger, m *metrics.Metrics) {
	// Global middleware
	router.Use(Recovery(logger))
	router.Use(RequestLogger(logger))
	router.Use(Metrics(m))
	router.Use(ErrorHandler(opts.Production, logger))
	router.Use(CORS(opts.AllowedOrigins))

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/ws", handlers.LiveUpdates)

	api := router.Group("/api")
	if opts.RateLimitPerMinute > 0 {
		api.Use(RateLimiter(opts.RateLimitPerMinute))
	}
	{
		if !opts.Production {
			api.GET("/endpoints", handlers.ListEndpoints)
		}

		// Device ingestion
		api.POST("/air-data", handlers.IngestReading)

		// Readings
		api.GET("/latest", handlers.GetLatest)
		api.GET("/history", handlers.GetHistory)

		// Devices
		devices := api.Group("/devices")
		{
			devices.GET("", handlers.ListDevices)
			devices.POST("/register", handlers.RegisterDevice)
			devices.GET("/:deviceId", handlers.GetDevice)
			devices.GET("/:deviceId/stats", handlers.GetDeviceStats)
		}
	}
}

// NewRouter builds a gin engine with every route installed.
func NewRouter(services *core.ServiceRegistry, opts Options, logger *logrus.Logger, m *metrics.Metrics) *gin.Engine {
	router := gin.New()
	SetupRoutes(router, NewAPIHandlers(services, opts, logger), opts, logger, m)
	return router
}
