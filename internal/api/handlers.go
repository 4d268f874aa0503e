package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/akshad-exe/AirSense/internal/core"
	"github.com/akshad-exe/AirSense/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// APIKeyHeader carries the device API key on ingestion requests.
const APIKeyHeader = "X-API-Key"

const (
	defaultStatsHours = 24
	healthTimeout     = 2 * time.Second
)

// APIHandlers holds all HTTP handlers
type APIHandlers struct {
	services *core.ServiceRegistry
	opts     Options
	logger   *logrus.Logger
}

// NewAPIHandlers creates a new handler instance
func NewAPIHandlers(services *core.ServiceRegistry, opts Options, logger *logrus.Logger) *APIHandlers {
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = core.DefaultPageSize
	}
	return &APIHandlers{services: services, opts: opts, logger: logger}
}

func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

// HealthCheck returns service health status
func (h *APIHandlers) HealthCheck(c *gin.Context) {
	status, code := "healthy", http.StatusOK
	database := "ok"

	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()
	if err := h.services.Repository.Ping(ctx); err != nil {
		h.logger.WithError(err).Warn("Health check: database unreachable")
		status, code, database = "unhealthy", http.StatusServiceUnavailable, "unreachable"
	}

	c.JSON(code, gin.H{
		"success": code == http.StatusOK,
		"data": gin.H{
			"status":            status,
			"service":           "airsense",
			"version":           utils.Version,
			"timestamp":         time.Now().UTC(),
			"database":          database,
			"cache":             h.services.Devices.CacheStatus(ctx),
			"sensor_profile":    h.services.Readings.Profile().Name,
			"connected_clients": h.services.Hub.ConnectedCount(),
		},
	})
}

// ListEndpoints returns the route manifest.
func (h *APIHandlers) ListEndpoints(c *gin.Context) {
	respond(c, http.StatusOK, gin.H{"endpoints": Endpoints})
}

// --- Ingestion ---

// IngestReading accepts one reading from a device.
func (h *APIHandlers) IngestReading(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.Error(core.ErrInvalidReading.WithDetails("failed to read request body"))
		return
	}

	req, err := core.DecodeIngestRequest(body)
	if err != nil {
		c.Error(err)
		return
	}
	if key := c.GetHeader(APIKeyHeader); key != "" {
		req.APIKey = key
	}
	req.Source = core.SourceHTTP

	reading, err := h.services.Ingestion.Ingest(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}

	respond(c, http.StatusCreated, reading)
}

// --- Readings ---

// GetLatest returns the newest reading, optionally for one device.
func (h *APIHandlers) GetLatest(c *gin.Context) {
	reading, err := h.services.Readings.Latest(c.Request.Context(), c.Query("device_id"))
	if err != nil {
		c.Error(err)
		return
	}
	respond(c, http.StatusOK, reading)
}

// GetHistory returns a page of readings.
func (h *APIHandlers) GetHistory(c *gin.Context) {
	filter, err := h.historyFilter(c)
	if err != nil {
		c.Error(err)
		return
	}

	page, err := h.services.Readings.Query(c.Request.Context(), filter)
	if err != nil {
		c.Error(err)
		return
	}

	respond(c, http.StatusOK, gin.H{
		"readings": page.Readings,
		"total":    page.Total,
		"page":     page.Page(),
		"limit":    page.Limit,
		"offset":   page.Offset,
	})
}

func (h *APIHandlers) historyFilter(c *gin.Context) (core.ReadingFilter, error) {
	filter := core.ReadingFilter{
		DeviceID: c.Query("device_id"),
		Limit:    h.opts.DefaultPageSize,
	}

	var details []string
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			details = append(details, "limit must be an integer")
		}
		filter.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			details = append(details, "offset must be an integer")
		}
		filter.Offset = n
	}
	if v := c.Query("start_date"); v != "" {
		t, _, err := parseDate(v)
		if err != nil {
			details = append(details, "start_date must be an RFC 3339 timestamp or a YYYY-MM-DD date")
		} else {
			filter.Start = &t
		}
	}
	if v := c.Query("end_date"); v != "" {
		t, dateOnly, err := parseDate(v)
		if err != nil {
			details = append(details, "end_date must be an RFC 3339 timestamp or a YYYY-MM-DD date")
		} else {
			if dateOnly {
				// A bare date includes the whole day. Storage keeps microseconds.
				t = t.AddDate(0, 0, 1).Add(-time.Microsecond)
			}
			filter.End = &t
		}
	}

	if len(details) > 0 {
		return filter, core.ErrInvalidQuery.WithDetails(details...)
	}
	return filter, nil
}

// parseDate accepts an RFC 3339 timestamp or a YYYY-MM-DD date (UTC
// midnight) and reports which form it got.
func parseDate(v string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), false, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	return t, err == nil, err
}

// --- Devices ---

type registerRequest struct {
	DeviceID string  `json:"device_id"`
	Location *string `json:"location"`
}

// RegisterDevice handles new device registration. The API key is returned
// only here.
func (h *APIHandlers) RegisterDevice(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(core.ErrInvalidDevice.WithDetails("body must be a JSON object with device_id"))
		return
	}

	device, err := h.services.Devices.Register(c.Request.Context(), req.DeviceID, req.Location)
	if err != nil {
		c.Error(err)
		return
	}

	respond(c, http.StatusCreated, gin.H{
		"device_id":  device.DeviceID,
		"api_key":    device.APIKey,
		"location":   device.Location,
		"status":     device.Status,
		"created_at": device.CreatedAt,
		"message":    "Store the API key securely. It will not be shown again.",
	})
}

// ListDevices returns all devices, newest first.
func (h *APIHandlers) ListDevices(c *gin.Context) {
	devices, err := h.services.Devices.List(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	respond(c, http.StatusOK, gin.H{
		"devices": devices,
		"total":   len(devices),
	})
}

// GetDevice returns a device with its latest reading, if any.
func (h *APIHandlers) GetDevice(c *gin.Context) {
	ctx := c.Request.Context()
	device, err := h.services.Devices.FindByID(ctx, c.Param("deviceId"))
	if err != nil {
		c.Error(err)
		return
	}

	latest, err := h.services.Readings.Latest(ctx, device.DeviceID)
	if err != nil && !errors.Is(err, core.ErrReadingNotFound) {
		c.Error(err)
		return
	}

	respond(c, http.StatusOK, gin.H{
		"device":         device,
		"latest_reading": latest,
	})
}

// GetDeviceStats aggregates a device's readings over ?hours= (default 24).
func (h *APIHandlers) GetDeviceStats(c *gin.Context) {
	hours := float64(defaultStatsHours)
	if v := c.Query("hours"); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil || n <= 0 {
			c.Error(core.ErrInvalidQuery.WithDetails("hours must be a positive number"))
			return
		}
		hours = n
	}

	ctx := c.Request.Context()
	device, err := h.services.Devices.FindByID(ctx, c.Param("deviceId"))
	if err != nil {
		c.Error(err)
		return
	}

	stats, err := h.services.Readings.Statistics(ctx, device.DeviceID, time.Duration(hours*float64(time.Hour)))
	if err != nil {
		c.Error(err)
		return
	}
	respond(c, http.StatusOK, stats)
}
