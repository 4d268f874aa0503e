package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/akshad-exe/AirSense/internal/utils"
	"github.com/sirupsen/logrus"
)

const (
	minDeviceIDLength = 3
	maxDeviceIDLength = 100
	maxLocationLength = 200

	// maxKeyAttempts bounds retries after an api key collision on insert.
	maxKeyAttempts = 3
)

// Cache is the key/value store used for cache-aside lookups.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, expiration time.Duration) error
	Ping(ctx context.Context) error
}

// Cache health as reported by DeviceRegistry.CacheStatus.
const (
	CacheDisabled    = "disabled"
	CacheOK          = "ok"
	CacheUnreachable = "unreachable"
)

// --- Device Registry ---

type DeviceRegistry struct {
	repo     Repository
	cache    Cache
	cacheTTL time.Duration
	logger   *logrus.Logger

	now    func() time.Time
	newKey func() (string, error)
}

// NewDeviceRegistry creates the registry. cache may be nil.
func NewDeviceRegistry(repo Repository, cache Cache, cacheTTL time.Duration, logger *logrus.Logger) *DeviceRegistry {
	return &DeviceRegistry{
		repo:     repo,
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   logger,
		now:      time.Now,
		newKey:   utils.GenerateAPIKey,
	}
}

// Register creates a device with a freshly generated api key. The returned
// device is the only place the key is ever exposed.
func (r *DeviceRegistry) Register(ctx context.Context, deviceID string, location *string) (*Device, error) {
	deviceID = strings.TrimSpace(deviceID)
	location = normalizeLocation(location)
	if err := validateRegistration(deviceID, location); err != nil {
		return nil, err
	}

	if _, err := r.repo.GetDevice(ctx, deviceID); err == nil {
		return nil, ErrDeviceAlreadyExists
	} else if !errors.Is(err, ErrDeviceNotFound) {
		return nil, fmt.Errorf("failed to check device: %w", err)
	}

	for attempt := 1; attempt <= maxKeyAttempts; attempt++ {
		key, err := r.newKey()
		if err != nil {
			return nil, err
		}

		now := r.now().UTC()
		device := &Device{
			DeviceID:  deviceID,
			APIKey:    key,
			Location:  location,
			Status:    StatusOffline,
			CreatedAt: now,
			UpdatedAt: now,
		}

		err = r.repo.CreateDevice(ctx, device)
		if err == nil {
			r.logger.WithFields(logrus.Fields{
				"device_id": deviceID,
				"api_key":   utils.MaskKey(key),
			}).Info("Device registered successfully")
			return device, nil
		}
		if !errors.Is(err, ErrDeviceAlreadyExists) {
			return nil, fmt.Errorf("failed to register device: %w", err)
		}

		// The unique violation is either a concurrent registration of the
		// same id or an api key collision.
		if _, getErr := r.repo.GetDevice(ctx, deviceID); getErr == nil {
			return nil, ErrDeviceAlreadyExists
		}
		r.logger.WithFields(logrus.Fields{
			"device_id": deviceID,
			"attempt":   attempt,
		}).Warn("API key collision, regenerating")
	}

	return nil, fmt.Errorf("failed to register device %s: no unique api key after %d attempts", deviceID, maxKeyAttempts)
}

// FindByAPIKey resolves the device owning apiKey.
func (r *DeviceRegistry) FindByAPIKey(ctx context.Context, apiKey string) (*Device, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyRequired
	}

	if cached := r.getCachedDevice(ctx, apiKey); cached != nil {
		return cached, nil
	}

	device, err := r.repo.GetDeviceByAPIKey(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	r.cacheDevice(ctx, device)
	return device, nil
}

// FindByID always reads storage so the liveness fields are current.
func (r *DeviceRegistry) FindByID(ctx context.Context, deviceID string) (*Device, error) {
	return r.repo.GetDevice(ctx, deviceID)
}

// List returns every device, newest first.
func (r *DeviceRegistry) List(ctx context.Context) ([]*Device, error) {
	return r.repo.ListDevices(ctx)
}

// MarkSeen records that the device was heard from now.
func (r *DeviceRegistry) MarkSeen(ctx context.Context, deviceID string) error {
	return r.repo.MarkDeviceSeen(ctx, deviceID, r.now().UTC())
}

// SweepOffline flips online devices silent for longer than threshold and
// returns how many were flipped.
func (r *DeviceRegistry) SweepOffline(ctx context.Context, threshold time.Duration) (int, error) {
	ids, err := r.MarkOffline(ctx, threshold)
	return len(ids), err
}

// MarkOffline is SweepOffline returning the ids of the flipped devices.
func (r *DeviceRegistry) MarkOffline(ctx context.Context, threshold time.Duration) ([]string, error) {
	now := r.now().UTC()
	ids, err := r.repo.MarkDevicesOffline(ctx, now.Add(-threshold), now)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep offline devices: %w", err)
	}
	return ids, nil
}

// CacheStatus reports whether the lookup cache is configured and reachable.
// An unreachable cache only slows lookups down, it never fails them.
func (r *DeviceRegistry) CacheStatus(ctx context.Context) string {
	if r.cache == nil {
		return CacheDisabled
	}
	if err := r.cache.Ping(ctx); err != nil {
		r.logger.WithError(err).Debug("Cache ping failed")
		return CacheUnreachable
	}
	return CacheOK
}

func (r *DeviceRegistry) cacheDevice(ctx context.Context, device *Device) {
	if r.cache == nil {
		return
	}
	data, err := json.Marshal(device)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, deviceCacheKey(device.APIKey), string(data), r.cacheTTL); err != nil {
		r.logger.WithError(err).Debug("Failed to cache device")
	}
}

func (r *DeviceRegistry) getCachedDevice(ctx context.Context, apiKey string) *Device {
	if r.cache == nil {
		return nil
	}

	data, err := r.cache.Get(ctx, deviceCacheKey(apiKey))
	if err != nil {
		return nil
	}

	var device Device
	if err := json.Unmarshal([]byte(data), &device); err != nil {
		r.logger.WithError(err).Debug("Discarding malformed cached device")
		return nil
	}
	// The key is never serialized.
	device.APIKey = apiKey
	return &device
}

func deviceCacheKey(apiKey string) string {
	return "device:key:" + utils.HashAPIKey(apiKey)
}

func normalizeLocation(location *string) *string {
	if location == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*location)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func validateRegistration(deviceID string, location *string) error {
	var details []string
	if n := utf8.RuneCountInString(deviceID); n < minDeviceIDLength || n > maxDeviceIDLength {
		details = append(details, fmt.Sprintf("device_id must be between %d and %d characters", minDeviceIDLength, maxDeviceIDLength))
	}
	if location != nil && utf8.RuneCountInString(*location) > maxLocationLength {
		details = append(details, fmt.Sprintf("location must be at most %d characters", maxLocationLength))
	}
	if len(details) > 0 {
		return ErrInvalidDevice.WithDetails(details...)
	}
	return nil
}
