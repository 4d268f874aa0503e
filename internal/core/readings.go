package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/akshad-exe/AirSense/internal/aqi"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

const (
	DefaultPageSize     = 100
	DefaultMaxPageSize  = 1000
	DefaultStoreTimeout = 5 * time.Second
)

// ReadingStoreOptions tunes a ReadingStore. Zero values select the defaults.
type ReadingStoreOptions struct {
	StoreTimeout time.Duration
	MaxPageSize  int
}

// --- Reading Store ---

type ReadingStore struct {
	repo         Repository
	profile      aqi.Profile
	storeTimeout time.Duration
	maxPageSize  int
	logger       *logrus.Logger

	now func() time.Time
}

func NewReadingStore(repo Repository, profile aqi.Profile, opts ReadingStoreOptions, logger *logrus.Logger) *ReadingStore {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = DefaultMaxPageSize
	}
	return &ReadingStore{
		repo:         repo,
		profile:      profile,
		storeTimeout: opts.StoreTimeout,
		maxPageSize:  opts.MaxPageSize,
		logger:       logger,
		now:          time.Now,
	}
}

// Profile returns the sensor profile readings are evaluated against.
func (s *ReadingStore) Profile() aqi.Profile {
	return s.profile
}

// Validate checks measurements against the sensor profile without storing.
// nonNumeric names submitted fields that did not hold a number.
func (s *ReadingStore) Validate(m aqi.Measurements, nonNumeric ...string) error {
	if err := s.profile.Validate(m, nonNumeric...); err != nil {
		return invalidReading(err)
	}
	return nil
}

// Store computes the AQI, inserts the reading and marks the device seen. The
// insert and the liveness update commit together or not at all.
func (s *ReadingStore) Store(ctx context.Context, deviceID string, m aqi.Measurements) (*Reading, error) {
	result, err := s.profile.Evaluate(m)
	if err != nil {
		return nil, invalidReading(err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	now := s.now().UTC()
	reading := &Reading{
		DeviceID:        deviceID,
		Measurements:    datatypes.NewJSONType(s.profile.Normalize(m)),
		AQI:             result.AQI,
		AirQualityLevel: result.Category.Level,
		Timestamp:       now,
	}

	err = s.repo.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
		if err := tx.CreateReading(ctx, reading); err != nil {
			return fmt.Errorf("failed to insert reading: %w", err)
		}
		if err := tx.MarkDeviceSeen(ctx, deviceID, now); err != nil {
			return fmt.Errorf("failed to mark device seen: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, ErrStorage.Wrap(err)
	}

	s.logger.WithFields(logrus.Fields{
		"device_id":  deviceID,
		"reading_id": reading.ID,
		"aqi":        reading.AQI,
		"dominant":   result.Dominant,
	}).Debug("Reading stored")

	return reading, nil
}

// Latest returns the most recent reading, for one device or, when deviceID is
// empty, for any device.
func (s *ReadingStore) Latest(ctx context.Context, deviceID string) (*Reading, error) {
	return s.repo.LatestReading(ctx, deviceID)
}

// Query returns one page of readings, newest first, and the total number of
// matching readings.
func (s *ReadingStore) Query(ctx context.Context, filter ReadingFilter) (*ReadingPage, error) {
	if err := s.validateFilter(filter); err != nil {
		return nil, err
	}

	readings, total, err := s.repo.QueryReadings(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}

	return &ReadingPage{
		Readings: readings,
		Total:    total,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	}, nil
}

// DeleteOlderThan removes readings taken before cutoff.
func (s *ReadingStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.repo.DeleteReadingsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete readings: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"cutoff":  cutoff,
		"deleted": n,
	}).Info("Old readings deleted")
	return n, nil
}

// Statistics aggregates a device's readings over the trailing window.
func (s *ReadingStore) Statistics(ctx context.Context, deviceID string, window time.Duration) (*ReadingStatistics, error) {
	if window <= 0 {
		return nil, ErrInvalidQuery.WithDetails("window must be positive")
	}

	since := s.now().UTC().Add(-window)
	stats, err := s.repo.ReadingStatistics(ctx, deviceID, since, s.profile.FieldNames())
	if err != nil {
		return nil, fmt.Errorf("failed to compute statistics: %w", err)
	}
	stats.Window = window.String()
	return stats, nil
}

func (s *ReadingStore) validateFilter(f ReadingFilter) error {
	var details []string
	if f.Limit < 1 || f.Limit > s.maxPageSize {
		details = append(details, fmt.Sprintf("limit must be between 1 and %d", s.maxPageSize))
	}
	if f.Offset < 0 {
		details = append(details, "offset must be non-negative")
	}
	if f.Start != nil && f.End != nil && f.Start.After(*f.End) {
		details = append(details, "start_date must not be after end_date")
	}
	if len(details) > 0 {
		return ErrInvalidQuery.WithDetails(details...)
	}
	return nil
}

func invalidReading(err error) error {
	var rangeErr *aqi.RangeError
	if errors.As(err, &rangeErr) {
		return ErrInvalidReading.WithDetails(rangeErr.Messages()...).Wrap(err)
	}
	return ErrInvalidReading.Wrap(err)
}
