package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository defines the interface for data access operations. It is the only
// way services reach storage, so tests can substitute their own implementation.
type Repository interface {
	// Device operations
	CreateDevice(ctx context.Context, device *Device) error
	GetDevice(ctx context.Context, deviceID string) (*Device, error)
	GetDeviceByAPIKey(ctx context.Context, apiKey string) (*Device, error)
	ListDevices(ctx context.Context) ([]*Device, error)
	MarkDeviceSeen(ctx context.Context, deviceID string, at time.Time) error
	MarkDevicesOffline(ctx context.Context, cutoff, at time.Time) ([]string, error)

	// Reading operations
	CreateReading(ctx context.Context, reading *Reading) error
	LatestReading(ctx context.Context, deviceID string) (*Reading, error)
	QueryReadings(ctx context.Context, filter ReadingFilter) ([]*Reading, int64, error)
	DeleteReadingsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ReadingStatistics(ctx context.Context, deviceID string, since time.Time, metrics []string) (*ReadingStatistics, error)

	// Transaction support
	WithTransaction(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error

	// Health check
	Ping(ctx context.Context) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository accepts a *gorm.DB so core does not depend on infrastructure.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

// Models lists every persisted model, in migration order.
func Models() []any {
	return []any{&Device{}, &Reading{}}
}

func (r *repository) WithTransaction(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &repository{db: tx})
	})
}

func (r *repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("database handle unavailable: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

func (r *repository) CreateDevice(ctx context.Context, d *Device) error {
	if err := r.db.WithContext(ctx).Create(d).Error; err != nil {
		if isDuplicateKeyError(err) {
			return ErrDeviceAlreadyExists.Wrap(err)
		}
		return err
	}
	return nil
}

func (r *repository) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	var d Device
	err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).Take(&d).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (r *repository) GetDeviceByAPIKey(ctx context.Context, apiKey string) (*Device, error) {
	var d Device
	err := r.db.WithContext(ctx).Where("api_key = ?", apiKey).Take(&d).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (r *repository) ListDevices(ctx context.Context) ([]*Device, error) {
	var devices []*Device
	return devices, r.db.WithContext(ctx).Order("created_at DESC").Find(&devices).Error
}

// MarkDeviceSeen never moves last_seen backwards: a slower writer carrying an
// older timestamp leaves the newer value in place.
func (r *repository) MarkDeviceSeen(ctx context.Context, deviceID string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&Device{}).
		Where("device_id = ?", deviceID).
		Updates(map[string]any{
			"last_seen":  gorm.Expr("GREATEST(COALESCE(last_seen, ?), ?)", at, at),
			"status":     StatusOnline,
			"updated_at": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// MarkDevicesOffline evaluates last_seen inside the UPDATE itself, so a device
// seen after the sweep began is never flipped.
func (r *repository) MarkDevicesOffline(ctx context.Context, cutoff, at time.Time) ([]string, error) {
	var flipped []Device
	err := r.db.WithContext(ctx).Model(&flipped).
		Clauses(clause.Returning{Columns: []clause.Column{{Name: "device_id"}}}).
		Where("status = ? AND (last_seen IS NULL OR last_seen < ?)", StatusOnline, cutoff).
		Updates(map[string]any{"status": StatusOffline, "updated_at": at}).Error
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(flipped))
	for i, d := range flipped {
		ids[i] = d.DeviceID
	}
	return ids, nil
}

func (r *repository) CreateReading(ctx context.Context, reading *Reading) error {
	return r.db.WithContext(ctx).Create(reading).Error
}

func (r *repository) LatestReading(ctx context.Context, deviceID string) (*Reading, error) {
	var reading Reading
	q := r.db.WithContext(ctx)
	if deviceID != "" {
		q = q.Where("device_id = ?", deviceID)
	}
	err := q.Order("timestamp DESC").Order("id DESC").Take(&reading).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReadingNotFound
		}
		return nil, err
	}
	return &reading, nil
}

func (r *repository) QueryReadings(ctx context.Context, f ReadingFilter) ([]*Reading, int64, error) {
	q := r.db.WithContext(ctx).Model(&Reading{})
	if f.DeviceID != "" {
		q = q.Where("device_id = ?", f.DeviceID)
	}
	if f.Start != nil {
		q = q.Where("timestamp >= ?", *f.Start)
	}
	if f.End != nil {
		q = q.Where("timestamp <= ?", *f.End)
	}
	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var readings []*Reading
	err := q.Order("timestamp DESC").Order("id DESC").
		Limit(f.Limit).Offset(f.Offset).
		Find(&readings).Error
	if err != nil {
		return nil, 0, err
	}
	return readings, total, nil
}

func (r *repository) DeleteReadingsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&Reading{})
	return res.RowsAffected, res.Error
}

func (r *repository) ReadingStatistics(ctx context.Context, deviceID string, since time.Time, metrics []string) (*ReadingStatistics, error) {
	stats := &ReadingStatistics{
		DeviceID:       deviceID,
		Since:          since,
		MetricAverages: make(map[string]float64, len(metrics)),
	}

	var (
		avg      sql.NullFloat64
		min, max sql.NullInt64
	)
	row := r.db.WithContext(ctx).Model(&Reading{}).
		Select("COUNT(*), AVG(aqi), MIN(aqi), MAX(aqi)").
		Where("device_id = ? AND timestamp >= ?", deviceID, since).
		Row()
	if err := row.Scan(&stats.Count, &avg, &min, &max); err != nil {
		return nil, err
	}
	if stats.Count == 0 {
		return stats, nil
	}

	if avg.Valid {
		stats.AvgAQI = &avg.Float64
	}
	if min.Valid {
		v := int(min.Int64)
		stats.MinAQI = &v
	}
	if max.Valid {
		v := int(max.Int64)
		stats.MaxAQI = &v
	}
	if len(metrics) == 0 {
		return stats, nil
	}

	exprs := make([]string, len(metrics))
	args := make([]any, len(metrics))
	means := make([]sql.NullFloat64, len(metrics))
	dest := make([]any, len(metrics))
	for i, m := range metrics {
		exprs[i] = "AVG((measurements->>?)::double precision)"
		args[i] = m
		dest[i] = &means[i]
	}
	row = r.db.WithContext(ctx).Model(&Reading{}).
		Select(strings.Join(exprs, ", "), args...).
		Where("device_id = ? AND timestamp >= ?", deviceID, since).
		Row()
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	for i, m := range metrics {
		if means[i].Valid {
			stats.MetricAverages[m] = means[i].Float64
		}
	}
	return stats, nil
}

func isDuplicateKeyError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "SQLSTATE 23505")
}
