package core

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// memRepository is an in-memory Repository. WithTransaction snapshots the
// state and restores it when fn fails.
type memRepository struct {
	mu       sync.Mutex
	devices  map[string]*Device
	readings []*Reading
	nextID   uint64

	createReadingErr error
	markSeenErr      error
	sweepErr         error

	markSeenCalls   int
	apiKeyLookups   int
	createdReadings int
}

func newMemRepository() *memRepository {
	return &memRepository{devices: make(map[string]*Device)}
}

func (r *memRepository) WithTransaction(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	r.mu.Lock()
	devices := make(map[string]*Device, len(r.devices))
	for id, d := range r.devices {
		cp := *d
		devices[id] = &cp
	}
	readings := append([]*Reading(nil), r.readings...)
	nextID := r.nextID
	r.mu.Unlock()

	if err := fn(ctx, r); err != nil {
		r.mu.Lock()
		r.devices, r.readings, r.nextID = devices, readings, nextID
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *memRepository) Ping(ctx context.Context) error { return nil }

func (r *memRepository) CreateDevice(ctx context.Context, d *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[d.DeviceID]; ok {
		return ErrDeviceAlreadyExists
	}
	for _, existing := range r.devices {
		if existing.APIKey == d.APIKey {
			return ErrDeviceAlreadyExists
		}
	}
	cp := *d
	r.devices[d.DeviceID] = &cp
	return nil
}

func (r *memRepository) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *memRepository) GetDeviceByAPIKey(ctx context.Context, apiKey string) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.apiKeyLookups++
	for _, d := range r.devices {
		if d.APIKey == apiKey {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrDeviceNotFound
}

func (r *memRepository) ListDevices(ctx context.Context) ([]*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	devices := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		cp := *d
		devices = append(devices, &cp)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].CreatedAt.After(devices[j].CreatedAt)
	})
	return devices, nil
}

func (r *memRepository) MarkDeviceSeen(ctx context.Context, deviceID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.markSeenCalls++
	if r.markSeenErr != nil {
		return r.markSeenErr
	}
	d, ok := r.devices[deviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	if d.LastSeen == nil || at.After(*d.LastSeen) {
		seen := at
		d.LastSeen = &seen
	}
	d.Status = StatusOnline
	d.UpdatedAt = at
	return nil
}

func (r *memRepository) MarkDevicesOffline(ctx context.Context, cutoff, at time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sweepErr != nil {
		return nil, r.sweepErr
	}
	var ids []string
	for id, d := range r.devices {
		if d.Status == StatusOnline && (d.LastSeen == nil || d.LastSeen.Before(cutoff)) {
			d.Status = StatusOffline
			d.UpdatedAt = at
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *memRepository) CreateReading(ctx context.Context, reading *Reading) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.createReadingErr != nil {
		return r.createReadingErr
	}
	r.nextID++
	reading.ID = r.nextID
	cp := *reading
	r.readings = append(r.readings, &cp)
	r.createdReadings++
	return nil
}

func (r *memRepository) LatestReading(ctx context.Context, deviceID string) (*Reading, error) {
	readings, _, _ := r.QueryReadings(ctx, ReadingFilter{DeviceID: deviceID, Limit: 1})
	if len(readings) == 0 {
		return nil, ErrReadingNotFound
	}
	return readings[0], nil
}

func (r *memRepository) QueryReadings(ctx context.Context, f ReadingFilter) ([]*Reading, int64, error) {
	matched := r.matching(f.DeviceID, f.Start, f.End)
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].ID > matched[j].ID
	})

	total := int64(len(matched))
	if f.Offset >= len(matched) {
		return []*Reading{}, total, nil
	}
	end := f.Offset + f.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[f.Offset:end], total, nil
}

func (r *memRepository) DeleteReadingsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.readings[:0]
	var deleted int64
	for _, reading := range r.readings {
		if reading.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, reading)
	}
	r.readings = kept
	return deleted, nil
}

func (r *memRepository) ReadingStatistics(ctx context.Context, deviceID string, since time.Time, metrics []string) (*ReadingStatistics, error) {
	matched := r.matching(deviceID, &since, nil)
	stats := &ReadingStatistics{
		DeviceID:       deviceID,
		Since:          since,
		Count:          int64(len(matched)),
		MetricAverages: make(map[string]float64),
	}
	if len(matched) == 0 {
		return stats, nil
	}

	sum, minAQI, maxAQI := 0, matched[0].AQI, matched[0].AQI
	sums := make(map[string]float64)
	for _, reading := range matched {
		sum += reading.AQI
		if reading.AQI < minAQI {
			minAQI = reading.AQI
		}
		if reading.AQI > maxAQI {
			maxAQI = reading.AQI
		}
		for _, m := range metrics {
			sums[m] += reading.Values()[m]
		}
	}
	avg := float64(sum) / float64(len(matched))
	stats.AvgAQI, stats.MinAQI, stats.MaxAQI = &avg, &minAQI, &maxAQI
	for _, m := range metrics {
		stats.MetricAverages[m] = sums[m] / float64(len(matched))
	}
	return stats, nil
}

func (r *memRepository) matching(deviceID string, start, end *time.Time) []*Reading {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Reading
	for _, reading := range r.readings {
		if deviceID != "" && reading.DeviceID != deviceID {
			continue
		}
		if start != nil && reading.Timestamp.Before(*start) {
			continue
		}
		if end != nil && reading.Timestamp.After(*end) {
			continue
		}
		cp := *reading
		out = append(out, &cp)
	}
	return out
}

// device returns a copy of the stored device, or nil.
func (r *memRepository) device(id string) *Device {
	d, err := r.GetDevice(context.Background(), id)
	if err != nil {
		return nil
	}
	return d
}

func (r *memRepository) readingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.readings)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// seedDevice inserts a device directly, bypassing registration.
func (r *memRepository) seedDevice(id, key string, status DeviceStatus, lastSeen *time.Time) {
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[id] = &Device{
		DeviceID:  id,
		APIKey:    key,
		Status:    status,
		LastSeen:  lastSeen,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
