package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/akshad-exe/AirSense/internal/aqi"
	"github.com/akshad-exe/AirSense/internal/metrics"
	"github.com/akshad-exe/AirSense/internal/utils"
	"github.com/sirupsen/logrus"
)

// Ingestion sources.
const (
	SourceHTTP   = "http"
	SourceMQTT   = "mqtt"
	SourceReplay = "replay"
)

const defaultForwardTimeout = 5 * time.Second

// Stage is a step of the ingestion state machine.
type Stage string

const (
	StageReceived      Stage = "received"
	StageAuthenticated Stage = "authenticated"
	StageValidated     Stage = "validated"
	StageStored        Stage = "stored"
	StageBroadcast     Stage = "broadcast"
	StageComplete      Stage = "complete"
)

// EventPublisher forwards events to an external message bus.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, message interface{}) error
}

// IngestRequest is one reading submission as delivered by a transport.
// NonNumeric names submitted fields whose value was not a number; only the
// ones the sensor profile expects reject the reading.
type IngestRequest struct {
	DeviceID     string           `json:"device_id"`
	APIKey       string           `json:"api_key"`
	Measurements aqi.Measurements `json:"measurements"`
	NonNumeric   []string         `json:"non_numeric,omitempty"`
	Source       string           `json:"source,omitempty"`
}

// DecodeIngestRequest parses a submission sent as a flat JSON object:
// device_id, api_key and one number per measurement, e.g.
//
//	{"device_id":"esp-1","api_key":"...","temperature":21.5,"humidity":40,"air_quality_ppm":80}
//
// Malformed payloads yield ErrInvalidReading with the offending field. Other
// keys holding null or a non-number are listed in NonNumeric and judged
// against the sensor profile during validation.
func DecodeIngestRequest(payload []byte) (IngestRequest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return IngestRequest{}, ErrInvalidReading.WithDetails("body must be a JSON object")
	}

	req := IngestRequest{Measurements: make(aqi.Measurements, len(fields))}
	for name, raw := range fields {
		switch name {
		case "device_id":
			if err := json.Unmarshal(raw, &req.DeviceID); err != nil {
				return IngestRequest{}, ErrInvalidReading.WithDetails("device_id must be a string")
			}
		case "api_key":
			if err := json.Unmarshal(raw, &req.APIKey); err != nil {
				return IngestRequest{}, ErrInvalidReading.WithDetails("api_key must be a string")
			}
		default:
			var value float64
			// null unmarshals into a float64 without error and would read as 0.
			if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) || json.Unmarshal(raw, &value) != nil {
				req.NonNumeric = append(req.NonNumeric, name)
				continue
			}
			req.Measurements[name] = value
		}
	}
	sort.Strings(req.NonNumeric)
	return req, nil
}

// --- Ingestion Pipeline ---

type IngestionPipeline struct {
	devices     *DeviceRegistry
	readings    *ReadingStore
	broadcaster Broadcaster
	publisher   EventPublisher
	logger      *logrus.Logger
	metrics     *metrics.Metrics

	// lookupTimeout bounds the API key lookup the same way storeTimeout
	// bounds the write.
	lookupTimeout  time.Duration
	forwardTimeout time.Duration
	forwards       sync.WaitGroup
}

// NewIngestionPipeline wires the pipeline. publisher may be nil.
func NewIngestionPipeline(devices *DeviceRegistry, readings *ReadingStore, broadcaster Broadcaster, publisher EventPublisher, logger *logrus.Logger, m *metrics.Metrics) *IngestionPipeline {
	return &IngestionPipeline{
		devices:        devices,
		readings:       readings,
		broadcaster:    broadcaster,
		publisher:      publisher,
		logger:         logger,
		metrics:        m,
		lookupTimeout:  readings.storeTimeout,
		forwardTimeout: defaultForwardTimeout,
	}
}

// Ingest authenticates, validates and stores one reading, then announces it.
// The returned error is always a *BusinessError carrying the rejection kind.
func (p *IngestionPipeline) Ingest(ctx context.Context, req IngestRequest) (*Reading, error) {
	start := time.Now()
	if req.Source == "" {
		req.Source = SourceHTTP
	}

	reading, stage, err := p.ingest(ctx, req)
	if err != nil {
		be := AsBusinessError(err)
		p.metrics.ObserveIngest(req.Source, string(be.Kind), time.Since(start))
		p.logRejection(req, stage, be)
		return nil, be
	}

	p.metrics.ObserveIngest(req.Source, "", time.Since(start))
	return reading, nil
}

func (p *IngestionPipeline) ingest(ctx context.Context, req IngestRequest) (*Reading, Stage, error) {
	if req.APIKey == "" {
		return nil, StageReceived, ErrAPIKeyRequired
	}

	device, err := p.authenticate(ctx, req.APIKey)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return nil, StageReceived, ErrInvalidAPIKey
		}
		return nil, StageReceived, ErrStorage.Wrap(err)
	}

	if req.DeviceID != device.DeviceID {
		return nil, StageAuthenticated, ErrDeviceMismatch
	}

	if err := p.readings.Validate(req.Measurements, req.NonNumeric...); err != nil {
		return nil, StageAuthenticated, err
	}

	reading, err := p.readings.Store(ctx, device.DeviceID, req.Measurements)
	if err != nil {
		return nil, StageValidated, err
	}

	p.announce(reading)
	return reading, StageComplete, nil
}

func (p *IngestionPipeline) authenticate(ctx context.Context, apiKey string) (*Device, error) {
	ctx, cancel := context.WithTimeout(ctx, p.lookupTimeout)
	defer cancel()
	return p.devices.FindByAPIKey(ctx, apiKey)
}

// announce never fails the ingestion: the reading is already stored.
func (p *IngestionPipeline) announce(reading *Reading) {
	event := NewReadingUpdate(reading)

	func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.WithField("panic", r).Error("Broadcast panicked")
			}
		}()
		p.broadcaster.Broadcast(event)
	}()

	if p.publisher == nil {
		return
	}

	p.forwards.Add(1)
	go func() {
		defer p.forwards.Done()

		ctx, cancel := context.WithTimeout(context.Background(), p.forwardTimeout)
		defer cancel()

		if err := p.publisher.Publish(ctx, string(event.Type), event); err != nil {
			p.metrics.ForwardFailed()
			p.logger.WithError(err).WithFields(logrus.Fields{
				"device_id":  reading.DeviceID,
				"reading_id": reading.ID,
			}).Error("Failed to forward reading")
		}
	}()
}

// Wait blocks until in-flight forwards have finished.
func (p *IngestionPipeline) Wait() {
	p.forwards.Wait()
}

func (p *IngestionPipeline) logRejection(req IngestRequest, stage Stage, be *BusinessError) {
	entry := p.logger.WithFields(logrus.Fields{
		"stage":     stage,
		"kind":      be.Kind,
		"code":      be.Code,
		"source":    req.Source,
		"device_id": req.DeviceID,
		"api_key":   utils.MaskKey(req.APIKey),
	})
	if len(be.Details) > 0 {
		entry = entry.WithField("details", be.Details)
	}

	if be.Kind == KindInternal {
		entry.WithError(be.Err).Error("Ingestion failed")
		return
	}
	entry.Warn("Ingestion rejected")
}
