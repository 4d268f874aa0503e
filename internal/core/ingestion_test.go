package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/akshad-exe/AirSense/internal/aqi"
	"github.com/akshad-exe/AirSense/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, topic string, message interface{}) error {
	args := m.Called(ctx, topic, message)
	return args.Error(0)
}

type pipelineFixture struct {
	repo     *memRepository
	hub      *Hub
	metrics  *metrics.Metrics
	pipeline *IngestionPipeline
}

func newPipelineFixture(t *testing.T, publisher EventPublisher) *pipelineFixture {
	t.Helper()

	logger := quietLogger()
	repo := newMemRepository()
	repo.seedDevice("esp-1", "key-1", StatusOffline, nil)
	repo.seedDevice("esp-2", "key-2", StatusOffline, nil)

	m := metrics.New(prometheus.NewRegistry())
	hub := NewHub(8, logger, m)
	devices := NewDeviceRegistry(repo, nil, time.Minute, logger)
	readings := NewReadingStore(repo, aqi.MQ135, ReadingStoreOptions{}, logger)

	return &pipelineFixture{
		repo:     repo,
		hub:      hub,
		metrics:  m,
		pipeline: NewIngestionPipeline(devices, readings, hub, publisher, logger, m),
	}
}

func TestIngestRejections(t *testing.T) {
	tests := []struct {
		name string
		req  IngestRequest
		kind ErrorKind
		want *BusinessError
	}{
		{
			name: "missing key",
			req:  IngestRequest{DeviceID: "esp-1", Measurements: validMQ135(10)},
			kind: KindUnauthorized,
			want: ErrAPIKeyRequired,
		},
		{
			name: "unknown key",
			req:  IngestRequest{DeviceID: "esp-1", APIKey: "bogus", Measurements: validMQ135(10)},
			kind: KindUnauthorized,
			want: ErrInvalidAPIKey,
		},
		{
			name: "key of another device",
			req:  IngestRequest{DeviceID: "esp-1", APIKey: "key-2", Measurements: validMQ135(10)},
			kind: KindForbidden,
			want: ErrDeviceMismatch,
		},
		{
			name: "out of range",
			req: IngestRequest{DeviceID: "esp-1", APIKey: "key-1", Measurements: aqi.Measurements{
				"temperature": 20, "humidity": 150, "air_quality_ppm": 10,
			}},
			kind: KindBadRequest,
			want: ErrInvalidReading,
		},
		{
			name: "missing field",
			req: IngestRequest{DeviceID: "esp-1", APIKey: "key-1", Measurements: aqi.Measurements{
				"temperature": 20, "humidity": 50,
			}},
			kind: KindBadRequest,
			want: ErrInvalidReading,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPipelineFixture(t, nil)
			sub := f.hub.Subscribe()

			_, err := f.pipeline.Ingest(context.Background(), tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.kind, KindOf(err))

			assert.Equal(t, 0, f.repo.readingCount())
			assert.Equal(t, 0, f.repo.markSeenCalls)
			assert.Len(t, sub.Events(), 0)
			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IngestRejections.WithLabelValues(SourceHTTP, string(tt.kind))))
		})
	}
}

func TestIngestStoresAndBroadcasts(t *testing.T) {
	f := newPipelineFixture(t, nil)
	sub := f.hub.Subscribe()

	reading, err := f.pipeline.Ingest(context.Background(), IngestRequest{
		DeviceID:     "esp-1",
		APIKey:       "key-1",
		Measurements: validMQ135(150),
	})
	require.NoError(t, err)
	assert.Equal(t, 125, reading.AQI)
	assert.Equal(t, StatusOnline, f.repo.device("esp-1").Status)
	assert.Equal(t, StatusOffline, f.repo.device("esp-2").Status)

	require.Len(t, sub.Events(), 1)
	event := <-sub.Events()
	assert.Equal(t, EventReadingUpdate, event.Type)
	update, ok := event.Data.(ReadingUpdate)
	require.True(t, ok)
	assert.Equal(t, "esp-1", update.DeviceID)
	assert.Equal(t, 125, update.AQI)
	assert.Equal(t, "Poor", update.AirQualityLevel)
	assert.Equal(t, 150.0, update.Measurements["air_quality_ppm"])

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ReadingsAccepted.WithLabelValues(SourceHTTP)))
}

func TestIngestStorageFailureIsInternalAndSilent(t *testing.T) {
	f := newPipelineFixture(t, nil)
	f.repo.createReadingErr = errors.New("connection refused")
	sub := f.hub.Subscribe()

	_, err := f.pipeline.Ingest(context.Background(), IngestRequest{
		DeviceID:     "esp-1",
		APIKey:       "key-1",
		Measurements: validMQ135(10),
		Source:       SourceMQTT,
	})
	require.Error(t, err)
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Len(t, sub.Events(), 0)
	assert.Equal(t, StatusOffline, f.repo.device("esp-1").Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IngestRejections.WithLabelValues(SourceMQTT, string(KindInternal))))
}

func TestIngestForwardsToPublisher(t *testing.T) {
	publisher := new(mockPublisher)
	publisher.On("Publish", mock.Anything, string(EventReadingUpdate), mock.AnythingOfType("core.Event")).
		Return(nil).Once()

	f := newPipelineFixture(t, publisher)
	_, err := f.pipeline.Ingest(context.Background(), IngestRequest{
		DeviceID:     "esp-1",
		APIKey:       "key-1",
		Measurements: validMQ135(10),
	})
	require.NoError(t, err)

	f.pipeline.Wait()
	publisher.AssertExpectations(t)
}

func TestIngestForwardFailureDoesNotFailIngestion(t *testing.T) {
	publisher := new(mockPublisher)
	publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("service bus unavailable"))

	f := newPipelineFixture(t, publisher)
	reading, err := f.pipeline.Ingest(context.Background(), IngestRequest{
		DeviceID:     "esp-1",
		APIKey:       "key-1",
		Measurements: validMQ135(10),
	})
	require.NoError(t, err)
	require.NotNil(t, reading)

	f.pipeline.Wait()
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ForwardFailures))
}

type panickingBroadcaster struct{}

func (panickingBroadcaster) Broadcast(Event) { panic("subscriber set corrupted") }

func TestIngestSurvivesBroadcastPanic(t *testing.T) {
	f := newPipelineFixture(t, nil)
	f.pipeline.broadcaster = panickingBroadcaster{}

	reading, err := f.pipeline.Ingest(context.Background(), IngestRequest{
		DeviceID:     "esp-1",
		APIKey:       "key-1",
		Measurements: validMQ135(10),
	})
	require.NoError(t, err)
	assert.NotNil(t, reading)
	assert.Equal(t, 1, f.repo.readingCount())
}

func TestDecodeIngestRequest(t *testing.T) {
	req, err := DecodeIngestRequest([]byte(`{"device_id":"esp-1","api_key":"k","temperature":21.5,"humidity":40,"air_quality_ppm":80}`))
	require.NoError(t, err)
	assert.Equal(t, "esp-1", req.DeviceID)
	assert.Equal(t, "k", req.APIKey)
	assert.Equal(t, aqi.Measurements{"temperature": 21.5, "humidity": 40, "air_quality_ppm": 80}, req.Measurements)

	for _, payload := range []string{`[1,2]`, `{"device_id":1}`, `{"api_key":true}`} {
		_, err := DecodeIngestRequest([]byte(payload))
		assert.ErrorIs(t, err, ErrInvalidReading, payload)
		assert.Equal(t, KindBadRequest, KindOf(err))
	}
}

func TestDecodeIngestRequestSetsAsideNonNumericFields(t *testing.T) {
	req, err := DecodeIngestRequest([]byte(`{"device_id":"esp-1","api_key":"k","temperature":21.5,"humidity":null,"air_quality_ppm":80,"firmware":"1.2"}`))
	require.NoError(t, err)
	assert.Equal(t, aqi.Measurements{"temperature": 21.5, "air_quality_ppm": 80}, req.Measurements)
	assert.Equal(t, []string{"firmware", "humidity"}, req.NonNumeric)
}

func TestIngestRejectsNullMeasurement(t *testing.T) {
	f := newPipelineFixture(t, nil)
	req, err := DecodeIngestRequest([]byte(`{"device_id":"esp-1","api_key":"key-1","temperature":21.5,"humidity":null,"air_quality_ppm":80}`))
	require.NoError(t, err)

	_, err = f.pipeline.Ingest(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, KindBadRequest, KindOf(err))
	assert.Equal(t, []string{"humidity must be a number"}, AsBusinessError(err).Details)
	assert.Equal(t, 0, f.repo.readingCount())
}

func TestIngestDropsUnknownStringFields(t *testing.T) {
	f := newPipelineFixture(t, nil)
	req, err := DecodeIngestRequest([]byte(`{"device_id":"esp-1","api_key":"key-1","temperature":21.5,"humidity":40,"air_quality_ppm":80,"firmware":"1.2"}`))
	require.NoError(t, err)

	reading, err := f.pipeline.Ingest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, aqi.Measurements{"temperature": 21.5, "humidity": 40, "air_quality_ppm": 80}, reading.Values())
}

// stalledRepository never answers API key lookups before the caller gives up.
type stalledRepository struct {
	*memRepository
}

func (r *stalledRepository) GetDeviceByAPIKey(ctx context.Context, apiKey string) (*Device, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestIngestBoundsAPIKeyLookup(t *testing.T) {
	logger := quietLogger()
	repo := &stalledRepository{memRepository: newMemRepository()}
	hub := NewHub(8, logger, nil)
	devices := NewDeviceRegistry(repo, nil, time.Minute, logger)
	readings := NewReadingStore(repo, aqi.MQ135, ReadingStoreOptions{StoreTimeout: 50 * time.Millisecond}, logger)
	pipeline := NewIngestionPipeline(devices, readings, hub, nil, logger, nil)

	done := make(chan error, 1)
	go func() {
		_, err := pipeline.Ingest(context.Background(), IngestRequest{
			DeviceID:     "esp-1",
			APIKey:       "key-1",
			Measurements: validMQ135(10),
		})
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, KindInternal, KindOf(err))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("ingestion did not give up on the API key lookup")
	}
}
