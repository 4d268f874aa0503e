package infrastructure

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/akshad-exe/AirSense/internal/aqi"
	"github.com/akshad-exe/AirSense/internal/core"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIngestor struct {
	mu   sync.Mutex
	err  error
	seen []core.IngestRequest
}

func (f *fakeIngestor) Ingest(ctx context.Context, req core.IngestRequest) (*core.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, req)
	if f.err != nil {
		return nil, f.err
	}
	return &core.Reading{DeviceID: req.DeviceID}, nil
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestDecodeReadingMessage(t *testing.T) {
	req, err := DecodeReadingMessage("airsense/devices/esp-1/readings",
		[]byte(`{"device_id":"esp-1","api_key":"k","temperature":21.5,"humidity":40,"air_quality_ppm":80}`))
	require.NoError(t, err)

	assert.Equal(t, "esp-1", req.DeviceID)
	assert.Equal(t, "k", req.APIKey)
	assert.Equal(t, core.SourceMQTT, req.Source)
	assert.Equal(t, aqi.Measurements{"temperature": 21.5, "humidity": 40, "air_quality_ppm": 80}, req.Measurements)
}

func TestDecodeReadingMessageFallsBackToTopic(t *testing.T) {
	req, err := DecodeReadingMessage("airsense/devices/esp-7/readings", []byte(`{"api_key":"k","pm25":3}`))
	require.NoError(t, err)
	assert.Equal(t, "esp-7", req.DeviceID)
}

func TestDecodeReadingMessageRejectsBadPayloads(t *testing.T) {
	for _, payload := range []string{
		`not json`,
		`{"device_id": 12}`,
		`{"device_id":"esp-1","api_key":["k"]}`,
	} {
		_, err := DecodeReadingMessage("airsense/devices/esp-1/readings", []byte(payload))
		assert.Error(t, err, payload)
	}
}

func TestDecodeReadingMessageKeepsNullFieldsForValidation(t *testing.T) {
	req, err := DecodeReadingMessage("airsense/devices/esp-1/readings",
		[]byte(`{"device_id":"esp-1","api_key":"k","temperature":21.5,"humidity":null,"air_quality_ppm":80}`))
	require.NoError(t, err)
	assert.NotContains(t, req.Measurements, "humidity")
	assert.Equal(t, []string{"humidity"}, req.NonNumeric)
}

func TestTopicHelpers(t *testing.T) {
	assert.Equal(t, "readings", messageTypeOf("airsense/devices/esp-1/readings"))
	assert.Equal(t, "status", messageTypeOf("status"))
	assert.Equal(t, "esp-1", deviceIDFromTopic("airsense/devices/esp-1/readings"))
	assert.Equal(t, "", deviceIDFromTopic("airsense/readings"))
}

func TestReadingHandlerSpoolsInternalFailures(t *testing.T) {
	wal, err := NewWAL(filepath.Join(t.TempDir(), "dead_letter.log"), WALOptions{})
	require.NoError(t, err)
	defer wal.Close()

	ingestor := &fakeIngestor{err: core.ErrStorage.Wrap(errors.New("connection refused"))}
	handler := NewReadingHandler(ingestor, wal, testLogger(), nil)

	err = handler(context.Background(), "airsense/devices/esp-1/readings",
		[]byte(`{"device_id":"esp-1","api_key":"k","temperature":21,"humidity":40,"air_quality_ppm":80}`))
	require.NoError(t, err)

	entries, err := wal.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, DeadLetterIngest, entries[0].Type)

	var spooledReq core.IngestRequest
	require.NoError(t, entries[0].Decode(&spooledReq))
	assert.Equal(t, "esp-1", spooledReq.DeviceID)
	assert.Equal(t, "k", spooledReq.APIKey)
	assert.Equal(t, 80.0, spooledReq.Measurements["air_quality_ppm"])
}

func TestReadingHandlerDropsClientErrors(t *testing.T) {
	wal, err := NewWAL(filepath.Join(t.TempDir(), "dead_letter.log"), WALOptions{})
	require.NoError(t, err)
	defer wal.Close()

	for _, rejection := range []error{core.ErrInvalidAPIKey, core.ErrDeviceMismatch, core.ErrInvalidReading} {
		handler := NewReadingHandler(&fakeIngestor{err: rejection}, wal, testLogger(), nil)
		require.NoError(t, handler(context.Background(), "airsense/devices/esp-1/readings", []byte(`{"api_key":"k"}`)))
	}

	// Malformed payloads never reach the pipeline.
	ingestor := &fakeIngestor{}
	handler := NewReadingHandler(ingestor, wal, testLogger(), nil)
	require.NoError(t, handler(context.Background(), "airsense/devices/esp-1/readings", []byte(`{`)))
	assert.Empty(t, ingestor.seen)

	entries, err := wal.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReadingHandlerWithoutSpool(t *testing.T) {
	handler := NewReadingHandler(&fakeIngestor{err: core.ErrStorage}, nil, testLogger(), nil)
	err := handler(context.Background(), "airsense/devices/esp-1/readings", []byte(`{"api_key":"k"}`))
	assert.Error(t, err)
}

func TestSubscriberRoutesByMessageType(t *testing.T) {
	sub, err := NewMQTTSubscriber(MQTTConfig{BrokerURL: "tcp://localhost:1883"}, testLogger())
	require.NoError(t, err)
	assert.Contains(t, sub.config.ClientID, "airsense-")

	ingestor := &fakeIngestor{}
	sub.RegisterHandler(MessageTypeReadings, NewReadingHandler(ingestor, nil, testLogger(), nil))

	sub.messageHandler(nil, fakeMessage{
		topic:   "airsense/devices/esp-1/readings",
		payload: []byte(`{"api_key":"k","temperature":21,"humidity":40,"air_quality_ppm":80}`),
	})
	sub.messageHandler(nil, fakeMessage{topic: "airsense/devices/esp-1/firmware", payload: []byte(`{}`)})
	sub.wg.Wait()

	require.Len(t, ingestor.seen, 1)
	assert.Equal(t, "esp-1", ingestor.seen[0].DeviceID)
}

func TestNewMQTTSubscriberRequiresBroker(t *testing.T) {
	_, err := NewMQTTSubscriber(MQTTConfig{}, testLogger())
	assert.Error(t, err)
}
