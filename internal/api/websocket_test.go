package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/akshad-exe/AirSense/internal/core"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialLive(t *testing.T, f *apiFixture) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(f.router)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type wireEvent struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

func readEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event wireEvent
	require.NoError(t, conn.ReadJSON(&event))
	return event
}

func TestLiveUpdatesStream(t *testing.T) {
	f := newFixture(t, Options{})
	conn := dialLive(t, f)

	welcome := readEvent(t, conn)
	assert.Equal(t, string(core.EventConnected), welcome.Type)
	assert.EqualValues(t, 1, welcome.Data["subscribers"])
	assert.Equal(t, 1, f.services.Hub.ConnectedCount())

	f.services.Hub.Broadcast(core.Event{
		Type:      core.EventDeviceStatus,
		Data:      core.DeviceStatusUpdate{DeviceID: "esp-1", Status: core.StatusOffline},
		Timestamp: time.Now().UTC(),
	})

	event := readEvent(t, conn)
	assert.Equal(t, string(core.EventDeviceStatus), event.Type)
	assert.Equal(t, "esp-1", event.Data["device_id"])
	assert.Equal(t, "offline", event.Data["status"])
}

func TestLiveUpdatesUnsubscribeOnDisconnect(t *testing.T) {
	f := newFixture(t, Options{})
	conn := dialLive(t, f)
	readEvent(t, conn)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		return f.services.Hub.ConnectedCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLiveUpdatesClosedWhenHubCloses(t *testing.T) {
	f := newFixture(t, Options{})
	conn := dialLive(t, f)
	readEvent(t, conn)

	f.services.Hub.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
}
