package api

import (
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/akshad-exe/AirSense/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	defaultWSWriteTimeout = 10 * time.Second
	defaultWSPingInterval = 30 * time.Second

	// Viewers only listen; anything they send is discarded.
	maxInboundMessageSize = 512
)

// welcome is the payload of the connected event.
type welcome struct {
	Message     string `json:"message"`
	Subscribers int    `json:"subscribers"`
}

func (h *APIHandlers) upgrader() *websocket.Upgrader {
	origins := h.opts.AllowedOrigins
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(origins) == 0 || slices.Contains(origins, "*") {
				return true
			}
			if slices.Contains(origins, origin) {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && u.Host == r.Host
		},
	}
}

// LiveUpdates upgrades the request to a WebSocket and streams hub events as
// JSON envelopes until either side goes away.
func (h *APIHandlers) LiveUpdates(c *gin.Context) {
	conn, err := h.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.logger.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	hub := h.services.Hub
	sub := hub.Subscribe()

	h.logger.WithFields(logrus.Fields{
		"subscriber": sub.ID(),
		"client_ip":  c.ClientIP(),
	}).Info("WebSocket client connected")

	s := &wsSession{
		conn:         conn,
		sub:          sub,
		writeTimeout: orDefault(h.opts.WSWriteTimeout, defaultWSWriteTimeout),
		pingInterval: orDefault(h.opts.WSPingInterval, defaultWSPingInterval),
		logger:       h.logger,
	}
	s.serve(core.Event{
		Type:      core.EventConnected,
		Data:      welcome{Message: "Connected to AirSense live updates", Subscribers: hub.ConnectedCount()},
		Timestamp: time.Now().UTC(),
	})

	hub.Unsubscribe(sub)
	h.logger.WithField("subscriber", sub.ID()).Info("WebSocket client disconnected")
}

type wsSession struct {
	conn         *websocket.Conn
	sub          *core.Subscription
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *logrus.Logger
}

// serve writes hello and then every event of the subscription. It returns
// when the client disconnects, a write fails or the hub drops the
// subscription.
func (s *wsSession) serve(hello core.Event) {
	defer s.conn.Close()

	closed := make(chan struct{})
	go s.readPump(closed)

	if err := s.write(hello); err != nil {
		return
	}

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-s.sub.Events():
			if !ok {
				// Dropped by the hub, typically for falling behind.
				s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber dropped"),
					time.Now().Add(s.writeTimeout))
				return
			}
			if err := s.write(event); err != nil {
				s.logger.WithError(err).WithField("subscriber", s.sub.ID()).Debug("WebSocket write failed")
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func (s *wsSession) write(event core.Event) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteJSON(event)
}

// readPump consumes control frames so pongs are processed, and signals
// closed when the peer goes away or stops answering pings.
func (s *wsSession) readPump(closed chan<- struct{}) {
	defer close(closed)

	pongWait := s.pingInterval + s.writeTimeout
	s.conn.SetReadLimit(maxInboundMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
