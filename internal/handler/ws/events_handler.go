package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"callsignal/internal/service/call"
	"callsignal/pkg/constants"
	"callsignal/pkg/logger"
	"callsignal/pkg/metrics"
)

// EventSource is the orchestrator's event feed
type EventSource interface {
	Subscribe() (<-chan call.Event, func())
}

// EventsHandler streams orchestrator events to UI websocket connections
type EventsHandler struct {
	source   EventSource
	upgrader websocket.Upgrader

	// Concurrency limit on open streams
	maxConnections int
	semaphore      chan struct{}
}

// eventsClient is one UI connection
type eventsClient struct {
	conn        *websocket.Conn
	events      <-chan call.Event
	unsubscribe func()
}

// NewEventsHandler creates a handler over source. checkOrigin may be nil to
// accept any origin.
func NewEventsHandler(source EventSource, maxConnections int, checkOrigin func(r *http.Request) bool) *EventsHandler {
	if maxConnections <= 0 {
		maxConnections = 16
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &EventsHandler{
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		maxConnections: maxConnections,
		semaphore:      make(chan struct{}, maxConnections),
	}
}

// ServeWS upgrades the request and streams events until either side closes
// GET /v1/calls/events
func (h *EventsHandler) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("Event stream rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Too many event streams"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		metrics.WebSocketErrorsTotal.WithLabelValues("upgrade").Inc()
		logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	events, unsubscribe := h.source.Subscribe()
	client := &eventsClient{conn: conn, events: events, unsubscribe: unsubscribe}
	metrics.WebSocketConnections.Inc()

	go func() {
		client.writePump()
		metrics.WebSocketConnections.Dec()
		<-h.semaphore
	}()
	go client.readPump()
}

// readPump discards inbound frames and ends the subscription on disconnect
func (c *eventsClient) readPump() {
	defer func() {
		c.unsubscribe()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				metrics.WebSocketErrorsTotal.WithLabelValues("read").Inc()
				logger.Debug("Event stream closed", zap.Error(err))
			}
			return
		}
	}
}

// writePump writes events and keepalive pings
func (c *eventsClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval * 9 / 10)
	defer func() {
		ticker.Stop()
		c.unsubscribe()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.events:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "event stream closed"))
				return
			}

			payload, err := json.Marshal(ev)
			if err != nil {
				metrics.WebSocketErrorsTotal.WithLabelValues("encode").Inc()
				logger.Error("Failed to encode call event", zap.Error(err))
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				metrics.WebSocketErrorsTotal.WithLabelValues("write").Inc()
				return
			}
			metrics.WebSocketMessagesTotal.WithLabelValues(string(ev.Type)).Inc()

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
