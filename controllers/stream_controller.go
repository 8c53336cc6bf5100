package controllers

import (
	"io"
	"time"

	"github.com/TNZtims/bazaar-pos-sub001/common/logger"
	"github.com/TNZtims/bazaar-pos-sub001/fanout"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Stream event names that are not inventory events.
const (
	StreamEventReady  = "ready"
	StreamEventLagged = "lagged"
)

// Rooms is the subset of the fan-out hub the stream endpoint uses.
type Rooms interface {
	Join(storeID, sessionID string) *fanout.Subscriber
	Leave(sub *fanout.Subscriber)
}

// StreamController serves store rooms as Server-Sent Events.
type StreamController struct {
	rooms     Rooms
	heartbeat time.Duration
	logger    *zap.Logger
}

func NewStreamController(rooms Rooms, heartbeat time.Duration, logger *zap.Logger) *StreamController {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamController{rooms: rooms, heartbeat: heartbeat, logger: logger}
}

// Stream joins the caller to the store room and relays events until the
// client goes away or falls behind. A lagging client receives a final
// "lagged" event and must reconnect and re-fetch the product list.
// GET /inventory/stores/:storeId/stream
func (sc *StreamController) Stream(c *gin.Context) {
	storeID := c.Param("storeId")
	sessionID := c.Query("session")
	if sessionID == "" {
		sessionID = c.GetHeader("X-Session-ID")
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	// Every connection gets its own queue, also when one session holds
	// several (two tabs, or a reconnect racing the old handler).
	connID := uuid.NewString()
	log := logger.For(c.Request.Context(), sc.logger).With(
		zap.String("store_id", storeID),
		zap.String("session_id", sessionID),
		zap.String("connection_id", connID),
	)

	sub := sc.rooms.Join(storeID, sessionID+"/"+connID)
	defer sc.rooms.Leave(sub)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(sc.heartbeat)
	defer ticker.Stop()

	c.SSEvent(StreamEventReady, gin.H{"store_id": storeID, "session_id": sessionID, "connection_id": connID})
	c.Writer.Flush()
	log.Debug("Stream opened")

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-sub.Events():
			if !ok {
				if sub.Lagged() {
					log.Warn("Stream subscriber lagged, closing")
					c.SSEvent(StreamEventLagged, gin.H{"session_id": sessionID})
				}
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-ticker.C:
			_, _ = io.WriteString(w, ": ping\n\n")
			return true
		}
	})
	log.Debug("Stream closed")
}
