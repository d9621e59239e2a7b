package server

import (
	"net/http"
	"time"

	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	liveWriteWait      = 10 * time.Second
	livePongWait       = 60 * time.Second
	livePingPeriod     = (livePongWait * 9) / 10
	liveMaxMessageSize = 512
)

var liveUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleLive streams family events to a websocket until either side hangs up.
func (h *httpHandler) handleLive(c *gin.Context) {
	familyID, userID, ok := memberFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, familyID.String())
	defer cleanup()

	conn, err := liveUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("live upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	logger := h.logger.With(zap.String("family_id", familyID.String()), zap.String("user_id", userID.String()))
	logger.Debug("live viewer connected")
	metrics.TrackLiveConnection(true)
	defer func() {
		metrics.TrackLiveConnection(false)
		logger.Debug("live viewer disconnected")
	}()

	closed := make(chan struct{})
	go readLive(conn, closed)

	ticker := time.NewTicker(livePingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ctx.Done():
			return
		case message, ok := <-stream:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := writeLive(conn, message); err != nil {
				logger.Debug("live write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := writeLive(conn, RealtimeMessage{EventType: realtimeEventHeartbeat, Timestamp: time.Now().UTC()}); err != nil {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLive drains the connection so control frames are processed.
func readLive(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(liveMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(livePongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(livePongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeLive(conn *websocket.Conn, message RealtimeMessage) error {
	encoded, err := json.Marshal(message)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(liveWriteWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, encoded)
}
