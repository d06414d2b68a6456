package handlers

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jddunn/safeos/internal/events"
	"github.com/jddunn/safeos/internal/models"
	"github.com/jddunn/safeos/pkg/logging"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from an intake peer. Frames arrive as
	// base64-encoded JPEG, so this has to fit a whole camera snapshot.
	maxFrameMessage = 10 << 20

	// Maximum message size allowed from a signaling peer. SDP offers are
	// text; nothing legitimate comes close to this.
	maxSignalMessage = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// intakeMessage is the client-to-server frame on the intake socket.
type intakeMessage struct {
	Type        string  `json:"type"`
	Data        string  `json:"data,omitempty"`
	MotionScore float64 `json:"motion_score,omitempty"`
	AudioLevel  float64 `json:"audio_level,omitempty"`
}

// intakeClient is one capture device's socket. It satisfies the stream
// manager's Socket interface so ending a stream force-closes the connection.
type intakeClient struct {
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.Mutex
	closed bool
	logger logging.Logger
}

func (c *intakeClient) Close() error {
	return c.conn.Close()
}

// trySend queues a message without blocking. Returns false once the send
// channel is closed or full.
func (c *intakeClient) trySend(message []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

func (c *intakeClient) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *intakeClient) sendJSON(v any) {
	message, err := json.Marshal(v)
	if err != nil {
		c.logger.WithError(err).Error("Failed to marshal intake message")
		return
	}
	if !c.trySend(message) {
		c.logger.Warn("Intake send queue full, dropping message")
	}
}

func (c *intakeClient) sendError(message string) {
	c.sendJSON(gin.H{"type": "error", "message": message})
}

// writePump drains the send channel onto the wire and keeps the connection
// alive with pings.
func (c *intakeClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current WebSocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// StreamSocket is the per-stream intake endpoint. One socket per stream;
// frames received here go straight into the analysis pipeline.
func (h *Handlers) StreamSocket(c *gin.Context) {
	streamID := c.Param("id")
	if h.manager.Get(streamID) == nil {
		c.JSON(http.StatusNotFound, models.Fail("stream not found"))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade intake connection")
		return
	}

	client := &intakeClient{
		conn:   conn,
		send:   make(chan []byte, 256),
		logger: h.logger,
	}

	if err := h.manager.AttachSocket(streamID, client); err != nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteJSON(gin.H{"type": "error", "message": err.Error()})
		conn.Close()
		return
	}

	h.logger.WithFields(logging.Fields{
		"stream_id": streamID,
	}).Info("Intake socket connected")

	go client.writePump()
	client.sendJSON(gin.H{
		"type":      "connected",
		"stream_id": streamID,
		"timestamp": time.Now().UTC(),
	})

	h.readIntake(streamID, client)
}

// readIntake pumps client messages until the socket drops. Runs on the
// handler goroutine; teardown detaches the socket but leaves the stream live
// so a reconnect picks it back up.
func (h *Handlers) readIntake(streamID string, client *intakeClient) {
	var sub *events.Subscriber
	defer func() {
		if sub != nil {
			sub.Close()
		}
		h.manager.DetachSocket(streamID, client)
		client.closeSend()
		client.conn.Close()
		h.logger.WithFields(logging.Fields{
			"stream_id": streamID,
		}).Info("Intake socket disconnected")
	}()

	client.conn.SetReadLimit(maxFrameMessage)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.WithError(err).WithFields(logging.Fields{
					"stream_id": streamID,
				}).Error("Intake connection error")
			}
			return
		}

		var msg intakeMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			client.sendError("invalid message")
			continue
		}

		switch msg.Type {
		case "frame":
			h.handleFrame(streamID, client, msg)

		case "ping":
			h.manager.UpdatePing(streamID)
			client.sendJSON(gin.H{"type": "ack", "original_type": "ping"})

		case "subscribe":
			if sub == nil {
				sub = h.hub.Subscribe(streamID)
				if sub == nil {
					client.sendError("event hub unavailable")
					continue
				}
				go forwardEvents(sub, client)
			}
			client.sendJSON(gin.H{"type": "ack", "original_type": "subscribe"})

		default:
			client.sendError("unknown message type: " + msg.Type)
		}
	}
}

// handleFrame decodes one captured frame and hands it to the pipeline. The
// payload never leaves process memory.
func (h *Handlers) handleFrame(streamID string, client *intakeClient, msg intakeMessage) {
	data := msg.Data
	// Browsers send canvas captures as data URLs; strip to the raw base64.
	if idx := strings.Index(data, ","); idx >= 0 && strings.HasPrefix(data, "data:") {
		data = data[idx+1:]
	}
	payload, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		client.sendError("frame data is not valid base64")
		return
	}
	if len(payload) == 0 {
		client.sendError("frame data is empty")
		return
	}

	frame := models.Frame{
		ID:          uuid.New().String(),
		StreamID:    streamID,
		CapturedAt:  time.Now().UTC(),
		Payload:     payload,
		MotionScore: msg.MotionScore,
		AudioLevel:  msg.AudioLevel,
	}

	h.manager.IncFrames(streamID)
	h.pipeline.Enqueue(streamID, frame)
	client.sendJSON(gin.H{"type": "frame_received", "stream_id": streamID})
}

// forwardEvents relays hub events the capture client cares about: fresh
// alerts and escalation steps, so the device can sound locally.
func forwardEvents(sub *events.Subscriber, client *intakeClient) {
	for event := range sub.C() {
		var out map[string]any
		switch event.Type {
		case events.TypeAlertCreated:
			out = map[string]any{"type": "alert"}
		case events.TypeEscalation:
			out = map[string]any{"type": "escalation"}
		default:
			continue
		}
		for k, v := range event.Data {
			out[k] = v
		}
		out["stream_id"] = event.StreamID
		out["timestamp"] = event.Timestamp

		message, err := json.Marshal(out)
		if err != nil {
			continue
		}
		client.trySend(message)
	}
}
