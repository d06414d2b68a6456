package handlers

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/jddunn/safeos/internal/signaling"
	"github.com/jddunn/safeos/pkg/logging"
)

// SignalingSocket bridges a WebSocket connection onto the signaling switch.
// The switch owns all room state; this handler only moves frames.
func (h *Handlers) SignalingSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade signaling connection")
		return
	}

	peer := h.sw.Connect()
	h.logger.WithFields(logging.Fields{
		"peer_id": peer.ID(),
	}).Debug("Signaling socket connected")

	go signalWritePump(conn, peer)

	defer func() {
		// Disconnect closes the peer's queue, which stops the write pump.
		h.sw.Disconnect(peer)
		conn.Close()
	}()

	conn.SetReadLimit(maxSignalMessage)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env signaling.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			h.sw.Reject(peer, "malformed frame")
			continue
		}
		h.sw.Handle(peer, env)
	}
}

// signalWritePump serializes switch frames onto the wire. Exits when the
// peer's queue is closed by Disconnect.
func signalWritePump(conn *websocket.Conn, peer *signaling.Peer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case env, ok := <-peer.C():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(env); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
