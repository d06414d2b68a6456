package handlers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jddunn/safeos/internal/events"
)

// wsReader splits batched socket messages back into individual JSON frames.
type wsReader struct {
	conn    *websocket.Conn
	pending [][]byte
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *wsReader {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsReader{conn: conn}
}

func (r *wsReader) next(t *testing.T) map[string]any {
	t.Helper()
	for len(r.pending) == 0 {
		r.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := r.conn.ReadMessage()
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		for _, part := range bytes.Split(raw, []byte{'\n'}) {
			if len(part) > 0 {
				r.pending = append(r.pending, part)
			}
		}
	}
	head := r.pending[0]
	r.pending = r.pending[1:]

	var msg map[string]any
	if err := json.Unmarshal(head, &msg); err != nil {
		t.Fatalf("decode frame %q: %v", head, err)
	}
	return msg
}

// nextOfType drains frames until one matches, so tests survive interleaved
// acks and forwarded events.
func (r *wsReader) nextOfType(t *testing.T, want string) map[string]any {
	t.Helper()
	for i := 0; i < 10; i++ {
		msg := r.next(t)
		if msg["type"] == want {
			return msg
		}
	}
	t.Fatalf("no %q frame in the first 10 messages", want)
	return nil
}

func (r *wsReader) send(t *testing.T, v any) {
	t.Helper()
	r.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := r.conn.WriteJSON(v); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestStreamSocketRejectsUnknownStream(t *testing.T) {
	hs := newHarness(t)
	srv := httptest.NewServer(hs.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/stream/ghost"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake failure for unknown stream")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 handshake, got %+v", resp)
	}
}

func TestStreamSocketFrameFlow(t *testing.T) {
	hs := newHarness(t)
	srv := httptest.NewServer(hs.router)
	t.Cleanup(srv.Close)
	stream := hs.createStream(t, "cam")

	ws := dialWS(t, srv, "/ws/stream/"+stream.ID)
	connected := ws.next(t)
	if connected["type"] != "connected" || connected["stream_id"] != stream.ID {
		t.Fatalf("unexpected welcome %v", connected)
	}

	payload := base64.StdEncoding.EncodeToString([]byte("jpeg bytes"))
	ws.send(t, map[string]any{
		"type":         "frame",
		"data":         "data:image/jpeg;base64," + payload,
		"motion_score": 0.42,
		"audio_level":  0.1,
	})

	ack := ws.nextOfType(t, "frame_received")
	if ack["stream_id"] != stream.ID {
		t.Fatalf("unexpected ack %v", ack)
	}

	frames := hs.pipe.all()
	if len(frames) != 1 {
		t.Fatalf("expected 1 enqueued frame, got %d", len(frames))
	}
	got := frames[0]
	if got.streamID != stream.ID {
		t.Fatalf("frame routed to %s", got.streamID)
	}
	if string(got.frame.Payload) != "jpeg bytes" {
		t.Fatalf("payload corrupted: %q", got.frame.Payload)
	}
	if got.frame.MotionScore != 0.42 {
		t.Fatalf("motion score lost: %v", got.frame.MotionScore)
	}
	if live := hs.manager.Get(stream.ID); live.FrameCount != 1 {
		t.Fatalf("frame counter not bumped: %d", live.FrameCount)
	}
}

func TestStreamSocketRejectsBadFrameData(t *testing.T) {
	hs := newHarness(t)
	srv := httptest.NewServer(hs.router)
	t.Cleanup(srv.Close)
	stream := hs.createStream(t, "cam")

	ws := dialWS(t, srv, "/ws/stream/"+stream.ID)
	ws.next(t)

	ws.send(t, map[string]any{"type": "frame", "data": "!!not base64!!"})
	errFrame := ws.nextOfType(t, "error")
	if msg, _ := errFrame["message"].(string); !strings.Contains(msg, "base64") {
		t.Fatalf("unexpected error %v", errFrame)
	}
	if len(hs.pipe.all()) != 0 {
		t.Fatal("bad frame must not reach the pipeline")
	}
}

func TestStreamSocketPingKeepsLiveness(t *testing.T) {
	hs := newHarness(t)
	srv := httptest.NewServer(hs.router)
	t.Cleanup(srv.Close)
	stream := hs.createStream(t, "cam")

	ws := dialWS(t, srv, "/ws/stream/"+stream.ID)
	ws.next(t)

	before := hs.manager.Get(stream.ID).LastPing
	time.Sleep(10 * time.Millisecond)
	ws.send(t, map[string]any{"type": "ping"})
	ack := ws.nextOfType(t, "ack")
	if ack["original_type"] != "ping" {
		t.Fatalf("unexpected ack %v", ack)
	}
	if !hs.manager.Get(stream.ID).LastPing.After(before) {
		t.Fatal("ping did not refresh liveness")
	}
}

func TestStreamSocketSubscribeForwardsAlerts(t *testing.T) {
	hs := newHarness(t)
	srv := httptest.NewServer(hs.router)
	t.Cleanup(srv.Close)
	stream := hs.createStream(t, "cam")

	ws := dialWS(t, srv, "/ws/stream/"+stream.ID)
	ws.next(t)

	ws.send(t, map[string]any{"type": "subscribe"})
	ws.nextOfType(t, "ack")

	hs.hub.Publish(events.Event{
		Type:     events.TypeAlertCreated,
		StreamID: stream.ID,
		Data:     map[string]any{"alert_id": "a1", "severity": "urgent"},
	})

	alert := ws.nextOfType(t, "alert")
	if alert["alert_id"] != "a1" || alert["stream_id"] != stream.ID {
		t.Fatalf("unexpected forwarded alert %v", alert)
	}
}

func TestStreamSocketIgnoresOtherStreamsEvents(t *testing.T) {
	hs := newHarness(t)
	srv := httptest.NewServer(hs.router)
	t.Cleanup(srv.Close)
	stream := hs.createStream(t, "cam")
	other := hs.createStream(t, "other")

	ws := dialWS(t, srv, "/ws/stream/"+stream.ID)
	ws.next(t)
	ws.send(t, map[string]any{"type": "subscribe"})
	ws.nextOfType(t, "ack")

	hs.hub.Publish(events.Event{
		Type:     events.TypeAlertCreated,
		StreamID: other.ID,
		Data:     map[string]any{"alert_id": "other-alert"},
	})
	hs.hub.Publish(events.Event{
		Type:     events.TypeEscalation,
		StreamID: stream.ID,
		Data:     map[string]any{"alert_id": "mine", "level": 2},
	})

	got := ws.nextOfType(t, "escalation")
	if got["alert_id"] != "mine" {
		t.Fatalf("received someone else's event: %v", got)
	}
}

func TestStreamSocketSecondConnectionConflicts(t *testing.T) {
	hs := newHarness(t)
	srv := httptest.NewServer(hs.router)
	t.Cleanup(srv.Close)
	stream := hs.createStream(t, "cam")

	first := dialWS(t, srv, "/ws/stream/"+stream.ID)
	first.next(t)

	second := dialWS(t, srv, "/ws/stream/"+stream.ID)
	errFrame := second.next(t)
	if errFrame["type"] != "error" {
		t.Fatalf("expected error frame, got %v", errFrame)
	}
	if msg, _ := errFrame["message"].(string); !strings.Contains(msg, "socket") {
		t.Fatalf("unexpected conflict message %q", msg)
	}
}

func TestStreamSocketUnknownMessageType(t *testing.T) {
	hs := newHarness(t)
	srv := httptest.NewServer(hs.router)
	t.Cleanup(srv.Close)
	stream := hs.createStream(t, "cam")

	ws := dialWS(t, srv, "/ws/stream/"+stream.ID)
	ws.next(t)

	ws.send(t, map[string]any{"type": "custom"})
	errFrame := ws.nextOfType(t, "error")
	if msg, _ := errFrame["message"].(string); !strings.Contains(msg, "unknown message type") {
		t.Fatalf("unexpected error %v", errFrame)
	}
}

func signalPayload(t *testing.T, msg map[string]any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(msg["payload"])
	if err != nil {
		t.Fatalf("re-marshal payload: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return out
}

func TestSignalingJoinAndRelay(t *testing.T) {
	hs := newHarness(t)
	srv := httptest.NewServer(hs.router)
	t.Cleanup(srv.Close)

	broadcaster := dialWS(t, srv, "/signaling")
	welcome := broadcaster.next(t)
	if welcome["type"] != "room-info" {
		t.Fatalf("expected welcome room-info, got %v", welcome)
	}
	broadcasterID, _ := signalPayload(t, welcome)["peer_id"].(string)
	if broadcasterID == "" {
		t.Fatal("welcome missing peer id")
	}

	broadcaster.send(t, map[string]any{
		"type":    "join",
		"room_id": "room-1",
		"payload": map[string]any{"is_broadcaster": true},
	})
	broadcaster.nextOfType(t, "room-info")

	viewer := dialWS(t, srv, "/signaling")
	viewerWelcome := viewer.next(t)
	viewerID, _ := signalPayload(t, viewerWelcome)["peer_id"].(string)

	viewer.send(t, map[string]any{"type": "join", "room_id": "room-1"})
	info := viewer.nextOfType(t, "room-info")
	if got := signalPayload(t, info)["broadcaster_id"]; got != broadcasterID {
		t.Fatalf("viewer sees broadcaster %v, want %s", got, broadcasterID)
	}

	joined := broadcaster.nextOfType(t, "peer-joined")
	if joined["peer_id"] != viewerID {
		t.Fatalf("broadcaster notified about %v, want %s", joined["peer_id"], viewerID)
	}

	viewer.send(t, map[string]any{
		"type":           "offer",
		"room_id":        "room-1",
		"target_peer_id": broadcasterID,
		"peer_id":        "spoofed",
		"payload":        map[string]any{"sdp": "v=0"},
	})

	offer := broadcaster.nextOfType(t, "offer")
	if offer["peer_id"] != viewerID {
		t.Fatalf("relay kept spoofed sender: %v", offer["peer_id"])
	}
	if got := signalPayload(t, offer)["sdp"]; got != "v=0" {
		t.Fatalf("payload lost in relay: %v", got)
	}
}

func TestSignalingRejectsMalformedFrame(t *testing.T) {
	hs := newHarness(t)
	srv := httptest.NewServer(hs.router)
	t.Cleanup(srv.Close)

	ws := dialWS(t, srv, "/signaling")
	ws.next(t)

	ws.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := ws.conn.WriteMessage(websocket.TextMessage, []byte("{{nope")); err != nil {
		t.Fatalf("write: %v", err)
	}

	errFrame := ws.nextOfType(t, "error")
	if errFrame["message"] != "malformed frame" {
		t.Fatalf("unexpected error %v", errFrame)
	}
}
