package signaling

import (
	"encoding/json"
	"time"
)

// Client-origin frame types.
const (
	FrameJoin   = "join"
	FrameLeave  = "leave"
	FrameOffer  = "offer"
	FrameAnswer = "answer"
	FrameICE    = "ice-candidate"
)

// Server-origin frame types.
const (
	FramePeerJoined = "peer-joined"
	FramePeerLeft   = "peer-left"
	FrameRoomInfo   = "room-info"
	FrameError      = "error"
)

// Envelope is one signaling frame. Relay frames carry the SDP or ICE body
// opaquely in Payload; the switch never inspects it. PeerID on a relayed
// frame is always the server-verified sender, not whatever the client
// claimed. Timestamp is server-assigned on every outgoing frame.
type Envelope struct {
	Type         string          `json:"type"`
	RoomID       string          `json:"room_id,omitempty"`
	PeerID       string          `json:"peer_id,omitempty"`
	TargetPeerID string          `json:"target_peer_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Message      string          `json:"message,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// joinPayload is the client body of a join frame.
type joinPayload struct {
	IsBroadcaster bool `json:"is_broadcaster"`
}

// roomInfo is the server body of a room-info frame: sent once on connect
// with the assigned peer id, and again after each successful join with the
// room roster.
type roomInfo struct {
	PeerID        string   `json:"peer_id"`
	RoomID        string   `json:"room_id,omitempty"`
	BroadcasterID string   `json:"broadcaster_id,omitempty"`
	ViewerIDs     []string `json:"viewer_ids,omitempty"`
	ViewerCount   int      `json:"viewer_count"`
}

// presencePayload is the server body of peer-joined and peer-left frames.
type presencePayload struct {
	IsBroadcaster bool `json:"is_broadcaster"`
}

func marshalPayload(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
