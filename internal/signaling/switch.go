package signaling

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jddunn/safeos/pkg/logging"
)

// Options bound the signaling switch.
type Options struct {
	// MaxRooms caps how many rooms may exist at once. Joins that would
	// create a room beyond the cap are rejected.
	MaxRooms int
	// MaxViewersPerRoom caps viewers per room, not counting the broadcaster.
	MaxViewersPerRoom int
	// RoomTimeout is how long a room with no broadcaster and no viewers
	// survives before the sweeper reclaims it.
	RoomTimeout time.Duration
	// SendBuffer is the per-peer outbound queue depth. A peer whose queue
	// is full has frames dropped rather than stalling the sender.
	SendBuffer int
}

func (o *Options) fillDefaults() {
	if o.MaxRooms <= 0 {
		o.MaxRooms = 100
	}
	if o.MaxViewersPerRoom <= 0 {
		o.MaxViewersPerRoom = 10
	}
	if o.RoomTimeout <= 0 {
		o.RoomTimeout = 5 * time.Minute
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 32
	}
}

// Peer is one connected signaling client. The transport layer drains C()
// and writes each envelope to the socket. Handle and Disconnect for a
// given peer must be called from a single goroutine (the connection's
// read loop); frames from other peers arrive on C() concurrently.
type Peer struct {
	id string

	mu     sync.Mutex
	closed bool
	send   chan Envelope

	// Guarded by the switch's peersMu, not by mu.
	roomID      string
	broadcaster bool
}

// ID returns the server-assigned peer id.
func (p *Peer) ID() string { return p.id }

// C is the peer's outbound frame queue.
func (p *Peer) C() <-chan Envelope { return p.send }

func (p *Peer) trySend(env Envelope) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.send <- env:
		return true
	default:
		return false
	}
}

func (p *Peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.send)
	}
}

type room struct {
	id            string
	broadcasterID string
	viewers       map[string]bool
	lastActivity  time.Time
}

// Stats is a point-in-time census of the switch.
type Stats struct {
	Rooms        int `json:"rooms"`
	Peers        int `json:"peers"`
	Broadcasters int `json:"broadcasters"`
	Viewers      int `json:"viewers"`
}

// Switch routes WebRTC signaling frames between peers grouped into rooms.
// It relays SDP offers, answers and ICE candidates without inspecting
// them; the media itself never touches the server. Each map has its own
// lock and the two are never held together: membership checks snapshot
// what they need, release, and deliver outside any lock.
type Switch struct {
	opts   Options
	logger logging.Logger

	roomsMu sync.RWMutex
	rooms   map[string]*room

	peersMu sync.RWMutex
	peers   map[string]*Peer

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSwitch builds a switch. Call Start to run the stale-room sweeper.
func NewSwitch(opts Options, logger logging.Logger) *Switch {
	opts.fillDefaults()
	return &Switch{
		opts:   opts,
		logger: logger,
		rooms:  make(map[string]*room),
		peers:  make(map[string]*Peer),
		stop:   make(chan struct{}),
	}
}

// Start launches the background sweeper that reclaims abandoned rooms.
func (s *Switch) Start() {
	s.wg.Add(1)
	go s.sweepLoop()
}

// Stop halts the sweeper and waits for it to exit. Connected peers are
// not torn down; the transport layer owns their lifecycles.
func (s *Switch) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// Connect registers a new peer and queues its welcome frame: a room-info
// envelope carrying the server-assigned peer id.
func (s *Switch) Connect() *Peer {
	p := &Peer{
		id:   uuid.New().String(),
		send: make(chan Envelope, s.opts.SendBuffer),
	}

	s.peersMu.Lock()
	s.peers[p.id] = p
	s.peersMu.Unlock()

	s.deliver(p, Envelope{
		Type:    FrameRoomInfo,
		PeerID:  p.id,
		Payload: marshalPayload(roomInfo{PeerID: p.id}),
	})

	s.logger.WithField("peer_id", p.id).Debug("Signaling peer connected")
	return p
}

// Disconnect removes a peer, notifies its room per the leave rules, and
// closes its outbound queue. Safe to call more than once.
func (s *Switch) Disconnect(p *Peer) {
	if p == nil {
		return
	}

	s.peersMu.Lock()
	_, known := s.peers[p.id]
	delete(s.peers, p.id)
	roomID := p.roomID
	p.roomID = ""
	p.broadcaster = false
	s.peersMu.Unlock()

	if roomID != "" {
		s.leaveRoom(p, roomID)
	}
	p.close()

	if known {
		s.logger.WithField("peer_id", p.id).Debug("Signaling peer disconnected")
	}
}

// Handle processes one client frame from p.
func (s *Switch) Handle(p *Peer, env Envelope) {
	switch env.Type {
	case FrameJoin:
		s.handleJoin(p, env)
	case FrameLeave:
		s.handleLeave(p)
	case FrameOffer, FrameAnswer, FrameICE:
		s.relay(p, env)
	default:
		s.sendError(p, env.RoomID, "unknown frame type: "+env.Type)
	}
}

// Reject reports a transport-level problem to p, for frames that never made
// it to Handle.
func (s *Switch) Reject(p *Peer, msg string) {
	s.sendError(p, "", msg)
}

func (s *Switch) handleJoin(p *Peer, env Envelope) {
	if env.RoomID == "" {
		s.sendError(p, "", "join requires room_id")
		return
	}

	var body joinPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &body); err != nil {
			s.sendError(p, env.RoomID, "malformed join payload")
			return
		}
	}

	// Joining a new room implicitly leaves the current one. The pointer is
	// cleared right away so a rejected join below cannot leave the peer
	// relaying into a room it already left.
	s.peersMu.RLock()
	current := p.roomID
	s.peersMu.RUnlock()
	if current != "" && current != env.RoomID {
		s.leaveRoom(p, current)
		s.peersMu.Lock()
		p.roomID = ""
		p.broadcaster = false
		s.peersMu.Unlock()
	}

	now := time.Now().UTC()

	s.roomsMu.Lock()
	r, ok := s.rooms[env.RoomID]
	if !ok {
		if len(s.rooms) >= s.opts.MaxRooms {
			s.roomsMu.Unlock()
			s.sendError(p, env.RoomID, "room limit reached")
			return
		}
		r = &room{id: env.RoomID, viewers: make(map[string]bool)}
		s.rooms[env.RoomID] = r
	}

	if body.IsBroadcaster {
		// Only the incumbent may reclaim the broadcaster slot.
		if r.broadcasterID != "" && r.broadcasterID != p.id {
			s.roomsMu.Unlock()
			s.sendError(p, env.RoomID, "room already has a broadcaster")
			return
		}
		r.broadcasterID = p.id
		delete(r.viewers, p.id)
	} else {
		if !r.viewers[p.id] && len(r.viewers) >= s.opts.MaxViewersPerRoom {
			s.roomsMu.Unlock()
			s.sendError(p, env.RoomID, "room is full")
			return
		}
		if r.broadcasterID == p.id {
			r.broadcasterID = ""
		}
		r.viewers[p.id] = true
	}
	r.lastActivity = now

	info := s.snapshotInfo(r, p.id)
	others := s.memberIDs(r, p.id)
	s.roomsMu.Unlock()

	s.peersMu.Lock()
	p.roomID = env.RoomID
	p.broadcaster = body.IsBroadcaster
	s.peersMu.Unlock()

	s.deliver(p, Envelope{
		Type:    FrameRoomInfo,
		RoomID:  env.RoomID,
		PeerID:  p.id,
		Payload: marshalPayload(info),
	})

	joined := Envelope{
		Type:    FramePeerJoined,
		RoomID:  env.RoomID,
		PeerID:  p.id,
		Payload: marshalPayload(presencePayload{IsBroadcaster: body.IsBroadcaster}),
	}
	for _, id := range others {
		if target := s.peer(id); target != nil {
			s.deliver(target, joined)
		}
	}

	s.logger.WithFields(logging.Fields{
		"peer_id":     p.id,
		"room_id":     env.RoomID,
		"broadcaster": body.IsBroadcaster,
	}).Info("Peer joined signaling room")
}

func (s *Switch) handleLeave(p *Peer) {
	s.peersMu.Lock()
	roomID := p.roomID
	p.roomID = ""
	p.broadcaster = false
	s.peersMu.Unlock()

	if roomID == "" {
		return
	}
	s.leaveRoom(p, roomID)
}

// leaveRoom drops p from the room and notifies the peers who care: every
// viewer when the broadcaster leaves, only the broadcaster when a viewer
// leaves. The room itself stays until the sweeper reclaims it.
func (s *Switch) leaveRoom(p *Peer, roomID string) {
	s.roomsMu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.roomsMu.Unlock()
		return
	}

	wasBroadcaster := r.broadcasterID == p.id
	if wasBroadcaster {
		r.broadcasterID = ""
	} else if !r.viewers[p.id] {
		s.roomsMu.Unlock()
		return
	}
	delete(r.viewers, p.id)
	r.lastActivity = time.Now().UTC()

	var notify []string
	if wasBroadcaster {
		for id := range r.viewers {
			notify = append(notify, id)
		}
		sort.Strings(notify)
	} else if r.broadcasterID != "" {
		notify = []string{r.broadcasterID}
	}
	s.roomsMu.Unlock()

	left := Envelope{
		Type:    FramePeerLeft,
		RoomID:  roomID,
		PeerID:  p.id,
		Payload: marshalPayload(presencePayload{IsBroadcaster: wasBroadcaster}),
	}
	for _, id := range notify {
		if target := s.peer(id); target != nil {
			s.deliver(target, left)
		}
	}

	s.logger.WithFields(logging.Fields{
		"peer_id":     p.id,
		"room_id":     roomID,
		"broadcaster": wasBroadcaster,
	}).Info("Peer left signaling room")
}

// relay forwards an offer, answer or ICE candidate to its target. The
// target must share the sender's room; the frame goes out with the
// server-verified sender id regardless of what the client set.
func (s *Switch) relay(p *Peer, env Envelope) {
	s.peersMu.RLock()
	roomID := p.roomID
	s.peersMu.RUnlock()

	if roomID == "" {
		s.sendError(p, "", "join a room before sending "+env.Type)
		return
	}
	if env.TargetPeerID == "" {
		s.sendError(p, roomID, env.Type+" requires target_peer_id")
		return
	}

	s.roomsMu.Lock()
	r, ok := s.rooms[roomID]
	inRoom := ok && (r.broadcasterID == env.TargetPeerID || r.viewers[env.TargetPeerID])
	if inRoom {
		r.lastActivity = time.Now().UTC()
	}
	s.roomsMu.Unlock()

	if !inRoom {
		s.sendError(p, roomID, "target peer not in room")
		return
	}

	target := s.peer(env.TargetPeerID)
	if target == nil {
		s.sendError(p, roomID, "target peer not connected")
		return
	}

	s.deliver(target, Envelope{
		Type:         env.Type,
		RoomID:       roomID,
		PeerID:       p.id,
		TargetPeerID: env.TargetPeerID,
		Payload:      env.Payload,
	})
}

// Stats counts rooms and peers for the status endpoint.
func (s *Switch) Stats() Stats {
	var st Stats

	s.roomsMu.RLock()
	st.Rooms = len(s.rooms)
	for _, r := range s.rooms {
		if r.broadcasterID != "" {
			st.Broadcasters++
		}
		st.Viewers += len(r.viewers)
	}
	s.roomsMu.RUnlock()

	s.peersMu.RLock()
	st.Peers = len(s.peers)
	s.peersMu.RUnlock()

	return st
}

func (s *Switch) sweepLoop() {
	defer s.wg.Done()

	interval := s.opts.RoomTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.sweepRooms(time.Now().UTC()); n > 0 {
				s.logger.WithField("count", n).Debug("Reclaimed stale signaling rooms")
			}
		}
	}
}

// sweepRooms deletes rooms that have no broadcaster, no viewers, and no
// activity inside the timeout window. Returns how many were reclaimed.
func (s *Switch) sweepRooms(now time.Time) int {
	cutoff := now.Add(-s.opts.RoomTimeout)

	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()

	var reclaimed int
	for id, r := range s.rooms {
		if r.broadcasterID == "" && len(r.viewers) == 0 && r.lastActivity.Before(cutoff) {
			delete(s.rooms, id)
			reclaimed++
		}
	}
	return reclaimed
}

func (s *Switch) peer(id string) *Peer {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	return s.peers[id]
}

// snapshotInfo builds the roster sent to a freshly joined peer. Caller
// holds roomsMu.
func (s *Switch) snapshotInfo(r *room, peerID string) roomInfo {
	info := roomInfo{
		PeerID:        peerID,
		RoomID:        r.id,
		BroadcasterID: r.broadcasterID,
		ViewerCount:   len(r.viewers),
	}
	for id := range r.viewers {
		info.ViewerIDs = append(info.ViewerIDs, id)
	}
	sort.Strings(info.ViewerIDs)
	return info
}

// memberIDs lists everyone in the room except skip. Caller holds roomsMu.
func (s *Switch) memberIDs(r *room, skip string) []string {
	var ids []string
	if r.broadcasterID != "" && r.broadcasterID != skip {
		ids = append(ids, r.broadcasterID)
	}
	for id := range r.viewers {
		if id != skip {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *Switch) sendError(p *Peer, roomID, msg string) {
	s.deliver(p, Envelope{
		Type:    FrameError,
		RoomID:  roomID,
		PeerID:  p.id,
		Message: msg,
	})
}

// deliver stamps the frame and queues it without blocking. Frames to a
// peer whose queue is full are dropped; signaling clients re-negotiate
// rather than wait on a stalled consumer.
func (s *Switch) deliver(p *Peer, env Envelope) {
	env.Timestamp = time.Now().UTC()
	if !p.trySend(env) {
		s.logger.WithFields(logging.Fields{
			"peer_id": p.id,
			"type":    env.Type,
		}).Warn("Dropped signaling frame: peer queue full")
	}
}
