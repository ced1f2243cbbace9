package main

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/convoy/server/domain"
	"github.com/itskum47/convoy/server/observability"
	"github.com/itskum47/convoy/server/sequence"
)

const (
	// writeWait bounds one frame write so a dead peer cannot stall the pump.
	writeWait = 5 * time.Second

	// sendQueueSize is the per-session outbound buffer. A subscriber that
	// cannot drain this many frames is disconnected rather than allowed to
	// stall the room.
	sendQueueSize = 64

	maxInboundBytes = 16 * 1024
)

// session is one authenticated WebSocket connection. Outbound frames go
// through the send channel so the room broadcast never blocks; the write
// pump preserves FIFO order per connection.
type session struct {
	id     string
	userID string
	gw     *Gateway
	conn   *websocket.Conn
	send   chan []byte

	mu     sync.Mutex
	joined map[string]bool

	// lastSeen is the UnixMilli of the most recent inbound frame; the
	// sweeper reads it without taking the session lock.
	lastSeen atomic.Int64

	closeOnce sync.Once
	timedOut  bool
}

func newSession(g *Gateway, conn *websocket.Conn, id, userID string) *session {
	s := &session{
		id:     id,
		userID: userID,
		gw:     g,
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		joined: make(map[string]bool),
	}
	s.lastSeen.Store(time.Now().UnixMilli())
	return s
}

// enqueue hands a frame to the write pump. A full queue means the client
// stopped draining; the session is torn down.
func (s *session) enqueue(raw []byte) {
	if raw == nil {
		return
	}
	select {
	case s.send <- raw:
	default:
		log.Printf("ws: session %s send queue full, dropping connection", s.id)
		s.close()
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.send)
	})
}

// notifyTimeout tells the peer its heartbeats stopped arriving, then tears
// the session down. The status frame rides the queue ahead of the close
// message.
func (s *session) notifyTimeout() {
	s.timedOut = true
	observability.SessionTimeouts.Inc()
	s.enqueue(marshalFrame(evConnStatus, map[string]any{
		"status":        "TIMEOUT",
		"connection_id": s.id,
	}))
	s.close()
}

func (s *session) joinRoom(journeyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joined[journeyID] = true
}

func (s *session) leaveRoom(journeyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.joined, journeyID)
}

func (s *session) inJourney(journeyID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined[journeyID]
}

func (s *session) joinedJourneys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.joined))
	for j := range s.joined {
		out = append(out, j)
	}
	return out
}

// writePump drains the send queue onto the socket in order.
func (s *session) writePump() {
	defer s.conn.Close()
	for raw := range s.send {
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			log.Printf("ws: session %s write failed: %v", s.id, err)
			return
		}
	}
	// Queue closed: say goodbye if the peer is still there.
	reason := websocket.CloseNormalClosure
	text := "closing"
	if s.timedOut {
		text = "heartbeat timeout"
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(reason, text))
}

// readPump consumes inbound frames until the connection dies or the
// heartbeat deadline passes. Any inbound traffic counts as liveness.
func (s *session) readPump() {
	defer func() {
		s.gw.unregister(s)
		s.close()
	}()
	s.conn.SetReadLimit(maxInboundBytes)

	timeout := s.gw.cfg.HeartbeatTimeout
	for {
		s.conn.SetReadDeadline(time.Now().Add(timeout))
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
				log.Printf("ws: session %s missed heartbeats, closing", s.id)
				s.notifyTimeout()
			}
			return
		}
		s.lastSeen.Store(time.Now().UnixMilli())

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			s.sendError(domain.InvalidInput("malformed frame: %v", err))
			continue
		}
		s.dispatch(context.Background(), &f)
	}
}

func (s *session) dispatch(ctx context.Context, f *frame) {
	switch f.Event {
	case evHeartbeat:
		s.enqueue(marshalFrame(evHeartbeatAck, map[string]int64{
			"server_time": time.Now().UnixMilli(),
		}))

	case evJoin:
		var p joinPayload
		if err := json.Unmarshal(f.Data, &p); err != nil || p.JourneyID == "" {
			s.sendError(domain.InvalidInput("join requires journey_id"))
			return
		}
		s.handleJoin(ctx, p.JourneyID)

	case evLeave:
		var p joinPayload
		if err := json.Unmarshal(f.Data, &p); err != nil || p.JourneyID == "" {
			s.sendError(domain.InvalidInput("leave-journey requires journey_id"))
			return
		}
		s.handleLeave(ctx, p.JourneyID)

	case evLocation:
		var upd domain.LocationUpdate
		if err := json.Unmarshal(f.Data, &upd); err != nil {
			s.sendError(domain.InvalidInput("malformed location update: %v", err))
			return
		}
		res, err := s.gw.pipeline.Process(ctx, s.userID, &upd)
		if err != nil {
			s.sendError(err)
			return
		}
		s.enqueue(marshalFrame(evAccepted, res))

	case evAck:
		var p ackPayload
		if err := json.Unmarshal(f.Data, &p); err != nil || p.JourneyID == "" {
			s.sendError(domain.InvalidInput("acknowledge requires journey_id and sequence_number"))
			return
		}
		cursor, err := s.gw.seq.Acknowledge(ctx, p.JourneyID, s.userID, p.SequenceNumber)
		if err != nil {
			s.sendError(err)
			return
		}
		s.enqueue(marshalFrame(evAckConfirmed, map[string]int64{"cursor": cursor}))

	case evResyncReq:
		var p resyncPayload
		if err := json.Unmarshal(f.Data, &p); err != nil || p.JourneyID == "" {
			s.sendError(domain.InvalidInput("request-resync requires journey_id"))
			return
		}
		if !s.inJourney(p.JourneyID) {
			s.sendError(domain.Forbidden("join the journey before requesting a resync"))
			return
		}
		res, err := s.gw.seq.Resync(ctx, p.JourneyID, s.userID, p.FromSequence)
		if err != nil {
			s.sendError(err)
			return
		}
		s.enqueue(marshalFrame(evResync, res))

	default:
		s.sendError(domain.InvalidInput("unknown event %q", f.Event))
	}
}

// handleJoin authorizes the membership, enters the room, and serves the
// snapshot a late subscriber needs to render the convoy immediately.
func (s *session) handleJoin(ctx context.Context, journeyID string) {
	if _, err := s.gw.journeys.Authorize(ctx, journeyID, s.userID); err != nil {
		s.sendError(err)
		return
	}
	if err := s.gw.cache.AddRoomMember(ctx, journeyID, s.id); err != nil {
		s.sendError(domain.Upstream(err, "room join failed"))
		return
	}
	s.joinRoom(journeyID)
	if err := s.gw.journeys.MarkConnection(ctx, journeyID, s.userID, domain.ConnConnected); err != nil {
		log.Printf("ws: liveness update failed: %v", err)
	}

	hot, err := s.gw.cache.ListLocations(ctx, journeyID)
	if err != nil {
		log.Printf("ws: snapshot for %s failed: %v", journeyID, err)
		hot = map[string]*domain.LocationRecord{}
	}
	head, err := s.gw.seq.Current(ctx, journeyID)
	if err != nil {
		log.Printf("ws: head for %s failed: %v", journeyID, err)
	}
	cursor, _ := s.gw.seq.Cursor(ctx, journeyID, s.userID)
	if from, to, gap := sequence.Gap(cursor, head+1); gap {
		// The subscriber missed [from,to] while offline; tell it up front
		// so it can resync instead of discovering the hole later.
		log.Printf("ws: session %s rejoined %s with gap [%d,%d]", s.id, journeyID, from, to)
	}

	s.enqueue(marshalFrame(evJoined, map[string]any{
		"journey_id":    journeyID,
		"sequence_head": head,
		"ack_cursor":    cursor,
	}))
	s.enqueue(marshalFrame(evLatest, map[string]any{
		"journey_id": journeyID,
		"locations":  hot,
	}))
	observability.FanoutDeliveries.WithLabelValues(evJoined).Inc()

	s.gw.broadcastRoom(ctx, journeyID, marshalFrame(evPeerJoined, map[string]string{
		"journey_id": journeyID,
		"user_id":    s.userID,
	}))
}

// handleLeave exits the room and tells the rest of the convoy.
func (s *session) handleLeave(ctx context.Context, journeyID string) {
	if !s.inJourney(journeyID) {
		return
	}
	s.leaveRoom(journeyID)
	if err := s.gw.cache.RemoveRoomMember(ctx, journeyID, s.id); err != nil {
		log.Printf("ws: room removal failed: %v", err)
	}
	if err := s.gw.journeys.MarkConnection(ctx, journeyID, s.userID, domain.ConnDisconnected); err != nil {
		log.Printf("ws: liveness update failed: %v", err)
	}
	s.gw.broadcastRoom(ctx, journeyID, marshalFrame(evPeerLeft, map[string]string{
		"journey_id": journeyID,
		"user_id":    s.userID,
	}))
}

func (s *session) sendError(err error) {
	s.enqueue(marshalFrame(evError, map[string]any{
		"kind":    string(domain.KindOf(err)),
		"message": err.Error(),
	}))
}
