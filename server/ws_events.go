package main

import (
	"encoding/json"
	"log"
)

// Realtime frame vocabulary. Every frame on the wire, both directions, is
// {"event": ..., "data": ...}.
const (
	// Inbound (client -> server)
	evJoin      = "join-journey"
	evLeave     = "leave-journey"
	evLocation  = "location-update"
	evAck       = "acknowledge"
	evResyncReq = "request-resync"
	evHeartbeat = "heartbeat"

	// Outbound (server -> client)
	evLocationOut  = "location-update"
	evLagAlert     = "lag-alert"
	evArrived      = "arrival-detected"
	evJourneyState = "journey-status"
	evJoined       = "joined-journey"
	evLatest       = "latest-locations"
	evAccepted     = "location-update-ack"
	evAckConfirmed = "ack-confirmed"
	evResync       = "resync-data"
	evHeartbeatAck = "heartbeat-ack"
	evConnStatus   = "connection-status"
	evError        = "error"

	// Presence broadcasts to the journey room.
	evPeerJoined       = "participant-joined"
	evPeerLeft         = "participant-left"
	evPeerDisconnected = "participant-disconnected"
)

// frame is the wire shape for inbound messages; data stays raw until the
// event name picks the payload type.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type joinPayload struct {
	JourneyID string `json:"journey_id"`
}

type ackPayload struct {
	JourneyID      string `json:"journey_id"`
	SequenceNumber int64  `json:"sequence_number"`
}

type resyncPayload struct {
	JourneyID    string `json:"journey_id"`
	FromSequence int64  `json:"from_sequence"`
}

// marshalFrame encodes one outbound frame. A marshal failure is a
// programming error; it is logged and the frame dropped.
func marshalFrame(event string, data any) []byte {
	raw, err := json.Marshal(struct {
		Event string `json:"event"`
		Data  any    `json:"data,omitempty"`
	}{Event: event, Data: data})
	if err != nil {
		log.Printf("ws: marshal %s frame: %v", event, err)
		return nil
	}
	return raw
}
