package main

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/itskum47/convoy/server/auth"
	"github.com/itskum47/convoy/server/cache"
	"github.com/itskum47/convoy/server/config"
	"github.com/itskum47/convoy/server/domain"
	"github.com/itskum47/convoy/server/journey"
	"github.com/itskum47/convoy/server/observability"
	"github.com/itskum47/convoy/server/pipeline"
	"github.com/itskum47/convoy/server/sequence"
)

// Gateway owns every live WebSocket session and fans pipeline events out
// to journey rooms. It implements pipeline.Broadcaster and
// sequence.Deliverer.
type Gateway struct {
	cfg      *config.Config
	cache    cache.Cache
	journeys *journey.Manager
	seq      *sequence.Engine
	verifier auth.TokenVerifier
	upgrader websocket.Upgrader

	// pipeline is attached after construction; the pipeline itself needs
	// the gateway as its broadcaster.
	pipeline *pipeline.Pipeline

	mu       sync.RWMutex
	sessions map[string]*session            // connID -> session
	byUser   map[string]map[string]*session // userID -> connID -> session
}

func NewGateway(cfg *config.Config, ch cache.Cache, jm *journey.Manager, eng *sequence.Engine, verifier auth.TokenVerifier) *Gateway {
	return &Gateway{
		cfg:      cfg,
		cache:    ch,
		journeys: jm,
		seq:      eng,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The REST layer owns origin policy via CORS; the gateway
			// accepts the upgrade and authenticates by token instead.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
		byUser:   make(map[string]map[string]*session),
	}
}

// AttachPipeline completes the cycle after the pipeline is built.
func (g *Gateway) AttachPipeline(p *pipeline.Pipeline) { g.pipeline = p }

// HandleWS authenticates and upgrades one connection. The token rides the
// query string because browser WebSocket clients cannot set headers.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if t, err := BearerTokenQuiet(r); err == nil {
			token = t
		}
	}
	identity, err := g.verifier.Verify(token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	g.mu.RLock()
	count := len(g.sessions)
	g.mu.RUnlock()
	if count >= g.cfg.MaxConnections {
		log.Printf("ws: connection rejected, cap %d reached", g.cfg.MaxConnections)
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	s := newSession(g, conn, uuid.NewString(), identity.UserID)
	g.register(s)
	if err := g.cache.SetConnUser(r.Context(), s.id, s.userID); err != nil {
		log.Printf("ws: conn registry write failed: %v", err)
	}

	go s.writePump()
	go s.readPump()

	s.enqueue(marshalFrame(evConnStatus, map[string]any{
		"status":             "CONNECTED",
		"connection_id":      s.id,
		"heartbeat_interval": g.cfg.HeartbeatInterval.Milliseconds(),
	}))
	log.Printf("ws: session %s connected for user %s (%d total)", s.id, s.userID, count+1)
}

func (g *Gateway) register(s *session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[s.id] = s
	if g.byUser[s.userID] == nil {
		g.byUser[s.userID] = make(map[string]*session)
	}
	g.byUser[s.userID][s.id] = s
	observability.ConnectedSessions.Inc()
}

func (g *Gateway) unregister(s *session) {
	g.mu.Lock()
	if _, ok := g.sessions[s.id]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.sessions, s.id)
	delete(g.byUser[s.userID], s.id)
	if len(g.byUser[s.userID]) == 0 {
		delete(g.byUser, s.userID)
	}
	g.mu.Unlock()
	observability.ConnectedSessions.Dec()

	ctx := context.Background()
	if err := g.cache.DeleteConn(ctx, s.id); err != nil {
		log.Printf("ws: conn registry delete failed: %v", err)
	}
	for _, journeyID := range s.joinedJourneys() {
		if err := g.cache.RemoveRoomMember(ctx, journeyID, s.id); err != nil {
			log.Printf("ws: room removal failed: %v", err)
		}
		if err := g.journeys.MarkConnection(ctx, journeyID, s.userID, domain.ConnDisconnected); err != nil {
			log.Printf("ws: liveness update failed: %v", err)
		}
		g.broadcastRoom(ctx, journeyID, marshalFrame(evPeerDisconnected, map[string]string{
			"journey_id": journeyID,
			"user_id":    s.userID,
		}))
	}
	log.Printf("ws: session %s closed", s.id)
}

// broadcastRoom sends one frame to every live session in the journey room.
func (g *Gateway) broadcastRoom(ctx context.Context, journeyID string, raw []byte) {
	if raw == nil {
		return
	}
	connIDs, err := g.cache.GetRoomMembers(ctx, journeyID)
	if err != nil {
		log.Printf("ws: room members for %s failed: %v", journeyID, err)
		return
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, connID := range connIDs {
		if s, ok := g.sessions[connID]; ok {
			s.enqueue(raw)
		}
	}
}

// BroadcastLocation implements pipeline.Broadcaster. Subscribers receive
// every accepted fix in room order.
func (g *Gateway) BroadcastLocation(ctx context.Context, rec *domain.LocationRecord) {
	g.broadcastRoom(ctx, rec.JourneyID, marshalFrame(evLocationOut, rec))
}

// BroadcastLagAlert implements pipeline.Broadcaster.
func (g *Gateway) BroadcastLagAlert(ctx context.Context, alert *domain.LagAlert) {
	g.broadcastRoom(ctx, alert.JourneyID, marshalFrame(evLagAlert, alert))
}

// BroadcastArrival implements pipeline.Broadcaster.
func (g *Gateway) BroadcastArrival(ctx context.Context, journeyID, userID string) {
	g.broadcastRoom(ctx, journeyID, marshalFrame(evArrived, map[string]string{
		"journey_id": journeyID,
		"user_id":    userID,
	}))
}

// BroadcastJourneyStatus pushes lifecycle transitions to the room.
func (g *Gateway) BroadcastJourneyStatus(ctx context.Context, j *domain.Journey) {
	g.broadcastRoom(ctx, j.JourneyID, marshalFrame(evJourneyState, j))
	observability.FanoutDeliveries.WithLabelValues(evJourneyState).Inc()
}

// Deliver implements sequence.Deliverer for the retry scheduler. Returns
// false when the target has no live session; the envelope stays queued.
func (g *Gateway) Deliver(ctx context.Context, env *domain.PendingEnvelope) bool {
	g.mu.RLock()
	targets := make([]*session, 0, 2)
	for _, s := range g.byUser[env.TargetUserID] {
		if s.inJourney(env.JourneyID) {
			targets = append(targets, s)
		}
	}
	g.mu.RUnlock()
	if len(targets) == 0 {
		return false
	}
	raw := marshalFrame(evLocationOut, env.Record)
	for _, s := range targets {
		s.enqueue(raw)
	}
	return true
}

// RunSweeper closes sessions whose last inbound frame is older than the
// heartbeat timeout. The per-connection read deadline catches most of
// these; the sweeper is the backstop for connections wedged in a write.
func (g *Gateway) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-g.cfg.HeartbeatTimeout).UnixMilli()
			g.mu.RLock()
			var stale []*session
			for _, s := range g.sessions {
				if s.lastSeen.Load() < cutoff {
					stale = append(stale, s)
				}
			}
			g.mu.RUnlock()
			for _, s := range stale {
				log.Printf("ws: sweeper closing stale session %s", s.id)
				s.notifyTimeout()
			}
		}
	}
}

// Stats feeds /debug/gateway.
func (g *Gateway) Stats() map[string]any {
	g.mu.RLock()
	defer g.mu.RUnlock()
	perUser := make(map[string]int, len(g.byUser))
	for userID, conns := range g.byUser {
		perUser[userID] = len(conns)
	}
	return map[string]any{
		"sessions":          len(g.sessions),
		"users":             len(g.byUser),
		"sessions_per_user": perUser,
		"max_connections":   g.cfg.MaxConnections,
	}
}

// BearerTokenQuiet pulls a bearer credential from the request headers
// without writing a response on failure.
func BearerTokenQuiet(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", domain.Unauthenticated("missing Authorization header")
	}
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return "", domain.Unauthenticated("invalid Authorization format")
	}
	return header[len(prefix):], nil
}
