package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/itskum47/convoy/server/cache"
	"github.com/itskum47/convoy/server/config"
	"github.com/itskum47/convoy/server/domain"
	"github.com/itskum47/convoy/server/journey"
	"github.com/itskum47/convoy/server/observability"
	"github.com/itskum47/convoy/server/pipeline"
	"github.com/itskum47/convoy/server/sequence"
	"github.com/itskum47/convoy/server/store"
)

// API is the REST surface. Every response rides the same envelope; every
// failure is a domain error mapped through domain.HTTPStatus.
type API struct {
	cfg      *config.Config
	store    store.Store
	cache    cache.Cache
	journeys *journey.Manager
	pipeline *pipeline.Pipeline
	seq      *sequence.Engine
	gateway  *Gateway

	// Storm protection for the write-heavy endpoints.
	locationLimiter *rate.Limiter
	journeyLimiter  *rate.Limiter
}

func NewAPI(cfg *config.Config, st store.Store, ch cache.Cache, jm *journey.Manager, pl *pipeline.Pipeline, eng *sequence.Engine, gw *Gateway) *API {
	return &API{
		cfg:      cfg,
		store:    st,
		cache:    ch,
		journeys: jm,
		pipeline: pl,
		seq:      eng,
		gateway:  gw,
		// Location ingest is the hot path: 500/sec, burst 1000.
		locationLimiter: rate.NewLimiter(rate.Limit(500), 1000),
		// Lifecycle mutations are rare: 50/sec, burst 100.
		journeyLimiter: rate.NewLimiter(rate.Limit(50), 100),
	}
}

// envelope is the uniform response shape.
type envelope struct {
	Success    bool       `json:"success"`
	StatusCode int        `json:"statusCode"`
	Message    string     `json:"message"`
	Data       any        `json:"data,omitempty"`
	Error      *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Kind    string         `json:"kind"`
	Details map[string]any `json:"details,omitempty"`
}

func writeData(w http.ResponseWriter, status int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{
		Success:    true,
		StatusCode: status,
		Message:    message,
		Data:       data,
	})
}

func writeError(w http.ResponseWriter, err error) {
	status := domain.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		// Do not leak backend details to the client.
		log.Printf("api: %v", err)
	}
	body := &errorBody{Kind: string(domain.KindOf(err))}
	var de *domain.Error
	if errors.As(err, &de) {
		body.Details = de.Details
	}
	message := err.Error()
	if status >= http.StatusInternalServerError {
		message = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{
		Success:    false,
		StatusCode: status,
		Message:    message,
		Error:      body,
	})
}

// writeStormRejection answers a rate-limited request with a jittered
// Retry-After so stampeding clients spread out.
func writeStormRejection(w http.ResponseWriter, endpoint string) {
	observability.APIRateLimited.WithLabelValues(endpoint).Inc()
	retryAfter := 1 + rand.Intn(2)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
	writeError(w, domain.TooManyRequests("server is shedding load, retry shortly"))
}

func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return domain.InvalidInput("invalid request body: %v", err)
	}
	return nil
}

// Routes registers every endpoint on mux. Auth is applied by the caller.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/journeys", a.handleCreateJourney)
	mux.HandleFunc("GET /v1/journeys", a.handleListJourneys)
	mux.HandleFunc("GET /v1/journeys/{id}", a.handleGetJourney)
	mux.HandleFunc("PATCH /v1/journeys/{id}", a.handleUpdateJourney)
	mux.HandleFunc("POST /v1/journeys/{id}/start", a.handleStartJourney)
	mux.HandleFunc("POST /v1/journeys/{id}/end", a.handleEndJourney)
	mux.HandleFunc("POST /v1/journeys/{id}/cancel", a.handleCancelJourney)
	mux.HandleFunc("POST /v1/journeys/{id}/invitations", a.handleInvite)
	mux.HandleFunc("POST /v1/journeys/{id}/invitations/accept", a.handleAccept)
	mux.HandleFunc("POST /v1/journeys/{id}/invitations/decline", a.handleDecline)
	mux.HandleFunc("POST /v1/journeys/{id}/leave", a.handleLeave)
	mux.HandleFunc("GET /v1/journeys/{id}/participants", a.handleListParticipants)
	mux.HandleFunc("GET /v1/journeys/{id}/alerts", a.handleListAlerts)

	mux.HandleFunc("POST /v1/locations", a.handleSubmitLocation)
	mux.HandleFunc("GET /v1/journeys/{id}/locations", a.handleLocationHistory)
	mux.HandleFunc("GET /v1/journeys/{id}/locations/latest", a.handleLatestLocations)
}
