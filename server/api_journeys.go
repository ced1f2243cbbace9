package main

import (
	"net/http"
	"strings"

	"github.com/itskum47/convoy/server/domain"
	"github.com/itskum47/convoy/server/journey"
	"github.com/itskum47/convoy/server/middleware"
)

func (a *API) caller(r *http.Request) (string, error) {
	userID, err := middleware.GetUserFromContext(r.Context())
	if err != nil {
		return "", domain.Unauthenticated("no authenticated user")
	}
	return userID, nil
}

func (a *API) handleCreateJourney(w http.ResponseWriter, r *http.Request) {
	if !a.journeyLimiter.Allow() {
		writeStormRejection(w, "journeys")
		return
	}
	userID, err := a.caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req journey.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	j, err := a.journeys.Create(r.Context(), userID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, "journey created", j)
}

// handleListJourneys returns the caller's memberships. ?status= narrows to
// journeys in one lifecycle state (ACTIVE for the live convoys view) and
// ?membership= to one participant state (INVITED for open invitations).
func (a *API) handleListJourneys(w http.ResponseWriter, r *http.Request) {
	userID, err := a.caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	memberships, err := a.journeys.MembershipsForUser(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}

	if raw := r.URL.Query().Get("membership"); raw != "" {
		want := domain.ParticipantStatus(strings.ToUpper(raw))
		switch want {
		case domain.ParticipantInvited, domain.ParticipantAccepted, domain.ParticipantDeclined,
			domain.ParticipantActive, domain.ParticipantArrived, domain.ParticipantLeft:
		default:
			writeError(w, domain.InvalidInput("unknown membership status %q", raw))
			return
		}
		kept := make([]*domain.JourneyMembership, 0, len(memberships))
		for _, m := range memberships {
			if m.Status == want {
				kept = append(kept, m)
			}
		}
		memberships = kept
	}

	if raw := r.URL.Query().Get("status"); raw != "" {
		want := domain.JourneyStatus(strings.ToUpper(raw))
		switch want {
		case domain.JourneyPending, domain.JourneyActive, domain.JourneyCompleted, domain.JourneyCancelled:
		default:
			writeError(w, domain.InvalidInput("unknown journey status %q", raw))
			return
		}
		kept := make([]*domain.JourneyMembership, 0, len(memberships))
		for _, m := range memberships {
			j, err := a.journeys.Get(r.Context(), m.JourneyID)
			if err != nil {
				writeError(w, err)
				return
			}
			if j.Status == want {
				kept = append(kept, m)
			}
		}
		memberships = kept
	}

	writeData(w, http.StatusOK, "journeys listed", memberships)
}

func (a *API) handleGetJourney(w http.ResponseWriter, r *http.Request) {
	userID, err := a.caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	journeyID := r.PathValue("id")
	if _, err := a.journeys.Authorize(r.Context(), journeyID, userID); err != nil {
		writeError(w, err)
		return
	}
	j, err := a.journeys.Get(r.Context(), journeyID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, "journey fetched", j)
}

func (a *API) handleUpdateJourney(w http.ResponseWriter, r *http.Request) {
	userID, err := a.caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req journey.UpdateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	j, err := a.journeys.Update(r.Context(), r.PathValue("id"), userID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, "journey updated", j)
}

// lifecycle collapses the three leader transitions into one handler shape.
func (a *API) lifecycle(op func(r *http.Request, journeyID, userID string) (*domain.Journey, error), message string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.journeyLimiter.Allow() {
			writeStormRejection(w, "journeys")
			return
		}
		userID, err := a.caller(r)
		if err != nil {
			writeError(w, err)
			return
		}
		j, err := op(r, r.PathValue("id"), userID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeData(w, http.StatusOK, message, j)
	}
}

func (a *API) handleStartJourney(w http.ResponseWriter, r *http.Request) {
	a.lifecycle(func(r *http.Request, journeyID, userID string) (*domain.Journey, error) {
		return a.journeys.Start(r.Context(), journeyID, userID)
	}, "journey started")(w, r)
}

func (a *API) handleEndJourney(w http.ResponseWriter, r *http.Request) {
	a.lifecycle(func(r *http.Request, journeyID, userID string) (*domain.Journey, error) {
		j, err := a.journeys.End(r.Context(), journeyID, userID)
		if err == nil {
			a.gateway.BroadcastJourneyStatus(r.Context(), j)
		}
		return j, err
	}, "journey completed")(w, r)
}

func (a *API) handleCancelJourney(w http.ResponseWriter, r *http.Request) {
	a.lifecycle(func(r *http.Request, journeyID, userID string) (*domain.Journey, error) {
		j, err := a.journeys.Cancel(r.Context(), journeyID, userID)
		if err == nil {
			a.gateway.BroadcastJourneyStatus(r.Context(), j)
		}
		return j, err
	}, "journey cancelled")(w, r)
}

func (a *API) handleInvite(w http.ResponseWriter, r *http.Request) {
	userID, err := a.caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.UserID == "" {
		writeError(w, domain.InvalidInput("user_id is required"))
		return
	}
	p, err := a.journeys.Invite(r.Context(), r.PathValue("id"), userID, req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, "invitation sent", p)
}

func (a *API) handleAccept(w http.ResponseWriter, r *http.Request) {
	userID, err := a.caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := a.journeys.Accept(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, "invitation accepted", p)
}

func (a *API) handleDecline(w http.ResponseWriter, r *http.Request) {
	userID, err := a.caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := a.journeys.Decline(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, "invitation declined", p)
}

func (a *API) handleLeave(w http.ResponseWriter, r *http.Request) {
	userID, err := a.caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := a.journeys.Leave(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, "left journey", p)
}

func (a *API) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	userID, err := a.caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	journeyID := r.PathValue("id")
	if _, err := a.journeys.Authorize(r.Context(), journeyID, userID); err != nil {
		writeError(w, err)
		return
	}
	participants, err := a.journeys.Roster(r.Context(), journeyID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, "participants listed", participants)
}

func (a *API) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	userID, err := a.caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	journeyID := r.PathValue("id")
	if _, err := a.journeys.Authorize(r.Context(), journeyID, userID); err != nil {
		writeError(w, err)
		return
	}
	alerts, err := a.store.ListLagAlerts(r.Context(), journeyID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, "alerts listed", alerts)
}
