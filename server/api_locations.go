package main

import (
	"net/http"
	"strconv"

	"github.com/itskum47/convoy/server/domain"
)

const defaultHistoryLimit = 100

func (a *API) handleSubmitLocation(w http.ResponseWriter, r *http.Request) {
	if !a.locationLimiter.Allow() {
		writeStormRejection(w, "locations")
		return
	}
	userID, err := a.caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var upd domain.LocationUpdate
	if err := decodeBody(r, &upd); err != nil {
		writeError(w, err)
		return
	}
	res, err := a.pipeline.Process(r.Context(), userID, &upd)
	if err != nil {
		writeError(w, err)
		return
	}
	if !res.Success {
		// Throttled, not an error: the client should back off its send
		// rate but nothing is wrong.
		writeData(w, http.StatusAccepted, "update throttled", res)
		return
	}
	writeData(w, http.StatusCreated, "location recorded", res)
}

func (a *API) handleLocationHistory(w http.ResponseWriter, r *http.Request) {
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

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, domain.InvalidInput("limit must be an integer in [1,1000]"))
			return
		}
		limit = n
	}

	if raw := r.URL.Query().Get("after"); raw != "" {
		afterSeq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || afterSeq < 0 {
			writeError(w, domain.InvalidInput("after must be a non-negative integer"))
			return
		}
		recs, err := a.store.ListLocationsAfter(r.Context(), journeyID, afterSeq)
		if err != nil {
			writeError(w, err)
			return
		}
		if len(recs) > limit {
			recs = recs[:limit]
		}
		writeData(w, http.StatusOK, "location history", recs)
		return
	}

	recs, err := a.store.ListLocationHistory(r.Context(), journeyID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, "location history", recs)
}

// handleLatestLocations serves the hot snapshot: the freshest fix per
// participant. Falls back to the durable store for members whose hot entry
// expired.
func (a *API) handleLatestLocations(w http.ResponseWriter, r *http.Request) {
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

	hot, err := a.cache.ListLocations(r.Context(), journeyID)
	if err != nil {
		writeError(w, err)
		return
	}
	roster, err := a.cache.GetRoster(r.Context(), journeyID)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, member := range roster {
		if _, ok := hot[member]; ok {
			continue
		}
		rec, err := a.store.GetLastLocation(r.Context(), journeyID, member)
		if err != nil {
			writeError(w, err)
			return
		}
		if rec != nil {
			hot[member] = rec
		}
	}
	writeData(w, http.StatusOK, "latest locations", hot)
}
