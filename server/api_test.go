package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/convoy/server/auth"
	"github.com/itskum47/convoy/server/cache"
	"github.com/itskum47/convoy/server/config"
	"github.com/itskum47/convoy/server/detector"
	"github.com/itskum47/convoy/server/domain"
	"github.com/itskum47/convoy/server/journey"
	"github.com/itskum47/convoy/server/middleware"
	"github.com/itskum47/convoy/server/pipeline"
	"github.com/itskum47/convoy/server/sequence"
	"github.com/itskum47/convoy/server/store"
)

type testEnv struct {
	srv      *httptest.Server
	cfg      *config.Config
	st       *store.MemoryStore
	ch       *cache.MemoryCache
	gateway  *Gateway
	verifier auth.StaticVerifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Default()
	st := store.NewMemoryStore()
	ch := cache.NewMemoryCache()
	verifier := auth.StaticVerifier{
		"tok-leader":   "leader",
		"tok-follower": "follower",
	}
	st.AddUser("leader")
	st.AddUser("follower")

	journeys := journey.NewManager(st, ch, cfg.DefaultLagThreshold, cfg.MinLagThreshold)
	engine := sequence.NewEngine(st, ch)
	lag := detector.NewLagDetector(st, ch, cfg.CriticalLagThreshold)
	arr := detector.NewArrivalDetector(st, cfg.ArrivalDistanceThreshold, cfg.ArrivalSpeedThreshold)
	gw := NewGateway(&cfg, ch, journeys, engine, verifier)
	pipe := pipeline.New(st, ch, engine, lag, arr, gw, cfg.LocationUpdateRateLimit)
	gw.AttachPipeline(pipe)
	api := NewAPI(&cfg, st, ch, journeys, pipe, engine, gw)

	mux := http.NewServeMux()
	api.Routes(mux)
	root := http.NewServeMux()
	root.Handle("/v1/", middleware.AuthMiddleware(verifier, mux))
	root.HandleFunc("/ws", gw.HandleWS)

	srv := httptest.NewServer(middleware.CORSMiddleware(root))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, cfg: &cfg, st: st, ch: ch, gateway: gw, verifier: verifier}
}

func (e *testEnv) do(t *testing.T, token, method, path string, body any) (*http.Response, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func (e *testEnv) dataMap(t *testing.T, env envelope) map[string]any {
	t.Helper()
	m, ok := env.Data.(map[string]any)
	require.True(t, ok, "data is %T", env.Data)
	return m
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	e := newTestEnv(t)
	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/v1/journeys", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestJourneyLifecycleOverREST(t *testing.T) {
	e := newTestEnv(t)

	resp, env := e.do(t, "tok-leader", http.MethodPost, "/v1/journeys",
		map[string]any{"name": "road trip"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, env.Success)
	assert.Equal(t, http.StatusCreated, env.StatusCode)
	journeyID := e.dataMap(t, env)["journey_id"].(string)
	require.NotEmpty(t, journeyID)

	// Invite, accept, start.
	resp, _ = e.do(t, "tok-leader", http.MethodPost,
		"/v1/journeys/"+journeyID+"/invitations", map[string]string{"user_id": "follower"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = e.do(t, "tok-follower", http.MethodPost,
		"/v1/journeys/"+journeyID+"/invitations/accept", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env = e.do(t, "tok-leader", http.MethodPost,
		"/v1/journeys/"+journeyID+"/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(domain.JourneyActive), e.dataMap(t, env)["status"])

	// Both stream one fix; follower then reads the hot snapshot.
	for _, tok := range []string{"tok-leader", "tok-follower"} {
		resp, env = e.do(t, tok, http.MethodPost, "/v1/locations", map[string]any{
			"journey_id": journeyID,
			"latitude":   -1.2921,
			"longitude":  36.8219,
			"accuracy":   5,
			"metadata":   map[string]any{"battery_level": 90, "is_moving": true},
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode, tok)
		assert.True(t, env.Success)
	}

	resp, env = e.do(t, "tok-follower", http.MethodGet,
		"/v1/journeys/"+journeyID+"/locations/latest", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snapshot := e.dataMap(t, env)
	assert.Len(t, snapshot, 2)

	// History in sequence order.
	resp, env = e.do(t, "tok-leader", http.MethodGet,
		"/v1/journeys/"+journeyID+"/locations?limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	recs, ok := env.Data.([]any)
	require.True(t, ok)
	assert.Len(t, recs, 2)

	// End, then further locations are rejected with the precondition kind.
	resp, _ = e.do(t, "tok-leader", http.MethodPost, "/v1/journeys/"+journeyID+"/end", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env = e.do(t, "tok-leader", http.MethodPost, "/v1/locations", map[string]any{
		"journey_id": journeyID,
		"latitude":   -1.2921,
		"longitude":  36.8219,
		"metadata":   map[string]any{"battery_level": 90},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, string(domain.KindPreconditionFailed), env.Error.Kind)
}

func TestErrorEnvelopeShape(t *testing.T) {
	e := newTestEnv(t)

	resp, env := e.do(t, "tok-leader", http.MethodGet, "/v1/journeys/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.False(t, env.Success)
	assert.Equal(t, http.StatusNotFound, env.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, string(domain.KindNotFound), env.Error.Kind)
	assert.NotEmpty(t, env.Message)
}

func TestForbiddenForOutsiders(t *testing.T) {
	e := newTestEnv(t)

	_, env := e.do(t, "tok-leader", http.MethodPost, "/v1/journeys",
		map[string]any{"name": "private trip"})
	journeyID := e.dataMap(t, env)["journey_id"].(string)

	resp, env := e.do(t, "tok-follower", http.MethodGet, "/v1/journeys/"+journeyID, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, string(domain.KindForbidden), env.Error.Kind)
}

func TestThrottledUpdateIsAcceptedNotError(t *testing.T) {
	e := newTestEnv(t)

	_, env := e.do(t, "tok-leader", http.MethodPost, "/v1/journeys",
		map[string]any{"name": "trip"})
	journeyID := e.dataMap(t, env)["journey_id"].(string)
	e.do(t, "tok-leader", http.MethodPost, "/v1/journeys/"+journeyID+"/invitations",
		map[string]string{"user_id": "follower"})
	e.do(t, "tok-follower", http.MethodPost, "/v1/journeys/"+journeyID+"/invitations/accept", nil)
	e.do(t, "tok-leader", http.MethodPost, "/v1/journeys/"+journeyID+"/start", nil)

	loc := func(lat float64) map[string]any {
		return map[string]any{
			"journey_id": journeyID,
			"latitude":   lat,
			"longitude":  36.8219,
			"accuracy":   5,
			"metadata":   map[string]any{"battery_level": 90, "is_moving": true},
		}
	}
	// Follower LOW updates inside the 10s window: first accepted, second
	// throttled with 202, never an error status.
	resp, env := e.do(t, "tok-follower", http.MethodPost, "/v1/locations", loc(-1.2921))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, env = e.do(t, "tok-follower", http.MethodPost, "/v1/locations", loc(-1.29211))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.True(t, env.Success)
	assert.Equal(t, false, e.dataMap(t, env)["success"])
}

func TestInvalidInputEnvelope(t *testing.T) {
	e := newTestEnv(t)
	cases := []struct {
		name string
		body map[string]any
	}{
		{"bad latitude", map[string]any{"journey_id": "x", "latitude": 91.0, "longitude": 0.0, "metadata": map[string]any{"battery_level": 50}}},
		{"bad battery", map[string]any{"journey_id": "x", "latitude": 0.0, "longitude": 0.0, "metadata": map[string]any{"battery_level": 150}}},
		{"missing journey", map[string]any{"latitude": 0.0, "longitude": 0.0, "metadata": map[string]any{"battery_level": 50}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, env := e.do(t, "tok-leader", http.MethodPost, "/v1/locations", tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			require.NotNil(t, env.Error)
			assert.Equal(t, string(domain.KindInvalidInput), env.Error.Kind)
		})
	}
}

func TestAlertsEndpoint(t *testing.T) {
	e := newTestEnv(t)

	_, env := e.do(t, "tok-leader", http.MethodPost, "/v1/journeys",
		map[string]any{"name": "trip"})
	journeyID := e.dataMap(t, env)["journey_id"].(string)
	e.do(t, "tok-leader", http.MethodPost, "/v1/journeys/"+journeyID+"/invitations",
		map[string]string{"user_id": "follower"})
	e.do(t, "tok-follower", http.MethodPost, "/v1/journeys/"+journeyID+"/invitations/accept", nil)
	e.do(t, "tok-leader", http.MethodPost, "/v1/journeys/"+journeyID+"/start", nil)

	// Leader at origin, follower ~700m south: a WARNING alert forms.
	e.do(t, "tok-leader", http.MethodPost, "/v1/locations", map[string]any{
		"journey_id": journeyID, "latitude": -1.2921, "longitude": 36.8219,
		"accuracy": 5, "metadata": map[string]any{"battery_level": 90, "is_moving": true},
	})
	e.do(t, "tok-follower", http.MethodPost, "/v1/locations", map[string]any{
		"journey_id": journeyID, "latitude": -1.2921 - 700.0/111320.0, "longitude": 36.8219,
		"accuracy": 5, "metadata": map[string]any{"battery_level": 90, "is_moving": true},
	})

	resp, env := e.do(t, "tok-follower", http.MethodGet, "/v1/journeys/"+journeyID+"/alerts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	alerts, ok := env.Data.([]any)
	require.True(t, ok)
	require.Len(t, alerts, 1)
	alert := alerts[0].(map[string]any)
	assert.Equal(t, string(domain.SeverityWarning), alert["severity"])
	assert.Equal(t, true, alert["is_active"])
	assert.Equal(t, "follower", alert["user_id"])
}

func TestListJourneysReturnsMemberships(t *testing.T) {
	e := newTestEnv(t)
	ids := make([]string, 2)
	for i := 0; i < 2; i++ {
		_, env := e.do(t, "tok-leader", http.MethodPost, "/v1/journeys",
			map[string]any{"name": fmt.Sprintf("trip %d", i)})
		ids[i] = e.dataMap(t, env)["journey_id"].(string)
	}
	resp, env := e.do(t, "tok-leader", http.MethodGet, "/v1/journeys", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	memberships, ok := env.Data.([]any)
	require.True(t, ok)
	assert.Len(t, memberships, 2)

	// ?status narrows to journeys in that lifecycle state.
	e.do(t, "tok-leader", http.MethodPost, "/v1/journeys/"+ids[0]+"/start", nil)
	resp, env = e.do(t, "tok-leader", http.MethodGet, "/v1/journeys?status=ACTIVE", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	memberships, ok = env.Data.([]any)
	require.True(t, ok)
	require.Len(t, memberships, 1)
	assert.Equal(t, ids[0], memberships[0].(map[string]any)["journey_id"])

	// ?membership surfaces open invitations.
	e.do(t, "tok-leader", http.MethodPost, "/v1/journeys/"+ids[1]+"/invitations",
		map[string]string{"user_id": "follower"})
	resp, env = e.do(t, "tok-follower", http.MethodGet, "/v1/journeys?membership=INVITED", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	memberships, ok = env.Data.([]any)
	require.True(t, ok)
	require.Len(t, memberships, 1)
	assert.Equal(t, ids[1], memberships[0].(map[string]any)["journey_id"])

	resp, env = e.do(t, "tok-leader", http.MethodGet, "/v1/journeys?status=WARP", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, string(domain.KindInvalidInput), env.Error.Kind)
}

func TestCancelRejectedOnceUnderway(t *testing.T) {
	e := newTestEnv(t)

	_, env := e.do(t, "tok-leader", http.MethodPost, "/v1/journeys",
		map[string]any{"name": "trip"})
	journeyID := e.dataMap(t, env)["journey_id"].(string)
	e.do(t, "tok-leader", http.MethodPost, "/v1/journeys/"+journeyID+"/start", nil)

	resp, env := e.do(t, "tok-leader", http.MethodPost, "/v1/journeys/"+journeyID+"/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, string(domain.KindPreconditionFailed), env.Error.Kind)
}
