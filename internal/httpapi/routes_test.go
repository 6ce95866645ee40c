package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DoyleJ11/combat-tracker-backend/internal/combat"
	"github.com/DoyleJ11/combat-tracker-backend/internal/hub"
	"github.com/DoyleJ11/combat-tracker-backend/internal/protocol"
	"github.com/DoyleJ11/combat-tracker-backend/internal/session"
	"github.com/DoyleJ11/combat-tracker-backend/internal/store"
)

func newRouter(t *testing.T, st store.Store) (http.Handler, *hub.Hub, *session.Registry) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := hub.NewHub(ctx, st, zap.NewNop())
	reg := session.NewRegistry(st, h, h, nil, session.Options{DefaultPassword: "dungeon", GracePeriod: time.Minute}, zap.NewNop())
	t.Cleanup(reg.Close)

	return SetupRoutes(Deps{
		Hub:        h,
		Registry:   reg,
		Store:      st,
		WS:         http.NotFoundHandler(),
		StoreState: func() string { return "closed" },
		Log:        zap.NewNop(),
	}), h, reg
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	h, _, _ := newRouter(t, store.NewMemory())
	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","store":"closed"}`, rec.Body.String())
}

func TestMetrics(t *testing.T) {
	h, _, _ := newRouter(t, store.NewMemory())
	rec := get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "combat_tracker_connections_active")
}

func TestConnectedPlayers(t *testing.T) {
	st := store.NewMemory()
	require.NoError(t, st.AddPlayer(context.Background(), "camp", store.ConnectedPlayer{
		SocketID:   "p1",
		Characters: []store.Character{{ID: "aria", Name: "Aria"}},
	}))
	h, _, _ := newRouter(t, st)

	rec := get(t, h, "/campaigns/camp/players")
	require.Equal(t, http.StatusOK, rec.Code)
	var body protocol.ConnectedPlayers
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Players, 1)
	assert.Equal(t, "aria", body.Players[0].Characters[0].ID)

	rec = get(t, h, "/campaigns/empty/players")
	assert.JSONEq(t, `{"players":[],"dmReconnecting":false}`, rec.Body.String())
}

func TestConnectedPlayers_DMReconnecting(t *testing.T) {
	ctx := context.Background()
	h, hb, reg := newRouter(t, store.NewMemory())

	hb.Connect("dm")
	s, err := reg.RegisterDM(ctx, "camp", "dm")
	require.NoError(t, err)
	hb.Disconnect("dm")
	reg.DeregisterDM(ctx, "camp", s.SessionToken, false)

	rec := get(t, h, "/campaigns/camp/players")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"players":[],"dmReconnecting":true}`, rec.Body.String())
}

func TestCombatState(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.SetCombatState(ctx, "persisted", combat.State{
		CombatActive: true,
		RoundNumber:  2,
		Participants: []combat.Participant{{ID: "goblin", MaxHP: 7}},
	}))
	h, hb, _ := newRouter(t, st)

	var state combat.State
	rec := get(t, h, "/campaigns/persisted/combat")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, 2, state.RoundNumber)

	rec = get(t, h, "/campaigns/none/combat")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.False(t, state.CombatActive)

	// a running room answers from memory
	_, err := hb.Ensure(ctx, "persisted")
	require.NoError(t, err)
	require.NoError(t, st.DeleteCombatState(ctx, "persisted"))
	rec = get(t, h, "/campaigns/persisted/combat")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.True(t, state.CombatActive)
}
