package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/combat-tracker-backend/internal/combat"
	"github.com/DoyleJ11/combat-tracker-backend/internal/hub"
	"github.com/DoyleJ11/combat-tracker-backend/internal/protocol"
	"github.com/DoyleJ11/combat-tracker-backend/internal/session"
	"github.com/DoyleJ11/combat-tracker-backend/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func Healthz(storeState func() string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := struct {
			Status string `json:"status"`
			Store  string `json:"store,omitempty"`
		}{Status: "ok"}
		if storeState != nil {
			body.Store = storeState()
		}
		writeJSON(w, http.StatusOK, body)
	}
}

type rosterView struct {
	protocol.ConnectedPlayers
	// DMReconnecting is set while a dropped DM may still resume the session.
	DMReconnecting bool `json:"dmReconnecting"`
}

// ConnectedPlayers serves the campaign roster.
func ConnectedPlayers(reg *session.Registry, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		players, err := reg.ConnectedPlayers(r.Context(), id)
		if err != nil {
			log.Warn("roster read failed", zap.String("campaign", id), zap.Error(err))
			http.Error(w, "roster unavailable", http.StatusServiceUnavailable)
			return
		}
		if players == nil {
			players = []store.ConnectedPlayer{}
		}
		writeJSON(w, http.StatusOK, rosterView{
			ConnectedPlayers: protocol.ConnectedPlayers{Players: players},
			DMReconnecting:   reg.InGracePeriod(id),
		})
	}
}

// CombatState serves the live state of a running room, falling back to the
// last persisted snapshot.
func CombatState(h *hub.Hub, st store.Store, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		rm, err := h.Room(r.Context(), id)
		if err == nil && rm != nil {
			if view, err := rm.State(r.Context()); err == nil {
				writeJSON(w, http.StatusOK, view.State)
				return
			}
		}

		state, err := st.GetCombatState(r.Context(), id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeJSON(w, http.StatusOK, combat.NewEmptyState())
		case err != nil:
			log.Warn("combat state read failed", zap.String("campaign", id), zap.Error(err))
			http.Error(w, "combat state unavailable", http.StatusServiceUnavailable)
		default:
			writeJSON(w, http.StatusOK, state)
		}
	}
}
