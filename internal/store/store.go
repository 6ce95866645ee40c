// Package store holds the per-campaign realtime snapshots: the DM session,
// the connected-player roster and the active combat state. Every backend is
// last-write-wins per key.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/DoyleJ11/combat-tracker-backend/internal/combat"
)

// ErrNotFound is returned by the getters when a campaign has no record.
var ErrNotFound = errors.New("not found")

type DMSession struct {
	SocketID     string    `json:"socketId"`
	SessionToken string    `json:"sessionToken"`
	ConnectedAt  time.Time `json:"connectedAt"`
}

// Character is a roster entry with live stats.
type Character struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	CurrentHP int             `json:"currentHp"`
	MaxHP     int             `json:"maxHp"`
	Inventory json.RawMessage `json:"inventory,omitempty"`
}

type ConnectedPlayer struct {
	SocketID   string      `json:"socketId"`
	Characters []Character `json:"characters"`
}

// Controls reports whether the player's socket holds characterID.
func (p ConnectedPlayer) Controls(characterID string) bool {
	for _, c := range p.Characters {
		if c.ID == characterID {
			return true
		}
	}
	return false
}

type Store interface {
	GetDMSession(ctx context.Context, campaignID string) (DMSession, error)
	SetDMSession(ctx context.Context, campaignID string, session DMSession) error
	DeleteDMSession(ctx context.Context, campaignID string) error

	// GetPlayers returns the roster ordered by socket id.
	GetPlayers(ctx context.Context, campaignID string) ([]ConnectedPlayer, error)
	// AddPlayer inserts or replaces the entry for player.SocketID.
	AddPlayer(ctx context.Context, campaignID string, player ConnectedPlayer) error
	RemovePlayer(ctx context.Context, campaignID, socketID string) error

	GetCombatState(ctx context.Context, campaignID string) (combat.State, error)
	SetCombatState(ctx context.Context, campaignID string, state combat.State) error
	DeleteCombatState(ctx context.Context, campaignID string) error

	Close() error
}

func clonePlayer(p ConnectedPlayer) ConnectedPlayer {
	out := p
	out.Characters = make([]Character, len(p.Characters))
	for i, c := range p.Characters {
		c.Inventory = append(json.RawMessage(nil), c.Inventory...)
		out.Characters[i] = c
	}
	return out
}
