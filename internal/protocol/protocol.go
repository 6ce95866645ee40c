package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/DoyleJ11/combat-tracker-backend/internal/combat"
	"github.com/DoyleJ11/combat-tracker-backend/internal/store"
)

var ErrBadPayload = errors.New("bad payload")

type Type string

const (
	// inbound only
	TypeJoinCampaign            Type = "join-campaign"
	TypeLeaveCampaign           Type = "leave-campaign"
	TypeRequestConnectedPlayers Type = "request-connected-players"
	TypeAddParticipant          Type = "add-participant"
	TypeRemoveParticipant       Type = "remove-participant"

	// both directions
	TypeRequestStateSync       Type = "request-state-sync"
	TypeRequestPlayerPositions Type = "request-player-positions"
	TypePlayerPosition         Type = "player-position"
	TypeStateSync              Type = "state-sync"
	TypeCombatUpdate           Type = "combat-update"
	TypeCombatStart            Type = "combat-start"
	TypeCombatStop             Type = "combat-stop"
	TypeNextTurn               Type = "next-turn"
	TypeHPChange               Type = "hp-change"
	TypeConditionChange        Type = "condition-change"
	TypeExhaustionChange       Type = "exhaustion-change"
	TypeDeathSaveChange        Type = "death-save-change"
	TypeAmbientEffect          Type = "ambient-effect"
	TypeInventoryUpdate        Type = "inventory-update"
	TypeNotification           Type = "notification"

	// outbound only
	TypeJoinSuccess        Type = "join-success"
	TypeJoinError          Type = "join-error"
	TypeConnectedPlayers   Type = "connected-players"
	TypePlayerConnected    Type = "player-connected"
	TypePlayerDisconnected Type = "player-disconnected"
	TypeDMReconnected      Type = "dm-reconnected"
	TypeDMDisconnected     Type = "dm-disconnected"
	TypeError              Type = "error"
)

type Role string

const (
	RoleDM     Role = "dm"
	RolePlayer Role = "player"
)

func (r Role) Valid() bool { return r == RoleDM || r == RolePlayer }

// Error codes carried by join-error and error envelopes.
const (
	CodeInvalidRequest     = "invalid-request"
	CodeInvalidCredentials = "invalid-credentials"
	CodeDMAlreadyConnected = "dm-already-connected"
	CodeCharacterInUse     = "character-in-use"
	CodeBadJSON            = "bad-json"
	CodeUnknownType        = "unknown-type"
	CodeRateLimited        = "rate-limited"
	CodeNotJoined          = "not-joined"
	CodeUnavailable        = "unavailable"
)

type Envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode wraps payload in an envelope of type t.
func Encode(t Type, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: t}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", t, err)
	}
	return Envelope{Type: t, Data: data}, nil
}

// MustEncode is Encode for payload types that always marshal.
func MustEncode(t Type, payload any) Envelope {
	env, err := Encode(t, payload)
	if err != nil {
		panic(err)
	}
	return env
}

func Decode[T any](env Envelope) (T, error) {
	var v T
	if len(env.Data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, fmt.Errorf("%w: %s: %v", ErrBadPayload, env.Type, err)
	}
	return v, nil
}

type JoinCampaign struct {
	CampaignID string            `json:"campaignId"`
	Role       Role              `json:"role"`
	Password   string            `json:"password,omitempty"`
	Characters []store.Character `json:"characters,omitempty"`
}

type JoinSuccess struct {
	CampaignID   string `json:"campaignId"`
	Role         Role   `json:"role"`
	SocketID     string `json:"socketId"`
	SessionToken string `json:"sessionToken,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ConnectedPlayers struct {
	Players []store.ConnectedPlayer `json:"players"`
}

type PlayerEvent struct {
	SocketID   string            `json:"socketId"`
	Characters []store.Character `json:"characters"`
}

type DMEvent struct {
	CampaignID string `json:"campaignId"`
}

type StateSyncRequest struct {
	RequesterID string `json:"requesterId,omitempty"`
}

// CombatUpdate always carries the full resulting state.
type CombatUpdate struct {
	Action Type         `json:"action,omitempty"`
	State  combat.State `json:"state"`
}

type CombatStart struct {
	Participants []combat.Participant `json:"participants"`
	// SortByInitiative asks the server to order by initiative (stable on ties)
	// instead of trusting the given order.
	SortByInitiative bool `json:"sortByInitiative,omitempty"`
}

type ParticipantRef struct {
	ID string `json:"id"`
}

type AddParticipant struct {
	Participant combat.Participant `json:"participant"`
}

type HPChange struct {
	ID          string              `json:"id"`
	NewHP       int                 `json:"newHp"`
	Change      int                 `json:"change,omitempty"`
	MaxHP       int                 `json:"maxHp,omitempty"`
	Participant *combat.Participant `json:"participant,omitempty"`
}

type ConditionChange struct {
	ID                 string              `json:"id"`
	Conditions         []string            `json:"conditions"`
	ConditionDurations map[string]int      `json:"conditionDurations,omitempty"`
	Participant        *combat.Participant `json:"participant,omitempty"`
}

type ExhaustionChange struct {
	ID              string              `json:"id"`
	ExhaustionLevel int                 `json:"exhaustionLevel"`
	Participant     *combat.Participant `json:"participant,omitempty"`
}

type DeathSaveChange struct {
	ID          string              `json:"id"`
	DeathSaves  combat.DeathSaves   `json:"deathSaves"`
	Participant *combat.Participant `json:"participant,omitempty"`
}

type InventoryUpdate struct {
	CharacterID string          `json:"characterId"`
	Inventory   json.RawMessage `json:"inventory"`
}
