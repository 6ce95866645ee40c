package combat

import (
	"errors"
	"time"
)

var ErrNoCombat = errors.New("no active combat")
var ErrEmptyEncounter = errors.New("encounter has no participants")
var ErrUnknownParticipant = errors.New("unknown participant")
var ErrDuplicateParticipant = errors.New("duplicate participant")
var ErrUnsupportedCommand = errors.New("unsupported command")

const MaxExhaustion = 6

// Three successes stabilize a dying player, three failures kill them.
const DeathSaveLimit = 3

type ParticipantType string

const (
	TypePlayer  ParticipantType = "player"
	TypeMonster ParticipantType = "monster"
)

type DeathSaves struct {
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

type Participant struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	Initiative         int             `json:"initiative"`
	CurrentHP          int             `json:"currentHp"`
	MaxHP              int             `json:"maxHp"`
	Conditions         []string        `json:"conditions"`
	ConditionDurations map[string]int  `json:"conditionDurations,omitempty"`
	ExhaustionLevel    int             `json:"exhaustionLevel"`
	Type               ParticipantType `json:"type"`
	DeathSaves         *DeathSaves     `json:"deathSaves,omitempty"`
	IsStabilized       bool            `json:"isStabilized"`
	IsDead             bool            `json:"isDead"`
}

// State is the snapshot of one encounter. While CombatActive the turn index
// always points into Participants.
type State struct {
	CombatActive     bool          `json:"combatActive"`
	CurrentTurnIndex int           `json:"currentTurnIndex"`
	RoundNumber      int           `json:"roundNumber"`
	Participants     []Participant `json:"participants"`
	LastUpdate       time.Time     `json:"lastUpdate"`
}

type CommandType string

const (
	CmdStart             CommandType = "Start"
	CmdStop              CommandType = "Stop"
	CmdAdvanceTurn       CommandType = "AdvanceTurn"
	CmdMutate            CommandType = "Mutate"
	CmdSync              CommandType = "Sync"
	CmdRemoveParticipant CommandType = "RemoveParticipant"
	CmdAddParticipant    CommandType = "AddParticipant"
)

/*
	CmdStart             -> EvtCombatStarted
	CmdAdvanceTurn       -> EvtConditionExpired* -> EvtTurnAdvanced -> EvtRoundStarted (on wrap)
	CmdMutate            -> EvtParticipantUpdated -> EvtParticipantDown | EvtParticipantStabilized | EvtParticipantDied
	CmdSync              -> EvtStateSynced
	CmdRemoveParticipant -> EvtParticipantRemoved -> EvtCombatStopped (when the last one leaves)
	CmdAddParticipant    -> EvtParticipantAdded
	CmdStop              -> EvtCombatStopped
*/

type Command struct {
	Type          CommandType
	Participants  []Participant
	Participant   Participant
	ParticipantID string
	Patch         Patch
	State         State
}

type EventType string

const (
	EvtCombatStarted         EventType = "CombatStarted"
	EvtCombatStopped         EventType = "CombatStopped"
	EvtTurnAdvanced          EventType = "TurnAdvanced"
	EvtRoundStarted          EventType = "RoundStarted"
	EvtConditionExpired      EventType = "ConditionExpired"
	EvtParticipantUpdated    EventType = "ParticipantUpdated"
	EvtParticipantDown       EventType = "ParticipantDown"
	EvtParticipantStabilized EventType = "ParticipantStabilized"
	EvtParticipantDied       EventType = "ParticipantDied"
	EvtParticipantRemoved    EventType = "ParticipantRemoved"
	EvtParticipantAdded      EventType = "ParticipantAdded"
	EvtStateSynced           EventType = "StateSynced"
)

type Event struct {
	Type          EventType
	ParticipantID string
	Condition     string
	Round         int
}

// Apply runs cmd against a copy of s. On error the original state is
// returned untouched.
func Apply(s State, cmd Command) ([]Event, State, error) {
	newState := s.Clone()

	var (
		events []Event
		err    error
	)

	switch cmd.Type {
	case CmdStart:
		events, err = newState.Start(cmd.Participants)
	case CmdStop:
		events = newState.Stop()
	case CmdAdvanceTurn:
		events, err = newState.AdvanceTurn()
	case CmdMutate:
		events, err = newState.MutateParticipant(cmd.ParticipantID, cmd.Patch)
	case CmdSync:
		events = newState.SyncState(cmd.State)
	case CmdRemoveParticipant:
		events, err = newState.RemoveParticipant(cmd.ParticipantID)
	case CmdAddParticipant:
		events, err = newState.AddParticipant(cmd.Participant)
	default:
		err = ErrUnsupportedCommand
	}

	if err != nil {
		return nil, s, err
	}
	return events, newState, nil
}

// Start begins a new encounter in the order given. Initiative is not
// re-sorted here.
func (s *State) Start(participants []Participant) ([]Event, error) {
	if len(participants) == 0 {
		return nil, ErrEmptyEncounter
	}
	seen := make(map[string]bool, len(participants))
	list := make([]Participant, 0, len(participants))
	for _, p := range participants {
		if seen[p.ID] {
			return nil, ErrDuplicateParticipant
		}
		seen[p.ID] = true
		list = append(list, normalize(p.clone()))
	}

	s.CombatActive = true
	s.Participants = list
	s.CurrentTurnIndex = 0
	s.RoundNumber = 1
	return []Event{{Type: EvtCombatStarted, Round: 1}}, nil
}

func (s *State) Stop() []Event {
	*s = NewEmptyState()
	return []Event{{Type: EvtCombatStopped}}
}

// SyncState replaces the state with an externally supplied snapshot. Only the
// turn index is brought back into bounds.
func (s *State) SyncState(snapshot State) []Event {
	*s = snapshot.Clone()
	s.clampIndex()
	return []Event{{Type: EvtStateSynced, Round: s.RoundNumber}}
}

// RemoveParticipant drops id from the order and remaps the turn index so the
// same participant stays current. Removing the current participant hands the
// turn to whoever followed it.
func (s *State) RemoveParticipant(id string) ([]Event, error) {
	i := s.indexOf(id)
	if i < 0 {
		return nil, ErrUnknownParticipant
	}

	s.Participants = append(s.Participants[:i], s.Participants[i+1:]...)
	events := []Event{{Type: EvtParticipantRemoved, ParticipantID: id}}

	if len(s.Participants) == 0 {
		if s.CombatActive {
			events = append(events, s.Stop()...)
		}
		return events, nil
	}

	if i < s.CurrentTurnIndex {
		s.CurrentTurnIndex--
	}
	if s.CurrentTurnIndex >= len(s.Participants) {
		s.CurrentTurnIndex = 0
	}
	return events, nil
}

// AddParticipant appends p to the end of the turn order.
func (s *State) AddParticipant(p Participant) ([]Event, error) {
	if !s.CombatActive {
		return nil, ErrNoCombat
	}
	if s.indexOf(p.ID) >= 0 {
		return nil, ErrDuplicateParticipant
	}
	s.Participants = append(s.Participants, normalize(p.clone()))
	return []Event{{Type: EvtParticipantAdded, ParticipantID: p.ID}}, nil
}

func (s *State) indexOf(id string) int {
	for i := range s.Participants {
		if s.Participants[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *State) clampIndex() {
	n := len(s.Participants)
	switch {
	case n == 0 || s.CurrentTurnIndex < 0:
		s.CurrentTurnIndex = 0
	case s.CurrentTurnIndex >= n:
		s.CurrentTurnIndex = n - 1
	}
}
