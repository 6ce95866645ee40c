package combat

import (
	"maps"
	"slices"
	"sort"
)

func NewEmptyState() State {
	return State{
		CombatActive:     false,
		CurrentTurnIndex: 0,
		RoundNumber:      1,
		Participants:     []Participant{},
	}
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

// SortByInitiative orders participants by descending initiative. Ties keep
// their relative input order.
func SortByInitiative(participants []Participant) []Participant {
	out := slices.Clone(participants)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Initiative > out[j].Initiative
	})
	return out
}

// Current returns the participant whose turn it is.
func (s State) Current() (Participant, bool) {
	if !s.CombatActive || s.CurrentTurnIndex < 0 || s.CurrentTurnIndex >= len(s.Participants) {
		return Participant{}, false
	}
	return s.Participants[s.CurrentTurnIndex], true
}

func (s State) Find(id string) (Participant, bool) {
	i := s.indexOf(id)
	if i < 0 {
		return Participant{}, false
	}
	return s.Participants[i], true
}

func (s State) Clone() State {
	out := s
	if s.Participants != nil {
		out.Participants = make([]Participant, len(s.Participants))
		for i, p := range s.Participants {
			out.Participants[i] = p.clone()
		}
	}
	return out
}

func (p Participant) clone() Participant {
	out := p
	out.Conditions = slices.Clone(p.Conditions)
	out.ConditionDurations = maps.Clone(p.ConditionDurations)
	if p.DeathSaves != nil {
		ds := *p.DeathSaves
		out.DeathSaves = &ds
	}
	return out
}
