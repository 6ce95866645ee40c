package combat

// AdvanceTurn moves to the next participant. The incoming participant's timed
// conditions tick down first; a condition that reaches zero is removed, so a
// duration of 1 lasts until the start of its holder's next turn.
func (s *State) AdvanceTurn() ([]Event, error) {
	if !s.CombatActive {
		return nil, ErrNoCombat
	}
	if len(s.Participants) == 0 {
		return nil, ErrEmptyEncounter
	}

	next := (s.CurrentTurnIndex + 1) % len(s.Participants)
	events := tickConditions(&s.Participants[next])

	s.CurrentTurnIndex = next
	events = append(events, Event{
		Type:          EvtTurnAdvanced,
		ParticipantID: s.Participants[next].ID,
		Round:         s.RoundNumber,
	})

	if next == 0 {
		s.RoundNumber++
		events = append(events, Event{Type: EvtRoundStarted, Round: s.RoundNumber})
	}
	return events, nil
}

func tickConditions(p *Participant) []Event {
	if len(p.ConditionDurations) == 0 {
		return nil
	}

	var events []Event
	for cond, left := range p.ConditionDurations {
		left--
		if left > 0 {
			p.ConditionDurations[cond] = left
			continue
		}
		delete(p.ConditionDurations, cond)
		p.Conditions = without(p.Conditions, cond)
		events = append(events, Event{Type: EvtConditionExpired, ParticipantID: p.ID, Condition: cond})
	}
	return events
}

func without(list []string, v string) []string {
	out := list[:0]
	for _, c := range list {
		if c != v {
			out = append(out, c)
		}
	}
	return out
}
