package combat

// Patch carries absolute values. Nil fields are left untouched, so applying
// the same patch twice has the same effect as applying it once.
type Patch struct {
	CurrentHP          *int
	Conditions         []string
	ConditionDurations map[string]int
	SetConditions      bool
	ExhaustionLevel    *int
	DeathSaves         *DeathSaves
}

func (s *State) MutateParticipant(id string, patch Patch) ([]Event, error) {
	if !s.CombatActive {
		return nil, ErrNoCombat
	}
	i := s.indexOf(id)
	if i < 0 {
		return nil, ErrUnknownParticipant
	}
	p := &s.Participants[i]
	events := []Event{{Type: EvtParticipantUpdated, ParticipantID: id}}

	if patch.CurrentHP != nil {
		events = append(events, p.setHP(*patch.CurrentHP)...)
	}
	if patch.SetConditions {
		p.Conditions, p.ConditionDurations = conditionSet(patch.Conditions, patch.ConditionDurations)
	}
	if patch.ExhaustionLevel != nil {
		p.ExhaustionLevel = clamp(*patch.ExhaustionLevel, 0, MaxExhaustion)
	}
	if patch.DeathSaves != nil {
		events = append(events, p.setDeathSaves(*patch.DeathSaves)...)
	}
	return events, nil
}

func (p *Participant) setHP(hp int) []Event {
	p.CurrentHP = clamp(hp, 0, p.MaxHP)

	if p.CurrentHP > 0 {
		p.IsDead = false
		p.IsStabilized = false
		p.DeathSaves = nil
		return nil
	}

	if p.Type != TypePlayer {
		if p.IsDead {
			return nil
		}
		p.IsDead = true
		return []Event{{Type: EvtParticipantDied, ParticipantID: p.ID}}
	}

	// Players are never killed by damage alone; they roll death saves.
	if p.DeathSaves != nil || p.IsDead || p.IsStabilized {
		return nil
	}
	p.DeathSaves = &DeathSaves{}
	return []Event{{Type: EvtParticipantDown, ParticipantID: p.ID}}
}

func (p *Participant) setDeathSaves(ds DeathSaves) []Event {
	ds.Successes = clamp(ds.Successes, 0, DeathSaveLimit)
	ds.Failures = clamp(ds.Failures, 0, DeathSaveLimit)
	p.DeathSaves = &ds

	switch {
	case ds.Failures >= DeathSaveLimit:
		if p.IsDead {
			return nil
		}
		p.IsDead = true
		p.IsStabilized = false
		return []Event{{Type: EvtParticipantDied, ParticipantID: p.ID}}
	case ds.Successes >= DeathSaveLimit:
		if p.IsStabilized {
			return nil
		}
		p.IsStabilized = true
		return []Event{{Type: EvtParticipantStabilized, ParticipantID: p.ID}}
	}
	p.IsStabilized = false
	p.IsDead = false
	return nil
}

// conditionSet dedups conditions keeping first-seen order and keeps only the
// positive durations of conditions that are present.
func conditionSet(conds []string, durations map[string]int) ([]string, map[string]int) {
	set := make([]string, 0, len(conds))
	seen := make(map[string]bool, len(conds))
	for _, c := range conds {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		set = append(set, c)
	}

	var timed map[string]int
	for c, d := range durations {
		if !seen[c] || d <= 0 {
			continue
		}
		if timed == nil {
			timed = make(map[string]int)
		}
		timed[c] = d
	}
	return set, timed
}

func normalize(p Participant) Participant {
	if p.Type == "" {
		p.Type = TypeMonster
	}
	if p.MaxHP < 0 {
		p.MaxHP = 0
	}
	p.CurrentHP = clamp(p.CurrentHP, 0, p.MaxHP)
	p.ExhaustionLevel = clamp(p.ExhaustionLevel, 0, MaxExhaustion)
	p.Conditions, p.ConditionDurations = conditionSet(p.Conditions, p.ConditionDurations)
	return p
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
