package dispatch

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/DoyleJ11/combat-tracker-backend/internal/combat"
	"github.com/DoyleJ11/combat-tracker-backend/internal/peer"
	"github.com/DoyleJ11/combat-tracker-backend/internal/protocol"
	"github.com/DoyleJ11/combat-tracker-backend/internal/room"
	"github.com/DoyleJ11/combat-tracker-backend/internal/store"
)

// fullState renders a combat result as t carrying the whole state.
func fullState(t, action protocol.Type) func(combat.State) protocol.Envelope {
	return func(s combat.State) protocol.Envelope {
		return protocol.MustEncode(t, protocol.CombatUpdate{Action: action, State: s})
	}
}

// dmCommand applies a DM-only structural command and echoes the result to
// the whole room.
func (d *Dispatcher) dmCommand(ctx context.Context, p *peer.Peer, t protocol.Type, m room.Mutation) error {
	b, rm, err := d.member(ctx, p)
	if err != nil {
		return err
	}
	if !d.isLiveDM(ctx, p, b, t) {
		return nil
	}
	res, err := rm.Apply(ctx, m)
	if err != nil {
		return err
	}
	if res.Err != nil {
		d.log.Info("combat command rejected",
			zap.String("type", string(t)),
			zap.String("campaign", b.CampaignID),
			zap.Error(res.Err),
		)
		return nil
	}
	if cur, ok := res.State.Current(); ok {
		d.log.Debug("combat turn",
			zap.String("type", string(t)),
			zap.String("campaign", b.CampaignID),
			zap.String("current", cur.ID),
			zap.Int("round", res.State.RoundNumber),
		)
	}
	return nil
}

// stateSync accepts a full snapshot pushed by the live DM and forwards it
// to everyone else.
func (d *Dispatcher) stateSync(ctx context.Context, p *peer.Peer, env protocol.Envelope) error {
	req, err := protocol.Decode[protocol.CombatUpdate](env)
	if err != nil {
		return err
	}
	action := req.Action
	if action == "" {
		action = protocol.TypeStateSync
	}
	return d.dmCommand(ctx, p, env.Type, room.Mutation{
		Cmd:    combat.Command{Type: combat.CmdSync, State: req.State},
		Render: fullState(env.Type, action),
		Except: p.ID,
	})
}

func (d *Dispatcher) combatStart(ctx context.Context, p *peer.Peer, env protocol.Envelope) error {
	req, err := protocol.Decode[protocol.CombatStart](env)
	if err != nil {
		return err
	}
	participants := req.Participants
	if req.SortByInitiative {
		participants = combat.SortByInitiative(participants)
	}
	return d.dmCommand(ctx, p, env.Type, room.Mutation{
		Cmd:    combat.Command{Type: combat.CmdStart, Participants: participants},
		Render: fullState(protocol.TypeCombatStart, protocol.TypeCombatStart),
	})
}

func (d *Dispatcher) combatStop(ctx context.Context, p *peer.Peer, env protocol.Envelope) error {
	return d.dmCommand(ctx, p, env.Type, room.Mutation{
		Cmd:    combat.Command{Type: combat.CmdStop},
		Render: fullState(protocol.TypeCombatStop, protocol.TypeCombatStop),
	})
}

func (d *Dispatcher) nextTurn(ctx context.Context, p *peer.Peer, env protocol.Envelope) error {
	return d.dmCommand(ctx, p, env.Type, room.Mutation{
		Cmd:    combat.Command{Type: combat.CmdAdvanceTurn},
		Render: fullState(protocol.TypeNextTurn, protocol.TypeNextTurn),
	})
}

func (d *Dispatcher) addParticipant(ctx context.Context, p *peer.Peer, env protocol.Envelope) error {
	req, err := protocol.Decode[protocol.AddParticipant](env)
	if err != nil {
		return err
	}
	return d.dmCommand(ctx, p, env.Type, room.Mutation{
		Cmd:    combat.Command{Type: combat.CmdAddParticipant, Participant: req.Participant},
		Render: fullState(protocol.TypeCombatUpdate, protocol.TypeAddParticipant),
	})
}

func (d *Dispatcher) removeParticipant(ctx context.Context, p *peer.Peer, env protocol.Envelope) error {
	req, err := protocol.Decode[protocol.ParticipantRef](env)
	if err != nil {
		return err
	}
	return d.dmCommand(ctx, p, env.Type, room.Mutation{
		Cmd:    combat.Command{Type: combat.CmdRemoveParticipant, ParticipantID: req.ID},
		Render: fullState(protocol.TypeCombatUpdate, protocol.TypeRemoveParticipant),
	})
}

// participantChange applies patch to participant id and echoes render's
// payload to the room. Outside combat, or for someone not in the
// encounter, the original envelope is relayed unchanged. It returns the
// resulting participant when the encounter holds it.
func (d *Dispatcher) participantChange(
	ctx context.Context,
	p *peer.Peer,
	env protocol.Envelope,
	id string,
	patch combat.Patch,
	render func(combat.Participant) any,
) (peer.Binding, *combat.Participant, bool, error) {
	b, rm, err := d.member(ctx, p)
	if err != nil {
		return b, nil, false, err
	}
	if !d.mayEdit(ctx, p, b, env.Type, id) {
		return b, nil, false, nil
	}

	res, err := rm.Apply(ctx, room.Mutation{
		Cmd: combat.Command{Type: combat.CmdMutate, ParticipantID: id, Patch: patch},
		Render: func(s combat.State) protocol.Envelope {
			updated, _ := s.Find(id)
			return protocol.MustEncode(env.Type, render(updated))
		},
	})
	if err != nil {
		return b, nil, false, err
	}

	switch {
	case res.Err == nil:
		updated, _ := res.State.Find(id)
		return b, &updated, true, nil
	case errors.Is(res.Err, combat.ErrNoCombat), errors.Is(res.Err, combat.ErrUnknownParticipant):
		return b, nil, true, d.broadcast(ctx, rm, env, "")
	default:
		return b, nil, false, res.Err
	}
}

func (d *Dispatcher) hpChange(ctx context.Context, p *peer.Peer, env protocol.Envelope) error {
	req, err := protocol.Decode[protocol.HPChange](env)
	if err != nil {
		return err
	}
	hp := req.NewHP
	b, updated, accepted, err := d.participantChange(ctx, p, env, req.ID,
		combat.Patch{CurrentHP: &hp},
		func(u combat.Participant) any {
			return protocol.HPChange{ID: req.ID, NewHP: u.CurrentHP, Change: req.Change, MaxHP: u.MaxHP, Participant: &u}
		})
	if err != nil || !accepted {
		return err
	}

	if updated != nil {
		hp = updated.CurrentHP
	} else {
		hp = max(hp, 0)
		if req.MaxHP > 0 {
			hp = min(hp, req.MaxHP)
		}
	}

	inRoster := d.registry.UpdateCharacter(ctx, b.CampaignID, req.ID, func(c *store.Character) {
		c.CurrentHP = hp
		if req.MaxHP > 0 {
			c.MaxHP = req.MaxHP
		}
	})
	if inRoster || (updated != nil && updated.Type == combat.TypePlayer) {
		d.writeBack("hp", b.CampaignID, req.ID, func(ctx context.Context) error {
			return d.writer.UpdateCharacterHP(ctx, b.CampaignID, req.ID, hp)
		})
	}
	return nil
}

func (d *Dispatcher) conditionChange(ctx context.Context, p *peer.Peer, env protocol.Envelope) error {
	req, err := protocol.Decode[protocol.ConditionChange](env)
	if err != nil {
		return err
	}
	_, _, _, err = d.participantChange(ctx, p, env, req.ID,
		combat.Patch{Conditions: req.Conditions, ConditionDurations: req.ConditionDurations, SetConditions: true},
		func(u combat.Participant) any {
			return protocol.ConditionChange{ID: req.ID, Conditions: u.Conditions, ConditionDurations: u.ConditionDurations, Participant: &u}
		})
	return err
}

func (d *Dispatcher) exhaustionChange(ctx context.Context, p *peer.Peer, env protocol.Envelope) error {
	req, err := protocol.Decode[protocol.ExhaustionChange](env)
	if err != nil {
		return err
	}
	level := req.ExhaustionLevel
	_, _, _, err = d.participantChange(ctx, p, env, req.ID,
		combat.Patch{ExhaustionLevel: &level},
		func(u combat.Participant) any {
			return protocol.ExhaustionChange{ID: req.ID, ExhaustionLevel: u.ExhaustionLevel, Participant: &u}
		})
	return err
}

func (d *Dispatcher) deathSaveChange(ctx context.Context, p *peer.Peer, env protocol.Envelope) error {
	req, err := protocol.Decode[protocol.DeathSaveChange](env)
	if err != nil {
		return err
	}
	saves := req.DeathSaves
	_, _, _, err = d.participantChange(ctx, p, env, req.ID,
		combat.Patch{DeathSaves: &saves},
		func(u combat.Participant) any {
			out := protocol.DeathSaveChange{ID: req.ID, Participant: &u}
			if u.DeathSaves != nil {
				out.DeathSaves = *u.DeathSaves
			}
			return out
		})
	return err
}
