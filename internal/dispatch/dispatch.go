// Package dispatch routes inbound envelopes to one handler per message type.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/combat-tracker-backend/internal/hub"
	"github.com/DoyleJ11/combat-tracker-backend/internal/metrics"
	"github.com/DoyleJ11/combat-tracker-backend/internal/peer"
	"github.com/DoyleJ11/combat-tracker-backend/internal/protocol"
	"github.com/DoyleJ11/combat-tracker-backend/internal/reconcile"
	"github.com/DoyleJ11/combat-tracker-backend/internal/room"
	"github.com/DoyleJ11/combat-tracker-backend/internal/session"
	"github.com/DoyleJ11/combat-tracker-backend/internal/store"
)

var (
	errNotJoined = errors.New("not joined to a campaign")
	errRoomGone  = errors.New("campaign room is gone")
)

const writeBackTimeout = 5 * time.Second

// CharacterWriter receives best-effort write-backs of character stats.
type CharacterWriter interface {
	UpdateCharacterHP(ctx context.Context, campaignID, characterID string, hp int) error
	UpdateCharacterInventory(ctx context.Context, campaignID, characterID string, inventory json.RawMessage) error
}

type Handler func(ctx context.Context, p *peer.Peer, env protocol.Envelope) error

type Dispatcher struct {
	handlers  map[protocol.Type]Handler
	reconcile *reconcile.Service
	registry  *session.Registry
	hub       *hub.Hub
	writer    CharacterWriter
	log       *zap.Logger

	writes sync.WaitGroup
}

func New(h *hub.Hub, registry *session.Registry, rec *reconcile.Service, writer CharacterWriter, log *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		reconcile: rec,
		registry:  registry,
		hub:       h,
		writer:    writer,
		log:       log.Named("dispatch"),
	}
	d.handlers = map[protocol.Type]Handler{
		protocol.TypeJoinCampaign:            d.joinCampaign,
		protocol.TypeLeaveCampaign:           d.leaveCampaign,
		protocol.TypeRequestConnectedPlayers: d.requestConnectedPlayers,
		protocol.TypeRequestStateSync:        d.requestStateSync,
		protocol.TypeRequestPlayerPositions:  d.relayToOthers,
		protocol.TypePlayerPosition:          d.relayToOthers,
		protocol.TypeStateSync:               d.stateSync,
		protocol.TypeCombatUpdate:            d.stateSync,
		protocol.TypeCombatStart:             d.combatStart,
		protocol.TypeCombatStop:              d.combatStop,
		protocol.TypeNextTurn:                d.nextTurn,
		protocol.TypeAddParticipant:          d.addParticipant,
		protocol.TypeRemoveParticipant:       d.removeParticipant,
		protocol.TypeHPChange:                d.hpChange,
		protocol.TypeConditionChange:         d.conditionChange,
		protocol.TypeExhaustionChange:        d.exhaustionChange,
		protocol.TypeDeathSaveChange:         d.deathSaveChange,
		protocol.TypeAmbientEffect:           d.ambientEffect,
		protocol.TypeInventoryUpdate:         d.inventoryUpdate,
		protocol.TypeNotification:            d.notification,
	}
	return d
}

// Handle runs the handler for env.Type. Handler failures are answered with
// an error envelope; nothing here closes the connection.
func (d *Dispatcher) Handle(ctx context.Context, p *peer.Peer, env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("handler panic",
				zap.String("type", string(env.Type)),
				zap.String("socket", p.ID),
				zap.Any("panic", r),
			)
		}
	}()

	h, ok := d.handlers[env.Type]
	if !ok {
		// Client-chosen types never become label values.
		metrics.EventIn(metrics.UnknownType)
		p.SendError(protocol.CodeUnknownType, fmt.Sprintf("unknown type %q", env.Type))
		return
	}
	metrics.EventIn(string(env.Type))

	err := h(ctx, p, env)
	switch {
	case err == nil:
	case errors.Is(err, protocol.ErrBadPayload):
		p.SendError(protocol.CodeBadJSON, err.Error())
	case errors.Is(err, errNotJoined):
		p.SendError(protocol.CodeNotJoined, "join a campaign first")
	default:
		d.log.Warn("handler failed",
			zap.String("type", string(env.Type)),
			zap.String("socket", p.ID),
			zap.Error(err),
		)
	}
}

// Disconnect cleans up after a dropped connection.
func (d *Dispatcher) Disconnect(ctx context.Context, p *peer.Peer) {
	d.reconcile.Leave(ctx, p, false)
}

// Wait blocks until pending write-backs have finished.
func (d *Dispatcher) Wait() { d.writes.Wait() }

func (d *Dispatcher) member(ctx context.Context, p *peer.Peer) (peer.Binding, *room.Room, error) {
	b, ok := p.Binding()
	if !ok {
		return peer.Binding{}, nil, errNotJoined
	}
	rm, err := d.hub.Room(ctx, b.CampaignID)
	if err != nil {
		return b, nil, err
	}
	if rm == nil {
		return b, nil, errRoomGone
	}
	return b, rm, nil
}

// isLiveDM reports whether b speaks for the campaign's current DM session.
// Anything else is counted and ignored.
func (d *Dispatcher) isLiveDM(ctx context.Context, p *peer.Peer, b peer.Binding, t protocol.Type) bool {
	if b.Role == protocol.RoleDM && d.registry.IsCurrentDM(ctx, b.CampaignID, b.SessionToken) {
		return true
	}
	metrics.StaleMutations.Inc()
	d.log.Warn("ignoring mutation from non-authoritative sender",
		zap.String("type", string(t)),
		zap.String("campaign", b.CampaignID),
		zap.String("socket", p.ID),
		zap.String("role", string(b.Role)),
	)
	return false
}

// mayEdit allows the live DM, or a player acting on a character it controls.
func (d *Dispatcher) mayEdit(ctx context.Context, p *peer.Peer, b peer.Binding, t protocol.Type, characterID string) bool {
	if b.Role == protocol.RolePlayer && b.Controls(characterID) {
		return true
	}
	return d.isLiveDM(ctx, p, b, t)
}

func (d *Dispatcher) broadcast(ctx context.Context, rm *room.Room, env protocol.Envelope, except string) error {
	return rm.Send(ctx, room.Broadcast{Env: env, Except: except})
}

func (d *Dispatcher) writeBack(op, campaignID, characterID string, fn func(ctx context.Context) error) {
	if d.writer == nil {
		return
	}
	d.writes.Add(1)
	go func() {
		defer d.writes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), writeBackTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			d.log.Warn("character write-back failed",
				zap.String("op", op),
				zap.String("campaign", campaignID),
				zap.String("character", characterID),
				zap.Error(err),
			)
		}
	}()
}

func (d *Dispatcher) joinCampaign(ctx context.Context, p *peer.Peer, env protocol.Envelope) error {
	req, err := protocol.Decode[protocol.JoinCampaign](env)
	if err != nil {
		return err
	}
	d.reconcile.Join(ctx, p, req)
	return nil
}

func (d *Dispatcher) leaveCampaign(ctx context.Context, p *peer.Peer, _ protocol.Envelope) error {
	if _, ok := p.Binding(); !ok {
		return errNotJoined
	}
	d.reconcile.Leave(ctx, p, true)
	return nil
}

func (d *Dispatcher) requestConnectedPlayers(ctx context.Context, p *peer.Peer, _ protocol.Envelope) error {
	b, ok := p.Binding()
	if !ok {
		return errNotJoined
	}
	d.reconcile.SendRoster(ctx, p, b.CampaignID)
	return nil
}

func (d *Dispatcher) requestStateSync(_ context.Context, p *peer.Peer, _ protocol.Envelope) error {
	b, ok := p.Binding()
	if !ok {
		return errNotJoined
	}
	d.reconcile.RequestStateSync(b.CampaignID, p.ID)
	return nil
}

func (d *Dispatcher) relayToOthers(ctx context.Context, p *peer.Peer, env protocol.Envelope) error {
	_, rm, err := d.member(ctx, p)
	if err != nil {
		return err
	}
	return d.broadcast(ctx, rm, env, p.ID)
}

func (d *Dispatcher) notification(ctx context.Context, p *peer.Peer, env protocol.Envelope) error {
	_, rm, err := d.member(ctx, p)
	if err != nil {
		return err
	}
	return d.broadcast(ctx, rm, env, "")
}

// ambientEffect goes to everyone but the DM, who applied it locally.
func (d *Dispatcher) ambientEffect(ctx context.Context, p *peer.Peer, env protocol.Envelope) error {
	b, rm, err := d.member(ctx, p)
	if err != nil {
		return err
	}
	if !d.isLiveDM(ctx, p, b, env.Type) {
		return nil
	}
	return d.broadcast(ctx, rm, env, p.ID)
}

func (d *Dispatcher) inventoryUpdate(ctx context.Context, p *peer.Peer, env protocol.Envelope) error {
	b, rm, err := d.member(ctx, p)
	if err != nil {
		return err
	}
	req, err := protocol.Decode[protocol.InventoryUpdate](env)
	if err != nil {
		return err
	}
	if !d.mayEdit(ctx, p, b, env.Type, req.CharacterID) {
		return nil
	}

	if err := d.broadcast(ctx, rm, env, ""); err != nil {
		return err
	}

	d.registry.UpdateCharacter(ctx, b.CampaignID, req.CharacterID, func(c *store.Character) {
		c.Inventory = append(json.RawMessage(nil), req.Inventory...)
	})
	d.writeBack("inventory", b.CampaignID, req.CharacterID, func(ctx context.Context) error {
		return d.writer.UpdateCharacterInventory(ctx, b.CampaignID, req.CharacterID, req.Inventory)
	})
	return nil
}
