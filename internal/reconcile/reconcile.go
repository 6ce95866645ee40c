// Package reconcile implements the join/leave handshake that brings a
// (re)connecting socket to a consistent view of its campaign.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/combat-tracker-backend/internal/hub"
	"github.com/DoyleJ11/combat-tracker-backend/internal/metrics"
	"github.com/DoyleJ11/combat-tracker-backend/internal/peer"
	"github.com/DoyleJ11/combat-tracker-backend/internal/protocol"
	"github.com/DoyleJ11/combat-tracker-backend/internal/room"
	"github.com/DoyleJ11/combat-tracker-backend/internal/session"
	"github.com/DoyleJ11/combat-tracker-backend/internal/store"
)

const DefaultRosterRefresh = 10 * time.Second

// Inventories looks up a character's inventory for roster entries.
type Inventories interface {
	CharacterInventory(ctx context.Context, characterID string) (json.RawMessage, error)
}

type Service struct {
	hub         *hub.Hub
	registry    *session.Registry
	inventories Inventories
	refresh     time.Duration
	log         *zap.Logger
}

func New(h *hub.Hub, registry *session.Registry, inventories Inventories, refresh time.Duration, log *zap.Logger) *Service {
	if refresh <= 0 {
		refresh = DefaultRosterRefresh
	}
	return &Service{
		hub:         h,
		registry:    registry,
		inventories: inventories,
		refresh:     refresh,
		log:         log.Named("reconcile"),
	}
}

// Join handles join-campaign. Failures are reported to p as join-error and
// leave the connection open. A peer that is already joined leaves first.
func (s *Service) Join(ctx context.Context, p *peer.Peer, req protocol.JoinCampaign) {
	if _, ok := p.Binding(); ok {
		s.Leave(ctx, p, true)
	}
	if req.CampaignID == "" || !req.Role.Valid() {
		s.reject(p, protocol.CodeInvalidRequest, "campaignId and a valid role are required")
		return
	}

	switch req.Role {
	case protocol.RoleDM:
		s.joinDM(ctx, p, req)
	case protocol.RolePlayer:
		s.joinPlayer(ctx, p, req)
	}
}

func (s *Service) joinDM(ctx context.Context, p *peer.Peer, req protocol.JoinCampaign) {
	log := s.log.With(zap.String("campaign", req.CampaignID), zap.String("socket", p.ID))

	if err := s.registry.AuthenticateDM(ctx, req.CampaignID, req.Password); err != nil {
		log.Info("dm authentication failed")
		s.reject(p, protocol.CodeInvalidCredentials, "invalid DM password")
		return
	}

	rm, err := s.hub.Ensure(ctx, req.CampaignID)
	if err != nil {
		log.Error("room unavailable", zap.Error(err))
		s.reject(p, protocol.CodeUnavailable, "campaign unavailable")
		return
	}

	sess, err := s.registry.RegisterDM(ctx, req.CampaignID, p.ID)
	if errors.Is(err, session.ErrDMAlreadyConnected) {
		s.reject(p, protocol.CodeDMAlreadyConnected, "another DM is connected to this campaign")
		return
	}
	if err != nil {
		log.Error("dm registration failed", zap.Error(err))
		s.reject(p, protocol.CodeUnavailable, "campaign unavailable")
		return
	}

	if err := rm.Send(ctx, room.Join{SocketID: p.ID, Role: protocol.RoleDM, Outbox: p.Outbox(), Drop: p.Drop}); err != nil {
		log.Error("room join failed", zap.Error(err))
		s.registry.DeregisterDM(ctx, req.CampaignID, sess.SessionToken, true)
		s.reject(p, protocol.CodeUnavailable, "campaign unavailable")
		return
	}

	refreshCtx, stop := context.WithCancel(context.Background())
	p.Bind(peer.Binding{
		CampaignID:   req.CampaignID,
		Role:         protocol.RoleDM,
		SessionToken: sess.SessionToken,
	}, stop)

	p.Send(protocol.MustEncode(protocol.TypeJoinSuccess, protocol.JoinSuccess{
		CampaignID:   req.CampaignID,
		Role:         protocol.RoleDM,
		SocketID:     p.ID,
		SessionToken: sess.SessionToken,
	}))
	s.SendRoster(ctx, p, req.CampaignID)

	view, err := rm.State(ctx)
	if err != nil {
		log.Warn("combat state not pushed", zap.Error(err))
	} else if view.State.CombatActive {
		p.Send(protocol.MustEncode(protocol.TypeCombatUpdate, protocol.CombatUpdate{
			Action: protocol.TypeStateSync,
			State:  view.State,
		}))
	}

	go s.refreshRoster(refreshCtx, p, req.CampaignID)
	log.Info("dm joined")
}

func (s *Service) joinPlayer(ctx context.Context, p *peer.Peer, req protocol.JoinCampaign) {
	log := s.log.With(zap.String("campaign", req.CampaignID), zap.String("socket", p.ID))

	characters := s.withInventories(ctx, req.Characters)

	rm, err := s.hub.Ensure(ctx, req.CampaignID)
	if err != nil {
		log.Error("room unavailable", zap.Error(err))
		s.reject(p, protocol.CodeUnavailable, "campaign unavailable")
		return
	}

	roster, err := s.registry.RegisterPlayer(ctx, req.CampaignID, p.ID, characters)
	if errors.Is(err, session.ErrCharacterInUse) {
		s.reject(p, protocol.CodeCharacterInUse, err.Error())
		return
	}
	if err != nil {
		log.Error("player registration failed", zap.Error(err))
		s.reject(p, protocol.CodeUnavailable, "campaign unavailable")
		return
	}

	if err := rm.Send(ctx, room.Join{SocketID: p.ID, Role: protocol.RolePlayer, Outbox: p.Outbox(), Drop: p.Drop}); err != nil {
		log.Error("room join failed", zap.Error(err))
		s.registry.DeregisterPlayer(ctx, req.CampaignID, p.ID)
		s.reject(p, protocol.CodeUnavailable, "campaign unavailable")
		return
	}

	p.Bind(peer.Binding{
		CampaignID: req.CampaignID,
		Role:       protocol.RolePlayer,
		Characters: characters,
	}, nil)

	p.Send(protocol.MustEncode(protocol.TypeJoinSuccess, protocol.JoinSuccess{
		CampaignID: req.CampaignID,
		Role:       protocol.RolePlayer,
		SocketID:   p.ID,
	}))
	p.Send(protocol.MustEncode(protocol.TypeConnectedPlayers, protocol.ConnectedPlayers{Players: roster}))

	s.RequestStateSync(req.CampaignID, p.ID)
	log.Info("player joined", zap.Int("characters", len(characters)))
}

// withInventories fills in inventories the client did not send.
func (s *Service) withInventories(ctx context.Context, characters []store.Character) []store.Character {
	out := make([]store.Character, len(characters))
	copy(out, characters)
	if s.inventories == nil {
		return out
	}
	for i := range out {
		if len(out[i].Inventory) > 0 {
			continue
		}
		inv, err := s.inventories.CharacterInventory(ctx, out[i].ID)
		if err != nil {
			s.log.Warn("inventory lookup failed", zap.String("character", out[i].ID), zap.Error(err))
			continue
		}
		out[i].Inventory = inv
	}
	return out
}

func (s *Service) reject(p *peer.Peer, code, message string) {
	metrics.JoinErrors.WithLabelValues(code).Inc()
	p.Send(protocol.MustEncode(protocol.TypeJoinError, protocol.ErrorPayload{Code: code, Message: message}))
}

// Leave undoes a join. explicit distinguishes leave-campaign from a dropped
// connection, which only starts the DM grace period.
func (s *Service) Leave(ctx context.Context, p *peer.Peer, explicit bool) {
	b, ok := p.Unbind()
	if !ok {
		return
	}

	if rm, err := s.hub.Room(ctx, b.CampaignID); err == nil && rm != nil {
		_ = rm.Send(ctx, room.Leave{SocketID: p.ID})
	}

	switch b.Role {
	case protocol.RoleDM:
		s.registry.DeregisterDM(ctx, b.CampaignID, b.SessionToken, explicit)
	case protocol.RolePlayer:
		s.registry.DeregisterPlayer(ctx, b.CampaignID, p.ID)
	}
	s.log.Info("left campaign",
		zap.String("campaign", b.CampaignID),
		zap.String("socket", p.ID),
		zap.String("role", string(b.Role)),
		zap.Bool("explicit", explicit),
	)
}

// RequestStateSync asks the room (in practice its live DM) to push a full
// state-sync. Nobody answers while no DM is connected.
func (s *Service) RequestStateSync(campaignID, requesterID string) {
	s.hub.Broadcast(campaignID, protocol.MustEncode(protocol.TypeRequestStateSync, protocol.StateSyncRequest{
		RequesterID: requesterID,
	}), requesterID)
}

// SendRoster pushes the campaign roster to p.
func (s *Service) SendRoster(ctx context.Context, p *peer.Peer, campaignID string) {
	players, err := s.registry.ConnectedPlayers(ctx, campaignID)
	if err != nil {
		s.log.Warn("roster not pushed", zap.String("campaign", campaignID), zap.Error(err))
		return
	}
	if players == nil {
		players = []store.ConnectedPlayer{}
	}
	p.Send(protocol.MustEncode(protocol.TypeConnectedPlayers, protocol.ConnectedPlayers{Players: players}))
}

func (s *Service) refreshRoster(ctx context.Context, p *peer.Peer, campaignID string) {
	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SendRoster(ctx, p, campaignID)
		}
	}
}
