// Package session enforces who may act in a campaign: at most one live DM
// session, and every character controlled by at most one live socket.
package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/DoyleJ11/combat-tracker-backend/internal/metrics"
	"github.com/DoyleJ11/combat-tracker-backend/internal/protocol"
	"github.com/DoyleJ11/combat-tracker-backend/internal/store"
)

var (
	// ErrInvalidCredentials is returned when the DM password does not match.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrDMAlreadyConnected is returned when another live socket holds the DM session.
	ErrDMAlreadyConnected = errors.New("dm already connected")
	// ErrCharacterInUse is returned when a live socket already controls a requested character.
	ErrCharacterInUse = errors.New("character already in use")
)

const DefaultGracePeriod = 30 * time.Second

// Presence reports whether a socket is still connected to this server.
type Presence interface {
	IsLive(socketID string) bool
}

// Notifier fans an envelope out to a campaign room.
type Notifier interface {
	Broadcast(campaignID string, env protocol.Envelope, exceptSocket string)
}

// PasswordSource yields a campaign-specific DM password override.
type PasswordSource interface {
	DMPassword(ctx context.Context, campaignID string) (string, bool, error)
}

type Options struct {
	DefaultPassword string
	GracePeriod     time.Duration
}

type graceSlot struct {
	timer *time.Timer
	token string
}

// campaignState serializes registry operations for one campaign. grace is
// guarded by mu.
type campaignState struct {
	mu    sync.Mutex
	grace *graceSlot
}

type Registry struct {
	store     store.Store
	presence  Presence
	notify    Notifier
	passwords PasswordSource
	opts      Options
	log       *zap.Logger
	now       func() time.Time
	newToken  func() string

	mu        sync.Mutex
	campaigns map[string]*campaignState
}

func NewRegistry(st store.Store, presence Presence, notify Notifier, passwords PasswordSource, opts Options, log *zap.Logger) *Registry {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	return &Registry{
		store:     st,
		presence:  presence,
		notify:    notify,
		passwords: passwords,
		opts:      opts,
		log:       log.Named("session"),
		now:       time.Now,
		newToken:  uuid.NewString,
		campaigns: make(map[string]*campaignState),
	}
}

// lock takes the campaign's lock. Store reads, writes and broadcasts for one
// campaign never wait on another campaign.
func (r *Registry) lock(campaignID string) *campaignState {
	r.mu.Lock()
	c, ok := r.campaigns[campaignID]
	if !ok {
		c = &campaignState{}
		r.campaigns[campaignID] = c
	}
	r.mu.Unlock()

	c.mu.Lock()
	return c
}

// AuthenticateDM checks password against the campaign override, falling back
// to the server default.
func (r *Registry) AuthenticateDM(ctx context.Context, campaignID, password string) error {
	expected := r.opts.DefaultPassword
	if r.passwords != nil {
		override, ok, err := r.passwords.DMPassword(ctx, campaignID)
		switch {
		case err != nil:
			r.log.Warn("dm password lookup failed, using default",
				zap.String("campaign", campaignID), zap.Error(err))
		case ok:
			expected = override
		}
	}
	if expected == "" || !passwordMatches(expected, password) {
		return ErrInvalidCredentials
	}
	return nil
}

func passwordMatches(expected, given string) bool {
	if strings.HasPrefix(expected, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(expected), []byte(given)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(given)) == 1
}

// RegisterDM makes socketID the campaign's DM. A pending grace period is
// treated as the same DM resuming; a recorded session whose socket is gone
// is taken over; a live one blocks the call.
func (r *Registry) RegisterDM(ctx context.Context, campaignID, socketID string) (store.DMSession, error) {
	c := r.lock(campaignID)
	defer c.mu.Unlock()

	log := r.log.With(zap.String("campaign", campaignID), zap.String("socket", socketID))

	if c.grace != nil {
		c.cancelGrace()
		log.Info("dm resumed within grace period")
	} else {
		current, err := r.store.GetDMSession(ctx, campaignID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			log.Warn("dm session lookup failed, registering anyway", zap.Error(err))
		case current.SocketID == socketID:
		case r.presence.IsLive(current.SocketID):
			return store.DMSession{}, ErrDMAlreadyConnected
		default:
			metrics.DMTakeovers.Inc()
			log.Info("evicting stale dm session", zap.String("stale_socket", current.SocketID))
		}
	}

	session := store.DMSession{
		SocketID:     socketID,
		SessionToken: r.newToken(),
		ConnectedAt:  r.now(),
	}
	if err := r.store.SetDMSession(ctx, campaignID, session); err != nil {
		log.Error("dm session not persisted", zap.Error(err))
	}

	r.notify.Broadcast(campaignID, protocol.MustEncode(protocol.TypeDMReconnected, protocol.DMEvent{CampaignID: campaignID}), "")
	return session, nil
}

// DeregisterDM ends the DM session identified by token. An explicit leave
// takes effect at once; a dropped connection only arms the grace timer. A
// token that is no longer current is ignored.
func (r *Registry) DeregisterDM(ctx context.Context, campaignID, token string, explicit bool) {
	c := r.lock(campaignID)
	defer c.mu.Unlock()

	log := r.log.With(zap.String("campaign", campaignID), zap.Bool("explicit", explicit))

	current, err := r.store.GetDMSession(ctx, campaignID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Warn("dm session lookup failed on deregister", zap.Error(err))
		return
	}
	if err != nil || current.SessionToken != token {
		log.Debug("ignoring deregistration of superseded dm session")
		return
	}

	c.cancelGrace()
	if explicit {
		r.removeDM(ctx, campaignID)
		return
	}

	slot := &graceSlot{token: token}
	slot.timer = time.AfterFunc(r.opts.GracePeriod, func() { r.expire(campaignID, slot) })
	c.grace = slot
	log.Info("dm disconnected, grace period started", zap.Duration("grace", r.opts.GracePeriod))
}

func (r *Registry) expire(campaignID string, slot *graceSlot) {
	c := r.lock(campaignID)
	defer c.mu.Unlock()

	if c.grace != slot {
		return
	}
	c.grace = nil

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	current, err := r.store.GetDMSession(ctx, campaignID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		r.log.Warn("dm session lookup failed on grace expiry", zap.String("campaign", campaignID), zap.Error(err))
	}
	if err == nil && current.SessionToken != slot.token {
		return
	}
	metrics.DMGraceExpirations.Inc()
	r.removeDM(ctx, campaignID)
}

// removeDM runs under the campaign lock.
func (r *Registry) removeDM(ctx context.Context, campaignID string) {
	if err := r.store.DeleteDMSession(ctx, campaignID); err != nil {
		r.log.Error("dm session not deleted", zap.String("campaign", campaignID), zap.Error(err))
	}
	r.notify.Broadcast(campaignID, protocol.MustEncode(protocol.TypeDMDisconnected, protocol.DMEvent{CampaignID: campaignID}), "")
}

func (c *campaignState) cancelGrace() {
	if c.grace != nil {
		c.grace.timer.Stop()
		c.grace = nil
	}
}

// InGracePeriod reports whether the campaign's DM is currently inside the
// disconnect grace window.
func (r *Registry) InGracePeriod(campaignID string) bool {
	r.mu.Lock()
	c, ok := r.campaigns[campaignID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.grace != nil
}

// IsCurrentDM reports whether token belongs to the campaign's DM session.
// When the store cannot be read the sender is trusted.
func (r *Registry) IsCurrentDM(ctx context.Context, campaignID, token string) bool {
	current, err := r.store.GetDMSession(ctx, campaignID)
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	if err != nil {
		r.log.Warn("dm session lookup failed, trusting sender", zap.String("campaign", campaignID), zap.Error(err))
		return true
	}
	return current.SessionToken == token
}

// RegisterPlayer adds socketID with its characters to the roster and returns
// the full roster. Entries of dead sockets holding a requested character are
// pruned on the way.
func (r *Registry) RegisterPlayer(ctx context.Context, campaignID, socketID string, characters []store.Character) ([]store.ConnectedPlayer, error) {
	c := r.lock(campaignID)
	defer c.mu.Unlock()

	log := r.log.With(zap.String("campaign", campaignID), zap.String("socket", socketID))

	roster, err := r.store.GetPlayers(ctx, campaignID)
	if err != nil {
		log.Warn("roster lookup failed, skipping conflict check", zap.Error(err))
	}

	pruned := make(map[string]bool)
	for _, c := range characters {
		for _, entry := range roster {
			if entry.SocketID == socketID || pruned[entry.SocketID] || !entry.Controls(c.ID) {
				continue
			}
			if r.presence.IsLive(entry.SocketID) {
				return nil, fmt.Errorf("%w: %s", ErrCharacterInUse, c.ID)
			}
			pruned[entry.SocketID] = true
		}
	}

	for stale := range pruned {
		log.Info("pruning stale roster entry", zap.String("stale_socket", stale))
		if err := r.store.RemovePlayer(ctx, campaignID, stale); err != nil {
			log.Error("stale roster entry not removed", zap.Error(err))
		}
	}

	player := store.ConnectedPlayer{SocketID: socketID, Characters: characters}
	if err := r.store.AddPlayer(ctx, campaignID, player); err != nil {
		log.Error("roster entry not persisted", zap.Error(err))
	}

	r.notify.Broadcast(campaignID, protocol.MustEncode(protocol.TypePlayerConnected, protocol.PlayerEvent{
		SocketID:   socketID,
		Characters: characters,
	}), "")

	updated, err := r.store.GetPlayers(ctx, campaignID)
	if err != nil {
		log.Warn("roster reload failed", zap.Error(err))
		return mergeRoster(roster, pruned, player), nil
	}
	return updated, nil
}

func mergeRoster(roster []store.ConnectedPlayer, pruned map[string]bool, player store.ConnectedPlayer) []store.ConnectedPlayer {
	out := make([]store.ConnectedPlayer, 0, len(roster)+1)
	for _, e := range roster {
		if pruned[e.SocketID] || e.SocketID == player.SocketID {
			continue
		}
		out = append(out, e)
	}
	return append(out, player)
}

// DeregisterPlayer drops the socket's roster entry. Players get no grace
// period.
func (r *Registry) DeregisterPlayer(ctx context.Context, campaignID, socketID string) {
	c := r.lock(campaignID)
	defer c.mu.Unlock()

	log := r.log.With(zap.String("campaign", campaignID), zap.String("socket", socketID))

	var characters []store.Character
	roster, err := r.store.GetPlayers(ctx, campaignID)
	if err != nil {
		log.Warn("roster lookup failed on deregister", zap.Error(err))
	}
	for _, e := range roster {
		if e.SocketID == socketID {
			characters = e.Characters
		}
	}

	if err := r.store.RemovePlayer(ctx, campaignID, socketID); err != nil {
		log.Error("roster entry not removed", zap.Error(err))
	}
	r.notify.Broadcast(campaignID, protocol.MustEncode(protocol.TypePlayerDisconnected, protocol.PlayerEvent{
		SocketID:   socketID,
		Characters: characters,
	}), "")
}

func (r *Registry) ConnectedPlayers(ctx context.Context, campaignID string) ([]store.ConnectedPlayer, error) {
	players, err := r.store.GetPlayers(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("connected players %s: %w", campaignID, err)
	}
	return players, nil
}

// UpdateCharacter applies fn to the roster copy of characterID so periodic
// roster pushes carry live stats. It reports whether the character was found.
func (r *Registry) UpdateCharacter(ctx context.Context, campaignID, characterID string, fn func(*store.Character)) bool {
	c := r.lock(campaignID)
	defer c.mu.Unlock()

	roster, err := r.store.GetPlayers(ctx, campaignID)
	if err != nil {
		r.log.Warn("roster lookup failed on character update", zap.String("campaign", campaignID), zap.Error(err))
		return false
	}
	for _, entry := range roster {
		for i := range entry.Characters {
			if entry.Characters[i].ID != characterID {
				continue
			}
			fn(&entry.Characters[i])
			if err := r.store.AddPlayer(ctx, campaignID, entry); err != nil {
				r.log.Error("roster character not persisted", zap.String("campaign", campaignID), zap.Error(err))
			}
			return true
		}
	}
	return false
}

// Close stops every pending grace timer without firing it.
func (r *Registry) Close() {
	r.mu.Lock()
	campaigns := make([]*campaignState, 0, len(r.campaigns))
	for _, c := range r.campaigns {
		campaigns = append(campaigns, c)
	}
	r.mu.Unlock()

	for _, c := range campaigns {
		c.mu.Lock()
		c.cancelGrace()
		c.mu.Unlock()
	}
}
