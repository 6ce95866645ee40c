package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/DoyleJ11/combat-tracker-backend/internal/combat"
	"github.com/DoyleJ11/combat-tracker-backend/internal/metrics"
)

type BreakerConfig struct {
	Name             string
	FailureThreshold uint32
	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration
}

// Breaker guards a Store with a circuit breaker so an unreachable backend
// fails fast instead of stalling every campaign room on it.
type Breaker struct {
	next Store
	cb   *gobreaker.CircuitBreaker[any]
	log  *zap.Logger
}

func WithBreaker(next Store, cfg BreakerConfig, log *zap.Logger) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "store"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	b := &Breaker{next: next, log: log.Named("breaker")}
	b.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			b.log.Warn("store breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return b
}

// State reports the breaker state ("closed", "half-open", "open").
func (b *Breaker) State() string { return b.cb.State().String() }

func (b *Breaker) do(op string, fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) { return nil, fn() })
	if err != nil && !errors.Is(err, ErrNotFound) {
		metrics.StoreErrors.WithLabelValues(op).Inc()
		return fmt.Errorf("store %s: %w", op, err)
	}
	return err
}

func (b *Breaker) GetDMSession(ctx context.Context, campaignID string) (DMSession, error) {
	var s DMSession
	err := b.do("get_dm_session", func() (err error) {
		s, err = b.next.GetDMSession(ctx, campaignID)
		return err
	})
	return s, err
}

func (b *Breaker) SetDMSession(ctx context.Context, campaignID string, session DMSession) error {
	return b.do("set_dm_session", func() error {
		return b.next.SetDMSession(ctx, campaignID, session)
	})
}

func (b *Breaker) DeleteDMSession(ctx context.Context, campaignID string) error {
	return b.do("delete_dm_session", func() error {
		return b.next.DeleteDMSession(ctx, campaignID)
	})
}

func (b *Breaker) GetPlayers(ctx context.Context, campaignID string) ([]ConnectedPlayer, error) {
	var players []ConnectedPlayer
	err := b.do("get_players", func() (err error) {
		players, err = b.next.GetPlayers(ctx, campaignID)
		return err
	})
	return players, err
}

func (b *Breaker) AddPlayer(ctx context.Context, campaignID string, player ConnectedPlayer) error {
	return b.do("add_player", func() error {
		return b.next.AddPlayer(ctx, campaignID, player)
	})
}

func (b *Breaker) RemovePlayer(ctx context.Context, campaignID, socketID string) error {
	return b.do("remove_player", func() error {
		return b.next.RemovePlayer(ctx, campaignID, socketID)
	})
}

func (b *Breaker) GetCombatState(ctx context.Context, campaignID string) (combat.State, error) {
	var s combat.State
	err := b.do("get_combat_state", func() (err error) {
		s, err = b.next.GetCombatState(ctx, campaignID)
		return err
	})
	return s, err
}

func (b *Breaker) SetCombatState(ctx context.Context, campaignID string, state combat.State) error {
	return b.do("set_combat_state", func() error {
		return b.next.SetCombatState(ctx, campaignID, state)
	})
}

func (b *Breaker) DeleteCombatState(ctx context.Context, campaignID string) error {
	return b.do("delete_combat_state", func() error {
		return b.next.DeleteCombatState(ctx, campaignID)
	})
}

func (b *Breaker) Close() error { return b.next.Close() }
