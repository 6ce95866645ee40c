package store

import (
	"context"
	"sort"
	"sync"

	"github.com/DoyleJ11/combat-tracker-backend/internal/combat"
)

// Memory is a process-local Store. It is the default for single-process
// deployments and the backend used in tests.
type Memory struct {
	mu      sync.RWMutex
	dm      map[string]DMSession
	players map[string]map[string]ConnectedPlayer
	combat  map[string]combat.State
}

func NewMemory() *Memory {
	return &Memory{
		dm:      make(map[string]DMSession),
		players: make(map[string]map[string]ConnectedPlayer),
		combat:  make(map[string]combat.State),
	}
}

func (m *Memory) GetDMSession(_ context.Context, campaignID string) (DMSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.dm[campaignID]
	if !ok {
		return DMSession{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) SetDMSession(_ context.Context, campaignID string, session DMSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dm[campaignID] = session
	return nil
}

func (m *Memory) DeleteDMSession(_ context.Context, campaignID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dm, campaignID)
	return nil
}

func (m *Memory) GetPlayers(_ context.Context, campaignID string) ([]ConnectedPlayer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	roster := m.players[campaignID]
	out := make([]ConnectedPlayer, 0, len(roster))
	for _, p := range roster {
		out = append(out, clonePlayer(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SocketID < out[j].SocketID })
	return out, nil
}

func (m *Memory) AddPlayer(_ context.Context, campaignID string, player ConnectedPlayer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	roster, ok := m.players[campaignID]
	if !ok {
		roster = make(map[string]ConnectedPlayer)
		m.players[campaignID] = roster
	}
	roster[player.SocketID] = clonePlayer(player)
	return nil
}

func (m *Memory) RemovePlayer(_ context.Context, campaignID, socketID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	roster := m.players[campaignID]
	delete(roster, socketID)
	if len(roster) == 0 {
		delete(m.players, campaignID)
	}
	return nil
}

func (m *Memory) GetCombatState(_ context.Context, campaignID string) (combat.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.combat[campaignID]
	if !ok {
		return combat.State{}, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *Memory) SetCombatState(_ context.Context, campaignID string, state combat.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.combat[campaignID] = state.Clone()
	return nil
}

func (m *Memory) DeleteCombatState(_ context.Context, campaignID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.combat, campaignID)
	return nil
}

func (m *Memory) Close() error { return nil }
