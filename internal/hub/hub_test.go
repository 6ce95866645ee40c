package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DoyleJ11/combat-tracker-backend/internal/combat"
	"github.com/DoyleJ11/combat-tracker-backend/internal/protocol"
	"github.com/DoyleJ11/combat-tracker-backend/internal/room"
	"github.com/DoyleJ11/combat-tracker-backend/internal/store"
)

func newHub(t *testing.T, st store.Store) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewHub(ctx, st, zap.NewNop())
}

func TestHub_Ensure_Get_SamePointer(t *testing.T) {
	ctx := context.Background()
	h := newHub(t, store.NewMemory())

	none, err := h.Room(ctx, "ZED123")
	require.NoError(t, err)
	assert.Nil(t, none)

	rm1, err := h.Ensure(ctx, "ZED123")
	require.NoError(t, err)
	rm2, err := h.Room(ctx, "ZED123")
	require.NoError(t, err)
	rm3, err := h.Ensure(ctx, "ZED123")
	require.NoError(t, err)

	if rm1 == nil || rm1 != rm2 || rm1 != rm3 {
		t.Fatalf("expected same room pointer")
	}
}

func TestHub_EnsureLoadsPersistedState(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	saved := combat.State{
		CombatActive:     true,
		CurrentTurnIndex: 1,
		RoundNumber:      4,
		Participants:     []combat.Participant{{ID: "a", MaxHP: 5}, {ID: "b", MaxHP: 5}},
	}
	require.NoError(t, st.SetCombatState(ctx, "camp", saved))

	h := newHub(t, st)
	rm, err := h.Ensure(ctx, "camp")
	require.NoError(t, err)

	view, err := rm.State(ctx)
	require.NoError(t, err)
	assert.True(t, view.State.CombatActive)
	assert.Equal(t, 4, view.State.RoundNumber)
	assert.Equal(t, 1, view.State.CurrentTurnIndex)
}

func TestHub_LiveSockets(t *testing.T) {
	h := newHub(t, store.NewMemory())

	assert.False(t, h.IsLive("s1"))
	h.Connect("s1")
	assert.True(t, h.IsLive("s1"))
	h.Disconnect("s1")
	assert.False(t, h.IsLive("s1"))
}

func TestHub_BroadcastReachesRoomMembers(t *testing.T) {
	ctx := context.Background()
	h := newHub(t, store.NewMemory())

	rm, err := h.Ensure(ctx, "camp")
	require.NoError(t, err)
	out := make(chan protocol.Envelope, 1)
	require.NoError(t, rm.Send(ctx, room.Join{SocketID: "p1", Outbox: out}))

	h.Broadcast("camp", protocol.Envelope{Type: protocol.TypeNotification}, "")
	h.Broadcast("nowhere", protocol.Envelope{Type: protocol.TypeNotification}, "")

	select {
	case env := <-out:
		assert.Equal(t, protocol.TypeNotification, env.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestHub_ShutdownStopsRooms(t *testing.T) {
	ctx := context.Background()
	h := newHub(t, store.NewMemory())
	h.Connect("s1")

	rm, err := h.Ensure(ctx, "camp")
	require.NoError(t, err)

	h.Shutdown()

	select {
	case <-rm.Done():
	case <-time.After(time.Second):
		t.Fatal("room still running after hub shutdown")
	}
	assert.False(t, h.IsLive("s1"))
	_, err = h.Ensure(ctx, "camp")
	assert.ErrorIs(t, err, ErrStopped)
}
