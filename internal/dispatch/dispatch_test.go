package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DoyleJ11/combat-tracker-backend/internal/combat"
	"github.com/DoyleJ11/combat-tracker-backend/internal/hub"
	"github.com/DoyleJ11/combat-tracker-backend/internal/metrics"
	"github.com/DoyleJ11/combat-tracker-backend/internal/peer"
	"github.com/DoyleJ11/combat-tracker-backend/internal/protocol"
	"github.com/DoyleJ11/combat-tracker-backend/internal/reconcile"
	"github.com/DoyleJ11/combat-tracker-backend/internal/records"
	"github.com/DoyleJ11/combat-tracker-backend/internal/session"
	"github.com/DoyleJ11/combat-tracker-backend/internal/store"
)

type table struct {
	d        *Dispatcher
	hub      *hub.Hub
	registry *session.Registry
	store    *store.Memory
	records  *records.Memory
	dm       *peer.Peer
	player   *peer.Peer
}

// newTable joins a DM and a player controlling "aria" to campaign "camp".
func newTable(t *testing.T) *table {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st := store.NewMemory()
	recs := records.NewMemory()
	h := hub.NewHub(ctx, st, zap.NewNop())
	reg := session.NewRegistry(st, h, h, recs, session.Options{DefaultPassword: "dungeon", GracePeriod: time.Minute}, zap.NewNop())
	t.Cleanup(reg.Close)
	rec := reconcile.New(h, reg, recs, time.Minute, zap.NewNop())

	tb := &table{
		d:        New(h, reg, rec, recs, zap.NewNop()),
		hub:      h,
		registry: reg,
		store:    st,
		records:  recs,
	}
	tb.dm = tb.join(t, "dm", protocol.JoinCampaign{CampaignID: "camp", Role: protocol.RoleDM, Password: "dungeon"})
	tb.player = tb.join(t, "p1", protocol.JoinCampaign{
		CampaignID: "camp",
		Role:       protocol.RolePlayer,
		Characters: []store.Character{{ID: "aria", Name: "Aria", CurrentHP: 10, MaxHP: 10}},
	})
	drain(tb.dm)
	drain(tb.player)
	return tb
}

func (tb *table) join(t *testing.T, id string, req protocol.JoinCampaign) *peer.Peer {
	t.Helper()
	tb.hub.Connect(id)
	p := peer.New(id, nil)
	tb.d.Handle(context.Background(), p, protocol.MustEncode(protocol.TypeJoinCampaign, req))
	recvType(t, p, protocol.TypeJoinSuccess, time.Second)
	return p
}

func (tb *table) send(p *peer.Peer, t protocol.Type, payload any) {
	tb.d.Handle(context.Background(), p, protocol.MustEncode(t, payload))
}

// drain empties p's outbox after the room has processed everything queued
// so far.
func drain(p *peer.Peer) {
	time.Sleep(20 * time.Millisecond)
	for {
		select {
		case <-p.Outbox():
		default:
			return
		}
	}
}

func recvType(t *testing.T, p *peer.Peer, want protocol.Type, within time.Duration) protocol.Envelope {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case env := <-p.Outbox():
			if env.Type == want {
				return env
			}
		case <-deadline:
			t.Fatalf("%s: timed out waiting for %s", p.ID, want)
			return protocol.Envelope{}
		}
	}
}

func recvNoType(t *testing.T, p *peer.Peer, unwanted protocol.Type, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case env := <-p.Outbox():
			if env.Type == unwanted {
				t.Fatalf("%s: unexpected %s", p.ID, unwanted)
			}
		case <-deadline:
			return
		}
	}
}

func decode[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	v, err := protocol.Decode[T](env)
	require.NoError(t, err)
	return v
}

func encounter() protocol.CombatStart {
	return protocol.CombatStart{Participants: []combat.Participant{
		{ID: "goblin", Name: "Goblin", Initiative: 15, CurrentHP: 7, MaxHP: 7, Type: combat.TypeMonster},
		{ID: "aria", Name: "Aria", Initiative: 18, CurrentHP: 10, MaxHP: 10, Type: combat.TypePlayer},
	}}
}

func (tb *table) roomState(t *testing.T) combat.State {
	t.Helper()
	rm, err := tb.hub.Room(context.Background(), "camp")
	require.NoError(t, err)
	view, err := rm.State(context.Background())
	require.NoError(t, err)
	return view.State
}

func TestCombatStart_EchoedAndPersisted(t *testing.T) {
	tb := newTable(t)
	tb.send(tb.dm, protocol.TypeCombatStart, encounter())

	for _, p := range []*peer.Peer{tb.dm, tb.player} {
		upd := decode[protocol.CombatUpdate](t, recvType(t, p, protocol.TypeCombatStart, time.Second))
		assert.True(t, upd.State.CombatActive)
		assert.Equal(t, "goblin", upd.State.Participants[0].ID, "caller order is kept")
	}

	saved, err := tb.store.GetCombatState(context.Background(), "camp")
	require.NoError(t, err)
	assert.Equal(t, 1, saved.RoundNumber)
}

func TestCombatStart_SortByInitiative(t *testing.T) {
	tb := newTable(t)
	start := encounter()
	start.SortByInitiative = true
	tb.send(tb.dm, protocol.TypeCombatStart, start)

	upd := decode[protocol.CombatUpdate](t, recvType(t, tb.player, protocol.TypeCombatStart, time.Second))
	assert.Equal(t, "aria", upd.State.Participants[0].ID)
}

func TestNextTurn_RoundWraps(t *testing.T) {
	tb := newTable(t)
	tb.send(tb.dm, protocol.TypeCombatStart, encounter())
	recvType(t, tb.player, protocol.TypeCombatStart, time.Second)

	tb.send(tb.dm, protocol.TypeNextTurn, nil)
	upd := decode[protocol.CombatUpdate](t, recvType(t, tb.player, protocol.TypeNextTurn, time.Second))
	assert.Equal(t, 1, upd.State.CurrentTurnIndex)
	assert.Equal(t, 1, upd.State.RoundNumber)

	tb.send(tb.dm, protocol.TypeNextTurn, nil)
	upd = decode[protocol.CombatUpdate](t, recvType(t, tb.player, protocol.TypeNextTurn, time.Second))
	assert.Equal(t, 0, upd.State.CurrentTurnIndex)
	assert.Equal(t, 2, upd.State.RoundNumber)
}

func TestPlayerCannotDriveCombat(t *testing.T) {
	tb := newTable(t)
	tb.send(tb.player, protocol.TypeCombatStart, encounter())
	tb.send(tb.player, protocol.TypeAmbientEffect, map[string]string{"effect": "fog"})

	recvNoType(t, tb.dm, protocol.TypeCombatStart, 50*time.Millisecond)
	recvNoType(t, tb.dm, protocol.TypeAmbientEffect, 10*time.Millisecond)
	assert.False(t, tb.roomState(t).CombatActive)
}

func TestStaleDMIsIgnored(t *testing.T) {
	tb := newTable(t)

	// the first DM's socket vanishes without a disconnect being handled
	tb.hub.Disconnect("dm")
	fresh := tb.join(t, "dm2", protocol.JoinCampaign{CampaignID: "camp", Role: protocol.RoleDM, Password: "dungeon"})
	drain(tb.player)

	tb.send(tb.dm, protocol.TypeCombatStart, encounter())
	recvNoType(t, tb.player, protocol.TypeCombatStart, 50*time.Millisecond)

	tb.send(fresh, protocol.TypeCombatStart, encounter())
	recvType(t, tb.player, protocol.TypeCombatStart, time.Second)
}

func TestHPChange_DuplicateIsIdempotent(t *testing.T) {
	tb := newTable(t)
	tb.send(tb.dm, protocol.TypeCombatStart, encounter())
	recvType(t, tb.player, protocol.TypeCombatStart, time.Second)

	change := protocol.HPChange{ID: "aria", NewHP: 3, Change: -7}
	for i := 0; i < 2; i++ {
		tb.send(tb.dm, protocol.TypeHPChange, change)
		got := decode[protocol.HPChange](t, recvType(t, tb.player, protocol.TypeHPChange, time.Second))
		assert.Equal(t, 3, got.NewHP)
		assert.Equal(t, 10, got.MaxHP)
		require.NotNil(t, got.Participant)
		assert.Equal(t, 3, got.Participant.CurrentHP)
	}

	p, ok := tb.roomState(t).Find("aria")
	require.True(t, ok)
	assert.Equal(t, 3, p.CurrentHP)

	tb.d.Wait()
	hp, ok := tb.records.HP("aria")
	assert.True(t, ok)
	assert.Equal(t, 3, hp)

	players, err := tb.registry.ConnectedPlayers(context.Background(), "camp")
	require.NoError(t, err)
	assert.Equal(t, 3, players[0].Characters[0].CurrentHP)
}

func TestHPChange_ClampsAndEchoesToSender(t *testing.T) {
	tb := newTable(t)
	tb.send(tb.dm, protocol.TypeCombatStart, encounter())
	recvType(t, tb.dm, protocol.TypeCombatStart, time.Second)

	tb.send(tb.dm, protocol.TypeHPChange, protocol.HPChange{ID: "goblin", NewHP: -4})
	got := decode[protocol.HPChange](t, recvType(t, tb.dm, protocol.TypeHPChange, time.Second))
	assert.Equal(t, 0, got.NewHP)
	assert.True(t, got.Participant.IsDead)

	tb.d.Wait()
	_, written := tb.records.HP("goblin")
	assert.False(t, written, "monsters are not written back")
}

func TestHPChange_OutsideCombatIsRelayed(t *testing.T) {
	tb := newTable(t)

	tb.send(tb.player, protocol.TypeHPChange, protocol.HPChange{ID: "aria", NewHP: 6, MaxHP: 10})
	got := decode[protocol.HPChange](t, recvType(t, tb.dm, protocol.TypeHPChange, time.Second))
	assert.Equal(t, 6, got.NewHP)
	assert.Nil(t, got.Participant)

	tb.d.Wait()
	hp, _ := tb.records.HP("aria")
	assert.Equal(t, 6, hp)
}

func TestHPChange_PlayerMayOnlyEditOwnCharacter(t *testing.T) {
	tb := newTable(t)
	tb.send(tb.dm, protocol.TypeCombatStart, encounter())
	recvType(t, tb.player, protocol.TypeCombatStart, time.Second)

	tb.send(tb.player, protocol.TypeHPChange, protocol.HPChange{ID: "goblin", NewHP: 0})
	recvNoType(t, tb.dm, protocol.TypeHPChange, 50*time.Millisecond)

	tb.send(tb.player, protocol.TypeHPChange, protocol.HPChange{ID: "aria", NewHP: 8})
	got := decode[protocol.HPChange](t, recvType(t, tb.dm, protocol.TypeHPChange, time.Second))
	assert.Equal(t, 8, got.NewHP)
}

func TestConditionAndExhaustionChanges(t *testing.T) {
	tb := newTable(t)
	tb.send(tb.dm, protocol.TypeCombatStart, encounter())
	recvType(t, tb.player, protocol.TypeCombatStart, time.Second)

	tb.send(tb.dm, protocol.TypeConditionChange, protocol.ConditionChange{
		ID:                 "goblin",
		Conditions:         []string{"prone", "frightened"},
		ConditionDurations: map[string]int{"frightened": 1},
	})
	cond := decode[protocol.ConditionChange](t, recvType(t, tb.player, protocol.TypeConditionChange, time.Second))
	assert.ElementsMatch(t, []string{"prone", "frightened"}, cond.Conditions)
	assert.Equal(t, 1, cond.ConditionDurations["frightened"])

	tb.send(tb.dm, protocol.TypeExhaustionChange, protocol.ExhaustionChange{ID: "aria", ExhaustionLevel: 9})
	ex := decode[protocol.ExhaustionChange](t, recvType(t, tb.player, protocol.TypeExhaustionChange, time.Second))
	assert.Equal(t, combat.MaxExhaustion, ex.ExhaustionLevel)
}

func TestDeathSaveChange(t *testing.T) {
	tb := newTable(t)
	tb.send(tb.dm, protocol.TypeCombatStart, encounter())
	tb.send(tb.dm, protocol.TypeHPChange, protocol.HPChange{ID: "aria", NewHP: 0})
	recvType(t, tb.player, protocol.TypeHPChange, time.Second)

	tb.send(tb.player, protocol.TypeDeathSaveChange, protocol.DeathSaveChange{ID: "aria", DeathSaves: combat.DeathSaves{Successes: 3}})
	got := decode[protocol.DeathSaveChange](t, recvType(t, tb.dm, protocol.TypeDeathSaveChange, time.Second))
	assert.Equal(t, 3, got.DeathSaves.Successes)
	assert.True(t, got.Participant.IsStabilized)
	assert.False(t, got.Participant.IsDead)
}

func TestAmbientEffectSkipsDM(t *testing.T) {
	tb := newTable(t)
	tb.send(tb.dm, protocol.TypeAmbientEffect, map[string]string{"effect": "rain"})

	recvType(t, tb.player, protocol.TypeAmbientEffect, time.Second)
	recvNoType(t, tb.dm, protocol.TypeAmbientEffect, 50*time.Millisecond)
}

func TestStateSyncFromDM(t *testing.T) {
	tb := newTable(t)
	snapshot := combat.State{
		CombatActive:     true,
		CurrentTurnIndex: 5,
		RoundNumber:      2,
		Participants:     []combat.Participant{{ID: "goblin", MaxHP: 7, CurrentHP: 7}},
	}
	tb.send(tb.dm, protocol.TypeStateSync, protocol.CombatUpdate{State: snapshot})

	upd := decode[protocol.CombatUpdate](t, recvType(t, tb.player, protocol.TypeStateSync, time.Second))
	assert.Equal(t, protocol.TypeStateSync, upd.Action)
	assert.Equal(t, 0, upd.State.CurrentTurnIndex, "index clamped into bounds")
	recvNoType(t, tb.dm, protocol.TypeStateSync, 50*time.Millisecond)

	assert.Equal(t, 2, tb.roomState(t).RoundNumber)
}

func TestRemoveParticipant(t *testing.T) {
	tb := newTable(t)
	tb.send(tb.dm, protocol.TypeCombatStart, encounter())
	tb.send(tb.dm, protocol.TypeRemoveParticipant, protocol.ParticipantRef{ID: "goblin"})

	var upd protocol.CombatUpdate
	for upd.Action != protocol.TypeRemoveParticipant {
		upd = decode[protocol.CombatUpdate](t, recvType(t, tb.player, protocol.TypeCombatUpdate, time.Second))
	}
	require.Len(t, upd.State.Participants, 1)
	assert.Equal(t, "aria", upd.State.Participants[0].ID)
}

func TestInventoryUpdate(t *testing.T) {
	tb := newTable(t)
	tb.send(tb.player, protocol.TypeInventoryUpdate, protocol.InventoryUpdate{
		CharacterID: "aria",
		Inventory:   []byte(`{"items":["rope"]}`),
	})
	recvType(t, tb.dm, protocol.TypeInventoryUpdate, time.Second)

	tb.d.Wait()
	inv, err := tb.records.CharacterInventory(context.Background(), "aria")
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":["rope"]}`, string(inv))
}

func TestErrors(t *testing.T) {
	tb := newTable(t)
	stranger := peer.New("stranger", nil)

	tb.d.Handle(context.Background(), stranger, protocol.Envelope{Type: "teleport"})
	assert.Equal(t, protocol.CodeUnknownType, decode[protocol.ErrorPayload](t, recvType(t, stranger, protocol.TypeError, time.Second)).Code)

	tb.d.Handle(context.Background(), stranger, protocol.Envelope{Type: protocol.TypeNotification})
	assert.Equal(t, protocol.CodeNotJoined, decode[protocol.ErrorPayload](t, recvType(t, stranger, protocol.TypeError, time.Second)).Code)

	tb.d.Handle(context.Background(), tb.dm, protocol.Envelope{Type: protocol.TypeHPChange, Data: []byte(`{"id": 5}`)})
	assert.Equal(t, protocol.CodeBadJSON, decode[protocol.ErrorPayload](t, recvType(t, tb.dm, protocol.TypeError, time.Second)).Code)
}

func TestUnknownTypesShareOneSeries(t *testing.T) {
	tb := newTable(t)
	stranger := peer.New("stranger", nil)

	tb.d.Handle(context.Background(), stranger, protocol.Envelope{Type: "warmup"})
	before := testutil.CollectAndCount(metrics.EventsTotal)
	unknownBefore := testutil.ToFloat64(metrics.EventsTotal.WithLabelValues(metrics.UnknownType, "in"))

	for i := 0; i < 500; i++ {
		tb.d.Handle(context.Background(), stranger, protocol.Envelope{Type: protocol.Type(fmt.Sprintf("junk-%d", i))})
	}

	assert.Equal(t, before, testutil.CollectAndCount(metrics.EventsTotal))
	assert.Equal(t, unknownBefore+500, testutil.ToFloat64(metrics.EventsTotal.WithLabelValues(metrics.UnknownType, "in")))
}

func TestDisconnectPlayer(t *testing.T) {
	tb := newTable(t)
	tb.hub.Disconnect("p1")
	tb.d.Disconnect(context.Background(), tb.player)

	ev := decode[protocol.PlayerEvent](t, recvType(t, tb.dm, protocol.TypePlayerDisconnected, time.Second))
	assert.Equal(t, "p1", ev.SocketID)
}
