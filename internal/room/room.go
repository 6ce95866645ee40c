// Package room runs one actor goroutine per campaign. The actor owns the
// campaign's combat state and member list, so every mutation is applied,
// persisted and broadcast in the order it reached the inbox.
package room

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/combat-tracker-backend/internal/combat"
	"github.com/DoyleJ11/combat-tracker-backend/internal/metrics"
	"github.com/DoyleJ11/combat-tracker-backend/internal/protocol"
	"github.com/DoyleJ11/combat-tracker-backend/internal/store"
)

var ErrClosed = errors.New("room closed")

const storeTimeout = 5 * time.Second

type Msg interface{ isRoomMsg() }

type Join struct {
	SocketID string
	Role     protocol.Role
	Outbox   chan<- protocol.Envelope
	// Drop is called when the member is removed for falling behind or on
	// shutdown. It must not block.
	Drop func()
}

func (Join) isRoomMsg() {}

type Leave struct{ SocketID string }

func (Leave) isRoomMsg() {}

// Broadcast relays env to every member except the socket named in Except.
type Broadcast struct {
	Env    protocol.Envelope
	Except string
}

func (Broadcast) isRoomMsg() {}

// Mutation is a combat command plus how to announce its result.
type Mutation struct {
	Cmd    combat.Command
	Render func(combat.State) protocol.Envelope
	Except string
}

type Result struct {
	Events []combat.Event
	State  combat.State
	Err    error
}

type Mutate struct {
	Mutation Mutation
	Reply    chan Result
}

func (Mutate) isRoomMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isRoomMsg() {}

type Shutdown struct{}

func (Shutdown) isRoomMsg() {}

type View struct {
	CampaignID string
	Members    map[string]protocol.Role
	State      combat.State
}

type member struct {
	role   protocol.Role
	outbox chan<- protocol.Envelope
	drop   func()
}

type Room struct {
	id      string
	inbox   chan Msg
	state   combat.State
	members map[string]member
	store   store.Store
	log     *zap.Logger
	now     func() time.Time
	ctx     context.Context
	cancel  context.CancelFunc
}

// New starts the actor for campaignID with the given initial state.
func New(parent context.Context, campaignID string, initial combat.State, st store.Store, log *zap.Logger) *Room {
	ctx, cancel := context.WithCancel(parent)

	r := &Room{
		id:      campaignID,
		inbox:   make(chan Msg, 64),
		state:   initial,
		members: make(map[string]member),
		store:   st,
		log:     log.Named("room").With(zap.String("campaign", campaignID)),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}

	go r.loop()
	return r
}

func (r *Room) ID() string { return r.id }

func (r *Room) Inbox() chan<- Msg { return r.inbox }

func (r *Room) Done() <-chan struct{} { return r.ctx.Done() }

func (r *Room) loop() {
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Join:
				r.members[msg.SocketID] = member{role: msg.Role, outbox: msg.Outbox, drop: msg.Drop}

			case Leave:
				delete(r.members, msg.SocketID)

			case Broadcast:
				r.broadcast(msg.Env, msg.Except)

			case Mutate:
				msg.Reply <- r.mutate(msg.Mutation)

			case GetState:
				msg.Reply <- r.view()

			case Shutdown:
				r.shutdown()
				return
			}
		}
	}
}

func (r *Room) mutate(m Mutation) Result {
	events, next, err := combat.Apply(r.state, m.Cmd)
	if err != nil {
		return Result{State: r.state.Clone(), Err: err}
	}
	next.LastUpdate = r.now().UTC()
	r.state = next
	r.persist()

	if m.Render != nil {
		r.broadcast(m.Render(r.state.Clone()), m.Except)
	}
	return Result{Events: events, State: r.state.Clone()}
}

func (r *Room) persist() {
	ctx, cancel := context.WithTimeout(r.ctx, storeTimeout)
	defer cancel()

	var err error
	if r.state.CombatActive {
		err = r.store.SetCombatState(ctx, r.id, r.state)
	} else {
		err = r.store.DeleteCombatState(ctx, r.id)
	}
	if err != nil {
		r.log.Warn("combat state not persisted", zap.Error(err))
	}
}

func (r *Room) view() View {
	members := make(map[string]protocol.Role, len(r.members))
	for id, m := range r.members {
		members[id] = m.role
	}
	return View{CampaignID: r.id, Members: members, State: r.state.Clone()}
}

func (r *Room) broadcast(env protocol.Envelope, except string) {
	for id, m := range r.members {
		if id == except {
			continue
		}
		select {
		case m.outbox <- env:
			metrics.EventOut(string(env.Type))
		default:
			// Slow client: remove it and let the connection close itself.
			delete(r.members, id)
			metrics.DroppedClients.Inc()
			r.log.Warn("dropping slow client", zap.String("socket", id))
			if m.drop != nil {
				m.drop()
			}
		}
	}
}

func (r *Room) shutdown() {
	for id, m := range r.members {
		delete(r.members, id)
		if m.drop != nil {
			m.drop()
		}
	}
	r.cancel()
}

// Apply runs m on the actor and waits for the result.
func (r *Room) Apply(ctx context.Context, m Mutation) (Result, error) {
	reply := make(chan Result, 1)
	if err := r.send(ctx, Mutate{Mutation: m, Reply: reply}); err != nil {
		return Result{}, err
	}
	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-r.ctx.Done():
		return Result{}, ErrClosed
	}
}

// State returns a snapshot of the room.
func (r *Room) State(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	if err := r.send(ctx, GetState{Reply: reply}); err != nil {
		return View{}, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return View{}, ctx.Err()
	case <-r.ctx.Done():
		return View{}, ErrClosed
	}
}

// Send delivers msg unless the room has shut down.
func (r *Room) Send(ctx context.Context, msg Msg) error { return r.send(ctx, msg) }

func (r *Room) send(ctx context.Context, msg Msg) error {
	select {
	case r.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return ErrClosed
	}
}
