// Package hub owns the campaign → room map and the table of sockets that
// are connected to this process.
package hub

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/DoyleJ11/combat-tracker-backend/internal/combat"
	"github.com/DoyleJ11/combat-tracker-backend/internal/protocol"
	"github.com/DoyleJ11/combat-tracker-backend/internal/room"
	"github.com/DoyleJ11/combat-tracker-backend/internal/store"
)

var ErrStopped = errors.New("hub stopped")

type HubMsg interface{ isHubMsg() }

type GetRoom struct {
	Code  string
	Reply chan *room.Room
}

type EnsureRoom struct {
	Code  string
	State combat.State // only used if creation happens
	Reply chan *room.Room
}

type Connect struct{ SocketID string }

type Disconnect struct{ SocketID string }

type IsLive struct {
	SocketID string
	Reply    chan bool
}

type ShutdownHub struct{}

func (GetRoom) isHubMsg()     {}
func (EnsureRoom) isHubMsg()  {}
func (Connect) isHubMsg()     {}
func (Disconnect) isHubMsg()  {}
func (IsLive) isHubMsg()      {}
func (ShutdownHub) isHubMsg() {}

type Hub struct {
	inbox   chan HubMsg
	rooms   map[string]*room.Room
	sockets map[string]struct{}
	store   store.Store
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewHub(parent context.Context, st store.Store, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		rooms:   make(map[string]*room.Room),
		sockets: make(map[string]struct{}),
		store:   st,
		log:     log.Named("hub"),
		ctx:     ctx,
		cancel:  cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) Done() <-chan struct{} { return h.ctx.Done() }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case GetRoom:
				msg.Reply <- h.rooms[msg.Code] // May be nil

			case EnsureRoom:
				if rm := h.rooms[msg.Code]; rm != nil {
					msg.Reply <- rm
					break
				}
				rm := room.New(h.ctx, msg.Code, msg.State, h.store, h.log)
				h.rooms[msg.Code] = rm
				msg.Reply <- rm

			case Connect:
				h.sockets[msg.SocketID] = struct{}{}

			case Disconnect:
				delete(h.sockets, msg.SocketID)

			case IsLive:
				_, ok := h.sockets[msg.SocketID]
				msg.Reply <- ok

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) shutdown() {
	for code, rm := range h.rooms {
		select {
		case rm.Inbox() <- room.Shutdown{}:
		case <-rm.Done():
		}
		delete(h.rooms, code)
	}
	clear(h.sockets)
	h.cancel()
}

func (h *Hub) send(ctx context.Context, msg HubMsg) error {
	select {
	case h.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.ctx.Done():
		return ErrStopped
	}
}

// Room returns the campaign's room, or nil when none is running.
func (h *Hub) Room(ctx context.Context, code string) (*room.Room, error) {
	reply := make(chan *room.Room, 1)
	if err := h.send(ctx, GetRoom{Code: code, Reply: reply}); err != nil {
		return nil, err
	}
	select {
	case rm := <-reply:
		return rm, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.ctx.Done():
		return nil, ErrStopped
	}
}

// Ensure returns the campaign's room, starting it from the persisted combat
// state when it is not running yet. The store is read outside the hub loop.
func (h *Hub) Ensure(ctx context.Context, code string) (*room.Room, error) {
	if rm, err := h.Room(ctx, code); err != nil || rm != nil {
		return rm, err
	}

	initial, err := h.store.GetCombatState(ctx, code)
	switch {
	case errors.Is(err, store.ErrNotFound):
		initial = combat.NewEmptyState()
	case err != nil:
		h.log.Warn("combat state not loaded, starting empty", zap.String("campaign", code), zap.Error(err))
		initial = combat.NewEmptyState()
	}

	reply := make(chan *room.Room, 1)
	if err := h.send(ctx, EnsureRoom{Code: code, State: initial, Reply: reply}); err != nil {
		return nil, err
	}
	select {
	case rm := <-reply:
		if rm == nil {
			return nil, fmt.Errorf("ensure room %s: %w", code, ErrStopped)
		}
		return rm, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.ctx.Done():
		return nil, ErrStopped
	}
}

func (h *Hub) Connect(socketID string) {
	_ = h.send(context.Background(), Connect{SocketID: socketID})
}

func (h *Hub) Disconnect(socketID string) {
	_ = h.send(context.Background(), Disconnect{SocketID: socketID})
}

// IsLive reports whether socketID is connected to this process. A stopped
// hub has no live sockets.
func (h *Hub) IsLive(socketID string) bool {
	reply := make(chan bool, 1)
	if err := h.send(context.Background(), IsLive{SocketID: socketID, Reply: reply}); err != nil {
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-h.ctx.Done():
		return false
	}
}

// Broadcast relays env to the campaign room, if one is running.
func (h *Hub) Broadcast(code string, env protocol.Envelope, except string) {
	ctx := context.Background()
	rm, err := h.Room(ctx, code)
	if err != nil || rm == nil {
		return
	}
	if err := rm.Send(ctx, room.Broadcast{Env: env, Except: except}); err != nil {
		h.log.Debug("broadcast to closed room", zap.String("campaign", code), zap.String("type", string(env.Type)))
	}
}

// Shutdown stops every room and the hub itself.
func (h *Hub) Shutdown() {
	_ = h.send(context.Background(), ShutdownHub{})
	<-h.ctx.Done()
}
