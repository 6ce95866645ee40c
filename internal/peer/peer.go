// Package peer holds what the server knows about one websocket connection:
// its outbox and, once joined, which campaign and role it speaks for.
package peer

import (
	"sync"

	"github.com/DoyleJ11/combat-tracker-backend/internal/metrics"
	"github.com/DoyleJ11/combat-tracker-backend/internal/protocol"
	"github.com/DoyleJ11/combat-tracker-backend/internal/store"
)

const OutboxSize = 32

// Binding is the campaign membership of a joined peer.
type Binding struct {
	CampaignID   string
	Role         protocol.Role
	SessionToken string
	Characters   []store.Character
}

func (b Binding) Controls(characterID string) bool {
	for _, c := range b.Characters {
		if c.ID == characterID {
			return true
		}
	}
	return false
}

type Peer struct {
	ID string

	out  chan protocol.Envelope
	drop func()

	mu      sync.Mutex
	binding *Binding
	stop    func()
}

// New creates a peer. drop is called when the outbox overflows and must
// close the underlying connection without blocking.
func New(id string, drop func()) *Peer {
	return &Peer{ID: id, out: make(chan protocol.Envelope, OutboxSize), drop: drop}
}

func (p *Peer) Outbox() chan protocol.Envelope { return p.out }

func (p *Peer) Drop() {
	if p.drop != nil {
		p.drop()
	}
}

// Send queues env without blocking. A full outbox drops the connection.
func (p *Peer) Send(env protocol.Envelope) bool {
	select {
	case p.out <- env:
		metrics.EventOut(string(env.Type))
		return true
	default:
		metrics.DroppedClients.Inc()
		p.Drop()
		return false
	}
}

func (p *Peer) SendError(code, message string) {
	p.Send(protocol.MustEncode(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message}))
}

// Bind records the campaign membership. stop, if set, is called on Unbind.
func (p *Peer) Bind(b Binding, stop func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.binding = &b
	p.stop = stop
}

func (p *Peer) Binding() (Binding, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.binding == nil {
		return Binding{}, false
	}
	return *p.binding, true
}

// Unbind clears the membership and returns what it was.
func (p *Peer) Unbind() (Binding, bool) {
	p.mu.Lock()
	b, stop := p.binding, p.stop
	p.binding, p.stop = nil, nil
	p.mu.Unlock()

	if stop != nil {
		stop()
	}
	if b == nil {
		return Binding{}, false
	}
	return *b, true
}
