// Package bus provides an in-process MessageBus for tests and the
// -store=memory single-process dev mode of cmd/flowd. The wire transport
// itself is an external collaborator per the core's design (peers,
// signing, and network delivery live outside this module); Registry
// plays the role that a real transport's address book would.
package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/ledgerwire/flowstate/pkg/api"
)

// ErrPeerUnknown is returned by Send when no Loopback has subscribed for
// the destination Peer.
var ErrPeerUnknown = errors.New("flowstate: unknown peer")

// Registry is the shared address book a set of Loopback buses register
// against, so that Peer identities in one process can address each
// other without a real network hop.
type Registry struct {
	mu       sync.RWMutex
	handlers map[api.Peer]func(from api.Peer, env api.SessionEnvelope)
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[api.Peer]func(from api.Peer, env api.SessionEnvelope))}
}

// For returns the Loopback MessageBus through which self sends and
// receives.
func (r *Registry) For(self api.Peer) *Loopback {
	return &Loopback{reg: r, self: self}
}

func (r *Registry) set(peer api.Peer, h func(from api.Peer, env api.SessionEnvelope)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[peer] = h
}

func (r *Registry) remove(peer api.Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, peer)
}

func (r *Registry) get(peer api.Peer) (func(from api.Peer, env api.SessionEnvelope), bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[peer]
	return h, ok
}

// Loopback is an api.MessageBus backed by a shared Registry. Delivery
// happens on its own goroutine so that Send never blocks on the
// recipient's flow worker inbox.
type Loopback struct {
	reg  *Registry
	self api.Peer
}

var _ api.MessageBus = (*Loopback)(nil)

func (b *Loopback) Send(ctx context.Context, to api.Peer, envelope api.SessionEnvelope) error {
	h, ok := b.reg.get(to)
	if !ok {
		return ErrPeerUnknown
	}
	go h(b.self, envelope)
	return nil
}

func (b *Loopback) Subscribe(handler func(from api.Peer, envelope api.SessionEnvelope)) (unsubscribe func()) {
	b.reg.set(b.self, handler)
	return func() { b.reg.remove(b.self) }
}
