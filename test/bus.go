// Package test provides the cluster test harness fuzzy/ scenario
// tests build on top of, mirroring the teacher's test/testing.go
// shape: a fake invoker-free transport bus plus device/cluster
// construction helpers.
package test

import (
	"sync"

	"github.com/badgesync/meshsync/pkg/mesh/core"
	"github.com/badgesync/meshsync/pkg/mesh/types"
)

// DropRule decides whether a send from one device's IP to another
// (a unicast, or one recipient of a broadcast) should be silently
// lost, the way a real dropped UDP datagram would be: the sender
// observes no error.
type DropRule func(fromIP, toIP string, env types.Envelope) bool

// Bus is an in-process stand-in for the shared broadcast domain a
// device's UDPTransport would otherwise talk to over the network.
// Every FakeTransport joined to the same Bus can reach every other.
type Bus struct {
	mutex   sync.Mutex
	members map[string]*FakeTransport
	drop    DropRule
}

func NewBus() *Bus {
	return &Bus{members: make(map[string]*FakeTransport)}
}

// SetDropRule installs a predicate used to simulate a lossy partition
// between devices; pass nil to deliver everything.
func (b *Bus) SetDropRule(rule DropRule) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.drop = rule
}

// Join registers a new device at ip and returns its Transport.
func (b *Bus) Join(ip string) *FakeTransport {
	t := &FakeTransport{
		ip:     ip,
		bus:    b,
		inbox:  make(chan core.Inbound, 256),
		closed: make(chan struct{}),
	}
	b.mutex.Lock()
	b.members[ip] = t
	b.mutex.Unlock()
	return t
}

func (b *Bus) leave(ip string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	delete(b.members, ip)
}

func (b *Bus) snapshot() (map[string]*FakeTransport, DropRule) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	out := make(map[string]*FakeTransport, len(b.members))
	for ip, t := range b.members {
		out[ip] = t
	}
	return out, b.drop
}

// FakeTransport implements core.Transport entirely in memory, so
// fuzzy scenario tests run at the speed of the test process rather
// than the speed of a real socket, and can deterministically drop
// individual sends.
type FakeTransport struct {
	ip     string
	bus    *Bus
	inbox  chan core.Inbound
	once   sync.Once
	closed chan struct{}
}

func (t *FakeTransport) SendBroadcast(env types.Envelope) error {
	members, drop := t.bus.snapshot()
	for ip, peer := range members {
		if ip == t.ip {
			continue
		}
		if drop != nil && drop(t.ip, ip, env) {
			continue
		}
		peer.deliver(core.Inbound{Envelope: env, RemoteIP: t.ip})
	}
	return nil
}

func (t *FakeTransport) SendUnicast(env types.Envelope, ip string) error {
	members, drop := t.bus.snapshot()
	peer, ok := members[ip]
	if !ok {
		return nil // peer gone, same as a real send into the void
	}
	if drop != nil && drop(t.ip, ip, env) {
		return nil
	}
	peer.deliver(core.Inbound{Envelope: env, RemoteIP: t.ip})
	return nil
}

func (t *FakeTransport) deliver(in core.Inbound) {
	select {
	case t.inbox <- in:
	case <-t.closed:
	}
}

func (t *FakeTransport) Listen() <-chan core.Inbound {
	return t.inbox
}

func (t *FakeTransport) Close() error {
	t.once.Do(func() {
		close(t.closed)
		t.bus.leave(t.ip)
	})
	return nil
}

var _ core.Transport = (*FakeTransport)(nil)
