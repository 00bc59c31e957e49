package core

import (
	"context"
	"net"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/badgesync/meshsync/pkg/mesh/types"
)

// DefaultPort is the well-known UDP port spec.md section 6 fixes for
// the whole fleet.
const DefaultPort = 43210

// maxDatagramBytes is the receive buffer size, just under the 65,507
// byte UDP payload limit. Sends are not size-checked; an inbound
// datagram longer than this is truncated, fails to decode, and is
// dropped, leaving deltas and state-hash reconciliation to repair,
// per spec.md section 4.B.
const maxDatagramBytes = 60000

var wireJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Inbound is one datagram delivered to the Gossip Engine, carrying the
// sender's address alongside the decoded envelope.
type Inbound struct {
	Envelope types.Envelope
	RemoteIP string
}

// Transport is the UDP communication primitive the Gossip Engine
// depends on. A single bound endpoint serves both broadcast and
// unicast sends and the inbound stream, per spec.md section 4.B.
type Transport interface {
	SendBroadcast(env types.Envelope) error
	SendUnicast(env types.Envelope, ip string) error
	Listen() <-chan Inbound
	Close() error
}

// UDPTransport binds one UDP endpoint at the well-known port and
// implements Transport directly on top of net.UDPConn, following the
// bind-once/poll-goroutine/producer-channel shape of the teacher's
// ReliableTransport, but speaking raw UDP instead of a group-multicast
// library (see DESIGN.md for why relt's group abstraction could not
// serve the peer-addressed unicast/broadcast semantics spec.md
// requires here).
type UDPTransport struct {
	conn          *net.UDPConn
	broadcastAddr *net.UDPAddr
	broadcastOK   bool
	log           types.Logger

	producer chan Inbound
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewUDPTransport binds port on all interfaces, attempts to enable
// SO_BROADCAST on the socket, and starts the receive loop.
func NewUDPTransport(port int, log types.Logger) (*UDPTransport, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, errors.Wrapf(err, "bind udp port %d", port)
	}

	broadcastOK := enableBroadcast(conn) == nil
	if !broadcastOK {
		log.Warnf("socket does not allow broadcast, falling back to unicast-only")
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &UDPTransport{
		conn:          conn,
		broadcastAddr: inferBroadcastAddress(port),
		broadcastOK:   broadcastOK,
		log:           log,
		producer:      make(chan Inbound, 256),
		ctx:           ctx,
		cancel:        cancel,
	}
	go t.poll()
	return t, nil
}

// enableBroadcast turns on SO_BROADCAST so sends to the limited or
// subnet broadcast address are permitted by the kernel, per spec.md
// section 4.B ("Broadcast enablement is set on the socket after
// bind").
func enableBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// inferBroadcastAddress prefers the subnet broadcast address computed
// from a local interface's netmask, falling back to the limited
// broadcast address 255.255.255.255 when no usable netmask is found,
// per spec.md section 9's open question on broadcast inference.
func inferBroadcastAddress(port int) *net.UDPAddr {
	if addr := subnetBroadcast(port); addr != nil {
		return addr
	}
	return &net.UDPAddr{IP: net.IPv4bcast, Port: port}
}

func subnetBroadcast(port int) *net.UDPAddr {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil {
				continue
			}
			mask := ipNet.Mask
			bcast := make(net.IP, len(ip4))
			for i := range ip4 {
				bcast[i] = ip4[i] | ^mask[i]
			}
			return &net.UDPAddr{IP: bcast, Port: port}
		}
	}
	return nil
}

// SendBroadcast sends env to the inferred subnet/limited broadcast
// address. If the socket does not permit broadcast, this returns an
// error so the Gossip Engine's outbound policy can fall back to
// per-peer unicast.
func (t *UDPTransport) SendBroadcast(env types.Envelope) error {
	if !t.broadcastOK {
		return errors.New("broadcast not permitted on this socket")
	}
	data, err := wireJSON.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshal broadcast envelope")
	}
	_, err = t.conn.WriteToUDP(data, t.broadcastAddr)
	return errors.Wrap(err, "send broadcast")
}

// SendUnicast sends env to a specific peer IP on the well-known port.
func (t *UDPTransport) SendUnicast(env types.Envelope, ip string) error {
	data, err := wireJSON.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshal unicast envelope")
	}
	addr := &net.UDPAddr{IP: net.ParseIP(ip), Port: t.conn.LocalAddr().(*net.UDPAddr).Port}
	_, err = t.conn.WriteToUDP(data, addr)
	return errors.Wrapf(err, "send unicast to %s", ip)
}

// Listen returns the inbound datagram stream.
func (t *UDPTransport) Listen() <-chan Inbound {
	return t.producer
}

// Close stops the receive loop and releases the socket.
func (t *UDPTransport) Close() error {
	t.cancel()
	return t.conn.Close()
}

func (t *UDPTransport) poll() {
	buf := make([]byte, maxDatagramBytes)
	for {
		select {
		case <-t.ctx.Done():
			close(t.producer)
			return
		default:
		}

		t.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-t.ctx.Done():
				close(t.producer)
				return
			default:
				t.log.Warnf("udp read failed: %v", err)
				continue
			}
		}

		var env types.Envelope
		if err := wireJSON.Unmarshal(buf[:n], &env); err != nil {
			t.log.Debugf("dropping malformed datagram from %s: %v", addr, err)
			continue
		}
		if !env.Valid() {
			t.log.Debugf("dropping invalid envelope from %s: %#v", addr, env)
			continue
		}

		select {
		case t.producer <- Inbound{Envelope: env, RemoteIP: addr.IP.String()}:
		case <-t.ctx.Done():
			close(t.producer)
			return
		}
	}
}

var _ Transport = (*UDPTransport)(nil)
