// Package intercom is the peer gossip transport: the claim/info/seek
// primitives clientmgr and ipmgr use to coordinate ownership of a roaming
// client's addresses across mesh nodes. Message framing and delivery are
// this package's concern; deciding what a received message means for a
// client's state lives in clientmgr/ipmgr.
package intercom

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
)

// Message kinds, carried as the first byte of every datagram.
const (
	kindClaim uint8 = iota + 1
	kindInfo
	kindSeek
)

// errShortMessage is returned when a received datagram is too small to
// contain even a message kind and address.
const errShortMessage errors.Error = "intercom: message too short"

// errUnknownKind is returned for a datagram whose kind byte isn't
// recognized.
const errUnknownKind errors.Error = "intercom: unknown message kind"

// ClientInfo is the wire payload describing a client's ownership: its MAC
// and the set of addresses the sending node currently considers active for
// it.
type ClientInfo struct {
	MAC       [6]byte
	Addresses []netip.Addr
}

// Claim is delivered when a peer is asserting it now owns mac and wants the
// current owner, if any, to relinquish it.
type Claim struct {
	Peer netip.Addr
	MAC  [6]byte
}

// Info is delivered in response to a Claim (or Seek): the sender's current
// view of a client, and whether the sender is relinquishing ownership.
type Info struct {
	Peer       netip.Addr
	Client     ClientInfo
	Relinquish bool
}

// Seek is delivered when a peer is asking whether anyone on the mesh has
// seen addr recently.
type Seek struct {
	Peer netip.Addr
	Addr netip.Addr
}

// Handler receives decoded peer messages. Implementations must not block:
// messages are delivered from the single event loop's read path.
type Handler interface {
	HandleClaim(ctx context.Context, c Claim)
	HandleInfo(ctx context.Context, i Info)
	HandleSeek(ctx context.Context, s Seek)
}

// Bus is a UDP-backed intercom transport. Every peer listens on the same
// port; Bus sends unicast datagrams to each configured peer address.
type Bus struct {
	logger  *slog.Logger
	conn    *net.UDPConn
	peers   []netip.Addr
	self    netip.Addr
	handler Handler
}

// New binds a UDP socket on port and returns a Bus ready to Send* once
// Listen is running. self identifies this node's own mesh address, used so
// a node can recognize and skip its own broadcasts.
func New(logger *slog.Logger, port int, self netip.Addr, peers []netip.Addr, h Handler) (b *Bus, err error) {
	conn, err := net.ListenUDP("udp6", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("listening on intercom port %d: %w", port, err)
	}

	return &Bus{logger: logger, conn: conn, peers: peers, self: self, handler: h}, nil
}

// Close releases the underlying socket.
func (b *Bus) Close() (err error) {
	return b.conn.Close()
}

// Fd returns the raw file descriptor, for multiplexing in an event loop.
func (b *Bus) Fd() (uintptr, error) {
	raw, err := b.conn.SyscallConn()
	if err != nil {
		return 0, err
	}

	var fd uintptr

	cerr := raw.Control(func(f uintptr) { fd = f })
	if cerr != nil {
		return 0, cerr
	}

	return fd, nil
}

// SendClaim announces to every configured peer that this node now owns
// mac.
func (b *Bus) SendClaim(ctx context.Context, mac [6]byte) {
	msg := make([]byte, 1+6)
	msg[0] = kindClaim
	copy(msg[1:], mac[:])

	b.broadcast(ctx, msg)
}

// SendInfo replies to a peer with this node's current view of a client.
func (b *Bus) SendInfo(ctx context.Context, to netip.Addr, info ClientInfo, relinquish bool) {
	msg := make([]byte, 1+6+1+1+16*len(info.Addresses))
	msg[0] = kindInfo
	copy(msg[1:7], info.MAC[:])

	if relinquish {
		msg[7] = 1
	}

	msg[8] = uint8(len(info.Addresses))

	off := 9
	for _, a := range info.Addresses {
		b16 := a.As16()
		copy(msg[off:off+16], b16[:])
		off += 16
	}

	b.send(ctx, to, msg)
}

// SendSeek asks every configured peer whether they've recently seen addr.
func (b *Bus) SendSeek(ctx context.Context, addr netip.Addr) {
	b16 := addr.As16()
	msg := make([]byte, 1+16)
	msg[0] = kindSeek
	copy(msg[1:], b16[:])

	b.broadcast(ctx, msg)
}

func (b *Bus) broadcast(ctx context.Context, msg []byte) {
	for _, p := range b.peers {
		b.send(ctx, p, msg)
	}
}

func (b *Bus) send(ctx context.Context, to netip.Addr, msg []byte) {
	_, err := b.conn.WriteToUDP(msg, &net.UDPAddr{IP: to.AsSlice(), Port: b.conn.LocalAddr().(*net.UDPAddr).Port})
	if err != nil {
		b.logger.ErrorContext(ctx, "intercom send failed", "peer", to, "err", err)
	}
}

// Listen reads datagrams until ctx is canceled or the socket is closed,
// dispatching each to the Bus's Handler.
func (b *Bus) Listen(ctx context.Context) (err error) {
	buf := make([]byte, 65535)

	for {
		n, from, rerr := b.conn.ReadFromUDP(buf)
		if rerr != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return rerr
			}
		}

		peerAddr, ok := netip.AddrFromSlice(from.IP)
		if !ok {
			continue
		}

		peerAddr = peerAddr.Unmap()
		if peerAddr == b.self {
			continue
		}

		if err = b.dispatch(ctx, peerAddr, buf[:n]); err != nil {
			b.logger.WarnContext(ctx, "discarding malformed intercom message", "peer", peerAddr, "err", err)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, peer netip.Addr, msg []byte) (err error) {
	if len(msg) < 1 {
		return errShortMessage
	}

	switch msg[0] {
	case kindClaim:
		if len(msg) < 7 {
			return errShortMessage
		}

		var mac [6]byte
		copy(mac[:], msg[1:7])
		b.handler.HandleClaim(ctx, Claim{Peer: peer, MAC: mac})
	case kindInfo:
		if len(msg) < 9 {
			return errShortMessage
		}

		var mac [6]byte
		copy(mac[:], msg[1:7])

		relinquish := msg[7] == 1
		count := int(msg[8])

		off := 9
		addrs := make([]netip.Addr, 0, count)

		for i := 0; i < count; i++ {
			if off+16 > len(msg) {
				return errShortMessage
			}

			var b16 [16]byte
			copy(b16[:], msg[off:off+16])
			addrs = append(addrs, netip.AddrFrom16(b16))
			off += 16
		}

		b.handler.HandleInfo(ctx, Info{
			Peer:       peer,
			Client:     ClientInfo{MAC: mac, Addresses: addrs},
			Relinquish: relinquish,
		})
	case kindSeek:
		if len(msg) < 17 {
			return errShortMessage
		}

		var b16 [16]byte
		copy(b16[:], msg[1:17])
		b.handler.HandleSeek(ctx, Seek{Peer: peer, Addr: netip.AddrFrom16(b16)})
	default:
		return errUnknownKind
	}

	return nil
}
