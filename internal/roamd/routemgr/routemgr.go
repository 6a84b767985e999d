//go:build linux

// Package routemgr is the kernel route/neighbor adapter collaborator: it
// installs and removes /128 (IPv6) and /32 (IPv4) host routes in a
// configured export routing table, and REACHABLE neighbor entries on a
// client's ingress interface, via Linux rtnetlink.
package routemgr

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

const (
	rtaDst     = 1
	rtaOIF     = 4
	rtaGateway = 5
	rtaTable   = 15

	ndaDst    = 1
	ndaLLAddr = 2

	ifaAddress = 1
	ifaLocal   = 2
)

// Manager is the [Interface] implementation backed by a real rtnetlink
// socket.
type Manager struct {
	logger *slog.Logger
	conn   *netlink.Conn
}

// Interface is the route/neighbor adapter contract the IP state machine
// (internal/roamd/ipstate) and the client manager consume. Its kernel
// plumbing stays out of the core's scope beyond this call surface.
type Interface interface {
	InsertRoute(ctx context.Context, table int, ifindex uint32, addr netip.Addr, plen int) error
	RemoveRoute(ctx context.Context, table int, addr netip.Addr, plen int) error
	InsertRoute4(ctx context.Context, table int, ifindex uint32, addr netip.Addr) error
	RemoveRoute4(ctx context.Context, table int, addr netip.Addr) error
	InsertNeighbor(ctx context.Context, ifindex uint32, addr netip.Addr, mac net.HardwareAddr) error
	RemoveNeighbor(ctx context.Context, ifindex uint32, addr netip.Addr, mac net.HardwareAddr) error
	InsertNeighbor4(ctx context.Context, ifindex uint32, addr netip.Addr, mac net.HardwareAddr) error
	RemoveNeighbor4(ctx context.Context, ifindex uint32, addr netip.Addr, mac net.HardwareAddr) error
	AddAddress(ctx context.Context, addr netip.Addr) error
	RemoveAddress(ctx context.Context, addr netip.Addr) error
}

// type check
var _ Interface = (*Manager)(nil)

// New dials an NETLINK_ROUTE socket and returns a ready-to-use Manager.
func New(logger *slog.Logger) (m *Manager, err error) {
	conn, err := netlink.Dial(unix.NETLINK_ROUTE, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing rtnetlink: %w", err)
	}

	return &Manager{logger: logger, conn: conn}, nil
}

// Close releases the underlying netlink socket.
func (m *Manager) Close() (err error) {
	return m.conn.Close()
}

// execute sends req and waits for the kernel's ack, logging failures at the
// boundary rather than propagating them up through the state machine.
func (m *Manager) execute(ctx context.Context, req netlink.Message) (err error) {
	_, err = m.conn.Execute(req)
	if err != nil {
		m.logger.ErrorContext(ctx, "rtnetlink request failed", "err", err)

		return err
	}

	return nil
}

func addrBytes(addr netip.Addr) []byte {
	if addr.Is4() {
		b := addr.As4()

		return b[:]
	}

	b := addr.As16()

	return b[:]
}

func routeFamily(addr netip.Addr) uint8 {
	if addr.Is4() {
		return unix.AF_INET
	}

	return unix.AF_INET6
}

// rtmsg is struct rtmsg from <linux/rtnetlink.h>.
type rtmsg struct {
	Family   uint8
	DstLen   uint8
	SrcLen   uint8
	TOS      uint8
	Table    uint8
	Protocol uint8
	Scope    uint8
	Type     uint8
	Flags    uint32
}

func (r rtmsg) bytes() []byte {
	return []byte{
		r.Family, r.DstLen, r.SrcLen, r.TOS, r.Table, r.Protocol, r.Scope, r.Type,
		byte(r.Flags), byte(r.Flags >> 8), byte(r.Flags >> 16), byte(r.Flags >> 24),
	}
}

func (m *Manager) routeRequest(
	msgType uint16,
	table int,
	ifindex uint32,
	addr netip.Addr,
	plen int,
	create bool,
) netlink.Message {
	body := rtmsg{
		Family:   routeFamily(addr),
		DstLen:   uint8(plen),
		Table:    unix.RT_TABLE_UNSPEC,
		Protocol: unix.RTPROT_STATIC,
		Scope:    unix.RT_SCOPE_LINK,
		Type:     unix.RTN_UNICAST,
	}.bytes()

	body = append(body, rtattr(rtaDst, addrBytes(addr))...)
	body = append(body, rtattr(rtaTable, uint32Bytes(uint32(table)))...)
	if ifindex != 0 {
		body = append(body, rtattr(rtaOIF, uint32Bytes(ifindex))...)
	}

	flags := netlink.Request | netlink.Acknowledge
	if create {
		flags |= netlink.Create | netlink.Replace
	}

	return netlink.Message{
		Header: netlink.Header{Type: netlink.HeaderType(msgType), Flags: flags},
		Data:   body,
	}
}

func uint32Bytes(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// InsertRoute installs a /128 (or /plen) host route for addr in table,
// pointing at ifindex.
func (m *Manager) InsertRoute(
	ctx context.Context,
	table int,
	ifindex uint32,
	addr netip.Addr,
	plen int,
) (err error) {
	req := m.routeRequest(unix.RTM_NEWROUTE, table, ifindex, addr, plen, true)

	return m.execute(ctx, req)
}

// RemoveRoute removes whatever InsertRoute installed for addr in table.
func (m *Manager) RemoveRoute(ctx context.Context, table int, addr netip.Addr, plen int) (err error) {
	req := m.routeRequest(unix.RTM_DELROUTE, table, 0, addr, plen, false)

	return m.execute(ctx, req)
}

// InsertRoute4 installs a /32 IPv4 route for addr in table, pointing at
// ifindex.
func (m *Manager) InsertRoute4(ctx context.Context, table int, ifindex uint32, addr netip.Addr) (err error) {
	return m.InsertRoute(ctx, table, ifindex, addr, 32)
}

// RemoveRoute4 removes a /32 IPv4 route for addr from table.
func (m *Manager) RemoveRoute4(ctx context.Context, table int, addr netip.Addr) (err error) {
	return m.RemoveRoute(ctx, table, addr, 32)
}

// ndmsg is struct ndmsg from <linux/neighbour.h>.
type ndmsg struct {
	Family  uint8
	_       [3]byte
	IfIndex uint32
	State   uint16
	Flags   uint8
	Type    uint8
}

func (n ndmsg) bytes() []byte {
	ifx := n.IfIndex

	return []byte{
		n.Family, 0, 0, 0,
		byte(ifx), byte(ifx >> 8), byte(ifx >> 16), byte(ifx >> 24),
		byte(n.State), byte(n.State >> 8),
		n.Flags, n.Type,
	}
}

func (m *Manager) neighRequest(
	msgType uint16,
	ifindex uint32,
	addr netip.Addr,
	mac net.HardwareAddr,
	create bool,
) netlink.Message {
	body := ndmsg{
		Family:  routeFamily(addr),
		IfIndex: ifindex,
		State:   unix.NUD_REACHABLE,
	}.bytes()

	body = append(body, rtattr(ndaDst, addrBytes(addr))...)
	body = append(body, rtattr(ndaLLAddr, []byte(mac))...)

	flags := netlink.Request | netlink.Acknowledge
	if create {
		flags |= netlink.Create | netlink.Replace
	}

	return netlink.Message{
		Header: netlink.Header{Type: netlink.HeaderType(msgType), Flags: flags},
		Data:   body,
	}
}

// InsertNeighbor installs a REACHABLE IPv6 neighbor entry for addr on
// ifindex, bound to mac.
func (m *Manager) InsertNeighbor(
	ctx context.Context,
	ifindex uint32,
	addr netip.Addr,
	mac net.HardwareAddr,
) (err error) {
	req := m.neighRequest(unix.RTM_NEWNEIGH, ifindex, addr, mac, true)

	return m.execute(ctx, req)
}

// RemoveNeighbor removes whatever InsertNeighbor installed.
func (m *Manager) RemoveNeighbor(
	ctx context.Context,
	ifindex uint32,
	addr netip.Addr,
	mac net.HardwareAddr,
) (err error) {
	req := m.neighRequest(unix.RTM_DELNEIGH, ifindex, addr, mac, false)

	return m.execute(ctx, req)
}

// InsertNeighbor4 installs a REACHABLE IPv4 neighbor entry.
func (m *Manager) InsertNeighbor4(
	ctx context.Context,
	ifindex uint32,
	addr netip.Addr,
	mac net.HardwareAddr,
) (err error) {
	return m.InsertNeighbor(ctx, ifindex, addr, mac)
}

// RemoveNeighbor4 removes an IPv4 neighbor entry.
func (m *Manager) RemoveNeighbor4(
	ctx context.Context,
	ifindex uint32,
	addr netip.Addr,
	mac net.HardwareAddr,
) (err error) {
	return m.RemoveNeighbor(ctx, ifindex, addr, mac)
}

// ifaddrmsg is struct ifaddrmsg from <linux/if_addr.h>.
type ifaddrmsg struct {
	Family    uint8
	PrefixLen uint8
	Flags     uint8
	Scope     uint8
	Index     uint32
}

func (a ifaddrmsg) bytes() []byte {
	idx := a.Index

	return []byte{
		a.Family, a.PrefixLen, a.Flags, a.Scope,
		byte(idx), byte(idx >> 8), byte(idx >> 16), byte(idx >> 24),
	}
}

// AddAddress adds addr to the loopback interface with host scope, used to
// bind the per-client special IP.
func (m *Manager) AddAddress(ctx context.Context, addr netip.Addr) (err error) {
	lo, ierr := net.InterfaceByName("lo")
	if ierr != nil {
		return fmt.Errorf("looking up loopback interface: %w", ierr)
	}

	plen := 128
	if addr.Is4() {
		plen = 32
	}

	body := ifaddrmsg{
		Family:    routeFamily(addr),
		PrefixLen: uint8(plen),
		Scope:     unix.RT_SCOPE_HOST,
		Index:     uint32(lo.Index),
	}.bytes()

	body = append(body, rtattr(ifaAddress, addrBytes(addr))...)
	body = append(body, rtattr(ifaLocal, addrBytes(addr))...)

	req := netlink.Message{
		Header: netlink.Header{
			Type:  unix.RTM_NEWADDR,
			Flags: netlink.Request | netlink.Acknowledge | netlink.Create | netlink.Replace,
		},
		Data: body,
	}

	return m.execute(ctx, req)
}

// RemoveAddress removes addr from the loopback interface.
func (m *Manager) RemoveAddress(ctx context.Context, addr netip.Addr) (err error) {
	lo, ierr := net.InterfaceByName("lo")
	if ierr != nil {
		return fmt.Errorf("looking up loopback interface: %w", ierr)
	}

	plen := 128
	if addr.Is4() {
		plen = 32
	}

	body := ifaddrmsg{
		Family:    routeFamily(addr),
		PrefixLen: uint8(plen),
		Index:     uint32(lo.Index),
	}.bytes()

	body = append(body, rtattr(ifaAddress, addrBytes(addr))...)

	req := netlink.Message{
		Header: netlink.Header{Type: unix.RTM_DELADDR, Flags: netlink.Request | netlink.Acknowledge},
		Data:   body,
	}

	return m.execute(ctx, req)
}
