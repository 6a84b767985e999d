package clientmgr

import (
	"context"
	"net"
	"net/netip"

	"github.com/nolifedevel/l3roamd/internal/roamd/ipstate"
)

// clientEffects adapts the route manager and seeker collaborators to
// ipstate.Effects for a single client, so the state machine never needs to
// know about MACs or interfaces.
type clientEffects struct {
	mgr    *Manager
	client *Client
}

func (m *Manager) effectsFor(client *Client) (eff ipstate.Effects) {
	return clientEffects{mgr: m, client: client}
}

// InstallRoute installs the host route and neighbor entry for ip, branching
// on whether it's an IPv4-mapped or native IPv6 address.
func (e clientEffects) InstallRoute(ctx context.Context, ip *ipstate.ClientIP) (err error) {
	mac := hardwareAddr(e.client.MAC)

	if e.mgr.isIPv4(ip.Addr) {
		v4 := embeddedIPv4(ip.Addr)

		if err = e.mgr.routes.InsertNeighbor4(ctx, e.client.Ifindex, v4, mac); err != nil {
			return err
		}

		if err = e.mgr.routes.InsertRoute(ctx, e.mgr.cfg.ExportTable, e.mgr.cfg.NAT46Ifindex, ip.Addr, 128); err != nil {
			return err
		}

		return e.mgr.routes.InsertRoute4(ctx, e.mgr.cfg.ExportTable, e.client.Ifindex, v4)
	}

	if err = e.mgr.routes.InsertNeighbor(ctx, e.client.Ifindex, ip.Addr, mac); err != nil {
		return err
	}

	return e.mgr.routes.InsertRoute(ctx, e.mgr.cfg.ExportTable, e.client.Ifindex, ip.Addr, 128)
}

// RemoveRoute removes whatever InstallRoute inserted for ip.
func (e clientEffects) RemoveRoute(ctx context.Context, ip *ipstate.ClientIP) (err error) {
	mac := hardwareAddr(e.client.MAC)

	if e.mgr.isIPv4(ip.Addr) {
		v4 := embeddedIPv4(ip.Addr)

		rerr := e.mgr.routes.RemoveRoute(ctx, e.mgr.cfg.ExportTable, ip.Addr, 128)
		r4err := e.mgr.routes.RemoveRoute4(ctx, e.mgr.cfg.ExportTable, v4)
		nerr := e.mgr.routes.RemoveNeighbor4(ctx, e.client.Ifindex, v4, mac)

		return firstErr(rerr, r4err, nerr)
	}

	rerr := e.mgr.routes.RemoveRoute(ctx, e.mgr.cfg.ExportTable, ip.Addr, 128)
	nerr := e.mgr.routes.RemoveNeighbor(ctx, e.client.Ifindex, ip.Addr, mac)

	return firstErr(rerr, nerr)
}

// RequestLocalSeek asks the seeker to begin looking for addr on the local
// link.
func (e clientEffects) RequestLocalSeek(addr netip.Addr) {
	e.mgr.seeker.SeekAddress(addr)
}

func firstErr(errs ...error) (err error) {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}

	return nil
}

func hardwareAddr(mac [6]byte) (addr net.HardwareAddr) {
	return net.HardwareAddr(mac[:])
}

// embeddedIPv4 extracts the IPv4 address carried in the low 4 bytes of a
// client's NAT46 address. Unlike the special node-client address (see
// alloc.SpecialIPv6), client addresses embed their IPv4 octets in standard
// network byte order.
func embeddedIPv4(addr netip.Addr) (v4 netip.Addr) {
	b := addr.As16()

	return netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]})
}
