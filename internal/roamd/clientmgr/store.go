package clientmgr

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/nolifedevel/l3roamd/internal/roamd/ipstate"
)

// Client is a single known MAC address and the set of IP addresses
// currently attributed to it.
type Client struct {
	MAC     [6]byte
	Ifindex uint32

	Addresses []*ipstate.ClientIP

	// NodeIPInitialized is true once the special node-client IPv6 address
	// and its intercom socket have been set up for this client.
	NodeIPInitialized bool

	// SpecialFD is the raw, non-blocking UDP socket bound to the special
	// address, or -1 if none is open. It is only held open and closed
	// again; it is not registered with any event loop and nothing reads
	// from it.
	SpecialFD int

	// Timeout is when an old-client record becomes eligible for purge. Zero
	// for live clients.
	Timeout time.Time
}

// IsActive reports whether at least one of client's addresses is ACTIVE or
// TENTATIVE.
func (c *Client) IsActive() bool {
	for _, ip := range c.Addresses {
		if ip.State == ipstate.Active || ip.State == ipstate.Tentative {
			return true
		}
	}

	return false
}

// ip returns the ClientIP record for address, or nil if client doesn't have
// one.
func (c *Client) ip(address netip.Addr) *ipstate.ClientIP {
	for _, ip := range c.Addresses {
		if ip.Addr == address {
			return ip
		}
	}

	return nil
}

// LogState dumps client's full state at debug level: MAC, active flag,
// ingress interface, and every address's state, timestamp and remaining
// tentative retries. Intended to be called after every mutation, mirroring
// how thoroughly the original daemon traced client state on every change.
func (c *Client) LogState(ctx context.Context, logger *slog.Logger) {
	addrs := make([]any, 0, len(c.Addresses))
	for _, ip := range c.Addresses {
		addrs = append(addrs, slog.GroupValue(
			slog.String("addr", ip.Addr.String()),
			slog.String("state", ip.State.String()),
			slog.Time("since", ip.Timestamp),
			slog.Int("retries_left", ip.TentativeRetriesLeft),
		))
	}

	logger.DebugContext(ctx, "client state",
		"mac", c.MAC,
		"active", c.IsActive(),
		"ifindex", c.Ifindex,
		"addresses", addrs,
	)
}

// removeIP deletes the address record for address, if present.
func (c *Client) removeIP(address netip.Addr) {
	for i, ip := range c.Addresses {
		if ip.Addr == address {
			c.Addresses = append(c.Addresses[:i], c.Addresses[i+1:]...)

			return
		}
	}
}

// store indexes live and recently-departed clients by MAC.
type store struct {
	live map[[6]byte]*Client
	old  map[[6]byte]*Client
}

func newStore() (s *store) {
	return &store{
		live: map[[6]byte]*Client{},
		old:  map[[6]byte]*Client{},
	}
}

func (s *store) get(mac [6]byte) (c *Client, ok bool) {
	c, ok = s.live[mac]

	return c, ok
}

func (s *store) getOld(mac [6]byte) (c *Client, ok bool) {
	c, ok = s.old[mac]

	return c, ok
}

func (s *store) getOrCreate(mac [6]byte, ifindex uint32) (c *Client) {
	c, ok := s.live[mac]
	if ok {
		return c
	}

	c = &Client{MAC: mac, Ifindex: ifindex, SpecialFD: -1}
	s.live[mac] = c

	return c
}

func (s *store) delete(mac [6]byte) {
	delete(s.live, mac)
}

// moveToOld copies client into the old-clients set with an expiry of now+ttl.
// It leaves the live set untouched; callers remove the live entry with
// delete.
func (s *store) moveToOld(client *Client, now time.Time, ttl time.Duration) {
	old := &Client{
		MAC:       client.MAC,
		Ifindex:   client.Ifindex,
		Addresses: append([]*ipstate.ClientIP(nil), client.Addresses...),
		SpecialFD: -1,
		Timeout:   now.Add(ttl),
	}
	s.old[client.MAC] = old
}

// purgeOld removes every old-client record whose timeout has passed.
func (s *store) purgeOld(now time.Time) (purged int) {
	for mac, c := range s.old {
		if !c.Timeout.After(now) {
			delete(s.old, mac)
			purged++
		}
	}

	return purged
}

// isKnownAddress reports whether address belongs to a currently-live
// client, and returns that client if so.
func (s *store) isKnownAddress(address netip.Addr) (c *Client, ok bool) {
	for _, client := range s.live {
		if client.ip(address) != nil {
			return client, true
		}
	}

	return nil, false
}
