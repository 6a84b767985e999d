// Package clientmgr tracks known MAC addresses and the lifecycle of their
// IP addresses, driving kernel route/neighbor state through
// internal/roamd/ipstate and coordinating ownership with peers through
// internal/roamd/intercom.
package clientmgr

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/AdguardTeam/golibs/validate"
	"github.com/nolifedevel/l3roamd/internal/roamd/alloc"
	"github.com/nolifedevel/l3roamd/internal/roamd/intercom"
	"github.com/nolifedevel/l3roamd/internal/roamd/ipstate"
	"github.com/nolifedevel/l3roamd/internal/roamd/prefix"
	"github.com/nolifedevel/l3roamd/internal/roamd/routemgr"
)

// OldClientsKeep is how long a departed client's address history is kept
// around so a quick roam-back doesn't look like a brand new client.
const OldClientsKeep = 60 * time.Second

// Config is the static configuration a Manager needs.
type Config struct {
	Prefixes         []prefix.Prefix
	V4Prefix         prefix.Prefix
	NodeClientPrefix netip.Addr
	AllocRange       alloc.Range
	ExportTable      int
	NAT46Ifindex     uint32
	IntercomIfindex  uint32
}

// type check
var _ validate.Interface = (*Config)(nil)

// Validate implements the [validate.Interface] interface for *Config.
func (c *Config) Validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	}

	var errs []error

	if len(c.Prefixes) == 0 {
		errs = append(errs, fmt.Errorf("c.Prefixes: %w", errors.ErrEmptyValue))
	}

	if !c.V4Prefix.Addr.IsValid() {
		errs = append(errs, fmt.Errorf("c.V4Prefix: %w", errors.ErrNoValue))
	}

	if !c.NodeClientPrefix.IsValid() {
		errs = append(errs, fmt.Errorf("c.NodeClientPrefix: %w", errors.ErrNoValue))
	}

	return errors.Join(errs...)
}

// Seeker requests a local-link neighbor discovery for an address whose
// owner is not yet known. Implemented by internal/roamd/ipmgr.
type Seeker interface {
	SeekAddress(addr netip.Addr)
}

// SpecialIP opens and closes the per-client special IPv6 address and its
// intercom socket. Implemented by a collaborator that owns the raw
// socket/syscall plumbing so this package stays transport-agnostic.
type SpecialIP interface {
	Add(ctx context.Context, client *Client, address netip.Addr) error
	Remove(ctx context.Context, client *Client, address netip.Addr) error
}

var _ intercom.Handler = (*Manager)(nil)

// Manager is the client-tracking core.
type Manager struct {
	logger   *slog.Logger
	cfg      Config
	store    *store
	routes   routemgr.Interface
	intercom *intercom.Bus
	seeker   Seeker
	special  SpecialIP
	clock    timeutil.Clock
}

// New returns a ready Manager.
func New(
	logger *slog.Logger,
	cfg Config,
	routes routemgr.Interface,
	ic *intercom.Bus,
	seeker Seeker,
	special SpecialIP,
) (m *Manager) {
	return &Manager{
		logger:   logger,
		cfg:      cfg,
		store:    newStore(),
		routes:   routes,
		intercom: ic,
		seeker:   seeker,
		special:  special,
		clock:    timeutil.SystemClock{},
	}
}

// IsKnownAddress reports whether address is attached to a currently-live
// local client.
func (m *Manager) IsKnownAddress(address netip.Addr) (client *Client, ok bool) {
	return m.store.isKnownAddress(address)
}

// HasLocalClient reports whether address belongs to a currently-live local
// client, without returning the client itself. Satisfies the ClientChecker
// interface ipmgr uses to guard against seeking an address it already
// serves.
func (m *Manager) HasLocalClient(address netip.Addr) bool {
	_, ok := m.store.isKnownAddress(address)

	return ok
}

// isValidAddress reports whether address falls within a configured client
// prefix or the IPv4 prefix.
func (m *Manager) isValidAddress(address netip.Addr) bool {
	for _, p := range m.cfg.Prefixes {
		if p.Contains(address) {
			return true
		}
	}

	return m.cfg.V4Prefix.Contains(address)
}

// IsValidAddress reports whether address falls within a configured client
// prefix or the IPv4 prefix.
func (m *Manager) IsValidAddress(address netip.Addr) bool {
	return m.isValidAddress(address)
}

func (m *Manager) isIPv4(address netip.Addr) bool {
	return m.cfg.V4Prefix.Contains(address)
}

// IsIPv4 reports whether address is an IPv4-mapped client address.
func (m *Manager) IsIPv4(address netip.Addr) bool {
	return m.isIPv4(address)
}

// NotifyMAC notifies the manager about a MAC address observed on ifindex
// (e.g. via a bridge FDB notification). If the client isn't already active,
// every known address of that client is pushed into TENTATIVE and a claim
// is sent to peers.
func (m *Manager) NotifyMAC(ctx context.Context, mac [6]byte, ifindex uint32) {
	if mac == ([6]byte{}) {
		return
	}

	client := m.store.getOrCreate(mac, ifindex)

	if client.IsActive() {
		m.logger.DebugContext(ctx, "client already active, not re-adding", "mac", mac)

		return
	}

	m.logger.InfoContext(ctx, "new client observed", "mac", mac, "ifindex", ifindex)

	client.Ifindex = ifindex

	m.intercom.SendClaim(ctx, mac)

	for _, ip := range client.Addresses {
		if ip.State == ipstate.Tentative || ip.State == ipstate.Inactive {
			ipstate.SetState(ctx, m.logger, m.clock, m.effectsFor(client), ip, ipstate.Tentative)
		}
	}

	m.seeker.SeekAddress(m.specialAddress(mac))

	client.LogState(ctx, m.logger)
}

// AddAddress records address as belonging to mac on ifindex and activates
// it. If this is the client's first active address, a claim is sent to
// peers so any existing owner relinquishes it.
func (m *Manager) AddAddress(ctx context.Context, address netip.Addr, mac [6]byte, ifindex uint32) {
	if !m.isValidAddress(address) {
		m.logger.DebugContext(ctx, "address outside client prefixes, ignoring", "addr", address)

		return
	}

	client := m.store.getOrCreate(mac, ifindex)
	client.Ifindex = ifindex

	wasActive := client.IsActive()

	ip := client.ip(address)
	if ip == nil {
		ip = &ipstate.ClientIP{Addr: address}
		client.Addresses = append(client.Addresses, ip)
	}

	ipstate.SetState(ctx, m.logger, m.clock, m.effectsFor(client), ip, ipstate.Active)

	if !wasActive {
		m.intercom.SendClaim(ctx, mac)
	}

	if err := m.routes.InsertNeighbor(ctx, client.Ifindex, address, hardwareAddr(mac)); err != nil {
		m.logger.ErrorContext(ctx, "refreshing neighbor entry failed", "addr", address, "err", err)
	}

	client.LogState(ctx, m.logger)
}

// RemoveAddress deactivates address for mac and deletes the client entirely
// once it has no active addresses left.
func (m *Manager) RemoveAddress(ctx context.Context, mac [6]byte, address netip.Addr) {
	client, ok := m.store.get(mac)
	if !ok {
		return
	}

	if ip := client.ip(address); ip != nil {
		ipstate.SetState(ctx, m.logger, m.clock, m.effectsFor(client), ip, ipstate.Inactive)
		client.removeIP(address)
	}

	if !client.IsActive() {
		m.logger.InfoContext(ctx, "no active addresses left, deleting client", "mac", mac)
		m.deleteClient(ctx, mac)

		return
	}

	client.LogState(ctx, m.logger)
}

// deleteClient moves client into the old-clients set, tears down its
// special IP, deactivates every address, and removes it from the live set.
func (m *Manager) deleteClient(ctx context.Context, mac [6]byte) {
	client, ok := m.store.get(mac)
	if !ok {
		return
	}

	now := m.clock.Now()
	m.store.moveToOld(client, now, OldClientsKeep)

	if err := m.special.Remove(ctx, client, m.specialAddress(mac)); err != nil {
		m.logger.ErrorContext(ctx, "removing special ip failed", "mac", mac, "err", err)
	}

	for _, ip := range client.Addresses {
		ipstate.SetState(ctx, m.logger, m.clock, m.effectsFor(client), ip, ipstate.Inactive)
	}

	client.LogState(ctx, m.logger)

	client.Addresses = nil
	m.store.delete(mac)
}

// PurgeOldClients discards every old-client record whose retention window
// has elapsed. Intended to be invoked periodically from the task queue.
func (m *Manager) PurgeOldClients(ctx context.Context) {
	n := m.store.purgeOld(m.clock.Now())
	if n > 0 {
		m.logger.DebugContext(ctx, "purged expired old clients", "count", n)
	}
}

// HandleClaim answers a peer's claim for mac: if mac is known (live or
// recently departed), its current info is sent back to sender, and if it
// was a live client it is dropped so ownership moves to the claimant.
func (m *Manager) HandleClaim(ctx context.Context, c intercom.Claim) {
	client, ok := m.store.get(c.MAC)

	old := false
	if !ok {
		client, ok = m.store.getOld(c.MAC)
		old = true
	}

	if !ok {
		return
	}

	m.intercom.SendInfo(ctx, c.Peer, toClientInfo(client), true)

	if !old {
		m.logger.InfoContext(ctx, "dropping client in response to peer claim", "mac", c.MAC, "peer", c.Peer)
		m.deleteClient(ctx, c.MAC)
	}
}

// HandleInfo merges a peer's view of a client into the local client of the
// same MAC, if one exists locally. Addresses the local client doesn't
// already have are added and activated; if the peer is relinquishing
// ownership, the client's special IP is (re)established.
func (m *Manager) HandleInfo(ctx context.Context, i intercom.Info) {
	client, ok := m.store.get(i.Client.MAC)
	if !ok {
		m.logger.DebugContext(ctx, "info for non-local client, discarding", "mac", i.Client.MAC)

		return
	}

	for _, addr := range i.Client.Addresses {
		if client.ip(addr) != nil {
			continue
		}

		m.AddAddress(ctx, addr, i.Client.MAC, m.cfg.IntercomIfindex)
	}

	if i.Relinquish {
		if err := m.special.Add(ctx, client, m.specialAddress(i.Client.MAC)); err != nil {
			m.logger.ErrorContext(ctx, "adding special ip failed", "mac", i.Client.MAC, "err", err)
		}
	}

	client.LogState(ctx, m.logger)
}

// HandleSeek answers a peer's seek for addr if it belongs to a local
// client.
func (m *Manager) HandleSeek(ctx context.Context, s intercom.Seek) {
	client, ok := m.store.isKnownAddress(s.Addr)
	if !ok {
		return
	}

	m.intercom.SendInfo(ctx, s.Peer, toClientInfo(client), false)
}

func toClientInfo(c *Client) (info intercom.ClientInfo) {
	addrs := make([]netip.Addr, 0, len(c.Addresses))
	for _, ip := range c.Addresses {
		addrs = append(addrs, ip.Addr)
	}

	return intercom.ClientInfo{MAC: c.MAC, Addresses: addrs}
}

// specialAddress synthesizes mac's special node-client IPv6 address,
// deterministically allocating its embedded IPv4 address from the
// configured range.
func (m *Manager) specialAddress(mac [6]byte) (addr netip.Addr) {
	v4, err := alloc.Allocate(mac, m.cfg.AllocRange)
	if err != nil {
		m.logger.Error("address range exhausted, falling back to unspecified", "mac", mac, "err", err)
		v4 = netip.IPv4Unspecified()
	}

	return alloc.SpecialIPv6(m.cfg.NodeClientPrefix, mac, v4)
}
