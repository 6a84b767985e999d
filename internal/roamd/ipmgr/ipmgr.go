// Package ipmgr receives packets for unknown destinations from the TUN
// device, buffers them per destination, and runs a seek protocol over both
// the local link (via internal/roamd/neighsolicit) and the peer mesh (via
// internal/roamd/intercom) until either a route appears or the buffered
// packets time out.
package ipmgr

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/AdguardTeam/golibs/validate"
	"github.com/nolifedevel/l3roamd/internal/roamd/taskqueue"
)

// Config tunes the seek protocol's timing.
type Config struct {
	// PacketTimeout is how long a buffered packet is kept before being
	// dropped.
	PacketTimeout time.Duration
	// SeekInterval is the delay between successive seek rounds, and also
	// the grace period an empty, idle entry is kept before being purged.
	SeekInterval time.Duration
}

// type check
var _ validate.Interface = (*Config)(nil)

// Validate implements the [validate.Interface] interface for *Config.
func (c *Config) Validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	}

	var errs []error

	errs = append(errs, validate.NotNegative("c.PacketTimeout", c.PacketTimeout))
	errs = append(errs, validate.NotNegative("c.SeekInterval", c.SeekInterval))

	if c.PacketTimeout == 0 {
		errs = append(errs, fmt.Errorf("c.PacketTimeout: %w", errors.ErrEmptyValue))
	}

	if c.SeekInterval == 0 {
		errs = append(errs, fmt.Errorf("c.SeekInterval: %w", errors.ErrEmptyValue))
	}

	return errors.Join(errs...)
}

// ClientChecker answers questions ipmgr needs about locally-known clients
// without depending on clientmgr directly.
type ClientChecker interface {
	// IsValidAddress reports whether address falls within a configured
	// client prefix.
	IsValidAddress(address netip.Addr) bool
	// IsIPv4 reports whether address is an IPv4-mapped client address.
	IsIPv4(address netip.Addr) bool
	// HasLocalClient reports whether address belongs to a currently-live
	// local client.
	HasLocalClient(address netip.Addr) bool
}

// Prober sends local link-layer discovery probes.
type Prober interface {
	SolicitNeighbor(ctx context.Context, target, srcIP netip.Addr, srcMAC net.HardwareAddr) error
	SolicitARP(ctx context.Context, target, srcIP netip.Addr, srcMAC net.HardwareAddr) error
}

// PeerSeeker asks the mesh whether anyone has seen an address.
type PeerSeeker interface {
	SendSeek(ctx context.Context, addr netip.Addr)
}

// Writer writes a single packet to the TUN device.
type Writer interface {
	Write(p []byte) (int, error)
}

// bufferedPacket is one packet waiting for its destination to be resolved,
// aged independently of every other packet in the same entry.
type bufferedPacket struct {
	data      []byte
	timestamp time.Time
}

// entry is the buffered state for one unknown destination. timestamp tracks
// the last time a packet arrived for this destination, used only to decide
// when an emptied entry itself has gone idle long enough to be dropped.
type entry struct {
	address   netip.Addr
	timestamp time.Time
	packets   []bufferedPacket
}

// Manager is the TUN-packet and seek-protocol core.
type Manager struct {
	logger   *slog.Logger
	cfg      Config
	queue    *taskqueue.Queue
	clients  ClientChecker
	prober   Prober
	peers    PeerSeeker
	tun      Writer
	localSrc netip.Addr
	localV4  netip.Addr
	localMAC net.HardwareAddr

	entries map[netip.Addr]*entry
	output  [][]byte

	clock timeutil.Clock
}

// New returns a ready Manager. localSrc/localV4/localMAC identify this
// node's own interface, used as the source of local discovery probes.
func New(
	logger *slog.Logger,
	cfg Config,
	queue *taskqueue.Queue,
	clients ClientChecker,
	prober Prober,
	peers PeerSeeker,
	tun Writer,
	localSrc, localV4 netip.Addr,
	localMAC net.HardwareAddr,
) (m *Manager) {
	return &Manager{
		logger:   logger,
		cfg:      cfg,
		queue:    queue,
		clients:  clients,
		prober:   prober,
		peers:    peers,
		tun:      tun,
		localSrc: localSrc,
		localV4:  localV4,
		localMAC: localMAC,
		entries:  map[netip.Addr]*entry{},
		clock:    timeutil.SystemClock{},
	}
}

// HandlePacketIn parses one IPv6 packet read from the TUN device and
// buffers it if its destination isn't yet known, starting a seek if this is
// the first packet seen for that destination.
func (m *Manager) HandlePacketIn(ctx context.Context, packet []byte) {
	if len(packet) < 40 {
		return
	}

	if packet[0]&0xf0 != 0x60 {
		return
	}

	dst, ok := netip.AddrFromSlice(packet[24:40])
	if !ok {
		return
	}

	dst = dst.Unmap()

	if dst.As16()[0] == 0xff {
		return
	}

	if !m.clients.IsValidAddress(dst) {
		m.logger.DebugContext(ctx, "packet destination outside client prefixes, ignoring", "dst", dst)

		return
	}

	now := m.clock.Now()

	e, existed := m.entries[dst]
	if !existed {
		e = &entry{address: dst, timestamp: now}
		m.entries[dst] = e
	}

	e.timestamp = now
	e.packets = append(e.packets, bufferedPacket{data: bytes.Clone(packet), timestamp: now})

	if !existed {
		m.SeekAddress(dst)
	}
}

// SeekAddress starts (or restarts) the seek chain for addr: an immediate
// local-discovery round, and a peer seek delayed by SeekInterval.
func (m *Manager) SeekAddress(addr netip.Addr) {
	m.queue.Post(0, func() { m.nsTask(context.Background(), addr) })
	m.queue.Post(m.cfg.SeekInterval, func() { m.seekTask(context.Background(), addr) })
}

// shouldReallySeek reports whether a seek round for destination is still
// justified: there must still be an entry for it (its packet list may be
// empty), and the destination must not already be known locally (which
// would mean the route-appeared path should have drained the entry already).
func (m *Manager) shouldReallySeek(ctx context.Context, destination netip.Addr) bool {
	_, ok := m.entries[destination]
	if !ok {
		m.logger.DebugContext(ctx, "seek task fired with nothing left to deliver", "dst", destination)

		return false
	}

	if m.clients.HasLocalClient(destination) {
		m.logger.ErrorContext(
			ctx,
			"seek task fired for an address known locally with a pending entry; this should not happen",
			"dst", destination,
			"logic_invariant_violation", true,
		)

		return false
	}

	return true
}

// purgeOldPackets drops packets older than PacketTimeout from destination's
// entry, each aged against its own arrival timestamp, and removes the entry
// entirely once it's empty and has been idle for longer than SeekInterval.
func (m *Manager) purgeOldPackets(destination netip.Addr) {
	e, ok := m.entries[destination]
	if !ok {
		return
	}

	now := m.clock.Now()
	cutoff := now.Add(-m.cfg.PacketTimeout)

	kept := e.packets[:0]

	for _, p := range e.packets {
		if p.timestamp.After(cutoff) {
			kept = append(kept, p)
		}
	}

	e.packets = kept

	if len(e.packets) == 0 && !e.timestamp.After(now.Add(-m.cfg.SeekInterval)) {
		delete(m.entries, destination)
	}
}

// nsTask is the local-discovery leg of the seek chain: it purges expired
// packets, probes the local link if a seek is still justified, and
// reschedules itself.
func (m *Manager) nsTask(ctx context.Context, addr netip.Addr) {
	m.purgeOldPackets(addr)

	if !m.shouldReallySeek(ctx, addr) {
		return
	}

	var err error
	if m.clients.IsIPv4(addr) {
		err = m.prober.SolicitARP(ctx, addr, m.localV4, m.localMAC)
	} else {
		err = m.prober.SolicitNeighbor(ctx, addr, m.localSrc, m.localMAC)
	}

	if err != nil {
		m.logger.ErrorContext(ctx, "local discovery probe failed", "dst", addr, "err", err)
	}

	m.queue.Post(m.cfg.SeekInterval, func() { m.nsTask(context.Background(), addr) })
}

// seekTask is the peer-mesh leg of the seek chain: it sends an intercom
// seek if still justified, and reschedules itself.
func (m *Manager) seekTask(ctx context.Context, addr netip.Addr) {
	if !m.shouldReallySeek(ctx, addr) {
		return
	}

	m.peers.SendSeek(ctx, addr)

	m.queue.Post(m.cfg.SeekInterval, func() { m.seekTask(context.Background(), addr) })
}

// RouteAppeared handles a route for destination having been installed: any
// buffered packets move to the output queue and are flushed to the TUN
// device. The daemon in cmd/l3roamd does not call it; packets buffered
// there are only ever dropped by purgeOldPackets.
func (m *Manager) RouteAppeared(ctx context.Context, destination netip.Addr) {
	e, ok := m.entries[destination]
	if !ok {
		return
	}

	for _, p := range e.packets {
		m.output = append(m.output, p.data)
	}

	delete(m.entries, destination)

	m.flushOutput(ctx)
}

// flushOutput writes as many queued packets to the TUN device as it can,
// stopping at and retaining the first one that fails to write.
func (m *Manager) flushOutput(ctx context.Context) {
	for len(m.output) > 0 {
		p := m.output[0]

		_, err := m.tun.Write(p)
		if err != nil {
			m.logger.ErrorContext(ctx, "writing packet to tun failed, will retry", "err", err)

			return
		}

		m.output = m.output[1:]
	}
}

// PendingEntries returns the number of destinations currently being sought,
// for diagnostics and tests.
func (m *Manager) PendingEntries() int {
	return len(m.entries)
}
