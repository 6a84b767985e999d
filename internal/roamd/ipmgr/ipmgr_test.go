package ipmgr

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/nolifedevel/l3roamd/internal/roamd/taskqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_validate(t *testing.T) {
	require.NoError(t, (&Config{PacketTimeout: time.Minute, SeekInterval: 5 * time.Second}).Validate())
	require.Error(t, (&Config{SeekInterval: 5 * time.Second}).Validate())
	require.Error(t, (&Config{PacketTimeout: time.Minute}).Validate())
}

type fakeClients struct {
	valid bool
	ipv4  bool
	known bool
}

func (f *fakeClients) IsValidAddress(netip.Addr) bool { return f.valid }
func (f *fakeClients) IsIPv4(netip.Addr) bool         { return f.ipv4 }
func (f *fakeClients) HasLocalClient(netip.Addr) bool { return f.known }

type fakeProber struct {
	neighborCalls int
	arpCalls      int
}

func (f *fakeProber) SolicitNeighbor(context.Context, netip.Addr, netip.Addr, net.HardwareAddr) error {
	f.neighborCalls++

	return nil
}

func (f *fakeProber) SolicitARP(context.Context, netip.Addr, netip.Addr, net.HardwareAddr) error {
	f.arpCalls++

	return nil
}

type fakePeers struct {
	sought []netip.Addr
}

func (f *fakePeers) SendSeek(_ context.Context, addr netip.Addr) {
	f.sought = append(f.sought, addr)
}

type fakeWriter struct {
	written  [][]byte
	failNext bool
}

func (f *fakeWriter) Write(p []byte) (int, error) {
	if f.failNext {
		f.failNext = false

		return 0, assertErr
	}

	f.written = append(f.written, append([]byte(nil), p...))

	return len(p), nil
}

var assertErr = shortErr("write failed")

type shortErr string

func (e shortErr) Error() string { return string(e) }

func newTestManager(t *testing.T) (m *Manager, clients *fakeClients, prober *fakeProber, peers *fakePeers, w *fakeWriter) {
	t.Helper()

	clients = &fakeClients{valid: true}
	prober = &fakeProber{}
	peers = &fakePeers{}
	w = &fakeWriter{}

	cfg := Config{PacketTimeout: time.Minute, SeekInterval: 5 * time.Second}
	q := taskqueue.New(slog.Default())

	m = New(
		slog.Default(),
		cfg,
		q,
		clients,
		prober,
		peers,
		w,
		netip.MustParseAddr("fd00::1"),
		netip.MustParseAddr("10.0.0.1"),
		net.HardwareAddr{1, 2, 3, 4, 5, 6},
	)

	return m, clients, prober, peers, w
}

func v6Packet(dst netip.Addr) []byte {
	p := make([]byte, 40)
	p[0] = 0x60
	d16 := dst.As16()
	copy(p[24:40], d16[:])

	return p
}

func TestHandlePacketIn_newDestinationStartsSeek(t *testing.T) {
	m, _, prober, peers, _ := newTestManager(t)
	dst := netip.MustParseAddr("fd00:1::42")

	m.HandlePacketIn(context.Background(), v6Packet(dst))

	assert.Equal(t, 1, m.PendingEntries())

	// the immediate nsTask is due now; drain it.
	m.queue.Run(immediatelyCanceledContext())

	assert.Equal(t, 1, prober.neighborCalls)
	assert.Empty(t, peers.sought, "peer seek is delayed, shouldn't have fired yet")
}

func TestHandlePacketIn_ignoresMulticast(t *testing.T) {
	m, _, _, _, _ := newTestManager(t)
	dst := netip.MustParseAddr("ff02::1")

	m.HandlePacketIn(context.Background(), v6Packet(dst))

	assert.Equal(t, 0, m.PendingEntries())
}

func TestHandlePacketIn_ignoresInvalidAddress(t *testing.T) {
	m, clients, _, _, _ := newTestManager(t)
	clients.valid = false
	dst := netip.MustParseAddr("fd00:1::42")

	m.HandlePacketIn(context.Background(), v6Packet(dst))

	assert.Equal(t, 0, m.PendingEntries())
}

func TestShouldReallySeek_falseWhenKnownLocally(t *testing.T) {
	m, clients, _, _, _ := newTestManager(t)
	dst := netip.MustParseAddr("fd00:1::42")

	m.HandlePacketIn(context.Background(), v6Packet(dst))
	clients.known = true

	assert.False(t, m.shouldReallySeek(context.Background(), dst))
}

func TestShouldReallySeek_falseWhenNoEntry(t *testing.T) {
	m, _, _, _, _ := newTestManager(t)
	dst := netip.MustParseAddr("fd00:1::42")

	assert.False(t, m.shouldReallySeek(context.Background(), dst))
}

func TestPurgeOldPackets_dropsExpiredEntry(t *testing.T) {
	m, _, _, _, _ := newTestManager(t)
	dst := netip.MustParseAddr("fd00:1::42")

	m.HandlePacketIn(context.Background(), v6Packet(dst))

	e := m.entries[dst]
	e.timestamp = time.Now().Add(-2 * m.cfg.SeekInterval)
	e.packets = nil

	m.purgeOldPackets(dst)

	assert.Equal(t, 0, m.PendingEntries())
}

func TestRouteAppeared_flushesBufferedPacketsToTun(t *testing.T) {
	m, _, _, _, w := newTestManager(t)
	dst := netip.MustParseAddr("fd00:1::42")

	m.HandlePacketIn(context.Background(), v6Packet(dst))
	m.HandlePacketIn(context.Background(), v6Packet(dst))

	m.RouteAppeared(context.Background(), dst)

	assert.Equal(t, 0, m.PendingEntries())
	assert.Len(t, w.written, 2)
}

func TestRouteAppeared_unknownDestinationIsNoop(t *testing.T) {
	m, _, _, _, w := newTestManager(t)

	m.RouteAppeared(context.Background(), netip.MustParseAddr("fd00:1::99"))

	assert.Empty(t, w.written)
}

func TestFlushOutput_stopsAtFirstFailureAndRetainsIt(t *testing.T) {
	m, _, _, _, w := newTestManager(t)
	dst := netip.MustParseAddr("fd00:1::42")

	m.HandlePacketIn(context.Background(), v6Packet(dst))
	m.HandlePacketIn(context.Background(), v6Packet(dst))

	w.failNext = true
	m.RouteAppeared(context.Background(), dst)

	require.Len(t, w.written, 0)
	assert.Len(t, m.output, 2)

	m.flushOutput(context.Background())
	assert.Len(t, w.written, 2)
	assert.Empty(t, m.output)
}

// immediatelyCanceledContext returns a context that's already canceled, so
// Queue.Run drains whatever is already due and returns without blocking.
func immediatelyCanceledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	return ctx
}
