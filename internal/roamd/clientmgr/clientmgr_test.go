package clientmgr

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/testutil/faketime"
	"github.com/nolifedevel/l3roamd/internal/roamd/alloc"
	"github.com/nolifedevel/l3roamd/internal/roamd/intercom"
	"github.com/nolifedevel/l3roamd/internal/roamd/prefix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRoutes struct {
	insertedNeighbors int
	insertedRoutes    int
	removedRoutes     int
	removedNeighbors  int
}

func (f *fakeRoutes) InsertRoute(context.Context, int, uint32, netip.Addr, int) error {
	f.insertedRoutes++

	return nil
}
func (f *fakeRoutes) RemoveRoute(context.Context, int, netip.Addr, int) error {
	f.removedRoutes++

	return nil
}
func (f *fakeRoutes) InsertRoute4(context.Context, int, uint32, netip.Addr) error {
	f.insertedRoutes++

	return nil
}
func (f *fakeRoutes) RemoveRoute4(context.Context, int, netip.Addr) error {
	f.removedRoutes++

	return nil
}
func (f *fakeRoutes) InsertNeighbor(context.Context, uint32, netip.Addr, net.HardwareAddr) error {
	f.insertedNeighbors++

	return nil
}
func (f *fakeRoutes) RemoveNeighbor(context.Context, uint32, netip.Addr, net.HardwareAddr) error {
	f.removedNeighbors++

	return nil
}
func (f *fakeRoutes) InsertNeighbor4(context.Context, uint32, netip.Addr, net.HardwareAddr) error {
	f.insertedNeighbors++

	return nil
}
func (f *fakeRoutes) RemoveNeighbor4(context.Context, uint32, netip.Addr, net.HardwareAddr) error {
	f.removedNeighbors++

	return nil
}
func (f *fakeRoutes) AddAddress(context.Context, netip.Addr) error    { return nil }
func (f *fakeRoutes) RemoveAddress(context.Context, netip.Addr) error { return nil }

type fakeSeeker struct {
	sought []netip.Addr
}

func (s *fakeSeeker) SeekAddress(addr netip.Addr) { s.sought = append(s.sought, addr) }

type fakeSpecial struct {
	added   int
	removed int
}

func (f *fakeSpecial) Add(context.Context, *Client, netip.Addr) error {
	f.added++

	return nil
}

func (f *fakeSpecial) Remove(context.Context, *Client, netip.Addr) error {
	f.removed++

	return nil
}

func testConfig(t *testing.T) (cfg Config) {
	t.Helper()

	p, err := prefix.Parse("fd00:1::/48")
	require.NoError(t, err)

	v4, err := prefix.Parse("fd00:1:ffff::/96")
	require.NoError(t, err)

	return Config{
		Prefixes:         []prefix.Prefix{p},
		V4Prefix:         v4,
		NodeClientPrefix: netip.MustParseAddr("fd00:2::"),
		AllocRange:       alloc.Range{Start: 0x0A000001, End: 0x0A0000FE},
		ExportTable:      42,
		NAT46Ifindex:     3,
	}
}

func newTestManager(t *testing.T) (m *Manager, routes *fakeRoutes, seeker *fakeSeeker, special *fakeSpecial) {
	t.Helper()

	routes = &fakeRoutes{}
	seeker = &fakeSeeker{}
	special = &fakeSpecial{}

	ic, err := intercom.New(slog.Default(), 0, netip.MustParseAddr("::1"), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ic.Close() })

	m = New(slog.Default(), testConfig(t), routes, ic, seeker, special)

	return m, routes, seeker, special
}

func TestAddAddress_freshLocalClient(t *testing.T) {
	m, routes, _, _ := newTestManager(t)
	mac := [6]byte{2, 1, 2, 3, 4, 5}
	addr := netip.MustParseAddr("fd00:1::42")

	m.AddAddress(context.Background(), addr, mac, 7)

	client, ok := m.store.get(mac)
	require.True(t, ok)
	assert.True(t, client.IsActive())
	assert.Equal(t, 1, routes.insertedRoutes)
	assert.GreaterOrEqual(t, routes.insertedNeighbors, 1)
}

func TestAddAddress_thenRemove_deletesClient(t *testing.T) {
	m, _, _, special := newTestManager(t)
	mac := [6]byte{2, 1, 2, 3, 4, 5}
	addr := netip.MustParseAddr("fd00:1::42")

	m.AddAddress(context.Background(), addr, mac, 7)
	m.RemoveAddress(context.Background(), mac, addr)

	_, ok := m.store.get(mac)
	assert.False(t, ok)
	assert.Equal(t, 1, special.removed)

	_, ok = m.store.getOld(mac)
	assert.True(t, ok)
}

func TestNotifyMAC_newClientSeeksSpecialAddress(t *testing.T) {
	m, _, seeker, _ := newTestManager(t)
	mac := [6]byte{2, 1, 2, 3, 4, 5}
	addr := netip.MustParseAddr("fd00:1::42")

	m.AddAddress(context.Background(), addr, mac, 7)
	m.RemoveAddress(context.Background(), mac, addr)

	// Client roams back: notify should not find an active client (it was
	// deleted), so this exercises the get-or-create path for a new client.
	m.NotifyMAC(context.Background(), mac, 9)

	client, ok := m.store.get(mac)
	require.True(t, ok)
	assert.False(t, client.IsActive())
	assert.Contains(t, seeker.sought, m.specialAddress(mac))
}

func TestHandleClaim_respondsAndDropsLiveClient(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	mac := [6]byte{2, 1, 2, 3, 4, 5}
	addr := netip.MustParseAddr("fd00:1::42")

	m.AddAddress(context.Background(), addr, mac, 7)

	m.HandleClaim(context.Background(), intercom.Claim{Peer: netip.MustParseAddr("fd00::9"), MAC: mac})

	_, ok := m.store.get(mac)
	assert.False(t, ok, "live client should be dropped in response to a claim")
}

func TestHandleClaim_unknownMACIsNoop(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	m.HandleClaim(context.Background(), intercom.Claim{
		Peer: netip.MustParseAddr("fd00::9"),
		MAC:  [6]byte{9, 9, 9, 9, 9, 9},
	})
}

func TestHandleInfo_mergesAddressesForLocalClient(t *testing.T) {
	m, _, _, special := newTestManager(t)
	mac := [6]byte{2, 1, 2, 3, 4, 5}
	addr := netip.MustParseAddr("fd00:1::42")
	other := netip.MustParseAddr("fd00:1::43")

	m.AddAddress(context.Background(), addr, mac, 7)

	m.HandleInfo(context.Background(), intercom.Info{
		Peer:       netip.MustParseAddr("fd00::9"),
		Client:     intercom.ClientInfo{MAC: mac, Addresses: []netip.Addr{addr, other}},
		Relinquish: true,
	})

	client, ok := m.store.get(mac)
	require.True(t, ok)
	assert.NotNil(t, client.ip(other))
	assert.Equal(t, 1, special.added)
}

func TestHandleInfo_discardsForUnknownClient(t *testing.T) {
	m, _, _, special := newTestManager(t)

	m.HandleInfo(context.Background(), intercom.Info{
		Peer:       netip.MustParseAddr("fd00::9"),
		Client:     intercom.ClientInfo{MAC: [6]byte{9, 9, 9, 9, 9, 9}},
		Relinquish: true,
	})

	assert.Equal(t, 0, special.added)
}

func TestPurgeOldClients(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	mac := [6]byte{2, 1, 2, 3, 4, 5}
	addr := netip.MustParseAddr("fd00:1::42")

	m.AddAddress(context.Background(), addr, mac, 7)
	m.RemoveAddress(context.Background(), mac, addr)

	future := time.Now().Add(OldClientsKeep + time.Second)
	m.clock = &faketime.Clock{OnNow: func() time.Time { return future }}

	m.PurgeOldClients(context.Background())

	_, ok := m.store.getOld(mac)
	assert.False(t, ok)
}
