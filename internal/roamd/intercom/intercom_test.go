package intercom

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	claims []Claim
	infos  []Info
	seeks  []Seek
}

func (r *recordingHandler) HandleClaim(_ context.Context, c Claim) { r.claims = append(r.claims, c) }
func (r *recordingHandler) HandleInfo(_ context.Context, i Info)   { r.infos = append(r.infos, i) }
func (r *recordingHandler) HandleSeek(_ context.Context, s Seek)   { r.seeks = append(r.seeks, s) }

func TestDispatch_claim(t *testing.T) {
	h := &recordingHandler{}
	b := &Bus{handler: h}
	mac := [6]byte{0x02, 0xaa, 0xbb, 0xcc, 0xdd, 0xee}

	msg := make([]byte, 7)
	msg[0] = kindClaim
	copy(msg[1:], mac[:])

	peer := netip.MustParseAddr("fd00::1")
	require.NoError(t, b.dispatch(context.Background(), peer, msg))

	require.Len(t, h.claims, 1)
	assert.Equal(t, mac, h.claims[0].MAC)
	assert.Equal(t, peer, h.claims[0].Peer)
}

func TestDispatch_info(t *testing.T) {
	h := &recordingHandler{}
	b := &Bus{handler: h}
	mac := [6]byte{1, 2, 3, 4, 5, 6}
	addr := netip.MustParseAddr("fd00:1::2")

	info := ClientInfo{MAC: mac, Addresses: []netip.Addr{addr}}
	msg := make([]byte, 1+6+1+1+16)
	msg[0] = kindInfo
	copy(msg[1:7], mac[:])
	msg[7] = 1
	msg[8] = 1
	a16 := addr.As16()
	copy(msg[9:25], a16[:])

	peer := netip.MustParseAddr("fd00::1")
	require.NoError(t, b.dispatch(context.Background(), peer, msg))

	require.Len(t, h.infos, 1)
	assert.True(t, h.infos[0].Relinquish)
	assert.Equal(t, info.MAC, h.infos[0].Client.MAC)
	assert.Equal(t, []netip.Addr{addr}, h.infos[0].Client.Addresses)
}

func TestDispatch_seek(t *testing.T) {
	h := &recordingHandler{}
	b := &Bus{handler: h}
	addr := netip.MustParseAddr("fd00:1::2")

	msg := make([]byte, 17)
	msg[0] = kindSeek
	a16 := addr.As16()
	copy(msg[1:], a16[:])

	peer := netip.MustParseAddr("fd00::1")
	require.NoError(t, b.dispatch(context.Background(), peer, msg))

	require.Len(t, h.seeks, 1)
	assert.Equal(t, addr, h.seeks[0].Addr)
}

func TestDispatch_shortMessage(t *testing.T) {
	h := &recordingHandler{}
	b := &Bus{handler: h}

	err := b.dispatch(context.Background(), netip.MustParseAddr("fd00::1"), []byte{kindClaim, 1, 2})
	assert.ErrorIs(t, err, errShortMessage)
}

func TestDispatch_unknownKind(t *testing.T) {
	h := &recordingHandler{}
	b := &Bus{handler: h}

	err := b.dispatch(context.Background(), netip.MustParseAddr("fd00::1"), []byte{0xff})
	assert.ErrorIs(t, err, errUnknownKind)
}
