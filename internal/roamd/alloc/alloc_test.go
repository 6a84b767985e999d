package alloc_test

import (
	"net/netip"
	"testing"

	"github.com/nolifedevel/l3roamd/internal/roamd/alloc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAddr(s string) uint32 {
	a := netip.MustParseAddr(s).As4()

	return uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
}

func TestAllocate_deterministic(t *testing.T) {
	mac := [6]byte{0x02, 0xaa, 0xbb, 0xcc, 0xdd, 0xee}
	r := alloc.Range{Start: mustAddr("10.0.0.10"), End: mustAddr("10.0.0.20")}

	a1, err := alloc.Allocate(mac, r)
	require.NoError(t, err)

	a2, err := alloc.Allocate(mac, r)
	require.NoError(t, err)

	assert.Equal(t, a1, a2, "allocation must be a pure function of (mac, start, end)")
	assert.True(t, a1.Is4())

	last := a1.As4()[3]
	assert.NotEqual(t, byte(0x00), last)
	assert.NotEqual(t, byte(0xff), last)
}

func TestAllocate_skipsReservedOctets(t *testing.T) {
	mac := [6]byte{0, 0, 0, 0, 0, 0}
	r := alloc.Range{Start: mustAddr("10.0.0.0"), End: mustAddr("10.0.0.255")}

	for i := 0; i < 50; i++ {
		mac[0] = byte(i)
		a, err := alloc.Allocate(mac, r)
		require.NoError(t, err)

		last := a.As4()[3]
		assert.NotEqual(t, byte(0x00), last)
		assert.NotEqual(t, byte(0xff), last)
	}
}

func TestAllocate_exhausted(t *testing.T) {
	r := alloc.Range{Start: mustAddr("10.0.0.0"), End: mustAddr("10.0.0.0")}

	_, err := alloc.Allocate([6]byte{1, 2, 3, 4, 5, 6}, r)
	assert.ErrorIs(t, err, alloc.ErrExhausted)
}

func TestSpecialIPv6(t *testing.T) {
	prefix := netip.MustParseAddr("fd00:1:2::")
	mac := [6]byte{0x02, 0xaa, 0xbb, 0xcc, 0xdd, 0xee}
	v4 := netip.MustParseAddr("10.0.0.15")

	got := alloc.SpecialIPv6(prefix, mac, v4)
	want := netip.MustParseAddr("fd00:1:2:2aa:bbcc:ddee:f00:a")

	assert.Equal(t, want, got)
}
