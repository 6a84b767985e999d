package prefix_test

import (
	"net/netip"
	"testing"

	"github.com/nolifedevel/l3roamd/internal/roamd/prefix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("ipv6", func(t *testing.T) {
		p, err := prefix.Parse("fd00:1::/64")
		require.NoError(t, err)
		assert.Equal(t, 64, p.Plen)
		assert.False(t, p.IsV4)
	})

	t.Run("ipv4", func(t *testing.T) {
		p, err := prefix.Parse("10.0.0.0/24")
		require.NoError(t, err)
		assert.True(t, p.IsV4)
		assert.Equal(t, 96+24, p.Plen)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := prefix.Parse("not-a-prefix")
		assert.Error(t, err)
	})

	t.Run("plen out of range", func(t *testing.T) {
		_, err := prefix.Parse("fd00::/200")
		assert.Error(t, err)

		_, err = prefix.Parse("10.0.0.0/40")
		assert.Error(t, err)
	})
}

func TestPrefix_Contains(t *testing.T) {
	t.Run("zero plen accepts everything", func(t *testing.T) {
		p, err := prefix.Parse("::/0")
		require.NoError(t, err)

		assert.True(t, p.Contains(netip.MustParseAddr("2001:db8::1")))
		assert.True(t, p.Contains(netip.MustParseAddr("::")))
	})

	t.Run("128 plen accepts only exact address", func(t *testing.T) {
		p, err := prefix.Parse("fd00:1::42/128")
		require.NoError(t, err)

		assert.True(t, p.Contains(netip.MustParseAddr("fd00:1::42")))
		assert.False(t, p.Contains(netip.MustParseAddr("fd00:1::43")))
	})

	t.Run("non-aligned plen", func(t *testing.T) {
		p, err := prefix.Parse("fd00:1::/57")
		require.NoError(t, err)

		assert.True(t, p.Contains(netip.MustParseAddr("fd00:1::1")))
		assert.False(t, p.Contains(netip.MustParseAddr("fd00:1:0:200::1")))
	})
}
