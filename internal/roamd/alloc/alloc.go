// Package alloc implements deterministic per-MAC IPv4 address allocation
// and special-IPv6 synthesis.
package alloc

import (
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
)

// ErrExhausted is returned by Allocate when no acceptable address could be
// found within two full passes over the configured range.
const ErrExhausted errors.Error = "address range exhausted"

// Range is an inclusive IPv4 address range used for deterministic
// allocation.
type Range struct {
	Start uint32 // host byte order
	End   uint32 // host byte order
}

// sdbm hashes mac using the SDBM recurrence: h = byte + (h<<6) + (h<<16) - h.
// A hash of zero is remapped to one since zero is used as an internal marker.
func sdbm(mac [6]byte) uint32 {
	var h uint32
	for _, b := range mac {
		h = uint32(b) + (h << 6) + (h << 16) - h
	}

	if h == 0 {
		h = 1
	}

	return h
}

// acceptable reports whether the last octet of addr (host byte order) is
// neither 0x00 nor 0xff — such addresses are reserved the way dnsmasq
// reserves them and are never allocated.
func acceptable(addr uint32) bool {
	last := addr & 0xff

	return last != 0x00 && last != 0xff
}

// Allocate deterministically picks an IPv4 address for mac within r. The
// same mac always yields the same address for a given r, so restarts don't
// reshuffle existing leases. It runs at most two full wrap-around passes over
// r before giving up with ErrExhausted.
func Allocate(mac [6]byte, r Range) (addr netip.Addr, err error) {
	span := r.End - r.Start + 1

	h := sdbm(mac)
	start := r.Start + (h % span)

	for pass := 0; pass < 2; pass++ {
		cur := start

		for {
			if acceptable(cur) {
				return netip.AddrFrom4([4]byte{
					byte(cur >> 24), byte(cur >> 16), byte(cur >> 8), byte(cur),
				}), nil
			}

			if cur == r.End {
				cur = r.Start
			} else {
				cur++
			}

			if cur == start {
				break
			}
		}
	}

	return netip.Addr{}, ErrExhausted
}

// SpecialIPv6 synthesizes the per-client special address: the first 6 bytes
// of nodeClientPrefix, the 6 bytes of mac, and the 4 bytes of v4 written in
// little-endian order into positions 12-15. This byte order is a
// wire-compatibility requirement of deployed peers and must not be "fixed"
// to big-endian.
func SpecialIPv6(nodeClientPrefix netip.Addr, mac [6]byte, v4 netip.Addr) (addr netip.Addr) {
	b := nodeClientPrefix.As16()

	copy(b[6:12], mac[:])

	v4b := v4.As4()
	v4u := uint32(v4b[0])<<24 | uint32(v4b[1])<<16 | uint32(v4b[2])<<8 | uint32(v4b[3])
	for i := 0; i < 4; i++ {
		b[12+i] = byte(v4u >> (i * 8))
	}

	return netip.AddrFrom16(b)
}
