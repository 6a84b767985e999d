// Package prefix implements the IP-prefix value type used throughout
// l3roamd to describe client address ranges.
package prefix

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
)

// errMalformed is returned when a prefix string cannot be parsed.
const errMalformed errors.Error = "malformed prefix"

// errPlenRange is returned when the prefix length is out of range for the
// address family.
const errPlenRange errors.Error = "prefix length out of range"

// Prefix is an IPv6 address together with a bit length and a flag marking it
// as semantically representing an IPv4 prefix mapped into IPv6.
//
// Addr is always stored in its 16-byte IPv6 form; IsV4 records whether the
// prefix was given as an IPv4 or IPv4-mapped address. clientmgr.IsIPv4 does
// not read IsV4: it tests membership of the configured V4Prefix.
type Prefix struct {
	Addr netip.Addr
	Plen int
	IsV4 bool
}

// Parse accepts a prefix in "addr/plen" textual form. It returns an error if
// str is malformed or plen is out of range for the address family.
func Parse(str string) (p Prefix, err error) {
	slash := strings.LastIndexByte(str, '/')
	if slash < 0 {
		return Prefix{}, fmt.Errorf("parsing prefix %q: %w", str, errMalformed)
	}

	addrStr, plenStr := str[:slash], str[slash+1:]

	addr, err := netip.ParseAddr(addrStr)
	if err != nil {
		return Prefix{}, fmt.Errorf("parsing prefix %q: %w", str, errMalformed)
	}

	plen, err := strconv.Atoi(plenStr)
	if err != nil {
		return Prefix{}, fmt.Errorf("parsing prefix %q: %w", str, errMalformed)
	}

	isV4 := addr.Is4() || addr.Is4In6()
	maxPlen := 128
	if isV4 && addr.Is4() {
		maxPlen = 32
	}

	if plen < 0 || plen > maxPlen {
		return Prefix{}, fmt.Errorf("parsing prefix %q: %w", str, errPlenRange)
	}

	if addr.Is4() {
		addr = netip.AddrFrom16(addr.As16())
		plen += 96
	}

	return Prefix{Addr: addr, Plen: plen, IsV4: isV4}, nil
}

// Contains compares the first p.Plen bits of addr against p.Addr. addr is
// compared in its 16-byte form regardless of how it was constructed.
func (p Prefix) Contains(addr netip.Addr) bool {
	if addr.Is4() {
		addr = netip.AddrFrom16(addr.As16())
	}

	a := p.Addr.As16()
	b := addr.As16()

	fullBytes := p.Plen / 8
	for i := 0; i < fullBytes; i++ {
		if a[i] != b[i] {
			return false
		}
	}

	remBits := p.Plen % 8
	if remBits == 0 {
		return true
	}

	mask := byte(0xff << (8 - remBits))

	return a[fullBytes]&mask == b[fullBytes]&mask
}

// String returns the canonical "addr/plen" representation of p.
func (p Prefix) String() string {
	return fmt.Sprintf("%s/%d", p.Addr, p.Plen)
}
