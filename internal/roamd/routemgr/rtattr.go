//go:build linux

package routemgr

import (
	"encoding/binary"
)

// rtattr encodes a single netlink route attribute (struct rtattr): a 4-byte
// header (length, type) followed by the value, padded to a 4-byte boundary.
// mdlayher/netlink hands us the raw message body to build ourselves for
// RTM_NEWROUTE/RTM_NEWNEIGH/RTM_NEWADDR, so this mirrors what a thin
// rtnetlink client builds internally.
func rtattr(attrType uint16, value []byte) []byte {
	l := 4 + len(value)
	buf := make([]byte, align4(l))

	binary.NativeEndian.PutUint16(buf[0:2], uint16(l))
	binary.NativeEndian.PutUint16(buf[2:4], attrType)
	copy(buf[4:], value)

	return buf
}

// align4 rounds n up to the next multiple of 4, per NLA_ALIGNTO.
func align4(n int) int {
	return (n + 3) &^ 3
}
