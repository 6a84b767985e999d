//go:build linux

// Package tun opens and configures the TUN device l3roamd reads packets
// for unknown destinations from.
package tun

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const devNetTun = "/dev/net/tun"

// ifReq mirrors struct ifreq from <net/if.h>, trimmed to the fields the TUN
// ioctls need. IFNAMSIZ is 16.
type ifReq struct {
	name  [unix.IFNAMSIZ]byte
	flags uint16
	_     [22]byte
}

// Device is an open, configured TUN interface.
type Device struct {
	file *os.File
	Name string
}

// Open creates (or attaches to) a TUN device named ifname (empty lets the
// kernel pick a name), sets its MTU, and brings it up as
// point-to-point/multicast/no-ARP, matching the flags a host route to a
// roamed-to client needs.
func Open(ifname string, mtu int) (d *Device, err error) {
	file, err := os.OpenFile(devNetTun, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", devNetTun, err)
	}

	var req ifReq
	copy(req.name[:], ifname)
	req.flags = unix.IFF_TUN | unix.IFF_NO_PI

	if err = ioctl(file.Fd(), unix.TUNSETIFF, &req); err != nil {
		file.Close()

		return nil, fmt.Errorf("TUNSETIFF: %w", err)
	}

	name := nullTerminatedString(req.name[:])

	ctl, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		file.Close()

		return nil, fmt.Errorf("opening control socket: %w", err)
	}
	defer unix.Close(ctl)

	if err = setMTU(ctl, name, mtu); err != nil {
		file.Close()

		return nil, err
	}

	if err = bringUp(ctl, name); err != nil {
		file.Close()

		return nil, err
	}

	return &Device{file: file, Name: name}, nil
}

// Read reads one packet from the TUN device into p.
func (d *Device) Read(p []byte) (n int, err error) {
	return d.file.Read(p)
}

// Write writes one packet to the TUN device.
func (d *Device) Write(p []byte) (n int, err error) {
	return d.file.Write(p)
}

// Close closes the underlying file descriptor.
func (d *Device) Close() (err error) {
	return d.file.Close()
}

// Fd returns the raw file descriptor, for multiplexing in an event loop.
func (d *Device) Fd() uintptr {
	return d.file.Fd()
}

func ioctl(fd uintptr, req uint, arg *ifReq) (err error) {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(req), uintptr(unsafe.Pointer(arg)))
	if errno != 0 {
		return errno
	}

	return nil
}

// ifreqMTU mirrors struct ifreq with an ifr_mtu field instead of ifr_flags.
type ifreqMTU struct {
	name [unix.IFNAMSIZ]byte
	mtu  int32
	_    [20]byte
}

func setMTU(ctlFD int, name string, mtu int) (err error) {
	var req ifreqMTU
	copy(req.name[:], name)
	req.mtu = int32(mtu)

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(ctlFD), uintptr(unix.SIOCSIFMTU), uintptr(unsafe.Pointer(&req)))
	if errno != 0 {
		return fmt.Errorf("SIOCSIFMTU: %w", errno)
	}

	return nil
}

func bringUp(ctlFD int, name string) (err error) {
	var req ifReq
	copy(req.name[:], name)
	req.flags = unix.IFF_UP | unix.IFF_RUNNING | unix.IFF_MULTICAST | unix.IFF_NOARP | unix.IFF_POINTOPOINT

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(ctlFD), uintptr(unix.SIOCSIFFLAGS), uintptr(unsafe.Pointer(&req)))
	if errno != 0 {
		return fmt.Errorf("SIOCSIFFLAGS: %w", errno)
	}

	return nil
}

func nullTerminatedString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}

	return string(b)
}
