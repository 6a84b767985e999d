//go:build linux

package clientmgr

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/nolifedevel/l3roamd/internal/roamd/routemgr"
	"golang.org/x/sys/unix"
)

// SpecialIPManager opens and closes the per-client special address and its
// freebound intercom listening socket.
type SpecialIPManager struct {
	logger *slog.Logger
	routes routemgr.Interface
	port   int
}

var _ SpecialIP = (*SpecialIPManager)(nil)

// NewSpecialIPManager returns a SpecialIPManager backed by routes, binding
// each client's special address to the given intercom port.
func NewSpecialIPManager(logger *slog.Logger, routes routemgr.Interface, port int) (s *SpecialIPManager) {
	return &SpecialIPManager{logger: logger, routes: routes, port: port}
}

// Add installs address as a host-scope address and binds a freebound,
// non-blocking UDP socket to it for intercom traffic, storing the socket on
// client. A no-op if client already has one.
func (s *SpecialIPManager) Add(ctx context.Context, client *Client, address netip.Addr) (err error) {
	if client.NodeIPInitialized {
		s.logger.DebugContext(ctx, "special ip already initialized", "mac", client.MAC)

		return nil
	}

	if err = s.routes.AddAddress(ctx, address); err != nil {
		return fmt.Errorf("adding special address: %w", err)
	}

	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("creating intercom socket: %w", err)
	}

	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)

		return fmt.Errorf("SO_REUSEADDR: %w", err)
	}

	if err = unix.SetsockoptInt(fd, unix.SOL_IP, unix.IP_FREEBIND, 1); err != nil {
		unix.Close(fd)

		return fmt.Errorf("IP_FREEBIND: %w", err)
	}

	sa := &unix.SockaddrInet6{Port: s.port, Addr: address.As16()}
	if err = unix.Bind(fd, sa); err != nil {
		unix.Close(fd)

		return fmt.Errorf("binding to special address: %w", err)
	}

	client.SpecialFD = fd
	client.NodeIPInitialized = true

	return nil
}

// Remove closes client's intercom socket and removes address from the
// interface.
func (s *SpecialIPManager) Remove(ctx context.Context, client *Client, address netip.Addr) (err error) {
	if client.SpecialFD >= 0 {
		if cerr := unix.Close(client.SpecialFD); cerr != nil {
			s.logger.WarnContext(ctx, "closing special ip socket failed", "mac", client.MAC, "err", cerr)
		}

		client.SpecialFD = -1
	}

	client.NodeIPInitialized = false

	if err = s.routes.RemoveAddress(ctx, address); err != nil {
		return fmt.Errorf("removing special address: %w", err)
	}

	return nil
}
