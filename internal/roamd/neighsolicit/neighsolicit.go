//go:build linux

// Package neighsolicit sends the link-layer probes the IP manager uses to
// find out whether an address is actually reachable on a local interface
// before believing a client has roamed back: ICMPv6 Neighbor Solicitation
// for IPv6 destinations and ARP requests for IPv4 destinations.
package neighsolicit

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mdlayher/packet"
	"golang.org/x/sys/unix"
)

// solicitedNodeMulticast derives the solicited-node multicast MAC and IPv6
// address for target, per RFC 4861 §4.3.
func solicitedNodeMulticast(target netip.Addr) (ip netip.Addr, mac net.HardwareAddr) {
	b := target.As16()

	multicastBytes := [16]byte{0xff, 0x02}
	multicastBytes[11] = 0x01
	multicastBytes[12] = 0xff
	multicastBytes[13] = b[13]
	multicastBytes[14] = b[14]
	multicastBytes[15] = b[15]

	mac = net.HardwareAddr{0x33, 0x33, multicastBytes[12], multicastBytes[13], multicastBytes[14], multicastBytes[15]}

	return netip.AddrFrom16(multicastBytes), mac
}

// Sender transmits neighbor-discovery probes over a raw link-layer socket
// bound to a single interface.
type Sender struct {
	logger *slog.Logger
	iface  *net.Interface
	conn   net.PacketConn
}

// New opens a raw AF_PACKET socket on iface for sending link-layer frames.
// The socket is bound to all ethertypes since this sender writes both
// ICMPv6 and ARP frames.
func New(logger *slog.Logger, iface *net.Interface) (s *Sender, err error) {
	conn, err := packet.Listen(iface, packet.Raw, unix.ETH_P_ALL, nil)
	if err != nil {
		return nil, fmt.Errorf("opening raw socket on %s: %w", iface.Name, err)
	}

	return &Sender{logger: logger, iface: iface, conn: conn}, nil
}

// Close releases the underlying raw socket.
func (s *Sender) Close() (err error) {
	return s.conn.Close()
}

// SolicitNeighbor sends an ICMPv6 Neighbor Solicitation for target, asking
// whether any host on the interface currently owns it. srcIP and srcMAC
// identify this host as the sender.
func (s *Sender) SolicitNeighbor(ctx context.Context, target, srcIP netip.Addr, srcMAC net.HardwareAddr) (err error) {
	dstIP, dstMAC := solicitedNodeMulticast(target)

	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv6,
	}

	ip6 := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolICMPv6,
		HopLimit:   255,
		SrcIP:      srcIP.AsSlice(),
		DstIP:      dstIP.AsSlice(),
	}

	icmp6 := &layers.ICMPv6{
		TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeNeighborSolicitation, 0),
	}
	_ = icmp6.SetNetworkLayerForChecksum(ip6)

	ns := &layers.ICMPv6NeighborSolicitation{
		TargetAddress: target.AsSlice(),
		Options: layers.ICMPv6Options{
			{
				Type: layers.ICMPv6OptSourceAddress,
				Data: srcMAC,
			},
		},
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	err = gopacket.SerializeLayers(buf, opts, eth, ip6, icmp6, ns)
	if err != nil {
		return fmt.Errorf("serializing neighbor solicitation: %w", err)
	}

	_, err = s.conn.WriteTo(buf.Bytes(), &packet.Addr{HardwareAddr: dstMAC})
	if err != nil {
		s.logger.ErrorContext(ctx, "sending neighbor solicitation failed", "target", target, "err", err)

		return err
	}

	return nil
}

// SolicitARP sends a broadcast ARP request for target, used for IPv4
// destinations.
func (s *Sender) SolicitARP(ctx context.Context, target, srcIP netip.Addr, srcMAC net.HardwareAddr) (err error) {
	broadcast := net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       broadcast,
		EthernetType: layers.EthernetTypeARP,
	}

	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   srcMAC,
		SourceProtAddress: srcIP.AsSlice(),
		DstHwAddress:      net.HardwareAddr{0, 0, 0, 0, 0, 0},
		DstProtAddress:    target.AsSlice(),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}

	err = gopacket.SerializeLayers(buf, opts, eth, arp)
	if err != nil {
		return fmt.Errorf("serializing arp request: %w", err)
	}

	_, err = s.conn.WriteTo(buf.Bytes(), &packet.Addr{HardwareAddr: broadcast})
	if err != nil {
		s.logger.ErrorContext(ctx, "sending arp request failed", "target", target, "err", err)

		return err
	}

	return nil
}
