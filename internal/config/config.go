// Package config loads and validates l3roamd's on-disk YAML configuration
// and translates it into the concrete *.Config values each collaborator
// package expects.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/validate"
	"github.com/nolifedevel/l3roamd/internal/roamd/alloc"
	"github.com/nolifedevel/l3roamd/internal/roamd/clientmgr"
	"github.com/nolifedevel/l3roamd/internal/roamd/ipmgr"
	"github.com/nolifedevel/l3roamd/internal/roamd/metrics"
	"github.com/nolifedevel/l3roamd/internal/roamd/prefix"
	"github.com/nolifedevel/l3roamd/internal/rlog"
	"gopkg.in/yaml.v3"
)

// File is the root of the on-disk YAML configuration. Its fields use plain
// strings for values (prefixes, durations) that need parsing, so that this
// is the only package that must understand the textual config format; every
// other package consumes already-typed Go values.
type File struct {
	// TUNInterface is the name the TUN device is created or attached under.
	TUNInterface string `yaml:"tun_interface"`
	// MTU is the TUN device's MTU.
	MTU int `yaml:"mtu"`
	// ClientInterface is the client-facing link l3roamd sends ICMPv6
	// neighbor solicitations and ARP requests on.
	ClientInterface string `yaml:"client_interface"`
	// PIDFile is the path l3roamd writes its PID to, if non-empty.
	PIDFile string `yaml:"pid_file"`

	// Log configures the ambient logger.
	Log rlog.Config `yaml:"log"`
	// Metrics configures the Prometheus endpoint.
	Metrics metrics.Config `yaml:"metrics"`

	// Intercom configures the peer gossip transport.
	Intercom IntercomFile `yaml:"intercom"`

	// ClientPrefixes are the IPv6 client prefixes in "addr/plen" form.
	ClientPrefixes []string `yaml:"client_prefixes"`
	// V4Prefix is the IPv4-mapped client prefix in "addr/plen" form.
	V4Prefix string `yaml:"v4_prefix"`
	// NodeClientPrefix is the prefix special node-client addresses are
	// synthesized under.
	NodeClientPrefix string `yaml:"node_client_prefix"`
	// AllocRangeStart and AllocRangeEnd bound the deterministic per-MAC
	// IPv4 allocation range, each as a dotted-quad address.
	AllocRangeStart string `yaml:"alloc_range_start"`
	AllocRangeEnd   string `yaml:"alloc_range_end"`
	// ExportTable is the kernel routing table l3roamd installs routes into.
	ExportTable int `yaml:"export_table"`
	// NAT46Ifindex is the interface index of the NAT46 translation device.
	NAT46Ifindex uint32 `yaml:"nat46_ifindex"`

	// PacketTimeout and SeekInterval tune the unknown-destination seek
	// protocol, given as Go duration strings (e.g. "30s").
	PacketTimeout string `yaml:"packet_timeout"`
	SeekInterval  string `yaml:"seek_interval"`
}

// IntercomFile configures the peer gossip transport.
type IntercomFile struct {
	// Port is the UDP port intercom listens on and sends to.
	Port int `yaml:"port"`
	// Self is this node's own intercom address.
	Self string `yaml:"self"`
	// Peers are the intercom addresses of every other mesh node.
	Peers []string `yaml:"peers"`
}

// Load reads and YAML-decodes the file at path.
func Load(path string) (f *File, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	f = &File{}
	if err = yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return f, nil
}

// Resolved holds the typed configuration every collaborator constructor
// needs, built from a validated [File].
type Resolved struct {
	TUNInterface    string
	MTU             int
	ClientInterface string
	PIDFile         string
	Log           rlog.Config
	Metrics       metrics.Config
	IntercomPort  int
	IntercomSelf  netip.Addr
	IntercomPeers []netip.Addr
	ClientMgr     clientmgr.Config
	IPMgr         ipmgr.Config
}

// Resolve validates f and converts it into a [Resolved] config tree, or
// returns a joined error describing every problem found.
func (f *File) Resolve() (r *Resolved, err error) {
	if f == nil {
		return nil, errors.ErrNoValue
	}

	var errs []error

	prefixes := make([]prefix.Prefix, 0, len(f.ClientPrefixes))
	for _, s := range f.ClientPrefixes {
		p, pErr := prefix.Parse(s)
		if pErr != nil {
			errs = append(errs, fmt.Errorf("client_prefixes %q: %w", s, pErr))

			continue
		}

		prefixes = append(prefixes, p)
	}

	v4Prefix, err := prefix.Parse(f.V4Prefix)
	if err != nil {
		errs = append(errs, fmt.Errorf("v4_prefix %q: %w", f.V4Prefix, err))
	}

	nodeClientPrefix, err := netip.ParseAddr(f.NodeClientPrefix)
	if err != nil {
		errs = append(errs, fmt.Errorf("node_client_prefix %q: %w", f.NodeClientPrefix, err))
	}

	allocRange, rangeErrs := parseAllocRange(f.AllocRangeStart, f.AllocRangeEnd)
	errs = append(errs, rangeErrs...)

	self, selfErr := netip.ParseAddr(f.Intercom.Self)
	if selfErr != nil {
		errs = append(errs, fmt.Errorf("intercom.self %q: %w", f.Intercom.Self, selfErr))
	}

	peers := make([]netip.Addr, 0, len(f.Intercom.Peers))
	for _, s := range f.Intercom.Peers {
		addr, pErr := netip.ParseAddr(s)
		if pErr != nil {
			errs = append(errs, fmt.Errorf("intercom.peers %q: %w", s, pErr))

			continue
		}

		peers = append(peers, addr)
	}

	packetTimeout, ptErr := time.ParseDuration(f.PacketTimeout)
	if ptErr != nil {
		errs = append(errs, fmt.Errorf("packet_timeout %q: %w", f.PacketTimeout, ptErr))
	}

	seekInterval, siErr := time.ParseDuration(f.SeekInterval)
	if siErr != nil {
		errs = append(errs, fmt.Errorf("seek_interval %q: %w", f.SeekInterval, siErr))
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	r = &Resolved{
		TUNInterface:    f.TUNInterface,
		MTU:             f.MTU,
		ClientInterface: f.ClientInterface,
		PIDFile:         f.PIDFile,
		Log:             f.Log,
		Metrics:         f.Metrics,
		IntercomPort:    f.Intercom.Port,
		IntercomSelf:    self,
		IntercomPeers:   peers,
		ClientMgr: clientmgr.Config{
			Prefixes:         prefixes,
			V4Prefix:         v4Prefix,
			NodeClientPrefix: nodeClientPrefix,
			AllocRange:       allocRange,
			ExportTable:      f.ExportTable,
			NAT46Ifindex:     f.NAT46Ifindex,
		},
		IPMgr: ipmgr.Config{
			PacketTimeout: packetTimeout,
			SeekInterval:  seekInterval,
		},
	}

	errs = validate.Append(errs, "client_manager", &r.ClientMgr)
	errs = validate.Append(errs, "ip_manager", &r.IPMgr)
	errs = validate.Append(errs, "metrics", &r.Metrics)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return r, nil
}

func parseAllocRange(start, end string) (r alloc.Range, errs []error) {
	startAddr, err := netip.ParseAddr(start)
	if err != nil {
		return r, append(errs, fmt.Errorf("alloc_range_start %q: %w", start, err))
	}

	endAddr, err := netip.ParseAddr(end)
	if err != nil {
		return r, append(errs, fmt.Errorf("alloc_range_end %q: %w", end, err))
	}

	if !startAddr.Is4() || !endAddr.Is4() {
		return r, append(errs, fmt.Errorf("alloc range: %w", errors.Error("must be IPv4")))
	}

	startBytes := startAddr.As4()
	endBytes := endAddr.As4()

	return alloc.Range{
		Start: uint32(startBytes[0])<<24 | uint32(startBytes[1])<<16 | uint32(startBytes[2])<<8 | uint32(startBytes[3]),
		End:   uint32(endBytes[0])<<24 | uint32(endBytes[1])<<16 | uint32(endBytes[2])<<8 | uint32(endBytes[3]),
	}, nil
}
