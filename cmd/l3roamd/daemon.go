package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/nolifedevel/l3roamd/internal/config"
	"github.com/nolifedevel/l3roamd/internal/roamd/clientmgr"
	"github.com/nolifedevel/l3roamd/internal/roamd/intercom"
	"github.com/nolifedevel/l3roamd/internal/roamd/ipmgr"
	"github.com/nolifedevel/l3roamd/internal/roamd/metrics"
	"github.com/nolifedevel/l3roamd/internal/roamd/neighsolicit"
	"github.com/nolifedevel/l3roamd/internal/roamd/routemgr"
	"github.com/nolifedevel/l3roamd/internal/roamd/taskqueue"
	"github.com/nolifedevel/l3roamd/internal/roamd/tun"
)

// handlerProxy breaks the construction cycle between intercom.Bus (which
// needs a Handler at New time) and clientmgr.Manager (which needs the Bus
// already built): the Bus is given a proxy whose target is filled in once
// the Manager exists.
type handlerProxy struct {
	target intercom.Handler
}

func (p *handlerProxy) HandleClaim(ctx context.Context, c intercom.Claim) {
	p.target.HandleClaim(ctx, c)
}

func (p *handlerProxy) HandleInfo(ctx context.Context, i intercom.Info) {
	p.target.HandleInfo(ctx, i)
}

func (p *handlerProxy) HandleSeek(ctx context.Context, s intercom.Seek) {
	p.target.HandleSeek(ctx, s)
}

// clientCheckerProxy resolves the same construction cycle from the other
// side: ipmgr.Manager needs a ClientChecker before clientmgr.Manager exists.
type clientCheckerProxy struct {
	target ipmgr.ClientChecker
}

func (p *clientCheckerProxy) IsValidAddress(addr netip.Addr) bool { return p.target.IsValidAddress(addr) }

func (p *clientCheckerProxy) IsIPv4(addr netip.Addr) bool { return p.target.IsIPv4(addr) }

func (p *clientCheckerProxy) HasLocalClient(addr netip.Addr) bool { return p.target.HasLocalClient(addr) }

// daemon owns every long-lived component and drives the single-threaded
// event loop. It implements svcmgr.Runnable.
type daemon struct {
	logger     *slog.Logger
	configPath string
	cfg        *config.Resolved

	routes  *routemgr.Manager
	tunDev  *tun.Device
	sender  *neighsolicit.Sender
	bus     *intercom.Bus
	clients *clientmgr.Manager
	ipmgr   *ipmgr.Manager
	metrics *metrics.Metrics
	queue   *taskqueue.Queue

	shutdownOnce sync.Once
	cancel       context.CancelFunc
}

// newDaemon constructs every collaborator wired per cfg, but starts nothing.
func newDaemon(logger *slog.Logger, configPath string, cfg *config.Resolved) (d *daemon, err error) {
	routes, err := routemgr.New(logger)
	if err != nil {
		return nil, fmt.Errorf("building route manager: %w", err)
	}

	tunDev, err := tun.Open(cfg.TUNInterface, cfg.MTU)
	if err != nil {
		return nil, fmt.Errorf("opening tun device: %w", err)
	}

	iface, err := net.InterfaceByName(cfg.ClientInterface)
	if err != nil {
		return nil, fmt.Errorf("looking up client interface %q: %w", cfg.ClientInterface, err)
	}

	sender, err := neighsolicit.New(logger, iface)
	if err != nil {
		return nil, fmt.Errorf("building discovery sender: %w", err)
	}

	localSrc, localV4 := localAddrs(iface)

	hProxy := &handlerProxy{}

	bus, err := intercom.New(logger, cfg.IntercomPort, cfg.IntercomSelf, cfg.IntercomPeers, hProxy)
	if err != nil {
		return nil, fmt.Errorf("building intercom bus: %w", err)
	}

	queue := taskqueue.New(logger)

	cProxy := &clientCheckerProxy{}

	im := ipmgr.New(
		logger, cfg.IPMgr, queue, cProxy, sender, bus, tunDev,
		localSrc, localV4, iface.HardwareAddr,
	)

	special := clientmgr.NewSpecialIPManager(logger, routes, cfg.IntercomPort)

	clients := clientmgr.New(logger, cfg.ClientMgr, routes, bus, im, special)

	hProxy.target = clients
	cProxy.target = clients

	return &daemon{
		logger:     logger,
		configPath: configPath,
		cfg:        cfg,
		routes:     routes,
		tunDev:     tunDev,
		sender:     sender,
		bus:        bus,
		clients:    clients,
		ipmgr:      im,
		metrics:    metrics.New(cfg.Metrics),
		queue:      queue,
	}, nil
}

// localAddrs picks this node's own source addresses used when sending
// discovery probes: the first IPv6 address on iface that is not link-local
// for the NS path, and the unspecified IPv4 address as a placeholder for the ARP
// path since this daemon has no dedicated IPv4 address of its own.
func localAddrs(iface *net.Interface) (src, v4 netip.Addr) {
	v4 = netip.IPv4Unspecified()

	addrs, err := iface.Addrs()
	if err != nil {
		return netip.IPv6Unspecified(), v4
	}

	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}

		addr, ok := netip.AddrFromSlice(ipNet.IP)
		if !ok {
			continue
		}

		addr = addr.Unmap()
		if addr.Is6() && !addr.IsLinkLocalUnicast() {
			return addr, v4
		}
	}

	return netip.IPv6Unspecified(), v4
}

// Run starts every component and blocks until ctx is canceled.
func (d *daemon) Run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	config.WritePID(d.logger, d.cfg.PIDFile)
	defer config.RemovePID(d.logger, d.cfg.PIDFile)

	var purgeOld taskqueue.Func
	purgeOld = func() {
		d.clients.PurgeOldClients(ctx)
		d.queue.Post(clientmgr.OldClientsKeep, purgeOld)
	}
	d.queue.Post(clientmgr.OldClientsKeep, purgeOld)

	go d.metrics.Serve(ctx, d.logger)
	go d.queue.Run(ctx)
	go d.runIntercom(ctx)
	go d.runTUNReader(ctx)
	go d.runConfigWatch(ctx)

	d.logger.InfoContext(ctx, "l3roamd started", "tun", d.cfg.TUNInterface, "client_iface", d.cfg.ClientInterface)

	<-ctx.Done()

	d.logger.InfoContext(ctx, "l3roamd stopping")

	return nil
}

func (d *daemon) runIntercom(ctx context.Context) {
	if err := d.bus.Listen(ctx); err != nil && ctx.Err() == nil {
		d.logger.ErrorContext(ctx, "intercom listener exited", "err", err)
	}
}

func (d *daemon) runTUNReader(ctx context.Context) {
	buf := make([]byte, d.cfg.MTU+40)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := d.tunDev.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			d.logger.ErrorContext(ctx, "reading from tun", "err", err)

			continue
		}

		d.ipmgr.HandlePacketIn(ctx, buf[:n])
	}
}

func (d *daemon) runConfigWatch(ctx context.Context) {
	err := config.Watch(ctx, d.logger, d.configPath, func(*config.Resolved) {
		d.logger.InfoContext(ctx, "configuration reloaded; restart required to apply interface/prefix changes")
	})
	if err != nil && ctx.Err() == nil {
		d.logger.ErrorContext(ctx, "config watcher exited", "err", err)
	}
}

// Shutdown requests a graceful stop; it must not block.
func (d *daemon) Shutdown() {
	d.shutdownOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}

		if err := d.bus.Close(); err != nil {
			d.logger.Error("closing intercom bus", "err", err)
		}

		if err := d.routes.Close(); err != nil {
			d.logger.Error("closing route manager", "err", err)
		}

		if err := d.sender.Close(); err != nil {
			d.logger.Error("closing discovery sender", "err", err)
		}

		if err := d.tunDev.Close(); err != nil {
			d.logger.Error("closing tun device", "err", err)
		}
	})
}
