// Package ipstate implements the per-address state machine: the
// INACTIVE/ACTIVE/TENTATIVE tri-state with the side effects each transition
// carries. The transition table is the single source of truth for when
// kernel routes/neighbors are installed or removed and when a local
// neighbor discovery is requested; clientmgr and ipmgr never mutate State
// directly, they always go through SetState.
package ipstate

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/timeutil"
)

// State is the lifecycle state of a single client IP address.
type State int

// The three states of a ClientIP.
const (
	// Inactive means no installed route/neighbor for this address is
	// attributable to this client.
	Inactive State = iota
	// Active means a host route and neighbor entry have been installed and
	// not yet removed.
	Active
	// Tentative means the daemon has issued at least one solicitation and is
	// waiting for confirmation; no route is installed.
	Tentative
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case Inactive:
		return "INACTIVE"
	case Active:
		return "ACTIVE"
	case Tentative:
		return "TENTATIVE"
	default:
		return "INVALID"
	}
}

// ClientIP is a single address record belonging to a client.
type ClientIP struct {
	Addr                 netip.Addr
	State                State
	Timestamp            time.Time
	TentativeRetriesLeft int
}

// Effects is the set of side effects SetState may trigger. Implementations
// are supplied by clientmgr, which closes over the owning client's MAC and
// ingress interface so this package stays agnostic of the Client type:
// clientmgr owns ClientIPs, this package only owns the transition rules.
type Effects interface {
	// InstallRoute inserts the host route and neighbor entry for ip,
	// branching on whether ip.Addr is IPv4 or IPv6.
	InstallRoute(ctx context.Context, ip *ClientIP) error
	// RemoveRoute removes whatever InstallRoute inserted.
	RemoveRoute(ctx context.Context, ip *ClientIP) error
	// RequestLocalSeek asks the IP manager to begin seeking ip, used when an
	// address becomes Tentative.
	RequestLocalSeek(addr netip.Addr)
}

// SetState changes ip's state to next, running whatever side effect the
// transition table prescribes. now is stamped onto ip on every transition
// except the INACTIVE->INACTIVE no-op.
//
// Errors from the route adapter are logged at the boundary and otherwise
// ignored: collaborator I/O failures are treated as transient, and SetState
// is expected to be a total function over the event space.
func SetState(
	ctx context.Context,
	logger *slog.Logger,
	clock timeutil.Clock,
	eff Effects,
	ip *ClientIP,
	next State,
) {
	now := clock.Now()
	from := ip.State

	switch from {
	case Inactive:
		switch next {
		case Inactive:
			// no-op.
		case Active:
			logErr(ctx, logger, "installing route", eff.InstallRoute(ctx, ip))
			ip.Timestamp = now
		case Tentative:
			ip.Timestamp = now
			eff.RequestLocalSeek(ip.Addr)
		}
	case Active:
		switch next {
		case Inactive:
			ip.Timestamp = now
			logErr(ctx, logger, "removing route", eff.RemoveRoute(ctx, ip))
		case Active:
			ip.Timestamp = now
		case Tentative:
			ip.Timestamp = now
			eff.RequestLocalSeek(ip.Addr)
		}
	case Tentative:
		switch next {
		case Inactive:
			ip.Timestamp = now
			logErr(ctx, logger, "removing route", eff.RemoveRoute(ctx, ip))
		case Active:
			ip.Timestamp = now
			logErr(ctx, logger, "installing route", eff.InstallRoute(ctx, ip))
		case Tentative:
			ip.Timestamp = now
		}
	}

	if from != next {
		logger.DebugContext(ctx, "ip state changed", "addr", ip.Addr, "from", from, "to", next)
	}

	ip.State = next
}

// logErr logs err at the boundary: collaborator failures are logged and
// never unwind the handler.
func logErr(ctx context.Context, logger *slog.Logger, action string, err error) {
	if err != nil {
		logger.ErrorContext(ctx, action+" failed", "err", err)
	}
}
