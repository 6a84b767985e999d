// Command l3roamd runs the L3 roaming daemon: it maintains host routes for
// clients that roam across a mesh network's access nodes, buffering
// packets for destinations still being resolved and relaying ownership
// claims to peers.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/AdguardTeam/golibs/osutil"
	"github.com/nolifedevel/l3roamd/internal/config"
	"github.com/nolifedevel/l3roamd/internal/rlog"
	"github.com/nolifedevel/l3roamd/internal/svcmgr"
)

func main() {
	configPath := flag.String("config", "/etc/l3roamd.yaml", "path to the configuration file")
	serviceAction := flag.String("service", "", "service control action: install, uninstall, start, stop, restart")
	flag.Parse()

	f, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "l3roamd: loading config: %v\n", err)
		os.Exit(osutil.ExitCodeFailure)
	}

	resolved, err := f.Resolve()
	if err != nil {
		fmt.Fprintf(os.Stderr, "l3roamd: invalid config: %v\n", err)
		os.Exit(osutil.ExitCodeFailure)
	}

	logger := rlog.New(resolved.Log, filepath.Dir(*configPath))

	d, err := newDaemon(logger, *configPath, resolved)
	if err != nil {
		logger.Error("building daemon", "err", err)
		os.Exit(osutil.ExitCodeFailure)
	}

	svc, err := svcmgr.New(logger, d)
	if err != nil {
		logger.Error("building service wrapper", "err", err)
		os.Exit(osutil.ExitCodeFailure)
	}

	if *serviceAction != "" {
		if err = svcmgr.Control(svc, *serviceAction); err != nil {
			logger.Error("service control action failed", "action", *serviceAction, "err", err)
			os.Exit(osutil.ExitCodeFailure)
		}

		return
	}

	if err = svc.Run(); err != nil {
		logger.Error("daemon exited with error", "err", err)
		os.Exit(osutil.ExitCodeFailure)
	}
}

