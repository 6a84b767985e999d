// Package svcmgr wraps l3roamd as an installable OS service (systemd,
// launchd, Windows service) via github.com/kardianos/service, so the same
// binary can run attached to a terminal or as a managed daemon.
package svcmgr

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kardianos/service"
)

const (
	name        = "l3roamd"
	displayName = "l3roamd L3 roaming daemon"
	description = "Maintains host routes for roaming clients across a mesh network."
)

// Runnable is the daemon body svcmgr drives: Run blocks until ctx is
// canceled or the daemon fails, Shutdown requests a graceful stop.
type Runnable interface {
	Run(ctx context.Context) error
	Shutdown()
}

// program adapts a Runnable to the [service.Interface] kardianos/service
// expects.
type program struct {
	logger *slog.Logger
	run    Runnable
	cancel context.CancelFunc
	done   chan error
}

// type check
var _ service.Interface = (*program)(nil)

// Start implements the [service.Interface] interface for *program. It must
// not block.
func (p *program) Start(s service.Service) (err error) {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)

	go func() {
		p.done <- p.run.Run(ctx)
	}()

	return nil
}

// Stop implements the [service.Interface] interface for *program.
func (p *program) Stop(s service.Service) (err error) {
	p.run.Shutdown()

	if p.cancel != nil {
		p.cancel()
	}

	err = <-p.done
	if err != nil {
		p.logger.Error("daemon exited with error", "err", err)
	}

	return nil
}

// New builds the kardianos/service wrapper around run.
func New(logger *slog.Logger, run Runnable) (svc service.Service, err error) {
	cfg := &service.Config{
		Name:        name,
		DisplayName: displayName,
		Description: description,
	}

	svc, err = service.New(&program{logger: logger, run: run}, cfg)
	if err != nil {
		return nil, fmt.Errorf("building service: %w", err)
	}

	return svc, nil
}

// Control performs a lifecycle action (install, uninstall, start, stop,
// restart) against the OS service manager.
func Control(svc service.Service, action string) (err error) {
	err = service.Control(svc, action)
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}

	return nil
}
