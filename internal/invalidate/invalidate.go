// Package invalidate implements spec.md 4.J's invalidator: a one-shot
// signal, fed by any directory session that just recovered from a
// prior failure (or completed its very first successful operation
// ever), consumed by a background goroutine that runs the configured
// external cache-invalidation action for every database enrolled in
// reconnect_invalidate.
//
// The default transport execs nscd -i <table> per database, matching
// nss-pam-ldapd's own behavior. A dbus transport is also supported,
// calling org.freedesktop.nscd's Invalidate method directly over the
// system bus instead of spawning a process.
package invalidate

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/nsld/nsld/internal/attrmap"
	"github.com/nsld/nsld/internal/config"
	"github.com/nsld/nsld/internal/metrics"
)

// nscd's D-Bus name and object path, per nscd(8)'s dbus cache-flush
// interface.
const (
	dbusDest  = "org.freedesktop.nscd"
	dbusPath  = "/org/freedesktop/nscd"
	dbusIface = "org.freedesktop.nscd"
)

// defaultCommand is used if the configuration leaves Command empty.
const defaultCommand = "nscd -i %s"

// Invalidator runs the configured cache-invalidation action for every
// enabled database whenever it is triggered.
type Invalidator struct {
	transport string
	command   string
	dbs       []attrmap.Database
	signal    chan struct{}
	log       *slog.Logger
	metrics   *metrics.Collector

	dial func() (dbusConn, error)
}

// dbusConn is the subset of *dbus.Conn the dbus transport needs,
// narrowed so tests can substitute a fake bus.
type dbusConn interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
}

// New builds an Invalidator from cfg's ReconnectInvalidate list and
// Invalidator settings. collector may be nil, in which case no
// invalidation-pass metrics are recorded.
func New(cfg *config.Config, log *slog.Logger, collector *metrics.Collector) *Invalidator {
	command := cfg.Invalidator.Command
	if command == "" {
		command = defaultCommand
	}
	return &Invalidator{
		transport: cfg.Invalidator.Transport,
		command:   command,
		dbs:       cfg.ReconnectInvalidate,
		signal:    make(chan struct{}, 1),
		log:       log,
		metrics:   collector,
		dial: func() (dbusConn, error) {
			return dbus.SystemBus()
		},
	}
}

// Enabled reports whether any database is enrolled in
// reconnect-triggered invalidation. Callers can skip starting Run
// entirely when this is false.
func (inv *Invalidator) Enabled() bool {
	return len(inv.dbs) > 0
}

// Trigger requests one invalidation pass. It never blocks: a pending,
// not-yet-serviced request absorbs any further triggers until it
// runs, matching the one-shot-signal semantics of spec.md 4.J.
func (inv *Invalidator) Trigger() {
	select {
	case inv.signal <- struct{}{}:
	default:
	}
}

// Run consumes trigger signals until ctx is cancelled, running one
// invalidation pass per signal received. Safe to call even when
// Enabled is false; it returns immediately in that case.
func (inv *Invalidator) Run(ctx context.Context) error {
	if !inv.Enabled() {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-inv.signal:
			inv.runPass(ctx)
		}
	}
}

func (inv *Invalidator) runPass(ctx context.Context) {
	correlationID := uuid.NewString()
	log := inv.log.With(slog.String("correlation_id", correlationID))

	result := "ok"
	for _, db := range inv.dbs {
		var err error
		if inv.transport == "dbus" {
			err = inv.invalidateDBus(string(db))
		} else {
			err = inv.invalidateExec(ctx, string(db))
		}
		if err != nil {
			result = "error"
			log.Warn("cache invalidation failed",
				slog.String("database", string(db)),
				slog.String("error", err.Error()),
			)
			continue
		}
		log.Debug("cache invalidated", slog.String("database", string(db)))
	}

	if inv.metrics != nil {
		inv.metrics.IncInvalidationPass(result)
	}
}

// commandFields substitutes table into command's "%s" placeholder and
// splits the result into an argv, the one piece of invalidateExec that
// is worth exercising without actually spawning a process.
func commandFields(command, table string) []string {
	line := strings.Replace(command, "%s", table, 1)
	return strings.Fields(line)
}

// invalidateExec runs the configured command with "%s" replaced by
// table.
func (inv *Invalidator) invalidateExec(ctx context.Context, table string) error {
	fields := commandFields(inv.command, table)
	if len(fields) == 0 {
		return fmt.Errorf("invalidate: empty command")
	}

	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("run %q %q: %w: %s", fields[0], fields[1:], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// invalidateDBus calls org.freedesktop.nscd's Invalidate method for
// table over the system bus.
func (inv *Invalidator) invalidateDBus(table string) error {
	conn, err := inv.dial()
	if err != nil {
		return fmt.Errorf("dbus: connect system bus: %w", err)
	}
	obj := conn.Object(dbusDest, dbus.ObjectPath(dbusPath))
	call := obj.Call(dbusIface+".Invalidate", 0, table)
	if call.Err != nil {
		return fmt.Errorf("dbus: Invalidate(%s): %w", table, call.Err)
	}
	return nil
}
