// Package workerpool implements the fixed-size worker pool of spec.md
// 4.I: a configurable number of long-lived workers, each accepting
// connections off one shared listener, checking its own directory
// session for idleness between connections, and dispatching exactly
// one request per connection.
//
// There is no load-balancing beyond the kernel's accept queue — every
// worker blocks in Accept on the same listener and the kernel wakes
// whichever one is idle, mirroring nslcd's select()-on-shared-socket
// loop (common/daemonize.c, nslcd.c's main loop). The per-worker idle
// check is expressed here as an Accept deadline rather than a select()
// timeout, since net.Listener has no native select equivalent.
package workerpool

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nsld/nsld/internal/config"
	"github.com/nsld/nsld/internal/dispatch"
	"github.com/nsld/nsld/internal/directory"
	"github.com/nsld/nsld/internal/metrics"
	"github.com/nsld/nsld/internal/wire"
)

const (
	readBufMin  = 1024
	readBufMax  = 1024 * 1024
	writeBufMin = 1024
	writeBufMax = 1024 * 1024

	// defaultThreads matches nslcd.conf's threads default.
	defaultThreads = 5

	// defaultPollInterval bounds how long a worker blocks in Accept
	// when idle_timelimit is disabled, so it still wakes periodically
	// to notice shutdown.
	defaultPollInterval = 5 * time.Second

	// shutdownGrace is how long Run waits for workers to return after
	// the listener is closed before giving up on them.
	shutdownGrace = 2 * time.Second
)

// Pool accepts connections off a shared listener using a fixed number
// of workers, each owning its own directory session.
type Pool struct {
	ln         net.Listener
	cfg        *config.Config
	uris       *directory.URITable
	tlsCfg     *tls.Config
	disp       *dispatch.Dispatcher
	log        *slog.Logger
	onRecovery func()
	metrics    *metrics.Collector
}

// New builds a Pool. ln is the already-bound server listener; disp is
// the shared, stateless request dispatcher. onRecovery, if non-nil, is
// wired into every worker's session as its invalidator trigger (see
// directory.Session.SetInvalidator); pass nil when no database is
// enrolled in reconnect-triggered invalidation. collector may be nil,
// in which case no session-count metrics are recorded.
func New(ln net.Listener, cfg *config.Config, uris *directory.URITable, tlsCfg *tls.Config, disp *dispatch.Dispatcher, log *slog.Logger, onRecovery func(), collector *metrics.Collector) *Pool {
	return &Pool{ln: ln, cfg: cfg, uris: uris, tlsCfg: tlsCfg, disp: disp, log: log, onRecovery: onRecovery, metrics: collector}
}

// Run starts cfg.Threads workers and blocks until ctx is cancelled. On
// cancellation it closes the listener (unblocking any worker parked in
// Accept) and waits up to a grace period for workers to return before
// giving up on them.
func (p *Pool) Run(ctx context.Context) error {
	threads := p.cfg.Threads
	if threads <= 0 {
		threads = defaultThreads
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < threads; i++ {
		id := i
		g.Go(func() error { return p.worker(gctx, id) })
	}

	<-ctx.Done()
	p.log.Info("worker pool shutting down", slog.Duration("grace", shutdownGrace))
	if err := p.ln.Close(); err != nil {
		p.log.Warn("error closing listener during shutdown", slog.String("error", err.Error()))
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case <-time.After(shutdownGrace):
		p.log.Warn("worker pool grace period exceeded, some workers still running")
		return nil
	}
}

// worker is the per-worker loop of spec.md 4.I: accept with an
// idle-bounded deadline, check the owned session when the deadline
// fires, otherwise dispatch one request and clean up any iterators the
// request left open.
func (p *Pool) worker(ctx context.Context, id int) error {
	sess := directory.Create(p.cfg, p.uris, p.tlsCfg)
	defer sess.Close()
	if p.onRecovery != nil {
		sess.SetInvalidator(p.onRecovery)
	}
	if p.metrics != nil {
		p.metrics.SessionOpened()
		defer p.metrics.SessionClosed()
	}

	log := p.log.With(slog.Int("worker", id))

	idle := p.cfg.IdleTimelimit
	if idle <= 0 {
		idle = defaultPollInterval
	}

	setter, hasDeadline := p.ln.(interface{ SetDeadline(time.Time) error })

	for {
		if ctx.Err() != nil {
			return nil
		}

		if hasDeadline {
			if err := setter.SetDeadline(time.Now().Add(idle)); err != nil {
				return fmt.Errorf("workerpool: set accept deadline: %w", err)
			}
		}

		conn, err := p.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isTimeout(err) {
				sess.Check()
				continue
			}
			return fmt.Errorf("workerpool: accept: %w", err)
		}

		p.serveOne(log, sess, conn)
	}
}

// serveOne dispatches exactly one request on conn and tears down
// anything the request left behind: outstanding search iterators are
// invalidated regardless of how the request completed.
func (p *Pool) serveOne(log *slog.Logger, sess *directory.Session, conn net.Conn) {
	defer sess.Cleanup()

	stream := wire.Open(conn, p.cfg.Timelimit, p.cfg.Timelimit, readBufMin, readBufMax, writeBufMin, writeBufMax)
	defer func() {
		if err := stream.Close(); err != nil {
			log.Debug("error closing connection", slog.String("error", err.Error()))
		}
	}()

	if err := p.disp.Serve(stream, p.cfg, sess); err != nil {
		log.Debug("request failed", slog.String("error", err.Error()))
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
