// Package dispatch implements the request dispatcher of spec.md 4.H:
// read one request frame's header, look up the matching handler in an
// opcode-indexed table, run it, and let the handler itself stream the
// response. One Dispatcher instance is reused across every connection
// a worker serves; it holds no per-connection state.
package dispatch

import (
	"errors"
	"log/slog"
	"time"

	"github.com/nsld/nsld/internal/config"
	"github.com/nsld/nsld/internal/directory"
	"github.com/nsld/nsld/internal/handlers"
	"github.com/nsld/nsld/internal/metrics"
	"github.com/nsld/nsld/internal/protocol"
	"github.com/nsld/nsld/internal/wire"
)

// Dispatcher holds the opcode dispatch table built once at startup.
type Dispatcher struct {
	table   map[protocol.Opcode]handlers.Func
	log     *slog.Logger
	metrics *metrics.Collector
}

// New builds a Dispatcher from the full handler table. collector may
// be nil, in which case no request metrics are recorded.
func New(log *slog.Logger, collector *metrics.Collector) *Dispatcher {
	return &Dispatcher{table: handlers.Table(), log: log, metrics: collector}
}

// Serve reads and handles exactly one request from stream, using cfg
// and sess for the handler's directory access. Per spec.md's wire
// error taxonomy, a malformed frame or transport error closes the
// connection silently (the caller is expected to close stream right
// after Serve returns); a recognized-but-failing request still gets a
// terminator frame written by its handler.
func (d *Dispatcher) Serve(stream *wire.Stream, cfg *config.Config, sess *directory.Session) error {
	start := time.Now()
	op, err := protocol.ReadRequestHeader(stream)
	if err != nil {
		return err
	}

	handler, ok := d.table[op]
	if !ok {
		d.log.Warn("unrecognized opcode", "opcode", uint32(op))
		d.recordRequest(op, "unknown_opcode", start)
		return protocol.WriteTerminator(stream, protocol.ResultUnavail)
	}

	if err := protocol.WriteResponseHeader(stream, op); err != nil {
		return err
	}

	ctx := &handlers.Context{Cfg: cfg, Dir: sess, W: stream, R: stream}
	if err := handler(ctx); err != nil {
		if errors.Is(err, protocol.ErrMalformed) {
			d.recordRequest(op, "malformed", start)
			return err
		}
		d.log.Debug("handler error", "opcode", op.String(), "err", err)
		d.recordRequest(op, "error", start)
		return nil
	}
	d.recordRequest(op, "ok", start)
	return stream.Flush()
}

func (d *Dispatcher) recordRequest(op protocol.Opcode, result string, start time.Time) {
	if d.metrics == nil {
		return
	}
	d.metrics.IncRequest(op.String(), result)
	d.metrics.ObserveOperationLatency("dispatch", time.Since(start))
}
