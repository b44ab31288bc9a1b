// Package wire implements the framed-stream I/O layer used by the nsld
// daemon's request dispatcher: buffered, deadline-bounded reads and
// writes over one Unix-domain connection, plus a mark/reset facility
// that lets a caller replay the bytes of the entry it is currently
// consuming.
//
// Ported from nss-pam-ldapd's common/tio.c. The buffer-shifting and
// mark/reset bookkeeping follow tio.c line for line; the per-operation
// deadline handling is idiomatic Go (a single absolute deadline set on
// the net.Conn per high-level call, rather than tio.c's manual
// select()-with-remaining-time loop), since net.Conn deadlines already
// apply across any number of partial underlying reads/writes.
package wire

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// Errors returned by Stream operations.
var (
	// ErrTimeout indicates an operation could not complete before its deadline.
	ErrTimeout = errors.New("wire: operation timed out")

	// ErrConnectionClosed indicates the peer closed the connection mid-read.
	ErrConnectionClosed = errors.New("wire: connection closed by peer")

	// ErrNotResettable indicates Reset was called without a live mark, or
	// after the mark was invalidated by a buffer compaction.
	ErrNotResettable = errors.New("wire: stream is not resettable")

	// ErrBufferOverflow indicates a read or write would exceed the
	// configured maximum buffer size.
	ErrBufferOverflow = errors.New("wire: buffer overflow")
)

// buffer is a sliding window over a byte slice bounded by min/max
// sizes. start is the current read/write cursor; length is the number
// of valid bytes from start.
type buffer struct {
	data   []byte
	start  int
	length int
	min    int
	max    int
}

func newBuffer(min, max int) *buffer {
	if min <= 0 {
		min = 256
	}
	if max < min {
		max = min
	}
	return &buffer{data: make([]byte, min), min: min, max: max}
}

// ensureCap grows data (never shrinks) up to max so that start+need
// bytes fit, returning false if even max cannot hold it.
func (b *buffer) ensureCap(need int) bool {
	if b.start+need <= len(b.data) {
		return true
	}
	if b.start+need > b.max {
		return false
	}
	grown := make([]byte, b.start+need)
	copy(grown, b.data[:b.start+b.length])
	b.data = grown
	return true
}

// Stream wraps one bidirectional connection with independent read and
// write buffers, independent deadlines, and the mark/reset facility.
type Stream struct {
	conn       net.Conn
	rbuf       *buffer
	wbuf       *buffer
	rtimeout   time.Duration
	wtimeout   time.Duration
	resettable bool
}

// Open wraps conn in a Stream with the given per-operation deadlines
// and buffer size bounds.
func Open(conn net.Conn, rtimeout, wtimeout time.Duration, rbufMin, rbufMax, wbufMin, wbufMax int) *Stream {
	return &Stream{
		conn:     conn,
		rbuf:     newBuffer(rbufMin, rbufMax),
		wbuf:     newBuffer(wbufMin, wbufMax),
		rtimeout: rtimeout,
		wtimeout: wtimeout,
	}
}

// Read blocks until n bytes have been read (from the buffer and, as
// needed, the underlying connection) or the read deadline expires.
func (s *Stream) Read(n int) ([]byte, error) {
	out := make([]byte, n)
	if err := s.readInto(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Skip discards the next n bytes from the stream without returning them.
func (s *Stream) Skip(n int) error {
	return s.readInto(make([]byte, n))
}

func (s *Stream) readInto(dst []byte) error {
	need := len(dst)
	filled := 0

	var deadline time.Time
	if s.rtimeout > 0 {
		deadline = time.Now().Add(s.rtimeout)
		if err := s.conn.SetReadDeadline(deadline); err != nil {
			return fmt.Errorf("wire: set read deadline: %w", err)
		}
		defer s.conn.SetReadDeadline(time.Time{})
	}

	for filled < need {
		if s.rbuf.length > 0 {
			take := s.rbuf.length
			if take > need-filled {
				take = need - filled
			}
			copy(dst[filled:filled+take], s.rbuf.data[s.rbuf.start:s.rbuf.start+take])
			s.rbuf.start += take
			s.rbuf.length -= take
			filled += take
			continue
		}

		// buffer is empty: decide whether to preserve the consumed
		// prefix (resettable and room remains before max) or compact
		// to start=0, clearing the mark.
		if !s.resettable || s.rbuf.start >= s.rbuf.max {
			s.rbuf.start = 0
			s.resettable = false
		}
		s.rbuf.length = 0

		// grow the backing array up to max so the read gets as much
		// room as the mark/reset bound allows.
		if !s.rbuf.ensureCap(s.rbuf.max - s.rbuf.start) {
			// even a single byte of room does not fit: compact
			// unconditionally and give up the mark.
			s.rbuf.start = 0
			s.resettable = false
			if !s.rbuf.ensureCap(s.rbuf.max) {
				return ErrBufferOverflow
			}
		}

		room := len(s.rbuf.data) - s.rbuf.start
		if room <= 0 {
			return ErrBufferOverflow
		}

		got, err := s.conn.Read(s.rbuf.data[s.rbuf.start : s.rbuf.start+room])
		if got > 0 {
			s.rbuf.length = got
		}
		if err != nil {
			if got == 0 {
				return translateReadErr(err)
			}
			// short read with an error reported alongside data is
			// treated as a transient condition; loop back and let the
			// next iteration surface the error if it persists.
		}
		if got == 0 && err == nil {
			return ErrConnectionClosed
		}
	}
	return nil
}

func translateReadErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
}

// Write buffers bytes for later transmission, flushing to make room
// as needed. The write buffer never holds more than its configured
// maximum; Write flushes synchronously when full.
func (s *Stream) Write(data []byte) error {
	for len(data) > 0 {
		free := len(s.wbuf.data) - (s.wbuf.start + s.wbuf.length)
		if free <= 0 && len(s.wbuf.data) < s.wbuf.max {
			if s.wbuf.ensureCap(s.wbuf.length + len(data)) {
				free = len(s.wbuf.data) - (s.wbuf.start + s.wbuf.length)
			}
		}

		if len(data) <= free {
			copy(s.wbuf.data[s.wbuf.start+s.wbuf.length:], data[:len(data)])
			s.wbuf.length += len(data)
			return nil
		}

		if free > 0 {
			copy(s.wbuf.data[s.wbuf.start+s.wbuf.length:], data[:free])
			s.wbuf.length += free
			data = data[free:]
		}

		if err := s.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes any buffered bytes to the underlying connection. SIGPIPE
// on write is not an issue on this platform: net.Conn.Write over a Unix
// socket surfaces a write failure as a plain error (EPIPE), it never
// raises a process signal, so there is nothing here to suppress.
func (s *Stream) Flush() error {
	if s.wbuf.length == 0 {
		return nil
	}

	if s.wtimeout > 0 {
		deadline := time.Now().Add(s.wtimeout)
		if err := s.conn.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("wire: set write deadline: %w", err)
		}
		defer s.conn.SetWriteDeadline(time.Time{})
	}

	for s.wbuf.length > 0 {
		n, err := s.conn.Write(s.wbuf.data[s.wbuf.start : s.wbuf.start+s.wbuf.length])
		if n > 0 {
			s.wbuf.start += n
			s.wbuf.length -= n
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return ErrTimeout
			}
			return fmt.Errorf("wire: write: %w", err)
		}
	}
	s.wbuf.start = 0
	s.wbuf.length = 0
	return nil
}

// Mark compacts the read buffer so the current read position is at
// index 0 and marks the stream resettable. Reset later restores the
// read cursor to this point, as long as the intervening reads did not
// force a buffer compaction (see readInto).
func (s *Stream) Mark() {
	if s.rbuf.start > 0 && s.rbuf.length > 0 {
		copy(s.rbuf.data, s.rbuf.data[s.rbuf.start:s.rbuf.start+s.rbuf.length])
		s.rbuf.start = 0
	}
	s.resettable = true
}

// Reset repositions the read cursor back to the last Mark, replaying
// any bytes consumed since. It fails once the resettable flag has been
// cleared, which happens when a read needed to compact the buffer
// past its maximum size to make room for more data.
func (s *Stream) Reset() error {
	if !s.resettable {
		return ErrNotResettable
	}
	s.rbuf.length += s.rbuf.start
	s.rbuf.start = 0
	return nil
}

// Close flushes any buffered writes and closes the underlying
// connection. The connection is closed even if the flush fails.
func (s *Stream) Close() error {
	flushErr := s.Flush()
	closeErr := s.conn.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
