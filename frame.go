package fix

import (
	"errors"
	"fmt"
	"net"
	"time"
	"unicode"

	"github.com/quantfix/fixengine/message"
)

// minHeaderPeek is the minimum number of buffered bytes needed before
// attempting to locate BodyLength(9): enough to hold "8=FIX.4.4\x019="
// plus a few digits.
const minHeaderPeek = 22

// frameReadTick bounds how long a single Read blocks before the reader
// re-checks whether the session has been asked to stop.
const frameReadTick = time.Second

var errFrameTimeout = errors.New("fix: frame read tick")

// frameReader slides a growable buffer over a net.Conn, locating
// message boundaries by peeking at BodyLength(9). buf[start:b] holds
// buffered-but-unconsumed bytes; buf[b:] is free space to read into.
type frameReader struct {
	conn    net.Conn
	buf     []byte
	start   int
	b       int
	maxSize int
}

func newFrameReader(conn net.Conn, maxSize int) *frameReader {
	initial := 4096
	if maxSize < initial {
		initial = maxSize
	}
	return &frameReader{conn: conn, buf: make([]byte, initial), maxSize: maxSize}
}

// next blocks until a complete frame is available, done is closed, or
// an unrecoverable error (including a frame larger than maxSize) occurs.
func (r *frameReader) next(done <-chan struct{}) ([]byte, error) {
	for {
		r.skipWhitespace()

		want := minHeaderPeek
		if r.b-r.start >= minHeaderPeek {
			length, ok := message.FrameLength(r.buf[r.start:r.b])
			if ok {
				if length <= 0 {
					return nil, errors.New("fix: malformed frame prefix (BodyLength)")
				}
				if length > r.maxSize {
					return nil, errFrame(CodeOverflow, "frame of %d bytes exceeds max frame size %d", length, r.maxSize)
				}
				frame, err := r.collect(length, done)
				if err != nil {
					return nil, err
				}
				return frame, nil
			}
			// BodyLength(9) is not complete yet: read at least one more byte.
			want = r.b - r.start + 1
		}

		if err := r.fillAtLeast(want, done); err != nil {
			return nil, err
		}
	}
}

// collect ensures length bytes are buffered starting at start, growing
// and reading as necessary, then returns a copy of that span and
// advances start past it.
func (r *frameReader) collect(length int, done <-chan struct{}) ([]byte, error) {
	if err := r.fillAtLeast(length, done); err != nil {
		return nil, err
	}
	frame := append([]byte(nil), r.buf[r.start:r.start+length]...)
	r.start += length
	return frame, nil
}

func (r *frameReader) skipWhitespace() {
	for r.start < r.b && isFIXSpace(r.buf[r.start]) {
		r.start++
	}
}

func isFIXSpace(c byte) bool {
	return unicode.IsSpace(rune(c))
}

// fillAtLeast compacts the buffer, grows it if needed (bounded by
// maxSize), and reads from conn until at least want bytes are buffered
// from start, or an error occurs. done being closed aborts the read
// with the frame timeout path treated as a recoverable retry.
func (r *frameReader) fillAtLeast(want int, done <-chan struct{}) error {
	r.compact()
	if err := r.grow(want); err != nil {
		return err
	}
	for r.b-r.start < want {
		select {
		case <-done:
			return errSessionDone
		default:
		}
		n, err := r.readOnce()
		r.b += n
		if err != nil {
			if errors.Is(err, errFrameTimeout) {
				continue
			}
			return err
		}
	}
	return nil
}

func (r *frameReader) compact() {
	if r.start == 0 {
		return
	}
	copy(r.buf, r.buf[r.start:r.b])
	r.b -= r.start
	r.start = 0
}

func (r *frameReader) grow(want int) error {
	if cap(r.buf)-r.start >= want {
		return nil
	}
	needed := r.start + want
	if needed > r.maxSize {
		return errFrame(CodeOverflow, "buffered frame prefix of %d bytes exceeds max frame size %d", needed, r.maxSize)
	}
	newCap := cap(r.buf) * 2
	if newCap < needed {
		newCap = needed
	}
	if newCap > r.maxSize {
		newCap = r.maxSize
	}
	grown := make([]byte, newCap)
	copy(grown, r.buf[:r.b])
	r.buf = grown
	return nil
}

func (r *frameReader) readOnce() (int, error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(frameReadTick)); err != nil {
		return 0, err
	}
	n, err := r.conn.Read(r.buf[r.b:cap(r.buf)])
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, errFrameTimeout
		}
		return n, err
	}
	return n, nil
}

func errFrame(code Code, format string, args ...interface{}) *Error {
	return wrapErr(code, fmt.Sprintf(format, args...), nil)
}
