package agw

import (
	"fmt"
	"io"
)

// Transformer is a matched pair of message transforms layered over a byte
// stream: Wrap is applied to outgoing messages, Unwrap to incoming ones.
// The peer must run the inverse pair for the stream to make sense.
type Transformer interface {
	Wrap(msg []byte) ([]byte, error)
	Unwrap(msg []byte) ([]byte, error)
}

// Identity passes messages through unchanged.
type Identity struct{}

func (Identity) Wrap(msg []byte) ([]byte, error)   { return msg, nil }
func (Identity) Unwrap(msg []byte) ([]byte, error) { return msg, nil }

// Wrap layers a Transformer over any bidirectional byte stream: each Write
// is wrapped before hitting the backend, each backend read is unwrapped
// before the caller sees it.
//
// Wrap knows nothing about AGW. It composes with any io.ReadWriter, such as
// a NativeStream. A Connection is not an io.ReadWriter itself: its Read
// returns one frame's payload and takes no buffer.
type Wrap struct {
	backend io.ReadWriter
	tr      Transformer

	buf  []byte // unwrapped bytes not yet handed to the caller
	rbuf []byte
}

// NewWrap layers tr over backend.
func NewWrap(backend io.ReadWriter, tr Transformer) *Wrap {
	return &Wrap{
		backend: backend,
		tr:      tr,
		rbuf:    make([]byte, 4096),
	}
}

// Inner returns the wrapped stream.
func (w *Wrap) Inner() io.ReadWriter {
	return w.backend
}

// Read reads one chunk from the backend, unwraps it, and returns as much
// as fits in p; the rest is kept for the next call.
func (w *Wrap) Read(p []byte) (int, error) {
	for len(w.buf) == 0 {
		var n, err = w.backend.Read(w.rbuf)
		if n > 0 {
			var msg, unwrapErr = w.tr.Unwrap(w.rbuf[:n])
			if unwrapErr != nil {
				return 0, fmt.Errorf("unwrapping %d-byte message: %w", n, unwrapErr)
			}
			w.buf = append(w.buf, msg...)
		}
		if err != nil {
			if len(w.buf) > 0 {
				break
			}

			return 0, err
		}
	}

	var n = copy(p, w.buf)
	w.buf = w.buf[n:]

	return n, nil
}

// Write wraps p as one message and writes it to the backend in full. The
// returned count is len(p) on success, as callers reason about their own
// bytes, not the wrapped size.
func (w *Wrap) Write(p []byte) (int, error) {
	var msg, err = w.tr.Wrap(p)
	if err != nil {
		return 0, fmt.Errorf("wrapping %d-byte message: %w", len(p), err)
	}

	if _, err := writeFull(w.backend, msg); err != nil {
		return 0, err
	}

	return len(p), nil
}
