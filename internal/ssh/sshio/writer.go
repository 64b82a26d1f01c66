// Package sshio presents an SSH channel as two writer facades over
// one serialized frame sender. The blocking facade coalesces writes
// into a single frame per flush for the render path; the async facade
// enforces one outstanding frame at a time for everything else.
package sshio

import (
	"bytes"
	"io"
	"sync"

	"github.com/kty-dev/kty/internal/metrics"
)

// Blocking buffers writes until Flush, which sends the whole buffer
// as one frame. Not safe for concurrent use; it belongs to the
// single-threaded render loop.
type Blocking struct {
	mu  sync.Mutex
	buf bytes.Buffer
	ch  io.Writer
}

// NewBlocking wraps ch.
func NewBlocking(ch io.Writer) *Blocking {
	return &Blocking{ch: ch}
}

// Write appends to the internal buffer; nothing crosses the wire
// until Flush.
func (w *Blocking) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

// Flush drains the buffer with a single frame send. The caller's
// tick loop must skip ticks while a flush is in flight rather than
// queueing frames.
func (w *Blocking) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() == 0 {
		return nil
	}

	n, err := w.ch.Write(w.buf.Bytes())
	metrics.ChannelBytesSent.WithLabelValues(metrics.WriterBlocking).Add(float64(n))
	w.buf.Reset()

	return err
}

// Buffered reports how many bytes await the next Flush.
func (w *Blocking) Buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Len()
}

// Async sends each write as its own frame, one in flight at a time.
// A Write does not return until the previous frame has been accepted
// by the transport, so two writes from the same writer never overlap.
type Async struct {
	mu sync.Mutex
	ch io.Writer
}

// NewAsync wraps ch.
func NewAsync(ch io.Writer) *Async {
	return &Async{ch: ch}
}

func (w *Async) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.ch.Write(p)
	metrics.ChannelBytesSent.WithLabelValues(metrics.WriterNonBlocking).Add(float64(n))

	return n, err
}

// AsyncChannel layers the async facade over a full channel: reads and
// close pass through, writes are framed one at a time. Tunnel splices
// write to the channel through this.
type AsyncChannel struct {
	ch io.ReadWriteCloser
	w  *Async
}

// NewAsyncChannel wraps ch.
func NewAsyncChannel(ch io.ReadWriteCloser) *AsyncChannel {
	return &AsyncChannel{ch: ch, w: NewAsync(ch)}
}

func (c *AsyncChannel) Read(p []byte) (int, error)  { return c.ch.Read(p) }
func (c *AsyncChannel) Write(p []byte) (int, error) { return c.w.Write(p) }
func (c *AsyncChannel) Close() error                { return c.ch.Close() }
