package dashboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kty-dev/kty/internal/ssh/sshio"
)

// RenderInterval is the default tick cadence. Missed ticks are
// skipped, never accumulated.
const RenderInterval = 100 * time.Millisecond

// Terminal control sequences bracketing the dashboard's ownership of
// the client terminal.
const (
	enterScreen   = "\x1b[?1049h\x1b[?25l\x1b[2J\x1b[H"
	restoreScreen = "\x1b[?25h\x1b[?1049l"
)

// ErrQuit is returned from a Renderer's Handle to request a clean
// exit, typically on q or Ctrl+C.
var ErrQuit = errors.New("quit")

// Size is the terminal geometry, updated by Resize events and read
// by anything that needs the current window.
type Size struct {
	Cols        uint32
	Rows        uint32
	PixelWidth  uint32
	PixelHeight uint32
}

// Renderer is the widget tree. Draw writes one full frame; Handle
// consumes non-render events in send order. Both run on the driver's
// single goroutine, so implementations need no locking.
type Renderer interface {
	Draw(out io.Writer, size Size) error
	Handle(ev Event) error
}

// RawWidget takes over the channel during a Raw handoff, reading its
// input from stdin until it returns.
type RawWidget interface {
	Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error
}

// Driver owns the dashboard event loop for one PTY.
type Driver struct {
	renderer Renderer
	interval time.Duration
	queue    *queue
	log      *slog.Logger

	mu   sync.Mutex
	size Size

	channel io.Writer
	writer  *sshio.Blocking

	started atomic.Bool
	cancel  context.CancelFunc

	// loopErr is written once, before done is closed; every consumer
	// of Done observes the same termination.
	loopErr error
	done    chan struct{}

	raw      RawWidget
	rawStdin *io.PipeWriter
}

// Option configures a Driver.
type Option func(*Driver)

// WithInterval overrides the render cadence, mostly for tests.
func WithInterval(interval time.Duration) Option {
	return func(d *Driver) { d.interval = interval }
}

// WithDriverLogger configures a structured logger.
func WithDriverLogger(log *slog.Logger) Option {
	return func(d *Driver) { d.log = log }
}

// New builds a stopped Driver around renderer.
func New(renderer Renderer, opts ...Option) *Driver {
	d := &Driver{
		renderer: renderer,
		interval: RenderInterval,
		queue:    newQueue(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = slog.Default().With("component", "dashboard")
	}

	return d
}

// Start takes ownership of channel and begins rendering. Renders go
// through a blocking writer flushed once per frame; raw widgets
// write to the channel directly.
func (d *Driver) Start(channel io.Writer) {
	if !d.started.CompareAndSwap(false, true) {
		return
	}

	d.channel = channel
	d.writer = sshio.NewBlocking(channel)

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	go func() {
		var err error
		defer func() {
			// Terminal restore must happen even if the renderer
			// panics; the process stays up either way.
			if r := recover(); r != nil {
				err = fmt.Errorf("renderer panic: %v", r)
			}
			d.restore(err)
			cancel()
			d.loopErr = err
			close(d.done)
		}()

		err = d.loop(ctx)
	}()
}

// Send enqueues ev without blocking, in any state.
func (d *Driver) Send(ev Event) {
	d.queue.push(ev)
}

// Stop requests shutdown and waits for the loop to finish. The
// context bounds the wait; on expiry the loop is cancelled hard.
func (d *Driver) Stop(ctx context.Context) error {
	if !d.started.Load() {
		return nil
	}

	d.Send(Shutdown{})

	select {
	case <-d.done:
		return d.loopErr
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}

// Done is closed when the loop terminates; Err carries the cause.
// Safe for any number of consumers.
func (d *Driver) Done() <-chan struct{} {
	return d.done
}

// Err reports the loop's terminal error. Valid once Done is closed.
func (d *Driver) Err() error {
	select {
	case <-d.done:
		return d.loopErr
	default:
		return nil
	}
}

// Size returns the current terminal geometry.
func (d *Driver) Size() Size {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

func (d *Driver) loop(ctx context.Context) error {
	if _, err := io.WriteString(d.channel, enterScreen); err != nil {
		return err
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.queue.wait():
			for _, ev := range d.queue.drain() {
				stop, err := d.handle(ctx, ev)
				if stop || err != nil {
					return err
				}
			}
		case <-ticker.C:
			// A raw widget owns the writer; skip the tick instead of
			// queueing frames behind it.
			if d.raw != nil {
				continue
			}
			if err := d.draw(); err != nil {
				return err
			}
		}
	}
}

func (d *Driver) handle(ctx context.Context, ev Event) (bool, error) {
	switch ev := ev.(type) {
	case Shutdown:
		return true, nil

	case Resize:
		d.mu.Lock()
		d.size = Size{Cols: ev.Cols, Rows: ev.Rows, PixelWidth: ev.PixelWidth, PixelHeight: ev.PixelHeight}
		d.mu.Unlock()
		return false, d.forward(ev)

	case Bytes:
		if d.raw != nil {
			if _, err := d.rawStdin.Write(ev.Buf); err != nil {
				d.log.Error("raw stdin", "error", err)
			}
			return false, nil
		}
		for _, key := range DecodeKeys(ev.Buf) {
			if err := d.forward(Input{Key: key}); err != nil {
				return false, err
			}
		}
		return false, nil

	case Raw:
		d.startRaw(ctx, ev.Widget)
		return false, nil

	case Finished:
		if d.rawStdin != nil {
			d.rawStdin.Close()
		}
		d.raw = nil
		d.rawStdin = nil
		if ev.Err != nil {
			d.log.Error("raw widget", "error", ev.Err)
		}
		// Repaint from scratch; the sub-widget scribbled over the
		// whole screen.
		if _, err := io.WriteString(d.channel, "\x1b[2J\x1b[H"); err != nil {
			return false, err
		}
		if err := d.forward(ev); err != nil {
			return false, err
		}
		return false, d.draw()

	case Render:
		if d.raw != nil {
			return false, nil
		}
		return false, d.draw()

	default:
		return false, d.forward(ev)
	}
}

// forward passes ev to the renderer, translating ErrQuit into a
// clean shutdown.
func (d *Driver) forward(ev Event) error {
	if err := d.renderer.Handle(ev); err != nil {
		if errors.Is(err, ErrQuit) {
			d.Send(Shutdown{})
			return nil
		}
		return err
	}
	return nil
}

func (d *Driver) draw() error {
	if err := d.renderer.Draw(d.writer, d.Size()); err != nil {
		return fmt.Errorf("draw: %w", err)
	}
	return d.writer.Flush()
}

func (d *Driver) startRaw(ctx context.Context, widget RawWidget) {
	pr, pw := io.Pipe()
	d.raw = widget
	d.rawStdin = pw

	go func() {
		err := widget.Run(ctx, pr, d.channel)
		pr.Close()
		d.Send(Finished{Err: err})
	}()
}

func (d *Driver) restore(cause error) {
	if d.channel == nil {
		return
	}
	io.WriteString(d.channel, restoreScreen)
	if cause != nil {
		io.WriteString(d.channel, "exiting...\r\n")
	}
}
