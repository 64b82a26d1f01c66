// Package dashboard drives the in-terminal UI over an SSH channel.
// The widget tree itself is a collaborator behind the Renderer
// interface; this package owns the event loop, the render tick, the
// resize bookkeeping and the raw-mode handoff.
package dashboard

// Event is the driver's typed input. Events are processed strictly
// in send order.
type Event interface {
	isEvent()
}

// Render forces a draw outside the tick cadence.
type Render struct{}

// Input is one decoded keypress.
type Input struct {
	Key Keypress
}

// Resize updates the terminal dimensions. Zero-sized areas are
// forwarded as-is; renderers must tolerate them.
type Resize struct {
	Cols        uint32
	Rows        uint32
	PixelWidth  uint32
	PixelHeight uint32
}

// Tunnel reports the outcome of a tunnel the user opened, for
// display.
type Tunnel struct {
	Err error
}

// Shutdown stops the loop after restoring the terminal.
type Shutdown struct{}

// Raw hands the channel writer to a sub-widget (a pod shell) until
// Finished arrives.
type Raw struct {
	Widget RawWidget
}

// Finished signals the raw sub-widget returned; rendering resumes.
type Finished struct {
	Err error
}

// Bytes is raw input from the SSH channel, decoded into keypresses
// or piped verbatim to the active raw widget.
type Bytes struct {
	Buf []byte
}

func (Render) isEvent()   {}
func (Input) isEvent()    {}
func (Resize) isEvent()   {}
func (Tunnel) isEvent()   {}
func (Shutdown) isEvent() {}
func (Raw) isEvent()      {}
func (Finished) isEvent() {}
func (Bytes) isEvent()    {}
