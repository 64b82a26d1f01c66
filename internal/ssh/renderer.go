package ssh

import (
	"fmt"
	"io"
	"strings"

	"github.com/kty-dev/kty/internal/cluster"
	"github.com/kty-dev/kty/internal/dashboard"
	"github.com/kty-dev/kty/internal/identity"
)

// RendererFactory builds the widget tree for one PTY session. clients
// is the session's impersonated bundle, so widgets inherit the user's
// RBAC.
type RendererFactory func(clients cluster.Clients, ident *identity.Identity) dashboard.Renderer

// statusRenderer is the default dashboard: who is logged in plus the
// non-interactive surfaces of the gateway. q or Ctrl+C exits.
type statusRenderer struct {
	ident *identity.Identity
}

func defaultRenderer(_ cluster.Clients, ident *identity.Identity) dashboard.Renderer {
	return &statusRenderer{ident: ident}
}

func (r *statusRenderer) Draw(out io.Writer, size dashboard.Size) error {
	var b strings.Builder
	fmt.Fprintf(&b, "kty\r\n\r\n")
	fmt.Fprintf(&b, "logged in as %s\r\n", r.ident.Name)
	if len(r.ident.Groups) > 0 {
		fmt.Fprintf(&b, "groups: %s\r\n", strings.Join(r.ident.Groups, ", "))
	}
	b.WriteString("\r\n")
	b.WriteString("browse files    sftp <host>:/<namespace>/<pod>/<container>/\r\n")
	b.WriteString("forward in      ssh -L <local>:pods/<ns>/<name>:<port> <host>\r\n")
	b.WriteString("forward out     ssh -R <ns>/<service>:<port>:localhost:<local> <host>\r\n")
	b.WriteString("\r\n")
	b.WriteString("press q to exit\r\n")

	if size.Rows > 0 && size.Cols > 0 {
		fmt.Fprintf(&b, "\r\n%dx%d\r\n", size.Cols, size.Rows)
	}

	_, err := io.WriteString(out, "\x1b[H"+b.String())
	return err
}

func (r *statusRenderer) Handle(ev dashboard.Event) error {
	input, ok := ev.(dashboard.Input)
	if !ok {
		return nil
	}

	switch {
	case input.Key.Key == dashboard.KeyCtrlC, input.Key.Key == dashboard.KeyCtrlD:
		return dashboard.ErrQuit
	case input.Key.Key == dashboard.KeyRune && input.Key.Rune == 'q':
		return dashboard.ErrQuit
	}

	return nil
}
