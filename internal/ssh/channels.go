package ssh

import (
	"fmt"

	"golang.org/x/crypto/ssh"

	"github.com/kty-dev/kty/internal/dashboard"
	"github.com/kty-dev/kty/internal/metrics"
	"github.com/kty-dev/kty/internal/resources"
	ktysftp "github.com/kty-dev/kty/internal/sftp"
	"github.com/kty-dev/kty/internal/ssh/sshio"
	"github.com/kty-dev/kty/internal/tunnel"
)

// Wire payloads, RFC 4254 sections 6.2, 6.7, 7.1 and 7.2.
type (
	ptyRequest struct {
		Term   string
		Cols   uint32
		Rows   uint32
		Width  uint32
		Height uint32
		Modes  string
	}

	windowChange struct {
		Cols   uint32
		Rows   uint32
		Width  uint32
		Height uint32
	}

	subsystemRequest struct {
		Name string
	}

	directTCPIP struct {
		DestAddr   string
		DestPort   uint32
		OriginAddr string
		OriginPort uint32
	}

	tcpipForward struct {
		Addr string
		Port uint32
	}

	tcpipForwardReply struct {
		Port uint32
	}

	exitStatus struct {
		Status uint32
	}
)

// serve dispatches the post-handshake connection: global requests on
// one goroutine, each opened channel on its own.
func (s *session) serve(conn *ssh.ServerConn, chans <-chan ssh.NewChannel, reqs <-chan *ssh.Request) {
	go s.handleGlobals(conn, reqs)

	for newChan := range chans {
		metrics.Channels.WithLabelValues(newChan.ChannelType()).Inc()

		switch newChan.ChannelType() {
		case "session":
			go s.handleSession(newChan)
		case "direct-tcpip":
			go s.handleDirectTCPIP(newChan)
		default:
			newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
		}
	}
}

// handleGlobals serves tcpip-forward and cancel-tcpip-forward. The
// request stream is sequential, so the forward table needs no lock.
func (s *session) handleGlobals(conn *ssh.ServerConn, reqs <-chan *ssh.Request) {
	forwards := map[string]*tunnel.Forward{}
	defer func() {
		for _, fwd := range forwards {
			fwd.Close()
		}
	}()

	var egress *tunnel.Egress

	for req := range reqs {
		metrics.Requests.WithLabelValues(req.Type).Inc()

		switch req.Type {
		case "tcpip-forward":
			if !s.server.features.Egress {
				s.reject(req, "egress tunnels are disabled")
				continue
			}

			var msg tcpipForward
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
				s.reject(req, "malformed tcpip-forward request")
				continue
			}

			if egress == nil {
				egress = s.egress(conn)
			}

			fwd, err := egress.Serve(s.ctx, msg.Addr, msg.Port)
			if err != nil {
				s.log.Warn("tcpip-forward", "host", msg.Addr, "error", err)
				s.reject(req, err.Error())
				continue
			}
			forwards[forwardKey(msg)] = fwd

			if req.WantReply {
				req.Reply(true, ssh.Marshal(tcpipForwardReply{Port: msg.Port}))
			}

		case "cancel-tcpip-forward":
			var msg tcpipForward
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
				s.reject(req, "malformed cancel-tcpip-forward request")
				continue
			}

			if fwd, ok := forwards[forwardKey(msg)]; ok {
				fwd.Close()
				delete(forwards, forwardKey(msg))
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func forwardKey(msg tcpipForward) string {
	return fmt.Sprintf("%s:%d", msg.Addr, msg.Port)
}

// handleSession serves one session channel: the PTY dashboard and the
// SFTP subsystem. exec is refused; there is no shell to run commands
// in.
func (s *session) handleSession(newChan ssh.NewChannel) {
	if err := s.expect(StateAuthenticated, StateChannelOpen, StatePtyStarted); err != nil {
		newChan.Reject(ssh.Prohibited, err.Error())
		return
	}

	channel, requests, err := newChan.Accept()
	if err != nil {
		s.log.Error("accept session channel", "error", err)
		return
	}
	s.transition(StateChannelOpen)

	var (
		driver *dashboard.Driver
		size   dashboard.Resize
		hasPty bool
	)

	for req := range requests {
		metrics.Requests.WithLabelValues(req.Type).Inc()

		switch req.Type {
		case "pty-req":
			if !s.server.features.Pty {
				s.reject(req, "the dashboard is disabled")
				continue
			}
			var msg ptyRequest
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
				s.reject(req, "malformed pty-req")
				continue
			}
			size = dashboard.Resize{Cols: msg.Cols, Rows: msg.Rows, PixelWidth: msg.Width, PixelHeight: msg.Height}
			hasPty = true
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "shell":
			if !hasPty || driver != nil {
				s.reject(req, "shell requires a pty")
				continue
			}
			s.transition(StatePtyStarted)

			driver = dashboard.New(s.server.renderer(s.clients, s.ident), dashboard.WithDriverLogger(s.log))
			driver.Start(channel)
			driver.Send(size)

			// Keystrokes flow through the broadcast table: the pump
			// publishes under this channel's id, the consumer feeds
			// the dashboard.
			in := make(chan []byte, inputBacklog)
			id := s.inputSeq.Add(1)
			s.inputs.Add(id, in)
			go func() {
				for buf := range in {
					driver.Send(dashboard.Bytes{Buf: buf})
				}
			}()

			go s.pump(channel, id, in, driver)
			go func() {
				<-driver.Done()
				channel.SendRequest("exit-status", false, ssh.Marshal(exitStatus{}))
				channel.Close()
			}()

			if req.WantReply {
				req.Reply(true, nil)
			}

		case "window-change":
			var msg windowChange
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
				continue
			}
			size = dashboard.Resize{Cols: msg.Cols, Rows: msg.Rows, PixelWidth: msg.Width, PixelHeight: msg.Height}
			if driver != nil {
				driver.Send(size)
			}

		case "subsystem":
			var msg subsystemRequest
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil || msg.Name != "sftp" {
				s.reject(req, "unsupported subsystem")
				continue
			}
			if !s.server.features.SFTP {
				s.reject(req, "sftp is disabled")
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

			go func() {
				if err := ktysftp.Serve(s.ctx, resources.NewBrowser(s.clients), channel, s.log); err != nil {
					s.log.Error("sftp", "error", err)
				}
				channel.SendRequest("exit-status", false, ssh.Marshal(exitStatus{}))
				channel.Close()
			}()

		case "exec":
			s.reject(req, "command execution is not supported, connect without a command")

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}

	if driver != nil {
		driver.Stop(s.ctx)
	}
}

// inputBacklog bounds the per-channel keystroke buffer; a consumer
// that falls this far behind loses bytes rather than blocking the
// pump.
const inputBacklog = 64

// pump publishes client keystrokes into the broadcast table under id.
func (s *session) pump(channel ssh.Channel, id uint32, in chan []byte, driver *dashboard.Driver) {
	defer func() {
		s.inputs.Remove(id)
		close(in)
		driver.Send(dashboard.Shutdown{})
	}()

	buf := make([]byte, 4096)
	for {
		n, err := channel.Read(buf)
		if n > 0 {
			metrics.BytesReceived.Add(float64(n))
			s.inputs.Send(id, append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			return
		}
	}
}

// handleDirectTCPIP serves one ingress tunnel. The host is resolved
// and RBAC-checked before the channel is accepted so a denial reaches
// the client as a channel open failure with the grant to add.
func (s *session) handleDirectTCPIP(newChan ssh.NewChannel) {
	if !s.server.features.Ingress {
		newChan.Reject(ssh.Prohibited, "ingress tunnels are disabled")
		return
	}

	var msg directTCPIP
	if err := ssh.Unmarshal(newChan.ExtraData(), &msg); err != nil {
		newChan.Reject(ssh.ConnectionFailed, "malformed direct-tcpip request")
		return
	}

	target, err := resources.ResolveHost(s.ctx, s.clients, msg.DestAddr)
	if err != nil {
		s.log.Warn("ingress denied", "host", msg.DestAddr, "error", err)
		newChan.Reject(ssh.Prohibited, err.Error())
		return
	}

	channel, reqs, err := newChan.Accept()
	if err != nil {
		s.log.Error("accept direct-tcpip", "error", err)
		return
	}
	go ssh.DiscardRequests(reqs)

	if err := tunnel.Connect(s.ctx, target, sshio.NewAsyncChannel(channel), msg.DestPort); err != nil {
		s.log.Error("ingress stream", "host", msg.DestAddr, "port", msg.DestPort, "error", err)
	}
}

func (s *session) reject(req *ssh.Request, reason string) {
	s.log.Warn("request refused", "type", req.Type, "reason", reason)
	if req.WantReply {
		req.Reply(false, []byte(reason))
	}
}
