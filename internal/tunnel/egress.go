package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"
	corev1 "k8s.io/api/core/v1"
	discoveryv1 "k8s.io/api/discovery/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/kty-dev/kty/internal/cluster"
	"github.com/kty-dev/kty/internal/metrics"
	"github.com/kty-dev/kty/internal/ssh/sshio"
)

// Labels and annotations marking egress-published objects. Ownership
// cannot use owner references because the Service lives in the
// user's namespace, not the gateway's, so a reaper collects by these
// instead.
const (
	ManagedBy          = "egress.kty.dev"
	AnnotationHost     = "egress.kty.dev/host"
	AnnotationIdentity = "egress.kty.dev/identity"

	labelServiceName = "kubernetes.io/service-name"
	labelManagedBy   = "endpointslice.kubernetes.io/managed-by"
)

var (
	serviceResource       = schema.GroupVersionResource{Version: "v1", Resource: "services"}
	endpointSliceResource = schema.GroupVersionResource{Group: "discovery.k8s.io", Version: "v1", Resource: "endpointslices"}
)

// ChannelOpener opens server-initiated channels on the client
// connection. *ssh.ServerConn satisfies it.
type ChannelOpener interface {
	OpenChannel(name string, data []byte) (ssh.Channel, <-chan *ssh.Request, error)
}

// forwardedTCPIP is the payload of a forwarded-tcpip channel open,
// RFC 4254 section 7.2.
type forwardedTCPIP struct {
	DestAddr   string
	DestPort   uint32
	OriginAddr string
	OriginPort uint32
}

// Egress publishes reverse tunnels for one authenticated session.
type Egress struct {
	clients cluster.Clients
	conn    ChannelOpener

	// The gateway pod backing the published EndpointSlice.
	gatewayPod string
	gatewayIP  string
	identity   string

	log *slog.Logger
}

// EgressOption configures an Egress.
type EgressOption func(*Egress)

// WithEgressLogger configures a structured logger.
func WithEgressLogger(log *slog.Logger) EgressOption {
	return func(e *Egress) { e.log = log }
}

// NewEgress builds the egress engine for one session. clients should
// be the session's impersonated bundle so publication is subject to
// the user's RBAC.
func NewEgress(clients cluster.Clients, conn ChannelOpener, gatewayPod, gatewayIP, identity string, opts ...EgressOption) *Egress {
	e := &Egress{
		clients:    clients,
		conn:       conn,
		gatewayPod: gatewayPod,
		gatewayIP:  gatewayIP,
		identity:   identity,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = slog.Default().With("component", "egress")
	}

	return e
}

// Forward is one active reverse tunnel.
type Forward struct {
	listener net.Listener
	cancel   context.CancelFunc
}

// LocalPort is the ephemeral port the gateway listens on; the
// published Service targets it.
func (f *Forward) LocalPort() uint32 {
	return uint32(f.listener.Addr().(*net.TCPAddr).Port)
}

// Close aborts the listener and all child copies. The published
// Service and EndpointSlice are intentionally left for the reaper.
func (f *Forward) Close() {
	f.cancel()
	f.listener.Close()
}

// Serve handles one tcpip-forward request. host must be
// <namespace>/<service>; the gateway binds an ephemeral port,
// publishes a ClusterIP Service on the requested port targeting it,
// and forwards every accepted connection back to the client as a
// forwarded-tcpip channel.
func (e *Egress) Serve(ctx context.Context, host string, port uint32) (*Forward, error) {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return nil, fmt.Errorf("cannot forward %s, use -R <namespace>/<service>:<remote-port>:localhost:<local-port>", host)
	}

	namespace, name, ok := strings.Cut(strings.Trim(host, "/"), "/")
	if !ok || namespace == "" || name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("unsupported bind address %q, use <namespace>/<service>", host)
	}

	listener, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("bind egress listener: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	fwd := &Forward{listener: listener, cancel: cancel}

	if err := e.publish(ctx, namespace, name, port, fwd.LocalPort()); err != nil {
		fwd.Close()
		return nil, err
	}

	e.log.Info("egress published", "service", namespace+"/"+name, "port", port, "target", fwd.LocalPort())

	go e.accept(ctx, fwd, host, port)

	return fwd, nil
}

func (e *Egress) accept(ctx context.Context, fwd *Forward, host string, port uint32) {
	context.AfterFunc(ctx, func() { fwd.listener.Close() })

	for {
		conn, err := fwd.listener.Accept()
		if err != nil {
			if ctx.Err() == nil {
				e.log.Error("egress accept", "error", err)
			}
			return
		}

		go func() {
			defer conn.Close()

			origin, originPort := originAddr(conn)
			payload := ssh.Marshal(forwardedTCPIP{
				DestAddr:   host,
				DestPort:   port,
				OriginAddr: origin,
				OriginPort: originPort,
			})

			channel, reqs, err := e.conn.OpenChannel("forwarded-tcpip", payload)
			if err != nil {
				e.log.Error("open forwarded-tcpip", "error", err)
				return
			}
			go ssh.DiscardRequests(reqs)

			if err := Splice(ctx, "services", metrics.DirectionEgress, sshio.NewAsyncChannel(channel), conn); err != nil {
				e.log.Error("egress stream", "error", err)
			}
		}()
	}
}

// publish applies the Service and EndpointSlice that route cluster
// traffic for namespace/name:port onto the gateway's listener.
func (e *Egress) publish(ctx context.Context, namespace, name string, port, target uint32) error {
	service := &corev1.Service{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "Service"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels: map[string]string{
				labelManagedBy: ManagedBy,
			},
			Annotations: map[string]string{
				AnnotationHost:     e.gatewayPod,
				AnnotationIdentity: e.identity,
			},
		},
		Spec: corev1.ServiceSpec{
			Type: corev1.ServiceTypeClusterIP,
			Ports: []corev1.ServicePort{{
				Protocol:   corev1.ProtocolTCP,
				Port:       int32(port),
				TargetPort: intstr.FromInt32(int32(target)),
			}},
		},
	}
	if err := e.apply(ctx, serviceResource, service, namespace, name); err != nil {
		return fmt.Errorf("publish service %s/%s: %w", namespace, name, err)
	}

	protocol := corev1.ProtocolTCP
	targetPort := int32(target)
	slice := &discoveryv1.EndpointSlice{
		TypeMeta: metav1.TypeMeta{APIVersion: "discovery.k8s.io/v1", Kind: "EndpointSlice"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels: map[string]string{
				labelServiceName: name,
				labelManagedBy:   ManagedBy,
			},
			Annotations: map[string]string{
				AnnotationHost:     e.gatewayPod,
				AnnotationIdentity: e.identity,
			},
		},
		AddressType: discoveryv1.AddressTypeIPv4,
		Endpoints: []discoveryv1.Endpoint{{
			Addresses: []string{e.gatewayIP},
		}},
		Ports: []discoveryv1.EndpointPort{{
			Protocol: &protocol,
			Port:     &targetPort,
		}},
	}
	if err := e.apply(ctx, endpointSliceResource, slice, namespace, name); err != nil {
		return fmt.Errorf("publish endpoint slice %s/%s: %w", namespace, name, err)
	}

	return nil
}

func (e *Egress) apply(ctx context.Context, gvr schema.GroupVersionResource, obj any, namespace, name string) error {
	raw, err := runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
	if err != nil {
		return err
	}

	_, err = e.clients.Dynamic.Resource(gvr).Namespace(namespace).Apply(ctx, name,
		&unstructured.Unstructured{Object: raw}, metav1.ApplyOptions{
			FieldManager: cluster.ControllerName,
			Force:        true,
		})
	return err
}

func originAddr(conn net.Conn) (string, uint32) {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.IP.String(), uint32(tcp.Port)
	}
	return conn.RemoteAddr().String(), 0
}
