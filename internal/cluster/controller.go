// Package cluster wraps access to the Kubernetes API for the rest of
// the gateway: a shared client bundle, an event recorder identifying
// this controller instance, self-subject access reviews, and
// impersonated per-identity clients.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	authorizationv1 "k8s.io/api/authorization/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	typedcorev1 "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/record"
)

// ControllerName identifies this process in events and as the
// server-side apply field manager.
const ControllerName = "kty.dev"

// Clients bundles the typed and dynamic views of one *rest.Config.
// It is cheap to copy; the interfaces share the underlying transport.
type Clients struct {
	Typed   kubernetes.Interface
	Dynamic dynamic.Interface
	Config  *rest.Config
}

// Controller holds the gateway's own cluster access plus the event
// reporter. All subsystems share one Controller; it is safe for
// concurrent use.
type Controller struct {
	clients   Clients
	namespace string

	broadcaster record.EventBroadcaster
	recorder    record.EventRecorder

	log *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger configures a structured logger. Defaults to slog.Default
// with a "component" attribute.
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// New builds a Controller from the ambient cluster config. The
// recorder reports events as ControllerName running on this host.
func New(cfg *rest.Config, namespace string, opts ...Option) (*Controller, error) {
	typed, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("cluster client: %w", err)
	}

	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("dynamic client: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = ControllerName
	}

	broadcaster := record.NewBroadcaster()
	broadcaster.StartRecordingToSink(&typedcorev1.EventSinkImpl{
		Interface: typed.CoreV1().Events(""),
	})

	c := &Controller{
		clients: Clients{
			Typed:   typed,
			Dynamic: dyn,
			Config:  cfg,
		},
		namespace:   namespace,
		broadcaster: broadcaster,
		recorder: broadcaster.NewRecorder(scheme.Scheme, corev1.EventSource{
			Component: ControllerName,
			Host:      hostname,
		}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default().With("component", "cluster")
	}

	return c, nil
}

// Clients returns the gateway's own client bundle.
func (c *Controller) Clients() Clients {
	return c.clients
}

// Namespace returns the namespace Users and Keys live in.
func (c *Controller) Namespace() string {
	return c.namespace
}

// Publish records a cluster Event against ref. The broadcaster
// delivers asynchronously; delivery failures are logged by client-go,
// never surfaced to the caller.
func (c *Controller) Publish(ref *corev1.ObjectReference, eventType, reason, message string) {
	c.recorder.Event(ref, eventType, reason, message)
}

// CanI answers whether the principal behind clients may perform the
// action described by attrs, via a self-subject access review.
// Decisions are never cached.
func CanI(ctx context.Context, clients Clients, attrs authorizationv1.ResourceAttributes) (bool, error) {
	review, err := clients.Typed.AuthorizationV1().SelfSubjectAccessReviews().Create(ctx,
		&authorizationv1.SelfSubjectAccessReview{
			Spec: authorizationv1.SelfSubjectAccessReviewSpec{
				ResourceAttributes: &attrs,
			},
		}, metav1.CreateOptions{})
	if err != nil {
		return false, fmt.Errorf("access review: %w", err)
	}

	return review.Status.Allowed, nil
}

// Impersonate returns a client bundle that acts as user with the
// given groups. RBAC on every call made through it is evaluated
// against the impersonated identity, not the gateway service account.
func (c *Controller) Impersonate(user string, groups []string) (Clients, error) {
	cfg := rest.CopyConfig(c.clients.Config)
	cfg.Impersonate = rest.ImpersonationConfig{
		UserName: user,
		Groups:   groups,
	}

	typed, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return Clients{}, fmt.Errorf("impersonated client for %s: %w", user, err)
	}

	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return Clients{}, fmt.Errorf("impersonated dynamic client for %s: %w", user, err)
	}

	return Clients{Typed: typed, Dynamic: dyn, Config: cfg}, nil
}

// Shutdown flushes pending events.
func (c *Controller) Shutdown() {
	c.broadcaster.Shutdown()
}
