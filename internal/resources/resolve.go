package resources

import (
	"context"
	"fmt"
	"strings"

	authorizationv1 "k8s.io/api/authorization/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/kty-dev/kty/internal/cluster"
)

// Target is a resolved tunnel destination.
type Target struct {
	// Resource is pods, services or nodes; used as the metric label.
	Resource string
	// Addr is the connectable host (IP or cluster DNS name).
	Addr string
}

// ResolveHost turns a tunnel host spec into a connectable address.
// Supported forms are pods/<ns>/<name>, services/<ns>/<name> and
// nodes/<name>. Access is pre-checked with a self-subject access
// review for `create` on the proxy subresource, evaluated against
// clients (impersonated for the session's user); denials carry the
// exact grant to add.
func ResolveHost(ctx context.Context, clients cluster.Clients, host string) (*Target, error) {
	segments := strings.Split(strings.Trim(host, "/"), "/")
	resource := segments[0]

	var namespace, name string
	switch {
	case resource == "nodes" && len(segments) == 2:
		name = segments[1]
	case (resource == "pods" || resource == "services") && len(segments) == 3:
		namespace, name = segments[1], segments[2]
	default:
		return nil, fmt.Errorf("unsupported host %q, use pods/<ns>/<name>, services/<ns>/<name> or nodes/<name>", host)
	}

	allowed, err := cluster.CanI(ctx, clients, authorizationv1.ResourceAttributes{
		Verb:        "create",
		Resource:    resource,
		Subresource: "proxy",
		Namespace:   namespace,
		Name:        name,
	})
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, &AccessError{Verb: "create", Resource: resource + "/proxy", Path: host}
	}

	addr, err := lookup(ctx, clients, resource, namespace, name)
	if err != nil {
		if apierrors.IsForbidden(err) {
			return nil, &AccessError{Verb: "get", Resource: resource, Path: host}
		}
		return nil, err
	}

	return &Target{Resource: resource, Addr: addr}, nil
}

func lookup(ctx context.Context, clients cluster.Clients, resource, namespace, name string) (string, error) {
	switch resource {
	case "pods":
		pod, err := clients.Typed.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return "", err
		}
		if pod.Status.PodIP == "" {
			return "", fmt.Errorf("pod %s/%s has no assigned IP", namespace, name)
		}
		return pod.Status.PodIP, nil

	case "services":
		// Resolved through cluster DNS so the service's own load
		// balancing applies.
		if _, err := clients.Typed.CoreV1().Services(namespace).Get(ctx, name, metav1.GetOptions{}); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s.%s.svc", name, namespace), nil

	case "nodes":
		node, err := clients.Typed.CoreV1().Nodes().Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return "", err
		}
		for _, addr := range node.Status.Addresses {
			if addr.Type == corev1.NodeInternalIP {
				return addr.Address, nil
			}
		}
		return "", fmt.Errorf("node %s has no internal IP", name)
	}

	return "", fmt.Errorf("unsupported resource %q", resource)
}
