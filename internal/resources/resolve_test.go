package resources

import (
	"context"
	"errors"
	"strings"
	"testing"

	authorizationv1 "k8s.io/api/authorization/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/kty-dev/kty/internal/cluster"
)

func resolveClients(allowed bool, objs ...runtime.Object) cluster.Clients {
	fc := fake.NewClientset(objs...)
	fc.PrependReactor("create", "selfsubjectaccessreviews", func(action k8stesting.Action) (bool, runtime.Object, error) {
		review := action.(k8stesting.CreateAction).GetObject().(*authorizationv1.SelfSubjectAccessReview)
		review.Status.Allowed = allowed
		return true, review, nil
	})
	return cluster.Clients{Typed: fc}
}

func TestResolveHostPod(t *testing.T) {
	pod := testPod("ns1", "pod-a", "main")
	pod.Status.PodIP = "10.0.0.5"
	clients := resolveClients(true, pod)

	target, err := ResolveHost(context.Background(), clients, "pods/ns1/pod-a")
	if err != nil {
		t.Fatalf("ResolveHost: %v", err)
	}
	if target.Resource != "pods" || target.Addr != "10.0.0.5" {
		t.Errorf("target = %+v, want pods/10.0.0.5", target)
	}
}

func TestResolveHostService(t *testing.T) {
	clients := resolveClients(true, &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "ns1"},
	})

	target, err := ResolveHost(context.Background(), clients, "services/ns1/web")
	if err != nil {
		t.Fatalf("ResolveHost: %v", err)
	}
	if got, want := target.Addr, "web.ns1.svc"; got != want {
		t.Errorf("addr = %q, want %q", got, want)
	}
}

func TestResolveHostNode(t *testing.T) {
	clients := resolveClients(true, &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "worker-1"},
		Status: corev1.NodeStatus{
			Addresses: []corev1.NodeAddress{
				{Type: corev1.NodeHostName, Address: "worker-1"},
				{Type: corev1.NodeInternalIP, Address: "192.168.1.10"},
			},
		},
	})

	target, err := ResolveHost(context.Background(), clients, "nodes/worker-1")
	if err != nil {
		t.Fatalf("ResolveHost: %v", err)
	}
	if got, want := target.Addr, "192.168.1.10"; got != want {
		t.Errorf("addr = %q, want %q", got, want)
	}
}

func TestResolveHostDenied(t *testing.T) {
	clients := resolveClients(false)

	_, err := ResolveHost(context.Background(), clients, "pods/ns1/pod-a")
	var access *AccessError
	if !errors.As(err, &access) {
		t.Fatalf("got %v, want AccessError", err)
	}
	if !strings.Contains(access.Error(), "grant `create` for `pods/proxy`") {
		t.Errorf("remediation = %q, want create on pods/proxy", access.Error())
	}
}

func TestResolveHostForbiddenGet(t *testing.T) {
	clients := resolveClients(true)
	clients.Typed.(*fake.Clientset).PrependReactor("get", "pods", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewForbidden(
			schema.GroupResource{Resource: "pods"}, "pod-a", errors.New("denied"))
	})

	_, err := ResolveHost(context.Background(), clients, "pods/ns1/pod-a")
	var access *AccessError
	if !errors.As(err, &access) {
		t.Fatalf("got %v, want AccessError", err)
	}
	if !strings.Contains(access.Error(), "grant `get` for `pods`") {
		t.Errorf("remediation = %q, want get on pods", access.Error())
	}
}

func TestResolveHostBadSpec(t *testing.T) {
	clients := resolveClients(true)

	for _, host := range []string{"", "pods/ns1", "nodes/a/b", "configmaps/ns1/cm"} {
		if _, err := ResolveHost(context.Background(), clients, host); err == nil {
			t.Errorf("ResolveHost(%q): expected error", host)
		}
	}
}
