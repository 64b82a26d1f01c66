package resources

import (
	"context"
	"errors"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/kty-dev/kty/internal/cluster"
)

type stubRunner struct {
	stdout string
	stderr string
	err    error

	gotCommand []string
}

func (s *stubRunner) Run(_ context.Context, _, _, _ string, command []string) ([]byte, []byte, error) {
	s.gotCommand = command
	return []byte(s.stdout), []byte(s.stderr), s.err
}

func testBrowser(run *stubRunner, objs ...runtime.Object) *Browser {
	fc := fake.NewClientset(objs...)
	return &Browser{clients: cluster.Clients{Typed: fc}, exec: run}
}

func testPod(namespace, name string, containers ...string) *corev1.Pod {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:              name,
			Namespace:         namespace,
			CreationTimestamp: metav1.NewTime(time.Unix(1700000000, 0)),
		},
	}
	for _, c := range containers {
		pod.Spec.Containers = append(pod.Spec.Containers, corev1.Container{Name: c})
	}
	return pod
}

func TestListNamespaces(t *testing.T) {
	b := testBrowser(&stubRunner{},
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "ns1"}},
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "ns2"}})

	entries, err := b.List(context.Background(), ParsePath("/"))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Name != "ns1" || !entries[0].IsDir() {
		t.Errorf("entry = %+v, want directory ns1", entries[0])
	}
}

func TestListPods(t *testing.T) {
	b := testBrowser(&stubRunner{}, testPod("ns1", "pod-a", "main"))

	entries, err := b.List(context.Background(), ParsePath("/ns1"))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "pod-a" {
		t.Fatalf("entries = %+v, want pod-a", entries)
	}
	if got, want := entries[0].Path, "/ns1/pod-a"; got != want {
		t.Errorf("path = %q, want %q", got, want)
	}
}

func TestListContainers(t *testing.T) {
	b := testBrowser(&stubRunner{}, testPod("ns1", "pod-a", "main", "sidecar"))

	entries, err := b.List(context.Background(), ParsePath("/ns1/pod-a"))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Name != "main" || entries[1].Name != "sidecar" {
		t.Errorf("entries = %v, %v; want main, sidecar", entries[0].Name, entries[1].Name)
	}
}

func TestListContainerRoot(t *testing.T) {
	run := &stubRunner{stdout: "total 4\ndrwxr-xr-x 2 root root 4096 1700000000 etc\n-rw-r--r-- 1 root root 12 1700000000 hello.txt\n"}
	b := testBrowser(run, testPod("ns1", "pod-a", "main"))

	entries, err := b.List(context.Background(), ParsePath("/ns1/pod-a/main/"))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2 (total line dropped)", len(entries))
	}
	if entries[0].Name != "etc" || entries[0].Path != "/etc" || !entries[0].IsDir() {
		t.Errorf("entry = %+v, want directory /etc", entries[0])
	}
	if entries[1].Name != "hello.txt" || entries[1].Size != 12 {
		t.Errorf("entry = %+v, want hello.txt size 12", entries[1])
	}

	want := []string{"ls", "-l", "--time-style=+%s", "/"}
	if len(run.gotCommand) != len(want) {
		t.Fatalf("command = %v, want %v", run.gotCommand, want)
	}
	for i := range want {
		if run.gotCommand[i] != want[i] {
			t.Fatalf("command = %v, want %v", run.gotCommand, want)
		}
	}
}

func TestStatFile(t *testing.T) {
	run := &stubRunner{stdout: "-rw-r--r-- 1 root root 10 1700000000 /etc/hostname\n"}
	b := testBrowser(run, testPod("ns1", "pod-a", "main"))

	entry, err := b.Stat(context.Background(), ParsePath("/ns1/pod-a/main/etc/hostname"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if entry.Name != "hostname" || entry.Size != 10 || entry.Type != TypeRegular {
		t.Errorf("entry = %+v, want regular hostname size 10", entry)
	}
	if got := run.gotCommand[3]; got != "-d" {
		t.Errorf("stat must pass -d, got command %v", run.gotCommand)
	}
}

func TestStatContainer(t *testing.T) {
	b := testBrowser(&stubRunner{}, testPod("ns1", "pod-a", "main"))

	entry, err := b.Stat(context.Background(), ParsePath("/ns1/pod-a/main"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !entry.IsDir() || entry.Name != "main" {
		t.Errorf("entry = %+v, want directory main", entry)
	}

	if _, err := b.Stat(context.Background(), ParsePath("/ns1/pod-a/missing")); !errors.Is(err, ErrNoSuchFile) {
		t.Errorf("missing container: got %v, want ErrNoSuchFile", err)
	}
}

func TestStatMissingPod(t *testing.T) {
	b := testBrowser(&stubRunner{})

	if _, err := b.Stat(context.Background(), ParsePath("/ns1/pod-a")); !errors.Is(err, ErrNoSuchFile) {
		t.Errorf("missing pod: got %v, want ErrNoSuchFile", err)
	}
}

func TestRead(t *testing.T) {
	run := &stubRunner{stdout: "hello\n"}
	b := testBrowser(run, testPod("ns1", "pod-a", "main"))

	data, err := b.Read(context.Background(), ParsePath("/ns1/pod-a/main/etc/motd"))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "hello\n" {
		t.Errorf("data = %q, want %q", data, "hello\n")
	}
	if run.gotCommand[0] != "cat" || run.gotCommand[1] != "/etc/motd" {
		t.Errorf("command = %v, want cat /etc/motd", run.gotCommand)
	}
}

func TestReadEmptyFile(t *testing.T) {
	b := testBrowser(&stubRunner{}, testPod("ns1", "pod-a", "main"))

	data, err := b.Read(context.Background(), ParsePath("/ns1/pod-a/main/empty"))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("data = %q, want empty", data)
	}
}

func TestReadNoSuchFile(t *testing.T) {
	run := &stubRunner{stderr: "cat: /etc/missing: No such file or directory\n", err: errors.New("command terminated with exit code 1")}
	b := testBrowser(run, testPod("ns1", "pod-a", "main"))

	if _, err := b.Read(context.Background(), ParsePath("/ns1/pod-a/main/etc/missing")); !errors.Is(err, ErrNoSuchFile) {
		t.Errorf("missing file: got %v, want ErrNoSuchFile", err)
	}
}

func TestReadDirectoryLevel(t *testing.T) {
	b := testBrowser(&stubRunner{}, testPod("ns1", "pod-a", "main"))

	if _, err := b.Read(context.Background(), ParsePath("/ns1/pod-a")); err == nil {
		t.Error("reading a cluster level must fail")
	}
}
