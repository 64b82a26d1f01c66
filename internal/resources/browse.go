package resources

import (
	"context"
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/kty-dev/kty/internal/cluster"
)

var lsCommand = []string{"ls", "-l", "--time-style=+%s"}

type runner interface {
	Run(ctx context.Context, namespace, pod, container string, command []string) ([]byte, []byte, error)
}

// Browser implements read-only filesystem semantics over virtual
// paths: the first three levels come from the cluster API, deeper
// levels from ls and cat inside the container.
type Browser struct {
	clients cluster.Clients
	exec    runner
}

// NewBrowser builds a Browser over clients.
func NewBrowser(clients cluster.Clients) *Browser {
	return &Browser{clients: clients, exec: NewExecer(clients)}
}

// List returns the entries under p: namespaces at the root, pods in a
// namespace, containers in a pod, filesystem entries below that. For
// ls output the leading "total" line is dropped.
func (b *Browser) List(ctx context.Context, p Path) ([]*Entry, error) {
	switch p.Depth() {
	case 0:
		return b.listNamespaces(ctx)
	case 1:
		return b.listPods(ctx, p)
	case 2:
		return b.listContainers(ctx, p)
	}

	stdout, stderr, err := b.exec.Run(ctx, p.Namespace(), p.Pod(), p.Container(), append(lsCommand, p.FilePath()))
	if err != nil {
		return nil, execError(p, stderr, err)
	}

	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	if len(lines) > 0 && strings.HasPrefix(lines[0], "total") {
		lines = lines[1:]
	}

	entries := make([]*Entry, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		entry, err := ParseLong(line, p.FilePath())
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// Stat resolves p to a single entry without reading it.
func (b *Browser) Stat(ctx context.Context, p Path) (*Entry, error) {
	switch p.Depth() {
	case 0:
		return dirEntry("/", "", time.Time{}), nil
	case 1:
		ns, err := b.clients.Typed.CoreV1().Namespaces().Get(ctx, p.Namespace(), metav1.GetOptions{})
		if err != nil {
			return nil, clusterError(p, err)
		}
		return dirEntry("/", ns.Name, ns.CreationTimestamp.Time), nil
	case 2:
		pod, err := b.clients.Typed.CoreV1().Pods(p.Namespace()).Get(ctx, p.Pod(), metav1.GetOptions{})
		if err != nil {
			return nil, clusterError(p, err)
		}
		return dirEntry("/"+p.Namespace(), pod.Name, pod.CreationTimestamp.Time), nil
	case 3:
		pod, err := b.clients.Typed.CoreV1().Pods(p.Namespace()).Get(ctx, p.Pod(), metav1.GetOptions{})
		if err != nil {
			return nil, clusterError(p, err)
		}
		for _, c := range containerNames(pod) {
			if c == p.Container() {
				return dirEntry("/"+p.Namespace()+"/"+p.Pod(), c, pod.CreationTimestamp.Time), nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrNoSuchFile, p)
	}

	stdout, stderr, err := b.exec.Run(ctx, p.Namespace(), p.Pod(), p.Container(),
		append(append([]string{}, lsCommand...), "-d", p.FilePath()))
	if err != nil {
		return nil, execError(p, stderr, err)
	}

	line := strings.TrimSpace(string(stdout))
	if line == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchFile, p)
	}

	return ParseLong(line, p.FilePath())
}

// Read returns the full contents of the file at p.
func (b *Browser) Read(ctx context.Context, p Path) ([]byte, error) {
	if p.Depth() < 4 {
		return nil, fmt.Errorf("%s is not a file", p)
	}

	stdout, stderr, err := b.exec.Run(ctx, p.Namespace(), p.Pod(), p.Container(), []string{"cat", p.FilePath()})
	if err != nil {
		return nil, execError(p, stderr, err)
	}

	return stdout, nil
}

func (b *Browser) listNamespaces(ctx context.Context) ([]*Entry, error) {
	list, err := b.clients.Typed.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}

	entries := make([]*Entry, 0, len(list.Items))
	for _, ns := range list.Items {
		entries = append(entries, dirEntry("/", ns.Name, ns.CreationTimestamp.Time))
	}

	return entries, nil
}

func (b *Browser) listPods(ctx context.Context, p Path) ([]*Entry, error) {
	list, err := b.clients.Typed.CoreV1().Pods(p.Namespace()).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, clusterError(p, err)
	}

	entries := make([]*Entry, 0, len(list.Items))
	for _, pod := range list.Items {
		entries = append(entries, dirEntry("/"+p.Namespace(), pod.Name, pod.CreationTimestamp.Time))
	}

	return entries, nil
}

func (b *Browser) listContainers(ctx context.Context, p Path) ([]*Entry, error) {
	pod, err := b.clients.Typed.CoreV1().Pods(p.Namespace()).Get(ctx, p.Pod(), metav1.GetOptions{})
	if err != nil {
		return nil, clusterError(p, err)
	}

	names := containerNames(pod)
	entries := make([]*Entry, 0, len(names))
	for _, name := range names {
		entries = append(entries, dirEntry("/"+p.Namespace()+"/"+p.Pod(), name, pod.CreationTimestamp.Time))
	}

	return entries, nil
}

func containerNames(pod *corev1.Pod) []string {
	names := make([]string, 0, len(pod.Spec.Containers)+len(pod.Spec.InitContainers))
	for _, c := range pod.Spec.Containers {
		names = append(names, c.Name)
	}
	for _, c := range pod.Spec.InitContainers {
		names = append(names, c.Name)
	}
	return names
}

func clusterError(p Path, err error) error {
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("%w: %s", ErrNoSuchFile, p)
	}
	return err
}

func execError(p Path, stderr []byte, err error) error {
	if strings.Contains(strings.ToLower(string(stderr)), "no such file") {
		return fmt.Errorf("%w: %s", ErrNoSuchFile, p)
	}
	return err
}
