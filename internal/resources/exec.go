package resources

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/remotecommand"

	"github.com/kty-dev/kty/internal/cluster"
)

// Execer runs commands inside pod containers over the exec
// subresource.
type Execer struct {
	clients cluster.Clients
}

// NewExecer builds an Execer over clients. Pass an impersonated
// bundle so RBAC is evaluated as the session's user.
func NewExecer(clients cluster.Clients) *Execer {
	return &Execer{clients: clients}
}

// Run executes command and returns both output streams. A non-zero
// exit comes back as an error alongside whatever was captured.
func (e *Execer) Run(ctx context.Context, namespace, pod, container string, command []string) (stdout, stderr []byte, err error) {
	var outBuf, errBuf bytes.Buffer

	err = e.stream(ctx, namespace, pod, container, command, remotecommand.StreamOptions{
		Stdout: &outBuf,
		Stderr: &errBuf,
	}, false)
	if err != nil {
		return outBuf.Bytes(), errBuf.Bytes(), fmt.Errorf("exec in %s/%s[%s]: %w", namespace, pod, container, err)
	}

	return outBuf.Bytes(), errBuf.Bytes(), nil
}

// Shell attaches an interactive TTY to command, wiring the caller's
// streams straight through. Used by the dashboard's pod-shell raw
// widget.
func (e *Execer) Shell(ctx context.Context, namespace, pod, container string, command []string, stdin io.Reader, stdout io.Writer, resize remotecommand.TerminalSizeQueue) error {
	err := e.stream(ctx, namespace, pod, container, command, remotecommand.StreamOptions{
		Stdin:             stdin,
		Stdout:            stdout,
		Tty:               true,
		TerminalSizeQueue: resize,
	}, true)
	if err != nil {
		return fmt.Errorf("shell in %s/%s[%s]: %w", namespace, pod, container, err)
	}

	return nil
}

func (e *Execer) stream(ctx context.Context, namespace, pod, container string, command []string, opts remotecommand.StreamOptions, tty bool) error {
	req := e.clients.Typed.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(pod).
		Namespace(namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: container,
			Command:   command,
			Stdin:     opts.Stdin != nil,
			Stdout:    opts.Stdout != nil,
			Stderr:    opts.Stderr != nil,
			TTY:       tty,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(e.clients.Config, http.MethodPost, req.URL())
	if err != nil {
		return fmt.Errorf("create executor: %w", err)
	}

	return exec.StreamWithContext(ctx, opts)
}
