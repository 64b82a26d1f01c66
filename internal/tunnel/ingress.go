package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/kty-dev/kty/internal/cluster"
	"github.com/kty-dev/kty/internal/metrics"
	"github.com/kty-dev/kty/internal/resources"
)

const connectTimeout = time.Second

// Ingress serves one direct-tcpip channel: resolve host against the
// cluster (RBAC pre-checked as the session's user), dial the target
// with a short timeout, splice until either side closes.
func Ingress(ctx context.Context, clients cluster.Clients, channel io.ReadWriteCloser, host string, port uint32) error {
	target, err := resources.ResolveHost(ctx, clients, host)
	if err != nil {
		return err
	}

	return Connect(ctx, target, channel, port)
}

// Connect dials an already resolved target and splices channel onto
// it. Split from Ingress so callers can resolve before committing to
// the channel.
func Connect(ctx context.Context, target *resources.Target, channel io.ReadWriteCloser, port uint32) error {
	dialer := net.Dialer{Timeout: connectTimeout}
	addr := net.JoinHostPort(target.Addr, strconv.FormatUint(uint64(port), 10))

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to %s (%s): %w", addr, target.Resource, err)
	}

	return Splice(ctx, target.Resource, metrics.DirectionIngress, channel, conn)
}
