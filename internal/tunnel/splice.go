// Package tunnel moves TCP bytes between SSH channels and cluster
// resources: ingress dials into the cluster on behalf of the client,
// egress publishes a virtual service whose traffic is forwarded back
// to the client.
package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kty-dev/kty/internal/metrics"
)

// Splice copies bytes in both directions until either side reaches
// EOF, then closes both. Outgoing counts bytes leaving the SSH client
// toward the cluster, incoming the reverse. The active gauge is
// incremented before any byte crosses and decremented exactly once.
func Splice(ctx context.Context, resource, direction string, channel, conn io.ReadWriteCloser) error {
	metrics.StreamTotal.WithLabelValues(resource, direction).Inc()
	metrics.StreamActive.WithLabelValues(resource, direction).Inc()

	start := time.Now()
	defer func() {
		metrics.StreamActive.WithLabelValues(resource, direction).Dec()
		metrics.StreamDuration.WithLabelValues(resource, direction).Observe(time.Since(start).Seconds())
	}()

	g, ctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(ctx, func() {
		channel.Close()
		conn.Close()
	})
	defer stop()

	g.Go(func() error {
		defer channel.Close()
		defer conn.Close()

		n, err := io.Copy(conn, channel)
		metrics.StreamBytes.WithLabelValues(resource, direction, metrics.DestinationOutgoing).Add(float64(n))
		return ignoreClosed(err)
	})
	g.Go(func() error {
		defer channel.Close()
		defer conn.Close()

		n, err := io.Copy(channel, conn)
		metrics.StreamBytes.WithLabelValues(resource, direction, metrics.DestinationIncoming).Add(float64(n))
		return ignoreClosed(err)
	})

	return g.Wait()
}

// ignoreClosed drops the errors produced when the opposite copy
// direction tears the connection down first.
func ignoreClosed(err error) error {
	if err == nil ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
