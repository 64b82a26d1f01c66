// Package metrics defines the process-wide Prometheus collectors.
// Every subsystem records through these; the /metrics listener in
// internal/transport/http serializes the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values used across subsystems. Keeping them here avoids
// drifting spellings between the recorder and the dashboards.
const (
	MethodPublicKey   = "publickey"
	MethodInteractive = "interactive"
	MethodOpenID      = "openid"

	ResultAccept  = "accept"
	ResultPartial = "partial"
	ResultReject  = "reject"

	ResultValid   = "valid"
	ResultInvalid = "invalid"

	DirectionIngress = "ingress"
	DirectionEgress  = "egress"

	DestinationIncoming = "incoming"
	DestinationOutgoing = "outgoing"

	DirectionSent     = "sent"
	DirectionReceived = "received"

	WriterBlocking    = "blocking"
	WriterNonBlocking = "non_blocking"
)

var (
	// Session lifecycle.

	SessionTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_total",
		Help: "Total number of SSH sessions",
	})
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "active_sessions",
		Help: "Number of currently active SSH sessions",
	})
	SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "session_duration_minutes",
		Help:    "Session duration in minutes",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 240},
	})
	BytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bytes_received_total",
		Help: "Total bytes received on SSH channels",
	})

	// Authentication.

	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_attempts_total",
		Help: "Authentication attempts by method",
	}, []string{"method"})
	AuthResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_results_total",
		Help: "Authentication results by method and result",
	}, []string{"method", "result"})
	AuthSucceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_succeeded_total",
		Help: "Successful authentications by method",
	}, []string{"method"})
	CodeGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "code_generated_total",
		Help: "Device codes generated",
	})
	CodeChecked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "code_checked_total",
		Help: "Device code checks against the token endpoint by result",
	}, []string{"result"})

	// Channel and request accounting.

	Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "requests_total",
		Help: "Channel requests by method",
	}, []string{"method"})
	Channels = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "channels_total",
		Help: "Channels opened by method",
	}, []string{"method"})
	ChannelBytesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "channel_bytes_sent_total",
		Help: "Bytes written to SSH channels by writer type",
	}, []string{"type"})
	UnexpectedState = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_unexpected_state_total",
		Help: "Events received in a session state that does not accept them",
	}, []string{"expected", "actual"})

	// Tunnels.

	StreamTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_total",
		Help: "Streams opened by resource and direction",
	}, []string{"resource", "direction"})
	StreamActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stream_active",
		Help: "Active streams by resource and direction",
	}, []string{"resource", "direction"})
	StreamBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_bytes_total",
		Help: "Bytes streamed by resource, direction and destination",
	}, []string{"resource", "direction", "destination"})
	StreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stream_duration_seconds",
		Help:    "Stream duration in seconds",
		Buckets: []float64{0.1, 0.2, 0.3, 0.5, 0.8, 1.3, 2.1},
	}, []string{"resource", "direction"})

	// SFTP.

	SftpActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sftp_active_sessions",
		Help: "Number of active SFTP sessions",
	})
	SftpBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sftp_bytes_total",
		Help: "Bytes transferred via SFTP by direction",
	}, []string{"direction"})
	SftpFiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sftp_files_total",
		Help: "Files transferred via SFTP by direction",
	}, []string{"direction"})
	SftpStat = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sftp_stat_total",
		Help: "Total stat calls via SFTP",
	})
	SftpList = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sftp_list_total",
		Help: "Total list calls via SFTP",
	})
)
