package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var (
	MessageTypeCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dhcp_message_type_total",
			Help: "Total number of DHCP messages by type",
		},
		[]string{"type"},
	)

	MessageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dhcp_message_latency_seconds",
			Help:    "Latency of DHCP message processing in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	MalformedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dhcp_malformed_messages_total",
		Help: "Datagrams dropped because they could not be decoded",
	})

	RepliesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dhcp_replies_total",
			Help: "Replies produced by the lease manager, by type",
		},
		[]string{"type"},
	)

	Unserviced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dhcp_unserviced_total",
			Help: "Requests that produced no reply or a negative result, by type",
		},
		[]string{"type"},
	)

	AvailableLeases = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dhcp_available_leases",
			Help: "Number of free addresses per subnet pool",
		},
		[]string{"subnet"},
	)

	ActiveLeases = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dhcp_allocated_leases",
			Help: "Number of allocated addresses per subnet pool",
		},
		[]string{"subnet"},
	)

	ArpCheckFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dhcp_arp_check_failures_total",
		Help: "The total number of IP collisions detected by ARP check",
	})

	LeaseExpirations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dhcp_lease_expirations_total",
		Help: "Number of leases evicted from the store after going idle",
	})

	LeaseReclaims = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dhcp_lease_reclaims_total",
		Help: "Pool addresses reclaimed because their holder no longer leases them",
	})
)

func StartMetricsServer(listenAddr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Metrics server error: %v", err)
		}
	}()
	return server
}
