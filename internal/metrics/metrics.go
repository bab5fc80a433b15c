// Package metrics holds the prometheus collectors exported by the chat server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Key relay outcomes.
const (
	RelayForwarded = "forwarded"
	RelayDelivered = "delivered"
	RelayAbandoned = "abandoned"
	RelayRejected  = "rejected"
)

var (
	ConnectedParticipants = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wardenchat_connected_participants",
		Help: "Number of participants currently on the roster",
	})

	EnvelopesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wardenchat_envelopes_total",
		Help: "Envelopes received from clients by kind",
	}, []string{"kind"})

	KeyRelaysTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wardenchat_key_relays_total",
		Help: "Key exchange steps brokered by the room, by outcome",
	}, []string{"outcome"})

	BroadcastFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wardenchat_broadcast_failures_total",
		Help: "Recipients dropped because their outbound queue was closed or full",
	})

	PromotionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wardenchat_promotions_total",
		Help: "Key warden promotions, by whether a rekey was required",
	}, []string{"rekey"})

	EventProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wardenchat_event_processing_seconds",
		Help:    "Time the room spends on each event type",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(ConnectedParticipants)
	prometheus.MustRegister(EnvelopesTotal)
	prometheus.MustRegister(KeyRelaysTotal)
	prometheus.MustRegister(BroadcastFailuresTotal)
	prometheus.MustRegister(PromotionsTotal)
	prometheus.MustRegister(EventProcessingDuration)
}

// Handler serves the default registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
