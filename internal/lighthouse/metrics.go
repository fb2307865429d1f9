package lighthouse

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "lighthouse"

type metrics struct {
	failuresDetected   prometheus.Counter
	undelivered        prometheus.Counter
	recoveries         prometheus.Counter
	participantResets  prometheus.Counter
	quorumsFormed      prometheus.Counter
	heartbeatsReceived prometheus.Counter
	joinsPending       prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, l *Lighthouse) *metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		})
	}
	m := &metrics{
		failuresDetected:   counter("failures_detected_total", "Replicas declared failed by heartbeat expiry."),
		undelivered:        counter("failure_notifications_undelivered_total", "Failure notifications that reached no subscriber."),
		recoveries:         counter("replica_recoveries_total", "Failed replicas that heartbeat again."),
		participantResets:  counter("participant_resets_total", "Quorum rounds abandoned after a failure."),
		quorumsFormed:      counter("quorums_formed_total", "Quorum assignments finalized."),
		heartbeatsReceived: counter("heartbeats_received_total", "Heartbeat requests accepted."),
		joinsPending:       counter("joins_pending_total", "Join requests answered with pending."),
	}

	gauge := func(name, help string, f func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		}, f)
	}
	reg.MustRegister(
		m.failuresDetected, m.undelivered, m.recoveries, m.participantResets,
		m.quorumsFormed, m.heartbeatsReceived, m.joinsPending,
		gauge("subscribers", "Attached failure subscribers.", func() float64 {
			return float64(l.bus.Len())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "subscribers_evicted_total",
			Help:      "Subscribers evicted for falling behind.",
		}, func() float64 {
			return float64(l.bus.Evicted())
		}),
		gauge("tracked_replicas", "Replicas with a live heartbeat entry.", func() float64 {
			hb, _, _ := l.state.counts()
			return float64(hb)
		}),
		gauge("participants", "Participants in the round being formed.", func() float64 {
			_, p, _ := l.state.counts()
			return float64(p)
		}),
		gauge("failed_replicas", "Replicas currently in the failure set.", func() float64 {
			_, _, f := l.state.counts()
			return float64(f)
		}),
	)
	return m
}
