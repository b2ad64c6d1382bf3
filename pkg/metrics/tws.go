package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WireCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "twsrx",
		Name:      "wire_commands_total",
		Help:      "Commands written to the TWS connection",
	}, []string{"cmd"}) // connect/disconnect/req_hist/cancel_hist/acct_enable/acct_disable

	WireMessagesInTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "twsrx",
		Name:      "wire_messages_in_total",
		Help:      "Messages received from the TWS connection, by message id",
	}, []string{"msg_id"})

	HubEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "twsrx",
		Name:      "hub_events_total",
		Help:      "Error hub events by class",
	}, []string{"class"}) // error/info/fault

	StreamTerminalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "twsrx",
		Name:      "stream_terminals_total",
		Help:      "Per-request streams finished, by kind and outcome",
	}, []string{"kind", "outcome"}) // kind: history/snapshot/live  outcome: complete/fault/cancel

	OpenHistoryRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "twsrx",
		Name:      "history_open_requests",
		Help:      "Historical requests currently in the correlation table",
	})

	AccountSlotState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "twsrx",
		Name:      "account_slot_state",
		Help:      "Account update slot state (0 idle, 1 snapshot, 2 live, 3 live pending snapshot)",
	})

	SnapshotQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "twsrx",
		Name:      "account_snapshot_queue_depth",
		Help:      "Snapshots waiting for the account update slot",
	})

	DisableConfirmTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "twsrx",
		Name:      "account_disable_confirm_timeouts_total",
		Help:      "Live preemptions that proceeded without the unsubscribe confirmation",
	})

	SessionState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "twsrx",
		Name:      "session_state",
		Help:      "Session lifecycle state (0 disconnected, 1 connected, 2 disposed)",
	})

	ConnectDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "twsrx",
		Name:      "session_connect_seconds",
		Help:      "Time from connect to order id resolution, by outcome",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"}) // ok/timeout/fault/error

	PacingDelay = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "twsrx",
		Name:      "history_pacing_delay_seconds",
		Help:      "Delay imposed on historical requests by pacing",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16), // 10ms ~ 5min
	})
)

func OnWireCommand(cmd string) {
	WireCommandsTotal.WithLabelValues(cmd).Inc()
}

func OnWireMessage(msgID int) {
	WireMessagesInTotal.WithLabelValues(strconv.Itoa(msgID)).Inc()
}

func OnHubEvent(isError bool) {
	if isError {
		HubEventsTotal.WithLabelValues("error").Inc()
		return
	}
	HubEventsTotal.WithLabelValues("info").Inc()
}

func OnStreamTerminal(kind string, err error, cancelled bool) {
	switch {
	case cancelled:
		StreamTerminalsTotal.WithLabelValues(kind, "cancel").Inc()
	case err != nil:
		StreamTerminalsTotal.WithLabelValues(kind, "fault").Inc()
	default:
		StreamTerminalsTotal.WithLabelValues(kind, "complete").Inc()
	}
}

func ObservePacing(d time.Duration) {
	PacingDelay.Observe(d.Seconds())
}
