package engine

import "github.com/prometheus/client_golang/prometheus"

// Poll tick outcomes.
const (
	outcomeOK       = "ok"
	outcomeStale    = "stale"
	outcomeError    = "error"
	outcomeNotFound = "not_found"
	outcomeTerminal = "terminal"
)

var (
	pollTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "protoscale",
			Subsystem: "engine",
			Name:      "poll_ticks_total",
			Help:      "Poll ticks by lane and outcome",
		},
		[]string{"lane", "outcome"},
	)

	laneStartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "protoscale",
			Subsystem: "engine",
			Name:      "lane_starts_total",
			Help:      "Polling lane generations started",
		},
		[]string{"lane"},
	)

	commitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "protoscale",
			Subsystem: "engine",
			Name:      "commits_total",
			Help:      "Snapshots written to the shared store",
		},
	)

	syncMergesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "protoscale",
			Subsystem: "engine",
			Name:      "sync_messages_total",
			Help:      "Snapshots received from other contexts by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(pollTicksTotal, laneStartsTotal, commitsTotal, syncMergesTotal)
}
