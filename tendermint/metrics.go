package tendermint

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespaceTributary = "tributary"
	subsystemMachine   = "tendermint"
)

// Metrics collects consensus metrics for one chain. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	height           prometheus.Gauge
	round            prometheus.Gauge
	roundsStarted    prometheus.Counter
	blocksCommitted  prometheus.Counter
	blocksSynced     prometheus.Counter
	slashes          *prometheus.CounterVec
	messages         *prometheus.CounterVec
	timeoutsExpired  *prometheus.CounterVec
	messagesRejected *prometheus.CounterVec
}

// NewMetrics creates the metrics for the chain labelled chain and registers
// them with reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer, chain string) *Metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"chain": chain}

	return &Metrics{
		height: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "height",
			Namespace:   namespaceTributary,
			Subsystem:   subsystemMachine,
			Help:        "the block number currently being decided",
			ConstLabels: labels,
		}),
		round: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "round",
			Namespace:   namespaceTributary,
			Subsystem:   subsystemMachine,
			Help:        "the round currently being executed",
			ConstLabels: labels,
		}),
		roundsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name:        "rounds_started_total",
			Namespace:   namespaceTributary,
			Subsystem:   subsystemMachine,
			Help:        "the number of rounds started",
			ConstLabels: labels,
		}),
		blocksCommitted: factory.NewCounter(prometheus.CounterOpts{
			Name:        "blocks_committed_total",
			Namespace:   namespaceTributary,
			Subsystem:   subsystemMachine,
			Help:        "the number of blocks finalized by live consensus",
			ConstLabels: labels,
		}),
		blocksSynced: factory.NewCounter(prometheus.CounterOpts{
			Name:        "blocks_synced_total",
			Namespace:   namespaceTributary,
			Subsystem:   subsystemMachine,
			Help:        "the number of blocks added through sync",
			ConstLabels: labels,
		}),
		slashes: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "slashes_total",
			Namespace:   namespaceTributary,
			Subsystem:   subsystemMachine,
			Help:        "the number of slashes triggered",
			ConstLabels: labels,
		}, []string{"kind"}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "messages_total",
			Namespace:   namespaceTributary,
			Subsystem:   subsystemMachine,
			Help:        "the number of consensus messages processed",
			ConstLabels: labels,
		}, []string{"step"}),
		timeoutsExpired: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "timeouts_total",
			Namespace:   namespaceTributary,
			Subsystem:   subsystemMachine,
			Help:        "the number of step timeouts which expired",
			ConstLabels: labels,
		}, []string{"step"}),
		messagesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "messages_rejected_total",
			Namespace:   namespaceTributary,
			Subsystem:   subsystemMachine,
			Help:        "the number of consensus messages rejected",
			ConstLabels: labels,
		}, []string{"reason"}),
	}
}

func (m *Metrics) newRound(height uint64, round uint32) {
	if m == nil {
		return
	}
	m.height.Set(float64(height))
	m.round.Set(float64(round))
	m.roundsStarted.Inc()
}

func (m *Metrics) committed() {
	if m == nil {
		return
	}
	m.blocksCommitted.Inc()
}

func (m *Metrics) synced() {
	if m == nil {
		return
	}
	m.blocksSynced.Inc()
}

func (m *Metrics) slashed(withEvidence bool) {
	if m == nil {
		return
	}
	kind := "vote"
	if withEvidence {
		kind = "evidence"
	}
	m.slashes.WithLabelValues(kind).Inc()
}

func (m *Metrics) message(step Step) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(step.String()).Inc()
}

func (m *Metrics) timeout(step Step) {
	if m == nil {
		return
	}
	m.timeoutsExpired.WithLabelValues(step.String()).Inc()
}

func (m *Metrics) rejected(reason string) {
	if m == nil {
		return
	}
	m.messagesRejected.WithLabelValues(reason).Inc()
}
