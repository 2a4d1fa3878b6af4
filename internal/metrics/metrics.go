// Package metrics holds the prometheus collectors of the sync layer.
// Every method is safe on a nil *Metrics so components can run unmetered.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "chatsync"

// Metrics groups the counters exported by the sync layer.
type Metrics struct {
	messageUpserts   *prometheus.CounterVec
	messageEvictions prometheus.Counter
	decodeErrors     *prometheus.CounterVec
	typingWrites     *prometheus.CounterVec
	sessionMutations *prometheus.CounterVec
	sessionRefreshes *prometheus.CounterVec
	identityReloads  *prometheus.CounterVec
	fetchPages       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which tests use to avoid global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messageUpserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_upserts_total",
			Help:      "Message upserts by outcome (applied or noop).",
		}, []string{"result"}),
		messageEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_evictions_total",
			Help:      "Messages evicted from memory by the size ceiling.",
		}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_decode_errors_total",
			Help:      "Push events dropped because they could not be decoded.",
		}, []string{"stream"}),
		typingWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "typing_writes_total",
			Help:      "Typing state writes sent to the remote.",
		}, []string{"state"}),
		sessionMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_mutations_total",
			Help:      "Optimistic session mutations by operation and result.",
		}, []string{"op", "result"}),
		sessionRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_refreshes_total",
			Help:      "Session list refreshes by result.",
		}, []string{"result"}),
		identityReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_reloads_total",
			Help:      "Identity cache reloads by result.",
		}, []string{"result"}),
		fetchPages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_pages_total",
			Help:      "History pages fetched by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.messageUpserts, m.messageEvictions, m.decodeErrors, m.typingWrites,
			m.sessionMutations, m.sessionRefreshes, m.identityReloads, m.fetchPages,
		)
	}
	return m
}

func (m *Metrics) MessageUpsert(applied bool) {
	if m == nil {
		return
	}
	m.messageUpserts.WithLabelValues(outcome(applied, "applied", "noop")).Inc()
}

func (m *Metrics) MessagesEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.messageEvictions.Add(float64(n))
}

func (m *Metrics) DecodeError(stream string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(stream).Inc()
}

func (m *Metrics) TypingWrite(typing bool) {
	if m == nil {
		return
	}
	m.typingWrites.WithLabelValues(outcome(typing, "start", "stop")).Inc()
}

func (m *Metrics) SessionMutation(op string, ok bool) {
	if m == nil {
		return
	}
	m.sessionMutations.WithLabelValues(op, outcome(ok, "ok", "rolled_back")).Inc()
}

// SessionRefresh records a refresh outcome: "ok", "error" or "skipped".
func (m *Metrics) SessionRefresh(result string) {
	if m == nil {
		return
	}
	m.sessionRefreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) IdentityReload(ok bool) {
	if m == nil {
		return
	}
	m.identityReloads.WithLabelValues(outcome(ok, "ok", "error")).Inc()
}

func (m *Metrics) FetchPage(ok bool) {
	if m == nil {
		return
	}
	m.fetchPages.WithLabelValues(outcome(ok, "ok", "error")).Inc()
}

func outcome(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
