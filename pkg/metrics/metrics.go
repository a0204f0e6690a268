// Package metrics defines the prometheus counters for the protocol engine
// and its runtime. All increment methods are safe to call on a nil
// receiver so the engine can run without metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates the engine event counters.
type Metrics struct {
	requestsSent     prometheus.Counter
	requestsServed   prometheus.Counter
	repliesDelivered prometheus.Counter
	timeouts         prometheus.Counter
	orderingFailures prometheus.Counter
	droppedDatagrams prometheus.Counter
	staleResponses   prometheus.Counter
	acksSent         prometheus.Counter
	prepareFailures  prometheus.Counter
	routerNotify     prometheus.Counter
}

// New creates the counter set and registers it with reg.
func New(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "r2p2",
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(c)
		return c
	}
	return &Metrics{
		requestsSent:     counter("requests_sent_total", "Outgoing requests issued by the client engine."),
		requestsServed:   counter("requests_served_total", "Requests delivered to the application handler."),
		repliesDelivered: counter("replies_delivered_total", "Reassembled replies delivered to the success callback."),
		timeouts:         counter("request_timeouts_total", "Client pairs torn down by the request timer."),
		orderingFailures: counter("ordering_failures_total", "Pairs destroyed by out-of-order or miscounted packets."),
		droppedDatagrams: counter("dropped_datagrams_total", "Ingress datagrams dropped before dispatch."),
		staleResponses:   counter("stale_responses_total", "Responses that matched no in-flight request."),
		acksSent:         counter("acks_sent_total", "ACK packets sent for multi-packet requests."),
		prepareFailures:  counter("prepare_failures_total", "Requests dropped because the backend could not prepare a socket."),
		routerNotify:     counter("router_notify_total", "Router notifications issued after reply sends."),
	}
}

func (m *Metrics) RequestSent() {
	if m != nil {
		m.requestsSent.Inc()
	}
}

func (m *Metrics) RequestServed() {
	if m != nil {
		m.requestsServed.Inc()
	}
}

func (m *Metrics) ReplyDelivered() {
	if m != nil {
		m.repliesDelivered.Inc()
	}
}

func (m *Metrics) Timeout() {
	if m != nil {
		m.timeouts.Inc()
	}
}

func (m *Metrics) OrderingFailure() {
	if m != nil {
		m.orderingFailures.Inc()
	}
}

func (m *Metrics) DroppedDatagram() {
	if m != nil {
		m.droppedDatagrams.Inc()
	}
}

func (m *Metrics) StaleResponse() {
	if m != nil {
		m.staleResponses.Inc()
	}
}

func (m *Metrics) AckSent() {
	if m != nil {
		m.acksSent.Inc()
	}
}

func (m *Metrics) PrepareFailure() {
	if m != nil {
		m.prepareFailures.Inc()
	}
}

func (m *Metrics) RouterNotify() {
	if m != nil {
		m.routerNotify.Inc()
	}
}
