// Package metrics: коллекторы Prometheus шлюза.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "socialchat"

type Metrics struct {
	reg *prometheus.Registry

	subscriptions prometheus.Gauge
	writes        *prometheus.CounterVec
	wsConnections prometheus.Gauge
	controllers   prometheus.Gauge
	pushes        *prometheus.CounterVec
	uploads       *prometheus.CounterVec
}

// New создаёт коллекторы на собственном реестре (плюс go- и process-коллекторы).
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "docstore_active_subscriptions",
			Help:      "Active live queries and document listeners.",
		}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_writes_total",
			Help:      "Document writes issued by chat controllers.",
		}, []string{"op", "result"}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open WebSocket connections.",
		}),
		controllers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chat_controllers",
			Help:      "Live chat session controllers.",
		}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_notifications_total",
			Help:      "Push notifications handed to the push service.",
		}, []string{"result"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Image uploads.",
		}, []string{"result"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.subscriptions, m.writes, m.wsConnections, m.controllers, m.pushes, m.uploads,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Write учитывает запись контроллера. Отменённые запросы не считаются ошибкой.
func (m *Metrics) Write(op string, err error) {
	m.writes.WithLabelValues(op, result(err)).Inc()
}

// Subscriptions: обработчик docstore.Feed.OnChange.
func (m *Metrics) Subscriptions(active int) {
	m.subscriptions.Set(float64(active))
}

func (m *Metrics) ConnOpened()       { m.wsConnections.Inc() }
func (m *Metrics) ConnClosed()       { m.wsConnections.Dec() }
func (m *Metrics) ControllerOpened() { m.controllers.Inc() }
func (m *Metrics) ControllerClosed() { m.controllers.Dec() }

func (m *Metrics) Push(err error)   { m.pushes.WithLabelValues(result(err)).Inc() }
func (m *Metrics) Upload(err error) { m.uploads.WithLabelValues(result(err)).Inc() }

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
