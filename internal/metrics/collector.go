package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/leozw/clan-war-guardian/internal/config"
	"github.com/leozw/clan-war-guardian/internal/core"
)

type Collector struct {
	config   *config.MimirConfig
	registry *prometheus.Registry
	mimir    *MimirClient
	logger   *zap.Logger

	// Scheduler
	ticksTotal  prometheus.Counter
	jobsTotal   *prometheus.CounterVec
	jobDuration prometheus.Histogram
	queueDepth  prometheus.Gauge

	// Tracker
	fetchFailures *prometheus.CounterVec
	escalations   *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	monitorsTotal *prometheus.GaugeVec

	// Reminders and delivery
	remindersFired      *prometheus.CounterVec
	notificationsSent   *prometheus.CounterVec
	notificationLatency *prometheus.HistogramVec

	// Storage
	storageFailovers *prometheus.CounterVec
	storageHealth    *prometheus.GaugeVec
}

// NewCollector registers every metric on a registry owned by the collector,
// so several collectors can coexist in one process.
func NewCollector(cfg config.MimirConfig, logger *zap.Logger) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	c := &Collector{
		config:   &cfg,
		registry: reg,
		logger:   logger,

		ticksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "guardian_scheduler_ticks_total",
			Help: "Total number of scheduler ticks",
		}),

		jobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_scheduler_jobs_total",
				Help: "Monitor jobs by result",
			},
			[]string{"result"},
		),

		jobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "guardian_scheduler_job_duration_seconds",
			Help:    "Duration of one monitor job",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),

		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "guardian_scheduler_queue_depth",
			Help: "Jobs waiting for a worker",
		}),

		fetchFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_fetch_failures_total",
				Help: "Provider fetch failures",
			},
			[]string{"tenant_id", "clan_tag", "kind"},
		),

		escalations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_fetch_escalations_total",
				Help: "Monitors that reached the consecutive failure threshold",
			},
			[]string{"tenant_id", "clan_tag"},
		),

		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_war_transitions_total",
				Help: "Observed war state transitions",
			},
			[]string{"tenant_id", "mode", "phase"},
		),

		monitorsTotal: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "guardian_clan_monitors",
				Help: "Monitored clans per guild",
			},
			[]string{"tenant_id"},
		),

		remindersFired: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_reminders_fired_total",
				Help: "Reminders handed to the notification sink",
			},
			[]string{"tenant_id", "category", "threshold"},
		),

		notificationsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_notifications_total",
				Help: "Notification deliveries by status",
			},
			[]string{"tenant_id", "category", "status"},
		),

		notificationLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "guardian_notification_latency_seconds",
				Help:    "Time spent delivering a notification",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"category"},
		),

		storageFailovers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_storage_failovers_total",
				Help: "Operations served by the fallback store after the primary failed",
			},
			[]string{"op"},
		),

		storageHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "guardian_storage_health",
				Help: "Primary storage health (1 for the current state)",
			},
			[]string{"state"},
		),
	}

	if cfg.URL != "" {
		c.mimir = NewMimirClient(cfg.URL, cfg.TenantHeader, cfg.AuthToken)
	}
	return c
}

// Registry is the registry holding every guardian metric.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordTick() {
	c.ticksTotal.Inc()
}

func (c *Collector) RecordJob(result string, seconds float64) {
	c.jobsTotal.WithLabelValues(result).Inc()
	if seconds > 0 {
		c.jobDuration.Observe(seconds)
	}
}

func (c *Collector) RecordQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

func (c *Collector) RecordFetchFailure(tenantID, clanTag string, err error) {
	kind := "transient"
	if errors.Is(err, core.ErrMalformedResponse) {
		kind = "malformed"
	}
	c.fetchFailures.WithLabelValues(tenantID, clanTag, kind).Inc()
}

func (c *Collector) RecordEscalation(tenantID, clanTag string) {
	c.escalations.WithLabelValues(tenantID, clanTag).Inc()
}

func (c *Collector) RecordTransition(tenantID string, mode core.Mode, phase core.Phase) {
	c.transitions.WithLabelValues(tenantID, string(mode), string(phase)).Inc()
}

// RecordMonitorCounts replaces the per-guild monitor gauge.
func (c *Collector) RecordMonitorCounts(counts map[string]int) {
	c.monitorsTotal.Reset()
	for tenantID, n := range counts {
		c.monitorsTotal.WithLabelValues(tenantID).Set(float64(n))
	}
}

func (c *Collector) RecordReminder(req *core.NotificationRequest) {
	c.remindersFired.WithLabelValues(req.GuildID, string(req.Category), req.Threshold).Inc()
}

func (c *Collector) RecordNotificationSent(tenantID string, category core.Category, success bool, latencySeconds float64) {
	status := "success"
	if !success {
		status = "failed"
	}
	c.notificationsSent.WithLabelValues(tenantID, string(category), status).Inc()
	c.notificationLatency.WithLabelValues(string(category)).Observe(latencySeconds)
}

// StorageFailover and StorageHealth make the collector a storage observer.
func (c *Collector) StorageFailover(op string) {
	c.storageFailovers.WithLabelValues(op).Inc()
}

func (c *Collector) StorageHealth(state string) {
	for _, s := range []string{"healthy", "degraded", "failed"} {
		v := 0.0
		if s == state {
			v = 1
		}
		c.storageHealth.WithLabelValues(s).Set(v)
	}
}
