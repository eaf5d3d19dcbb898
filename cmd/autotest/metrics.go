package main

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/load"
	"github.com/shirou/gopsutil/mem"

	"github.com/omegaup/autotest/autotest"
	"github.com/omegaup/autotest/common"
)

var (
	gauges = map[string]prometheus.Gauge{
		"cpu_load1": prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: "os",
			Help:      "CPU load 1",
			Name:      "cpu_load1",
		}),
		"cpu_load5": prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: "os",
			Help:      "CPU load 5",
			Name:      "cpu_load5",
		}),
		"cpu_load15": prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: "os",
			Help:      "CPU load 15",
			Name:      "cpu_load15",
		}),
		"mem_total": prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: "os",
			Help:      "Total amount of RAM",
			Name:      "mem_total",
		}),
		"mem_used": prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: "os",
			Help:      "RAM used by programs",
			Name:      "mem_used",
		}),
		"disk_total": prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: "os",
			Help:      "Total amount of disk space",
			Name:      "disk_total",
		}),
		"disk_used": prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: "os",
			Help:      "Disk space used",
			Name:      "disk_used",
		}),
		"broadcaster_websocket_count": prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "autotest",
			Subsystem: "broadcaster",
			Help:      "Number of connected WebSocket subscribers",
			Name:      "websockets_count",
		}),
		"broadcaster_sse_count": prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "autotest",
			Subsystem: "broadcaster",
			Help:      "Number of connected SSE subscribers",
			Name:      "sse_count",
		}),
	}

	laneGauges = map[string]*prometheus.GaugeVec{
		"queue_length": prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "autotest",
				Subsystem: "scheduler",
				Help:      "The length of a lane's queue",
				Name:      "queue_length",
			},
			[]string{"lane"},
		),
	}

	laneCounters = map[string]*prometheus.CounterVec{
		"enqueued_total": prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "autotest",
				Subsystem: "scheduler",
				Help:      "Number of jobs added to a lane's queue",
				Name:      "enqueued_total",
			},
			[]string{"lane"},
		),
	}

	stateCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autotest",
			Subsystem: "scheduler",
			Help:      "Number of completed executions by state",
			Name:      "executions_total",
		},
		[]string{"state"},
	)

	counters = map[string]prometheus.Counter{
		"autotest_promotions_total": prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autotest",
			Subsystem: "scheduler",
			Help:      "Number of jobs promoted to the express lane",
			Name:      "promotions_total",
		}),
		"autotest_records_dropped_total": prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autotest",
			Subsystem: "scheduler",
			Help:      "Number of malformed records that were dropped",
			Name:      "records_dropped_total",
		}),
		"autotest_scheduling_errors_total": prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autotest",
			Subsystem: "scheduler",
			Help:      "Number of errors in the scheduler's bookkeeping",
			Name:      "scheduling_errors_total",
		}),
		"broadcaster_messages_total": prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autotest",
			Subsystem: "broadcaster",
			Help:      "Number of broadcast events",
			Name:      "messages_total",
		}),
		"broadcaster_channel_drop_total": prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autotest",
			Subsystem: "broadcaster",
			Help:      "Number of dropped messages and subscription requests",
			Name:      "channel_drop_total",
		}),
	}

	summaries = map[string]prometheus.Summary{
		"autotest_execution_duration_seconds": prometheus.NewSummary(prometheus.SummaryOpts{
			Namespace:  "autotest",
			Subsystem:  "scheduler",
			Help:       "The duration of a grading execution",
			Name:       "execution_duration_seconds",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}),
		"broadcaster_dispatch_latency_seconds": prometheus.NewSummary(prometheus.SummaryOpts{
			Namespace:  "autotest",
			Subsystem:  "broadcaster",
			Help:       "The latency of dispatching an event to a subscriber",
			Name:       "dispatch_latency_seconds",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}),
		"broadcaster_process_latency_seconds": prometheus.NewSummary(prometheus.SummaryOpts{
			Namespace:  "autotest",
			Subsystem:  "broadcaster",
			Help:       "The latency of enqueuing an event to all its subscribers",
			Name:       "process_latency_seconds",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}),
	}
)

// laneMetric splits names of the form autotest_<lane>_<metric> into the lane
// and the metric.
func laneMetric(name string) (string, string, bool) {
	if !strings.HasPrefix(name, "autotest_") {
		return "", "", false
	}
	rest := strings.TrimPrefix(name, "autotest_")
	for _, lane := range autotest.Lanes {
		prefix := lane.String() + "_"
		if strings.HasPrefix(rest, prefix) {
			return lane.String(), strings.TrimPrefix(rest, prefix), true
		}
	}
	return "", "", false
}

// stateMetric extracts the state of names of the form autotest_<STATE>_total.
func stateMetric(name string) (string, bool) {
	for _, state := range []common.ExecutionState{
		common.ExecutionStateSuccess,
		common.ExecutionStateFail,
		common.ExecutionStateTimeout,
		common.ExecutionStateNoReport,
		common.ExecutionStateInvalidReport,
	} {
		if name == fmt.Sprintf("autotest_%s_total", state) {
			return string(state), true
		}
	}
	return "", false
}

type prometheusMetrics struct{}

func (p *prometheusMetrics) GaugeAdd(name string, value float64) {
	if gauge, ok := gauges[name]; ok {
		gauge.Add(value)
	} else if lane, metric, ok := laneMetric(name); ok {
		if gaugeVec, ok := laneGauges[metric]; ok {
			gaugeVec.WithLabelValues(lane).Add(value)
		}
	}
}

func (p *prometheusMetrics) GaugeSet(name string, value float64) {
	if gauge, ok := gauges[name]; ok {
		gauge.Set(value)
	} else if lane, metric, ok := laneMetric(name); ok {
		if gaugeVec, ok := laneGauges[metric]; ok {
			gaugeVec.WithLabelValues(lane).Set(value)
		}
	}
}

func (p *prometheusMetrics) CounterAdd(name string, value float64) {
	if counter, ok := counters[name]; ok {
		counter.Add(value)
	} else if state, ok := stateMetric(name); ok {
		stateCounter.WithLabelValues(state).Add(value)
	} else if lane, metric, ok := laneMetric(name); ok {
		if counterVec, ok := laneCounters[metric]; ok {
			counterVec.WithLabelValues(lane).Add(value)
		}
	}
}

func (p *prometheusMetrics) SummaryObserve(name string, value float64) {
	if summary, ok := summaries[name]; ok {
		summary.Observe(value)
	}
}

func setupMetrics(ctx *common.Context) *http.Server {
	for _, gauge := range gauges {
		prometheus.MustRegister(gauge)
	}
	for _, gaugeVec := range laneGauges {
		prometheus.MustRegister(gaugeVec)
	}
	for _, counterVec := range laneCounters {
		prometheus.MustRegister(counterVec)
	}
	prometheus.MustRegister(stateCounter)
	for _, counter := range counters {
		prometheus.MustRegister(counter)
	}
	for _, summary := range summaries {
		prometheus.MustRegister(summary)
	}

	buildInfoCounter := prometheus.NewCounter(prometheus.CounterOpts{
		Help: "Information about the build",
		Name: "build_info",
		ConstLabels: prometheus.Labels{
			"version":    ProgramVersion,
			"go_version": runtime.Version(),
		},
	})
	prometheus.MustRegister(buildInfoCounter)
	buildInfoCounter.Inc()

	m := &prometheusMetrics{}
	ctx.Metrics = m

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", ctx.Config.Metrics.Port),
		Handler: metricsMux,
	}
	go func() {
		err := server.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			ctx.Log.Error("http listen and serve", "err", err)
		}
	}()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		m.gaugesUpdate()
		for range ticker.C {
			m.gaugesUpdate()
		}
	}()
	return server
}

func (p *prometheusMetrics) gaugesUpdate() {
	if s, err := load.Avg(); err == nil {
		gauges["cpu_load1"].Set(s.Load1)
		gauges["cpu_load5"].Set(s.Load5)
		gauges["cpu_load15"].Set(s.Load15)
	}
	if s, err := mem.VirtualMemory(); err == nil {
		gauges["mem_total"].Set(float64(s.Total))
		gauges["mem_used"].Set(float64(s.Used))
	}
	if s, err := disk.Usage("/"); err == nil {
		gauges["disk_total"].Set(float64(s.Total))
		gauges["disk_used"].Set(float64(s.Used))
	}
}
