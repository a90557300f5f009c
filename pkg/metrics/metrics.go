// Copyright (c) OpenMMLab. All rights reserved.

package metrics

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"oamix/logger"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"
)

var (
	RankExitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oamix_rank_exits_total",
		Help: "Total number of exited training processes by status",
	}, []string{"rank", "status"})

	LaunchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oamix_launch_duration_seconds",
		Help:    "Wall time of a launch from spawn to the exit of the last process",
		Buckets: prometheus.ExponentialBuckets(60, 2, 12),
	}, []string{"backend"})

	RanksRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oamix_ranks_running",
		Help: "Number of training processes currently running on this node",
	})

	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oamix_http_requests_total",
		Help: "Total number of status server requests",
	}, []string{"route", "status"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oamix_http_request_duration_seconds",
		Help:    "Duration of status server requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{RankExitsTotal, LaunchDuration, RanksRunning, RequestsTotal, RequestDuration}
}

// ExitStatus is the status label of a finished process.
func ExitStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

func RecordRankStart() {
	RanksRunning.Inc()
}

func RecordRankExit(rank string, err error) {
	RanksRunning.Dec()
	RankExitsTotal.WithLabelValues(rank, ExitStatus(err)).Inc()
}

func ObserveLaunch(backend string, took time.Duration) {
	LaunchDuration.WithLabelValues(backend).Observe(took.Seconds())
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request count and latency per mux route template.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := "unknown"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		RequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// PushMetricsToGateway pushes every interval until ctx is done, then pushes
// once more so the final rank exits are not lost.
func PushMetricsToGateway(ctx context.Context, pushgatewayUrl, jobName string, interval time.Duration) error {
	if pushgatewayUrl == "" {
		logger.Logger.Warn("Pushgateway URL not set, skipping metrics push")
		return nil
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}

	pusher := push.New(pushgatewayUrl, jobName).Grouping("instance", getHostname())
	for _, c := range collectors() {
		pusher = pusher.Collector(c)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := pusher.PushContext(finalCtx); err != nil {
				logger.Logger.Error("Error pushing final metrics", zap.Error(err))
			}
			return nil
		case <-ticker.C:
			if err := pusher.PushContext(ctx); err != nil && ctx.Err() == nil {
				logger.Logger.Error("Error pushing metrics", zap.Error(err))
			}
		}
	}
}

func getHostname() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	if data, err := os.ReadFile("/etc/hostname"); err == nil {
		return strings.TrimSpace(string(data))
	}
	return "unknown"
}
