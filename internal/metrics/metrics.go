package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "gamecompliance"

// Recorder 批处理相关的Prometheus指标
// 所有方法对nil接收者安全,未启用指标时直接传nil即可
type Recorder struct {
	registry *prometheus.Registry

	records         *prometheus.CounterVec
	recordDuration  prometheus.Histogram
	guardFailures   prometheus.Counter
	pauses          *prometheus.CounterVec
	launches        *prometheus.CounterVec
	processesKilled prometheus.Counter
	checkpoints     *prometheus.CounterVec
	progress        prometheus.Gauge
	total           prometheus.Gauge
	filterState     prometheus.Gauge
}

// New 使用独立registry创建指标
func New() *Recorder {
	return MustNewRecorder(prometheus.NewRegistry())
}

// MustNewRecorder 在给定registry上注册全部指标,重复注册会panic
func MustNewRecorder(reg *prometheus.Registry) *Recorder {
	r := &Recorder{
		registry: reg,
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "records_total",
			Help:      "Processed records by outcome (matched, review, error).",
		}, []string{"outcome"}),
		recordDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "record_duration_seconds",
			Help:      "Time spent processing one record, excluding the inter-record delay.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120},
		}),
		guardFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "failures_total",
			Help:      "Recoverable extraction failures counted by the anti-bot guard.",
		}),
		pauses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "pauses_total",
			Help:      "Human confirmation requests by reason.",
		}, []string{"reason"}),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "browser",
			Name:      "launches_total",
			Help:      "Browser launch attempts by strategy and result.",
		}, []string{"strategy", "result"}),
		processesKilled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "browser",
			Name:      "processes_killed_total",
			Help:      "Leftover driver or browser processes terminated by cleanup.",
		}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "checkpoints_total",
			Help:      "Output persistence attempts by result.",
		}, []string{"result"}),
		progress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "current_index",
			Help:      "Index of the next record to process.",
		}),
		total: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "total_records",
			Help:      "Number of records in the current batch.",
		}),
		filterState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "filter_view_filtered",
			Help:      "1 when the tracked page view has the time-range filter applied.",
		}),
	}

	reg.MustRegister(
		r.records, r.recordDuration, r.guardFailures, r.pauses, r.launches,
		r.processesKilled, r.checkpoints, r.progress, r.total, r.filterState,
	)
	return r
}

// Registry 返回底层registry
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// RecordOutcome 统计一条记录的结果: matched / review / error
func (r *Recorder) RecordOutcome(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.records.WithLabelValues(outcome).Inc()
	r.recordDuration.Observe(d.Seconds())
}

// GuardFailure 反爬计数+1
func (r *Recorder) GuardFailure() {
	if r == nil {
		return
	}
	r.guardFailures.Inc()
}

// Pause 记录一次人工确认请求
func (r *Recorder) Pause(reason string) {
	if r == nil {
		return
	}
	r.pauses.WithLabelValues(reason).Inc()
}

// Launch 记录一次浏览器启动尝试
func (r *Recorder) Launch(strategy string, ok bool) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	r.launches.WithLabelValues(strategy, result).Inc()
}

// ProcessesKilled 记录清理掉的进程数
func (r *Recorder) ProcessesKilled(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.processesKilled.Add(float64(n))
}

// Checkpoint 记录一次保存
func (r *Recorder) Checkpoint(ok bool) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	r.checkpoints.WithLabelValues(result).Inc()
}

// Progress 更新进度
func (r *Recorder) Progress(current, total int) {
	if r == nil {
		return
	}
	r.progress.Set(float64(current))
	r.total.Set(float64(total))
}

// FilterState 更新筛选视图状态
func (r *Recorder) FilterState(filtered bool) {
	if r == nil {
		return
	}
	if filtered {
		r.filterState.Set(1)
	} else {
		r.filterState.Set(0)
	}
}

// Serve 在addr上提供/metrics,ctx结束时关闭
func Serve(ctx context.Context, addr string, r *Recorder) error {
	if r == nil {
		return errors.New("metrics未启用")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("指标服务已启动: /metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
