package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// runtimeMetrics 汇总编排循环与执行注册表的运行指标，统一以 stark_ 为前缀。
type runtimeMetrics struct {
	iterations      *prometheus.CounterVec
	toolCalls       *prometheus.CounterVec
	modelLatency    *prometheus.HistogramVec
	outcomes        *prometheus.CounterVec
	modeTransitions *prometheus.CounterVec
	activeHandles   *prometheus.GaugeVec
	cancellations   *prometheus.CounterVec
	queueDepth      prometheus.Gauge
}

var (
	runtimeOnce      sync.Once
	runtimeCollector *runtimeMetrics
)

func runtimeCollectors() *runtimeMetrics {
	runtimeOnce.Do(func() {
		runtimeCollector = &runtimeMetrics{
			iterations: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "stark_loop_iterations_total",
				Help: "Orchestration loop iterations by mode.",
			}, []string{"mode"}),
			toolCalls: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "stark_tool_calls_total",
				Help: "Tool calls applied by mode, tool and result.",
			}, []string{"mode", "tool", "result"}),
			modelLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "stark_model_call_duration_seconds",
				Help:    "Latency of model client calls.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			}, []string{"result"}),
			outcomes: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "stark_execution_outcomes_total",
				Help: "Terminal execution outcomes by kind and status.",
			}, []string{"kind", "status"}),
			modeTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "stark_mode_transitions_total",
				Help: "Mode transitions by source and target mode.",
			}, []string{"from", "to"}),
			activeHandles: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "stark_active_executions",
				Help: "Executions currently tracked by the registry.",
			}, []string{"kind"}),
			cancellations: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "stark_cancellations_total",
				Help: "Cancellation requests by kind.",
			}, []string{"kind"}),
			queueDepth: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "stark_dispatch_queue_depth",
				Help: "Messages buffered in the in-memory dispatch queue.",
			}),
		}
	})
	return runtimeCollector
}

// ObserveIteration 记录一次循环迭代。
func ObserveIteration(mode string) {
	runtimeCollectors().iterations.WithLabelValues(mode).Inc()
}

// ObserveToolCall 记录一次工具调用及其结果（ok 或错误码）。
func ObserveToolCall(mode, tool, result string) {
	runtimeCollectors().toolCalls.WithLabelValues(mode, tool, result).Inc()
}

// ObserveModelCall 记录模型调用耗时。
func ObserveModelCall(duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	runtimeCollectors().modelLatency.WithLabelValues(result).Observe(duration.Seconds())
}

// ObserveModeTransition 记录模式切换。
func ObserveModeTransition(from, to string) {
	runtimeCollectors().modeTransitions.WithLabelValues(from, to).Inc()
}

// ObserveOutcome 记录执行的最终结果。
func ObserveOutcome(kind, status string) {
	runtimeCollectors().outcomes.WithLabelValues(kind, status).Inc()
}

// ExecutionStarted 与 ExecutionFinished 维护活跃执行数量。
func ExecutionStarted(kind string) {
	runtimeCollectors().activeHandles.WithLabelValues(kind).Inc()
}

// ExecutionFinished 见 ExecutionStarted。
func ExecutionFinished(kind string) {
	runtimeCollectors().activeHandles.WithLabelValues(kind).Dec()
}

// ObserveCancellation 记录一次取消请求。
func ObserveCancellation(kind string) {
	runtimeCollectors().cancellations.WithLabelValues(kind).Inc()
}

// SetQueueDepth 更新内存队列的积压数量。
func SetQueueDepth(depth int) {
	runtimeCollectors().queueDepth.Set(float64(depth))
}
