package monitoring

import (
	"fmt"
	"math"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"houseprice/ml"
	"houseprice/pipeline"
)

// MetricType 指标类型
type MetricType string

const (
	MetricTypeCounter MetricType = "counter"
	MetricTypeGauge   MetricType = "gauge"
)

// Metric 指标，按名称和标签保存最新值
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Help      string            `json:"help,omitempty"`
}

// MetricsCollector 指标收集器
type MetricsCollector struct {
	metrics     map[string]*Metric // name + 标签
	metricsLock sync.RWMutex

	startTime time.Time
}

// NewMetricsCollector 创建指标收集器
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		metrics:   make(map[string]*Metric),
		startTime: time.Now(),
	}
}

// IncrCounter 增加计数器
func (mc *MetricsCollector) IncrCounter(name, help string, value float64, labels map[string]string) {
	mc.metricsLock.Lock()
	defer mc.metricsLock.Unlock()

	m := mc.lookup(name, help, MetricTypeCounter, labels)
	m.Value += value
	m.Timestamp = time.Now()
}

// SetGauge 设置仪表
func (mc *MetricsCollector) SetGauge(name, help string, value float64, labels map[string]string) {
	mc.metricsLock.Lock()
	defer mc.metricsLock.Unlock()

	m := mc.lookup(name, help, MetricTypeGauge, labels)
	m.Value = value
	m.Timestamp = time.Now()
}

func (mc *MetricsCollector) lookup(name, help string, typ MetricType, labels map[string]string) *Metric {
	key := name + formatLabels(labels)
	m, ok := mc.metrics[key]
	if !ok {
		copied := make(map[string]string, len(labels))
		for k, v := range labels {
			copied[k] = v
		}
		m = &Metric{Name: name, Type: typ, Labels: copied, Help: help}
		mc.metrics[key] = m
	}
	return m
}

// GetMetric 获取同名的所有标签组合
func (mc *MetricsCollector) GetMetric(name string) ([]Metric, error) {
	mc.metricsLock.RLock()
	defer mc.metricsLock.RUnlock()

	var result []Metric
	for _, m := range mc.metrics {
		if m.Name == name {
			result = append(result, *m)
		}
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("metric %s not found", name)
	}
	sort.Slice(result, func(i, j int) bool {
		return formatLabels(result[i].Labels) < formatLabels(result[j].Labels)
	})
	return result, nil
}

// collectSystemMetrics 导出前刷新运行时指标
func (mc *MetricsCollector) collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mc.SetGauge("process_uptime_seconds", "Seconds since the collector started", mc.GetUptime().Seconds(), nil)
	mc.SetGauge("memory_heap_alloc_bytes", "Memory heap allocated in bytes", float64(m.HeapAlloc), nil)
	mc.SetGauge("system_goroutines", "Number of goroutines", float64(runtime.NumGoroutine()), nil)
}

// ExportPrometheus 导出Prometheus文本格式，按名称排序
func (mc *MetricsCollector) ExportPrometheus() string {
	mc.collectSystemMetrics()

	mc.metricsLock.RLock()
	keys := make([]string, 0, len(mc.metrics))
	for key := range mc.metrics {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	described := make(map[string]bool)
	for _, key := range keys {
		metric := mc.metrics[key]
		if !described[metric.Name] {
			help := metric.Help
			if help == "" {
				help = fmt.Sprintf("Metric %s", metric.Name)
			}
			fmt.Fprintf(&b, "# HELP %s %s\n", metric.Name, help)
			fmt.Fprintf(&b, "# TYPE %s %s\n", metric.Name, metric.Type)
			described[metric.Name] = true
		}
		fmt.Fprintf(&b, "%s%s %s\n", metric.Name, formatLabels(metric.Labels), formatValue(metric.Value))
	}
	mc.metricsLock.RUnlock()

	return b.String()
}

// GetUptime 获取运行时间
func (mc *MetricsCollector) GetUptime() time.Duration {
	return time.Since(mc.startTime)
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = fmt.Sprintf(`%s=%q`, k, labels[k])
	}
	return "{" + strings.Join(pairs, ",") + "}"
}

func formatValue(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	}
	return fmt.Sprintf("%g", v)
}

// TrainingMetrics 把训练生命周期转换成指标，作为 pipeline.RunHook 注册
type TrainingMetrics struct {
	collector *MetricsCollector

	mu         sync.Mutex
	epochStart time.Time
}

// NewTrainingMetrics 创建训练指标
func NewTrainingMetrics(collector *MetricsCollector) *TrainingMetrics {
	if collector == nil {
		collector = NewMetricsCollector()
	}
	return &TrainingMetrics{collector: collector}
}

// Collector 底层收集器
func (t *TrainingMetrics) Collector() *MetricsCollector {
	return t.collector
}

func (t *TrainingMetrics) OnRunStart(run pipeline.RunInfo) {
	t.mu.Lock()
	t.epochStart = time.Now()
	t.mu.Unlock()

	t.collector.IncrCounter("training_runs_started_total", "Training runs started", 1, nil)
	t.collector.SetGauge("training_running", "1 while a training run is in progress", 1, nil)
	t.collector.SetGauge("training_samples", "Rows in the dataset of the current run", float64(run.Samples), nil)
}

func (t *TrainingMetrics) OnEpoch(run pipeline.RunInfo, epoch int, metrics ml.EpochMetrics) {
	t.mu.Lock()
	elapsed := time.Since(t.epochStart)
	t.epochStart = time.Now()
	t.mu.Unlock()

	t.collector.IncrCounter("training_epochs_total", "Epochs completed across all runs", 1, nil)
	t.collector.SetGauge("training_epoch", "Index of the last completed epoch", float64(epoch), nil)
	t.collector.SetGauge("training_loss", "Loss of the last completed epoch", metrics.Loss, nil)
	t.collector.SetGauge("training_epoch_seconds", "Wall time of the last epoch", elapsed.Seconds(), nil)
}

func (t *TrainingMetrics) OnRunEnd(result pipeline.RunResult) {
	t.collector.SetGauge("training_running", "1 while a training run is in progress", 0, nil)
	t.collector.IncrCounter("training_runs_finished_total", "Training runs by terminal state", 1,
		map[string]string{"state": result.State.String()})
}
