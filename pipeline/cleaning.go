package pipeline

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"go.uber.org/zap"

	"houseprice/dataset"
	"houseprice/ml"
)

// 默认字段选择器，对应原始数据集的列名
const (
	DefaultFeatureField = "$.NumeroDeCuartosPromedio"
	DefaultLabelField   = "$.Precio"
)

// FieldMapping 字段映射，值为 JSONPath 表达式
type FieldMapping struct {
	Feature string `json:"feature" yaml:"feature"`
	Label   string `json:"label" yaml:"label"`
}

// DefaultFieldMapping 默认字段映射
func DefaultFieldMapping() FieldMapping {
	return FieldMapping{Feature: DefaultFeatureField, Label: DefaultLabelField}
}

// CleaningRule 清洗规则
type CleaningRule interface {
	Apply(ml.Record) (ml.Record, error)
	Name() string
}

// QualityIssue 质量问题
type QualityIssue struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"` // low, medium, high
	Message   string    `json:"message"`
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
}

// DataCleaner 数据清洗器
type DataCleaner struct {
	fields FieldMapping
	rules  []CleaningRule
	logger *zap.Logger

	issues     []QualityIssue
	issuesLock sync.RWMutex

	stats     CleaningStats
	statsLock sync.RWMutex
}

// CleaningStats 清洗统计
type CleaningStats struct {
	TotalProcessed int64            `json:"total_processed"`
	Passed         int64            `json:"passed"`
	Dropped        int64            `json:"dropped"`
	Rejected       int64            `json:"rejected"`
	Issues         map[string]int64 `json:"issues"`
	LastClean      time.Time        `json:"last_clean"`
}

// NewDataCleaner 创建数据清洗器，选择器非法时返回错误
func NewDataCleaner(fields FieldMapping, logger *zap.Logger) (*DataCleaner, error) {
	if fields.Feature == "" {
		fields.Feature = DefaultFeatureField
	}
	if fields.Label == "" {
		fields.Label = DefaultLabelField
	}
	for _, expr := range []string{fields.Feature, fields.Label} {
		if _, err := jsonpath.New(expr); err != nil {
			return nil, fmt.Errorf("invalid field selector %q: %w", expr, err)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cleaner := &DataCleaner{
		fields: fields,
		rules:  make([]CleaningRule, 0),
		logger: logger,
		issues: make([]QualityIssue, 0),
		stats: CleaningStats{
			Issues: make(map[string]int64),
		},
	}

	// 添加默认规则
	cleaner.AddRule(NewFiniteValueRule())
	cleaner.AddRule(NewNonNegativeRule())

	return cleaner, nil
}

// Fields 当前字段映射
func (dc *DataCleaner) Fields() FieldMapping {
	return dc.fields
}

// AddRule 添加清洗规则
func (dc *DataCleaner) AddRule(rule CleaningRule) {
	dc.rules = append(dc.rules, rule)
	dc.logger.Debug("added cleaning rule", zap.String("rule", rule.Name()))
}

// Clean 将原始记录投影为 {feature, label}。任一字段缺失或为 null 的记录
// 直接丢弃，违反规则的记录被拒绝并记为质量问题。保留的记录维持输入顺序。
func (dc *DataCleaner) Clean(raw []dataset.RawRecord) (ml.Dataset, []QualityIssue) {
	cleaned := make(ml.Dataset, 0, len(raw))
	var issues []QualityIssue

	dc.statsLock.Lock()
	defer dc.statsLock.Unlock()

	for i, rec := range raw {
		dc.stats.TotalProcessed++

		record, present, err := dc.project(rec)
		if err != nil {
			issue := QualityIssue{
				Type:      "type_conversion",
				Severity:  "medium",
				Message:   err.Error(),
				Index:     i,
				Timestamp: time.Now(),
			}
			issues = append(issues, issue)
			dc.recordIssue(issue.Type)
			dc.stats.Rejected++
			continue
		}
		if !present {
			dc.stats.Dropped++
			continue
		}

		// 应用所有规则
		var recordIssues []QualityIssue
		for _, rule := range dc.rules {
			out, err := rule.Apply(record)
			if err != nil {
				recordIssues = append(recordIssues, QualityIssue{
					Type:      rule.Name(),
					Severity:  "high",
					Message:   err.Error(),
					Index:     i,
					Timestamp: time.Now(),
				})
				dc.recordIssue(rule.Name())
				continue
			}
			record = out
		}

		if len(recordIssues) > 0 {
			dc.stats.Rejected++
			issues = append(issues, recordIssues...)
			continue
		}
		dc.stats.Passed++
		cleaned = append(cleaned, record)
	}

	if len(issues) > 0 {
		dc.issuesLock.Lock()
		dc.issues = append(dc.issues, issues...)
		dc.issuesLock.Unlock()
	}
	dc.stats.LastClean = time.Now()

	dc.logger.Info("dataset cleaned",
		zap.Int("input", len(raw)),
		zap.Int("kept", len(cleaned)),
		zap.Int("issues", len(issues)))

	return cleaned, issues
}

// project 按字段映射取值。present 为 false 表示某个字段缺失或为 null。
func (dc *DataCleaner) project(rec dataset.RawRecord) (ml.Record, bool, error) {
	feature, ok, err := lookupNumber(dc.fields.Feature, rec)
	if err != nil || !ok {
		return ml.Record{}, ok, err
	}
	label, ok, err := lookupNumber(dc.fields.Label, rec)
	if err != nil || !ok {
		return ml.Record{}, ok, err
	}
	return ml.Record{Feature: feature, Label: label}, true, nil
}

func lookupNumber(expr string, rec dataset.RawRecord) (float64, bool, error) {
	if rec == nil {
		return 0, false, nil
	}
	val, err := jsonpath.Get(expr, map[string]interface{}(rec))
	if err != nil {
		// jsonpath 对不存在的键返回错误，按缺失处理
		return 0, false, nil
	}
	if arr, ok := val.([]interface{}); ok {
		if len(arr) != 1 {
			return 0, false, nil
		}
		val = arr[0]
	}
	if val == nil {
		return 0, false, nil
	}
	v, err := toFloat(val)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", expr, err)
	}
	return v, true, nil
}

// toFloat 数值转换
func toFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not numeric", t)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("value of type %T is not numeric", v)
	}
}

// recordIssue 记录问题
func (dc *DataCleaner) recordIssue(issueType string) {
	dc.stats.Issues[issueType]++
}

// GetStats 获取统计信息
func (dc *DataCleaner) GetStats() CleaningStats {
	dc.statsLock.RLock()
	defer dc.statsLock.RUnlock()

	stats := dc.stats
	stats.Issues = make(map[string]int64, len(dc.stats.Issues))
	for k, v := range dc.stats.Issues {
		stats.Issues[k] = v
	}
	return stats
}

// GetIssues 获取最近的问题列表
func (dc *DataCleaner) GetIssues(limit int) []QualityIssue {
	dc.issuesLock.RLock()
	defer dc.issuesLock.RUnlock()

	if limit <= 0 || limit > len(dc.issues) {
		limit = len(dc.issues)
	}

	issues := make([]QualityIssue, limit)
	copy(issues, dc.issues[len(dc.issues)-limit:])
	return issues
}

// ClearIssues 清空问题列表
func (dc *DataCleaner) ClearIssues() {
	dc.issuesLock.Lock()
	defer dc.issuesLock.Unlock()

	dc.issues = make([]QualityIssue, 0)
}

// ============ 清洗规则实现 ============

// FiniteValueRule 拒绝 NaN 和 Inf
type FiniteValueRule struct{}

func NewFiniteValueRule() *FiniteValueRule {
	return &FiniteValueRule{}
}

func (r *FiniteValueRule) Name() string {
	return "finite_values"
}

func (r *FiniteValueRule) Apply(rec ml.Record) (ml.Record, error) {
	if math.IsNaN(rec.Feature) || math.IsInf(rec.Feature, 0) {
		return rec, fmt.Errorf("feature %v is not finite", rec.Feature)
	}
	if math.IsNaN(rec.Label) || math.IsInf(rec.Label, 0) {
		return rec, fmt.Errorf("label %v is not finite", rec.Label)
	}
	return rec, nil
}

// NonNegativeRule 房间数和价格不能为负
type NonNegativeRule struct{}

func NewNonNegativeRule() *NonNegativeRule {
	return &NonNegativeRule{}
}

func (r *NonNegativeRule) Name() string {
	return "non_negative"
}

func (r *NonNegativeRule) Apply(rec ml.Record) (ml.Record, error) {
	if rec.Feature < 0 {
		return rec, fmt.Errorf("room count %.3f is negative", rec.Feature)
	}
	if rec.Label < 0 {
		return rec, fmt.Errorf("price %.3f is negative", rec.Label)
	}
	return rec, nil
}
