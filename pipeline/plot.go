package pipeline

import "houseprice/ml"

// 图表默认配置
const (
	PlotHeight = 300
	XLabel     = "Rooms"
	YLabel     = "Price"
)

// ScatterPlot 散点图数据，Values 每个元素对应一个系列
type ScatterPlot struct {
	Name   string       `json:"name"`
	Values [][]ml.Point `json:"values"`
	Series []string     `json:"series,omitempty"`
	XLabel string       `json:"xLabel"`
	YLabel string       `json:"yLabel"`
	Height int          `json:"height"`
}

// DataPlot 清洗后数据的散点图
func DataPlot(ds ml.Dataset) ScatterPlot {
	return ScatterPlot{
		Name:   "Rooms vs Price",
		Values: [][]ml.Point{ds.Points()},
		XLabel: XLabel,
		YLabel: YLabel,
		Height: PlotHeight,
	}
}

// CurvePlot 原始数据与预测曲线
func CurvePlot(ds ml.Dataset, curve []ml.Point) ScatterPlot {
	return ScatterPlot{
		Name:   "Original vs Predicted",
		Values: [][]ml.Point{ds.Points(), curve},
		Series: []string{"original", "predicted"},
		XLabel: XLabel,
		YLabel: YLabel,
		Height: PlotHeight,
	}
}
