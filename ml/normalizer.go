package ml

// ScaleParams holds the min/max of one column. Min <= Max.
type ScaleParams struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Normalization carries the per-column parameters needed to invert the
// min-max transform at inference time.
type Normalization struct {
	Feature ScaleParams `json:"feature"`
	Label   ScaleParams `json:"label"`
}

// Fit computes min and max of the selected column in a single pass.
// An empty dataset yields the zero value, which is a degenerate range.
func Fit(ds Dataset, column Column) ScaleParams {
	if len(ds) == 0 {
		return ScaleParams{}
	}
	first := column(ds[0])
	params := ScaleParams{Min: first, Max: first}
	for _, r := range ds[1:] {
		params = params.extend(column(r))
	}
	return params
}

// FitNormalization fits both columns of the dataset.
func FitNormalization(ds Dataset) Normalization {
	return Normalization{
		Feature: Fit(ds, FeatureColumn),
		Label:   Fit(ds, LabelColumn),
	}
}

func fitValues(values []float64) ScaleParams {
	if len(values) == 0 {
		return ScaleParams{}
	}
	params := ScaleParams{Min: values[0], Max: values[0]}
	for _, v := range values[1:] {
		params = params.extend(v)
	}
	return params
}

func (p ScaleParams) extend(v float64) ScaleParams {
	if v < p.Min {
		p.Min = v
	}
	if v > p.Max {
		p.Max = v
	}
	return p
}

// Degenerate reports a zero-width range.
func (p ScaleParams) Degenerate() bool {
	return p.Max == p.Min
}

// Scale maps value into [0,1]. A degenerate range maps every value to 0.
func (p ScaleParams) Scale(value float64) float64 {
	if p.Degenerate() {
		return 0
	}
	return (value - p.Min) / (p.Max - p.Min)
}

// Unscale inverts Scale.
func (p ScaleParams) Unscale(normalized float64) float64 {
	return normalized*(p.Max-p.Min) + p.Min
}
