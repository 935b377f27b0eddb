package ml

// Record is one cleaned observation: average room count and price.
type Record struct {
	Feature float64 `json:"feature"`
	Label   float64 `json:"label"`
}

// Dataset is an ordered sequence of cleaned records.
type Dataset []Record

// Column selects one numeric column of a record.
type Column func(Record) float64

// FeatureColumn selects the room count.
func FeatureColumn(r Record) float64 { return r.Feature }

// LabelColumn selects the price.
func LabelColumn(r Record) float64 { return r.Label }

// Point is an (x, y) pair used for plotting.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Points projects the dataset onto plot coordinates, x = feature and y = label.
func (d Dataset) Points() []Point {
	points := make([]Point, len(d))
	for i, r := range d {
		points[i] = Point{X: r.Feature, Y: r.Label}
	}
	return points
}
