package ml

import (
	"math"
	"testing"
)

func TestFitComputesColumnRange(t *testing.T) {
	ds := Dataset{
		{Feature: 6.5, Label: 24},
		{Feature: 4.1, Label: 50},
		{Feature: 8.7, Label: 13.5},
	}
	feature := Fit(ds, FeatureColumn)
	if feature.Min != 4.1 || feature.Max != 8.7 {
		t.Fatalf("unexpected feature params: %+v", feature)
	}
	label := Fit(ds, LabelColumn)
	if label.Min != 13.5 || label.Max != 50 {
		t.Fatalf("unexpected label params: %+v", label)
	}

	norm := FitNormalization(ds)
	if norm.Feature != feature || norm.Label != label {
		t.Fatalf("FitNormalization disagrees with Fit: %+v", norm)
	}
}

func TestFitEmptyDatasetIsDegenerate(t *testing.T) {
	params := Fit(nil, FeatureColumn)
	if !params.Degenerate() {
		t.Fatalf("expected degenerate params, got %+v", params)
	}
}

func TestScaleUnscaleRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		params ScaleParams
	}{
		{name: "unit range", params: ScaleParams{Min: 0, Max: 1}},
		{name: "room counts", params: ScaleParams{Min: 3.561, Max: 8.78}},
		{name: "prices", params: ScaleParams{Min: 5, Max: 50}},
		{name: "negative span", params: ScaleParams{Min: -12.5, Max: 7.25}},
		{name: "tiny span", params: ScaleParams{Min: 1, Max: 1 + 1e-9}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i <= 20; i++ {
				x := tt.params.Min + (tt.params.Max-tt.params.Min)*float64(i)/20
				scaled := tt.params.Scale(x)
				if scaled < -1e-12 || scaled > 1+1e-12 {
					t.Fatalf("scale(%v) = %v outside [0,1]", x, scaled)
				}
				got := tt.params.Unscale(scaled)
				if math.Abs(got-x) > 1e-9*math.Max(1, math.Abs(x)) {
					t.Fatalf("round trip of %v gave %v", x, got)
				}
			}
			if tt.params.Scale(tt.params.Min) != 0 {
				t.Fatalf("scale(min) = %v, want 0", tt.params.Scale(tt.params.Min))
			}
			if tt.params.Scale(tt.params.Max) != 1 {
				t.Fatalf("scale(max) = %v, want 1", tt.params.Scale(tt.params.Max))
			}
		})
	}
}

func TestScaleConstantColumnIsFinite(t *testing.T) {
	ds := Dataset{{Feature: 6, Label: 20}, {Feature: 6, Label: 30}}
	params := Fit(ds, FeatureColumn)
	if !params.Degenerate() {
		t.Fatalf("expected a degenerate range, got %+v", params)
	}
	for _, v := range []float64{6, 0, -3, 1e9} {
		got := params.Scale(v)
		if math.IsNaN(got) || math.IsInf(got, 0) {
			t.Fatalf("scale(%v) = %v", v, got)
		}
		if got != 0 {
			t.Fatalf("scale(%v) = %v, want 0", v, got)
		}
	}
	if got := params.Unscale(0.7); got != 6 {
		t.Fatalf("unscale on degenerate range = %v, want 6", got)
	}
}
