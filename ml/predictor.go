package ml

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// CurvePoints is the number of samples in a prediction curve.
const CurvePoints = 100

// PredictCurve evaluates model on CurvePoints evenly spaced normalized
// inputs over [0,1] and returns them denormalized, ordered by increasing x.
func PredictCurve(model *Model, norm Normalization) ([]Point, error) {
	const op = "predictor.curve"
	if model == nil {
		return nil, stateError(op, ErrNoModel)
	}
	if model.InputDim() != 1 || model.OutputDim() != 1 {
		return nil, fmt.Errorf("%s: model maps %d -> %d columns, want 1 -> 1", op, model.InputDim(), model.OutputDim())
	}

	var scratch arena
	defer scratch.release()

	xs := scratch.alloc(CurvePoints)
	for i := range xs {
		xs[i] = float64(i) / float64(CurvePoints-1)
	}
	preds, err := model.Predict(mat.NewDense(CurvePoints, 1, xs))
	if err != nil {
		return nil, err
	}

	points := make([]Point, CurvePoints)
	for i, x := range xs {
		points[i] = Point{
			X: norm.Feature.Unscale(x),
			Y: norm.Label.Unscale(preds.At(i, 0)),
		}
	}
	return points, nil
}
