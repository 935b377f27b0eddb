package ml

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Adam defaults, matching the usual framework defaults.
const (
	adamLearningRate = 0.001
	adamBeta1        = 0.9
	adamBeta2        = 0.999
	adamEpsilon      = 1e-7
)

// adam keeps first and second moment estimates per parameter.
type adam struct {
	lr, beta1, beta2, epsilon float64
	step                      int
	m, v                      map[string][]float64
}

func newAdam() *adam {
	return &adam{
		lr:      adamLearningRate,
		beta1:   adamBeta1,
		beta2:   adamBeta2,
		epsilon: adamEpsilon,
		m:       make(map[string][]float64),
		v:       make(map[string][]float64),
	}
}

func (o *adam) apply(params []parameter) {
	o.step++
	c1 := 1 - math.Pow(o.beta1, float64(o.step))
	c2 := 1 - math.Pow(o.beta2, float64(o.step))
	for _, p := range params {
		m, ok := o.m[p.name]
		if !ok {
			m = make([]float64, len(p.value))
			o.m[p.name] = m
		}
		v, ok := o.v[p.name]
		if !ok {
			v = make([]float64, len(p.value))
			o.v[p.name] = v
		}
		for i, g := range p.grad {
			m[i] = o.beta1*m[i] + (1-o.beta1)*g
			v[i] = o.beta2*v[i] + (1-o.beta2)*g*g
			p.value[i] -= o.lr * (m[i] / c1) / (math.Sqrt(v[i]/c2) + o.epsilon)
		}
	}
}

// meanSquaredError returns mean((pred-target)^2) and its gradient w.r.t. pred.
func meanSquaredError(pred, target *mat.Dense) (float64, *mat.Dense) {
	rows, cols := pred.Dims()
	n := float64(rows * cols)
	grad := mat.NewDense(rows, cols, nil)
	grad.Sub(pred, target)
	sum := 0.0
	grad.Apply(func(_, _ int, diff float64) float64 {
		sum += diff * diff
		return 2 * diff / n
	}, grad)
	return sum / n, grad
}
