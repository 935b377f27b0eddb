package ml

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Dense is a fully connected layer without activation: y = x·W + b.
type Dense struct {
	name     string
	inputDim int
	units    int
	useBias  bool

	kernel *mat.Dense    // [inputDim, units]
	bias   *mat.VecDense // [units], nil without bias

	kernelGrad *mat.Dense
	biasGrad   []float64
}

func newDense(name string, inputDim, units int, useBias bool) *Dense {
	d := &Dense{
		name:       name,
		inputDim:   inputDim,
		units:      units,
		useBias:    useBias,
		kernel:     mat.NewDense(inputDim, units, nil),
		kernelGrad: mat.NewDense(inputDim, units, nil),
	}
	if useBias {
		d.bias = mat.NewVecDense(units, nil)
		d.biasGrad = make([]float64, units)
	}
	return d
}

// glorotUniform fills the kernel from U(-limit, limit), limit = sqrt(6/(fanIn+fanOut)).
func (d *Dense) glorotUniform(rng *rand.Rand) {
	limit := math.Sqrt(6 / float64(d.inputDim+d.units))
	data := d.kernel.RawMatrix().Data
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * limit
	}
}

func (d *Dense) forward(x mat.Matrix) *mat.Dense {
	rows, _ := x.Dims()
	out := mat.NewDense(rows, d.units, nil)
	out.Mul(x, d.kernel)
	if d.useBias {
		out.Apply(func(_, j int, v float64) float64 {
			return v + d.bias.AtVec(j)
		}, out)
	}
	return out
}

// backward stores parameter gradients for the batch and returns dL/dx.
func (d *Dense) backward(input, gradOut *mat.Dense) *mat.Dense {
	rows, _ := gradOut.Dims()
	d.kernelGrad.Mul(input.T(), gradOut)
	if d.useBias {
		for j := 0; j < d.units; j++ {
			sum := 0.0
			for i := 0; i < rows; i++ {
				sum += gradOut.At(i, j)
			}
			d.biasGrad[j] = sum
		}
	}
	gradIn := mat.NewDense(rows, d.inputDim, nil)
	gradIn.Mul(gradOut, d.kernel.T())
	return gradIn
}

func (d *Dense) spec() LayerSpec {
	return LayerSpec{
		ClassName: "Dense",
		Config: DenseConfig{
			Name:       d.name,
			InputDim:   d.inputDim,
			Units:      d.units,
			UseBias:    d.useBias,
			Activation: "linear",
		},
	}
}

// parameter is a view over a trainable weight and its gradient.
type parameter struct {
	name  string
	shape []int
	value []float64
	grad  []float64
}

func (d *Dense) parameters() []parameter {
	params := []parameter{{
		name:  d.name + "/kernel",
		shape: []int{d.inputDim, d.units},
		value: d.kernel.RawMatrix().Data,
		grad:  d.kernelGrad.RawMatrix().Data,
	}}
	if d.useBias {
		params = append(params, parameter{
			name:  d.name + "/bias",
			shape: []int{d.units},
			value: d.bias.RawVector().Data,
			grad:  d.biasGrad,
		})
	}
	return params
}
