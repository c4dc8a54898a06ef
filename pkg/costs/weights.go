package costs

import "github.com/orneryd/lanetrack/pkg/math/vector"

// Weights maps assignment feature vectors back to scalar costs.
//
// The first two entries of each vector weight the hypothesis costs (from and
// to, where "to" is the sum of both daughters for divisions); the remaining
// entries line up with the features returned by Mapping and Division.
// DefaultWeights reproduces ModulateMapping and ModulateDivision exactly.
type Weights struct {
	Mapping  []float64
	Division []float64
}

// DefaultWeights returns the weights matching the fixed modulation formulas.
func DefaultWeights() Weights {
	return Weights{
		Mapping:  []float64{0.1, 0.9, 0.5, 0.5, 0, 1},
		Division: []float64{0.1, 0.9, 0.5, 0.5, 0, 1, 1, 0, 1, 1, 0, 0.1, 0.03},
	}
}

// EvaluateMapping returns the weighted mapping cost.
func (w Weights) EvaluateMapping(fromCost, toCost float64, features []float64) float64 {
	return vector.DotProduct(w.Mapping, vector.Concat([]float64{fromCost, toCost}, features))
}

// EvaluateDivision returns the weighted division cost.
func (w Weights) EvaluateDivision(fromCost, upCost, lowCost float64, features []float64) float64 {
	return vector.DotProduct(w.Division, vector.Concat([]float64{fromCost, upCost + lowCost}, features))
}
