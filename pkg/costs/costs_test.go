package costs

import (
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
)

func span(a, b int) iter.Seq[int] {
	return func(yield func(int) bool) {
		for i := a; i <= b; i++ {
			if !yield(i) {
				return
			}
		}
	}
}

func TestMigration(t *testing.T) {
	tests := []struct {
		name     string
		oldPos   int
		newPos   int
		expected float64
	}{
		{"no movement", 10, 10, 0},
		{"downward within 1%", 10, 11, 0},
		{"downward beyond 1%", 10, 12, 0.01 * 1.0615201506010001},
		{"upward within 5%", 14, 10, 0},
		{"upward beyond 5%", 40, 18, 0.17 * 1.17 * 1.17 * 1.17},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cost, features := Migration(tt.oldPos, tt.newPos, 100)
			assert.InDelta(t, tt.expected, cost, 1e-6)
			assert.Equal(t, []float64{cost}, features)
		})
	}

	t.Run("downward is steeper than upward", func(t *testing.T) {
		up, _ := Migration(50, 20, 100)
		down, _ := Migration(20, 50, 100)
		assert.Greater(t, down, up)
	})
}

func TestGrowth(t *testing.T) {
	tests := []struct {
		name     string
		oldSize  int
		newSize  int
		expected float64
	}{
		{"unchanged", 10, 10, 0},
		{"growth within 5%", 10, 14, 0},
		{"growth beyond 5%", 10, 20, 0.05 * 1.21550625},
		{"shrink", 11, 9, 0.02 * 2.2080396636148863},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cost, _ := Growth(tt.oldSize, tt.newSize, 100)
			assert.InDelta(t, tt.expected, cost, 1e-6)
		})
	}
}

func TestUnevenDivision(t *testing.T) {
	even, _ := UnevenDivision(10, 10)
	assert.Equal(t, 0.0, even)

	near, _ := UnevenDivision(19, 21)
	assert.InDelta(t, (2.0/19.0)*(2.0/19.0), near, 1e-9)
	assert.Less(t, near, 0.05)

	gross, _ := UnevenDivision(10, 30)
	assert.InDelta(t, 128.0, gross, 1e-9)

	symmetric, _ := UnevenDivision(30, 10)
	assert.Equal(t, gross, symmetric)
}

func TestDivisionLikelihood(t *testing.T) {
	assert.Equal(t, DivisionUnlikelyCost, DivisionLikelihood(41, nil))
	assert.Equal(t, DivisionUnlikelyCost, DivisionLikelihood(41, []int{10, 10, 10}))
	assert.Equal(t, 0.0, DivisionLikelihood(41, []int{19, 21}))
	assert.InDelta(t, 0.2, DivisionLikelihood(40, []int{10, 30}), 1e-12)
	assert.InDelta(t, 0.4, DivisionLikelihood(100, []int{10, 10}), 1e-12)
}

func TestSegmentationUnary(t *testing.T) {
	probs := make([]float64, 50)
	for i := range probs {
		probs[i] = 0.9
	}
	probs[12] = 0.5

	pmin := MinProbability(span(0, 30), probs)
	assert.Equal(t, 0.5, pmin)
	assert.InDelta(t, -0.5, SegmentationUnary(pmin, 0, 30, 18), 1e-12)

	t.Run("too short", func(t *testing.T) {
		assert.Equal(t, SegmentTooShortCost, SegmentationUnary(0.9, 0, 10, 18))
	})

	t.Run("positions outside the image are ignored", func(t *testing.T) {
		assert.Equal(t, 0.9, MinProbability(span(45, 60), probs))
		assert.Equal(t, 0.0, MinProbability(span(60, 70), probs))
	})
}

func TestExit(t *testing.T) {
	assert.Equal(t, -0.25, Exit(-1))
	assert.Equal(t, 0.0, Exit(2))
}

func TestMapping(t *testing.T) {
	w := DefaultWeights()

	t.Run("small move", func(t *testing.T) {
		from := Segment{A: 10, B: 20, Size: 11}
		to := Segment{A: 11, B: 19, Size: 9}
		cost, features := Mapping(from, to, 100)

		g, _ := Growth(11, 9, 100)
		assert.InDelta(t, g, cost, 1e-12)
		assert.Len(t, features, 4)

		modulated := ModulateMapping(-1, -0.5, cost)
		assert.InDelta(t, modulated, w.EvaluateMapping(-1, -0.5, features), MismatchTolerance)
	})

	t.Run("boundary charges migration only", func(t *testing.T) {
		from := Segment{A: 0, B: 40, Size: 41}
		to := Segment{A: 0, B: 18, Size: 19}
		cost, features := Mapping(from, to, 100)

		hl, _ := Migration(40, 18, 100)
		assert.InDelta(t, 0.5*hl, cost, 1e-12)
		assert.Equal(t, 0.0, features[3])
		assert.InDelta(t, ModulateMapping(-1, -1, cost), w.EvaluateMapping(-1, -1, features), MismatchTolerance)
	})
}

func TestDivision(t *testing.T) {
	w := DefaultWeights()

	tests := []struct {
		name     string
		from     Segment
		up       Segment
		low      Segment
		children []int
		lane     int
		expected float64
	}{
		{
			name:     "boundary with alike daughters",
			from:     Segment{A: 0, B: 40, Size: 41},
			up:       Segment{A: 0, B: 18, Size: 19},
			low:      Segment{A: 20, B: 40, Size: 21},
			lane:     100,
			expected: 0.1 + DivisionUnlikelyCost,
		},
		{
			name:     "interior with two children",
			from:     Segment{A: 30, B: 70, Size: 41},
			up:       Segment{A: 30, B: 48, Size: 19},
			low:      Segment{A: 50, B: 70, Size: 21},
			children: []int{19, 21},
			lane:     200,
			expected: -1,
		},
		{
			name:     "boundary with uneven daughters",
			from:     Segment{A: 0, B: 40, Size: 41},
			up:       Segment{A: 0, B: 5, Size: 6},
			low:      Segment{A: 7, B: 40, Size: 34},
			lane:     100,
			expected: -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cost, features := Division(tt.from, tt.up, tt.low, tt.children, tt.lane)
			assert.Len(t, features, 11)
			if tt.expected >= 0 {
				assert.InDelta(t, tt.expected, cost, 1e-9)
			}

			modulated := ModulateDivision(-1, -0.5, -0.5, cost)
			assert.InDelta(t, modulated, w.EvaluateDivision(-1, -0.5, -0.5, features), MismatchTolerance)
		})
	}

	t.Run("interior cost is growth plus uneven", func(t *testing.T) {
		cost, _ := Division(
			Segment{A: 30, B: 70, Size: 41},
			Segment{A: 30, B: 48, Size: 19},
			Segment{A: 50, B: 70, Size: 21},
			[]int{19, 21}, 200)
		g, _ := Growth(41, 40, 200)
		s, _ := UnevenDivision(19, 21)
		assert.InDelta(t, g+s, cost, 1e-12)
	})
}
