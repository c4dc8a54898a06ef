// Package costs implements the cost model of the lineage tracker.
//
// Every function here is pure and deterministic. Functions that feed
// assignment costs also return a feature vector; applying the matching
// calibration weights (see Weights) to that vector reproduces the scalar
// cost. The tracker keeps both paths alive and cross-checks them.
//
// Positions and sizes are pixels along a 1-D growth lane. The lane length is
// used to normalise displacements, so the same thresholds apply to lanes of
// any resolution.
//
// Example:
//
//	from := costs.Segment{A: 10, B: 20, Size: 11}
//	to := costs.Segment{A: 11, B: 19, Size: 9}
//	c, features := costs.Mapping(from, to, 100)
//	total := costs.ModulateMapping(fromCost, toCost, c)
package costs

import (
	"iter"
	"math"
)

const (
	// DefaultCutoff is the highest modulated cost an assignment may have and
	// still be created.
	DefaultCutoff = 3.0

	// MismatchTolerance bounds the difference between a modulated cost and the
	// same cost evaluated from its feature vector.
	MismatchTolerance = 1e-5

	// SegmentTooShortCost is the unary cost of segments below the minimum cell length.
	SegmentTooShortCost = 100.0

	// DivisionUnlikelyCost penalises divisions of segments that do not have
	// exactly two children in the segmentation forest.
	DivisionUnlikelyCost = 1.5
)

// Segment is the geometry of a hypothesis as seen by the cost model.
// A and B are inclusive pixel bounds; Size is the pixel count.
type Segment struct {
	A, B int
	Size int
}

// Migration penalises vertical displacement between oldPos and newPos.
//
// Upward movement is free up to 5% of the lane length, downward movement up
// to 1%. Beyond that the normalised excess d costs d·(1+d)^p with p=3 upward
// and p=6 downward.
func Migration(oldPos, newPos, laneLength int) (float64, []float64) {
	delta := float64(oldPos-newPos) / float64(laneLength)
	power := 3.0
	if delta > 0 {
		delta = math.Max(0, delta-0.05)
	} else {
		delta = math.Max(0, -delta-0.01)
		power = 6.0
	}
	cost := delta * math.Pow(1+delta, power)
	return cost, []float64{cost}
}

// Growth penalises relative size change. Growth is free up to 5% of the lane
// length and costs with p=4 beyond; shrinking costs with p=40.
func Growth(oldSize, newSize, laneLength int) (float64, []float64) {
	delta := float64(newSize-oldSize) / float64(laneLength)
	power := 4.0
	if delta > 0 {
		delta = math.Max(0, delta-0.05)
	} else {
		delta = -delta
		power = 40.0
	}
	cost := delta * math.Pow(1+delta, power)
	return cost, []float64{cost}
}

// UnevenDivision penalises daughters of unequal size.
// The relative difference s=|A-B|/min(A,B) costs s^2, or s^7 once s exceeds 1.15.
func UnevenDivision(sizeA, sizeB int) (float64, []float64) {
	lo := min(sizeA, sizeB)
	if lo < 1 {
		lo = 1
	}
	delta := math.Abs(float64(sizeA-sizeB)) / float64(lo)
	power := 2.0
	if delta > 1.15 {
		power = 7.0
	}
	cost := math.Pow(delta, power)
	return cost, []float64{cost}
}

// DivisionLikelihood scores how plausible it is that a segment of parentSize
// is about to divide, given the sizes of its children in the segmentation
// forest. Anything but exactly two children costs DivisionUnlikelyCost.
// Otherwise the relative imbalance of the children and their size mismatch
// against the parent are added, each weighted 0.1. Both ratios use integer
// division, so only gross mismatches contribute.
func DivisionLikelihood(parentSize int, childSizes []int) float64 {
	if len(childSizes) != 2 {
		return DivisionUnlikelyCost
	}
	a, b := childSizes[0], childSizes[1]
	if min(a, b) < 1 {
		return DivisionUnlikelyCost
	}

	imbalance := abs(a-b) / min(a, b)
	mismatch := abs(a+b-parentSize) / (a + b)
	return 0.1*float64(imbalance) + 0.1*float64(mismatch)
}

// MinProbability returns the smallest foreground probability over the given
// pixel positions. Positions outside the probability slice are ignored;
// an empty set yields 0.
func MinProbability(pixels iter.Seq[int], probabilities []float64) float64 {
	pmin := math.Inf(1)
	for p := range pixels {
		if p < 0 || p >= len(probabilities) {
			continue
		}
		pmin = math.Min(pmin, probabilities[p])
	}
	if math.IsInf(pmin, 1) {
		return 0
	}
	return pmin
}

// SegmentationUnary returns -2·pmin², or SegmentTooShortCost when the segment
// [a,b] is shorter than minCellLength.
func SegmentationUnary(pmin float64, a, b, minCellLength int) float64 {
	if b-a < minCellLength {
		return SegmentTooShortCost
	}
	return -2 * pmin * pmin
}

// Exit is the cost of terminating a lineage at a hypothesis with the given
// unary cost. Exits are never penalised.
func Exit(unary float64) float64 {
	return math.Min(0, unary/4)
}

// Mapping is the cost of from continuing as to in the next frame.
//
// When to touches the top or the bottom of the lane, apparent size changes
// are caused by the visible window and only migration is charged.
//
// Features: [HU, HL, G, G'] where HU/HL are the top and bottom migration
// costs, G the growth cost, and G' the growth cost actually charged (0 at the
// lane boundary).
func Mapping(from, to Segment, laneLength int) (float64, []float64) {
	hu, _ := Migration(from.A, to.A, laneLength)
	hl, _ := Migration(from.B, to.B, laneLength)
	h := 0.5*hu + 0.5*hl
	g, _ := Growth(from.Size, to.Size, laneLength)

	charged := g
	if touchesBoundary(to.A, to.B, laneLength) {
		charged = 0
	}
	return h + charged, []float64{hu, hl, g, charged}
}

// Division is the cost of from splitting into up and low in the next frame.
// childSizes are the sizes of from's children in its own segmentation forest.
//
// Three cases are distinguished:
//   - normal: growth(from, up+low) + H + S + likelihood
//   - boundary, daughters alike (up/low > 0.5): growth(from, 2·low) + H + 0.1 + likelihood
//   - boundary otherwise: growth(from, 2·low) + H + S + 0.03 + likelihood
//
// At the boundary only the lower daughter is fully visible, so it stands in
// for both.
func Division(from, up, low Segment, childSizes []int, laneLength int) (float64, []float64) {
	hu, _ := Migration(from.A, up.A, laneLength)
	hl, _ := Migration(from.B, low.B, laneLength)
	h := 0.5*hu + 0.5*hl
	s, _ := UnevenDivision(up.Size, low.Size)
	cdl := DivisionLikelihood(from.Size, childSizes)
	g, _ := Growth(from.Size, up.Size+low.Size, laneLength)
	lt, _ := Growth(from.Size, 2*low.Size, laneLength)

	var c int
	if up.A == 0 || low.B+1 >= laneLength {
		if float64(up.Size)/float64(max(low.Size, 1)) > 0.5 {
			c = 1
		} else {
			c = 2
		}
	}

	var cost float64
	switch c {
	case 0:
		cost = g + h + s + cdl
	case 1:
		cost = lt + h + 0.1 + cdl
	default:
		cost = lt + h + s + 0.03 + cdl
	}

	features := []float64{
		hu, hl, g,
		pick(c, g, 0, 0),
		pick(c, 0, lt, lt),
		s,
		pick(c, s, 0, s),
		cdl,
		pick(c, 1, 0, 0),
		pick(c, 0, 1, 0),
		pick(c, 0, 0, 1),
	}
	return cost, features
}

// ModulateMapping folds the hypothesis costs into a mapping cost.
func ModulateMapping(fromCost, toCost, mappingCost float64) float64 {
	return 0.1*fromCost + 0.9*toCost + mappingCost
}

// ModulateDivision folds the hypothesis costs into a division cost.
func ModulateDivision(fromCost, upCost, lowCost, divisionCost float64) float64 {
	return 0.1*fromCost + 0.9*(upCost+lowCost) + divisionCost
}

func touchesBoundary(a, b, laneLength int) bool {
	return a == 0 || b+1 >= laneLength
}

func pick(c int, v0, v1, v2 float64) float64 {
	switch c {
	case 0:
		return v0
	case 1:
		return v1
	default:
		return v2
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
