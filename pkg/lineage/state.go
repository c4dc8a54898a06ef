package lineage

import (
	"bufio"
	"cmp"
	"context"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/orneryd/lanetrack/pkg/solver"
)

// StateVersion heads every saved state file.
const StateVersion = "lanetrack-state 1"

// State file directives.
const (
	directiveTime         = "TIME"
	directiveSize         = "SIZE"
	directiveBottomOffset = "BOTTOM_OFFSET"
	directiveFrameCount   = "SIFCC"
	directiveSegment      = "SSC"
	directiveAssignment   = "ASC"
	directivePruneRoot    = "PR"
)

// directiveArity is the number of values each directive carries.
var directiveArity = map[string]int{
	directiveTime:         3,
	directiveSize:         2,
	directiveBottomOffset: 1,
	directiveFrameCount:   2,
	directiveSegment:      3,
	directiveAssignment:   3,
	directivePruneRoot:    2,
}

// LoadReport describes what LoadState applied.
type LoadReport struct {
	Segments     int
	Assignments  int
	FrameCounts  int
	PruneRoots   int
	Skipped      int
	BottomOffset int
	Warnings     []string
	Status       solver.Status
}

// SaveState writes the user overrides as a line-oriented text document:
//
//	# lanetrack-state 1
//
//	TIME, <frames-1>, <first time>, <last time>
//	SIZE, <hypotheses>, <assignments>
//	BOTTOM_OFFSET, <pixels>
//
//	# SegmentsInFrameCountConstraints
//		SIFCC, <time>, <cells>
//	# SegmentSelectionConstraints (SSC)
//		SSC, <time>, <segment id>, <0|1>
//	# AssignmentSelectionConstraints (ASC)
//		ASC, <time>, <assignment index>, <0|1>
//	# PruningRoots (PR)
//		PR, <time>, <segment id>
//
// Times include the configured time offset. Freeze and ignore constraints
// are session state and are not written.
func (t *Tracker) SaveState(w io.Writer) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	off := t.opts.TimeOffset
	frames := t.g.numFrames()
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "# %s\n\n", StateVersion)
	fmt.Fprintf(bw, "%s, %d, %d, %d\n", directiveTime, frames-1, off, off+frames-1)
	fmt.Fprintf(bw, "%s, %d, %d\n", directiveSize, len(t.g.hyps), len(t.g.assignments))
	fmt.Fprintf(bw, "%s, %d\n\n", directiveBottomOffset, t.opts.BottomOffset)

	fmt.Fprintln(bw, "# SegmentsInFrameCountConstraints")
	times := make([]int, 0, len(t.frameCounts))
	for ti := range t.frameCounts {
		times = append(times, ti)
	}
	slices.Sort(times)
	for _, ti := range times {
		fmt.Fprintf(bw, "\t%s, %d, %d\n", directiveFrameCount, ti+off, t.frameCounts[ti].rhs)
	}

	fmt.Fprintln(bw, "# SegmentSelectionConstraints (SSC)")
	for _, h := range t.sortedHyps(t.hasSegmentPin) {
		hyp := t.g.hyp(h)
		rhs := 0
		if t.segmentPins[h].forced {
			rhs = 1
		}
		fmt.Fprintf(bw, "\t%s, %d, %d, %d\n", directiveSegment, hyp.Time+off, hyp.SegmentID, rhs)
	}

	fmt.Fprintln(bw, "# AssignmentSelectionConstraints (ASC)")
	pinned := make([]AssignmentID, 0, len(t.truthPins))
	for a := range t.truthPins {
		pinned = append(pinned, a)
	}
	slices.Sort(pinned)
	for _, a := range pinned {
		as := t.g.assignment(a)
		rhs := 0
		if as.GroundTruth {
			rhs = 1
		}
		fmt.Fprintf(bw, "\t%s, %d, %d, %d\n", directiveAssignment, as.Time+off, as.Index, rhs)
	}

	fmt.Fprintln(bw, "# PruningRoots (PR)")
	for _, h := range t.sortedHyps(func(h HypothesisID) bool { return t.g.hyp(h).PruneRoot }) {
		hyp := t.g.hyp(h)
		fmt.Fprintf(bw, "\t%s, %d, %d\n", directivePruneRoot, hyp.Time+off, hyp.SegmentID)
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("writing state: %w", err)
	}
	return nil
}

func (t *Tracker) hasSegmentPin(h HypothesisID) bool {
	_, ok := t.segmentPins[h]
	return ok
}

// sortedHyps returns the hypotheses accepted by keep ordered by time, then
// segment id.
func (t *Tracker) sortedHyps(keep func(HypothesisID) bool) []HypothesisID {
	var out []HypothesisID
	for i := range t.g.hyps {
		if keep(HypothesisID(i)) {
			out = append(out, HypothesisID(i))
		}
	}
	slices.SortFunc(out, func(a, b HypothesisID) int {
		ha, hb := t.g.hyp(a), t.g.hyp(b)
		return cmp.Or(cmp.Compare(ha.Time, hb.Time), cmp.Compare(ha.SegmentID, hb.SegmentID))
	})
	return out
}

// LoadState applies a document written by SaveState, solves, and then
// marks the saved prune roots.
//
// Loading is tolerant: a document saved for a different time range or model
// size produces warnings, and lines that cannot be parsed or refer to
// unknown frames, segments or assignments are skipped.
func (t *Tracker) LoadState(ctx context.Context, r io.Reader) (LoadReport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	report := LoadReport{BottomOffset: t.opts.BottomOffset}
	var roots []HypothesisID

	warn := func(lineNo int, msg string) {
		report.Warnings = append(report.Warnings, fmt.Sprintf("line %d: %s", lineNo, msg))
		t.log.Warn("state load", zap.Int("line", lineNo), zap.String("problem", msg))
	}

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, ",")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		nums, err := parseInts(fields[1:])
		if err != nil {
			report.Skipped++
			warn(lineNo, err.Error())
			continue
		}

		if err := t.applyDirective(fields[0], nums, &report, &roots, func(msg string) { warn(lineNo, msg) }); err != nil {
			return report, err
		}
	}
	if err := sc.Err(); err != nil {
		return report, fmt.Errorf("reading state: %w", err)
	}

	status, err := t.solveLocked(ctx)
	report.Status = status
	if err != nil {
		return report, err
	}

	for _, h := range roots {
		t.g.hyp(h).PruneRoot = true
	}
	report.PruneRoots = len(roots)
	t.refreshPruning()
	return report, nil
}

// parseInts accepts integers and integral decimals such as "1.0".
func parseInts(fields []string) ([]int, error) {
	out := make([]int, len(fields))
	for i, f := range fields {
		if v, err := strconv.Atoi(f); err == nil {
			out[i] = v
			continue
		}
		v, err := strconv.ParseFloat(f, 64)
		if err != nil || v != math.Trunc(v) || math.Abs(v) > math.MaxInt32 {
			return nil, fmt.Errorf("bad number %q", f)
		}
		out[i] = int(v)
	}
	return out, nil
}

// pinValue checks the right-hand side of a segment or assignment pin.
func pinValue(kind string, v int, warn func(string)) bool {
	if v == 0 || v == 1 {
		return true
	}
	warn(fmt.Sprintf("%s right-hand side %d is not 0 or 1", kind, v))
	return false
}

// applyDirective applies one parsed line. Only solver failures are
// returned; everything else is reported through warn.
func (t *Tracker) applyDirective(kind string, nums []int, report *LoadReport, roots *[]HypothesisID, warn func(string)) error {
	n, known := directiveArity[kind]
	if !known {
		report.Skipped++
		warn(fmt.Sprintf("unknown directive %q", kind))
		return nil
	}
	if len(nums) != n {
		report.Skipped++
		warn(fmt.Sprintf("%s expects %d values, got %d", kind, n, len(nums)))
		return nil
	}

	off := t.opts.TimeOffset
	frames := t.g.numFrames()
	frame := func(v int) (int, bool) {
		ti := v - off
		if ti < 0 || ti >= frames {
			report.Skipped++
			warn(fmt.Sprintf("%s at time %d outside loaded range [%d,%d]", kind, v, off, off+frames-1))
			return 0, false
		}
		return ti, true
	}

	switch kind {
	case directiveTime:
		if nums[1] != off || nums[2] != off+frames-1 {
			warn(fmt.Sprintf("state covers times [%d,%d], loaded dataset covers [%d,%d]",
				nums[1], nums[2], off, off+frames-1))
		}
	case directiveSize:
		if nums[0] != len(t.g.hyps) || nums[1] != len(t.g.assignments) {
			warn(fmt.Sprintf("state was saved for %d hypotheses and %d assignments, model has %d and %d",
				nums[0], nums[1], len(t.g.hyps), len(t.g.assignments)))
		}
	case directiveBottomOffset:
		report.BottomOffset = nums[0]
	case directiveFrameCount:
		ti, ok := frame(nums[0])
		if !ok {
			return nil
		}
		if nums[1] < 0 {
			report.Skipped++
			warn(fmt.Sprintf("negative cell count %d at time %d", nums[1], nums[0]))
			return nil
		}
		if err := t.addFrameCount(ti, nums[1]); err != nil {
			return err
		}
		report.FrameCounts++
	case directiveSegment:
		ti, ok := frame(nums[0])
		if !ok {
			return nil
		}
		if !pinValue(kind, nums[2], warn) {
			report.Skipped++
			return nil
		}
		h, ok := t.g.lookup(ti, nums[1])
		if !ok {
			report.Skipped++
			warn(fmt.Sprintf("no segment %d at time %d", nums[1], nums[0]))
			return nil
		}
		if err := t.pinSegment(h, nums[2] == 1); err != nil {
			return err
		}
		report.Segments++
	case directiveAssignment:
		ti, ok := frame(nums[0])
		if !ok {
			return nil
		}
		if !pinValue(kind, nums[2], warn) {
			report.Skipped++
			return nil
		}
		a, ok := t.g.assignmentAt(ti, nums[1])
		if !ok {
			report.Skipped++
			warn(fmt.Sprintf("no assignment %d at time %d", nums[1], nums[0]))
			return nil
		}
		if err := t.pinAssignment(a, nums[2] == 1); err != nil {
			return err
		}
		report.Assignments++
	case directivePruneRoot:
		ti, ok := frame(nums[0])
		if !ok {
			return nil
		}
		h, ok := t.g.lookup(ti, nums[1])
		if !ok {
			report.Skipped++
			warn(fmt.Sprintf("no segment %d at time %d", nums[1], nums[0]))
			return nil
		}
		*roots = append(*roots, h)
	}
	return nil
}
