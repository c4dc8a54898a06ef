package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordSolve(t *testing.T) {
	before := testutil.ToFloat64(solvesTotal.WithLabelValues("OPTIMAL"))
	nodesBefore := testutil.ToFloat64(solverNodes)

	RecordSolve("OPTIMAL", 20*time.Millisecond, 42)
	RecordSolve("OPTIMAL", time.Millisecond, 0)

	assert.Equal(t, before+2, testutil.ToFloat64(solvesTotal.WithLabelValues("OPTIMAL")))
	assert.Equal(t, nodesBefore+42, testutil.ToFloat64(solverNodes))
}

func TestSetModelSize(t *testing.T) {
	SetModelSize(120, 45)
	assert.Equal(t, 120.0, testutil.ToFloat64(modelVariables))
	assert.Equal(t, 45.0, testutil.ToFloat64(modelConstraints))
}

func TestSetOverrides(t *testing.T) {
	SetOverrides(map[string]int{"segment": 3, "freeze": 0})
	assert.Equal(t, 3.0, testutil.ToFloat64(overrideConstraints.WithLabelValues("segment")))
	assert.Equal(t, 0.0, testutil.ToFloat64(overrideConstraints.WithLabelValues("freeze")))
}
