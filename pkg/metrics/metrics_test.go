package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestIOAnalysisQueueRecordsSuccess(t *testing.T) {
	before := testutil.ToFloat64(IOBytesTotal.WithLabelValues("write"))

	a := Begin("write", "buffered")
	a.Queue(4096, "")

	after := testutil.ToFloat64(IOBytesTotal.WithLabelValues("write"))
	assert.Equal(t, float64(4096), after-before)
}

func TestIOAnalysisQueueRecordsError(t *testing.T) {
	before := testutil.ToFloat64(IOErrorsTotal.WithLabelValues("read", "EIO"))

	a := Begin("read", "direct")
	a.Queue(0, "EIO")

	after := testutil.ToFloat64(IOErrorsTotal.WithLabelValues("read", "EIO"))
	assert.Equal(t, float64(1), after-before)
}

func TestIOAnalysisWarnThreshold(t *testing.T) {
	a := Begin("write", "buffered")
	a.timer.start = time.Now().Add(-2 * IOWarnThreshold)
	assert.True(t, a.Warn())

	a2 := Begin("write", "buffered")
	assert.False(t, a2.Warn())
}
