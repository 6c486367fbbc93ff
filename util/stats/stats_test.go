package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordReset(t *testing.T) {
	var op Op
	op.Record(time.Now().Add(-2 * time.Millisecond))
	op.Record(time.Now())
	assert.Equal(t, uint32(2), op.Count())
	assert.True(t, op.MicrosPerOp() >= 1000)

	op.Reset()
	assert.Equal(t, uint32(0), op.Count())
	assert.Equal(t, float64(0), op.MicrosPerOp())
}

func TestFormatTable(t *testing.T) {
	ops := make([]Op, 2)
	ops[1].Record(time.Now())
	s := FormatTable([]string{"GetDnode", "Checkpoint"}, ops)
	assert.Contains(t, s, "Checkpoint")
	assert.NotContains(t, s, "GetDnode")
	assert.Contains(t, s, "total")

	assert.Panics(t, func() { FormatTable([]string{"a"}, ops) })
}
