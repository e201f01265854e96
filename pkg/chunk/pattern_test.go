package chunk

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterPatternSequentialSaturates(t *testing.T) {
	var p WriterPattern
	offset := uint64(0)
	for i := 0; i < patternLimit+3; i++ {
		p.MonitorWriteAt(offset, 4096)
		offset += 4096
	}
	require.EqualValues(t, patternLimit, p.Counter())
	require.True(t, p.IsSeq())
}

func TestWriterPatternRandomSaturatesNegative(t *testing.T) {
	var p WriterPattern
	p.MonitorWriteAt(0, 4096)
	for i := 0; i < patternLimit+3; i++ {
		p.MonitorWriteAt(uint64(1000000*(i+1)), 4096)
	}
	require.EqualValues(t, -patternLimit, p.Counter())
	require.False(t, p.IsSeq())
}

func TestWriterPatternStaysWithinBounds(t *testing.T) {
	var p WriterPattern
	offset := uint64(0)
	for i := 0; i < 50; i++ {
		if i%2 == 0 {
			p.MonitorWriteAt(offset, 4096)
			offset += 4096
		} else {
			offset += 999999
			p.MonitorWriteAt(offset, 4096)
			offset += 4096
		}
		require.LessOrEqual(t, p.Counter(), int64(patternLimit))
		require.GreaterOrEqual(t, p.Counter(), int64(-patternLimit))
	}
}
