package framing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebuffer_WholeFrames(t *testing.T) {
	r := NewRebuffer()
	pcm := make([]byte, FrameSize*2+100)
	frames := r.Write(pcm)
	require.Len(t, frames, 2)
	assert.Equal(t, uint64(1), frames[0].Seq)
	assert.Equal(t, uint64(2), frames[1].Seq)
	assert.Len(t, frames[0].PCM, FrameSize)
	assert.False(t, frames[0].Final)
}

func TestRebuffer_AccumulatesAcrossWrites(t *testing.T) {
	r := NewRebuffer()
	assert.Empty(t, r.Write(make([]byte, 1000)))
	frames := r.Write(make([]byte, FrameSize-1000+50))
	require.Len(t, frames, 1)
	assert.Equal(t, uint64(1), frames[0].Seq)
}

func TestRebuffer_FlushPadsToBoundary(t *testing.T) {
	r := NewRebuffer()
	r.Write(make([]byte, 500)) // remainder smaller than one frame
	frame, ok := r.Flush()
	require.True(t, ok)
	assert.True(t, frame.Final)
	assert.Equal(t, 0, len(frame.PCM)%PadBoundary)
	assert.GreaterOrEqual(t, len(frame.PCM), 500)
}

func TestRebuffer_FlushEmptyIsNoop(t *testing.T) {
	r := NewRebuffer()
	_, ok := r.Flush()
	assert.False(t, ok)
}

func TestRebuffer_FlushExactBoundaryNoPadding(t *testing.T) {
	r := NewRebuffer()
	r.Write(make([]byte, PadBoundary*3))
	frame, ok := r.Flush()
	require.True(t, ok)
	assert.Equal(t, PadBoundary*3, len(frame.PCM))
}

func TestRebuffer_SequenceMonotonicAcrossWriteAndFlush(t *testing.T) {
	r := NewRebuffer()
	frames := r.Write(make([]byte, FrameSize+10))
	require.Len(t, frames, 1)
	flushed, ok := r.Flush()
	require.True(t, ok)
	assert.Greater(t, flushed.Seq, frames[0].Seq)
}

func TestRebuffer_Reset(t *testing.T) {
	r := NewRebuffer()
	r.Write(make([]byte, FrameSize))
	r.Reset()
	frames := r.Write(make([]byte, FrameSize))
	require.Len(t, frames, 1)
	assert.Equal(t, uint64(1), frames[0].Seq)
}
