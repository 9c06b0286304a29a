package voice

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTurnMachine_InitialState(t *testing.T) {
	m, err := newTurnMachine()
	require.NoError(t, err)
	assert.Equal(t, StateListening, m.State())
}

func TestNewTurnMachine_FullCycle(t *testing.T) {
	m, err := newTurnMachine()
	require.NoError(t, err)
	ctx := context.Background()

	next, err := fire(ctx, m, EventPartialFirstWord)
	require.NoError(t, err)
	assert.Equal(t, StateAccumulating, next)

	next, err = fire(ctx, m, EventEndOfSpeech)
	require.NoError(t, err)
	assert.Equal(t, StateFinalizing, next)

	next, err = fire(ctx, m, EventTurnReady)
	require.NoError(t, err)
	assert.Equal(t, StateSpeaking, next)

	next, err = fire(ctx, m, EventSpeechDone)
	require.NoError(t, err)
	assert.Equal(t, StateCooldown, next)

	next, err = fire(ctx, m, EventCooldownElapsed)
	require.NoError(t, err)
	assert.Equal(t, StateListening, next)
}

func TestNewTurnMachine_EmptyTranscriptReturnsToListening(t *testing.T) {
	m, err := newTurnMachine()
	require.NoError(t, err)
	ctx := context.Background()

	_, err = fire(ctx, m, EventPartialFirstWord)
	require.NoError(t, err)
	_, err = fire(ctx, m, EventEndOfSpeech)
	require.NoError(t, err)

	next, err := fire(ctx, m, EventEmptyTranscript)
	require.NoError(t, err)
	assert.Equal(t, StateListening, next)
}

func TestNewTurnMachine_InvalidTransitionRejected(t *testing.T) {
	m, err := newTurnMachine()
	require.NoError(t, err)
	_, err = fire(context.Background(), m, EventSpeechDone)
	assert.Error(t, err)
}

func TestIsProcessing(t *testing.T) {
	assert.True(t, isProcessing(StateFinalizing))
	assert.True(t, isProcessing(StateSpeaking))
	assert.False(t, isProcessing(StateListening))
	assert.False(t, isProcessing(StateAccumulating))
	assert.False(t, isProcessing(StateCooldown))
}
