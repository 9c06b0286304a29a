package voice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVoicemailDetector_Disabled(t *testing.T) {
	d := NewVoicemailDetector(VoicemailConfig{Enabled: false}, time.Now())
	detected, conf := d.Check("please leave a message after the beep", time.Now())
	assert.False(t, detected)
	assert.Zero(t, conf)
}

func TestVoicemailDetector_BeforeMinDetectionTime(t *testing.T) {
	start := time.Now()
	d := NewVoicemailDetector(VoicemailConfig{Enabled: true, MinDetectionTime: 3 * time.Second}, start)
	detected, conf := d.Check("please leave a message", start.Add(1*time.Second))
	assert.True(t, detected, "detection runs during the first MinDetectionTime of the call")
	assert.InDelta(t, 0.70, conf, 0.001)
}

func TestVoicemailDetector_AfterMinDetectionTime(t *testing.T) {
	start := time.Now()
	d := NewVoicemailDetector(VoicemailConfig{Enabled: true, MinDetectionTime: 3 * time.Second}, start)
	detected, _ := d.Check("please leave a message", start.Add(3500*time.Millisecond))
	assert.False(t, detected, "detection stops once MinDetectionTime has elapsed")
}

func TestVoicemailDetector_NoKeywordMatch(t *testing.T) {
	start := time.Now()
	d := NewVoicemailDetector(VoicemailConfig{Enabled: true}, start)
	detected, conf := d.Check("hi there how are you", start.Add(3*time.Second))
	assert.False(t, detected)
	assert.Zero(t, conf)
}

func TestVoicemailDetector_SingleMatchClearsDefaultThreshold(t *testing.T) {
	start := time.Now()
	d := NewVoicemailDetector(VoicemailConfig{Enabled: true}, start)
	detected, conf := d.Check("this is my voicemail", start.Add(3*time.Second))
	assert.True(t, detected, "a single keyword hit scores exactly the default 0.7 threshold")
	assert.InDelta(t, 0.70, conf, 0.001)
}

func TestVoicemailDetector_SingleMatchBelowRaisedThreshold(t *testing.T) {
	start := time.Now()
	d := NewVoicemailDetector(VoicemailConfig{Enabled: true, ConfidenceThreshold: 0.8}, start)
	detected, conf := d.Check("this is my voicemail", start.Add(3*time.Second))
	assert.False(t, detected)
	assert.InDelta(t, 0.70, conf, 0.001)
}

func TestVoicemailDetector_MultipleKeywordsClearThreshold(t *testing.T) {
	start := time.Now()
	d := NewVoicemailDetector(VoicemailConfig{Enabled: true}, start)
	detected, conf := d.Check("please leave a message after the beep, mailbox is full", start.Add(3*time.Second))
	assert.True(t, detected)
	assert.InDelta(t, 1.0, conf, 0.001)
}

func TestVoicemailDetector_CustomKeywordsAndThreshold(t *testing.T) {
	start := time.Now()
	d := NewVoicemailDetector(VoicemailConfig{
		Enabled:             true,
		Keywords:            []string{"howdy partner"},
		ConfidenceThreshold: 0.5,
	}, start)
	detected, conf := d.Check("Howdy Partner, nobody's home", start.Add(3*time.Second))
	assert.True(t, detected)
	assert.Greater(t, conf, 0.5)
}
