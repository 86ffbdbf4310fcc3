package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameSamples(t *testing.T) {
	assert.Equal(t, 160, FrameSamples)
}

func TestDefaultConstraintsEnableProcessing(t *testing.T) {
	c := DefaultConstraints()
	assert.True(t, c.EchoCancellation)
	assert.True(t, c.NoiseSuppression)
	assert.True(t, c.AutoGainControl)
	assert.Equal(t, SampleRate, c.SampleRate)
	assert.Equal(t, 1, c.Channels)
}

func TestSilence(t *testing.T) {
	f := []int16{1, -2, 3}
	Silence(f)
	assert.Equal(t, []int16{0, 0, 0}, f)
}
