package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAudioCadence(t *testing.T) {
	tests := []struct {
		name       string
		sampleRate int
		fps        float64
		want       []int
	}{
		{"25 fps at 48k", 48000, 25, []int{1920}},
		{"50 fps at 48k", 48000, 50, []int{960}},
		{"29.97 at 48k", 48000, 30000.0 / 1001, []int{1602, 1601, 1602, 1601, 1602}},
		{"30 fps at 44.1k", 44100, 30, []int{1470}},
		{"24 fps at 44.1k", 44100, 24, []int{1838, 1837}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := AudioCadence(tt.sampleRate, tt.fps)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Sequence())
		})
	}
}

func TestAudioCadence_SumsToSampleRate(t *testing.T) {
	c, err := AudioCadence(48000, 30000.0/1001)
	require.NoError(t, err)

	sum := 0
	for _, n := range c.Sequence() {
		sum += n
	}
	// 5 frames at 29.97 fps last 5*1001/30000 s.
	assert.Equal(t, 8008, sum)
}

func TestCadence_RotateWraps(t *testing.T) {
	c, err := NewCadence([]int{3, 1, 2})
	require.NoError(t, err)

	var got []int
	for i := 0; i < 7; i++ {
		got = append(got, c.Front())
		c.Rotate()
	}
	assert.Equal(t, []int{3, 1, 2, 3, 1, 2, 3}, got)
	assert.Equal(t, []int{1, 2, 3}, c.Sequence())
}

func TestCadence_Invalid(t *testing.T) {
	_, err := NewCadence(nil)
	assert.Error(t, err)

	_, err = NewCadence([]int{1920, 0})
	assert.Error(t, err)

	_, err = AudioCadence(0, 25)
	assert.Error(t, err)

	_, err = AudioCadence(48000, 0)
	assert.Error(t, err)
}

func TestSignal_NotifyReleasesWaiters(t *testing.T) {
	s := NewSignal()
	ch := s.C()

	select {
	case <-ch:
		t.Fatal("signal fired before Notify")
	default:
	}

	s.Notify()
	<-ch

	select {
	case <-s.C():
		t.Fatal("new channel must not be closed")
	default:
	}
}
