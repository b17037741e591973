package stretch

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRate     = 48000
	testChannels = 2
)

func sine(frames int, freq float64, phase int) []int32 {
	out := make([]int32, frames*testChannels)
	for i := 0; i < frames; i++ {
		v := int32(math.Sin(2*math.Pi*freq*float64(i+phase)/testRate) * 1e8)
		for c := 0; c < testChannels; c++ {
			out[i*testChannels+c] = v
		}
	}
	return out
}

func newTestWSOLA(t *testing.T) *WSOLA {
	t.Helper()
	w, err := NewWSOLA(WSOLAParams{
		SampleRate:   testRate,
		Channels:     testChannels,
		SequenceMs:   50,
		SeekWindowMs: 15,
		OverlapMs:    8,
	})
	require.NoError(t, err)
	return w
}

func TestWSOLA_ConstantSignalIsPreserved(t *testing.T) {
	w := newTestWSOLA(t)

	in := make([]int32, 48000*testChannels)
	for i := range in {
		in[i] = 1000
	}
	w.Put(in)

	out := w.Receive(-1)
	require.NotEmpty(t, out)
	for i, v := range out {
		if v != 1000 {
			t.Fatalf("sample %d = %d, want 1000", i, v)
		}
	}
}

func TestWSOLA_UnityTempoKeepsLength(t *testing.T) {
	w := newTestWSOLA(t)

	const total = 5 * testRate
	w.Put(sine(total, 440, 0))
	out := len(w.Receive(-1)) / testChannels

	// Everything not still buffered comes back out, less one overlap held
	// for the next cross-fade.
	assert.Equal(t, total-w.Buffered()-w.ovlLen, out)
	assert.Less(t, w.Buffered(), w.sampleReq)
}

func TestWSOLA_TempoShortens(t *testing.T) {
	w := newTestWSOLA(t)
	w.Set(1.25, 50)

	const total = 5 * testRate
	w.Put(sine(total, 440, 0))
	out := len(w.Receive(-1)) / testChannels

	assert.InDelta(t, float64(total)/1.25, float64(out), 4000)
}

func TestWSOLA_ReceiveLimit(t *testing.T) {
	w := newTestWSOLA(t)
	w.Put(sine(testRate, 440, 0))

	avail := w.Available()
	require.Greater(t, avail, 100)

	first := w.Receive(100)
	assert.Len(t, first, 100*testChannels)
	assert.Equal(t, avail-100, w.Available())
}

func TestWSOLA_Clear(t *testing.T) {
	w := newTestWSOLA(t)
	w.Put(sine(testRate, 440, 0))
	w.Clear()

	assert.Zero(t, w.Available())
	assert.Zero(t, w.Buffered())
}

func TestNewWSOLA_Invalid(t *testing.T) {
	_, err := NewWSOLA(WSOLAParams{SampleRate: 0, Channels: 2, SequenceMs: 50, SeekWindowMs: 15, OverlapMs: 8})
	assert.Error(t, err)

	_, err = NewWSOLA(WSOLAParams{SampleRate: 48000, Channels: 2, SequenceMs: 50, SeekWindowMs: 15})
	assert.Error(t, err)
}

func TestClip32(t *testing.T) {
	assert.Equal(t, int32(math.MaxInt32), clip32(1e12))
	assert.Equal(t, int32(math.MinInt32), clip32(-1e12))
	assert.Equal(t, int32(3), clip32(2.6))
}
