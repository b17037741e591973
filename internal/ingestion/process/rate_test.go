package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func feed(d *RateDetector, start, step float64, n int, current float64) (float64, bool) {
	var fps float64
	var changed bool
	for i := 0; i < n; i++ {
		if f, ok := d.Observe(start+float64(i)*step, current); ok {
			fps, changed = f, true
			current = f
		}
	}
	return fps, changed
}

func TestRateDetector_CommitsAfterJitterDeltas(t *testing.T) {
	d := NewRateDetector(nil, 3)

	// Three deltas need four timestamps.
	_, changed := feed(d, 0, 0.04, 3, 0)
	assert.False(t, changed)

	fps, ok := d.Observe(0.12, 0)
	assert.True(t, ok)
	assert.Equal(t, 25.0, fps)
}

func TestRateDetector_ConstantRateAtCurrentNeverCommits(t *testing.T) {
	d := NewRateDetector(nil, 3)
	_, changed := feed(d, 0, 0.04, 50, 25)
	assert.False(t, changed)
}

func TestRateDetector_SnapsToAllowedRates(t *testing.T) {
	d := NewRateDetector([]float64{25, 30, 50}, 1)

	d.Observe(10, 0)
	fps, ok := d.Observe(10.0345, 0)
	assert.True(t, ok)
	assert.Equal(t, 30.0, fps)
}

func TestRateDetector_TieKeepsFirstRate(t *testing.T) {
	d := NewRateDetector([]float64{2, 6}, 1)

	d.Observe(0, 0)
	fps, ok := d.Observe(0.25, 0)
	assert.True(t, ok)
	assert.Equal(t, 2.0, fps)
}

func TestRateDetector_IgnoresOutOfRangeDeltas(t *testing.T) {
	d := NewRateDetector(nil, 1)

	d.Observe(0, 25)
	_, ok := d.Observe(0.001, 25)
	assert.False(t, ok, "sub-10ms delta")
	_, ok = d.Observe(5, 25)
	assert.False(t, ok, "gap over two seconds")
}

func TestRateDetector_UnstableCandidateResets(t *testing.T) {
	d := NewRateDetector(nil, 3)

	d.Observe(0, 25)
	d.Observe(0.02, 25) // 50
	d.Observe(0.04, 25) // 50
	d.Observe(0.08, 25) // back at 25
	d.Observe(0.10, 25) // 50
	_, ok := d.Observe(0.12, 25)
	assert.False(t, ok)
	fps, ok := d.Observe(0.14, 25)
	assert.True(t, ok)
	assert.Equal(t, 50.0, fps)
}

func TestRateDetector_Reset(t *testing.T) {
	d := NewRateDetector(nil, 2)
	d.Observe(0, 0)
	d.Observe(0.04, 0)
	d.Reset()

	// The first timestamp after a reset only primes the detector.
	_, ok := d.Observe(0.08, 0)
	assert.False(t, ok)
	_, ok = d.Observe(0.12, 0)
	assert.False(t, ok)
	fps, ok := d.Observe(0.16, 0)
	assert.True(t, ok)
	assert.Equal(t, 25.0, fps)
}

func TestRateDetector_WithoutRatesUsesMeasuredRate(t *testing.T) {
	d := NewRateDetector(nil, 2)

	fps, changed := feed(d, 0, 1.0/16, 3, 15)
	assert.True(t, changed)
	assert.Equal(t, 16.0, fps, "no list means no snapping")

	d = NewRateDetector(nil, 1)
	d.Observe(0, 25)
	fps, ok := d.Observe(1.0/29.97, 25)
	assert.True(t, ok)
	assert.Equal(t, 29.97, fps)
}
