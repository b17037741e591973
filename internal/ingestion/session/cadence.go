package session

import (
	"fmt"
	"math"
)

// maxCadenceLen bounds the exact cadence search; rates needing a longer
// cycle fall back to a rounded sample count.
const maxCadenceLen = 1000

// Cadence is the cyclic sequence of audio samples per output frame (per
// channel). It is not safe for concurrent use; the audio worker guards it with
// its queue mutex.
type Cadence struct {
	seq []int
	pos int
}

// NewCadence builds a cadence from an explicit sequence.
func NewCadence(seq []int) (*Cadence, error) {
	if len(seq) == 0 {
		return nil, fmt.Errorf("cadence must have at least one entry")
	}
	for _, n := range seq {
		if n <= 0 {
			return nil, fmt.Errorf("cadence entries must be positive, got %d", n)
		}
	}
	return &Cadence{seq: append([]int(nil), seq...)}, nil
}

// AudioCadence computes the sample cadence for an output frame rate. NTSC
// style rates (N*1000/1001) are recognised so that 29.97 at 48 kHz yields
// 1602,1601,1602,1601,1602.
func AudioCadence(sampleRate int, fps float64) (*Cadence, error) {
	if sampleRate <= 0 || fps <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d or fps %v", sampleRate, fps)
	}
	num, den := rationalFPS(fps)

	// Samples per frame = sampleRate*den/num; the cycle length is the reduced
	// denominator of that fraction.
	total := int64(sampleRate) * den
	g := gcd(total, num)
	cycle := num / g
	if cycle > maxCadenceLen {
		return NewCadence([]int{int(math.Round(float64(sampleRate) / fps))})
	}

	seq := make([]int, cycle)
	var prev int64
	for i := int64(0); i < cycle; i++ {
		next := (i + 1) * total / num
		seq[i] = int(next - prev)
		prev = next
	}
	// Start on the last entry, matching the broadcast convention where the
	// longer slice opens the cycle.
	seq = append(seq[len(seq)-1:], seq[:len(seq)-1]...)
	return NewCadence(seq)
}

func rationalFPS(fps float64) (int64, int64) {
	for _, base := range []int64{24, 30, 48, 60, 120} {
		ntsc := float64(base*1000) / 1001
		if math.Abs(fps-ntsc) < 0.005 {
			return base * 1000, 1001
		}
	}
	num := int64(math.Round(fps * 1000))
	g := gcd(num, 1000)
	return num / g, 1000 / g
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Front returns the sample count for the next audio unit.
func (c *Cadence) Front() int {
	return c.seq[c.pos]
}

// Rotate advances the cadence by one unit.
func (c *Cadence) Rotate() {
	c.pos = (c.pos + 1) % len(c.seq)
}

// Len is the cycle length.
func (c *Cadence) Len() int {
	return len(c.seq)
}

// Sequence returns the cadence in its current order, starting at Front.
func (c *Cadence) Sequence() []int {
	out := make([]int, 0, len(c.seq))
	out = append(out, c.seq[c.pos:]...)
	return append(out, c.seq[:c.pos]...)
}
