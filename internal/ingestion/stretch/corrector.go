package stretch

import (
	"fmt"

	"github.com/zsiec/cadence/internal/config"
	"github.com/zsiec/cadence/internal/errors"
	"github.com/zsiec/cadence/internal/logger"
)

// Mode is the corrector state.
type Mode int

const (
	// ModeStandard may start a drop on the next chunk.
	ModeStandard Mode = iota
	// ModeAccumulating keeps the drop tempo until a full chunk has passed.
	ModeAccumulating
	// ModeCooldown passes audio untouched until the minimum drop interval.
	ModeCooldown
)

func (m Mode) String() string {
	switch m {
	case ModeAccumulating:
		return "accumulating"
	case ModeCooldown:
		return "cooldown"
	default:
		return "standard"
	}
}

// noiseWarmup is the number of chunks processed before latency min/max
// tracking starts.
const noiseWarmup = 100

// Ticket pairs one Feed with the Retrieve that must follow it.
type Ticket struct {
	seq uint64
}

// Params configures a Corrector. Durations are in milliseconds.
type Params struct {
	SampleRate int
	Channels   int
	config.DriftConfig
}

// Corrector absorbs externally requested audio drops by briefly raising the
// stretcher tempo, so that no audible discontinuity is produced. Latency is
// the number of samples fed and not yet returned, minus the samples the
// caller asked to drop; whenever it falls below the border the next chunk is
// compressed by at most the max drop size.
type Corrector struct {
	sampleRate int
	channels   int

	frameSamples    int
	nominalMs       int
	minDropInterval int
	maxDrop         int
	borderLatency   int
	ignoreRest      int
	noDrop          bool
	debugLevel      int

	wsola *WSOLA

	pending []int32 // input waiting for a full chunk
	ready   []int32 // output not yet retrieved

	mode    Mode
	elapsed int
	latency int

	issued      uint64
	outstanding bool

	chunks   int
	latMin   int
	latMax   int
	noise    int
	lastIn   int
	lastOut  int
	totalIn  int64
	totalOut int64

	log logger.Logger
}

// NewCorrector builds a corrector at tempo 1.0 in ModeStandard.
func NewCorrector(p Params, log logger.Logger) (*Corrector, error) {
	if p.FrameSamples <= 0 {
		return nil, fmt.Errorf("frame samples must be positive")
	}
	if p.FrameTimeMs <= 0 {
		return nil, fmt.Errorf("frame time must be positive")
	}
	if log == nil {
		log = logger.NewNullLogger()
	}

	c := &Corrector{
		sampleRate:   p.SampleRate,
		channels:     p.Channels,
		frameSamples: p.FrameSamples,
		nominalMs:    p.FrameTimeMs,
		ignoreRest:   p.IgnoreRestSamples,
		noDrop:       p.NoDropMode,
		debugLevel:   p.DebugLevel,
		log:          log,
	}
	c.minDropInterval = c.msToSamples(p.MinDropIntervalMs)
	c.maxDrop = c.msToSamples(p.MaxDropTimeMs)
	c.borderLatency = c.msToSamples(p.BorderLatencyMs)

	seek := p.SeekWindowMs
	if seek <= 0 {
		seek = 15
	}
	overlap := p.OverlapMs
	if overlap <= 0 {
		overlap = 8
	}
	w, err := NewWSOLA(WSOLAParams{
		SampleRate:   p.SampleRate,
		Channels:     p.Channels,
		SequenceMs:   p.FrameTimeMs,
		SeekWindowMs: seek,
		OverlapMs:    overlap,
	})
	if err != nil {
		return nil, err
	}
	c.wsola = w

	c.log.WithFields(map[string]interface{}{
		"frame_samples":     c.frameSamples,
		"nominal_ms":        c.nominalMs,
		"min_drop_interval": c.minDropInterval,
		"max_drop":          c.maxDrop,
		"border_latency":    c.borderLatency,
		"ignore_rest":       c.ignoreRest,
		"no_drop_mode":      c.noDrop,
		"debug_level":       c.debugLevel,
	}).Info("Drift corrector configured")

	return c, nil
}

func (c *Corrector) msToSamples(ms int) int {
	return ms * c.sampleRate / 1000
}

func (c *Corrector) samplesToMs(n int) int {
	return 1000 * n / c.sampleRate
}

func (c *Corrector) debug(level int, format string, args ...interface{}) {
	if c.debugLevel >= level {
		c.log.Debugf(format, args...)
	}
}

// Feed appends interleaved samples. Every complete chunk is stretched with
// the parameters chosen for it. The returned Ticket must be passed to
// Retrieve before the next Feed.
func (c *Corrector) Feed(samples []int32) Ticket {
	if c.outstanding {
		c.violation("feed called twice without retrieve")
	}
	c.issued++
	c.outstanding = true

	c.pending = append(c.pending, samples...)
	chunk := c.frameSamples * c.channels
	for len(c.pending) >= chunk {
		c.processChunk(c.pending[:chunk])
		c.pending = append(c.pending[:0], c.pending[chunk:]...)
	}
	return Ticket{seq: c.issued}
}

// Retrieve returns all stretched output produced since the last Retrieve.
func (c *Corrector) Retrieve(t Ticket) []int32 {
	if !c.outstanding || t.seq != c.issued {
		c.violation(fmt.Sprintf("retrieve with stale ticket %d (current %d)", t.seq, c.issued))
	}
	c.outstanding = false

	out := c.ready
	c.ready = nil
	return out
}

// Drop asks the corrector to remove n samples per channel from future
// output. It is ignored in no-drop mode.
func (c *Corrector) Drop(n int) {
	if c.noDrop {
		return
	}
	c.latency -= n
	c.debug(1, "external drop request of %d samples", n)
}

// Latency is the current latency estimate in samples per channel.
func (c *Corrector) Latency() int { return c.latency }

// NoiseInterval is max-min latency observed after warm-up. It is meaningful
// in no-drop mode, where it measures the natural latency jitter.
func (c *Corrector) NoiseInterval() int { return c.noise }

// Tempo is the tempo applied to the most recent chunk.
func (c *Corrector) Tempo() float64 { return c.wsola.Tempo() }

// SequenceMs is the sequence length applied to the most recent chunk.
func (c *Corrector) SequenceMs() int { return c.wsola.SequenceMs() }

// Mode is the current state.
func (c *Corrector) Mode() Mode { return c.mode }

// Totals returns the samples per channel fed and returned so far.
func (c *Corrector) Totals() (in, out int64) { return c.totalIn, c.totalOut }

// Reset clears all buffered audio and returns to the initial state.
func (c *Corrector) Reset() {
	c.wsola.Clear()
	c.wsola.Set(1.0, c.nominalMs)
	c.pending = c.pending[:0]
	c.ready = nil
	c.mode = ModeStandard
	c.elapsed = 0
	c.latency = 0
	c.outstanding = false
	c.chunks = 0
	c.noise = 0
}

func (c *Corrector) processChunk(chunk []int32) {
	n := len(chunk) / c.channels
	distance := -c.borderLatency - c.latency
	c.debug(5, "chunk in=%d latency=%d distance=%d", n, c.latency, distance)
	c.plan(n, distance)

	c.wsola.Put(chunk)
	c.latency += n

	out := c.wsola.Receive(-1)
	got := len(out) / c.channels
	c.ready = append(c.ready, out...)
	c.latency -= got

	c.lastIn, c.lastOut = n, got
	c.totalIn += int64(n)
	c.totalOut += int64(got)
	c.diagnose()
}

// plan picks tempo and sequence for the next chunk and advances the state.
func (c *Corrector) plan(n, distance int) {
	switch c.mode {
	case ModeStandard:
		if distance > c.ignoreRest && !c.noDrop {
			drop := distance
			if drop > c.maxDrop {
				drop = c.maxDrop
			}
			dropMs := c.samplesToMs(drop)
			if dropMs == 0 {
				dropMs = 1
			}
			tempo := float64(c.frameSamples) / float64(c.frameSamples-drop)
			seq := 1
			if dropMs < c.nominalMs {
				seq = c.nominalMs - dropMs
			}
			c.wsola.Set(tempo, seq)
			c.debug(1, "dropping %d samples (tempo %.4f, sequence %d ms)", drop, tempo, seq)

			if n >= c.frameSamples {
				if c.minDropInterval > 0 {
					c.elapsed = 0
					c.setMode(ModeCooldown)
				}
			} else {
				c.elapsed = n
				c.setMode(ModeAccumulating)
			}
		} else {
			c.wsola.Set(1.0, c.nominalMs)
		}

	case ModeAccumulating:
		c.elapsed += n
		if c.elapsed >= c.frameSamples {
			if c.minDropInterval > 0 {
				c.elapsed = 0
				c.setMode(ModeCooldown)
			} else {
				c.setMode(ModeStandard)
			}
		}

	case ModeCooldown:
		c.wsola.Set(1.0, c.nominalMs)
		c.elapsed += n
		if c.elapsed >= c.minDropInterval {
			c.setMode(ModeStandard)
		}
	}
}

func (c *Corrector) setMode(m Mode) {
	if c.mode != m {
		c.debug(4, "mode %s -> %s (elapsed %d)", c.mode, m, c.elapsed)
	}
	c.mode = m
}

func (c *Corrector) diagnose() {
	c.chunks++
	c.debug(2, "chunk %d -> %d (latency %d)", c.lastIn, c.lastOut, c.latency)

	switch {
	case c.chunks == noiseWarmup:
		c.latMin, c.latMax, c.noise = c.latency, c.latency, 0
	case c.chunks > noiseWarmup:
		if c.latency > c.latMax {
			c.latMax = c.latency
		}
		if c.latency < c.latMin {
			c.latMin = c.latency
		}
		c.noise = c.latMax - c.latMin
		c.debug(3, "latency min=%d max=%d noise=%d", c.latMin, c.latMax, c.noise)
	}
}

func (c *Corrector) violation(msg string) {
	err := errors.NewContractViolationError(msg)
	c.log.WithError(err).Warn("Drift corrector misuse")
}
