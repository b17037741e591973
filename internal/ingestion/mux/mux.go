// Package mux pairs decoded pictures and audio into output frames behind a
// fixed delay line.
package mux

import (
	"github.com/zsiec/cadence/internal/ingestion/media"
)

// Frame is one output frame. It is never mutated once returned.
type Frame struct {
	Picture *media.Picture
	// Audio holds interleaved samples when HasAudio; otherwise the frame is
	// silent.
	Audio    []int32
	HasVideo bool
	HasAudio bool
	// Empty frames carry nothing and tell the consumer to keep its last
	// output.
	Empty bool
}

// EmptyFrame is returned before any picture has been muxed.
var EmptyFrame = Frame{Empty: true}

// Muxer delays each stream by a fixed number of units. It is not safe for
// concurrent use; the producer serializes access.
type Muxer struct {
	delay int
	black *media.Picture

	video []*media.Picture
	audio [][]int32

	lastVideo    *media.Picture
	lastAudio    []int32
	videoStarted bool
	audioStarted bool
}

// New creates a muxer. Nil pictures pushed into it render as black at the
// given geometry.
func New(width, height, delay int) *Muxer {
	if delay < 0 {
		delay = 0
	}
	return &Muxer{
		delay: delay,
		black: media.NewBlackPicture(width, height),
	}
}

// PushVideo appends a picture to the video delay line.
func (m *Muxer) PushVideo(p *media.Picture) {
	if p == nil {
		p = m.black
	}
	m.video = append(m.video, p)
}

// PushAudio appends one frame of samples to the audio delay line.
func (m *Muxer) PushAudio(samples []int32) {
	m.audio = append(m.audio, samples)
}

// Poll releases at most one unit per stream whose line is longer than the
// delay. Once a picture has been released it is repeated until the next one.
func (m *Muxer) Poll() Frame {
	v := m.popVideo()
	a := m.popAudio()
	if v {
		m.videoStarted = true
	}
	if a {
		m.audioStarted = true
	}

	switch {
	case m.videoStarted && m.audioStarted:
		f := Frame{Picture: m.lastVideo, HasVideo: true, HasAudio: a}
		if a {
			f.Audio = m.lastAudio
		}
		return f
	case m.videoStarted:
		return Frame{Picture: m.lastVideo, HasVideo: true}
	default:
		return EmptyFrame
	}
}

// Last repeats the last released picture with silence.
func (m *Muxer) Last() Frame {
	if !m.videoStarted {
		return EmptyFrame
	}
	return Frame{Picture: m.lastVideo, HasVideo: true}
}

// Depth returns the units waiting in each line.
func (m *Muxer) Depth() (video, audio int) {
	return len(m.video), len(m.audio)
}

// Reset empties both lines and forgets the last units.
func (m *Muxer) Reset() {
	m.video = nil
	m.audio = nil
	m.lastVideo = nil
	m.lastAudio = nil
	m.videoStarted = false
	m.audioStarted = false
}

func (m *Muxer) popVideo() bool {
	if len(m.video) <= m.delay {
		return false
	}
	m.lastVideo = m.video[0]
	m.video[0] = nil
	m.video = m.video[1:]
	return true
}

func (m *Muxer) popAudio() bool {
	if len(m.audio) <= m.delay {
		return false
	}
	m.lastAudio = m.audio[0]
	m.audio[0] = nil
	m.audio = m.audio[1:]
	return true
}
