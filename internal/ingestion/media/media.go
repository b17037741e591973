// Package media holds the decoded unit types shared by the decode workers and
// the multiplexer, and the codec capability interfaces the workers consume.
package media

import (
	"errors"
	"io"
)

// BytesPerPixel is the size of one BGRA pixel.
const BytesPerPixel = 4

// ErrNoFrame is returned by a decoder when a packet was consumed but produced
// no output unit yet. Callers simply read again.
var ErrNoFrame = errors.New("media: packet produced no frame")

// Kind identifies one of the two elementary streams of a session.
type Kind int

const (
	KindVideo Kind = iota
	KindAudio
)

func (k Kind) String() string {
	if k == KindAudio {
		return "audio"
	}
	return "video"
}

// Picture is one decoded BGRA image. It is never mutated after decode, so the
// same value may be handed out repeatedly for duplicated frames.
type Picture struct {
	Width  int
	Height int
	Data   []byte
}

// NewBlackPicture allocates an opaque black picture.
func NewBlackPicture(width, height int) *Picture {
	data := make([]byte, width*height*BytesPerPixel)
	for i := 3; i < len(data); i += BytesPerPixel {
		data[i] = 0xff
	}
	return &Picture{Width: width, Height: height, Data: data}
}

// VideoParams is the fixed output geometry negotiated with a video decoder.
type VideoParams struct {
	Width  int
	Height int
	// ForcedFPS overrides the stream frame rate when non-zero.
	ForcedFPS float64
}

// AudioParams is the fixed sample layout negotiated with an audio decoder.
type AudioParams struct {
	SampleRate int
	Channels   int
	// Format is the raw sample format name the subprocess writes, e.g. "s32le".
	Format string
}

// VideoDecoder yields decoded pictures from a byte stream.
type VideoDecoder interface {
	// ReadPicture decodes the next picture. ErrNoFrame means try again.
	ReadPicture() (*Picture, error)
	// FrameRate is the stream's declared rate, 0 when unknown.
	FrameRate() float64
	Close() error
}

// AudioDecoder yields interleaved 32-bit samples from a byte stream.
type AudioDecoder interface {
	// ReadSamples decodes the next block. ErrNoFrame means try again.
	ReadSamples() ([]int32, error)
	Close() error
}

// Codec opens decoders bound to a pull-style byte source.
type Codec interface {
	Name() string
	OpenVideo(src io.Reader, p VideoParams) (VideoDecoder, error)
	OpenAudio(src io.Reader, p AudioParams) (AudioDecoder, error)
}
