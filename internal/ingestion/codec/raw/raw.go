// Package raw decodes headerless streams: packed BGRA pictures at the
// negotiated geometry and little-endian PCM. It needs no probing, so opening a
// decoder never reads from the pipe.
package raw

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/zsiec/cadence/internal/ingestion/media"
)

// Name identifies the codec in configuration.
const Name = "raw"

// DefaultBlockFrames is the number of sample frames returned per read.
const DefaultBlockFrames = 1024

// Codec implements media.Codec.
type Codec struct {
	BlockFrames int
}

// New returns a raw codec with the default audio block size.
func New() *Codec {
	return &Codec{BlockFrames: DefaultBlockFrames}
}

func (c *Codec) Name() string { return Name }

// OpenVideo returns a decoder for packed BGRA frames.
func (c *Codec) OpenVideo(src io.Reader, p media.VideoParams) (media.VideoDecoder, error) {
	if p.Width <= 0 || p.Height <= 0 {
		return nil, fmt.Errorf("invalid geometry %dx%d", p.Width, p.Height)
	}
	return &videoDecoder{
		src:    src,
		params: p,
		size:   p.Width * p.Height * media.BytesPerPixel,
	}, nil
}

// OpenAudio returns a decoder for s16le or s32le interleaved PCM.
func (c *Codec) OpenAudio(src io.Reader, p media.AudioParams) (media.AudioDecoder, error) {
	if p.Channels <= 0 || p.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid layout %d Hz x %d", p.SampleRate, p.Channels)
	}
	width, err := SampleWidth(p.Format)
	if err != nil {
		return nil, err
	}
	block := c.BlockFrames
	if block <= 0 {
		block = DefaultBlockFrames
	}
	return &audioDecoder{
		src:   src,
		width: width,
		buf:   make([]byte, block*p.Channels*width),
	}, nil
}

// SampleWidth returns the byte width of a supported sample format.
func SampleWidth(format string) (int, error) {
	switch format {
	case "s16le":
		return 2, nil
	case "s32le":
		return 4, nil
	default:
		return 0, fmt.Errorf("unsupported sample format %q", format)
	}
}

type videoDecoder struct {
	src    io.Reader
	params media.VideoParams
	size   int
}

func (d *videoDecoder) ReadPicture() (*media.Picture, error) {
	data := make([]byte, d.size)
	if _, err := io.ReadFull(d.src, data); err != nil {
		return nil, fmt.Errorf("read picture: %w", err)
	}
	return &media.Picture{Width: d.params.Width, Height: d.params.Height, Data: data}, nil
}

func (d *videoDecoder) FrameRate() float64 { return d.params.ForcedFPS }

func (d *videoDecoder) Close() error { return nil }

type audioDecoder struct {
	src   io.Reader
	width int
	buf   []byte
}

// ReadSamples returns one block, widened to 32 bits. A short final block is
// returned whole before the error surfaces on the next call.
func (d *audioDecoder) ReadSamples() ([]int32, error) {
	n, err := io.ReadFull(d.src, d.buf)
	n -= n % d.width
	if n == 0 {
		if err == nil {
			return nil, media.ErrNoFrame
		}
		return nil, fmt.Errorf("read samples: %w", err)
	}
	return Decode(d.buf[:n], d.width), nil
}

func (d *audioDecoder) Close() error { return nil }

// Decode converts little-endian PCM of the given byte width to int32.
// 16-bit samples are scaled to the full 32-bit range.
func Decode(b []byte, width int) []int32 {
	out := make([]int32, len(b)/width)
	for i := range out {
		switch width {
		case 2:
			out[i] = int32(int16(binary.LittleEndian.Uint16(b[i*2:]))) << 16
		default:
			out[i] = int32(binary.LittleEndian.Uint32(b[i*4:]))
		}
	}
	return out
}

// Encode is the inverse of Decode.
func Encode(samples []int32, width int) []byte {
	out := make([]byte, len(samples)*width)
	for i, s := range samples {
		switch width {
		case 2:
			binary.LittleEndian.PutUint16(out[i*2:], uint16(s>>16))
		default:
			binary.LittleEndian.PutUint32(out[i*4:], uint32(s))
		}
	}
	return out
}
