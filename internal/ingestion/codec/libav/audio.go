package libav

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/cadence/internal/ingestion/media"
)

// OpenAudio reads headerless PCM in the negotiated format and returns a
// decoder converting it to interleaved s32.
func (c *Codec) OpenAudio(src io.Reader, p media.AudioParams) (media.AudioDecoder, error) {
	if p.Channels <= 0 || p.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid layout %d Hz x %d", p.SampleRate, p.Channels)
	}
	layout, err := channelLayout(p.Channels)
	if err != nil {
		return nil, err
	}
	format := astiav.FindInputFormat(p.Format)
	if format == nil {
		return nil, fmt.Errorf("unsupported sample format %q", p.Format)
	}
	in, err := c.openInput(src, astiav.MediaTypeAudio, format, map[string]string{
		"sample_rate": strconv.Itoa(p.SampleRate),
		"ch_layout":   layout.String(),
	})
	if err != nil {
		return nil, err
	}
	swr := astiav.AllocSoftwareResampleContext()
	if swr == nil {
		in.close()
		return nil, fmt.Errorf("alloc resampler failed")
	}
	return &audioDecoder{
		in:     in,
		params: p,
		layout: layout,
		swr:    swr,
		out:    astiav.AllocFrame(),
	}, nil
}

// channelLayout maps a channel count onto the native libav layout.
func channelLayout(channels int) (astiav.ChannelLayout, error) {
	switch channels {
	case 1:
		return astiav.ChannelLayoutMono, nil
	case 2:
		return astiav.ChannelLayoutStereo, nil
	case 4:
		return astiav.ChannelLayoutQuad, nil
	case 6:
		return astiav.ChannelLayout5Point1, nil
	case 8:
		return astiav.ChannelLayout7Point1, nil
	default:
		return astiav.ChannelLayout{}, fmt.Errorf("unsupported channel count %d", channels)
	}
}

type audioDecoder struct {
	in     *input
	params media.AudioParams
	layout astiav.ChannelLayout
	swr    *astiav.SoftwareResampleContext
	out    *astiav.Frame
}

func (d *audioDecoder) ReadSamples() ([]int32, error) {
	f, err := d.in.next()
	if err != nil {
		return nil, err
	}

	d.out.Unref()
	d.out.SetChannelLayout(d.layout)
	d.out.SetSampleFormat(astiav.SampleFormatS32)
	d.out.SetSampleRate(d.params.SampleRate)
	if err := d.swr.ConvertFrame(f, d.out); err != nil {
		return nil, fmt.Errorf("resample: %w", err)
	}
	if d.out.NbSamples() == 0 {
		return nil, media.ErrNoFrame
	}

	b, err := d.out.Data().Bytes(1)
	if err != nil {
		return nil, fmt.Errorf("sample data: %w", err)
	}
	n := d.out.NbSamples() * d.params.Channels
	if len(b) < n*4 {
		n = len(b) / 4
	}
	samples := make([]int32, n)
	for i := range samples {
		samples[i] = int32(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return samples, nil
}

func (d *audioDecoder) Close() error {
	d.out.Free()
	d.swr.Free()
	d.in.close()
	return nil
}
