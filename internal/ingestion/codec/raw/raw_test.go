package raw

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/cadence/internal/ingestion/media"
)

func TestVideoDecoder(t *testing.T) {
	frame := bytes.Repeat([]byte{1, 2, 3, 4}, 4*2)
	src := bytes.NewReader(append(append([]byte{}, frame...), frame...))

	dec, err := New().OpenVideo(src, media.VideoParams{Width: 4, Height: 2, ForcedFPS: 25})
	require.NoError(t, err)
	assert.Equal(t, 25.0, dec.FrameRate())

	for i := 0; i < 2; i++ {
		pic, err := dec.ReadPicture()
		require.NoError(t, err)
		assert.Equal(t, frame, pic.Data)
		assert.Equal(t, 4, pic.Width)
	}

	_, err = dec.ReadPicture()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestVideoDecoder_InvalidGeometry(t *testing.T) {
	_, err := New().OpenVideo(bytes.NewReader(nil), media.VideoParams{Width: 0, Height: 2})
	assert.Error(t, err)
}

func TestAudioDecoder_S32(t *testing.T) {
	samples := []int32{1, -1, 1 << 30, -(1 << 30), 7, 8}
	c := &Codec{BlockFrames: 2}
	dec, err := c.OpenAudio(bytes.NewReader(Encode(samples, 4)), media.AudioParams{SampleRate: 48000, Channels: 2, Format: "s32le"})
	require.NoError(t, err)

	var got []int32
	for {
		block, err := dec.ReadSamples()
		if err != nil {
			assert.ErrorIs(t, err, io.EOF)
			break
		}
		got = append(got, block...)
	}
	assert.Equal(t, samples, got)
}

func TestAudioDecoder_S16IsWidened(t *testing.T) {
	in := Encode([]int32{0x12340000, -0x10000}, 2)
	dec, err := New().OpenAudio(bytes.NewReader(in), media.AudioParams{SampleRate: 48000, Channels: 2, Format: "s16le"})
	require.NoError(t, err)

	block, err := dec.ReadSamples()
	require.NoError(t, err)
	assert.Equal(t, []int32{0x12340000, -0x10000}, block)
}

func TestAudioDecoder_ShortBlock(t *testing.T) {
	in := Encode([]int32{5, 6, 7}, 4)
	in = append(in, 0xff) // trailing partial sample
	dec, err := New().OpenAudio(bytes.NewReader(in), media.AudioParams{SampleRate: 48000, Channels: 1, Format: "s32le"})
	require.NoError(t, err)

	block, err := dec.ReadSamples()
	require.NoError(t, err)
	assert.Equal(t, []int32{5, 6, 7}, block)

	_, err = dec.ReadSamples()
	assert.Error(t, err)
}

func TestOpenAudio_UnsupportedFormat(t *testing.T) {
	_, err := New().OpenAudio(bytes.NewReader(nil), media.AudioParams{SampleRate: 48000, Channels: 2, Format: "f32le"})
	assert.Error(t, err)
}
