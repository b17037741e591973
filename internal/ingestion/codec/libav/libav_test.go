package libav

import (
	"bytes"
	"errors"
	"testing"

	"github.com/asticode/go-astiav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/cadence/internal/ingestion/media"
)

func TestRate(t *testing.T) {
	assert.Equal(t, 25.0, rate(astiav.NewRational(25, 1)))
	assert.InDelta(t, 29.97, rate(astiav.NewRational(30000, 1001)), 0.001)
	assert.Zero(t, rate(astiav.NewRational(0, 1)))
	assert.Zero(t, rate(astiav.NewRational(25, 0)))
}

func TestChannelLayout(t *testing.T) {
	for _, n := range []int{1, 2, 4, 6, 8} {
		l, err := channelLayout(n)
		require.NoError(t, err, "%d channels", n)
		assert.Equal(t, n, l.Channels())
	}
	_, err := channelLayout(3)
	assert.Error(t, err)
}

func TestOpen_RejectsBadParams(t *testing.T) {
	c := New()
	assert.Equal(t, Name, c.Name())

	_, err := c.OpenVideo(bytes.NewReader(nil), media.VideoParams{})
	assert.Error(t, err)
	_, err = c.OpenAudio(bytes.NewReader(nil), media.AudioParams{SampleRate: 48000, Channels: 3, Format: "s32le"})
	assert.Error(t, err)
	_, err = c.OpenAudio(bytes.NewReader(nil), media.AudioParams{SampleRate: 48000, Channels: 2, Format: "no-such-format"})
	assert.Error(t, err)
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestOpen_SurfacesPipeError(t *testing.T) {
	cause := errors.New("pipe timed out")
	_, err := New().OpenVideo(failingReader{err: cause}, media.VideoParams{Width: 4, Height: 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
}
