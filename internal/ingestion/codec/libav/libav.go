// Package libav demuxes and decodes the subprocess output with FFmpeg through
// go-astiav. Each pipe carries its own container; pictures are converted to
// BGRA at the negotiated geometry and audio to interleaved s32 at the
// negotiated layout.
package libav

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/cadence/internal/ingestion/media"
	"github.com/zsiec/cadence/internal/logger"
)

// Name identifies the codec in configuration.
const Name = "libav"

const (
	defaultBufferSize = 64 * 1024
	defaultProbeSize  = 1 << 20
)

var logOnce sync.Once

// Codec implements media.Codec on top of libavformat and libavcodec.
type Codec struct {
	BufferSize int
	ProbeSize  int
	// Threads is passed to the decoders, 0 lets libavcodec decide.
	Threads int
}

// New returns a codec with default I/O sizes.
func New() *Codec {
	return &Codec{BufferSize: defaultBufferSize, ProbeSize: defaultProbeSize}
}

func (c *Codec) Name() string { return Name }

// RouteLogs sends libav messages to log. It is process wide and only the
// first call takes effect.
func RouteLogs(log logger.Logger) {
	logOnce.Do(func() {
		astiav.SetLogLevel(astiav.LogLevelWarning)
		astiav.SetLogCallback(func(_ astiav.Classer, l astiav.LogLevel, _, msg string) {
			msg = strings.TrimSpace(msg)
			if msg == "" {
				return
			}
			switch l {
			case astiav.LogLevelPanic, astiav.LogLevelFatal, astiav.LogLevelError:
				log.WithField("component", "libav").Error(msg)
			case astiav.LogLevelWarning:
				log.WithField("component", "libav").Warn(msg)
			default:
				log.WithField("component", "libav").Debug(msg)
			}
		})
	})
}

// input is one demuxer bound to a pipe, decoding a single stream of the
// requested media type.
type input struct {
	src     io.Reader
	pb      *astiav.IOContext
	fc      *astiav.FormatContext
	stream  *astiav.Stream
	dec     *astiav.CodecContext
	pkt     *astiav.Packet
	frame   *astiav.Frame
	readErr error
	opened  bool
	drained bool
}

// openInput binds a demuxer to src. A nil format lets libav probe the
// container; opts are passed to the demuxer.
func (c *Codec) openInput(src io.Reader, mt astiav.MediaType, format *astiav.InputFormat, opts map[string]string) (in *input, err error) {
	in = &input{src: src}
	defer func() {
		if err != nil {
			in.close()
		}
	}()

	size := c.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	if in.pb, err = astiav.AllocIOContext(size, false, in.read, nil, nil); err != nil {
		return nil, fmt.Errorf("alloc io context: %w", err)
	}

	if in.fc = astiav.AllocFormatContext(); in.fc == nil {
		return nil, errors.New("alloc format context failed")
	}
	in.fc.SetPb(in.pb)

	dict := astiav.NewDictionary()
	defer dict.Free()
	probe := c.ProbeSize
	if probe <= 0 {
		probe = defaultProbeSize
	}
	_ = dict.Set("probesize", strconv.Itoa(probe), 0)
	_ = dict.Set("fflags", "+nobuffer+discardcorrupt", 0)
	for k, v := range opts {
		_ = dict.Set(k, v, 0)
	}

	if err = in.fc.OpenInput("", format, dict); err != nil {
		return nil, in.sourceErr(fmt.Errorf("open input: %w", err))
	}
	in.opened = true
	if err = in.fc.FindStreamInfo(nil); err != nil {
		return nil, in.sourceErr(fmt.Errorf("find stream info: %w", err))
	}

	for _, s := range in.fc.Streams() {
		if s.CodecParameters().MediaType() == mt {
			in.stream = s
			break
		}
	}
	if in.stream == nil {
		return nil, fmt.Errorf("no %s stream in input", mt)
	}

	par := in.stream.CodecParameters()
	codec := astiav.FindDecoder(par.CodecID())
	if codec == nil {
		return nil, fmt.Errorf("no decoder for %s", par.CodecID())
	}
	if in.dec = astiav.AllocCodecContext(codec); in.dec == nil {
		return nil, errors.New("alloc codec context failed")
	}
	if err = par.ToCodecContext(in.dec); err != nil {
		return nil, fmt.Errorf("codec parameters: %w", err)
	}
	if c.Threads > 0 {
		in.dec.SetThreadCount(c.Threads)
	}
	if err = in.dec.Open(codec, nil); err != nil {
		return nil, fmt.Errorf("open %s decoder: %w", codec.Name(), err)
	}

	in.pkt = astiav.AllocPacket()
	in.frame = astiav.AllocFrame()
	return in, nil
}

// read feeds libavformat from the pipe. The pipe error is kept so callers see
// it instead of the opaque libav code.
func (in *input) read(b []byte) (int, error) {
	for {
		n, err := in.src.Read(b)
		if n > 0 {
			return n, nil
		}
		if err != nil {
			in.readErr = err
			if errors.Is(err, io.EOF) {
				return 0, astiav.ErrEof
			}
			return 0, err
		}
	}
}

func (in *input) sourceErr(err error) error {
	if in.readErr != nil {
		return in.readErr
	}
	return err
}

// next returns the next decoded frame of the selected stream. The frame is
// owned by the input and valid until the following call.
func (in *input) next() (*astiav.Frame, error) {
	for {
		in.frame.Unref()
		err := in.dec.ReceiveFrame(in.frame)
		switch {
		case err == nil:
			return in.frame, nil
		case errors.Is(err, astiav.ErrEof):
			return nil, in.sourceErr(io.EOF)
		case !errors.Is(err, astiav.ErrEagain):
			return nil, fmt.Errorf("receive frame: %w", err)
		}
		if in.drained {
			return nil, in.sourceErr(io.EOF)
		}

		in.pkt.Unref()
		if err := in.fc.ReadFrame(in.pkt); err != nil {
			if errors.Is(err, astiav.ErrEof) && in.readErr == nil {
				// Flush what the decoder still holds.
				in.drained = true
				_ = in.dec.SendPacket(nil)
				continue
			}
			return nil, in.sourceErr(fmt.Errorf("read packet: %w", err))
		}
		if in.pkt.StreamIndex() != in.stream.Index() {
			continue
		}
		if err := in.dec.SendPacket(in.pkt); err != nil && !errors.Is(err, astiav.ErrEagain) {
			// A corrupt packet costs one unit, not the session.
			return nil, media.ErrNoFrame
		}
	}
}

func (in *input) close() {
	if in.frame != nil {
		in.frame.Free()
	}
	if in.pkt != nil {
		in.pkt.Free()
	}
	if in.dec != nil {
		in.dec.Free()
	}
	if in.fc != nil {
		if in.opened {
			in.fc.CloseInput()
		} else {
			in.fc.Free()
		}
	}
	if in.pb != nil {
		in.pb.Free()
	}
}

// rate converts a libav rational, 0 when undefined.
func rate(r astiav.Rational) float64 {
	if r.Num() <= 0 || r.Den() <= 0 {
		return 0
	}
	return float64(r.Num()) / float64(r.Den())
}
