package libav

import (
	"fmt"
	"io"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/cadence/internal/ingestion/media"
)

// OpenVideo probes src and returns a decoder scaling every picture to the
// negotiated geometry in BGRA.
func (c *Codec) OpenVideo(src io.Reader, p media.VideoParams) (media.VideoDecoder, error) {
	if p.Width <= 0 || p.Height <= 0 {
		return nil, fmt.Errorf("invalid geometry %dx%d", p.Width, p.Height)
	}
	in, err := c.openInput(src, astiav.MediaTypeVideo, nil, nil)
	if err != nil {
		return nil, err
	}
	fps := rate(in.stream.RFrameRate())
	if fps == 0 {
		fps = rate(in.stream.AvgFrameRate())
	}
	return &videoDecoder{in: in, params: p, fps: fps}, nil
}

type videoDecoder struct {
	in     *input
	params media.VideoParams
	fps    float64

	ssc    *astiav.SoftwareScaleContext
	dst    *astiav.Frame
	srcW   int
	srcH   int
	srcFmt astiav.PixelFormat
}

func (d *videoDecoder) FrameRate() float64 { return d.fps }

func (d *videoDecoder) ReadPicture() (*media.Picture, error) {
	f, err := d.in.next()
	if err != nil {
		return nil, err
	}
	if err := d.ensureScaler(f); err != nil {
		return nil, err
	}
	if err := d.ssc.ScaleFrame(f, d.dst); err != nil {
		return nil, fmt.Errorf("scale frame: %w", err)
	}
	n, err := d.dst.ImageBufferSize(1)
	if err != nil {
		return nil, fmt.Errorf("image buffer size: %w", err)
	}
	out := make([]byte, n)
	if _, err := d.dst.ImageCopyToBuffer(out, 1); err != nil {
		return nil, fmt.Errorf("image copy: %w", err)
	}
	return &media.Picture{Width: d.params.Width, Height: d.params.Height, Data: out}, nil
}

// ensureScaler rebuilds the scaler when the source geometry or pixel format
// changes mid-stream.
func (d *videoDecoder) ensureScaler(f *astiav.Frame) error {
	if d.ssc != nil && f.Width() == d.srcW && f.Height() == d.srcH && f.PixelFormat() == d.srcFmt {
		return nil
	}
	d.freeScaler()

	ssc, err := astiav.CreateSoftwareScaleContext(
		f.Width(), f.Height(), f.PixelFormat(),
		d.params.Width, d.params.Height, astiav.PixelFormatBgra,
		astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagBilinear),
	)
	if err != nil {
		return fmt.Errorf("create scaler %dx%d %s: %w", f.Width(), f.Height(), f.PixelFormat(), err)
	}
	dst := astiav.AllocFrame()
	dst.SetWidth(d.params.Width)
	dst.SetHeight(d.params.Height)
	dst.SetPixelFormat(astiav.PixelFormatBgra)
	if err := dst.AllocBuffer(1); err != nil {
		dst.Free()
		ssc.Free()
		return fmt.Errorf("alloc picture: %w", err)
	}

	d.ssc, d.dst = ssc, dst
	d.srcW, d.srcH, d.srcFmt = f.Width(), f.Height(), f.PixelFormat()
	return nil
}

func (d *videoDecoder) freeScaler() {
	if d.dst != nil {
		d.dst.Free()
		d.dst = nil
	}
	if d.ssc != nil {
		d.ssc.Free()
		d.ssc = nil
	}
}

func (d *videoDecoder) Close() error {
	d.freeScaler()
	d.in.close()
	return nil
}
