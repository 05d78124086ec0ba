//go:build linux

package camera

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/blackjack/webcam"

	"github.com/bryanchriswhite/SnapCam/internal/frame"
	"github.com/bryanchriswhite/SnapCam/internal/logger"
)

// V4L2 fourcc codes the backend knows how to decode.
const (
	pixFmtYUYV webcam.PixelFormat = 0x56595559
	pixFmtMJPG webcam.PixelFormat = 0x47504A4D
)

func init() {
	Register("v4l2", BackendFunc(func(selector string) (Device, error) {
		return OpenV4L2(selector, V4L2Options{})
	}))
}

// V4L2Options tunes the V4L2 backend.
type V4L2Options struct {
	// PixelFormat is "yuyv", "mjpeg" or "" to pick the first supported
	// one in that order.
	PixelFormat string

	// FrameTimeout bounds each wait for a frame. Zero means one second.
	FrameTimeout time.Duration
}

// V4L2Device captures from a Video4Linux2 node through blackjack/webcam.
type V4L2Device struct {
	path      string
	name      string
	cam       *webcam.Webcam
	opts      V4L2Options
	format    webcam.PixelFormat
	width     int
	height    int
	streaming bool
	seq       uint64
	closed    bool
}

// OpenV4L2 opens the device named by selector (an index or a path).
func OpenV4L2(selector string, opts V4L2Options) (*V4L2Device, error) {
	path := DevicePath(selector)
	log := logger.WithComponent("v4l2")

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, path, err)
	}
	if info.Mode()&os.ModeCharDevice == 0 {
		return nil, fmt.Errorf("%w: %s is not a character device", ErrDeviceUnavailable, path)
	}

	cam, err := webcam.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, path, err)
	}

	name, err := cam.GetName()
	if err != nil {
		name = path
	}

	if opts.FrameTimeout <= 0 {
		opts.FrameTimeout = time.Second
	}

	d := &V4L2Device{path: path, name: name, cam: cam, opts: opts}
	format, err := d.pickFormat()
	if err != nil {
		cam.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, path, err)
	}
	d.format = format

	log.Info().Str("device", path).Str("name", name).Msg("Opened V4L2 device")
	return d, nil
}

func (d *V4L2Device) pickFormat() (webcam.PixelFormat, error) {
	supported := d.cam.GetSupportedFormats()
	for code, desc := range supported {
		logger.WithComponent("v4l2").Debug().
			Str("fourcc", fourcc(code)).
			Str("description", desc).
			Msg("Supported pixel format")
	}

	var order []webcam.PixelFormat
	switch strings.ToLower(d.opts.PixelFormat) {
	case "yuyv":
		order = []webcam.PixelFormat{pixFmtYUYV}
	case "mjpeg", "mjpg":
		order = []webcam.PixelFormat{pixFmtMJPG}
	default:
		order = []webcam.PixelFormat{pixFmtYUYV, pixFmtMJPG}
	}
	for _, f := range order {
		if _, ok := supported[f]; ok {
			return f, nil
		}
	}
	return 0, fmt.Errorf("no supported pixel format (want %s)", d.opts.PixelFormat)
}

// Name returns the card name and node path.
func (d *V4L2Device) Name() string {
	return fmt.Sprintf("v4l2:%s (%s)", d.path, d.name)
}

// Configure negotiates the capture size. V4L2 drivers clamp to the
// nearest supported mode, so the returned size may differ from the request.
func (d *V4L2Device) Configure(width, height int) (int, int, error) {
	if d.streaming {
		return d.width, d.height, fmt.Errorf("%w: cannot change format while streaming", ErrConfigurationUnsupported)
	}
	f, w, h, err := d.cam.SetImageFormat(d.format, uint32(width), uint32(height))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrConfigurationUnsupported, err)
	}
	if err := checkFormat(f); err != nil {
		return 0, 0, err
	}
	d.format = f
	d.width, d.height = int(w), int(h)
	return d.width, d.height, nil
}

func (d *V4L2Device) start() error {
	if d.width == 0 || d.height == 0 {
		// Nothing negotiated yet: fall back to the largest size.
		sizes := d.cam.GetSupportedFrameSizes(d.format)
		if len(sizes) == 0 {
			return fmt.Errorf("no frame sizes for %s", fourcc(d.format))
		}
		largest := largestSize(sizes)
		if _, _, err := d.Configure(int(largest.MaxWidth), int(largest.MaxHeight)); err != nil {
			return err
		}
	}
	if err := d.cam.SetBufferCount(2); err != nil {
		logger.WithComponent("v4l2").Debug().Err(err).Msg("SetBufferCount failed, using driver default")
	}
	if err := d.cam.StartStreaming(); err != nil {
		return err
	}
	d.streaming = true
	return nil
}

// Read waits for the next buffer and copies it into a Frame.
func (d *V4L2Device) Read() (*frame.Frame, error) {
	if d.closed {
		return nil, fmt.Errorf("%w: device closed", ErrAcquisitionFailed)
	}
	if !d.streaming {
		if err := d.start(); err != nil {
			return nil, fmt.Errorf("%w: start streaming: %v", ErrAcquisitionFailed, err)
		}
	}

	secs := uint32(d.opts.FrameTimeout / time.Second)
	if secs == 0 {
		secs = 1
	}
	if err := d.cam.WaitForFrame(secs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAcquisitionFailed, err)
	}
	data, err := d.cam.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAcquisitionFailed, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrAcquisitionFailed)
	}

	format := frame.FormatYUYV
	if d.format == pixFmtMJPG {
		format = frame.FormatMJPEG
	}
	f := frame.New(d.width, d.height, format, data)
	d.seq++
	f.Seq = d.seq
	return f, nil
}

// Close stops streaming and closes the node.
func (d *V4L2Device) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	if d.streaming {
		if err := d.cam.StopStreaming(); err != nil {
			logger.WithComponent("v4l2").Warn().Err(err).Msg("StopStreaming failed")
		}
		d.streaming = false
	}
	return d.cam.Close()
}

// checkFormat rejects formats the driver substituted for the one asked
// for when Read could not decode them.
func checkFormat(f webcam.PixelFormat) error {
	if f != pixFmtYUYV && f != pixFmtMJPG {
		return fmt.Errorf("%w: driver switched to pixel format %s", ErrConfigurationUnsupported, fourcc(f))
	}
	return nil
}

// largestSize picks the entry with the largest maximum area. Drivers list
// discrete sizes and stepwise ranges in no particular order.
func largestSize(sizes []webcam.FrameSize) webcam.FrameSize {
	var best webcam.FrameSize
	for _, s := range sizes {
		if uint64(s.MaxWidth)*uint64(s.MaxHeight) > uint64(best.MaxWidth)*uint64(best.MaxHeight) {
			best = s
		}
	}
	return best
}

func fourcc(f webcam.PixelFormat) string {
	b := []byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)}
	return string(b)
}
