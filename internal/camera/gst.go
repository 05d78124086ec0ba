//go:build gst

package camera

import (
	"fmt"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/bryanchriswhite/SnapCam/internal/frame"
	"github.com/bryanchriswhite/SnapCam/internal/logger"
)

var gstInit sync.Once

func init() {
	Register("gstreamer", BackendFunc(func(selector string) (Device, error) {
		return OpenGst(V4L2Source(selector))
	}))
	Register("gstreamer-libcamera", BackendFunc(func(selector string) (Device, error) {
		return OpenGst(LibcameraSource(selector))
	}))
}

// GstDevice runs an in-process GStreamer pipeline and pulls RGBA samples
// from an appsink. Only built with the gst tag since it needs cgo and the
// GStreamer development headers.
type GstDevice struct {
	source   string
	pipeline *gst.Pipeline
	appsink  *app.Sink
	width    int
	height   int
	timeout  time.Duration
	seq      uint64
	playing  bool
}

// OpenGst builds the pipeline for source and moves it to PAUSED to check
// that the source element can be linked and prerolled.
func OpenGst(source string) (*GstDevice, error) {
	gstInit.Do(func() { gst.Init(nil) })

	d := &GstDevice{source: source, timeout: time.Second}
	if err := d.build(0, 0); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, source, err)
	}
	if err := d.pipeline.SetState(gst.StatePaused); err != nil {
		d.teardown()
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, source, err)
	}
	logger.WithComponent("gstreamer").Info().Str("source", source).Msg("GStreamer pipeline created")
	return d, nil
}

func (d *GstDevice) build(width, height int) error {
	caps := "video/x-raw,format=RGBA"
	if width > 0 && height > 0 {
		caps += fmt.Sprintf(",width=%d,height=%d", width, height)
	}
	pipelineStr := fmt.Sprintf(
		"%s ! videoconvert ! videoscale ! %s ! appsink name=sink emit-signals=false max-buffers=2 drop=true",
		d.source, caps,
	)
	logger.WithComponent("gstreamer").Debug().Str("pipeline", pipelineStr).Msg("Creating GStreamer pipeline")

	pipeline, err := gst.NewPipelineFromString(pipelineStr)
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}
	sinkElement, err := pipeline.GetElementByName("sink")
	if err != nil {
		pipeline.Unref()
		return fmt.Errorf("get appsink: %w", err)
	}
	d.pipeline = pipeline
	d.appsink = app.SinkFromElement(sinkElement)
	return nil
}

func (d *GstDevice) teardown() {
	if d.pipeline != nil {
		d.pipeline.SetState(gst.StateNull)
		d.pipeline.Unref()
		d.pipeline = nil
		d.appsink = nil
	}
	d.playing = false
}

// Name returns the source element.
func (d *GstDevice) Name() string {
	return "gstreamer:" + d.source
}

// Configure rebuilds the pipeline with a size caps filter. videoscale in
// the pipeline means the request is always honoured, possibly by scaling.
func (d *GstDevice) Configure(width, height int) (int, int, error) {
	d.teardown()
	if err := d.build(width, height); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrConfigurationUnsupported, err)
	}
	d.width, d.height = width, height
	return width, height, nil
}

// Read pulls one sample, waiting up to a second.
func (d *GstDevice) Read() (*frame.Frame, error) {
	if d.pipeline == nil {
		return nil, fmt.Errorf("%w: pipeline closed", ErrAcquisitionFailed)
	}
	if !d.playing {
		if err := d.pipeline.SetState(gst.StatePlaying); err != nil {
			return nil, fmt.Errorf("%w: start pipeline: %v", ErrAcquisitionFailed, err)
		}
		d.playing = true
	}

	sample := d.appsink.TryPullSample(d.timeout)
	if sample == nil {
		return nil, fmt.Errorf("%w: no sample within %v", ErrAcquisitionFailed, d.timeout)
	}
	f, err := d.sampleToFrame(sample)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAcquisitionFailed, err)
	}
	d.seq++
	f.Seq = d.seq
	return f, nil
}

// sampleToFrame copies the mapped buffer out of GStreamer memory.
func (d *GstDevice) sampleToFrame(sample *gst.Sample) (*frame.Frame, error) {
	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil, fmt.Errorf("sample without buffer")
	}
	caps := sample.GetCaps()
	if caps == nil {
		return nil, fmt.Errorf("sample without caps")
	}
	structure := caps.GetStructureAt(0)
	if structure == nil {
		return nil, fmt.Errorf("caps without structure")
	}

	width, _ := structure.GetValue("width")
	height, _ := structure.GetValue("height")
	w, ok := width.(int)
	if !ok {
		return nil, fmt.Errorf("caps width has type %T", width)
	}
	h, ok := height.(int)
	if !ok {
		return nil, fmt.Errorf("caps height has type %T", height)
	}

	mapInfo := buffer.Map(gst.MapRead)
	if mapInfo == nil {
		return nil, fmt.Errorf("map buffer failed")
	}
	defer buffer.Unmap()

	data := mapInfo.Bytes()
	expected := w * h * 4
	if len(data) < expected {
		return nil, fmt.Errorf("buffer holds %d bytes, want %d", len(data), expected)
	}
	d.width, d.height = w, h
	return frame.New(w, h, frame.FormatRGBA, data[:expected]), nil
}

// Close stops and frees the pipeline.
func (d *GstDevice) Close() error {
	d.teardown()
	logger.WithComponent("gstreamer").Info().Msg("GStreamer pipeline stopped")
	return nil
}
