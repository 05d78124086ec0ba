package camera

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/SnapCam/internal/frame"
	"github.com/bryanchriswhite/SnapCam/internal/logger"
)

func init() {
	Register("libcamera", BackendFunc(func(selector string) (Device, error) {
		return OpenPipeline(LibcameraSource(selector), PipelineOptions{})
	}))
	Register("gst-launch", BackendFunc(func(selector string) (Device, error) {
		return OpenPipeline(V4L2Source(selector), PipelineOptions{})
	}))
}

// LibcameraSource returns the libcamerasrc element for a selector. Numeric
// selectors pick the default camera; anything else is a libcamera camera id.
func LibcameraSource(selector string) string {
	selector = strings.TrimSpace(selector)
	if _, err := strconv.Atoi(selector); err == nil || selector == "" {
		return "libcamerasrc"
	}
	return fmt.Sprintf("libcamerasrc camera-name=%q", selector)
}

// V4L2Source returns a v4l2src element for a selector.
func V4L2Source(selector string) string {
	return "v4l2src device=" + DevicePath(selector)
}

// CommandFunc builds the process for a gst-launch-1.0 argument list.
type CommandFunc func(ctx context.Context, args ...string) *exec.Cmd

// PipelineOptions tunes a subprocess pipeline device.
type PipelineOptions struct {
	// Command builds the gst-launch process. Defaults to gst-launch-1.0
	// from PATH.
	Command CommandFunc

	// ProbeTimeout bounds each caps probe. Zero means ten seconds.
	ProbeTimeout time.Duration

	// FrameTimeout bounds each Read. Zero means one second.
	FrameTimeout time.Duration
}

// PipelineDevice runs a GStreamer pipeline in a gst-launch-1.0 subprocess
// and reads raw RGB frames from its stdout. Running the pipeline out of
// process keeps cgo out of the default build.
type PipelineDevice struct {
	source string
	opts   PipelineOptions

	width  int
	height int

	cmd     *exec.Cmd
	stdout  io.ReadCloser
	frames  chan *frame.Frame
	done    chan struct{}
	readErr error
	mu      sync.Mutex
	seq     uint64
	started bool
	closed  bool
}

// OpenPipeline checks that source produces video by probing its caps.
// A failed probe means the camera is unavailable.
func OpenPipeline(source string, opts PipelineOptions) (*PipelineDevice, error) {
	if opts.Command == nil {
		if _, err := exec.LookPath("gst-launch-1.0"); err != nil {
			return nil, fmt.Errorf("%w: gst-launch-1.0 not found: %v", ErrDeviceUnavailable, err)
		}
		opts.Command = func(ctx context.Context, args ...string) *exec.Cmd {
			return exec.CommandContext(ctx, "gst-launch-1.0", args...)
		}
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	if opts.FrameTimeout <= 0 {
		opts.FrameTimeout = time.Second
	}

	d := &PipelineDevice{source: source, opts: opts}

	w, h, err := d.probe(0, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, source, err)
	}
	d.width, d.height = w, h

	logger.WithComponent("gst-subprocess").Info().
		Str("source", source).
		Int("width", w).
		Int("height", h).
		Msg("Camera pipeline available")
	return d, nil
}

// Name returns the pipeline source element.
func (d *PipelineDevice) Name() string {
	return "gst-launch:" + d.source
}

// Configure probes the source with the requested size as a caps filter.
// If the source rejects it, the native size found at open is kept and
// ErrConfigurationUnsupported is returned along with that size.
func (d *PipelineDevice) Configure(width, height int) (int, int, error) {
	if d.started {
		return d.width, d.height, fmt.Errorf("%w: pipeline already running", ErrConfigurationUnsupported)
	}
	w, h, err := d.probe(width, height)
	if err != nil {
		return d.width, d.height, fmt.Errorf("%w: %dx%d: %v", ErrConfigurationUnsupported, width, height, err)
	}
	d.width, d.height = w, h
	return w, h, nil
}

// probe runs a one-buffer pipeline with verbose caps output and parses the
// negotiated size from it.
func (d *PipelineDevice) probe(width, height int) (int, int, error) {
	log := logger.WithComponent("gst-subprocess")

	ctx, cancel := context.WithTimeout(context.Background(), d.opts.ProbeTimeout)
	defer cancel()

	pipeline := d.source + " num-buffers=1"
	if width > 0 && height > 0 {
		pipeline += fmt.Sprintf(" ! video/x-raw,width=%d,height=%d", width, height)
	}
	pipeline += " ! fakesink"

	args := append([]string{"-v"}, strings.Fields(pipeline)...)
	output, err := d.opts.Command(ctx, args...).CombinedOutput()
	if err != nil {
		// Caps may have been printed before the failure
		log.Debug().Err(err).Str("output", string(output)).Msg("Probe command output")
	}

	w, h := parseCapsSize(string(output))
	if w > 0 && h > 0 {
		return w, h, nil
	}
	if err != nil {
		return 0, 0, err
	}
	return 0, 0, errors.New("no video caps in probe output")
}

// parseCapsSize returns the size from the last caps line, which is the one
// closest to the sink.
func parseCapsSize(output string) (int, int) {
	var width, height int
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "video/x-raw") {
			continue
		}
		w := extractIntFromCaps(line, "width")
		h := extractIntFromCaps(line, "height")
		if w > 0 && h > 0 {
			width, height = w, h
		}
	}
	return width, height
}

// extractIntFromCaps extracts an integer value from a GStreamer caps string,
// matching both "width=(int)1920" and "width=1920".
func extractIntFromCaps(caps, key string) int {
	for _, pattern := range []string{key + "=(int)", key + "="} {
		idx := strings.Index(caps, pattern)
		if idx < 0 {
			continue
		}
		start := idx + len(pattern)
		end := start
		for end < len(caps) && caps[end] >= '0' && caps[end] <= '9' {
			end++
		}
		if end > start {
			if val, err := strconv.Atoi(caps[start:end]); err == nil {
				return val
			}
		}
	}
	return 0
}

func (d *PipelineDevice) start() error {
	log := logger.WithComponent("gst-subprocess")

	pipeline := fmt.Sprintf(
		"%s ! videoconvert ! videoscale ! video/x-raw,format=RGB,width=%d,height=%d ! fdsink fd=1 sync=false",
		d.source, d.width, d.height,
	)
	log.Debug().Str("pipeline", pipeline).Msg("Starting gst-launch")

	args := append([]string{"-q"}, strings.Fields(pipeline)...)
	d.cmd = d.opts.Command(context.Background(), args...)

	stdout, err := d.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	d.stdout = stdout
	stderr, err := d.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := d.cmd.Start(); err != nil {
		return fmt.Errorf("start gst-launch: %w", err)
	}

	d.frames = make(chan *frame.Frame, 1)
	d.done = make(chan struct{})
	d.started = true

	go d.readFrames()
	go logStderr(stderr)

	log.Info().Int("pid", d.cmd.Process.Pid).Int("width", d.width).Int("height", d.height).Msg("Camera pipeline started")
	return nil
}

// readFrames reads fixed-size RGB frames from stdout and keeps only the
// most recent one for Read.
func (d *PipelineDevice) readFrames() {
	defer close(d.done)

	size := d.width * d.height * 3
	reader := bufio.NewReaderSize(d.stdout, size)
	for {
		buf := make([]byte, size)
		if _, err := io.ReadFull(reader, buf); err != nil {
			d.mu.Lock()
			d.readErr = err
			d.mu.Unlock()
			return
		}
		d.mu.Lock()
		d.seq++
		f := &frame.Frame{
			Width:    d.width,
			Height:   d.height,
			Format:   frame.FormatRGB24,
			Pix:      buf,
			Captured: time.Now(),
			Seq:      d.seq,
		}
		d.mu.Unlock()

		select {
		case d.frames <- f:
		default:
			// Drop the stale frame
			select {
			case <-d.frames:
			default:
			}
			d.frames <- f
		}
	}
}

func logStderr(r io.Reader) {
	log := logger.WithComponent("gst-subprocess")
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "ERROR") || strings.Contains(line, "WARN") {
			log.Warn().Str("gst", line).Msg("GStreamer message")
		} else {
			log.Debug().Str("gst", line).Msg("GStreamer output")
		}
	}
}

// Read returns the newest frame, waiting up to the frame timeout.
func (d *PipelineDevice) Read() (*frame.Frame, error) {
	if d.closed {
		return nil, fmt.Errorf("%w: device closed", ErrAcquisitionFailed)
	}
	if !d.started {
		if err := d.start(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAcquisitionFailed, err)
		}
	}

	timer := time.NewTimer(d.opts.FrameTimeout)
	defer timer.Stop()

	select {
	case f := <-d.frames:
		return f, nil
	case <-d.done:
		// Drain a frame that raced with the exit
		select {
		case f := <-d.frames:
			return f, nil
		default:
		}
		d.mu.Lock()
		err := d.readErr
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: pipeline exited: %v", ErrAcquisitionFailed, err)
	case <-timer.C:
		return nil, fmt.Errorf("%w: no frame within %v", ErrAcquisitionFailed, d.opts.FrameTimeout)
	}
}

// Close kills the subprocess and waits for it.
func (d *PipelineDevice) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	if !d.started || d.cmd == nil || d.cmd.Process == nil {
		return nil
	}

	log := logger.WithComponent("gst-subprocess")
	log.Debug().Int("pid", d.cmd.Process.Pid).Msg("Killing gst-launch")
	_ = d.cmd.Process.Kill()
	_ = d.cmd.Wait()
	<-d.done
	log.Info().Msg("Camera pipeline stopped")
	return nil
}
