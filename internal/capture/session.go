package capture

import (
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bryanchriswhite/SnapCam/internal/camera"
	"github.com/bryanchriswhite/SnapCam/internal/frame"
)

// FilenameLayout is the time layout used in saved file names.
const FilenameLayout = "20060102_150405"

// Filename returns the base name for the counter-th saved frame.
func Filename(t time.Time, counter int) string {
	return fmt.Sprintf("frame_%s_%d.jpg", t.Format(FilenameLayout), counter)
}

// EncodeFunc writes img to w.
type EncodeFunc func(w io.Writer, img image.Image, quality int) error

// Session is an open device together with the saved-frame counter. It is
// owned by the capture loop.
type Session struct {
	Device camera.Device

	dir     string
	quality int
	now     func() time.Time
	encode  EncodeFunc
	saved   int
}

// NewSession wraps an open device. Frames are saved under dir.
func NewSession(dev camera.Device, dir string, quality int, now func() time.Time, encode EncodeFunc) *Session {
	if now == nil {
		now = time.Now
	}
	if encode == nil {
		encode = frame.EncodeJPEG
	}
	return &Session{
		Device:  dev,
		dir:     dir,
		quality: quality,
		now:     now,
		encode:  encode,
	}
}

// Saved returns how many frames have been written.
func (s *Session) Saved() int {
	return s.saved
}

// Save writes img, the decoded native-resolution frame, to a new file and
// increments the counter. The file is created exclusively; an existing file
// is never overwritten. On failure nothing is left behind and the counter
// is unchanged.
func (s *Session) Save(img image.Image) (string, error) {
	path := filepath.Join(s.dir, Filename(s.now(), s.saved))

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}

	if err := s.encode(f, img, s.quality); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}

	s.saved++
	return path, nil
}

// Close releases the device.
func (s *Session) Close() error {
	if s.Device == nil {
		return nil
	}
	err := s.Device.Close()
	if err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}
