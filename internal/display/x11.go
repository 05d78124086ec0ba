package display

import (
	"fmt"
	"image"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"

	"github.com/bryanchriswhite/SnapCam/internal/logger"
)

// putImageHeader is the size of a PutImage request without its data.
const putImageHeader = 24

// X11Surface shows frames in a plain X11 window. The window is created on
// the first Show and follows the size of the images it is given.
type X11Surface struct {
	conn   *xgb.Conn
	screen *xproto.ScreenInfo
	quit   Key

	window xproto.Window
	gc     xproto.Gcontext
	width  int
	height int
	title  string

	bytesPerPixel int
	scanlinePad   int
	maxRequest    int

	minKeycode xproto.Keycode
	keysymsPer int
	keysyms    []xproto.Keysym

	wmProtocols xproto.Atom
	wmDelete    xproto.Atom

	closed bool
}

// NewX11 connects to the X server named by $DISPLAY. quit is reported by
// PollKey when the window manager asks the window to close.
func NewX11(quit Key) (*X11Surface, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to X server: %v", ErrDisplayUnavailable, err)
	}

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	s := &X11Surface{
		conn:       conn,
		screen:     screen,
		quit:       quit,
		maxRequest: int(setup.MaximumRequestLength) * 4,
	}

	for _, format := range setup.PixmapFormats {
		if format.Depth == screen.RootDepth {
			s.bytesPerPixel = int(format.BitsPerPixel) / 8
			s.scanlinePad = int(format.ScanlinePad) / 8
			break
		}
	}
	if s.bytesPerPixel != 3 && s.bytesPerPixel != 4 {
		conn.Close()
		return nil, fmt.Errorf("%w: unsupported depth %d", ErrDisplayUnavailable, screen.RootDepth)
	}

	if err := s.loadKeyboardMapping(setup); err != nil {
		logger.WithComponent("display").Warn().Err(err).Msg("Failed to load keyboard mapping")
	}

	return s, nil
}

func (s *X11Surface) loadKeyboardMapping(setup *xproto.SetupInfo) error {
	count := byte(setup.MaxKeycode - setup.MinKeycode + 1)
	reply, err := xproto.GetKeyboardMapping(s.conn, setup.MinKeycode, count).Reply()
	if err != nil {
		return err
	}
	s.minKeycode = setup.MinKeycode
	s.keysymsPer = int(reply.KeysymsPerKeycode)
	s.keysyms = reply.Keysyms
	return nil
}

func (s *X11Surface) createWindow(width, height int) error {
	windowID, err := xproto.NewWindowId(s.conn)
	if err != nil {
		return fmt.Errorf("failed to create window ID: %w", err)
	}
	s.window = windowID

	mask := uint32(xproto.CwBackPixel | xproto.CwEventMask)
	values := []uint32{
		0x000000,
		xproto.EventMaskExposure | xproto.EventMaskKeyPress | xproto.EventMaskStructureNotify,
	}

	err = xproto.CreateWindowChecked(
		s.conn,
		s.screen.RootDepth,
		s.window,
		s.screen.Root,
		0, 0,
		uint16(width), uint16(height),
		0,
		xproto.WindowClassInputOutput,
		s.screen.RootVisual,
		mask,
		values,
	).Check()
	if err != nil {
		return fmt.Errorf("failed to create window: %w", err)
	}

	if err := s.setWindowClass("snapcam", "SnapCam"); err != nil {
		logger.WithComponent("display").Warn().Err(err).Msg("Failed to set window class")
	}
	if err := s.watchDelete(); err != nil {
		logger.WithComponent("display").Warn().Err(err).Msg("Failed to register WM_DELETE_WINDOW")
	}

	if err := xproto.MapWindowChecked(s.conn, s.window).Check(); err != nil {
		return fmt.Errorf("failed to map window: %w", err)
	}

	gc, err := xproto.NewGcontextId(s.conn)
	if err != nil {
		return fmt.Errorf("failed to create graphics context: %w", err)
	}
	if err := xproto.CreateGCChecked(s.conn, gc, xproto.Drawable(s.window), 0, nil).Check(); err != nil {
		return fmt.Errorf("failed to create GC: %w", err)
	}
	s.gc = gc
	s.width, s.height = width, height

	logger.WithComponent("display").Info().
		Int("width", width).
		Int("height", height).
		Uint32("window_id", uint32(s.window)).
		Msg("Preview window created")
	return nil
}

// Show draws img into the window, creating or resizing it as needed.
func (s *X11Surface) Show(title string, img *image.RGBA) error {
	if s.closed {
		return fmt.Errorf("%w: surface closed", ErrDisplayUnavailable)
	}
	w, h := img.Bounds().Dx(), img.Bounds().Dy()

	if s.window == 0 {
		if err := s.createWindow(w, h); err != nil {
			return err
		}
	} else if w != s.width || h != s.height {
		xproto.ConfigureWindow(s.conn, s.window,
			xproto.ConfigWindowWidth|xproto.ConfigWindowHeight,
			[]uint32{uint32(w), uint32(h)})
		s.width, s.height = w, h
	}

	if title != s.title {
		if err := s.setWindowTitle(title); err != nil {
			logger.WithComponent("display").Warn().Err(err).Msg("Failed to set window title")
		}
		s.title = title
	}

	return s.putImage(img)
}

// putImage converts img to the server's ZPixmap layout and sends it in
// strips that fit the maximum request length.
func (s *X11Surface) putImage(img *image.RGBA) error {
	data, stride := toZPixmap(img, s.bytesPerPixel, s.scanlinePad, s.screen.RootDepth == 32)
	height := img.Bounds().Dy()
	rows := stripRows(s.maxRequest, stride, height)
	if rows == 0 {
		return fmt.Errorf("image row of %d bytes exceeds request limit %d", stride, s.maxRequest)
	}

	for y := 0; y < height; y += rows {
		n := rows
		if y+n > height {
			n = height - y
		}
		xproto.PutImage(
			s.conn,
			xproto.ImageFormatZPixmap,
			xproto.Drawable(s.window),
			s.gc,
			uint16(img.Bounds().Dx()),
			uint16(n),
			0, int16(y),
			0,
			s.screen.RootDepth,
			data[y*stride:(y+n)*stride],
		)
	}

	// Round trip so errors surface here and the server does not fall behind
	if _, err := xproto.GetInputFocus(s.conn).Reply(); err != nil {
		return fmt.Errorf("failed to put image: %w", err)
	}
	return nil
}

// toZPixmap converts RGBA pixels to BGRx (or BGR) rows padded to pad bytes.
// The alpha byte is only kept for depth-32 visuals.
func toZPixmap(img *image.RGBA, bytesPerPixel, pad int, keepAlpha bool) ([]byte, int) {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	if pad <= 0 {
		pad = 1
	}
	unpadded := width * bytesPerPixel
	stride := ((unpadded + pad - 1) / pad) * pad

	data := make([]byte, stride*height)
	for y := 0; y < height; y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+width*4]
		dst := data[y*stride:]
		for x := 0; x < width; x++ {
			si := x * 4
			di := x * bytesPerPixel
			dst[di] = src[si+2]
			dst[di+1] = src[si+1]
			dst[di+2] = src[si]
			if bytesPerPixel == 4 && keepAlpha {
				dst[di+3] = src[si+3]
			}
		}
	}
	return data, stride
}

// stripRows returns how many rows of stride bytes fit in one request.
func stripRows(maxRequest, stride, height int) int {
	if stride == 0 {
		return height
	}
	rows := (maxRequest - putImageHeader) / stride
	if rows > height {
		rows = height
	}
	if rows < 0 {
		rows = 0
	}
	return rows
}

// PollKey drains pending events and returns the most recent key press. If
// none is pending it waits for timeout and looks once more.
func (s *X11Surface) PollKey(timeout time.Duration) (Key, bool) {
	if s.closed {
		return NoKey, false
	}
	if k, ok := s.drainEvents(); ok {
		return k, true
	}
	time.Sleep(timeout)
	return s.drainEvents()
}

func (s *X11Surface) drainEvents() (Key, bool) {
	var (
		last Key
		got  bool
	)
	for {
		ev, err := s.conn.PollForEvent()
		if ev == nil && err == nil {
			return last, got
		}
		if err != nil {
			logger.WithComponent("display").Debug().Err(err).Msg("X11 error event")
			continue
		}
		switch e := ev.(type) {
		case xproto.KeyPressEvent:
			if k, ok := s.lookupKey(e.Detail, e.State); ok {
				last, got = k, true
			}
		case xproto.ClientMessageEvent:
			if s.wmDelete != 0 && e.Type == s.wmProtocols && xproto.Atom(e.Data.Data32[0]) == s.wmDelete {
				logger.WithComponent("display").Debug().Msg("Window close requested")
				last, got = s.quit, true
			}
		}
	}
}

func (s *X11Surface) lookupKey(code xproto.Keycode, state uint16) (Key, bool) {
	if s.keysymsPer == 0 || code < s.minKeycode {
		return NoKey, false
	}
	base := int(code-s.minKeycode) * s.keysymsPer
	col := 0
	if state&xproto.ModMaskShift != 0 && s.keysymsPer > 1 {
		col = 1
	}
	if base+col >= len(s.keysyms) {
		return NoKey, false
	}
	sym := s.keysyms[base+col]
	if sym == 0 && col == 1 {
		sym = s.keysyms[base]
	}
	return keysymToKey(sym)
}

// keysymToKey maps Latin-1 keysyms, which equal their character codes, and
// a few function keys.
func keysymToKey(sym xproto.Keysym) (Key, bool) {
	switch {
	case sym >= 0x20 && sym <= 0xff:
		return Key(sym), true
	case sym == 0xff1b:
		return KeyEscape, true
	case sym == 0xff0d:
		return '\r', true
	}
	return NoKey, false
}

// Close destroys the window and closes the connection.
func (s *X11Surface) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if s.gc != 0 {
		xproto.FreeGC(s.conn, s.gc)
	}
	if s.window != 0 {
		xproto.DestroyWindow(s.conn, s.window)
		s.conn.Sync()
	}
	s.conn.Close()
	logger.WithComponent("display").Info().Msg("Preview window closed")
	return nil
}

func (s *X11Surface) setWindowTitle(title string) error {
	titleAtom, err := s.getAtom("_NET_WM_NAME")
	if err != nil {
		return err
	}
	utf8Atom, err := s.getAtom("UTF8_STRING")
	if err != nil {
		return err
	}
	if err := xproto.ChangePropertyChecked(s.conn, xproto.PropModeReplace, s.window,
		titleAtom, utf8Atom, 8, uint32(len(title)), []byte(title)).Check(); err != nil {
		return err
	}
	// Legacy WM_NAME for window managers without EWMH
	return xproto.ChangePropertyChecked(s.conn, xproto.PropModeReplace, s.window,
		xproto.AtomWmName, xproto.AtomString, 8, uint32(len(title)), []byte(title)).Check()
}

// setWindowClass sets WM_CLASS, formatted as instance\0class\0.
func (s *X11Surface) setWindowClass(instance, class string) error {
	classStr := instance + "\x00" + class + "\x00"
	return xproto.ChangePropertyChecked(s.conn, xproto.PropModeReplace, s.window,
		xproto.AtomWmClass, xproto.AtomString, 8, uint32(len(classStr)), []byte(classStr)).Check()
}

// watchDelete asks the window manager to send WM_DELETE_WINDOW instead of
// killing the client when the window is closed.
func (s *X11Surface) watchDelete() error {
	protocols, err := s.getAtom("WM_PROTOCOLS")
	if err != nil {
		return err
	}
	del, err := s.getAtom("WM_DELETE_WINDOW")
	if err != nil {
		return err
	}
	buf := make([]byte, 4)
	xgb.Put32(buf, uint32(del))
	if err := xproto.ChangePropertyChecked(s.conn, xproto.PropModeReplace, s.window,
		protocols, xproto.AtomAtom, 32, 1, buf).Check(); err != nil {
		return err
	}
	s.wmProtocols, s.wmDelete = protocols, del
	return nil
}

func (s *X11Surface) getAtom(name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(s.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	return reply.Atom, nil
}
