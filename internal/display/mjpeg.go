package display

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/bryanchriswhite/SnapCam/internal/logger"
)

// MJPEGSurface serves the preview to browsers as a Motion JPEG stream and
// reads key presses sent back over a websocket.
type MJPEGSurface struct {
	quality  int
	router   *mux.Router
	upgrader websocket.Upgrader
	server   *http.Server

	keys chan Key

	// Current frame
	frameMu    sync.RWMutex
	current    []byte
	title      string
	width      int
	height     int
	lastUpdate time.Time
	frameCount uint64
	startTime  time.Time

	// Connected clients
	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// NewMJPEG creates the surface without listening. Use Listen or mount
// Handler on an existing server.
func NewMJPEG(quality int) *MJPEGSurface {
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	s := &MJPEGSurface{
		quality: quality,
		router:  mux.NewRouter(),
		upgrader: websocket.Upgrader{
			CheckOrigin: sameOrigin,
		},
		keys:      make(chan Key, 16),
		clients:   make(map[chan []byte]struct{}),
		startTime: time.Now(),
		closed:    make(chan struct{}),
	}
	s.setupRoutes()
	return s
}

func (s *MJPEGSurface) setupRoutes() {
	s.router.HandleFunc("/", s.handleViewer).Methods("GET")
	s.router.HandleFunc("/stream", s.handleStream).Methods("GET")
	s.router.HandleFunc("/snapshot.jpg", s.handleSnapshot).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/keys", s.handleKeyPost).Methods("POST")
	api.HandleFunc("/keys/ws", s.handleKeySocket)
}

// Handler returns the HTTP handler for the preview.
func (s *MJPEGSurface) Handler() http.Handler {
	return s.router
}

// Listen starts serving on addr in the background.
func (s *MJPEGSurface) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.server = &http.Server{Handler: s.router}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithComponent("mjpeg").Error().Err(err).Msg("Preview server stopped")
		}
	}()

	logger.WithComponent("mjpeg").Info().
		Str("addr", ln.Addr().String()).
		Msgf("Preview available at http://localhost:%d/", ln.Addr().(*net.TCPAddr).Port)
	return nil
}

// Show encodes img and sends it to all connected clients. Slow clients
// skip frames.
func (s *MJPEGSurface) Show(title string, img *image.RGBA) error {
	select {
	case <-s.closed:
		return fmt.Errorf("%w: surface closed", ErrDisplayUnavailable)
	default:
	}

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: s.quality}); err != nil {
		return fmt.Errorf("failed to encode JPEG: %w", err)
	}
	jpegData := buf.Bytes()

	s.frameMu.Lock()
	s.current = jpegData
	s.title = title
	s.width, s.height = img.Bounds().Dx(), img.Bounds().Dy()
	s.lastUpdate = time.Now()
	s.frameCount++
	s.frameMu.Unlock()

	s.clientsMu.RLock()
	for ch := range s.clients {
		select {
		case ch <- jpegData:
		default:
		}
	}
	s.clientsMu.RUnlock()
	return nil
}

// PollKey returns the most recent key sent by a browser.
func (s *MJPEGSurface) PollKey(timeout time.Duration) (Key, bool) {
	if k, ok := latest(s.keys); ok {
		return k, true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case k := <-s.keys:
		if newer, ok := latest(s.keys); ok {
			return newer, true
		}
		return k, true
	case <-timer.C:
		return NoKey, false
	case <-s.closed:
		return NoKey, false
	}
}

// pushKey queues k, dropping the oldest queued key when full.
func (s *MJPEGSurface) pushKey(k Key) {
	for {
		select {
		case s.keys <- k:
			return
		default:
		}
		select {
		case <-s.keys:
		default:
		}
	}
}

// Close stops the server and disconnects clients.
func (s *MJPEGSurface) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)

		s.clientsMu.Lock()
		for ch := range s.clients {
			close(ch)
		}
		s.clients = make(map[chan []byte]struct{})
		s.clientsMu.Unlock()

		if s.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			err = s.server.Shutdown(ctx)
		}
		s.frameMu.RLock()
		frames := s.frameCount
		s.frameMu.RUnlock()
		logger.WithComponent("mjpeg").Info().Uint64("frames", frames).Msg("Preview server stopped")
	})
	return err
}

func (s *MJPEGSurface) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("Connection", "close")

	frameChan := make(chan []byte, 2)

	s.clientsMu.Lock()
	select {
	case <-s.closed:
		s.clientsMu.Unlock()
		http.Error(w, "preview closed", http.StatusServiceUnavailable)
		return
	default:
	}
	s.clients[frameChan] = struct{}{}
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	log := logger.WithComponent("mjpeg")
	log.Info().Int("clients", clientCount).Msg("Stream client connected")

	defer func() {
		s.clientsMu.Lock()
		if _, ok := s.clients[frameChan]; ok {
			delete(s.clients, frameChan)
		}
		clientCount := len(s.clients)
		s.clientsMu.Unlock()
		log.Info().Int("clients", clientCount).Msg("Stream client disconnected")
	}()

	// Send the last frame right away so a new client is not blank
	s.frameMu.RLock()
	if s.current != nil {
		select {
		case frameChan <- s.current:
		default:
		}
	}
	s.frameMu.RUnlock()

	for {
		select {
		case jpegData, ok := <-frameChan:
			if !ok {
				return
			}
			if err := writePart(w, jpegData); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func writePart(w http.ResponseWriter, jpegData []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
		return err
	}
	if _, err := w.Write(jpegData); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func (s *MJPEGSurface) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.frameMu.RLock()
	data := s.current
	s.frameMu.RUnlock()
	if data == nil {
		http.Error(w, "no frame yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(data)
}

// Status is the JSON body of /api/status.
type Status struct {
	Title      string  `json:"title"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Frames     uint64  `json:"frames"`
	Clients    int     `json:"clients"`
	FPS        float64 `json:"fps"`
	LastUpdate string  `json:"last_update,omitempty"`
}

func (s *MJPEGSurface) status() Status {
	s.frameMu.RLock()
	st := Status{
		Title:  s.title,
		Width:  s.width,
		Height: s.height,
		Frames: s.frameCount,
	}
	if !s.lastUpdate.IsZero() {
		st.LastUpdate = s.lastUpdate.Format(time.RFC3339)
	}
	if elapsed := time.Since(s.startTime).Seconds(); elapsed > 0 {
		st.FPS = float64(s.frameCount) / elapsed
	}
	s.frameMu.RUnlock()

	s.clientsMu.RLock()
	st.Clients = len(s.clients)
	s.clientsMu.RUnlock()
	return st
}

func (s *MJPEGSurface) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.status())
}

type keyMessage struct {
	Key string `json:"key"`
}

// sameOrigin lets browsers open the key socket only from pages served by
// this surface. Clients that send no Origin are not browsers and pass.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *MJPEGSurface) handleKeyPost(w http.ResponseWriter, r *http.Request) {
	// Browsers can't send application/json cross-site without a preflight,
	// which this server never answers.
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		http.Error(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
		return
	}

	var msg keyMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	k, err := ParseKey(msg.Key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.pushKey(k)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "success"})
}

// handleKeySocket reads {"key": "..."} messages until the client goes away.
func (s *MJPEGSurface) handleKeySocket(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("mjpeg")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()
	log.Debug().Str("remote", r.RemoteAddr).Msg("Key socket connected")

	for {
		var msg keyMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("Key socket closed")
			}
			return
		}
		k, err := ParseKey(msg.Key)
		if err != nil {
			log.Debug().Str("key", msg.Key).Msg("Ignoring unknown key")
			continue
		}
		s.pushKey(k)
	}
}

func (s *MJPEGSurface) handleViewer(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(viewerHTML))
}

const viewerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>SnapCam</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            background: #000;
            overflow: hidden;
            display: flex;
            justify-content: center;
            align-items: center;
            min-height: 100vh;
        }
        img {
            width: 100vw;
            height: 100vh;
            object-fit: contain;
            display: block;
        }
        .hint {
            position: fixed;
            bottom: 16px;
            left: 16px;
            padding: 8px 14px;
            background: rgba(40, 40, 40, 0.9);
            color: #ccc;
            border-radius: 20px;
            font-family: system-ui, -apple-system, sans-serif;
            font-size: 13px;
        }
    </style>
</head>
<body>
    <img src="/stream" alt="SnapCam preview">
    <div class="hint" id="hint">connecting...</div>
    <script>
        const hint = document.getElementById('hint');
        let ws;

        function connect() {
            const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
            ws = new WebSocket(proto + '//' + location.host + '/api/keys/ws');
            ws.onopen = () => { hint.textContent = 'keys are sent to the camera'; };
            ws.onclose = () => {
                hint.textContent = 'disconnected';
                setTimeout(connect, 1000);
            };
        }

        document.addEventListener('keydown', (e) => {
            if (e.repeat || !ws || ws.readyState !== WebSocket.OPEN) return;
            let key = e.key;
            if (key === ' ') key = 'space';
            if (key === 'Escape') key = 'esc';
            if (key.length !== 1 && key !== 'space' && key !== 'esc') return;
            ws.send(JSON.stringify({ key: key }));
            e.preventDefault();
        });

        connect();
    </script>
</body>
</html>`
