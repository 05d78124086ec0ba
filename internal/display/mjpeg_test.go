package display

import (
	"bufio"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestMJPEG(t *testing.T) (*MJPEGSurface, *httptest.Server) {
	t.Helper()
	s := NewMJPEG(90)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})
	return s, srv
}

func testImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 200, G: 50, B: 50, A: 255})
		}
	}
	return img
}

func TestMJPEGStatus(t *testing.T) {
	s, srv := newTestMJPEG(t)
	if err := s.Show("preview", testImage(32, 16)); err != nil {
		t.Fatalf("Show: %v", err)
	}

	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer resp.Body.Close()

	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Title != "preview" || st.Width != 32 || st.Height != 16 || st.Frames != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestMJPEGSnapshot(t *testing.T) {
	s, srv := newTestMJPEG(t)

	resp, err := http.Get(srv.URL + "/snapshot.jpg")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status before first frame = %d", resp.StatusCode)
	}

	s.Show("preview", testImage(20, 10))
	resp, err = http.Get(srv.URL + "/snapshot.jpg")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	img, err := jpeg.Decode(resp.Body)
	if err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if img.Bounds().Dx() != 20 || img.Bounds().Dy() != 10 {
		t.Errorf("snapshot size = %v", img.Bounds())
	}
}

func TestMJPEGStreamSendsCurrentFrame(t *testing.T) {
	s, srv := newTestMJPEG(t)
	s.Show("preview", testImage(8, 8))

	resp, err := http.Get(srv.URL + "/stream")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Fatalf("Content-Type = %q", ct)
	}
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.TrimSpace(line) != "--frame" {
		t.Errorf("first line = %q, want boundary", line)
	}
}

func TestMJPEGKeyPost(t *testing.T) {
	s, srv := newTestMJPEG(t)

	for _, body := range []string{`{"key":"space"}`, `{"key":"q"}`} {
		resp, err := http.Post(srv.URL+"/api/keys", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("POST %s status = %d", body, resp.StatusCode)
		}
	}

	if k, ok := s.PollKey(time.Millisecond); !ok || k != 'q' {
		t.Errorf("PollKey = %q, %v; want most recent key q", k, ok)
	}
	if _, ok := s.PollKey(time.Millisecond); ok {
		t.Error("keys were not drained")
	}

	resp, err := http.Post(srv.URL+"/api/keys", "application/json", strings.NewReader(`{"key":"shift"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad key status = %d", resp.StatusCode)
	}
}

func TestMJPEGKeySocket(t *testing.T) {
	s, srv := newTestMJPEG(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/keys/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(keyMessage{Key: "space"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	k, ok := s.PollKey(2 * time.Second)
	if !ok || k != ' ' {
		t.Errorf("PollKey = %q, %v; want space", k, ok)
	}
}

func TestMJPEGShowAfterClose(t *testing.T) {
	s := NewMJPEG(0)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := s.Show("x", testImage(2, 2)); err == nil {
		t.Error("Show after Close succeeded")
	}
	if _, ok := s.PollKey(time.Millisecond); ok {
		t.Error("PollKey after Close reported a key")
	}
}

func TestMJPEGKeyPostRequiresJSON(t *testing.T) {
	s, srv := newTestMJPEG(t)

	for _, ct := range []string{"text/plain", "application/x-www-form-urlencoded", ""} {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/keys", strings.NewReader(`{"key":"q"}`))
		if err != nil {
			t.Fatal(err)
		}
		if ct != "" {
			req.Header.Set("Content-Type", ct)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnsupportedMediaType {
			t.Errorf("Content-Type %q: status = %d, want 415", ct, resp.StatusCode)
		}
	}
	if k, ok := s.PollKey(time.Millisecond); ok {
		t.Errorf("key %q accepted without a JSON content type", k)
	}

	resp, err := http.Post(srv.URL+"/api/keys", "application/json; charset=utf-8", strings.NewReader(`{"key":"space"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("JSON with charset: status = %d", resp.StatusCode)
	}
}

func TestMJPEGKeySocketRejectsForeignOrigin(t *testing.T) {
	s, srv := newTestMJPEG(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/keys/ws"

	header := http.Header{"Origin": []string{"http://attacker.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		conn.Close()
		t.Fatal("cross-origin websocket accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}

	header = http.Header{"Origin": []string{srv.URL}}
	conn, _, err = websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("same-origin dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(keyMessage{Key: "q"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if k, ok := s.PollKey(2 * time.Second); !ok || k != 'q' {
		t.Errorf("PollKey = %q, %v; want q", k, ok)
	}
}
