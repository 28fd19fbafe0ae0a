package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/basita512/Conversational-IVR/internal/service/orchestrator"
)

type testHandler struct {
	frames  int
	block   bool
	msgs    chan orchestrator.Message
	started chan struct{}
}

func newTestHandler(frames int, block bool) *testHandler {
	return &testHandler{
		frames:  frames,
		block:   block,
		msgs:    make(chan orchestrator.Message, frames),
		started: make(chan struct{}, 1),
	}
}

func (h *testHandler) Serve(ctx context.Context, t orchestrator.Transport) error {
	h.started <- struct{}{}
	for i := 0; i < h.frames; i++ {
		m, err := t.Receive()
		if err != nil {
			return err
		}
		h.msgs <- m
	}
	if h.block {
		<-ctx.Done()
	}
	return nil
}

func dial(t *testing.T, srv *httptest.Server, path string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	return websocket.DefaultDialer.Dial(url, nil)
}

func TestServer_RelaysFrames(t *testing.T) {
	h := newTestHandler(2, false)
	s := NewServer(Config{Path: "/stream"}, h)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	conn, _, err := dial(t, srv, "/stream")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`raw {"call_id":"abc"}`)); err != nil {
		t.Fatalf("write text: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("write binary: %v", err)
	}

	want := []orchestrator.Message{
		{Binary: false, Data: []byte(`raw {"call_id":"abc"}`)},
		{Binary: true, Data: []byte{1, 2, 3, 4}},
	}
	for i, w := range want {
		select {
		case got := <-h.msgs:
			if got.Binary != w.Binary || string(got.Data) != string(w.Data) {
				t.Errorf("frame %d: got %+v, want %+v", i, got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d not received", i)
		}
	}

	// The handler returned, so the server closes the connection normally.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal closure, got %v", err)
	}
}

func TestServer_ShutdownEndsCalls(t *testing.T) {
	h := newTestHandler(0, true)
	s := NewServer(Config{}, h)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	conn, _, err := dial(t, srv, "/")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	select {
	case <-h.started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler not started")
	}
	if s.Active() != 1 {
		t.Errorf("expected 1 active call, got %d", s.Active())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if s.Active() != 0 {
		t.Errorf("expected no active calls after shutdown, got %d", s.Active())
	}

	_, resp, err := dial(t, srv, "/")
	if err == nil {
		t.Fatal("expected upgrade to be refused after shutdown")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after shutdown, got %v", resp)
	}
}
