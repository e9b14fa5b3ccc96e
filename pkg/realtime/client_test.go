package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// fakeService upgrades one connection, records frames it receives and runs script.
func fakeService(t *testing.T, script func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		script(conn, r)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient(""); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("NewClient(\"\") error = %v, want ErrMissingAPIKey", err)
	}
}

func TestDialHeadersAndModel(t *testing.T) {
	got := make(chan *http.Request, 1)
	srv := fakeService(t, func(conn *websocket.Conn, r *http.Request) {
		got <- r
	})
	defer srv.Close()

	c, _ := NewClient("sk-test", WithURL(wsURL(srv)), WithModel("rt-model"))
	if err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	r := <-got
	if r.Header.Get("Authorization") != "Bearer sk-test" {
		t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
	}
	if r.Header.Get("OpenAI-Beta") != "realtime=v1" {
		t.Errorf("OpenAI-Beta = %q", r.Header.Get("OpenAI-Beta"))
	}
	if r.URL.Query().Get("model") != "rt-model" {
		t.Errorf("model query = %q", r.URL.Query().Get("model"))
	}

	if err := c.Dial(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Dial() error = %v", err)
	}
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, _ := NewClient("sk-test", WithURL(wsURL(srv)))
	err := c.Dial(context.Background())

	var cerr *ConnectionError
	if !errors.As(err, &cerr) {
		t.Fatalf("Dial() error = %v, want *ConnectionError", err)
	}
	if cerr.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d", cerr.StatusCode)
	}
	if cerr.IsRetryable() {
		t.Error("401 should not be retryable")
	}
}

func TestConfigureAndDirective(t *testing.T) {
	frames := make(chan map[string]any, 8)
	srv := fakeService(t, func(conn *websocket.Conn, r *http.Request) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				close(frames)
				return
			}
			var m map[string]any
			_ = json.Unmarshal(data, &m)
			frames <- m
		}
	})
	defer srv.Close()

	c, _ := NewClient("sk-test", WithURL(wsURL(srv)))
	if err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	err := c.ConfigureSession(SessionConfig{
		Instructions:       "be brief",
		Voice:              "alloy",
		TranscriptionModel: "whisper-1",
		VADThreshold:       0.6,
		PrefixPadding:      300 * time.Millisecond,
		Silence:            700 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("ConfigureSession() error = %v", err)
	}
	if err := c.SendDirective("say hi"); err != nil {
		t.Fatalf("SendDirective() error = %v", err)
	}
	if err := c.AppendAudio("AAEC"); err != nil {
		t.Fatalf("AppendAudio() error = %v", err)
	}
	if err := c.CancelResponse(); err != nil {
		t.Fatalf("CancelResponse() error = %v", err)
	}
	c.Close()

	var got []map[string]any
	for m := range frames {
		got = append(got, m)
	}
	if len(got) != 5 {
		t.Fatalf("service received %d frames, want 5", len(got))
	}

	session := got[0]["session"].(map[string]any)
	if session["input_audio_format"] != "g711_ulaw" || session["output_audio_format"] != "g711_ulaw" {
		t.Errorf("audio formats = %v/%v", session["input_audio_format"], session["output_audio_format"])
	}
	td := session["turn_detection"].(map[string]any)
	if td["silence_duration_ms"] != float64(700) || td["prefix_padding_ms"] != float64(300) || td["threshold"] != 0.6 {
		t.Errorf("turn_detection = %v", td)
	}
	if session["instructions"] != "be brief" {
		t.Errorf("instructions = %v", session["instructions"])
	}

	if got[1]["type"] != "conversation.item.create" {
		t.Errorf("frame 1 type = %v", got[1]["type"])
	}
	item := got[1]["item"].(map[string]any)
	content := item["content"].([]any)[0].(map[string]any)
	if item["role"] != "user" || content["type"] != "input_text" || content["text"] != "say hi" {
		t.Errorf("item = %v", item)
	}
	if got[2]["type"] != "response.create" {
		t.Errorf("frame 2 type = %v", got[2]["type"])
	}
	if got[3]["type"] != "input_audio_buffer.append" || got[3]["audio"] != "AAEC" {
		t.Errorf("frame 3 = %v", got[3])
	}
	if got[4]["type"] != "response.cancel" {
		t.Errorf("frame 4 type = %v", got[4]["type"])
	}
}

func TestRunDeliversEventsAndPeerClose(t *testing.T) {
	srv := fakeService(t, func(conn *websocket.Conn, r *http.Request) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.created"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`garbage`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.created","response":{"id":"r1"}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.audio.delta","delta":"AA=="}`))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		time.Sleep(100 * time.Millisecond)
	})
	defer srv.Close()

	c, _ := NewClient("sk-test", WithURL(wsURL(srv)))
	if err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	var kinds []Kind
	var closeErr error
	c.Run(func(e Event) { kinds = append(kinds, e.Kind) }, func(err error) { closeErr = err })

	if len(kinds) != 2 || kinds[0] != KindResponseStarted || kinds[1] != KindAudioDelta {
		t.Errorf("kinds = %v", kinds)
	}
	if !IsPeerClose(closeErr) {
		t.Errorf("close error = %v, want peer close", closeErr)
	}
}

func TestRunLocalClose(t *testing.T) {
	srv := fakeService(t, func(conn *websocket.Conn, r *http.Request) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	c, _ := NewClient("sk-test", WithURL(wsURL(srv)))
	if err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	done := make(chan error, 1)
	go c.Run(func(Event) {}, func(err error) { done <- err })

	time.Sleep(20 * time.Millisecond)
	c.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("close error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	if err := c.SendDirective("late"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendDirective after close = %v, want ErrNotConnected", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
}

func TestRunQuietServiceStaysOpen(t *testing.T) {
	srv := fakeService(t, func(conn *websocket.Conn, r *http.Request) {
		// Reading answers pings; nothing else is ever sent.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	c, _ := NewClient("sk-test", WithURL(wsURL(srv)), WithReadTimeout(200*time.Millisecond))
	if err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	done := make(chan error, 1)
	go c.Run(func(Event) {}, func(err error) { done <- err })

	select {
	case err := <-done:
		t.Fatalf("Run ended on a quiet but live socket: %v", err)
	case <-time.After(time.Second):
	}

	c.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("close error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRunDeadServiceTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := fakeService(t, func(conn *websocket.Conn, r *http.Request) {
		// Never reading means pings go unanswered.
		<-release
	})
	defer srv.Close()
	defer close(release)

	c, _ := NewClient("sk-test", WithURL(wsURL(srv)), WithReadTimeout(200*time.Millisecond))
	if err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	done := make(chan error, 1)
	go c.Run(func(Event) {}, func(err error) { done <- err })

	select {
	case err := <-done:
		var ce *ConnectionError
		if !errors.As(err, &ce) {
			t.Errorf("close error = %v, want *ConnectionError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not time out")
	}
}
