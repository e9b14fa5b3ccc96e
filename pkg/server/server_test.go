package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-callbridge/internal/config"
	"github.com/teslashibe/go-callbridge/internal/log"
	"github.com/teslashibe/go-callbridge/internal/publisher"
	"github.com/teslashibe/go-callbridge/pkg/call"
	"github.com/teslashibe/go-callbridge/pkg/monitor"
	"github.com/teslashibe/go-callbridge/pkg/realtime"
	"github.com/teslashibe/go-callbridge/pkg/telephony"
)

type fakeAI struct {
	mu         sync.Mutex
	sessions   []realtime.SessionConfig
	directives []string
	audio      int

	events    chan realtime.Event
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeAI() *fakeAI {
	return &fakeAI{events: make(chan realtime.Event, 16), closed: make(chan struct{})}
}

func (f *fakeAI) Dial(context.Context) error { return nil }

func (f *fakeAI) Run(onEvent func(realtime.Event), onClose func(error)) {
	for {
		select {
		case ev := <-f.events:
			onEvent(ev)
		case <-f.closed:
			onClose(nil)
			return
		}
	}
}

func (f *fakeAI) ConfigureSession(cfg realtime.SessionConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, cfg)
	return nil
}

func (f *fakeAI) SendDirective(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.directives = append(f.directives, text)
	return nil
}

func (f *fakeAI) AppendAudio(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio++
	return nil
}

func (f *fakeAI) CancelResponse() error { return nil }

func (f *fakeAI) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeAI) counts() (sessions, directives, audio int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions), len(f.directives), f.audio
}

type fakeFinalizer struct {
	mu          sync.Mutex
	hangups     []string
	records     []call.Record
	unconnected []string
	done        chan struct{}
}

func newFakeFinalizer() *fakeFinalizer {
	return &fakeFinalizer{done: make(chan struct{}, 4)}
}

func (f *fakeFinalizer) Hangup(_ context.Context, sid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, sid)
}

func (f *fakeFinalizer) Finalize(_ context.Context, rec call.Record) {
	f.mu.Lock()
	f.records = append(f.records, rec)
	f.mu.Unlock()
	f.done <- struct{}{}
}

func (f *fakeFinalizer) Unconnected(_ context.Context, sid, outboundID, to, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unconnected = append(f.unconnected, sid+"/"+outboundID+"/"+status)
}

type fakeCalls struct {
	req  telephony.CallRequest
	resp *telephony.CallResponse
	err  error
}

func (f *fakeCalls) CreateCall(_ context.Context, req telephony.CallRequest) (*telephony.CallResponse, error) {
	f.req = req
	return f.resp, f.err
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.PublicHost = "bridge.example.com"
	cfg.Twilio.FromNumber = "+15550009999"
	cfg.Policy.GracePeriod = config.MinGracePeriod
	return cfg
}

func newTestServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = log.Discard()
	}
	if deps.NewAI == nil {
		deps.NewAI = func() (AIConn, error) { return newFakeAI(), nil }
	}
	return New(testConfig(), deps)
}

func TestHealth(t *testing.T) {
	s := newTestServer(Deps{})

	resp, err := s.App().Test(httptest.NewRequest("GET", "/health", nil))
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("Status = %d, want 200", resp.StatusCode)
	}

	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "ok" || body["active_calls"] != float64(0) {
		t.Errorf("body = %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(Deps{})
	s.App().Test(httptest.NewRequest("GET", "/health", nil))

	resp, err := s.App().Test(httptest.NewRequest("GET", "/metrics", nil))
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"callbridge_active_sessions", "callbridge_http_requests_total"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}

func TestMarkup(t *testing.T) {
	s := newTestServer(Deps{})

	form := url.Values{
		"outbound_id": {"ob-1"},
		"name":        {"Dana"},
		"To":          {"+15550001234"},
		"From":        {"+15550009999"},
		"CallSid":     {"CA1"},
	}
	req := httptest.NewRequest("POST", "/twiml", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.App().Test(req)
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/xml") {
		t.Errorf("Content-Type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`url="wss://bridge.example.com/media-stream"`,
		`<Parameter name="outbound_id" value="ob-1">`,
		`<Parameter name="name" value="Dana">`,
		`<Parameter name="to" value="+15550001234">`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("markup missing %s in %s", want, body)
		}
	}
}

func TestStatusCallback(t *testing.T) {
	tests := []struct {
		status      string
		unconnected int
	}{
		{"ringing", 0},
		{"completed", 0},
		{"no-answer", 1},
		{"busy", 1},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			fin := newFakeFinalizer()
			events := publisher.NewMock()
			s := newTestServer(Deps{
				Finalizer: fin,
				Events:    publisher.NewEvents(events, "cb", log.Discard()),
			})

			form := url.Values{"CallSid": {"CA7"}, "CallStatus": {tt.status}, "To": {"+15550001234"}}
			req := httptest.NewRequest("POST", "/status?outbound_id=ob-7", strings.NewReader(form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

			resp, err := s.App().Test(req)
			if err != nil {
				t.Fatalf("Request error: %v", err)
			}
			if resp.StatusCode != 204 {
				t.Errorf("Status = %d, want 204", resp.StatusCode)
			}
			if got := len(fin.unconnected); got != tt.unconnected {
				t.Errorf("unconnected reports = %d, want %d", got, tt.unconnected)
			}
			if tt.unconnected == 1 && fin.unconnected[0] != "CA7/ob-7/"+tt.status {
				t.Errorf("unconnected = %v", fin.unconnected)
			}
			if topics := events.Topics(); len(topics) != 1 || topics[0] != "cb/calls/CA7/status" {
				t.Errorf("topics = %v", topics)
			}
		})
	}
}

func TestStatusCallbackRequiresFields(t *testing.T) {
	s := newTestServer(Deps{})
	req := httptest.NewRequest("POST", "/status", nil)
	resp, _ := s.App().Test(req)
	if resp.StatusCode != 400 {
		t.Errorf("Status = %d, want 400", resp.StatusCode)
	}
}

func TestOriginate(t *testing.T) {
	calls := &fakeCalls{resp: &telephony.CallResponse{SID: "CA9", Status: "queued"}}
	s := newTestServer(Deps{Calls: calls})

	req := httptest.NewRequest("POST", "/calls", strings.NewReader(`{"to":"+15550001234","name":"Dana"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.App().Test(req)
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if resp.StatusCode != 201 {
		t.Fatalf("Status = %d, want 201", resp.StatusCode)
	}

	var res OriginateResult
	json.NewDecoder(resp.Body).Decode(&res)
	if res.CallSID != "CA9" || res.OutboundID == "" {
		t.Errorf("result = %+v", res)
	}

	if calls.req.From != "+15550009999" {
		t.Errorf("From = %q, want configured number", calls.req.From)
	}
	answer, err := url.Parse(calls.req.AnswerURL)
	if err != nil {
		t.Fatalf("answer url: %v", err)
	}
	if answer.Host != "bridge.example.com" || answer.Path != "/twiml" {
		t.Errorf("answer url = %s", calls.req.AnswerURL)
	}
	if answer.Query().Get("outbound_id") != res.OutboundID || answer.Query().Get("name") != "Dana" {
		t.Errorf("answer query = %v", answer.Query())
	}
	if !strings.Contains(calls.req.StatusCallback, "outbound_id="+res.OutboundID) {
		t.Errorf("status callback = %s", calls.req.StatusCallback)
	}
}

func TestOriginateErrors(t *testing.T) {
	tests := []struct {
		name   string
		calls  Originator
		body   string
		status int
	}{
		{"not configured", nil, `{"to":"+15550001234"}`, 503},
		{"missing destination", &fakeCalls{}, `{"name":"Dana"}`, 400},
		{"no credentials", &fakeCalls{err: telephony.ErrNoCredentials}, `{"to":"+15550001234"}`, 503},
		{"provider rejected", &fakeCalls{err: &telephony.APIError{StatusCode: 400, Message: "bad number"}}, `{"to":"+1"}`, 502},
		{"transport failure", &fakeCalls{err: errors.New("dial tcp")}, `{"to":"+15550001234"}`, 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(Deps{Calls: tt.calls})
			req := httptest.NewRequest("POST", "/calls", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			resp, err := s.App().Test(req)
			if err != nil {
				t.Fatalf("Request error: %v", err)
			}
			if resp.StatusCode != tt.status {
				t.Errorf("Status = %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}
}

func TestOAuthRoutesWithoutArchive(t *testing.T) {
	s := newTestServer(Deps{})

	resp, _ := s.App().Test(httptest.NewRequest("GET", "/oauth/google", nil))
	if resp.StatusCode != 404 {
		t.Errorf("start Status = %d, want 404", resp.StatusCode)
	}

	resp, _ = s.App().Test(httptest.NewRequest("GET", "/oauth/google/status", nil))
	var body map[string]bool
	json.NewDecoder(resp.Body).Decode(&body)
	if body["configured"] || body["connected"] {
		t.Errorf("status = %v", body)
	}
}

type fakeOAuth struct {
	state string
	err   error
}

func (f *fakeOAuth) AuthURL() string     { return "https://accounts.example.com/auth?state=s1" }
func (f *fakeOAuth) Authenticated() bool { return f.state != "" }
func (f *fakeOAuth) Exchange(_ context.Context, state, code string) error {
	if f.err != nil {
		return f.err
	}
	f.state = state
	return nil
}

func TestOAuthFlow(t *testing.T) {
	oauth := &fakeOAuth{}
	s := newTestServer(Deps{Archive: oauth})

	resp, _ := s.App().Test(httptest.NewRequest("GET", "/oauth/google", nil))
	if resp.StatusCode != 307 || resp.Header.Get("Location") != oauth.AuthURL() {
		t.Errorf("start = %d %s", resp.StatusCode, resp.Header.Get("Location"))
	}

	resp, _ = s.App().Test(httptest.NewRequest("GET", "/oauth/google/callback", nil))
	if resp.StatusCode != 400 {
		t.Errorf("callback without code Status = %d, want 400", resp.StatusCode)
	}

	resp, _ = s.App().Test(httptest.NewRequest("GET", "/oauth/google/callback?state=s1&code=abc", nil))
	if resp.StatusCode != 200 {
		t.Errorf("callback Status = %d, want 200", resp.StatusCode)
	}
	if !oauth.Authenticated() {
		t.Error("expected exchange to complete")
	}
}

func TestMediaPathRequiresUpgrade(t *testing.T) {
	s := newTestServer(Deps{})
	resp, err := s.App().Test(httptest.NewRequest("GET", "/media-stream", nil))
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("Status = %d, want 426", resp.StatusCode)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestMediaStreamCall(t *testing.T) {
	ai := newFakeAI()
	fin := newFakeFinalizer()
	s := newTestServer(Deps{
		NewAI:     func() (AIConn, error) { return ai, nil },
		Finalizer: fin,
	})

	go s.Listen(":18190")
	defer s.Shutdown(context.Background())
	time.Sleep(100 * time.Millisecond)

	ws, _, err := websocket.DefaultDialer.Dial("ws://localhost:18190/media-stream", nil)
	if err != nil {
		t.Fatalf("WebSocket dial error: %v", err)
	}
	defer ws.Close()

	waitFor(t, "active call", func() bool { return s.ActiveCalls() == 1 })

	ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"start","start":{"streamSid":"MZ1","callSid":"CA1","customParameters":{"name":"Dana","outbound_id":"ob-1"}}}`))
	waitFor(t, "opening directive", func() bool {
		sessions, directives, _ := ai.counts()
		return sessions == 1 && directives == 1
	})

	ai.events <- realtime.Event{Kind: realtime.KindResponseStarted}
	ai.events <- realtime.Event{Kind: realtime.KindAudioDelta, Delta: "AAAA"}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	var out struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	json.Unmarshal(data, &out)
	if out.Event != "media" || out.StreamSID != "MZ1" || out.Media.Payload != "AAAA" {
		t.Errorf("outbound frame = %s", data)
	}

	ai.events <- realtime.Event{Kind: realtime.KindTextDone, Text: "Hi, is this Dana?"}
	ai.events <- realtime.Event{Kind: realtime.KindResponseDone}
	ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"stop"}`))

	select {
	case <-fin.done:
	case <-time.After(5 * time.Second):
		t.Fatal("call was not finalized")
	}

	fin.mu.Lock()
	defer fin.mu.Unlock()
	if len(fin.records) != 1 {
		t.Fatalf("finalized %d times, want 1", len(fin.records))
	}
	rec := fin.records[0]
	if rec.Reason != call.ReasonPeerStop || rec.CallID != "CA1" || rec.OutboundID != "ob-1" {
		t.Errorf("record = %+v", rec)
	}
	if len(fin.hangups) != 1 || fin.hangups[0] != "CA1" {
		t.Errorf("hangups = %v", fin.hangups)
	}
	if len(rec.Transcript) != 1 || rec.Transcript[0].Text != "Hi, is this Dana?" {
		t.Errorf("transcript = %+v", rec.Transcript)
	}
}

func TestShutdownEndsLiveCalls(t *testing.T) {
	fin := newFakeFinalizer()
	s := newTestServer(Deps{Finalizer: fin})

	go s.Listen(":18191")
	time.Sleep(100 * time.Millisecond)

	ws, _, err := websocket.DefaultDialer.Dial("ws://localhost:18191/media-stream", nil)
	if err != nil {
		t.Fatalf("WebSocket dial error: %v", err)
	}
	defer ws.Close()
	ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"start","start":{"streamSid":"MZ2","callSid":"CA2"}}`))
	waitFor(t, "active call", func() bool { return s.ActiveCalls() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}

	select {
	case <-fin.done:
	case <-time.After(2 * time.Second):
		t.Fatal("call was not finalized on shutdown")
	}
	fin.mu.Lock()
	defer fin.mu.Unlock()
	if fin.records[0].Reason != call.ReasonShutdown {
		t.Errorf("reason = %s, want shutdown", fin.records[0].Reason)
	}
	if s.ActiveCalls() != 0 {
		t.Errorf("ActiveCalls() = %d after shutdown", s.ActiveCalls())
	}
}

func TestAnswerAndStreamURL(t *testing.T) {
	got := AnswerURL("h.example.com", map[string]string{"to": "+1 555", "name": "", "outbound_id": "x"})
	if got != "https://h.example.com/twiml?outbound_id=x&to=%2B1+555" {
		t.Errorf("AnswerURL() = %s", got)
	}
	if got := StreamURL("h.example.com", "media"); got != "wss://h.example.com/media" {
		t.Errorf("StreamURL() = %s", got)
	}
}

func TestDashboardMonitor(t *testing.T) {
	mon := monitor.New(log.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mon.Run(ctx)

	s := newTestServer(Deps{Monitor: mon})
	go s.Listen(":18192")
	defer s.Shutdown(context.Background())
	time.Sleep(100 * time.Millisecond)

	ws, _, err := websocket.DefaultDialer.Dial("ws://localhost:18192/ws/calls", nil)
	if err != nil {
		t.Fatalf("WebSocket dial error: %v", err)
	}
	defer ws.Close()
	waitFor(t, "dashboard registered", func() bool { return mon.Clients() == 1 })

	events := publisher.NewEvents(mon, "cb", log.Discard())
	events.Emit(context.Background(), "CA7", publisher.EventStatus, map[string]string{"status": "ringing"})

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var frame monitor.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if frame.Topic != "cb/calls/CA7/status" {
		t.Errorf("topic = %q", frame.Topic)
	}
	if !strings.Contains(string(frame.Event), `"ringing"`) {
		t.Errorf("event = %s", frame.Event)
	}
}

func TestDashboardRouteOnlyWithMonitor(t *testing.T) {
	s := newTestServer(Deps{})
	resp, err := s.App().Test(httptest.NewRequest("GET", "/ws/calls", nil))
	if err != nil {
		t.Fatalf("Test() error = %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestDashboardChurn(t *testing.T) {
	mon := monitor.New(log.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mon.Run(ctx)

	s := newTestServer(Deps{Monitor: mon})
	go s.Listen(":18194")
	defer s.Shutdown(context.Background())
	time.Sleep(100 * time.Millisecond)

	events := publisher.NewEvents(mon, "cb", log.Discard())
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			events.Emit(context.Background(), "CA8", publisher.EventStatus, map[string]string{"status": "in-progress"})
			time.Sleep(200 * time.Microsecond)
		}
	}()

	for i := 0; i < 100; i++ {
		ws, _, err := websocket.DefaultDialer.Dial("ws://localhost:18194/ws/calls", nil)
		if err != nil {
			t.Fatalf("cycle %d: WebSocket dial error: %v", i, err)
		}
		if i%2 == 0 {
			ws.SetReadDeadline(time.Now().Add(time.Second))
			ws.ReadMessage()
		}
		ws.Close()
	}
	waitFor(t, "dashboards to disconnect", func() bool { return mon.Clients() == 0 })

	resp, err := s.App().Test(httptest.NewRequest("GET", "/health", nil))
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Errorf("health after dashboard churn = %v, %v", resp, err)
	}
}
