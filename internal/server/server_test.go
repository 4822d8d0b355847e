package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"rdpbridge/internal/capture"
	"rdpbridge/internal/config"
	"rdpbridge/internal/control"
	"rdpbridge/internal/session"
	"rdpbridge/internal/testutil"
	"rdpbridge/internal/types"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

const videoOffer = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:96 H264/90000\r\n"

const answerSDP = "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

type fakeConn struct {
	mu         sync.Mutex
	candidates []string
	handler    session.Handler

	done     chan struct{}
	doneOnce sync.Once
}

func newFakeConn() *fakeConn { return &fakeConn{done: make(chan struct{})} }

func (c *fakeConn) SendVideo(context.Context, *types.EncodedUnit) error { return nil }
func (c *fakeConn) SendCursor(*types.CursorUpdate) error              { return nil }
func (c *fakeConn) SendClipboard(types.ClipboardPayload) error        { return nil }
func (c *fakeConn) SendAudio(*types.AudioChunk) error                 { return nil }
func (c *fakeConn) Done() <-chan struct{}                             { return c.done }
func (c *fakeConn) Err() error                                        { return nil }

func (c *fakeConn) Attach(h session.Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.doneOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) Answer(context.Context, string) (string, error) { return answerSDP, nil }

func (c *fakeConn) AddCandidate(candidate string) error {
	c.mu.Lock()
	c.candidates = append(c.candidates, candidate)
	c.mu.Unlock()
	return nil
}

type fixture struct {
	srv   *httptest.Server
	o     *session.Orchestrator
	store *config.Store

	mu    sync.Mutex
	conns []*fakeConn
}

func newFixture(t *testing.T, mutate func(*config.Config, *Options)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.StaticDisplay = true
	cfg.Encode.Encoder = config.EncoderBitmap
	cfg.Clipboard.Enable = false
	cfg.Audio.Enable = false
	cfg.Capture.FPS = 30
	cfg.Control.StopGrace = config.Duration(2 * time.Second)

	f := &fixture{}
	opts := Options{
		OfferTimeout: 5 * time.Second,
		Logger:       discardLogger(),
		NewPeer: func(string, *config.Config) (PeerConn, error) {
			c := newFakeConn()
			f.mu.Lock()
			f.conns = append(f.conns, c)
			f.mu.Unlock()
			return c, nil
		},
	}
	if mutate != nil {
		mutate(cfg, &opts)
	}
	f.store = config.NewStore(cfg)
	f.o = session.New(session.Options{
		Config:  f.store,
		Capture: capture.NewAdapter(capture.Options{Logger: discardLogger()}),
		Logger:  discardLogger(),
	})
	opts.Orchestrator = f.o
	opts.Config = f.store
	opts.Plane = control.NewPlane(f.o, f.store, func() (*config.Config, error) {
		return f.store.Load().Clone(), nil
	}, discardLogger())

	f.srv = httptest.NewServer(New(opts).Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		f.o.Stop(ctx)
		f.srv.Close()
	})
	return f
}

func (f *fixture) offer(t *testing.T, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/whep?width=64&height=48", strings.NewReader(videoOffer))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/sdp")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /whep: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) do(t *testing.T, method, path string, header http.Header, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": {"Bearer " + token}}
}

func TestOfferCreatesSession(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.offer(t, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/sdp" {
		t.Fatalf("expected application/sdp, got %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != answerSDP {
		t.Fatalf("unexpected answer %q", body)
	}
	cur := f.o.Current()
	if cur == nil || resp.Header.Get("Location") != "/whep/"+cur.ID {
		t.Fatalf("expected location of current session, got %q", resp.Header.Get("Location"))
	}
	if cur.State() != session.Active {
		t.Fatalf("expected active session, got %s", cur.State())
	}
	if g := cur.Info().Geometry; g != (types.Geometry{Width: 64, Height: 48}) {
		t.Fatalf("expected requested geometry, got %v", g)
	}
}

func TestSecondOfferConflicts(t *testing.T) {
	f := newFixture(t, nil)
	if resp := f.offer(t, nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("first offer: expected 201, got %d", resp.StatusCode)
	}
	if resp := f.offer(t, nil); resp.StatusCode != http.StatusConflict {
		t.Fatalf("second offer: expected 409, got %d", resp.StatusCode)
	}
	f.mu.Lock()
	n := len(f.conns)
	f.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected the refused client to get no transport, got %d peers", n)
	}
}

func TestDeleteEndsSession(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.offer(t, nil)
	loc := resp.Header.Get("Location")

	if del := f.do(t, http.MethodDelete, loc, nil, ""); del.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", del.StatusCode)
	}
	if f.o.Busy() {
		t.Fatalf("expected the slot to be free after delete")
	}
	if resp := f.offer(t, nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected a new session after delete, got %d", resp.StatusCode)
	}
	if del := f.do(t, http.MethodDelete, loc, nil, ""); del.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for the old session, got %d", del.StatusCode)
	}
}

func TestTrickleCandidates(t *testing.T) {
	f := newFixture(t, nil)
	loc := f.offer(t, nil).Header.Get("Location")

	frag := "a=ice-ufrag:abcd\r\na=candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host\r\na=end-of-candidates\r\n"
	if resp := f.do(t, http.MethodPatch, loc, nil, frag); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	f.mu.Lock()
	got := f.conns[0].candidates
	f.mu.Unlock()
	if len(got) != 1 || !strings.HasPrefix(got[0], "candidate:1 1 udp") {
		t.Fatalf("unexpected candidates %q", got)
	}
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config, _ *Options) {
		cfg.Auth.Enable = true
		cfg.Auth.Token = "s3cret"
	})
	if resp := f.offer(t, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", resp.StatusCode)
	}
	if f.o.Busy() {
		t.Fatalf("expected the slot released after a failed authentication")
	}
	if resp := f.offer(t, bearer("wrong")); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with a bad token, got %d", resp.StatusCode)
	}
	if resp := f.offer(t, bearer("s3cret")); resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 with the token, got %d", resp.StatusCode)
	}
}

func TestBasicAuthWithDomainAndHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword: %v", err)
	}
	f := newFixture(t, func(cfg *config.Config, _ *Options) {
		cfg.Auth.Enable = true
		cfg.Auth.Username = "alice"
		cfg.Auth.Password = string(hash)
		cfg.Auth.Domain = "CORP"
	})

	for _, tc := range []struct {
		user, pass string
		want       int
	}{
		{`OTHER\alice`, "hunter2", http.StatusUnauthorized},
		{`CORP\alice`, "wrong", http.StatusUnauthorized},
		{`corp\alice`, "hunter2", http.StatusOK},
		{"alice@CORP", "hunter2", http.StatusOK},
		{"alice", "hunter2", http.StatusOK},
	} {
		req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/control/status", nil)
		req.SetBasicAuth(tc.user, tc.pass)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET /control/status: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("%s/%s: expected %d, got %d", tc.user, tc.pass, tc.want, resp.StatusCode)
		}
	}
}

func TestFailedAuthIsRateLimited(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config, _ *Options) {
		cfg.Auth.Enable = true
		cfg.Auth.Token = "s3cret"
		cfg.Auth.FailLimit = 3
		cfg.Auth.FailWindow = config.Duration(time.Hour)
	})
	for i := range 3 {
		if resp := f.offer(t, bearer("wrong")); resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i, resp.StatusCode)
		}
	}
	if resp := f.offer(t, bearer("s3cret")); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once the budget is spent, got %d", resp.StatusCode)
	}
}

func TestCORS(t *testing.T) {
	f := newFixture(t, func(_ *config.Config, o *Options) {
		o.AllowOrigins = []string{"https://viewer.example"}
	})

	resp := f.do(t, http.MethodOptions, "/whep", http.Header{"Origin": {"https://viewer.example"}}, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://viewer.example" {
		t.Fatalf("expected origin echoed, got %q", got)
	}
	if !strings.Contains(resp.Header.Get("Access-Control-Expose-Headers"), "Location") {
		t.Fatalf("expected Location exposed")
	}

	resp = f.do(t, http.MethodOptions, "/whep", http.Header{"Origin": {"https://evil.example"}}, "")
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no CORS grant for unknown origin, got %q", got)
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.offer(t, nil)

	resp := f.do(t, http.MethodGet, "/control/status", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var st struct {
		Status  string `json:"status"`
		State   string `json:"state"`
		Session *struct {
			ID string `json:"id"`
		} `json:"session"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Status != session.StatusRunning || st.State != session.Active.String() {
		t.Fatalf("expected running/active, got %s/%s", st.Status, st.State)
	}
	if st.Session == nil || st.Session.ID != f.o.Current().ID {
		t.Fatalf("expected current session in status, got %+v", st.Session)
	}
}

func TestStopEndpointRefusesLaterOffers(t *testing.T) {
	f := newFixture(t, nil)
	f.offer(t, nil)
	if resp := f.do(t, http.MethodPost, "/control/stop", nil, ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	testutil.RequireClosed(t, f.o.Stopped(), time.Second, "orchestrator stopped")
	if resp := f.offer(t, nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after stop, got %d", resp.StatusCode)
	}
}

func TestEventsWebsocket(t *testing.T) {
	f := newFixture(t, nil)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/control/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var st control.Status
	if err := conn.ReadJSON(&st); err != nil {
		t.Fatalf("read status: %v", err)
	}
	if st.State != session.Idle {
		t.Fatalf("expected idle, got %s", st.State)
	}

	f.offer(t, nil)
	for {
		var ev session.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if ev.State == session.Active {
			return
		}
	}
}

func TestEventsRejectsForeignOrigin(t *testing.T) {
	f := newFixture(t, nil)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/control/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	if err == nil || !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("expected bad handshake, got %v", err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestStatusCodes(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want int
	}{
		{session.ErrBusy, http.StatusConflict},
		{session.ErrStopped, http.StatusServiceUnavailable},
		{types.Errorf(types.KindAuthFailure, "auth", "bad"), http.StatusUnauthorized},
		{types.Errorf(types.KindProtocolViolation, "sdp", "bad"), http.StatusBadRequest},
		{types.Errorf(types.KindBackendUnavailable, "capture", "gone"), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	} {
		if got := statusCode(tc.err); got != tc.want {
			t.Errorf("%v: expected %d, got %d", tc.err, tc.want, got)
		}
	}
}
