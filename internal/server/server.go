// Package server is the client-facing HTTP listener: WHEP signaling for
// the WebRTC session plus authenticated status and event endpoints.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"rdpbridge/internal/config"
	"rdpbridge/internal/control"
	"rdpbridge/internal/peer"
	"rdpbridge/internal/session"
	"rdpbridge/internal/types"
)

// maxOfferSize bounds the SDP body of a WHEP request.
const maxOfferSize = 64 << 10

const defaultOfferTimeout = 10 * time.Second

// PeerConn is the transport end the server negotiates for a session.
type PeerConn interface {
	session.Peer
	Answer(ctx context.Context, offer string) (string, error)
	AddCandidate(candidate string) error
}

// Options configures a Server.
type Options struct {
	Orchestrator *session.Orchestrator
	Plane        *control.Plane
	Config       *config.Store
	TLS          *tls.Config
	// AllowOrigins lists the origins granted CORS access. Empty allows
	// same-origin requests only; "*" allows any origin.
	AllowOrigins []string
	// OfferTimeout bounds the whole handshake of one WHEP request.
	OfferTimeout time.Duration
	// NewPeer creates the transport for an offer. Defaults to a pion peer.
	NewPeer func(id string, cfg *config.Config) (PeerConn, error)
	Logger  *slog.Logger
}

type whepSession struct {
	sess *session.Session
	peer PeerConn
}

// Server serves WHEP and the HTTP control endpoints.
type Server struct {
	opts     Options
	auth     *authenticator
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	current *whepSession
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.OfferTimeout <= 0 {
		opts.OfferTimeout = defaultOfferTimeout
	}
	if opts.NewPeer == nil {
		opts.NewPeer = newPionPeer(opts.Logger)
	}
	s := &Server{
		opts:   opts,
		auth:   newAuthenticator(opts.Config),
		logger: opts.Logger.With("component", "server"),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.originAllowed}
	return s
}

func newPionPeer(logger *slog.Logger) func(string, *config.Config) (PeerConn, error) {
	return func(id string, cfg *config.Config) (PeerConn, error) {
		p, err := peer.New(id, peer.Options{
			Codec:  types.Codec(cfg.Encode.Codec),
			FPS:    cfg.Capture.FPS,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /whep", s.handleOffer)
	mux.HandleFunc("PATCH /whep/{id}", s.handleCandidate)
	mux.HandleFunc("DELETE /whep/{id}", s.handleDelete)
	mux.HandleFunc("OPTIONS /whep", s.handlePreflight)
	mux.HandleFunc("OPTIONS /whep/{id}", s.handlePreflight)
	mux.HandleFunc("GET /control/status", s.handleStatus)
	mux.HandleFunc("POST /control/reload", s.handleReload)
	mux.HandleFunc("POST /control/stop", s.handleStop)
	mux.HandleFunc("GET /control/events", s.handleEvents)
	return mux
}

// Serve accepts connections on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	if s.opts.TLS != nil {
		ln = tls.NewListener(ln, s.opts.TLS)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	scheme := "http"
	if s.opts.TLS != nil {
		scheme = "https"
	}
	s.logger.Info("listening", "addr", ln.Addr().String(), "scheme", scheme)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// whepHandshake adapts one WHEP request to session.Handshake.
type whepHandshake struct {
	srv   *Server
	r     *http.Request
	ip    string
	offer string
	caps  session.Capabilities

	peer   PeerConn
	answer string
}

func (h *whepHandshake) Authenticate(ctx context.Context) error {
	if err := h.srv.auth.check(h.r); err != nil {
		h.srv.auth.fail(h.ip)
		return err
	}
	return nil
}

func (h *whepHandshake) Negotiate(ctx context.Context) (session.Peer, session.Capabilities, error) {
	audio, err := peer.OfferHasAudio(h.offer)
	if err != nil {
		return nil, session.Capabilities{}, types.NewError(types.KindProtocolViolation, "whep.offer", err)
	}
	p, err := h.srv.opts.NewPeer(uuid.NewString(), h.srv.opts.Config.Load())
	if err != nil {
		return nil, session.Capabilities{}, types.NewError(types.KindTransportError, "whep.peer", err)
	}
	answer, err := p.Answer(ctx, h.offer)
	if err != nil {
		p.Close()
		return nil, session.Capabilities{}, err
	}
	h.peer = p
	h.answer = answer

	caps := h.caps
	if audio {
		caps.Audio = true
		caps.AudioFormats = []types.AudioFormat{{SampleRate: 48000, Channels: 2}}
	}
	return p, caps, nil
}

// capabilitiesFromQuery reads the client's requested geometry and clipboard
// preference: ?width=1920&height=1080&clipboard=0.
func capabilitiesFromQuery(r *http.Request) (session.Capabilities, error) {
	q := r.URL.Query()
	caps := session.Capabilities{Clipboard: true}
	if v := q.Get("clipboard"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return caps, fmt.Errorf("clipboard: %w", err)
		}
		caps.Clipboard = on
	}
	w, h := q.Get("width"), q.Get("height")
	if w == "" && h == "" {
		return caps, nil
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return caps, fmt.Errorf("width: %w", err)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return caps, fmt.Errorf("height: %w", err)
	}
	caps.Geometry = types.Geometry{Width: width, Height: height}
	if !caps.Geometry.Valid() {
		return caps, fmt.Errorf("invalid geometry %dx%d", width, height)
	}
	return caps, nil
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	s.setCORS(w, r)
	if s.opts.Orchestrator.Busy() {
		http.Error(w, "session in progress", http.StatusConflict)
		return
	}
	ip := clientIP(r)
	if !s.auth.allowed(ip) {
		s.logger.Warn("auth rate limit exceeded", "client", ip)
		http.Error(w, "too many failed attempts", http.StatusTooManyRequests)
		return
	}
	caps, err := capabilitiesFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxOfferSize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.OfferTimeout)
	defer cancel()
	hs := &whepHandshake{srv: s, r: r, ip: ip, offer: string(body), caps: caps}
	sess, err := s.opts.Orchestrator.Connect(ctx, r.RemoteAddr, hs)
	if err != nil {
		code := statusCode(err)
		if code == http.StatusInternalServerError {
			s.logger.Error("whep offer failed", "client", r.RemoteAddr, "error", err)
		}
		http.Error(w, err.Error(), code)
		return
	}

	s.mu.Lock()
	s.current = &whepSession{sess: sess, peer: hs.peer}
	s.mu.Unlock()
	go s.forget(sess)

	w.Header().Set("Content-Type", "application/sdp")
	w.Header().Set("Location", "/whep/"+sess.ID)
	w.WriteHeader(http.StatusCreated)
	io.WriteString(w, hs.answer)
}

// forget drops the resource once its session has ended.
func (s *Server) forget(sess *session.Session) {
	<-sess.Done()
	s.mu.Lock()
	if s.current != nil && s.current.sess == sess {
		s.current = nil
	}
	s.mu.Unlock()
}

func (s *Server) lookup(id string) *whepSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.sess.ID != id {
		return nil
	}
	return s.current
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, session.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrNoSession):
		return http.StatusNotFound
	}
	switch types.KindOf(err) {
	case types.KindAuthFailure:
		return http.StatusUnauthorized
	case types.KindPermissionDenied:
		return http.StatusForbidden
	case types.KindProtocolViolation:
		return http.StatusBadRequest
	case types.KindBackendUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleCandidate(w http.ResponseWriter, r *http.Request) {
	s.setCORS(w, r)
	if !s.authorize(w, r) {
		return
	}
	ws := s.lookup(r.PathValue("id"))
	if ws == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxOfferSize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	for line := range strings.Lines(string(body)) {
		line = strings.TrimSpace(line)
		if candidate, ok := strings.CutPrefix(line, "a="); ok && strings.HasPrefix(candidate, "candidate:") {
			if err := ws.peer.AddCandidate(candidate); err != nil {
				s.logger.Debug("rejected ICE candidate", "error", err)
			}
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.setCORS(w, r)
	if !s.authorize(w, r) {
		return
	}
	ws := s.lookup(r.PathValue("id"))
	if ws == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	ws.peer.Close()
	select {
	case <-ws.sess.Done():
	case <-r.Context().Done():
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	s.setCORS(w, r)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.setCORS(w, r)
	if !s.authorize(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Plane.GetStatus())
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	s.setCORS(w, r)
	if !s.authorize(w, r) {
		return
	}
	result, err := s.opts.Plane.Reload(r.Context())
	if err != nil {
		http.Error(w, err.Error(), statusCode(err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.setCORS(w, r)
	if !s.authorize(w, r) {
		return
	}
	if err := s.opts.Plane.Stop(r.Context()); err != nil {
		http.Error(w, err.Error(), statusCode(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams the status, then every session event, as JSON
// websocket messages.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events := s.opts.Plane.Watch(ctx)

	// Reads only to notice the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(s.opts.Plane.GetStatus()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

// authorize checks credentials for the management endpoints and writes the
// error response when they fail.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	ip := clientIP(r)
	if !s.auth.allowed(ip) {
		http.Error(w, "too many failed attempts", http.StatusTooManyRequests)
		return false
	}
	if err := s.auth.check(r); err != nil {
		s.auth.fail(ip)
		w.Header().Set("WWW-Authenticate", `Bearer realm="rdpbridge"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(s.opts.AllowOrigins, "*") || slices.Contains(s.opts.AllowOrigins, origin) {
		return true
	}
	// Same-origin requests need no allowlist entry.
	return strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://") == r.Host
}

func (s *Server) setCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.opts.AllowOrigins) == 0 {
		return
	}
	switch {
	case slices.Contains(s.opts.AllowOrigins, "*"):
		w.Header().Set("Access-Control-Allow-Origin", "*")
	case slices.Contains(s.opts.AllowOrigins, origin):
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	default:
		return
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Expose-Headers", "Location")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
