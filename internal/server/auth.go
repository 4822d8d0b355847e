package server

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"rdpbridge/internal/config"
	"rdpbridge/internal/types"
)

// maxTrackedClients bounds the per-IP limiter table.
const maxTrackedClients = 4096

// authenticator checks client credentials and rate-limits clients that keep
// failing.
type authenticator struct {
	store *config.Store

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newAuthenticator(store *config.Store) *authenticator {
	return &authenticator{store: store, limiters: make(map[string]*rate.Limiter)}
}

// check validates the request's credentials against the active config.
// A bearer token or basic credentials are accepted, whichever is
// configured.
func (a *authenticator) check(r *http.Request) error {
	cfg := a.store.Load().Auth
	if !cfg.Enable {
		return nil
	}
	header := r.Header.Get("Authorization")
	if cfg.Token != "" && strings.HasPrefix(header, "Bearer ") {
		got := strings.TrimPrefix(header, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(cfg.Token)) == 1 {
			return nil
		}
		return types.Errorf(types.KindAuthFailure, "auth", "invalid token")
	}
	if user, pass, ok := r.BasicAuth(); ok && cfg.Username != "" {
		if matchUser(cfg, user) && matchPassword(cfg.Password, pass) {
			return nil
		}
		return types.Errorf(types.KindAuthFailure, "auth", "invalid credentials for %q", user)
	}
	return types.Errorf(types.KindAuthFailure, "auth", "missing credentials")
}

// matchUser accepts "user", "DOMAIN\user" and "user@DOMAIN" when a domain
// is configured.
func matchUser(cfg config.AuthConfig, user string) bool {
	if cfg.Domain != "" {
		if d, u, ok := strings.Cut(user, `\`); ok {
			if !strings.EqualFold(d, cfg.Domain) {
				return false
			}
			user = u
		} else if u, d, ok := strings.Cut(user, "@"); ok {
			if !strings.EqualFold(d, cfg.Domain) {
				return false
			}
			user = u
		}
	}
	return subtle.ConstantTimeCompare([]byte(user), []byte(cfg.Username)) == 1
}

// matchPassword compares against a bcrypt hash when the configured value
// is one, otherwise against the plain value.
func matchPassword(configured, given string) bool {
	if strings.HasPrefix(configured, "$2a$") || strings.HasPrefix(configured, "$2b$") || strings.HasPrefix(configured, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(given)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(given)) == 1
}

func (a *authenticator) limiter(ip string) *rate.Limiter {
	cfg := a.store.Load().Auth
	limit := max(cfg.FailLimit, 1)
	window := cfg.FailWindow.Duration()
	if window <= 0 {
		window = time.Minute
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.limiters[ip]
	if !ok {
		if len(a.limiters) >= maxTrackedClients {
			a.pruneLocked()
		}
		l = rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
		a.limiters[ip] = l
	}
	return l
}

// pruneLocked forgets clients whose budget has fully recovered.
func (a *authenticator) pruneLocked() {
	for ip, l := range a.limiters {
		if l.Tokens() >= float64(l.Burst()) {
			delete(a.limiters, ip)
		}
	}
}

// allowed reports whether ip still has failed attempts left in the window.
func (a *authenticator) allowed(ip string) bool {
	if !a.store.Load().Auth.Enable {
		return true
	}
	return a.limiter(ip).Tokens() >= 1
}

// fail charges one failed attempt to ip.
func (a *authenticator) fail(ip string) {
	a.limiter(ip).Allow()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
