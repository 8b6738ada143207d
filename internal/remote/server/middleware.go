// Package server serves repository views over smart HTTP and SSH, plus the
// operator endpoints: health, metrics and the admin API.
package server

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kilupskalvis/gitview/internal/remote"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	grantKey
	addressKey
)

// authRealm is sent in WWW-Authenticate so git clients prompt for
// credentials.
const authRealm = `Basic realm="gitview"`

// lastUsedInterval bounds how often a token's last-use time is written.
const lastUsedInterval = time.Minute

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// grant returns the token accepted by authMiddleware, or nil when auth is off.
func grant(ctx context.Context) *TokenInfo {
	t, _ := ctx.Value(grantKey).(*TokenInfo)
	return t
}

// viewAddress returns the view parsed from the request path, if any.
func viewAddress(ctx context.Context) *remote.Address {
	a, _ := ctx.Value(addressKey).(*remote.Address)
	return a
}

func withAddress(ctx context.Context, addr *remote.Address) context.Context {
	return context.WithValue(ctx, addressKey, addr)
}

func errorBody(code, msg string) map[string]string {
	return map[string]string{"error": code, "message": msg}
}

// requestIDMiddleware tags each request with a fresh id, echoed in
// X-Request-ID.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// loggingMiddleware writes one line per request. Git requests carry the repo
// and view they addressed.
func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			// The git handler fills in the address once the path is parsed.
			holder := &addressHolder{}
			r = r.WithContext(context.WithValue(r.Context(), addressHolderKey{}, holder))

			next.ServeHTTP(rec, r)

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"bytes", rec.written,
				"latency_ms", time.Since(start).Milliseconds(),
				"request_id", requestID(r.Context()),
			}
			if holder.addr != nil {
				attrs = append(attrs, "repo", holder.addr.Repo, "view", holder.addr.Filter.String())
			}
			level := slog.LevelInfo
			if rec.status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "request", attrs...)
		})
	}
}

type addressHolderKey struct{}

type addressHolder struct {
	addr *remote.Address
}

// noteAddress lets loggingMiddleware report the view a request addressed.
func noteAddress(ctx context.Context, addr *remote.Address) {
	if h, ok := ctx.Value(addressHolderKey{}).(*addressHolder); ok {
		h.addr = addr
	}
}

// recoveryMiddleware turns a panic into a 500 unless the response has
// already started.
func recoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w}
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				logger.Error("panic recovered", "error", v, "path", r.URL.Path, "request_id", requestID(r.Context()))
				if !rec.wrote {
					writeJSON(rec, http.StatusInternalServerError, errorBody("internal_error", "internal server error"))
				}
			}()
			next.ServeHTTP(rec, r)
		})
	}
}

// credentials extracts a token from a Bearer header or from the password of
// Basic auth, which is what git sends. The Basic user name is ignored.
func credentials(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok && token != "" {
		return token, true
	}
	if _, password, ok := r.BasicAuth(); ok && password != "" {
		return password, true
	}
	return "", false
}

// authMiddleware resolves the request's token and stores it as the grant.
// Last-use times are recorded in the background at most once per
// lastUsedInterval per token.
func authMiddleware(tokens TokenStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		inflight := make(chan struct{}, 16)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := credentials(r)
			var info *TokenInfo
			if ok {
				var err error
				info, err = tokens.GetByHash(HashToken(raw))
				if err != nil {
					logger.Error("token lookup failed", "error", err, "request_id", requestID(r.Context()))
					info = nil
				}
			}
			if info == nil {
				msg := "invalid token"
				if !ok {
					msg = "missing credentials"
				}
				w.Header().Set("WWW-Authenticate", authRealm)
				writeJSON(w, http.StatusUnauthorized, errorBody("auth_failed", msg))
				return
			}

			if time.Since(info.LastUsedAt) > lastUsedInterval {
				select {
				case inflight <- struct{}{}:
					go func(id string) {
						defer func() { <-inflight }()
						if err := tokens.UpdateLastUsed(id); err != nil {
							logger.Warn("failed to record token use", "token_id", id, "error", err)
						}
					}(info.ID)
				default:
				}
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), grantKey, info)))
		})
	}
}

// requireRepo rejects tokens that are not scoped to the addressed repository.
func requireRepo(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := viewAddress(r.Context())
		if addr == nil {
			writeJSON(w, http.StatusBadRequest, errorBody("bad_request", "missing repository name in path"))
			return
		}
		if t := grant(r.Context()); t == nil || !t.Allows(addr.Repo) {
			writeJSON(w, http.StatusForbidden, errorBody("forbidden", "token does not have access to repository '"+addr.Repo+"'"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireWrite guards receive-pack.
func requireWrite(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t := grant(r.Context()); t == nil || !t.CanPush() {
			writeJSON(w, http.StatusForbidden, errorBody("forbidden", "read-only token cannot push"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimiter is a token bucket per client: the accepted token when auth is
// on, the remote host otherwise. Buckets hold one minute's worth of requests
// and refill continuously.
type rateLimiter struct {
	perMinute int
	now       func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	done    chan struct{}
	stop    sync.Once
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newRateLimiter(perMinute int) *rateLimiter {
	rl := &rateLimiter{
		perMinute: perMinute,
		now:       time.Now,
		buckets:   make(map[string]*bucket),
		done:      make(chan struct{}),
	}
	if perMinute > 0 {
		go rl.sweep(5 * time.Minute)
	}
	return rl
}

// take spends one request for key and returns how long to wait when the
// bucket is empty.
func (rl *rateLimiter) take(key string) (time.Duration, bool) {
	rate := float64(rl.perMinute) / 60 // per second
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(rl.perMinute), last: now}
		rl.buckets[key] = b
	}
	b.tokens = math.Min(float64(rl.perMinute), b.tokens+now.Sub(b.last).Seconds()*rate)
	b.last = now
	if b.tokens < 1 {
		return time.Duration((1 - b.tokens) / rate * float64(time.Second)), false
	}
	b.tokens--
	return 0, true
}

// sweep forgets buckets that have been full for a while.
func (rl *rateLimiter) sweep(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			cutoff := rl.now().Add(-every)
			rl.mu.Lock()
			for k, b := range rl.buckets {
				if b.last.Before(cutoff) {
					delete(rl.buckets, k)
				}
			}
			rl.mu.Unlock()
		case <-rl.done:
			return
		}
	}
}

func (rl *rateLimiter) Stop() {
	rl.stop.Do(func() { close(rl.done) })
}

func clientKey(r *http.Request) string {
	if t := grant(r.Context()); t != nil {
		return "token:" + t.ID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "host:" + host
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	if rl.perMinute <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wait, ok := rl.take(clientKey(r))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeJSON(w, http.StatusTooManyRequests, errorBody("rate_limited", "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder remembers the status and size of a response. It keeps
// Flush reachable for streamed pack responses.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	wrote   bool
	written int64
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wrote {
		s.status = code
		s.wrote = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	if !s.wrote {
		s.status = http.StatusOK
		s.wrote = true
	}
	n, err := s.ResponseWriter.Write(p)
	s.written += int64(n)
	return n, err
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
