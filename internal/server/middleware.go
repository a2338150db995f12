package server

import (
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gmslzr/ephemeral-be/internal/auth"
	"github.com/gmslzr/ephemeral-be/internal/metrics"
)

const requestIDHeader = "X-Request-ID"

// statusWriter records the status code for the request log. Flush is
// forwarded so SSE handlers keep working behind the wrapper.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		w.status = max(w.status, http.StatusOK)
		f.Flush()
	}
}

// requestID honors an inbound X-Request-ID and generates one otherwise. The
// id is echoed on the response so clients can correlate.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), id)))
	})
}

// requestLog attaches a request-scoped logger to the context and emits one
// line per request with method, route, status and latency.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}

		reqLogger := s.logger.With().
			Str("request_id", requestIDFrom(r.Context())).
			Logger()
		r = r.WithContext(reqLogger.WithContext(r.Context()))

		next.ServeHTTP(sw, r)

		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		elapsed := time.Since(start)
		metrics.ObserveHTTPRequest(r.Method, route, strconv.Itoa(status), elapsed)

		reqLogger.Info().
			Str("event", "request").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("route", route).
			Int("status", status).
			Dur("duration", elapsed).
			Str("client", clientAddr(r)).
			Msg("request completed")
	})
}

// recoverPanic converts handler panics into a 500 envelope. ErrAbortHandler
// is re-raised: it is the sanctioned way to abort a response mid-stream.
func (s *Server) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.logger.Error().
				Str("event", "unhandled_exception").
				Str("request_id", requestIDFrom(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("panic", fmt.Sprint(rec)).
				Bytes("stack", debug.Stack()).
				Msg("panic recovered in handler")
			writeJSON(w, http.StatusInternalServerError, detail{
				Detail: "Internal server error",
				Error:  "internal_error",
			})
		}()
		next.ServeHTTP(w, r)
	})
}

// authenticate resolves the Authorization header into a tenant identity and
// stores it on the context. Requests without a valid credential stop here.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.resolver.Resolve(r.Context(), r.Header.Values("Authorization"))
		if err != nil {
			writeDetail(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
	})
}

// rateLimit enforces the per-identity token bucket. Authenticated requests
// spend from the tenant's bucket; anonymous ones from the client address's.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "ip:" + clientAddr(r)
		if identity, ok := auth.FromContext(r.Context()); ok {
			key = "user:" + identity.User.ID.String()
		}
		ok, retryAfter := s.limiter.Allow(key)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		metrics.RecordRateLimited()
		s.logger.Warn().
			Str("event", "rate_limit_exceeded").
			Str("key", key).
			Str("path", r.URL.Path).
			Msg("request rate limit exceeded")
		retrySecs := int((retryAfter + time.Second - 1) / time.Second)
		if retrySecs < 1 {
			retrySecs = 1
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.limiter.Requests()))
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(retryAfter).Unix(), 10))
		w.Header().Set("Retry-After", strconv.Itoa(retrySecs))
		writeJSON(w, http.StatusTooManyRequests, detail{
			Detail: "Rate limit exceeded. Please try again later.",
			Error:  "rate_limit_exceeded",
		})
	})
}

// clientAddr strips the port from RemoteAddr; proxies are expected to
// terminate before the gateway, so X-Forwarded-For is deliberately ignored.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
