package gateway

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// requireAuth enforces bearer-token authentication when configured. A static
// token is compared verbatim; a JWT secret enables HS256 verification. With
// neither configured, auth is disabled.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	if s.auth.Token == "" && s.auth.JWTSecret == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="loom"`)
			writeRPCError(w, http.StatusUnauthorized, rpcErrorf(CodeNotAvailable, "missing bearer token"))
			return
		}
		if !s.tokenValid(token) {
			writeRPCError(w, http.StatusUnauthorized, rpcErrorf(CodeNotAvailable, "invalid bearer token"))
			return
		}
		next(w, r)
	}
}

func (s *Server) tokenValid(token string) bool {
	if s.auth.Token != "" && token == s.auth.Token {
		return true
	}
	if s.auth.JWTSecret == "" {
		return false
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return []byte(s.auth.JWTSecret), nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(time.Now),
	)
	return err == nil && parsed.Valid
}

// bearerToken pulls the token from the Authorization header, falling back to
// the access_token query parameter for WebSocket clients that cannot set
// headers.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}

// originAllowed implements the WebSocket origin check against the configured
// allow-list. No configured origins means same-origin only, which for
// non-browser clients (no Origin header) always passes.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.origins) == 0 {
		return strings.EqualFold(origin, "http://"+r.Host) || strings.EqualFold(origin, "https://"+r.Host)
	}
	for _, allowed := range s.origins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// withCORS answers preflight and stamps allowed origins on responses.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.corsOriginAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsOriginAllowed(origin string) bool {
	for _, allowed := range s.origins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// withMetrics records request latency per method and path prefix.
func (s *Server) withMetrics(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.HTTPRequestDuration.
			WithLabelValues(r.Method, routeLabel(r.URL.Path), strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}

// routeLabel collapses session ids so metric cardinality stays bounded.
func routeLabel(path string) string {
	if strings.HasPrefix(path, "/api/sessions/") {
		rest := strings.TrimPrefix(path, "/api/sessions/")
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return "/api/sessions/:id/" + rest[i+1:]
		}
		return "/api/sessions/:id"
	}
	return path
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
