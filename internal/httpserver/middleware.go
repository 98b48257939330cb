package httpserver

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"chatcore-backend/internal/storage"
)

const requestIDHeader = "X-Request-Id"

type middleware func(http.Handler) http.Handler

func chain(h http.Handler, mws ...middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

type statusResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

// Hijack lets /v1/ws upgrade through the logging wrapper.
func (w *statusResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	conn, rw, err := h.Hijack()
	if err == nil && w.status == 0 {
		w.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (w *statusResponseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *statusResponseWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusResponseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

// requestLogMiddleware tags each request with an id (the caller's
// X-Request-Id when it sent a usable one) and logs it once it completes.
// Probe endpoints log at debug.
func requestLogMiddleware(logger *slog.Logger) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := strings.TrimSpace(r.Header.Get(requestIDHeader))
			if reqID == "" || len(reqID) > 64 {
				reqID = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, reqID)
			srw := &statusResponseWriter{ResponseWriter: w}

			next.ServeHTTP(srw, r.WithContext(context.WithValue(r.Context(), requestIDContextKey, reqID)))

			level := slog.LevelInfo
			if r.URL.Path == "/healthz" || r.URL.Path == "/readyz" {
				level = slog.LevelDebug
			}
			logger.Log(r.Context(), level, "http request",
				"requestId", reqID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", srw.status,
				"bytes", srw.bytes,
				"durationMs", time.Since(start).Milliseconds(),
				"remoteAddr", r.RemoteAddr,
			)
		})
	}
}

func recoverMiddleware(logger *slog.Logger) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					logger.Error("panic",
						"error", v,
						"requestId", requestIDFromContext(r.Context()),
						"path", r.URL.Path,
						"stack", string(debug.Stack()),
					)
					writeAPIError(w, ErrCodeInternal, "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type contextKey string

const (
	userIDContextKey    contextKey = "userID"
	requestIDContextKey contextKey = "requestID"
)

func getUserIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(userIDContextKey).(string)
	return s
}

func setUserIDInContext(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

func requestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requestIDContextKey).(string)
	return s
}

// UserEnsurer records a verified identity on first sight.
type UserEnsurer interface {
	EnsureUser(ctx context.Context, userID, email, displayName string) (storage.UserRow, error)
}

// authMiddleware verifies the bearer token and places the caller's user id
// in the request context. Handlers trust nothing else about the caller.
func authMiddleware(logger *slog.Logger, auth Authenticator, users UserEnsurer) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeAPIError(w, ErrCodeUnauthenticated, "authentication required")
				return
			}

			id, err := auth.Authenticate(r.Context(), token)
			if err != nil {
				logger.Debug("token rejected", "requestId", requestIDFromContext(r.Context()), "error", err)
				writeAPIError(w, ErrCodeUnauthenticated, "invalid or expired token")
				return
			}

			user, err := users.EnsureUser(r.Context(), id.UserID, id.Email, id.DisplayName)
			if err != nil {
				writeServiceError(w, logger, r, err)
				return
			}
			if user.Disabled {
				writeAPIError(w, ErrCodePermission, "account disabled")
				return
			}

			next.ServeHTTP(w, r.WithContext(setUserIDInContext(r.Context(), user.ID)))
		})
	}
}

var corsAllowedHeaders = strings.Join([]string{"Content-Type", "Authorization", idempotencyKeyHeader, requestIDHeader}, ", ")

func corsMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", "*")
			h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", corsAllowedHeaders)
			h.Set("Access-Control-Expose-Headers", requestIDHeader)

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
