package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"log/slog"

	"github.com/gorilla/mux"

	"chatcore-backend/internal/apperr"
)

const idempotencyKeyHeader = "Idempotency-Key"

type v1API struct {
	logger        *slog.Logger
	svc           Service
	presence      PresenceTracker
	blobs         BlobStore
	maxUploadSize int64
}

func newV1API(logger *slog.Logger, opts HandlerOptions) *v1API {
	maxUpload := opts.MaxUploadSize
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadSize
	}
	return &v1API{
		logger:        logger.With("component", "v1"),
		svc:           opts.Service,
		presence:      opts.Presence,
		blobs:         opts.Blobs,
		maxUploadSize: maxUpload,
	}
}

func (api *v1API) routes(r *mux.Router) {
	r.HandleFunc("/me", api.handleGetMe).Methods(http.MethodGet)
	r.HandleFunc("/me", api.handleUpdateMe).Methods(http.MethodPatch)
	r.HandleFunc("/users", api.handleSearchUsers).Methods(http.MethodGet)
	r.HandleFunc("/users/{userId}", api.handleGetUser).Methods(http.MethodGet)
	r.HandleFunc("/users/{userId}/presence", api.handleGetPresence).Methods(http.MethodGet)
	r.HandleFunc("/presence/heartbeat", api.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/presence/disconnect", api.handleDisconnect).Methods(http.MethodPost)

	r.HandleFunc("/friend-requests", api.handleListFriendRequests).Methods(http.MethodGet)
	r.HandleFunc("/friend-requests", api.handleSendFriendRequest).Methods(http.MethodPost)
	r.HandleFunc("/friend-requests/{requestId}", api.handleGetFriendRequest).Methods(http.MethodGet)
	r.HandleFunc("/friend-requests/{requestId}/{action:accept|reject|cancel}", api.handleFriendRequestAction).Methods(http.MethodPost)
	r.HandleFunc("/friends", api.handleListFriends).Methods(http.MethodGet)
	r.HandleFunc("/friends/{userId}", api.handleRemoveFriend).Methods(http.MethodDelete)

	r.HandleFunc("/rooms", api.handleCreateRoom).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{roomId}", api.handleGetRoom).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{roomId}/join", api.handleJoinRoom).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{roomId}/leave", api.handleLeaveRoom).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{roomId}/invites", api.handleInviteToRoom).Methods(http.MethodPost)
	r.HandleFunc("/private-chats", api.handleCreatePrivateChat).Methods(http.MethodPost)
	r.HandleFunc("/private-chats/{chatId}", api.handleGetPrivateChat).Methods(http.MethodGet)
	r.HandleFunc("/directory", api.handleListDirectory).Methods(http.MethodGet)

	r.HandleFunc("/conversations/{kind}/{id}/messages", api.handleListMessages).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{kind}/{id}/messages", api.handleAppendMessage).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{kind}/{id}/messages/{messageId}/read", api.handleMarkRead).Methods(http.MethodPost)

	r.HandleFunc("/upload", api.handleUpload).Methods(http.MethodPost)
}

type apiErrorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeAPIError(w http.ResponseWriter, code ErrorCode, message string) {
	if code == ErrCodeTransient {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, httpStatusForCode(code), apiErrorEnvelope{
		Error: apiError{
			Code:    string(code),
			Message: message,
		},
	})
}

// writeServiceError reports err by category only. Unexpected failures are
// logged with their detail.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	switch kind {
	case apperr.KindInternal, apperr.KindIntegrity:
		logger.Error("request failed", "requestId", requestIDFromContext(r.Context()), "method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
	case apperr.KindTransient:
		logger.Warn("request failed", "requestId", requestIDFromContext(r.Context()), "method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
	}
	writeAPIError(w, ErrorCode(kind), apperr.PublicMessage(kind))
}

func (api *v1API) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeServiceError(w, api.logger, r, err)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected extra JSON input")
	}
	return nil
}

// decodeBody decodes into dst and answers a malformed body itself.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, dst); err != nil {
		writeAPIError(w, ErrCodeValidation, "invalid JSON body")
		return false
	}
	return true
}

func queryInt(r *http.Request, key string) (int64, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func currentUser(r *http.Request) string {
	return getUserIDFromContext(r.Context())
}
