package httpserver

import (
	"context"
	"io"
	"net/http"

	"log/slog"

	"github.com/gorilla/mux"

	"chatcore-backend/internal/blob"
	"chatcore-backend/internal/identity"
	"chatcore-backend/internal/presence"
	"chatcore-backend/internal/storage"
)

// Service is the command surface the REST handlers drive.
type Service interface {
	EnsureUser(ctx context.Context, userID, email, displayName string) (storage.UserRow, error)
	GetUser(ctx context.Context, userID string) (storage.UserRow, error)
	UpdateProfile(ctx context.Context, userID string, upd storage.ProfileUpdate) (storage.UserRow, error)
	SearchUsers(ctx context.Context, query string, limit int) ([]storage.UserRow, error)
	UserNames(ctx context.Context, ids []string) (map[string]storage.UserRow, error)
	Presence(ctx context.Context, viewerID, userID string) (presence.Status, error)

	SendFriendRequest(ctx context.Context, senderID, receiverID, idemKey string) (storage.FriendRequestRow, error)
	AcceptFriendRequest(ctx context.Context, requestID, actorID string) (storage.FriendRequestRow, error)
	RejectFriendRequest(ctx context.Context, requestID, actorID string) (storage.FriendRequestRow, error)
	CancelFriendRequest(ctx context.Context, requestID, actorID string) (storage.FriendRequestRow, error)
	GetFriendRequest(ctx context.Context, requestID, viewerID string) (storage.FriendRequestRow, error)
	ListFriendRequests(ctx context.Context, userID, box, status string) ([]storage.FriendRequestRow, error)
	ListFriends(ctx context.Context, userID string) ([]storage.UserRow, error)
	RemoveFriend(ctx context.Context, userID, friendID string) error

	CreateRoom(ctx context.Context, ownerID, name, description string, opts storage.CreateRoomOptions) (storage.RoomRow, error)
	GetRoom(ctx context.Context, roomID, viewerID string) (storage.RoomRow, error)
	JoinRoom(ctx context.Context, roomID, userID string) (storage.RoomRow, error)
	InviteToRoom(ctx context.Context, roomID, actorID, inviteeID string) (storage.RoomRow, error)
	LeaveRoom(ctx context.Context, roomID, userID string) (storage.LeaveResult, error)
	GetOrCreatePrivateChat(ctx context.Context, userID, peerID string) (storage.PrivateChatRow, error)
	GetPrivateChat(ctx context.Context, chatID, viewerID string) (storage.PrivateChatRow, error)
	ListDirectory(ctx context.Context, userID string) ([]storage.DirectoryEntry, error)

	AppendMessage(ctx context.Context, in storage.AppendMessageInput) (storage.MessageRow, error)
	MarkRead(ctx context.Context, conv storage.ConversationRef, messageID, userID string) (storage.MessageRow, error)
	ListMessages(ctx context.Context, conv storage.ConversationRef, userID string, afterSeq int64, limit int) (storage.MessagePage, error)
}

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (identity.Identity, error)
}

type PresenceTracker interface {
	Heartbeat(ctx context.Context, userID string) (presence.Status, error)
	Disconnect(ctx context.Context, userID string) (presence.Status, error)
}

type BlobStore interface {
	Put(ctx context.Context, filename string, r io.Reader) (blob.Object, error)
}

type Readiness interface {
	Ready(ctx context.Context) error
}

type HandlerOptions struct {
	Ready    Readiness
	Auth     Authenticator
	Service  Service
	Presence PresenceTracker
	Blobs    BlobStore
	// Stream serves /v1/ws; it authenticates on its own.
	Stream http.Handler
	// UploadDir is served read-only under /uploads/ when set.
	UploadDir     string
	MaxUploadSize int64
}

func NewHandler(logger *slog.Logger, opts HandlerOptions) http.Handler {
	router := mux.NewRouter()
	api := newV1API(logger, opts)

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	router.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := opts.Ready.Ready(r.Context()); err != nil {
			logger.Warn("ready check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}).Methods(http.MethodGet)

	if opts.Stream != nil {
		router.Handle("/v1/ws", opts.Stream)
	}

	if opts.UploadDir != "" {
		fs := http.FileServer(http.Dir(opts.UploadDir))
		router.PathPrefix(blob.PathPrefix).Handler(http.StripPrefix(blob.PathPrefix, fs)).Methods(http.MethodGet, http.MethodHead)
	}

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.Use(authMiddleware(logger, opts.Auth, opts.Service))
	api.routes(v1)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, ErrCodeNotFound, "not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, ErrCodeMethodNotAllowed, "method not allowed")
	})

	return chain(
		router,
		requestLogMiddleware(logger),
		recoverMiddleware(logger),
		corsMiddleware(),
	)
}
