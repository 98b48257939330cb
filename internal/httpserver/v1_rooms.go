package httpserver

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"chatcore-backend/internal/chat"
	"chatcore-backend/internal/storage"
)

type createRoomRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	IsPrivate   bool     `json:"isPrivate"`
	Invite      []string `json:"invite"`
}

type roomResponse struct {
	Room chat.RoomView `json:"room"`
}

type inviteRequest struct {
	UserID string `json:"userId"`
}

type leaveRoomResponse struct {
	Left    bool   `json:"left"`
	Deleted bool   `json:"deleted"`
	OwnerID string `json:"ownerId,omitempty"`
}

type createPrivateChatRequest struct {
	PeerUserID string `json:"peerUserId"`
}

type privateChatResponse struct {
	PrivateChat chat.PrivateChatView `json:"privateChat"`
}

type directoryResponse struct {
	Entries []chat.DirectoryEntryView `json:"entries"`
}

func (api *v1API) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if !decodeBody(w, r, &req) {
		return
	}
	room, err := api.svc.CreateRoom(r.Context(), currentUser(r), req.Name, req.Description, storage.CreateRoomOptions{
		Private:        req.IsPrivate,
		Invite:         req.Invite,
		IdempotencyKey: r.Header.Get(idempotencyKeyHeader),
	})
	if err != nil {
		api.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, roomResponse{Room: chat.NewRoomView(room)})
}

func (api *v1API) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := api.svc.GetRoom(r.Context(), mux.Vars(r)["roomId"], currentUser(r))
	if err != nil {
		api.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, roomResponse{Room: chat.NewRoomView(room)})
}

func (api *v1API) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	room, err := api.svc.JoinRoom(r.Context(), mux.Vars(r)["roomId"], currentUser(r))
	if err != nil {
		api.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, roomResponse{Room: chat.NewRoomView(room)})
}

func (api *v1API) handleLeaveRoom(w http.ResponseWriter, r *http.Request) {
	res, err := api.svc.LeaveRoom(r.Context(), mux.Vars(r)["roomId"], currentUser(r))
	if err != nil {
		api.fail(w, r, err)
		return
	}
	resp := leaveRoomResponse{Left: res.Left, Deleted: res.Deleted}
	if !res.Deleted {
		resp.OwnerID = res.Room.OwnerID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *v1API) handleInviteToRoom(w http.ResponseWriter, r *http.Request) {
	var req inviteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	inviteeID := strings.TrimSpace(req.UserID)
	if inviteeID == "" {
		writeAPIError(w, ErrCodeValidation, "userId is required")
		return
	}
	room, err := api.svc.InviteToRoom(r.Context(), mux.Vars(r)["roomId"], currentUser(r), inviteeID)
	if err != nil {
		api.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, roomResponse{Room: chat.NewRoomView(room)})
}

func (api *v1API) handleCreatePrivateChat(w http.ResponseWriter, r *http.Request) {
	var req createPrivateChatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	peerID := strings.TrimSpace(req.PeerUserID)
	if peerID == "" {
		writeAPIError(w, ErrCodeValidation, "peerUserId is required")
		return
	}
	pc, err := api.svc.GetOrCreatePrivateChat(r.Context(), currentUser(r), peerID)
	if err != nil {
		api.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, privateChatResponse{PrivateChat: chat.NewPrivateChatView(pc)})
}

func (api *v1API) handleGetPrivateChat(w http.ResponseWriter, r *http.Request) {
	pc, err := api.svc.GetPrivateChat(r.Context(), mux.Vars(r)["chatId"], currentUser(r))
	if err != nil {
		api.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, privateChatResponse{PrivateChat: chat.NewPrivateChatView(pc)})
}

func (api *v1API) handleListDirectory(w http.ResponseWriter, r *http.Request) {
	entries, err := api.svc.ListDirectory(r.Context(), currentUser(r))
	if err != nil {
		api.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, directoryResponse{Entries: chat.NewDirectoryViews(entries)})
}
