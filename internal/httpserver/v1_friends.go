package httpserver

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"chatcore-backend/internal/chat"
	"chatcore-backend/internal/storage"
)

type sendFriendRequestRequest struct {
	ReceiverID string `json:"receiverId"`
}

type friendRequestResponse struct {
	Request chat.FriendRequestView `json:"request"`
}

type listFriendRequestsResponse struct {
	Requests []chat.FriendRequestView `json:"requests"`
}

type listFriendsResponse struct {
	Friends []chat.UserView `json:"friends"`
}

func (api *v1API) handleSendFriendRequest(w http.ResponseWriter, r *http.Request) {
	var req sendFriendRequestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	receiverID := strings.TrimSpace(req.ReceiverID)
	if receiverID == "" {
		writeAPIError(w, ErrCodeValidation, "receiverId is required")
		return
	}

	fr, err := api.svc.SendFriendRequest(r.Context(), currentUser(r), receiverID, r.Header.Get(idempotencyKeyHeader))
	if err != nil {
		api.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, friendRequestResponse{Request: chat.NewFriendRequestView(fr)})
}

func (api *v1API) handleListFriendRequests(w http.ResponseWriter, r *http.Request) {
	box := strings.TrimSpace(r.URL.Query().Get("box"))
	if box == "" {
		box = "all"
	}
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	switch status {
	case "":
		status = storage.FriendRequestStatusPending
	case "any":
		status = ""
	}

	reqs, err := api.svc.ListFriendRequests(r.Context(), currentUser(r), box, status)
	if err != nil {
		api.fail(w, r, err)
		return
	}
	items := make([]chat.FriendRequestView, 0, len(reqs))
	for _, fr := range reqs {
		items = append(items, chat.NewFriendRequestView(fr))
	}
	writeJSON(w, http.StatusOK, listFriendRequestsResponse{Requests: items})
}

func (api *v1API) handleGetFriendRequest(w http.ResponseWriter, r *http.Request) {
	fr, err := api.svc.GetFriendRequest(r.Context(), mux.Vars(r)["requestId"], currentUser(r))
	if err != nil {
		api.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, friendRequestResponse{Request: chat.NewFriendRequestView(fr)})
}

func (api *v1API) handleFriendRequestAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	requestID, userID := vars["requestId"], currentUser(r)

	var (
		fr  storage.FriendRequestRow
		err error
	)
	switch vars["action"] {
	case "accept":
		fr, err = api.svc.AcceptFriendRequest(r.Context(), requestID, userID)
	case "reject":
		fr, err = api.svc.RejectFriendRequest(r.Context(), requestID, userID)
	case "cancel":
		fr, err = api.svc.CancelFriendRequest(r.Context(), requestID, userID)
	default:
		writeAPIError(w, ErrCodeNotFound, "not found")
		return
	}
	if err != nil {
		api.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, friendRequestResponse{Request: chat.NewFriendRequestView(fr)})
}

func (api *v1API) handleListFriends(w http.ResponseWriter, r *http.Request) {
	friends, err := api.svc.ListFriends(r.Context(), currentUser(r))
	if err != nil {
		api.fail(w, r, err)
		return
	}
	items := make([]chat.UserView, 0, len(friends))
	for _, u := range friends {
		items = append(items, chat.PublicUserView(u))
	}
	writeJSON(w, http.StatusOK, listFriendsResponse{Friends: items})
}

func (api *v1API) handleRemoveFriend(w http.ResponseWriter, r *http.Request) {
	if err := api.svc.RemoveFriend(r.Context(), currentUser(r), mux.Vars(r)["userId"]); err != nil {
		api.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
