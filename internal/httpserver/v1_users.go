package httpserver

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"chatcore-backend/internal/chat"
	"chatcore-backend/internal/presence"
	"chatcore-backend/internal/storage"
)

type userResponse struct {
	User chat.UserView `json:"user"`
}

type usersResponse struct {
	Users []chat.UserView `json:"users"`
}

type updateMeRequest struct {
	DisplayName *string `json:"displayName,omitempty"`
	PhotoURL    *string `json:"photoUrl,omitempty"`
}

type presenceResponse struct {
	Presence presence.Status `json:"presence"`
}

func (api *v1API) handleGetMe(w http.ResponseWriter, r *http.Request) {
	user, err := api.svc.GetUser(r.Context(), currentUser(r))
	if err != nil {
		api.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse{User: chat.SelfUserView(user)})
}

func (api *v1API) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	var req updateMeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, err := api.svc.UpdateProfile(r.Context(), currentUser(r), storage.ProfileUpdate{
		DisplayName: req.DisplayName,
		PhotoURL:    req.PhotoURL,
	})
	if err != nil {
		api.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse{User: chat.SelfUserView(user)})
}

func (api *v1API) handleSearchUsers(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	limit, ok := queryInt(r, "limit")
	if !ok {
		writeAPIError(w, ErrCodeValidation, "invalid limit")
		return
	}
	users, err := api.svc.SearchUsers(r.Context(), q, int(limit))
	if err != nil {
		api.fail(w, r, err)
		return
	}
	items := make([]chat.UserView, 0, len(users))
	for _, u := range users {
		items = append(items, chat.PublicUserView(u))
	}
	writeJSON(w, http.StatusOK, usersResponse{Users: items})
}

func (api *v1API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	user, err := api.svc.GetUser(r.Context(), userID)
	if err != nil {
		api.fail(w, r, err)
		return
	}
	if user.ID == currentUser(r) {
		writeJSON(w, http.StatusOK, userResponse{User: chat.SelfUserView(user)})
		return
	}
	writeJSON(w, http.StatusOK, userResponse{User: chat.PublicUserView(user)})
}

func (api *v1API) handleGetPresence(w http.ResponseWriter, r *http.Request) {
	st, err := api.svc.Presence(r.Context(), currentUser(r), mux.Vars(r)["userId"])
	if err != nil {
		api.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presenceResponse{Presence: st})
}

func (api *v1API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	st, err := api.presence.Heartbeat(r.Context(), currentUser(r))
	if err != nil {
		api.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presenceResponse{Presence: st})
}

func (api *v1API) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	st, err := api.presence.Disconnect(r.Context(), currentUser(r))
	if err != nil {
		api.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presenceResponse{Presence: st})
}
