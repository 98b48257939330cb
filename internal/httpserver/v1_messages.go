package httpserver

import (
	"net/http"

	"github.com/gorilla/mux"

	"chatcore-backend/internal/chat"
	"chatcore-backend/internal/storage"
)

type mediaRequest struct {
	Kind string `json:"kind"`
	URL  string `json:"url"`
}

type appendMessageRequest struct {
	Text  string        `json:"text"`
	Media *mediaRequest `json:"media,omitempty"`
}

type messageResponse struct {
	Message chat.MessageView `json:"message"`
}

type listMessagesResponse struct {
	Messages []chat.MessageView `json:"messages"`
	HasMore  bool               `json:"hasMore"`
}

func conversationFromPath(r *http.Request) (storage.ConversationRef, error) {
	vars := mux.Vars(r)
	return chat.ParseConversation(vars["kind"], vars["id"])
}

// withSenders fills the sender display snapshot from current profiles.
func (api *v1API) withSenders(r *http.Request, msgs []storage.MessageRow) []chat.MessageView {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.SenderID)
	}
	users, err := api.svc.UserNames(r.Context(), ids)
	if err != nil {
		api.logger.Warn("resolve message senders failed", "error", err)
	}

	out := make([]chat.MessageView, 0, len(msgs))
	for _, m := range msgs {
		v := chat.NewMessageView(m)
		if u, ok := users[m.SenderID]; ok {
			v.SenderName = u.DisplayName
			v.SenderPhotoURL = u.PhotoURL
		}
		out = append(out, v)
	}
	return out
}

func (api *v1API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conv, err := conversationFromPath(r)
	if err != nil {
		api.fail(w, r, err)
		return
	}
	afterSeq, ok := queryInt(r, "afterSeq")
	if !ok {
		writeAPIError(w, ErrCodeValidation, "invalid afterSeq")
		return
	}
	limit, ok := queryInt(r, "limit")
	if !ok {
		writeAPIError(w, ErrCodeValidation, "invalid limit")
		return
	}

	page, err := api.svc.ListMessages(r.Context(), conv, currentUser(r), afterSeq, int(limit))
	if err != nil {
		api.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listMessagesResponse{Messages: api.withSenders(r, page.Messages), HasMore: page.HasMore})
}

func (api *v1API) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	conv, err := conversationFromPath(r)
	if err != nil {
		api.fail(w, r, err)
		return
	}
	var req appendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}

	in := storage.AppendMessageInput{
		Conversation:   conv,
		SenderID:       currentUser(r),
		Text:           req.Text,
		IdempotencyKey: r.Header.Get(idempotencyKeyHeader),
	}
	if req.Media != nil {
		in.Media = &storage.Media{Kind: req.Media.Kind, URL: req.Media.URL}
	}

	msg, err := api.svc.AppendMessage(r.Context(), in)
	if err != nil {
		api.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, messageResponse{Message: api.withSenders(r, []storage.MessageRow{msg})[0]})
}

func (api *v1API) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	conv, err := conversationFromPath(r)
	if err != nil {
		api.fail(w, r, err)
		return
	}
	msg, err := api.svc.MarkRead(r.Context(), conv, mux.Vars(r)["messageId"], currentUser(r))
	if err != nil {
		api.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: api.withSenders(r, []storage.MessageRow{msg})[0]})
}
