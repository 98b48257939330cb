package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chatcore-backend/internal/blob"
	"chatcore-backend/internal/chat"
	"chatcore-backend/internal/fanout"
	"chatcore-backend/internal/identity"
	"chatcore-backend/internal/presence"
	"chatcore-backend/internal/storage"
	"chatcore-backend/internal/ws"
)

type stubReady struct {
	err error
}

func (s stubReady) Ready(ctx context.Context) error { return s.err }

type testServer struct {
	srv      *httptest.Server
	verifier *identity.Verifier
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	store, err := storage.Open(ctx, "sqlite::memory:", logger)
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	uploadDir := t.TempDir()
	blobs, err := blob.NewFSStore(uploadDir, "", 1<<20)
	if err != nil {
		t.Fatalf("blob.NewFSStore() error = %v", err)
	}

	svc := chat.NewService(store, blobs, nil, logger)
	engine := fanout.NewEngine(svc, 0, logger)
	tracker := presence.New(store, engine, time.Minute, time.Second, logger)
	svc.SetPublisher(engine)
	svc.SetPresence(tracker)

	verifier := identity.NewVerifier("test-secret", "")
	manager := ws.NewManager(logger, verifier, svc, engine, tracker, 50)

	handler := NewHandler(logger, HandlerOptions{
		Ready:     store,
		Auth:      verifier,
		Service:   svc,
		Presence:  tracker,
		Blobs:     blobs,
		Stream:    manager.Handler(),
		UploadDir: uploadDir,
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, verifier: verifier}
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := s.verifier.Sign(identity.Identity{UserID: userID, Email: userID + "@example.com", DisplayName: strings.ToUpper(userID)}, time.Hour)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	return tok
}

// do sends body as JSON and decodes the response into out when non-nil.
func (s *testServer) do(t *testing.T, userID, method, path string, body any, out any, headers ...string) int {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("json.Marshal() error = %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, rdr)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+s.token(t, userID))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	res, err := s.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer res.Body.Close()
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatalf("%s %s decode error = %v", method, path, err)
		}
	}
	return res.StatusCode
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)

	res, err := http.Get(s.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
}

func TestReadyz_NotReady(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	handler := NewHandler(logger, HandlerOptions{Ready: stubReady{err: errors.New("db down")}})

	srv := httptest.NewServer(handler)
	defer srv.Close()

	res, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestV1_RequiresBearerToken(t *testing.T) {
	s := newTestServer(t)

	var body apiErrorEnvelope
	if status := s.do(t, "", http.MethodGet, "/v1/me", nil, &body); status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", status, http.StatusUnauthorized)
	}
	if body.Error.Code != string(ErrCodeUnauthenticated) {
		t.Fatalf("code = %q, want %q", body.Error.Code, ErrCodeUnauthenticated)
	}

	req, _ := http.NewRequest(http.MethodGet, s.srv.URL+"/v1/me", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	res, err := s.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET /v1/me error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestMe_CreatedOnFirstAuthentication(t *testing.T) {
	s := newTestServer(t)

	var me userResponse
	if status := s.do(t, "u1", http.MethodGet, "/v1/me", nil, &me); status != http.StatusOK {
		t.Fatalf("GET /v1/me status = %d", status)
	}
	if me.User.ID != "u1" || me.User.DisplayName != "U1" || me.User.Email != "u1@example.com" {
		t.Fatalf("me = %+v", me.User)
	}

	name := "Una"
	if status := s.do(t, "u1", http.MethodPatch, "/v1/me", updateMeRequest{DisplayName: &name}, &me); status != http.StatusOK {
		t.Fatalf("PATCH /v1/me status = %d", status)
	}
	if me.User.DisplayName != "Una" {
		t.Fatalf("displayName = %q, want Una", me.User.DisplayName)
	}

	var found usersResponse
	s.do(t, "u2", http.MethodGet, "/v1/users?q=un", nil, &found)
	if len(found.Users) != 1 || found.Users[0].ID != "u1" || found.Users[0].Email != "" {
		t.Fatalf("search = %+v, want u1 without email", found.Users)
	}
}

func TestFriendsRoomAndMessages_HappyPath(t *testing.T) {
	s := newTestServer(t)

	var sent friendRequestResponse
	if status := s.do(t, "u1", http.MethodPost, "/v1/friend-requests", sendFriendRequestRequest{ReceiverID: "u2"}, nil); status != http.StatusNotFound {
		t.Fatalf("request to unknown user status = %d, want %d", status, http.StatusNotFound)
	}
	s.do(t, "u2", http.MethodGet, "/v1/me", nil, nil)

	if status := s.do(t, "u1", http.MethodPost, "/v1/friend-requests", sendFriendRequestRequest{ReceiverID: "u2"}, &sent); status != http.StatusCreated {
		t.Fatalf("send status = %d, want %d", status, http.StatusCreated)
	}
	var dup apiErrorEnvelope
	if status := s.do(t, "u2", http.MethodPost, "/v1/friend-requests", sendFriendRequestRequest{ReceiverID: "u1"}, &dup); status != http.StatusConflict {
		t.Fatalf("reverse send status = %d, want %d", status, http.StatusConflict)
	}
	if dup.Error.Message != "conflict" {
		t.Fatalf("message = %q, want category text only", dup.Error.Message)
	}

	if status := s.do(t, "u1", http.MethodPost, "/v1/friend-requests/"+sent.Request.ID+"/accept", nil, nil); status != http.StatusForbidden {
		t.Fatalf("sender accept status = %d, want %d", status, http.StatusForbidden)
	}
	var accepted friendRequestResponse
	if status := s.do(t, "u2", http.MethodPost, "/v1/friend-requests/"+sent.Request.ID+"/accept", nil, &accepted); status != http.StatusOK {
		t.Fatalf("accept status = %d", status)
	}
	if accepted.Request.Status != storage.FriendRequestStatusAccepted {
		t.Fatalf("status = %q, want accepted", accepted.Request.Status)
	}

	var friends listFriendsResponse
	s.do(t, "u1", http.MethodGet, "/v1/friends", nil, &friends)
	if len(friends.Friends) != 1 || friends.Friends[0].ID != "u2" {
		t.Fatalf("friends = %+v", friends.Friends)
	}

	var room roomResponse
	status := s.do(t, "u1", http.MethodPost, "/v1/rooms", createRoomRequest{Name: "Team", Invite: []string{"u2"}}, &room)
	if status != http.StatusCreated {
		t.Fatalf("create room status = %d", status)
	}
	if status := s.do(t, "u2", http.MethodPost, "/v1/rooms/"+room.Room.ID+"/join", nil, &room); status != http.StatusOK {
		t.Fatalf("join status = %d", status)
	}
	if len(room.Room.Members) != 2 {
		t.Fatalf("members = %v", room.Room.Members)
	}

	wsURL := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/v1/ws?token=" + s.token(t, "u1")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	sub, _ := json.Marshal(ws.ClientFrame{Type: ws.FrameSubscribe, ID: "1", Topic: fanout.RoomTopic(room.Room.ID)})
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		t.Fatalf("write error = %v", err)
	}
	readFrame(t, conn, ws.FrameSubscribed)
	readFrame(t, conn, ws.FrameEvent)

	msgPath := "/v1/conversations/rooms/" + room.Room.ID + "/messages"
	var posted messageResponse
	if status := s.do(t, "u2", http.MethodPost, msgPath, appendMessageRequest{Text: "hi"}, &posted); status != http.StatusCreated {
		t.Fatalf("post message status = %d", status)
	}
	if posted.Message.Seq != 1 || posted.Message.SenderName != "U2" {
		t.Fatalf("message = %+v", posted.Message)
	}

	ev := readFrame(t, conn, ws.FrameEvent)
	if ev.Event == nil || ev.Event.Type != fanout.EventMessageCreated || ev.Event.Seq != 1 {
		t.Fatalf("event = %+v, want message.created seq 1", ev.Event)
	}

	var read messageResponse
	if status := s.do(t, "u1", http.MethodPost, msgPath+"/"+posted.Message.ID+"/read", nil, &read); status != http.StatusOK {
		t.Fatalf("read status = %d", status)
	}
	if len(read.Message.ReadBy) != 2 {
		t.Fatalf("readBy = %v, want both users", read.Message.ReadBy)
	}

	var page listMessagesResponse
	s.do(t, "u1", http.MethodGet, msgPath+"?afterSeq=0&limit=10", nil, &page)
	if len(page.Messages) != 1 || page.HasMore || page.Messages[0].Text != "hi" {
		t.Fatalf("page = %+v", page)
	}

	if status := s.do(t, "u3", http.MethodPost, msgPath, appendMessageRequest{Text: "intruder"}, nil); status != http.StatusForbidden {
		t.Fatalf("non-member post status = %d, want %d", status, http.StatusForbidden)
	}

	var dir directoryResponse
	s.do(t, "u2", http.MethodGet, "/v1/directory", nil, &dir)
	if len(dir.Entries) != 1 || dir.Entries[0].LastMessage == nil || dir.Entries[0].LastMessage.Text != "hi" {
		t.Fatalf("directory = %+v", dir.Entries)
	}

	var pc privateChatResponse
	if status := s.do(t, "u2", http.MethodPost, "/v1/private-chats", createPrivateChatRequest{PeerUserID: "u1"}, &pc); status != http.StatusOK {
		t.Fatalf("private chat status = %d", status)
	}
	var again privateChatResponse
	s.do(t, "u1", http.MethodPost, "/v1/private-chats", createPrivateChatRequest{PeerUserID: "u2"}, &again)
	if again.PrivateChat.ID != pc.PrivateChat.ID {
		t.Fatalf("private chat ids differ: %q vs %q", again.PrivateChat.ID, pc.PrivateChat.ID)
	}

	var pres presenceResponse
	if status := s.do(t, "u2", http.MethodGet, "/v1/users/u1/presence", nil, &pres); status != http.StatusOK {
		t.Fatalf("presence status = %d", status)
	}
	if !pres.Presence.Online {
		t.Fatalf("u1 should be online while connected")
	}
	if status := s.do(t, "u3", http.MethodGet, "/v1/users/u1/presence", nil, nil); status != http.StatusForbidden {
		t.Fatalf("stranger presence status = %d, want %d", status, http.StatusForbidden)
	}

	var left leaveRoomResponse
	s.do(t, "u1", http.MethodPost, "/v1/rooms/"+room.Room.ID+"/leave", nil, &left)
	if !left.Left || left.Deleted || left.OwnerID != "u2" {
		t.Fatalf("leave = %+v, want ownership moved to u2", left)
	}
}

func TestCreateRoom_IdempotencyKeyReturnsOriginal(t *testing.T) {
	s := newTestServer(t)

	var first, second roomResponse
	s.do(t, "u1", http.MethodPost, "/v1/rooms", createRoomRequest{Name: "Once"}, &first, idempotencyKeyHeader, "k-1")
	s.do(t, "u1", http.MethodPost, "/v1/rooms", createRoomRequest{Name: "Once"}, &second, idempotencyKeyHeader, "k-1")
	if first.Room.ID == "" || first.Room.ID != second.Room.ID {
		t.Fatalf("room ids = %q, %q; want the same id", first.Room.ID, second.Room.ID)
	}

	var bad apiErrorEnvelope
	if status := s.do(t, "u1", http.MethodPost, "/v1/rooms", createRoomRequest{Name: ""}, &bad); status != http.StatusBadRequest {
		t.Fatalf("empty name status = %d, want %d", status, http.StatusBadRequest)
	}
	if bad.Error.Code != string(ErrCodeValidation) {
		t.Fatalf("code = %q", bad.Error.Code)
	}

	var missing apiErrorEnvelope
	if status := s.do(t, "u1", http.MethodGet, "/v1/rooms/nope", nil, &missing); status != http.StatusNotFound {
		t.Fatalf("missing room status = %d, want %d", status, http.StatusNotFound)
	}
	if missing.Error.Message != "not found" {
		t.Fatalf("message = %q", missing.Error.Message)
	}
}

func TestUpload_ThenReferenceFromMessage(t *testing.T) {
	s := newTestServer(t)

	var room roomResponse
	s.do(t, "u1", http.MethodPost, "/v1/rooms", createRoomRequest{Name: "Pics"}, &room)

	png := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 64)...)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "cat.png")
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	_, _ = fw.Write(png)
	_ = mw.Close()

	req, _ := http.NewRequest(http.MethodPost, s.srv.URL+"/v1/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+s.token(t, "u1"))
	res, err := s.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("POST /v1/upload error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var up uploadResponse
	if err := json.NewDecoder(res.Body).Decode(&up); err != nil {
		t.Fatalf("decode upload error = %v", err)
	}
	if !strings.HasPrefix(up.URL, blob.PathPrefix) || up.MediaKind != storage.MediaKindImage {
		t.Fatalf("upload = %+v", up)
	}

	get, err := http.Get(s.srv.URL + up.URL)
	if err != nil {
		t.Fatalf("GET %s error = %v", up.URL, err)
	}
	get.Body.Close()
	if get.StatusCode != http.StatusOK {
		t.Fatalf("GET %s status = %d", up.URL, get.StatusCode)
	}

	msgPath := "/v1/conversations/rooms/" + room.Room.ID + "/messages"
	var posted messageResponse
	status := s.do(t, "u1", http.MethodPost, msgPath, appendMessageRequest{Media: &mediaRequest{Kind: storage.MediaKindImage, URL: up.URL}}, &posted)
	if status != http.StatusCreated {
		t.Fatalf("media message status = %d", status)
	}
	if posted.Message.Media == nil || posted.Message.Media.URL != up.URL {
		t.Fatalf("message media = %+v", posted.Message.Media)
	}

	status = s.do(t, "u1", http.MethodPost, msgPath, appendMessageRequest{Media: &mediaRequest{Kind: storage.MediaKindImage, URL: "/uploads/missing.png"}}, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("dangling media status = %d, want %d", status, http.StatusBadRequest)
	}
}

func readFrame(t *testing.T, c *websocket.Conn, wantType string) ws.ServerFrame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ws ReadMessage() error = %v", err)
	}
	var f ws.ServerFrame
	if err := json.Unmarshal(msg, &f); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if f.Type != wantType {
		t.Fatalf("frame type = %q, want %q (%s)", f.Type, wantType, msg)
	}
	return f
}

func TestRequestID_EchoedOrGenerated(t *testing.T) {
	s := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, s.srv.URL+"/healthz", nil)
	req.Header.Set(requestIDHeader, "trace-123")
	res, err := s.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	res.Body.Close()
	if got := res.Header.Get(requestIDHeader); got != "trace-123" {
		t.Fatalf("%s = %q, want trace-123", requestIDHeader, got)
	}

	res, err = http.Get(s.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	res.Body.Close()
	if res.Header.Get(requestIDHeader) == "" {
		t.Fatalf("expected a generated request id")
	}
}

func TestCORS_PreflightSkipsAuth(t *testing.T) {
	s := newTestServer(t)

	req, _ := http.NewRequest(http.MethodOptions, s.srv.URL+"/v1/rooms", nil)
	res, err := s.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /v1/rooms error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
	if !strings.Contains(res.Header.Get("Access-Control-Allow-Headers"), idempotencyKeyHeader) {
		t.Fatalf("allow headers = %q", res.Header.Get("Access-Control-Allow-Headers"))
	}
}
