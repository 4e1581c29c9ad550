package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"chatrelay/internal/auth"
	"chatrelay/internal/config"
	"chatrelay/internal/metrics"
	"chatrelay/internal/models"
	"chatrelay/internal/relay"
	"chatrelay/internal/service/account"
	"chatrelay/internal/service/chat"
	"chatrelay/internal/storage"
)

const testPassword = "pass1234"

type replyOracle struct {
	reply string
	err   error
}

func (o *replyOracle) Generate(ctx context.Context, history []*models.Message) (string, error) {
	if o.err != nil {
		return "", o.err
	}
	return o.reply, nil
}

func (o *replyOracle) Stream(ctx context.Context, history []*models.Message, onChunk func(string) error) (string, error) {
	reply, err := o.Generate(ctx, history)
	if err != nil {
		return "", err
	}
	_ = onChunk(reply)
	return reply, nil
}

// syncBuffer collects access log lines written from server goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testServer struct {
	router    *gin.Engine
	url       string
	accounts  *account.Service
	metrics   *metrics.Metrics
	accessLog *syncBuffer
}

func newTestServer(t *testing.T, o *replyOracle) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	m := metrics.New()
	accounts := account.NewService(db)
	authSvc := auth.NewService(
		auth.NewTokenService("test-secret", time.Hour),
		auth.NewMemoryRevocations(time.Hour),
		accounts,
		auth.Options{OnFailure: m.AuthFailure},
	)
	chats := chat.NewService(db)
	hub := relay.NewHub(relay.New(chats, o, relay.Options{Metrics: m}), relay.HubOptions{Metrics: m})
	handler := NewHandler(accounts, chats, authSvc, hub, m)

	accessLog := &syncBuffer{}
	router := gin.New()
	router.Use(AccessLog(accessLog))
	handler.RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{router: router, url: srv.URL, accounts: accounts, metrics: m, accessLog: accessLog}
}

func (s *testServer) seedUser(t *testing.T, name string) *models.User {
	t.Helper()
	user, err := s.accounts.CreateUser(context.Background(), account.NewUser{
		Username: name,
		Email:    name + "@example.com",
		Password: testPassword,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

func (s *testServer) login(t *testing.T, name string) (string, *httptest.ResponseRecorder) {
	t.Helper()
	rec := doJSONRequest(t, s.router, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    name + "@example.com",
		"password": testPassword,
	}, nil)
	assertStatus(t, rec, http.StatusOK)
	var body struct {
		Token string       `json:"token"`
		User  *models.User `json:"user"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.Token == "" || body.User == nil || body.User.Email != name+"@example.com" {
		t.Fatalf("unexpected login body: %s", rec.Body.String())
	}
	return body.Token, rec
}

func (s *testServer) dialSocket(t *testing.T, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.url, "http")+"/ws", header)
	if ws != nil {
		t.Cleanup(func() { ws.Close() })
	}
	return ws, resp, err
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func createChat(t *testing.T, router *gin.Engine, token, title string) *models.Thread {
	t.Helper()
	rec := doJSONRequest(t, router, http.MethodPost, "/api/chats", map[string]string{"title": title}, bearer(token))
	assertStatus(t, rec, http.StatusCreated)
	var body struct {
		Chat *models.Thread `json:"chat"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.Chat == nil || body.Chat.ID <= 0 {
		t.Fatalf("expected created chat, got %s", rec.Body.String())
	}
	return body.Chat
}

func TestHandlersEndToEndFlow(t *testing.T) {
	s := newTestServer(t, &replyOracle{reply: "hi there"})
	s.seedUser(t, "alice")
	token, _ := s.login(t, "alice")

	thread := createChat(t, s.router, token, "Demo")
	if thread.Title != "Demo" {
		t.Fatalf("unexpected title %q", thread.Title)
	}

	ws, _, err := s.dialSocket(t, token)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	data, _ := json.Marshal(relay.Utterance{Chat: relay.ChatID(thread.ID), Text: "hello", ClientID: "tmp-1"})
	if err := ws.WriteJSON(relay.Envelope{Event: relay.EventMessage, Data: data}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var env relay.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Event != relay.EventResponse {
		t.Fatalf("expected ai-response, got %s %s", env.Event, env.Data)
	}
	var resp relay.Response
	decodeJSON(t, env.Data, &resp)
	if resp.Text != "hi there" || resp.Chat != thread.ID || resp.ClientID != "tmp-1" || resp.ID <= 0 {
		t.Fatalf("unexpected response %+v", resp)
	}

	rec := doJSONRequest(t, s.router, http.MethodGet, fmt.Sprintf("/api/chats/%d/messages", thread.ID), nil, bearer(token))
	assertStatus(t, rec, http.StatusOK)
	var history struct {
		Chat     *models.Thread    `json:"chat"`
		Messages []*models.Message `json:"messages"`
	}
	decodeJSON(t, rec.Body.Bytes(), &history)
	if len(history.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(history.Messages))
	}
	if m := history.Messages[0]; m.Role != models.RoleUser || m.Text != "hello" {
		t.Fatalf("unexpected first message %+v", m)
	}
	if m := history.Messages[1]; m.Role != models.RoleAssistant || m.Text != "hi there" || m.ID != resp.ID {
		t.Fatalf("unexpected second message %+v", m)
	}

	rec = doJSONRequest(t, s.router, http.MethodGet, "/api/chats", nil, bearer(token))
	assertStatus(t, rec, http.StatusOK)
	var list struct {
		Chats []models.Thread `json:"chats"`
	}
	decodeJSON(t, rec.Body.Bytes(), &list)
	if len(list.Chats) != 1 || list.Chats[0].ID != thread.ID {
		t.Fatalf("unexpected chat list %s", rec.Body.String())
	}
}

func TestSocketOracleFailureKeepsUserMessage(t *testing.T) {
	s := newTestServer(t, &replyOracle{err: errors.New("backend down")})
	s.seedUser(t, "alice")
	token, _ := s.login(t, "alice")
	thread := createChat(t, s.router, token, "Demo")

	ws, _, err := s.dialSocket(t, token)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	data, _ := json.Marshal(relay.Utterance{Chat: relay.ChatID(thread.ID), Text: "hello"})
	if err := ws.WriteJSON(relay.Envelope{Event: relay.EventMessage, Data: data}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var env relay.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Event != relay.EventError {
		t.Fatalf("expected ai-error, got %s", env.Event)
	}

	rec := doJSONRequest(t, s.router, http.MethodGet, fmt.Sprintf("/api/chats/%d/messages", thread.ID), nil, bearer(token))
	assertStatus(t, rec, http.StatusOK)
	var history struct {
		Messages []*models.Message `json:"messages"`
	}
	decodeJSON(t, rec.Body.Bytes(), &history)
	if len(history.Messages) != 1 || history.Messages[0].Role != models.RoleUser {
		t.Fatalf("expected only the user message, got %s", rec.Body.String())
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	s := newTestServer(t, &replyOracle{})
	s.seedUser(t, "alice")

	rec := doJSONRequest(t, s.router, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    "alice@example.com",
		"password": "wrong-password",
	}, nil)
	assertStatus(t, rec, http.StatusUnauthorized)

	rec = doJSONRequest(t, s.router, http.MethodPost, "/api/auth/login", map[string]string{
		"email": "alice@example.com",
	}, nil)
	assertStatus(t, rec, http.StatusBadRequest)
}

func TestRoutesRequireToken(t *testing.T) {
	s := newTestServer(t, &replyOracle{})

	assertStatus(t, doJSONRequest(t, s.router, http.MethodGet, "/api/chats", nil, nil), http.StatusUnauthorized)
	assertStatus(t, doJSONRequest(t, s.router, http.MethodPost, "/api/chats", map[string]string{"title": "Demo"}, nil), http.StatusUnauthorized)
	assertStatus(t, doJSONRequest(t, s.router, http.MethodGet, "/api/chats", nil, bearer("not-a-jwt")), http.StatusUnauthorized)

	_, resp, err := s.dialSocket(t, "")
	if err == nil {
		t.Fatalf("expected handshake to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake, got %+v", resp)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	s := newTestServer(t, &replyOracle{})
	s.seedUser(t, "alice")
	token, _ := s.login(t, "alice")
	assertStatus(t, doJSONRequest(t, s.router, http.MethodGet, "/api/chats", nil, bearer(token)), http.StatusOK)

	rec := doJSONRequest(t, s.router, http.MethodPost, "/api/auth/logout", nil, bearer(token))
	assertStatus(t, rec, http.StatusOK)
	cleared := false
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == "token" && ck.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatalf("expected auth cookie to be cleared")
	}

	assertStatus(t, doJSONRequest(t, s.router, http.MethodGet, "/api/chats", nil, bearer(token)), http.StatusUnauthorized)
	_, resp, err := s.dialSocket(t, token)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected revoked token to be refused at handshake, err=%v resp=%+v", err, resp)
	}

	// logging out again, or without any token, still succeeds
	assertStatus(t, doJSONRequest(t, s.router, http.MethodPost, "/api/auth/logout", nil, bearer(token)), http.StatusOK)
	assertStatus(t, doJSONRequest(t, s.router, http.MethodPost, "/api/auth/logout", nil, nil), http.StatusOK)
}

func TestCreateChatValidation(t *testing.T) {
	s := newTestServer(t, &replyOracle{})
	s.seedUser(t, "alice")
	token, _ := s.login(t, "alice")

	rec := doJSONRequest(t, s.router, http.MethodPost, "/api/chats", map[string]string{"title": "ab"}, bearer(token))
	assertStatus(t, rec, http.StatusUnprocessableEntity)
	var body struct {
		Errors []struct {
			Field   string `json:"field"`
			Message string `json:"message"`
		} `json:"errors"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if len(body.Errors) != 1 || body.Errors[0].Field != "title" || body.Errors[0].Message == "" {
		t.Fatalf("unexpected validation body %s", rec.Body.String())
	}

	thread := createChat(t, s.router, token, "   ")
	if thread.Title != chat.DefaultTitle {
		t.Fatalf("expected default title, got %q", thread.Title)
	}

	// a body that does not decode is a title error too
	rec = doJSONRequest(t, s.router, http.MethodPost, "/api/chats", map[string]any{"title": 5}, bearer(token))
	assertStatus(t, rec, http.StatusUnprocessableEntity)
	body.Errors = nil
	decodeJSON(t, rec.Body.Bytes(), &body)
	if len(body.Errors) != 1 || body.Errors[0].Field != "title" {
		t.Fatalf("unexpected body for non-string title %s", rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/api/chats", strings.NewReader(`{"title":`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusUnprocessableEntity)
	body.Errors = nil
	decodeJSON(t, rec.Body.Bytes(), &body)
	if len(body.Errors) != 1 || body.Errors[0].Field != "title" {
		t.Fatalf("unexpected body for truncated json %s", rec.Body.String())
	}
}

func TestListChatsEmpty(t *testing.T) {
	s := newTestServer(t, &replyOracle{})
	s.seedUser(t, "alice")
	token, _ := s.login(t, "alice")

	rec := doJSONRequest(t, s.router, http.MethodGet, "/api/chats", nil, bearer(token))
	assertStatus(t, rec, http.StatusOK)
	if got := strings.TrimSpace(rec.Body.String()); got != `{"chats":[]}` {
		t.Fatalf("expected empty list, got %s", got)
	}
}

func TestDeleteChatScopedToOwner(t *testing.T) {
	s := newTestServer(t, &replyOracle{})
	s.seedUser(t, "alice")
	s.seedUser(t, "bob")
	aliceToken, _ := s.login(t, "alice")
	bobToken, _ := s.login(t, "bob")
	thread := createChat(t, s.router, aliceToken, "Demo")
	path := fmt.Sprintf("/api/chats/%d", thread.ID)

	assertStatus(t, doJSONRequest(t, s.router, http.MethodDelete, path, nil, bearer(bobToken)), http.StatusNotFound)
	assertStatus(t, doJSONRequest(t, s.router, http.MethodGet, path+"/messages", nil, bearer(bobToken)), http.StatusNotFound)
	assertStatus(t, doJSONRequest(t, s.router, http.MethodDelete, "/api/chats/abc", nil, bearer(aliceToken)), http.StatusNotFound)
	assertStatus(t, doJSONRequest(t, s.router, http.MethodDelete, "/api/chats/999", nil, bearer(aliceToken)), http.StatusNotFound)

	rec := doJSONRequest(t, s.router, http.MethodDelete, path, nil, bearer(aliceToken))
	assertStatus(t, rec, http.StatusOK)
	var body struct {
		Message string `json:"message"`
		ChatID  int64  `json:"chatId"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.ChatID != thread.ID || body.Message != "Chat deleted successfully" {
		t.Fatalf("unexpected delete body %s", rec.Body.String())
	}
	assertStatus(t, doJSONRequest(t, s.router, http.MethodDelete, path, nil, bearer(aliceToken)), http.StatusNotFound)
}

func TestCookieAuthRequiresCSRF(t *testing.T) {
	s := newTestServer(t, &replyOracle{})
	s.seedUser(t, "alice")
	_, loginRec := s.login(t, "alice")

	var authCookie, csrfCookie *http.Cookie
	for _, ck := range loginRec.Result().Cookies() {
		switch ck.Name {
		case "token":
			authCookie = ck
		case "csrf_token":
			csrfCookie = ck
		}
	}
	if authCookie == nil || csrfCookie == nil || !authCookie.HttpOnly {
		t.Fatalf("expected httpOnly token cookie and csrf cookie")
	}
	cookies := fmt.Sprintf("%s=%s; %s=%s", authCookie.Name, authCookie.Value, csrfCookie.Name, csrfCookie.Value)

	// reads need no csrf header
	assertStatus(t, doJSONRequest(t, s.router, http.MethodGet, "/api/chats", nil, map[string]string{"Cookie": cookies}), http.StatusOK)
	assertStatus(t, doJSONRequest(t, s.router, http.MethodPost, "/api/chats", map[string]string{"title": "Demo"},
		map[string]string{"Cookie": cookies}), http.StatusForbidden)
	assertStatus(t, doJSONRequest(t, s.router, http.MethodPost, "/api/chats", map[string]string{"title": "Demo"},
		map[string]string{"Cookie": cookies, "X-CSRF-Token": csrfCookie.Value}), http.StatusCreated)
}

func TestCookieLogoutRequiresCSRF(t *testing.T) {
	s := newTestServer(t, &replyOracle{})
	s.seedUser(t, "alice")
	token, loginRec := s.login(t, "alice")

	var csrf string
	for _, ck := range loginRec.Result().Cookies() {
		if ck.Name == "csrf_token" {
			csrf = ck.Value
		}
	}
	if csrf == "" {
		t.Fatalf("expected csrf cookie on login")
	}
	cookies := fmt.Sprintf("token=%s; csrf_token=%s", token, csrf)

	rec := doJSONRequest(t, s.router, http.MethodPost, "/api/auth/logout", nil, map[string]string{"Cookie": cookies})
	assertStatus(t, rec, http.StatusForbidden)
	assertStatus(t, doJSONRequest(t, s.router, http.MethodGet, "/api/chats", nil, bearer(token)), http.StatusOK)

	rec = doJSONRequest(t, s.router, http.MethodPost, "/api/auth/logout", nil,
		map[string]string{"Cookie": cookies, "X-CSRF-Token": csrf})
	assertStatus(t, rec, http.StatusOK)
	assertStatus(t, doJSONRequest(t, s.router, http.MethodGet, "/api/chats", nil, bearer(token)), http.StatusUnauthorized)
}

func TestAccessLogOmitsQueryToken(t *testing.T) {
	s := newTestServer(t, &replyOracle{})
	s.seedUser(t, "alice")
	token, _ := s.login(t, "alice")
	wsURL := "ws" + strings.TrimPrefix(s.url, "http") + "/ws"

	ws, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial with query token: %v", err)
	}
	ws.Close()

	const bogus = "not-a-real-token-value"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token="+bogus, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected bogus token to be refused, err=%v resp=%+v", err, resp)
	}

	deadline := time.Now().Add(3 * time.Second)
	for strings.Count(s.accessLog.String(), `"/ws"`) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("socket requests not logged:\n%s", s.accessLog.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
	logged := s.accessLog.String()
	if strings.Contains(logged, token) || strings.Contains(logged, bogus) || strings.Contains(logged, "token=") {
		t.Fatalf("access log leaked the query token:\n%s", logged)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, &replyOracle{})
	rec := doJSONRequest(t, s.router, http.MethodGet, "/healthz", nil, nil)
	assertStatus(t, rec, http.StatusOK)

	assertStatus(t, doJSONRequest(t, s.router, http.MethodGet, "/api/chats", nil, nil), http.StatusUnauthorized)

	resp, err := http.Get(s.url + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `chatrelay_auth_failures_total{kind="no_token"} 1`) {
		t.Fatalf("auth failure not counted:\n%s", body)
	}
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}
