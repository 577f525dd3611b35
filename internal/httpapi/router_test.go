package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/okothh/gemchat/internal/auth"
	"github.com/okothh/gemchat/internal/chat"
	"github.com/okothh/gemchat/internal/config"
	"github.com/okothh/gemchat/internal/models"
	"github.com/okothh/gemchat/internal/store/redisstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// geminiStub answers generateContent calls with a fixed reply.
func geminiStub(reply string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{
					"role":  "model",
					"parts": []map[string]any{{"text": reply}},
				}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// fakePublisher records published job ids instead of talking to a broker.
type fakePublisher struct {
	published []string
	err       error
}

func (f *fakePublisher) PublishJob(ctx context.Context, jobID string) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, jobID)
	return nil
}

type testEnv struct {
	router *gin.Engine
	db     *gorm.DB
	token  string
	userID uint64
	pub    *fakePublisher
}

func newTestEnv(t *testing.T, upstream http.HandlerFunc) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.User{}, &chat.Session{}, &chat.Message{}, &chat.TurnJob{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	cfg := config.Config{
		JWTSecret:     "test-secret",
		AIProvider:    "gemini",
		AITimeout:     5 * time.Second,
		GeminiAPIKey:  "test-key",
		GeminiModel:   "gemini-2.5-flash",
		GeminiBaseURL: srv.URL,
	}

	// the chat endpoints never touch redis; a disconnected store is fine
	rds := redisstore.New("127.0.0.1:1", "", 0)
	pub := &fakePublisher{}
	router := NewRouter(db, cfg, zap.NewNop(), rds, pub)

	user := models.User{Email: "a@example.com", Username: "testeruser1", PasswordHash: "x"}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	token, err := auth.SignJWT(user.ID, cfg.JWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}

	return &testEnv{router: router, db: db, token: token, userID: user.ID, pub: pub}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.token)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return out
}

func TestSendMessage_NewConversation(t *testing.T) {
	env := newTestEnv(t, geminiStub("Habari!"))

	w := env.do(t, http.MethodPost, "/chat/messages", `{"message":"Hello"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["message"] != "Habari!" {
		t.Fatalf("message = %v", body["message"])
	}
	sid, _ := body["session_id"].(string)
	if sid == "" {
		t.Fatalf("missing session_id in %v", body)
	}

	var msgs []chat.Message
	if err := env.db.Where("session_id = ?", sid).Order("created_at ASC, id ASC").Find(&msgs).Error; err != nil {
		t.Fatalf("query messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if !msgs[0].IsFromUser || msgs[0].Content != "Hello" {
		t.Fatalf("user msg = %+v", msgs[0])
	}
	if msgs[1].IsFromUser {
		t.Fatalf("second msg should be the AI reply: %+v", msgs[1])
	}
}

func TestSendMessage_EmptyMessage(t *testing.T) {
	env := newTestEnv(t, geminiStub("unused"))

	w := env.do(t, http.MethodPost, "/chat/messages", `{"message":""}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decodeBody(t, w); body["error"] != "Empty message received." {
		t.Fatalf("body = %v", body)
	}

	var count int64
	env.db.Model(&chat.Message{}).Count(&count)
	if count != 0 {
		t.Fatalf("empty message must not write, got %d messages", count)
	}
}

func TestSendMessage_InvalidJSON(t *testing.T) {
	env := newTestEnv(t, geminiStub("unused"))

	w := env.do(t, http.MethodPost, "/chat/messages", `{"message":`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decodeBody(t, w); body["error"] != "Invalid JSON in request." {
		t.Fatalf("body = %v", body)
	}
}

func TestSendMessage_ForeignSession(t *testing.T) {
	env := newTestEnv(t, geminiStub("unused"))

	foreign := &chat.Session{SessionID: "01HX0000000000000000000042", UserID: env.userID + 1, Title: "other"}
	if err := env.db.Create(foreign).Error; err != nil {
		t.Fatalf("create foreign session: %v", err)
	}

	w := env.do(t, http.MethodPost, "/chat/messages",
		`{"message":"Hi","session_id":"01HX0000000000000000000042"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["error"] != "Chat session not found." {
		t.Fatalf("body = %v", body)
	}

	var count int64
	env.db.Model(&chat.Message{}).Count(&count)
	if count != 0 {
		t.Fatalf("foreign session attempt must not write, got %d messages", count)
	}
}

func TestSendMessage_MethodNotAllowedQuirk(t *testing.T) {
	env := newTestEnv(t, geminiStub("unused"))

	w := env.do(t, http.MethodGet, "/chat/messages", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	// legacy body: message key, not error key
	if body := decodeBody(t, w); body["message"] != "Invalid request" {
		t.Fatalf("body = %v", body)
	}
}

func TestSendMessage_UpstreamFailureStillSucceeds(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"backend exploded"}}`, http.StatusInternalServerError)
	})

	w := env.do(t, http.MethodPost, "/chat/messages", `{"message":"Hello"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	reply, _ := body["message"].(string)
	if !strings.Contains(reply, "Sorry, I couldn't process your request") {
		t.Fatalf("reply = %q, want an apology", reply)
	}

	var count int64
	env.db.Model(&chat.Message{}).Where("is_from_user = ?", false).Count(&count)
	if count != 1 {
		t.Fatalf("got %d AI messages, want exactly 1", count)
	}
}

func TestChatView_UnresolvableSessionDegrades(t *testing.T) {
	env := newTestEnv(t, geminiStub("hi"))

	foreign := &chat.Session{SessionID: "01HX0000000000000000000077", UserID: env.userID + 1}
	if err := env.db.Create(foreign).Error; err != nil {
		t.Fatalf("create foreign session: %v", err)
	}

	w := env.do(t, http.MethodGet, "/chat?session_id=01HX0000000000000000000077", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["active_session_id"] != nil {
		t.Fatalf("active_session_id = %v, want null", body["active_session_id"])
	}
	if msgs, _ := body["messages"].([]any); len(msgs) != 0 {
		t.Fatalf("messages = %v, want empty", msgs)
	}
}

func TestChatView_OwnedSessionListsTranscript(t *testing.T) {
	env := newTestEnv(t, geminiStub("Habari!"))

	w := env.do(t, http.MethodPost, "/chat/messages", `{"message":"Hello"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("seed turn status = %d", w.Code)
	}
	sid := decodeBody(t, w)["session_id"].(string)

	w = env.do(t, http.MethodGet, "/chat?session_id="+sid, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["active_session_id"] != sid {
		t.Fatalf("active_session_id = %v, want %s", body["active_session_id"], sid)
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	sessions, _ := body["sessions"].([]any)
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
}

func (e *testEnv) doAsync(t *testing.T, body, idempoKey string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/chat/messages/async", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.token)
	if idempoKey != "" {
		req.Header.Set("Idempotency-Key", idempoKey)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestSendMessageAsync_QueuesJobAndPolls(t *testing.T) {
	env := newTestEnv(t, geminiStub("unused"))

	w := env.doAsync(t, `{"message":"Hello"}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	jobID, _ := body["job_id"].(string)
	sid, _ := body["session_id"].(string)
	if jobID == "" || sid == "" {
		t.Fatalf("body = %v, want job_id and session_id", body)
	}
	if len(env.pub.published) != 1 || env.pub.published[0] != jobID {
		t.Fatalf("published = %v, want [%s]", env.pub.published, jobID)
	}

	// only the user half is written; the worker owns the AI half
	var msgs []chat.Message
	if err := env.db.Where("session_id = ?", sid).Find(&msgs).Error; err != nil {
		t.Fatalf("query messages: %v", err)
	}
	if len(msgs) != 1 || !msgs[0].IsFromUser {
		t.Fatalf("messages = %+v, want one user message", msgs)
	}

	w = env.do(t, http.MethodGet, "/chat/jobs/"+jobID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("poll status = %d body=%s", w.Code, w.Body.String())
	}
	job, _ := decodeBody(t, w)["job"].(map[string]any)
	if job["status"] != "queued" {
		t.Fatalf("job status = %v, want queued", job["status"])
	}
	if job["session_id"] != sid {
		t.Fatalf("job session_id = %v, want %s", job["session_id"], sid)
	}
}

func TestSendMessageAsync_IdempotentReplay(t *testing.T) {
	env := newTestEnv(t, geminiStub("unused"))

	w := env.doAsync(t, `{"message":"Hello"}`, "key-123")
	if w.Code != http.StatusOK {
		t.Fatalf("first status = %d body=%s", w.Code, w.Body.String())
	}
	first := decodeBody(t, w)

	// the retry carries no session_id, as a client replaying a timed-out
	// request would
	w = env.doAsync(t, `{"message":"Hello"}`, "key-123")
	if w.Code != http.StatusOK {
		t.Fatalf("replay status = %d body=%s", w.Code, w.Body.String())
	}
	second := decodeBody(t, w)

	if second["job_id"] != first["job_id"] {
		t.Fatalf("replay job_id = %v, want %v", second["job_id"], first["job_id"])
	}
	if second["session_id"] != first["session_id"] {
		t.Fatalf("replay session_id = %v, want %v", second["session_id"], first["session_id"])
	}

	var sessions, messages, jobs int64
	env.db.Model(&chat.Session{}).Count(&sessions)
	env.db.Model(&chat.Message{}).Count(&messages)
	env.db.Model(&chat.TurnJob{}).Count(&jobs)
	if sessions != 1 || messages != 1 || jobs != 1 {
		t.Fatalf("got %d sessions, %d messages, %d jobs; want 1 of each", sessions, messages, jobs)
	}
	if len(env.pub.published) != 1 {
		t.Fatalf("published %d times, want 1", len(env.pub.published))
	}
}

func TestGetChatJob_ForeignJobHidden(t *testing.T) {
	env := newTestEnv(t, geminiStub("unused"))

	foreign := &chat.TurnJob{
		ID:        "01HX00000000000000000000J1",
		UserID:    env.userID + 1,
		SessionID: "01HX0000000000000000000099",
		Status:    chat.JobQueued,
	}
	if err := env.db.Create(foreign).Error; err != nil {
		t.Fatalf("create foreign job: %v", err)
	}

	w := env.do(t, http.MethodGet, "/chat/jobs/"+foreign.ID, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if body := decodeBody(t, w); body["error"] != "Chat job not found." {
		t.Fatalf("body = %v", body)
	}
}

func TestChat_RequiresAuth(t *testing.T) {
	env := newTestEnv(t, geminiStub("unused"))

	req := httptest.NewRequest(http.MethodPost, "/chat/messages", strings.NewReader(`{"message":"Hello"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}
