package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"homeworkhelper/internal/db"
	"homeworkhelper/internal/metrics"
	"homeworkhelper/internal/middleware"
	"homeworkhelper/internal/services"
	"homeworkhelper/internal/store"
)

const (
	testSecret     = "test-secret"
	testAdminToken = "admin-token"
)

var testNow = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type stubAnswerer struct{}

func (stubAnswerer) Answer(_ context.Context, subject, _ string) (string, error) {
	return "**" + subject + "** answer", nil
}

type testServer struct {
	engine  *gin.Engine
	backend *store.SQLBackend
	auth    *middleware.Authenticator
	now     time.Time
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gdb, err := db.OpenMemory()
	require.NoError(t, err)
	s := &testServer{now: testNow}
	backend := store.NewSQL(gdb, func() time.Time { return s.now })
	t.Cleanup(func() { _ = backend.Close(context.Background()) })

	log := zap.NewNop()
	m := metrics.New()
	auth := middleware.NewAuthenticator(testSecret)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	engine, err := New(ctx, Deps{
		Backend:    backend,
		Questions:  services.NewQuestionService(backend.Questions(), stubAnswerer{}, log),
		Ranking:    services.NewRankingService(backend.Questions(), backend.Votes(), 20, 100),
		Votes:      services.NewVoteCoordinator(backend.Votes(), backend.Questions(), log, m),
		Reconciler: services.NewReconciler(backend.Questions(), backend.Votes(), log, m),
		Auth:       auth,
		Metrics:    m,
		Log:        log,
		AdminToken: testAdminToken,
	})
	require.NoError(t, err)
	s.engine, s.backend, s.auth = engine, backend, auth
	return s
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := s.auth.Issue(userID, time.Hour)
	require.NoError(t, err)
	return tok
}

type reply struct {
	Code int
	Body map[string]any
}

func (r reply) data() map[string]any {
	d, _ := r.Body["data"].(map[string]any)
	return d
}

func (s *testServer) do(t *testing.T, method, path, token string, body any, headers ...string) reply {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	out := reply{Code: w.Code}
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" {
		_ = json.Unmarshal(w.Body.Bytes(), &out.Body)
	}
	return out
}

func (s *testServer) submit(t *testing.T, token, subject, text string) string {
	t.Helper()
	r := s.do(t, "POST", "/api/questions", token, map[string]any{
		"subject":      subject,
		"questionText": text,
		"tags":         []string{"homework"},
	})
	require.Equal(t, http.StatusCreated, r.Code, r.Body)
	q := r.data()["question"].(map[string]any)
	return q["_id"].(string)
}

func TestCreateQuestion(t *testing.T) {
	s := newTestServer(t)
	alice := s.token(t, "alice")

	r := s.do(t, "POST", "/api/questions", "", map[string]any{"subject": "Physics", "questionText": "What is momentum exactly?"})
	assert.Equal(t, http.StatusUnauthorized, r.Code)

	r = s.do(t, "POST", "/api/questions", alice, map[string]any{"subject": "Alchemy", "questionText": "What is momentum exactly?"})
	assert.Equal(t, http.StatusBadRequest, r.Code)
	assert.Equal(t, "Validation error", r.Body["message"])
	assert.Contains(t, r.Body["errors"], "Valid subject is required")

	r = s.do(t, "POST", "/api/questions", alice, map[string]any{"subject": "Physics", "questionText": "Too short"})
	assert.Equal(t, http.StatusBadRequest, r.Code)

	r = s.do(t, "POST", "/api/questions", alice, map[string]any{
		"subject":      "Physics",
		"questionText": "What is momentum exactly?",
		"tags":         make([]string, 11),
	})
	assert.Equal(t, http.StatusBadRequest, r.Code)

	r = s.do(t, "POST", "/api/questions", alice, map[string]any{"subject": "Physics", "questionText": "What is momentum exactly?"})
	require.Equal(t, http.StatusCreated, r.Code)
	assert.Equal(t, true, r.Body["success"])
	q := r.data()["question"].(map[string]any)
	assert.Equal(t, "alice", q["userId"])
	assert.Equal(t, "**Physics** answer", q["aiAnswer"])
	assert.Equal(t, float64(0), q["upvotes"])
	assert.Equal(t, float64(0), q["trendingScore"])
}

func TestVoteLifecycle(t *testing.T) {
	s := newTestServer(t)
	alice := s.token(t, "alice")
	bob := s.token(t, "bob")
	id := s.submit(t, alice, "Mathematics", "How do I integrate x squared?")
	votePath := "/api/questions/" + id + "/vote"

	r := s.do(t, "POST", votePath, "", nil)
	assert.Equal(t, http.StatusUnauthorized, r.Code)

	r = s.do(t, "POST", votePath, bob, nil)
	require.Equal(t, http.StatusOK, r.Code)
	assert.Equal(t, "Vote recorded successfully", r.Body["message"])
	assert.Equal(t, float64(1), r.data()["upvotes"])
	assert.InDelta(t, 1/2.8284271247, r.data()["trendingScore"], 1e-6)

	r = s.do(t, "POST", votePath, bob, nil)
	assert.Equal(t, http.StatusBadRequest, r.Code)
	assert.Equal(t, "You have already voted on this question", r.Body["message"])

	r = s.do(t, "GET", "/api/questions/"+id, bob, nil)
	require.Equal(t, http.StatusOK, r.Code)
	q := r.data()["question"].(map[string]any)
	assert.Equal(t, true, q["hasVoted"])
	assert.Equal(t, float64(1), q["upvotes"])
	assert.Contains(t, q["aiAnswerHtml"], "<strong>Mathematics</strong>")

	r = s.do(t, "GET", "/api/questions/"+id, "", nil)
	q = r.data()["question"].(map[string]any)
	assert.Equal(t, false, q["hasVoted"])

	r = s.do(t, "DELETE", votePath, bob, nil)
	require.Equal(t, http.StatusOK, r.Code)
	assert.Equal(t, float64(0), r.data()["upvotes"])

	r = s.do(t, "DELETE", votePath, bob, nil)
	assert.Equal(t, http.StatusNotFound, r.Code)
	assert.Equal(t, "Vote not found", r.Body["message"])

	r = s.do(t, "POST", "/api/questions/missing/vote", bob, nil)
	assert.Equal(t, http.StatusNotFound, r.Code)
	assert.Equal(t, "Question not found", r.Body["message"])

	r = s.do(t, "GET", "/api/questions/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, r.Code)
}

func TestFeedAndTrending(t *testing.T) {
	s := newTestServer(t)
	alice := s.token(t, "alice")
	first := s.submit(t, alice, "Chemistry", "What is an ionic bond?")
	second := s.submit(t, alice, "Chemistry", "What is a covalent bond?")
	s.submit(t, alice, "History", "Why did Rome fall so slowly?")

	r := s.do(t, "POST", "/api/questions/"+second+"/vote", alice, nil)
	require.Equal(t, http.StatusOK, r.Code)

	r = s.do(t, "GET", "/api/questions?subject=Chemistry&sortBy=votes&limit=1", alice, nil)
	require.Equal(t, http.StatusOK, r.Code)
	items := r.data()["questions"].([]any)
	require.Len(t, items, 1)
	top := items[0].(map[string]any)
	assert.Equal(t, second, top["_id"])
	assert.Equal(t, true, top["hasVoted"])
	assert.Equal(t, map[string]any{"page": float64(1), "limit": float64(1), "total": float64(2), "totalPages": float64(2)},
		r.data()["pagination"])

	r = s.do(t, "GET", "/api/questions?subject=Chemistry&sortBy=votes&limit=1&page=2", "", nil)
	items = r.data()["questions"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, first, items[0].(map[string]any)["_id"])

	r = s.do(t, "GET", "/api/trending?limit=2", "", nil)
	require.Equal(t, http.StatusOK, r.Code)
	items = r.data()["questions"].([]any)
	require.Len(t, items, 2)
	assert.Equal(t, second, items[0].(map[string]any)["_id"])

	// 客户端使用的 /questions/feed 与 /questions/trending 不能落到详情路由
	r = s.do(t, "GET", "/api/questions/feed?subject=Chemistry&sortBy=votes", alice, nil)
	require.Equal(t, http.StatusOK, r.Code)
	items = r.data()["questions"].([]any)
	require.Len(t, items, 2)
	assert.Equal(t, second, items[0].(map[string]any)["_id"])
	assert.Equal(t, true, items[0].(map[string]any)["hasVoted"])

	r = s.do(t, "GET", "/api/questions/trending?limit=2", "", nil)
	require.Equal(t, http.StatusOK, r.Code)
	items = r.data()["questions"].([]any)
	require.Len(t, items, 2)
	assert.Equal(t, second, items[0].(map[string]any)["_id"])

	r = s.do(t, "GET", "/api/questions/"+first, "", nil)
	require.Equal(t, http.StatusOK, r.Code)

	for _, bad := range []string{
		"/api/questions/feed?sortBy=hot",
		"/api/questions/trending?limit=0",
		"/api/questions?sortBy=hot",
		"/api/questions?limit=500",
		"/api/questions?page=abc",
		"/api/questions?subject=Astrology",
		"/api/trending?limit=0",
	} {
		r = s.do(t, "GET", bad, "", nil)
		assert.Equal(t, http.StatusBadRequest, r.Code, bad)
	}
}

func TestAdminReconcile(t *testing.T) {
	s := newTestServer(t)
	alice := s.token(t, "alice")
	id := s.submit(t, alice, "Biology", "How does photosynthesis work?")

	_, err := s.backend.Questions().SetUpvotes(context.Background(), id, 4)
	require.NoError(t, err)

	r := s.do(t, "POST", "/api/admin/reconcile", "", nil)
	assert.Equal(t, http.StatusUnauthorized, r.Code)

	// 刚写过的题目在静默窗口内不修正
	r = s.do(t, "POST", "/api/admin/reconcile", "", nil, "X-Admin-Token", testAdminToken)
	require.Equal(t, http.StatusOK, r.Code)
	assert.Equal(t, float64(0), r.data()["corrected"])

	s.now = testNow.Add(10 * time.Minute)
	r = s.do(t, "POST", "/api/admin/reconcile", "", nil, "X-Admin-Token", testAdminToken)
	require.Equal(t, http.StatusOK, r.Code)
	assert.Equal(t, float64(1), r.data()["corrected"])

	q, err := s.backend.Questions().Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 0, q.Upvotes)
}

func TestQuestionRateLimit(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < questionsPerMinute; i++ {
		r := s.do(t, "POST", "/api/questions", "", nil)
		assert.Equal(t, http.StatusUnauthorized, r.Code)
	}
	r := s.do(t, "POST", "/api/questions", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, r.Code)
}

func TestHealthMetricsAndNoRoute(t *testing.T) {
	s := newTestServer(t)

	r := s.do(t, "GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, r.Code)
	assert.Equal(t, "ok", r.Body["status"])

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "homework_http_requests_total")

	r = s.do(t, "GET", "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, r.Code)
}
