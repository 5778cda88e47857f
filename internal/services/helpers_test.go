package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"homeworkhelper/internal/db"
	"homeworkhelper/internal/metrics"
	"homeworkhelper/internal/models"
	"homeworkhelper/internal/store"
	"homeworkhelper/internal/utils"
)

var (
	baseTime = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	errStore = errors.New("connection reset by peer")
)

type fixture struct {
	backend *store.SQLBackend
	metrics *metrics.Collector
	log     *zap.Logger
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb, err := db.OpenMemory()
	require.NoError(t, err)
	f := &fixture{
		metrics: metrics.New(),
		log:     zap.NewNop(),
		now:     baseTime.Add(2 * time.Hour),
	}
	f.backend = store.NewSQL(gdb, f.clock())
	t.Cleanup(func() { _ = f.backend.Close(context.Background()) })
	return f
}

func (f *fixture) clock() utils.Clock {
	return func() time.Time { return f.now }
}

func (f *fixture) coordinator(questions store.QuestionStore) *VoteCoordinator {
	if questions == nil {
		questions = f.backend.Questions()
	}
	return NewVoteCoordinator(f.backend.Votes(), questions, f.log, f.metrics).
		WithRetryPolicy(RetryPolicy{Attempts: 3, Backoff: time.Millisecond})
}

func (f *fixture) question(t *testing.T, subject string, created time.Time) *models.Question {
	t.Helper()
	q := &models.Question{
		UserID:       "author",
		Subject:      subject,
		QuestionText: "Why does ice float on water?",
		CreatedAt:    created,
	}
	require.NoError(t, f.backend.Questions().Create(context.Background(), q))
	return q
}

// flakyQuestions 按方法名注入前 N 次失败、在调用前插入一次钩子，或篡改返回的计数
type flakyQuestions struct {
	store.QuestionStore

	mu       sync.Mutex
	failures map[string]int
	errs     map[string]error
	hooks    map[string]func()
	upvotes  *int
}

func newFlaky(inner store.QuestionStore) *flakyQuestions {
	return &flakyQuestions{
		QuestionStore: inner,
		failures:      map[string]int{},
		errs:          map[string]error{},
		hooks:         map[string]func(){},
	}
}

func (f *flakyQuestions) failNext(method string, n int) { f.failWith(method, errStore, n) }

func (f *flakyQuestions) failWith(method string, err error, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = n
	f.errs[method] = err
}

// before 下一次调用 method 前执行 fn（只执行一次）
func (f *flakyQuestions) before(method string, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks[method] = fn
}

func (f *flakyQuestions) fail(method string) error {
	f.mu.Lock()
	hook := f.hooks[method]
	delete(f.hooks, method)
	var err error
	if f.failures[method] > 0 {
		f.failures[method]--
		err = f.errs[method]
	}
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return err
}

func (f *flakyQuestions) tamper(q *models.Question) *models.Question {
	if f.upvotes != nil && q != nil {
		q.Upvotes = *f.upvotes
	}
	return q
}

func (f *flakyQuestions) Get(ctx context.Context, id string) (*models.Question, error) {
	if err := f.fail("Get"); err != nil {
		return nil, err
	}
	return f.QuestionStore.Get(ctx, id)
}

func (f *flakyQuestions) IncrementVotes(ctx context.Context, id string) (*models.Question, error) {
	if err := f.fail("IncrementVotes"); err != nil {
		return nil, err
	}
	q, err := f.QuestionStore.IncrementVotes(ctx, id)
	return f.tamper(q), err
}

func (f *flakyQuestions) DecrementVotes(ctx context.Context, id string) (*models.Question, error) {
	if err := f.fail("DecrementVotes"); err != nil {
		return nil, err
	}
	q, err := f.QuestionStore.DecrementVotes(ctx, id)
	return f.tamper(q), err
}

func (f *flakyQuestions) List(ctx context.Context, q models.ListQuery) ([]models.Question, int64, error) {
	if err := f.fail("List"); err != nil {
		return nil, 0, err
	}
	return f.QuestionStore.List(ctx, q)
}

func (f *flakyQuestions) Tallies(ctx context.Context) ([]models.VoteTally, error) {
	if err := f.fail("Tallies"); err != nil {
		return nil, err
	}
	return f.QuestionStore.Tallies(ctx)
}
