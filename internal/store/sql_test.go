package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homeworkhelper/internal/db"
	"homeworkhelper/internal/models"
	"homeworkhelper/internal/utils"
)

var baseTime = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func newSQLBackend(t *testing.T, now utils.Clock) *SQLBackend {
	t.Helper()
	gdb, err := db.OpenMemory()
	require.NoError(t, err)
	b := NewSQL(gdb, now)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func fixedClock(t time.Time) utils.Clock {
	return func() time.Time { return t }
}

func createQuestion(t *testing.T, qs QuestionStore, subject string, created time.Time) *models.Question {
	t.Helper()
	q := &models.Question{
		UserID:       "author",
		Subject:      subject,
		QuestionText: "How do I solve " + subject + " problems?",
		CreatedAt:    created,
	}
	require.NoError(t, qs.Create(context.Background(), q))
	return q
}

func TestSQLVoteLedger(t *testing.T) {
	ctx := context.Background()
	b := newSQLBackend(t, fixedClock(baseTime))
	votes := b.Votes()

	ok, err := votes.Exists(ctx, "u1", "q1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, votes.Insert(ctx, "u1", "q1"))
	assert.ErrorIs(t, votes.Insert(ctx, "u1", "q1"), ErrDuplicateVote)
	require.NoError(t, votes.Insert(ctx, "u2", "q1"))
	require.NoError(t, votes.Insert(ctx, "u1", "q2"))

	ok, err = votes.Exists(ctx, "u1", "q1")
	require.NoError(t, err)
	assert.True(t, ok)

	voted, err := votes.VotedOn(ctx, "u1", []string{"q1", "q2", "q3"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"q1": true, "q2": true}, voted)

	counts, err := votes.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"q1": 2, "q2": 1}, counts)

	removed, err := votes.Remove(ctx, "u1", "q1")
	require.NoError(t, err)
	assert.Equal(t, "u1", removed.UserID)
	assert.Equal(t, "q1", removed.QuestionID)

	_, err = votes.Remove(ctx, "u1", "q1")
	assert.ErrorIs(t, err, ErrVoteNotFound)
}

func TestSQLVoteLedgerConcurrentDuplicateInsert(t *testing.T) {
	ctx := context.Background()
	b := newSQLBackend(t, nil)

	const n = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		dupes     int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.Votes().Insert(ctx, "same-user", "same-question")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case assert.ErrorIs(t, err, ErrDuplicateVote):
				dupes++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, n-1, dupes)
}

func TestSQLQuestionCreateAndGet(t *testing.T) {
	ctx := context.Background()
	b := newSQLBackend(t, fixedClock(baseTime))

	q := &models.Question{
		UserID:       "author",
		Subject:      "Chemistry",
		QuestionText: "What is a covalent bond?",
		Tags:         []string{"bonds", "basics"},
	}
	require.NoError(t, b.Questions().Create(ctx, q))
	assert.NotEmpty(t, q.ID)
	assert.Equal(t, baseTime, q.CreatedAt)

	got, err := b.Questions().Get(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Upvotes)
	assert.Zero(t, got.TrendingScore)
	assert.Equal(t, []string{"bonds", "basics"}, got.Tags)

	_, err = b.Questions().Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrQuestionNotFound)

	assert.Error(t, b.Questions().Create(ctx, &models.Question{Subject: "Alchemy", QuestionText: "?"}))
}

func TestSQLQuestionSetAnswer(t *testing.T) {
	ctx := context.Background()
	b := newSQLBackend(t, fixedClock(baseTime))
	q := createQuestion(t, b.Questions(), "Biology", baseTime)

	require.NoError(t, b.Questions().SetAnswer(ctx, q.ID, "Mitochondria."))
	got, err := b.Questions().Get(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, "Mitochondria.", got.AIAnswer)

	assert.ErrorIs(t, b.Questions().SetAnswer(ctx, "missing", "x"), ErrQuestionNotFound)
}

func TestSQLIncrementDecrementRecomputesScore(t *testing.T) {
	ctx := context.Background()
	now := baseTime.Add(4 * time.Hour)
	b := newSQLBackend(t, fixedClock(now))
	q := createQuestion(t, b.Questions(), "Physics", baseTime)

	got, err := b.Questions().IncrementVotes(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Upvotes)
	assert.InDelta(t, utils.TrendingScore(1, 4), got.TrendingScore, 1e-9)

	got, err = b.Questions().IncrementVotes(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Upvotes)

	stored, err := b.Questions().Get(ctx, q.ID)
	require.NoError(t, err)
	assert.InDelta(t, utils.TrendingScore(2, 4), stored.TrendingScore, 1e-9)

	for i := 0; i < 3; i++ {
		got, err = b.Questions().DecrementVotes(ctx, q.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, got.Upvotes)
	assert.Zero(t, got.TrendingScore)

	_, err = b.Questions().IncrementVotes(ctx, "missing")
	assert.ErrorIs(t, err, ErrQuestionNotFound)
	_, err = b.Questions().DecrementVotes(ctx, "missing")
	assert.ErrorIs(t, err, ErrQuestionNotFound)
}

func TestSQLConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	b := newSQLBackend(t, nil)
	q := createQuestion(t, b.Questions(), "Mathematics", time.Now().UTC())

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Questions().IncrementVotes(ctx, q.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := b.Questions().Get(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, n, got.Upvotes)
}

func TestSQLSetUpvotes(t *testing.T) {
	ctx := context.Background()
	b := newSQLBackend(t, fixedClock(baseTime))
	q := createQuestion(t, b.Questions(), "History", baseTime)

	got, err := b.Questions().SetUpvotes(ctx, q.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, got.Upvotes)
	assert.InDelta(t, utils.TrendingScore(7, 0), got.TrendingScore, 1e-9)

	got, err = b.Questions().SetUpvotes(ctx, q.ID, -3)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Upvotes)

	tallies, err := b.Questions().Tallies(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.VoteTally{{QuestionID: q.ID, Upvotes: 0}}, tallies)
}

func TestSQLListSortsAndPaginates(t *testing.T) {
	ctx := context.Background()
	b := newSQLBackend(t, fixedClock(baseTime))
	qs := b.Questions()

	// 创建时间递增，票数 {1, 5, 2}
	q1 := createQuestion(t, qs, "Physics", baseTime.Add(-3*time.Hour))
	q5 := createQuestion(t, qs, "Physics", baseTime.Add(-2*time.Hour))
	q2 := createQuestion(t, qs, "Physics", baseTime.Add(-1*time.Hour))
	other := createQuestion(t, qs, "Art", baseTime)

	for id, n := range map[string]int{q1.ID: 1, q5.ID: 5, q2.ID: 2} {
		_, err := qs.SetUpvotes(ctx, id, n)
		require.NoError(t, err)
	}

	ids := func(items []models.Question) []string {
		out := make([]string, len(items))
		for i, it := range items {
			out[i] = it.ID
		}
		return out
	}

	items, total, err := qs.List(ctx, models.ListQuery{Subject: "Physics", Sort: models.SortVotes, Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Equal(t, []string{q5.ID, q2.ID, q1.ID}, ids(items))

	items, _, err = qs.List(ctx, models.ListQuery{Subject: "Physics", Sort: models.SortRecent, Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{q2.ID, q5.ID, q1.ID}, ids(items))

	items, total, err = qs.List(ctx, models.ListQuery{Sort: models.SortRecent, Page: 2, PageSize: 3})
	require.NoError(t, err)
	assert.EqualValues(t, 4, total)
	assert.Equal(t, []string{q1.ID}, ids(items))

	items, _, err = qs.List(ctx, models.ListQuery{Sort: models.SortRecent, Page: 1, PageSize: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{other.ID}, ids(items))
}

func TestSQLListTrendingTieBreaksByCreation(t *testing.T) {
	ctx := context.Background()
	b := newSQLBackend(t, fixedClock(baseTime))
	qs := b.Questions()

	var created []*models.Question
	for i := 0; i < 3; i++ {
		created = append(created, createQuestion(t, qs, "Music", baseTime.Add(time.Duration(i)*time.Minute)))
	}

	items, _, err := qs.List(ctx, models.ListQuery{Sort: models.SortTrending, Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i, it := range items {
		assert.Equal(t, created[2-i].ID, it.ID, fmt.Sprintf("position %d", i))
	}
}

func TestSQLRecountUpvotes(t *testing.T) {
	now := baseTime
	b := newSQLBackend(t, func() time.Time { return now })
	checkRecount(t, b, &now)
}

// checkRecount 两种后端共用：只有计数未被并发改动、且题目与台账都静默时才修正
func checkRecount(t *testing.T, b Backend, now *time.Time) {
	t.Helper()
	ctx := context.Background()
	qs, votes := b.Questions(), b.Votes()
	grace := time.Minute

	q := createQuestion(t, qs, "History", baseTime)
	require.NoError(t, votes.Insert(ctx, "u1", q.ID))
	require.NoError(t, votes.Insert(ctx, "u2", q.ID))
	_, err := qs.SetUpvotes(ctx, q.ID, 5)
	require.NoError(t, err)

	// 题目刚写过
	_, ok, err := qs.RecountUpvotes(ctx, q.ID, 5, grace)
	require.NoError(t, err)
	assert.False(t, ok)

	*now = now.Add(time.Hour)

	// 观察到的计数已过期
	_, ok, err = qs.RecountUpvotes(ctx, q.ID, 4, grace)
	require.NoError(t, err)
	assert.False(t, ok)

	// 台账里有一张刚投的票，计数可能马上就会加上
	require.NoError(t, votes.Insert(ctx, "u3", q.ID))
	_, ok, err = qs.RecountUpvotes(ctx, q.ID, 5, grace)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := qs.Get(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Upvotes)

	*now = now.Add(time.Hour)
	fixed, ok, err := qs.RecountUpvotes(ctx, q.ID, 5, grace)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, fixed.Upvotes)
	assert.InDelta(t, utils.TrendingScore(3, 2), fixed.TrendingScore, 1e-9)

	*now = now.Add(time.Hour)
	_, ok, err = qs.RecountUpvotes(ctx, q.ID, 3, grace)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = qs.RecountUpvotes(ctx, "missing", 0, grace)
	require.NoError(t, err)
	assert.False(t, ok)
}

// 同龄题目按票数 {1, 5, 2}：热度与票数排序一致
func TestSQLListEqualAgeTrendingMatchesVotes(t *testing.T) {
	ctx := context.Background()
	now := baseTime.Add(2 * time.Hour)
	b := newSQLBackend(t, fixedClock(now))
	qs := b.Questions()

	byVotes := map[int]string{}
	for _, n := range []int{1, 5, 2} {
		q := createQuestion(t, qs, "Chemistry", baseTime)
		for i := 0; i < n; i++ {
			_, err := qs.IncrementVotes(ctx, q.ID)
			require.NoError(t, err)
		}
		byVotes[n] = q.ID
	}
	want := []string{byVotes[5], byVotes[2], byVotes[1]}

	for _, mode := range []models.SortMode{models.SortTrending, models.SortVotes} {
		items, _, err := qs.List(ctx, models.ListQuery{Sort: mode, Page: 1, PageSize: 10})
		require.NoError(t, err)
		got := make([]string, len(items))
		for i, it := range items {
			got[i] = it.ID
		}
		assert.Equal(t, want, got, string(mode))
	}
}
