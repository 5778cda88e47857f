package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"homeworkhelper/internal/models"
	"homeworkhelper/internal/utils"
)

// SQLBackend gorm 实现，Postgres 与 SQLite 共用
type SQLBackend struct {
	db        *gorm.DB
	questions *sqlQuestions
	votes     *sqlVotes
}

func NewSQL(db *gorm.DB, now utils.Clock) *SQLBackend {
	now = clockOrDefault(now)
	return &SQLBackend{
		db:        db,
		questions: &sqlQuestions{db: db, now: now},
		votes:     &sqlVotes{db: db, now: now},
	}
}

func (b *SQLBackend) Questions() QuestionStore { return b.questions }
func (b *SQLBackend) Votes() VoteLedger        { return b.votes }

func (b *SQLBackend) Ping(ctx context.Context) error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (b *SQLBackend) Close(context.Context) error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type sqlVotes struct {
	db  *gorm.DB
	now utils.Clock
}

func (s *sqlVotes) Exists(ctx context.Context, userID, questionID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Vote{}).
		Where("user_id = ? AND question_id = ?", userID, questionID).
		Limit(1).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check vote: %w", err)
	}
	return count > 0, nil
}

func (s *sqlVotes) Insert(ctx context.Context, userID, questionID string) error {
	vote := models.Vote{
		UserID:     userID,
		QuestionID: questionID,
		CreatedAt:  s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&vote).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateVote
		}
		return fmt.Errorf("insert vote: %w", err)
	}
	return nil
}

func (s *sqlVotes) Remove(ctx context.Context, userID, questionID string) (*models.Vote, error) {
	var vote models.Vote
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND question_id = ?", userID, questionID).
		First(&vote).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrVoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find vote: %w", err)
	}

	// 以 DELETE 的影响行数为准，并发撤销时只有一个成功
	res := s.db.WithContext(ctx).Delete(&models.Vote{}, vote.ID)
	if res.Error != nil {
		return nil, fmt.Errorf("delete vote: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrVoteNotFound
	}
	return &vote, nil
}

func (s *sqlVotes) VotedOn(ctx context.Context, userID string, questionIDs []string) (map[string]bool, error) {
	voted := make(map[string]bool, len(questionIDs))
	if userID == "" || len(questionIDs) == 0 {
		return voted, nil
	}
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.Vote{}).
		Where("user_id = ? AND question_id IN ?", userID, questionIDs).
		Pluck("question_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("load votes: %w", err)
	}
	for _, id := range ids {
		voted[id] = true
	}
	return voted, nil
}

func (s *sqlVotes) Counts(ctx context.Context) (map[string]int64, error) {
	type countResult struct {
		QuestionID string
		N          int64
	}
	var rows []countResult
	err := s.db.WithContext(ctx).Model(&models.Vote{}).
		Select("question_id, COUNT(*) AS n").
		Group("question_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count votes: %w", err)
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.QuestionID] = r.N
	}
	return counts, nil
}

type sqlQuestions struct {
	db  *gorm.DB
	now utils.Clock
}

func (s *sqlQuestions) Create(ctx context.Context, q *models.Question) error {
	if err := q.Validate(); err != nil {
		return err
	}
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	now := s.now()
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now
	}
	if q.Tags == nil {
		q.Tags = []string{}
	}
	q.UpdatedAt = now
	q.Upvotes = 0
	q.TrendingScore = 0
	if err := s.db.WithContext(ctx).Create(q).Error; err != nil {
		return fmt.Errorf("create question: %w", err)
	}
	return nil
}

func (s *sqlQuestions) Get(ctx context.Context, id string) (*models.Question, error) {
	var q models.Question
	err := s.db.WithContext(ctx).First(&q, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrQuestionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get question: %w", err)
	}
	return &q, nil
}

func (s *sqlQuestions) SetAnswer(ctx context.Context, id, answer string) error {
	res := s.db.WithContext(ctx).Model(&models.Question{}).
		Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"ai_answer":  models.TruncateAnswer(answer),
			"updated_at": s.now(),
		})
	if res.Error != nil {
		return fmt.Errorf("set answer: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrQuestionNotFound
	}
	return nil
}

func (s *sqlQuestions) IncrementVotes(ctx context.Context, id string) (*models.Question, error) {
	return s.mutateUpvotes(ctx, id, gorm.Expr("upvotes + ?", 1))
}

func (s *sqlQuestions) DecrementVotes(ctx context.Context, id string) (*models.Question, error) {
	return s.mutateUpvotes(ctx, id, gorm.Expr("CASE WHEN upvotes > 0 THEN upvotes - 1 ELSE 0 END"))
}

func (s *sqlQuestions) SetUpvotes(ctx context.Context, id string, upvotes int) (*models.Question, error) {
	if upvotes < 0 {
		upvotes = 0
	}
	return s.mutateUpvotes(ctx, id, upvotes)
}

// mutateUpvotes 在同一事务里原子更新计数、读回新值并写入重算后的分数。
// UPDATE 持有行锁直到提交，读回的计数就是本事务写入的值。
func (s *sqlQuestions) mutateUpvotes(ctx context.Context, id string, value interface{}) (*models.Question, error) {
	var out models.Question
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		res := tx.Model(&models.Question{}).Where("id = ?", id).UpdateColumns(map[string]interface{}{
			"upvotes":    value,
			"updated_at": now,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrQuestionNotFound
		}
		return s.rescore(tx, id, now, &out)
	})
	if errors.Is(err, ErrQuestionNotFound) {
		return nil, ErrQuestionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update upvotes: %w", err)
	}
	return &out, nil
}

// ledgerCount 题目在台账中的票数，作为 UPDATE 的相关子查询
const ledgerCount = "(SELECT COUNT(*) FROM votes WHERE votes.question_id = questions.id)"

func (s *sqlQuestions) RecountUpvotes(ctx context.Context, id string, observed int, grace time.Duration) (*models.Question, bool, error) {
	var out models.Question
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		quietSince := now.Add(-grace)
		// 比较与写入在同一条语句内完成；grace 内的新票可能还没来得及加计数
		res := tx.Model(&models.Question{}).
			Where("id = ? AND upvotes = ? AND updated_at < ?", id, observed, quietSince).
			Where("upvotes <> " + ledgerCount).
			Where("NOT EXISTS (SELECT 1 FROM votes WHERE votes.question_id = questions.id AND votes.created_at >= ?)", quietSince).
			UpdateColumns(map[string]interface{}{
				"upvotes":    gorm.Expr(ledgerCount),
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true
		return s.rescore(tx, id, now, &out)
	})
	if err != nil {
		return nil, false, fmt.Errorf("recount upvotes: %w", err)
	}
	if !applied {
		return nil, false, nil
	}
	return &out, true, nil
}

// rescore 读回计数并写入按 now 计算的分数
func (s *sqlQuestions) rescore(tx *gorm.DB, id string, now time.Time, out *models.Question) error {
	if err := tx.First(out, "id = ?", id).Error; err != nil {
		return err
	}
	out.TrendingScore = utils.TrendingScoreAt(out.Upvotes, out.CreatedAt, now)
	return tx.Model(&models.Question{}).Where("id = ?", id).
		UpdateColumn("trending_score", out.TrendingScore).Error
}

func (s *sqlQuestions) List(ctx context.Context, q models.ListQuery) ([]models.Question, int64, error) {
	scope := func() *gorm.DB {
		db := s.db.WithContext(ctx).Model(&models.Question{})
		if q.Subject != "" {
			db = db.Where("subject = ?", q.Subject)
		}
		return db
	}

	var total int64
	if err := scope().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count questions: %w", err)
	}

	items := make([]models.Question, 0, q.PageSize)
	err := scope().
		Order(sqlOrder(q.Sort)).
		Offset(q.Offset()).
		Limit(q.PageSize).
		Find(&items).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list questions: %w", err)
	}
	return items, total, nil
}

func (s *sqlQuestions) Tallies(ctx context.Context) ([]models.VoteTally, error) {
	var tallies []models.VoteTally
	err := s.db.WithContext(ctx).Model(&models.Question{}).
		Select("id AS question_id, upvotes").
		Scan(&tallies).Error
	if err != nil {
		return nil, fmt.Errorf("load tallies: %w", err)
	}
	return tallies, nil
}

func sqlOrder(mode models.SortMode) string {
	switch mode {
	case models.SortRecent:
		return "created_at DESC, id DESC"
	case models.SortVotes:
		return "upvotes DESC, created_at DESC, id DESC"
	default:
		return "trending_score DESC, created_at DESC, id DESC"
	}
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
