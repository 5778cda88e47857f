// Package store 持久化层：投票台账与题目聚合的存储实现（SQL / MongoDB）。
package store

import (
	"context"
	"errors"
	"time"

	"homeworkhelper/internal/models"
	"homeworkhelper/internal/utils"
)

var (
	ErrDuplicateVote    = errors.New("store: vote already exists")
	ErrVoteNotFound     = errors.New("store: vote not found")
	ErrQuestionNotFound = errors.New("store: question not found")
)

// VoteLedger 投票台账，"某用户是否投过某题" 的唯一事实来源
type VoteLedger interface {
	Exists(ctx context.Context, userID, questionID string) (bool, error)
	// Insert 由存储层唯一约束原子地拒绝重复，返回 ErrDuplicateVote
	Insert(ctx context.Context, userID, questionID string) error
	// Remove 原子删除并返回被删记录，不存在时返回 ErrVoteNotFound
	Remove(ctx context.Context, userID, questionID string) (*models.Vote, error)
	VotedOn(ctx context.Context, userID string, questionIDs []string) (map[string]bool, error)
	Counts(ctx context.Context) (map[string]int64, error)
}

// QuestionStore 题目聚合，独占 upvotes 与缓存的 trending score
type QuestionStore interface {
	Create(ctx context.Context, q *models.Question) error
	Get(ctx context.Context, id string) (*models.Question, error)
	SetAnswer(ctx context.Context, id, answer string) error
	// IncrementVotes / DecrementVotes 原子调整计数并按当前时刻重算 trending score
	IncrementVotes(ctx context.Context, id string) (*models.Question, error)
	DecrementVotes(ctx context.Context, id string) (*models.Question, error)
	SetUpvotes(ctx context.Context, id string, upvotes int) (*models.Question, error)
	// RecountUpvotes 按台账重算单题计数（compare-and-set）：仅当存储中的计数仍为 observed，
	// 且最近 grace 内题目与该题台账都没有写入时才修正，返回是否修正
	RecountUpvotes(ctx context.Context, id string, observed int, grace time.Duration) (*models.Question, bool, error)
	List(ctx context.Context, q models.ListQuery) ([]models.Question, int64, error)
	Tallies(ctx context.Context) ([]models.VoteTally, error)
}

// Backend 一个存储后端提供的全部能力
type Backend interface {
	Questions() QuestionStore
	Votes() VoteLedger
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

func utcNow() time.Time { return time.Now().UTC() }

func clockOrDefault(now utils.Clock) utils.Clock {
	if now == nil {
		return utcNow
	}
	return now
}
