package services

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"homeworkhelper/internal/metrics"
	"homeworkhelper/internal/models"
	"homeworkhelper/internal/store"
)

// VoteResult 投票后的计数与热度分
type VoteResult struct {
	Upvotes       int     `json:"upvotes"`
	TrendingScore float64 `json:"trendingScore"`
}

func resultOf(q *models.Question) VoteResult {
	return VoteResult{Upvotes: q.Upvotes, TrendingScore: q.TrendingScore}
}

// RetryPolicy 仅对 KindUnavailable 重试，间隔线性递增
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Backoff: 100 * time.Millisecond}

// VoteCoordinator 串起投票台账与题目计数：台账先行，计数随后
type VoteCoordinator struct {
	votes     store.VoteLedger
	questions store.QuestionStore
	log       *zap.Logger
	metrics   *metrics.Collector
	retry     RetryPolicy
}

func NewVoteCoordinator(votes store.VoteLedger, questions store.QuestionStore, log *zap.Logger, m *metrics.Collector) *VoteCoordinator {
	return &VoteCoordinator{
		votes:     votes,
		questions: questions,
		log:       log,
		metrics:   m,
		retry:     DefaultRetryPolicy,
	}
}

// WithRetryPolicy 替换重试策略，返回自身便于链式调用
func (c *VoteCoordinator) WithRetryPolicy(p RetryPolicy) *VoteCoordinator {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	c.retry = p
	return c
}

func (c *VoteCoordinator) reject(reason string) {
	c.metrics.VoteRejections.WithLabelValues(reason).Inc()
}

// Cast 点赞。重复投票返回 ErrAlreadyVoted 且不改动计数。
func (c *VoteCoordinator) Cast(ctx context.Context, userID, questionID string) (VoteResult, error) {
	if userID == "" || questionID == "" {
		return VoteResult{}, validationError("user and question are required")
	}

	if _, err := c.questions.Get(ctx, questionID); err != nil {
		if errors.Is(err, store.ErrQuestionNotFound) {
			c.reject(metrics.ReasonQuestionMissing)
			return VoteResult{}, ErrQuestionNotFound
		}
		c.reject(metrics.ReasonStoreFailure)
		c.log.Error("load question failed", zap.String("question_id", questionID), zap.Error(err))
		return VoteResult{}, unavailable("load question", err)
	}

	if err := c.votes.Insert(ctx, userID, questionID); err != nil {
		if errors.Is(err, store.ErrDuplicateVote) {
			c.reject(metrics.ReasonAlreadyVoted)
			return VoteResult{}, ErrAlreadyVoted
		}
		// I/O 错误时无法确定这一行是否已提交
		c.reject(metrics.ReasonStoreFailure)
		c.log.Error("insert vote failed",
			zap.String("user_id", userID), zap.String("question_id", questionID), zap.Error(err))
		return VoteResult{}, partialWrite("record vote", err)
	}

	q, err := c.questions.IncrementVotes(ctx, questionID)
	if errors.Is(err, store.ErrQuestionNotFound) {
		// 题目在 Get 之后被删除
		return VoteResult{}, c.dropOrphanVote(ctx, userID, questionID)
	}
	if err != nil {
		// 台账已写入但计数未加：交给重试或对账修正
		c.reject(metrics.ReasonStoreFailure)
		c.log.Error("vote recorded but counter update failed",
			zap.String("user_id", userID), zap.String("question_id", questionID), zap.Error(err))
		return VoteResult{}, partialWrite("increment upvotes", err)
	}
	if err := c.checkCounter(q); err != nil {
		return VoteResult{}, err
	}

	c.metrics.VotesCast.Inc()
	return resultOf(q), nil
}

// Retract 取消点赞。题目已被删除时返回零值结果。
func (c *VoteCoordinator) Retract(ctx context.Context, userID, questionID string) (VoteResult, error) {
	if userID == "" || questionID == "" {
		return VoteResult{}, validationError("user and question are required")
	}

	if _, err := c.votes.Remove(ctx, userID, questionID); err != nil {
		if errors.Is(err, store.ErrVoteNotFound) {
			c.reject(metrics.ReasonVoteNotFound)
			return VoteResult{}, ErrVoteNotFound
		}
		c.reject(metrics.ReasonStoreFailure)
		c.log.Error("delete vote failed",
			zap.String("user_id", userID), zap.String("question_id", questionID), zap.Error(err))
		return VoteResult{}, partialWrite("remove vote", err)
	}

	q, err := c.questions.DecrementVotes(ctx, questionID)
	if errors.Is(err, store.ErrQuestionNotFound) {
		c.metrics.VotesRetracted.Inc()
		return VoteResult{}, nil
	}
	if err != nil {
		c.reject(metrics.ReasonStoreFailure)
		c.log.Error("vote removed but counter update failed",
			zap.String("user_id", userID), zap.String("question_id", questionID), zap.Error(err))
		return VoteResult{}, partialWrite("decrement upvotes", err)
	}
	if err := c.checkCounter(q); err != nil {
		return VoteResult{}, err
	}

	c.metrics.VotesRetracted.Inc()
	return resultOf(q), nil
}

// dropOrphanVote 撤回指向已删除题目的台账记录。撤不掉时台账里留下孤儿票，按不变量破坏上报。
func (c *VoteCoordinator) dropOrphanVote(ctx context.Context, userID, questionID string) error {
	c.reject(metrics.ReasonQuestionMissing)
	_, err := c.votes.Remove(ctx, userID, questionID)
	if err == nil || errors.Is(err, store.ErrVoteNotFound) {
		c.log.Warn("question vanished during vote, ledger entry withdrawn",
			zap.String("user_id", userID), zap.String("question_id", questionID))
		return ErrQuestionNotFound
	}
	c.metrics.InvariantViolations.WithLabelValues("vote_requires_question").Inc()
	c.log.Error("orphan vote left in ledger",
		zap.String("invariant", "vote_requires_question"),
		zap.String("user_id", userID),
		zap.String("question_id", questionID),
		zap.Error(err))
	return newError(KindInvariant, "INVARIANT_VIOLATION", "vote recorded for a missing question", err)
}

func (c *VoteCoordinator) checkCounter(q *models.Question) error {
	if q.Upvotes >= 0 {
		return nil
	}
	c.metrics.InvariantViolations.WithLabelValues("non_negative_upvotes").Inc()
	c.log.Error("negative upvote counter",
		zap.String("invariant", "non_negative_upvotes"),
		zap.String("question_id", q.ID),
		zap.Int("upvotes", q.Upvotes))
	return invariantViolation("upvote counter is negative")
}

// CastWithRetry 对暂时性失败重试。之前某次尝试已写过台账（PARTIAL_WRITE）时，
// 重试遇到的 ErrAlreadyVoted 视为成功并返回题目当前状态；否则照常返回 ErrAlreadyVoted。
func (c *VoteCoordinator) CastWithRetry(ctx context.Context, userID, questionID string) (VoteResult, error) {
	return c.withRetry(ctx, questionID, ErrAlreadyVoted, func() (VoteResult, error) {
		return c.Cast(ctx, userID, questionID)
	})
}

// RetractWithRetry 同上，重试时的 ErrVoteNotFound 视为上一次已删除成功
func (c *VoteCoordinator) RetractWithRetry(ctx context.Context, userID, questionID string) (VoteResult, error) {
	return c.withRetry(ctx, questionID, ErrVoteNotFound, func() (VoteResult, error) {
		return c.Retract(ctx, userID, questionID)
	})
}

func (c *VoteCoordinator) withRetry(ctx context.Context, questionID string, doneErr error, op func() (VoteResult, error)) (VoteResult, error) {
	var (
		lastErr error
		touched bool // 之前的尝试可能已写过台账
	)
	for attempt := 1; attempt <= c.retry.Attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return VoteResult{}, lastErr
			case <-time.After(time.Duration(attempt-1) * c.retry.Backoff):
			}
		}

		res, err := op()
		if err == nil {
			return res, nil
		}
		if touched && errors.Is(err, doneErr) {
			return c.current(ctx, questionID)
		}
		if !IsRetriable(err) {
			return VoteResult{}, err
		}
		if errors.Is(err, errPartialWrite) {
			touched = true
		}
		lastErr = err
		c.log.Warn("vote operation failed, retrying",
			zap.String("question_id", questionID), zap.Int("attempt", attempt), zap.Error(err))
	}
	return VoteResult{}, lastErr
}

func (c *VoteCoordinator) current(ctx context.Context, questionID string) (VoteResult, error) {
	q, err := c.questions.Get(ctx, questionID)
	if errors.Is(err, store.ErrQuestionNotFound) {
		return VoteResult{}, nil
	}
	if err != nil {
		return VoteResult{}, unavailable("load question", err)
	}
	return resultOf(q), nil
}
