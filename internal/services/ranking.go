package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"homeworkhelper/internal/metrics"
	"homeworkhelper/internal/models"
	"homeworkhelper/internal/store"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100

	// DefaultReconcileGrace 最近这段时间内有写入的题目本轮不修正
	DefaultReconcileGrace = 2 * time.Minute
)

// Page 一页结果与总数
type Page struct {
	Items      []models.Question
	Total      int64
	Page       int
	PageSize   int
	TotalPages int
}

// RankingService 列表与热榜查询，只读缓存的 trending score，不在查询时重算
type RankingService struct {
	questions       store.QuestionStore
	votes           store.VoteLedger
	defaultPageSize int
	maxPageSize     int
}

func NewRankingService(questions store.QuestionStore, votes store.VoteLedger, defaultPageSize, maxPageSize int) *RankingService {
	if maxPageSize <= 0 {
		maxPageSize = MaxPageSize
	}
	if defaultPageSize <= 0 {
		defaultPageSize = DefaultPageSize
	}
	if defaultPageSize > maxPageSize {
		defaultPageSize = maxPageSize
	}
	return &RankingService{
		questions:       questions,
		votes:           votes,
		defaultPageSize: defaultPageSize,
		maxPageSize:     maxPageSize,
	}
}

// Normalize 页码 < 1 取 1，页大小缺省取默认值并截到上限，空排序按 trending
func (s *RankingService) Normalize(q models.ListQuery) (models.ListQuery, error) {
	if q.Sort == "" {
		q.Sort = models.SortTrending
	}
	if !q.Sort.Valid() {
		return q, validationError(fmt.Sprintf("unknown sort %q", q.Sort))
	}
	if q.Subject != "" && !models.IsSubject(q.Subject) {
		return q, validationError(fmt.Sprintf("unknown subject %q", q.Subject))
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = s.defaultPageSize
	}
	if q.PageSize > s.maxPageSize {
		q.PageSize = s.maxPageSize
	}
	return q, nil
}

func (s *RankingService) List(ctx context.Context, q models.ListQuery) (Page, error) {
	q, err := s.Normalize(q)
	if err != nil {
		return Page{}, err
	}
	items, total, err := s.questions.List(ctx, q)
	if err != nil {
		return Page{}, unavailable("list questions", err)
	}
	totalPages := int((total + int64(q.PageSize) - 1) / int64(q.PageSize))
	return Page{
		Items:      items,
		Total:      total,
		Page:       q.Page,
		PageSize:   q.PageSize,
		TotalPages: totalPages,
	}, nil
}

// Trending 热榜第一页
func (s *RankingService) Trending(ctx context.Context, subject string, limit int) ([]models.Question, error) {
	p, err := s.List(ctx, models.ListQuery{Subject: subject, Sort: models.SortTrending, Page: 1, PageSize: limit})
	if err != nil {
		return nil, err
	}
	return p.Items, nil
}

// VotedOn 当前用户在这些题目上是否投过票，匿名用户全部为 false
func (s *RankingService) VotedOn(ctx context.Context, userID string, items []models.Question) (map[string]bool, error) {
	if userID == "" || len(items) == 0 {
		return map[string]bool{}, nil
	}
	ids := make([]string, len(items))
	for i := range items {
		ids[i] = items[i].ID
	}
	voted, err := s.votes.VotedOn(ctx, userID, ids)
	if err != nil {
		return nil, unavailable("load votes", err)
	}
	return voted, nil
}

// Reconciler 以投票台账为准修正题目上的冗余计数
type Reconciler struct {
	questions store.QuestionStore
	votes     store.VoteLedger
	log       *zap.Logger
	metrics   *metrics.Collector
	grace     time.Duration

	mu   sync.Mutex
	cron *cron.Cron
}

func NewReconciler(questions store.QuestionStore, votes store.VoteLedger, log *zap.Logger, m *metrics.Collector) *Reconciler {
	return &Reconciler{questions: questions, votes: votes, log: log, metrics: m, grace: DefaultReconcileGrace}
}

// WithGrace 设置静默窗口，负数按 0 处理
func (r *Reconciler) WithGrace(d time.Duration) *Reconciler {
	if d < 0 {
		d = 0
	}
	r.grace = d
	return r
}

// Run 执行一次对账，返回修正的题目数。
// Counts/Tallies 只用来挑出可疑题目，真正的重算与写入由存储层逐题 compare-and-set 完成，
// 两次读取之间发生的投票不会被覆盖。
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	r.metrics.ReconcileRuns.Inc()

	counts, err := r.votes.Counts(ctx)
	if err != nil {
		return 0, unavailable("count votes", err)
	}
	tallies, err := r.questions.Tallies(ctx)
	if err != nil {
		return 0, unavailable("load tallies", err)
	}

	corrected, skipped := 0, 0
	for _, t := range tallies {
		if err := ctx.Err(); err != nil {
			return corrected, err
		}
		if t.Upvotes == int(counts[t.QuestionID]) {
			continue
		}
		if t.Upvotes < 0 {
			r.metrics.InvariantViolations.WithLabelValues("non_negative_upvotes").Inc()
		}
		q, ok, err := r.questions.RecountUpvotes(ctx, t.QuestionID, t.Upvotes, r.grace)
		if err != nil {
			return corrected, unavailable("correct upvotes", err)
		}
		if !ok {
			// 计数已变化或仍有进行中的写入，留给下一轮
			skipped++
			r.log.Debug("upvote drift left for next run", zap.String("question_id", t.QuestionID))
			continue
		}
		corrected++
		r.metrics.ReconcileCorrections.Inc()
		r.log.Warn("upvote counter drift corrected",
			zap.String("question_id", t.QuestionID),
			zap.Int("stored", t.Upvotes),
			zap.Int("ledger", q.Upvotes))
	}

	r.log.Info("reconciliation finished",
		zap.Int("questions", len(tallies)),
		zap.Int("corrected", corrected),
		zap.Int("skipped", skipped))
	return corrected, nil
}

// Start 按 cron 表达式定期对账（支持 "@every 1h" 这类描述符），空表达式不启动
func (r *Reconciler) Start(schedule string) error {
	if schedule == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron != nil {
		r.cron.Stop()
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() {
		if _, err := r.Run(context.Background()); err != nil {
			r.log.Error("scheduled reconciliation failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}
	c.Start()
	r.cron = c
	return nil
}

// Stop 停止调度并等待正在执行的任务结束
func (r *Reconciler) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}
