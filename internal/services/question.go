package services

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"homeworkhelper/internal/models"
	"homeworkhelper/internal/store"
)

// Answerer 生成 AI 解答
type Answerer interface {
	Answer(ctx context.Context, subject, question string) (string, error)
}

type QuestionService struct {
	questions store.QuestionStore
	answers   Answerer
	log       *zap.Logger
}

func NewQuestionService(questions store.QuestionStore, answers Answerer, log *zap.Logger) *QuestionService {
	return &QuestionService{questions: questions, answers: answers, log: log}
}

// SubmitInput 提交题目的参数
type SubmitInput struct {
	UserID       string
	Subject      string
	QuestionText string
	Tags         []string
}

// Submit 先保存题目再生成解答。解答失败只记日志，题目保持无解答状态。
func (s *QuestionService) Submit(ctx context.Context, in SubmitInput) (*models.Question, error) {
	q := &models.Question{
		UserID:       in.UserID,
		Subject:      in.Subject,
		QuestionText: strings.TrimSpace(in.QuestionText),
		Tags:         normalizeTags(in.Tags),
	}
	if err := q.Validate(); err != nil {
		return nil, validationError(err.Error())
	}

	if err := s.questions.Create(ctx, q); err != nil {
		s.log.Error("create question failed", zap.Error(err))
		return nil, unavailable("create question", err)
	}

	if s.answers == nil {
		return q, nil
	}
	answer, err := s.answers.Answer(ctx, q.Subject, q.QuestionText)
	switch {
	case errors.Is(err, ErrAnswerDisabled):
		s.log.Debug("ai answer disabled", zap.String("question_id", q.ID))
	case err != nil:
		s.log.Warn("generate ai answer failed", zap.String("question_id", q.ID), zap.Error(err))
	default:
		answer = models.TruncateAnswer(answer)
		if err := s.questions.SetAnswer(ctx, q.ID, answer); err != nil {
			s.log.Error("save ai answer failed", zap.String("question_id", q.ID), zap.Error(err))
			break
		}
		q.AIAnswer = answer
	}
	return q, nil
}

func (s *QuestionService) Get(ctx context.Context, id string) (*models.Question, error) {
	q, err := s.questions.Get(ctx, id)
	if errors.Is(err, store.ErrQuestionNotFound) {
		return nil, ErrQuestionNotFound
	}
	if err != nil {
		return nil, unavailable("load question", err)
	}
	return q, nil
}

// normalizeTags 去空白、去空串、去重，保留原顺序
func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
