package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"homeworkhelper/internal/metrics"
	"homeworkhelper/internal/models"
	"homeworkhelper/internal/utils"
)

var ErrAnswerDisabled = errors.New("ai answer disabled: no api key configured")

const (
	DefaultAnswerModel  = openai.GPT3Dot5Turbo
	answerMaxTokens     = 1000
	answerTemperature   = 0.7
	answerCacheSize     = 500
	DefaultAnswerTTL    = 24 * time.Hour
	answerCallTimeout   = 30 * time.Second
	breakerMinRequests  = 5
	breakerFailureRatio = 0.6
)

type AnswerConfig struct {
	APIKey   string
	BaseURL  string
	Model    string
	CacheTTL time.Duration
	Now      utils.Clock
}

// AnswerService 调用 OpenAI 兼容接口生成解答，带熔断与 TTL 缓存
type AnswerService struct {
	client  *openai.Client
	model   string
	cache   *utils.TTLCache[string]
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
	metrics *metrics.Collector
}

func NewAnswerService(cfg AnswerConfig, log *zap.Logger, m *metrics.Collector) (*AnswerService, error) {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultAnswerTTL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultAnswerModel
	}
	cache, err := utils.NewTTLCache[string](answerCacheSize, cfg.CacheTTL, cfg.Now)
	if err != nil {
		return nil, err
	}

	s := &AnswerService{
		model:   cfg.Model,
		cache:   cache,
		log:     log,
		metrics: m,
	}
	if cfg.APIKey != "" {
		config := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			config.BaseURL = cfg.BaseURL
		}
		s.client = openai.NewClientWithConfig(config)
	}

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openai",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < breakerMinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= breakerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// 调用方取消不算上游故障
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return s, nil
}

// Enabled 是否配置了 API key
func (s *AnswerService) Enabled() bool { return s.client != nil }

func cacheKey(subject, question string) string {
	return strings.ToLower(subject + ":" + question)
}

// Answer 返回解答（已按 MaxAnswerLen 截断），命中缓存时不访问上游
func (s *AnswerService) Answer(ctx context.Context, subject, question string) (string, error) {
	key := cacheKey(subject, question)
	if answer, ok := s.cache.Get(key); ok {
		s.metrics.AnswerCacheHits.Inc()
		return answer, nil
	}
	s.metrics.AnswerCacheMisses.Inc()

	if !s.Enabled() {
		s.metrics.AnswerRequests.WithLabelValues("disabled").Inc()
		return "", ErrAnswerDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, answerCallTimeout)
	defer cancel()

	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.complete(ctx, subject, question)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			s.metrics.AnswerRequests.WithLabelValues("circuit_open").Inc()
			return "", newError(KindUnavailable, "ANSWER_UNAVAILABLE", "answer service temporarily unavailable", err)
		}
		s.metrics.AnswerRequests.WithLabelValues("error").Inc()
		return "", newError(KindUnavailable, "ANSWER_FAILED", "generate answer failed", err)
	}

	answer := models.TruncateAnswer(out.(string))
	s.cache.Set(key, answer)
	s.metrics.AnswerRequests.WithLabelValues("ok").Inc()
	return answer, nil
}

func (s *AnswerService) complete(ctx context.Context, subject, question string) (string, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: fmt.Sprintf("You are a patient %s tutor. Explain the solution step by step in Markdown.", subject),
			},
			{Role: openai.ChatMessageRoleUser, Content: question},
		},
		MaxTokens:   answerMaxTokens,
		Temperature: answerTemperature,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in completion response")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", errors.New("empty completion content")
	}
	return content, nil
}
