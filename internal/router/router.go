package router

import (
	"context"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"homeworkhelper/internal/handlers"
	"homeworkhelper/internal/metrics"
	"homeworkhelper/internal/middleware"
	"homeworkhelper/internal/services"
	"homeworkhelper/internal/store"
)

const (
	questionsPerMinute = 10
	votesPerMinute     = 30
	limiterSweepEvery  = 10 * time.Minute
)

// Deps 路由需要的全部依赖
type Deps struct {
	Backend    store.Backend
	Questions  *services.QuestionService
	Ranking    *services.RankingService
	Votes      *services.VoteCoordinator
	Reconciler *services.Reconciler
	Auth       *middleware.Authenticator
	Metrics    *metrics.Collector
	Log        *zap.Logger
	AdminToken string
	CORSOrigin string
}

// New 构建 gin.Engine。ctx 结束时限流器的清理协程退出。
func New(ctx context.Context, d Deps) (*gin.Engine, error) {
	if err := handlers.RegisterValidators(); err != nil {
		return nil, err
	}

	r := gin.New()
	r.Use(middleware.RequestLogger(d.Log, d.Metrics))
	r.Use(middleware.Recovery(d.Log))

	origin := d.CORSOrigin
	if origin == "" {
		origin = "*"
	}
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{origin},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Admin-Token"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: origin != "*",
		MaxAge:           12 * time.Hour,
	}))

	questionLimiter := middleware.PerMinute(questionsPerMinute)
	voteLimiter := middleware.PerMinute(votesPerMinute)
	go questionLimiter.RunJanitor(ctx, limiterSweepEvery)
	go voteLimiter.RunJanitor(ctx, limiterSweepEvery)

	questionHandler := handlers.NewQuestionHandler(d.Questions, d.Ranking)
	voteHandler := handlers.NewVoteHandler(d.Votes)
	adminHandler := handlers.NewAdminHandler(d.Reconciler)
	healthHandler := handlers.NewHealthHandler(d.Backend)

	r.GET("/health", healthHandler.Health)
	r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))

	api := r.Group("/api")
	{
		api.GET("/questions/feed", d.Auth.OptionalAuth(), questionHandler.Feed)         // 分页列表
		api.GET("/questions/trending", d.Auth.OptionalAuth(), questionHandler.Trending) // 热榜
		api.GET("/questions/:id", d.Auth.OptionalAuth(), questionHandler.Detail)        // 题目详情，静态段优先匹配
		// 旧路径别名
		api.GET("/questions", d.Auth.OptionalAuth(), questionHandler.Feed)
		api.GET("/trending", d.Auth.OptionalAuth(), questionHandler.Trending)
		api.POST("/questions", middleware.RateLimit(questionLimiter), d.Auth.RequireAuth(), questionHandler.Create)

		votes := api.Group("/questions/:id/vote", middleware.RateLimit(voteLimiter), d.Auth.RequireAuth())
		votes.POST("", voteHandler.Vote)     // 点赞
		votes.DELETE("", voteHandler.Unvote) // 取消点赞

		api.POST("/admin/reconcile", middleware.AdminToken(d.AdminToken), adminHandler.Reconcile)
	}

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, 404, "Route not found")
	})

	return r, nil
}
