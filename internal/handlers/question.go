package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"homeworkhelper/internal/middleware"
	"homeworkhelper/internal/models"
	"homeworkhelper/internal/services"
	"homeworkhelper/internal/utils"
)

type QuestionHandler struct {
	questions *services.QuestionService
	ranking   *services.RankingService
}

func NewQuestionHandler(questions *services.QuestionService, ranking *services.RankingService) *QuestionHandler {
	return &QuestionHandler{questions: questions, ranking: ranking}
}

// questionView 题目加上当前用户视角的字段
type questionView struct {
	models.Question
	HasVoted     bool   `json:"hasVoted"`
	AIAnswerHTML string `json:"aiAnswerHtml,omitempty"`
}

type pagination struct {
	Page       int   `json:"page,omitempty"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"totalPages,omitempty"`
}

type createQuestionRequest struct {
	Subject      string   `json:"subject" binding:"required,subject"`
	QuestionText string   `json:"questionText" binding:"required,min=10,max=2000"`
	Tags         []string `json:"tags" binding:"omitempty,max=10,dive,max=50"`
}

type listQuery struct {
	Page    int    `form:"page" binding:"omitempty,min=1"`
	Limit   int    `form:"limit" binding:"omitempty,min=1,max=100"`
	Subject string `form:"subject" binding:"omitempty,subject"`
	SortBy  string `form:"sortBy" binding:"omitempty,oneof=trending recent votes"`
}

// Create 提交题目，AI 解答失败不影响保存
func (h *QuestionHandler) Create(c *gin.Context) {
	var req createQuestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BindError(c, err)
		return
	}

	q, err := h.questions.Submit(c.Request.Context(), services.SubmitInput{
		UserID:       middleware.CurrentUserID(c),
		Subject:      req.Subject,
		QuestionText: req.QuestionText,
		Tags:         req.Tags,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	OK(c, http.StatusCreated, "Question submitted successfully", gin.H{"question": q})
}

// Detail 单题详情，带 hasVoted 和渲染后的解答
func (h *QuestionHandler) Detail(c *gin.Context) {
	q, err := h.questions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	views, err := h.annotate(c, []models.Question{*q})
	if err != nil {
		RespondError(c, err)
		return
	}
	view := views[0]
	if view.AIAnswer != "" {
		view.AIAnswerHTML = utils.RenderMarkdown(view.AIAnswer)
	}
	OK(c, http.StatusOK, "", gin.H{"question": view})
}

// Feed 分页列表，支持学科过滤和三种排序
func (h *QuestionHandler) Feed(c *gin.Context) {
	var query listQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		BindError(c, err)
		return
	}

	page, err := h.ranking.List(c.Request.Context(), models.ListQuery{
		Subject:  query.Subject,
		Sort:     models.SortMode(query.SortBy),
		Page:     query.Page,
		PageSize: query.Limit,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	views, err := h.annotate(c, page.Items)
	if err != nil {
		RespondError(c, err)
		return
	}
	OK(c, http.StatusOK, "", gin.H{
		"questions": views,
		"pagination": pagination{
			Page:       page.Page,
			Limit:      page.PageSize,
			Total:      page.Total,
			TotalPages: page.TotalPages,
		},
	})
}

// Trending 热榜
func (h *QuestionHandler) Trending(c *gin.Context) {
	var query listQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		BindError(c, err)
		return
	}

	items, err := h.ranking.Trending(c.Request.Context(), query.Subject, query.Limit)
	if err != nil {
		RespondError(c, err)
		return
	}
	views, err := h.annotate(c, items)
	if err != nil {
		RespondError(c, err)
		return
	}
	limit := query.Limit
	if limit == 0 {
		limit = services.DefaultPageSize
	}
	OK(c, http.StatusOK, "", gin.H{
		"questions":  views,
		"pagination": pagination{Limit: limit, Total: int64(len(views))},
	})
}

func (h *QuestionHandler) annotate(c *gin.Context, items []models.Question) ([]questionView, error) {
	voted, err := h.ranking.VotedOn(c.Request.Context(), middleware.CurrentUserID(c), items)
	if err != nil {
		return nil, err
	}
	views := make([]questionView, len(items))
	for i := range items {
		views[i] = questionView{Question: items[i], HasVoted: voted[items[i].ID]}
	}
	return views, nil
}
