package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"homeworkhelper/internal/middleware"
	"homeworkhelper/internal/services"
)

type VoteHandler struct {
	votes *services.VoteCoordinator
}

func NewVoteHandler(votes *services.VoteCoordinator) *VoteHandler {
	return &VoteHandler{votes: votes}
}

// Vote 点赞，同一用户对同一题只能一次
func (h *VoteHandler) Vote(c *gin.Context) {
	res, err := h.votes.CastWithRetry(c.Request.Context(), middleware.CurrentUserID(c), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	OK(c, http.StatusOK, "Vote recorded successfully", res)
}

// Unvote 取消点赞
func (h *VoteHandler) Unvote(c *gin.Context) {
	res, err := h.votes.RetractWithRetry(c.Request.Context(), middleware.CurrentUserID(c), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	OK(c, http.StatusOK, "Vote removed successfully", res)
}
