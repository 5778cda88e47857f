package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"homeworkhelper/internal/services"
)

const (
	msgValidation  = "Validation error"
	msgServerError = "Internal server error"
	msgUnavailable = "Service temporarily unavailable, please retry"
)

// Response 统一响应结构
type Response struct {
	Success bool     `json:"success"`
	Message string   `json:"message,omitempty"`
	Data    any      `json:"data,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

func OK(c *gin.Context, status int, message string, data any) {
	c.JSON(status, Response{Success: true, Message: message, Data: data})
}

func Fail(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, Response{Success: false, Message: message})
}

// BindError 参数绑定失败，逐字段给出原因
func BindError(c *gin.Context, err error) {
	resp := Response{Success: false, Message: msgValidation}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			resp.Errors = append(resp.Errors, fieldMessage(fe))
		}
	} else {
		resp.Errors = []string{err.Error()}
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, resp)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "subject":
		return "Valid subject is required"
	case "min", "max":
		return fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	}
	return fmt.Sprintf("%s is invalid", fe.Field())
}

// RespondError 把业务错误映射为 HTTP 状态码
func RespondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrAlreadyVoted):
		Fail(c, http.StatusBadRequest, "You have already voted on this question")
		return
	case errors.Is(err, services.ErrVoteNotFound):
		Fail(c, http.StatusNotFound, "Vote not found")
		return
	case errors.Is(err, services.ErrQuestionNotFound):
		Fail(c, http.StatusNotFound, "Question not found")
		return
	}

	var se *services.Error
	errors.As(err, &se)
	switch services.KindOf(err) {
	case services.KindValidation:
		Fail(c, http.StatusBadRequest, se.Message)
	case services.KindNotFound:
		Fail(c, http.StatusNotFound, se.Message)
	case services.KindConflict:
		Fail(c, http.StatusConflict, se.Message)
	case services.KindUnavailable:
		_ = c.Error(err)
		Fail(c, http.StatusServiceUnavailable, msgUnavailable)
	default:
		_ = c.Error(err)
		Fail(c, http.StatusInternalServerError, msgServerError)
	}
}
