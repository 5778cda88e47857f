package services

import (
	"errors"
	"fmt"
)

// Kind 错误分类，决定调用方能否重试以及 HTTP 状态码
type Kind string

const (
	KindValidation  Kind = "VALIDATION"
	KindNotFound    Kind = "NOT_FOUND"
	KindConflict    Kind = "CONFLICT"
	KindUnavailable Kind = "UNAVAILABLE" // 存储或上游暂时失败，可重试
	KindInternal    Kind = "INTERNAL"
	KindInvariant   Kind = "INVARIANT" // 数据不变量被破坏，需要告警
)

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is 按 Code 匹配，便于 errors.Is(err, ErrAlreadyVoted) 判断包装后的错误
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code != "" && e.Code == t.Code
}

// Retriable 只有暂时性失败值得重试
func (e *Error) Retriable() bool { return e.Kind == KindUnavailable }

var (
	ErrQuestionNotFound = &Error{Kind: KindNotFound, Code: "QUESTION_NOT_FOUND", Message: "question not found"}
	ErrAlreadyVoted     = &Error{Kind: KindConflict, Code: "ALREADY_VOTED", Message: "already voted on this question"}
	ErrVoteNotFound     = &Error{Kind: KindNotFound, Code: "VOTE_NOT_FOUND", Message: "vote not found"}
	ErrInvalidQuery     = &Error{Kind: KindValidation, Code: "INVALID_QUERY", Message: "invalid query"}
)

func newError(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

func validationError(message string) *Error {
	return newError(KindValidation, ErrInvalidQuery.Code, message, nil)
}

func unavailable(op string, cause error) *Error {
	return newError(KindUnavailable, "STORE_UNAVAILABLE", op+" failed", cause)
}

// errPartialWrite 台账可能已写入但计数未跟上（或无法确认台账是否写入）。
// 只有带这个 Code 的失败之后，重试遇到 ErrAlreadyVoted / ErrVoteNotFound 才算上一次成功。
var errPartialWrite = &Error{Kind: KindUnavailable, Code: "PARTIAL_WRITE", Message: "vote partially applied"}

func partialWrite(op string, cause error) *Error {
	return newError(KindUnavailable, errPartialWrite.Code, op+" failed after touching the vote ledger", cause)
}

func invariantViolation(message string) *Error {
	return newError(KindInvariant, "INVARIANT_VIOLATION", message, nil)
}

// KindOf 非 *Error 一律视为内部错误
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetriable 判断错误是否为可重试的暂时性失败
func IsRetriable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retriable()
}
