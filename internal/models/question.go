package models

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

const (
	MaxQuestionTextLen = 2000
	MaxAnswerLen       = 5000
	MaxTagLen          = 50
	MaxTags            = 10
)

type Question struct {
	ID            string    `gorm:"primaryKey;size:36" json:"_id" bson:"_id"`
	UserID        string    `gorm:"size:64;not null;index" json:"userId" bson:"userId"`
	Subject       string    `gorm:"size:32;not null;index;index:idx_subject_trending,priority:1" json:"subject" bson:"subject"`
	QuestionText  string    `gorm:"type:text;not null" json:"questionText" bson:"questionText"`
	AIAnswer      string    `gorm:"type:text" json:"aiAnswer,omitempty" bson:"aiAnswer,omitempty"`
	Upvotes       int       `gorm:"not null;default:0;index" json:"upvotes" bson:"upvotes"`
	TrendingScore float64   `gorm:"not null;default:0;index;index:idx_subject_trending,priority:2,sort:desc" json:"trendingScore" bson:"trendingScore"`
	Tags          []string  `gorm:"serializer:json;type:text" json:"tags" bson:"tags"`
	CreatedAt     time.Time `gorm:"index" json:"createdAt" bson:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt" bson:"updatedAt"`
}

// Validate 检查字段约束（长度按字符计）
func (q *Question) Validate() error {
	if !IsSubject(q.Subject) {
		return fmt.Errorf("invalid subject %q", q.Subject)
	}
	n := utf8.RuneCountInString(q.QuestionText)
	if n == 0 {
		return errors.New("question text is required")
	}
	if n > MaxQuestionTextLen {
		return fmt.Errorf("question text cannot exceed %d characters", MaxQuestionTextLen)
	}
	if utf8.RuneCountInString(q.AIAnswer) > MaxAnswerLen {
		return fmt.Errorf("AI answer cannot exceed %d characters", MaxAnswerLen)
	}
	if len(q.Tags) > MaxTags {
		return fmt.Errorf("at most %d tags allowed", MaxTags)
	}
	for _, tag := range q.Tags {
		if utf8.RuneCountInString(tag) > MaxTagLen {
			return fmt.Errorf("tag cannot exceed %d characters", MaxTagLen)
		}
	}
	return nil
}

// TruncateAnswer 按字符截断到 MaxAnswerLen
func TruncateAnswer(s string) string {
	if utf8.RuneCountInString(s) <= MaxAnswerLen {
		return s
	}
	return string([]rune(s)[:MaxAnswerLen])
}

// VoteTally 反查计数用：题目 ID 与当前冗余计数
type VoteTally struct {
	QuestionID string
	Upvotes    int
}
