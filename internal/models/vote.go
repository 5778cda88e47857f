package models

import (
	"time"
)

// Vote 一人一题一票，(user_id, question_id) 由唯一索引保证
type Vote struct {
	ID         uint      `gorm:"primaryKey" json:"id" bson:"-"`
	UserID     string    `gorm:"size:64;not null;uniqueIndex:idx_vote_user_question,priority:1" json:"userId" bson:"userId"`
	QuestionID string    `gorm:"size:36;not null;index;uniqueIndex:idx_vote_user_question,priority:2" json:"questionId" bson:"questionId"`
	CreatedAt  time.Time `gorm:"index" json:"createdAt" bson:"createdAt"`
}
