package model

import (
	"time"
)

// ChatSession is owned exclusively by its creating account; no session is
// shared. It is never structurally mutated except by message append.
type ChatSession struct {
	ID        string    `db:"id" json:"id"`
	AccountID string    `db:"account_id" json:"accountId"`
	Title     string    `db:"title" json:"title"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

type CreateChatSessionParams struct {
	AccountID string
	Title     string
}

// Message is append-only; rows are never edited or deleted individually.
type Message struct {
	ID        string      `db:"id" json:"id"`
	ChatID    string      `db:"chat_id" json:"chatId"`
	Role      MessageRole `db:"role" json:"role"`
	Content   string      `db:"content" json:"content"`
	CreatedAt time.Time   `db:"created_at" json:"createdAt"`
}

type CreateMessageParams struct {
	ChatID  string
	Role    MessageRole
	Content string
}
