package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/staffdesk/agent-server-go/internal/model"
)

type MessageRepository interface {
	Create(ctx context.Context, params model.CreateMessageParams) (*model.Message, error)
	FindByChatID(ctx context.Context, chatID string) ([]model.Message, error)
	FindRecentByChatID(ctx context.Context, chatID string, limit int) ([]model.Message, error)
	CountByChatID(ctx context.Context, chatID string) (int, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) MessageRepository
}

type messageRepo struct {
	db chatDB
}

func NewMessageRepository(db *sqlx.DB) MessageRepository {
	return &messageRepo{db: db}
}

func (r *messageRepo) WithTx(tx *sqlx.Tx) MessageRepository {
	return &messageRepo{db: tx}
}

func (r *messageRepo) Create(ctx context.Context, params model.CreateMessageParams) (*model.Message, error) {
	var msg model.Message
	err := r.db.GetContext(ctx, &msg, `
		INSERT INTO messages (id, chat_id, role, content)
		VALUES ($1, $2, $3, $4)
		RETURNING *
	`, uuid.NewString(), params.ChatID, params.Role, params.Content)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *messageRepo) FindByChatID(ctx context.Context, chatID string) ([]model.Message, error) {
	var msgs []model.Message
	err := r.db.SelectContext(ctx, &msgs, `
		SELECT * FROM messages
		WHERE chat_id = $1
		ORDER BY created_at ASC, id ASC
	`, chatID)
	return msgs, err
}

// FindRecentByChatID returns the newest limit messages in chronological
// order. The turn orchestrator uses this as its bounded history window.
func (r *messageRepo) FindRecentByChatID(ctx context.Context, chatID string, limit int) ([]model.Message, error) {
	var msgs []model.Message
	err := r.db.SelectContext(ctx, &msgs, `
		SELECT * FROM (
			SELECT * FROM messages
			WHERE chat_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC, id ASC
	`, chatID, limit)
	return msgs, err
}

func (r *messageRepo) CountByChatID(ctx context.Context, chatID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM messages WHERE chat_id = $1
	`, chatID)
	return count, err
}
