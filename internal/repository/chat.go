package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/staffdesk/agent-server-go/internal/model"
)

// ChatSessionRepository owns chat session rows. Ownership is part of the
// fetch contract: FindByIDAndAccount returns nil for a session owned by a
// different account, indistinguishable from a missing row.
type ChatSessionRepository interface {
	FindByIDAndAccount(ctx context.Context, id, accountID string) (*model.ChatSession, error)
	ListByAccountID(ctx context.Context, accountID string) ([]model.ChatSession, error)
	Create(ctx context.Context, params model.CreateChatSessionParams) (*model.ChatSession, error)
	Touch(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) ChatSessionRepository
}

// chatDB is an interface satisfied by both *sqlx.DB and *sqlx.Tx
type chatDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type chatSessionRepo struct {
	db chatDB
}

func NewChatSessionRepository(db *sqlx.DB) ChatSessionRepository {
	return &chatSessionRepo{db: db}
}

func (r *chatSessionRepo) WithTx(tx *sqlx.Tx) ChatSessionRepository {
	return &chatSessionRepo{db: tx}
}

func (r *chatSessionRepo) FindByIDAndAccount(ctx context.Context, id, accountID string) (*model.ChatSession, error) {
	var session model.ChatSession
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM chat_sessions WHERE id = $1 AND account_id = $2
	`, id, accountID)
	return HandleNotFound(&session, err)
}

func (r *chatSessionRepo) ListByAccountID(ctx context.Context, accountID string) ([]model.ChatSession, error) {
	var sessions []model.ChatSession
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM chat_sessions
		WHERE account_id = $1
		ORDER BY updated_at DESC
	`, accountID)
	return sessions, err
}

func (r *chatSessionRepo) Create(ctx context.Context, params model.CreateChatSessionParams) (*model.ChatSession, error) {
	var session model.ChatSession
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO chat_sessions (id, account_id, title)
		VALUES ($1, $2, $3)
		RETURNING *
	`, uuid.NewString(), params.AccountID, params.Title)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *chatSessionRepo) Touch(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE chat_sessions SET updated_at = $2 WHERE id = $1
	`, id, time.Now())
	return err
}

// Delete cascades to messages and pending actions via foreign keys.
func (r *chatSessionRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM chat_sessions WHERE id = $1
	`, id)
	return err
}
