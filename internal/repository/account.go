package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/staffdesk/agent-server-go/internal/model"
)

type AccountRepository interface {
	FindByID(ctx context.Context, id string) (*model.Account, error)
	FindByTokenHash(ctx context.Context, tokenHash string) (*model.Account, error)
	DeleteDisabledTokens(ctx context.Context) (int64, error)
}

type accountRepo struct {
	db *sqlx.DB
}

func NewAccountRepository(db *sqlx.DB) AccountRepository {
	return &accountRepo{db: db}
}

func (r *accountRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	var account model.Account
	err := r.db.GetContext(ctx, &account, `
		SELECT * FROM accounts WHERE id = $1 AND disabled_at IS NULL
	`, id)
	return HandleNotFound(&account, err)
}

func (r *accountRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*model.Account, error) {
	var account model.Account
	err := r.db.GetContext(ctx, &account, `
		SELECT * FROM accounts
		WHERE api_token_hash = $1 AND disabled_at IS NULL
	`, tokenHash)
	return HandleNotFound(&account, err)
}

// DeleteDisabledTokens clears token hashes of accounts disabled more than a
// day ago so stale credentials cannot be replayed.
func (r *accountRepo) DeleteDisabledTokens(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET api_token_hash = ''
		WHERE disabled_at IS NOT NULL
		AND disabled_at < NOW() - INTERVAL '1 day'
		AND api_token_hash <> ''
	`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
