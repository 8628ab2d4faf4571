package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// ToolGrantRepository backs the permission gate. A grant row means the
// account may use the tool; absence means denied (default deny).
type ToolGrantRepository interface {
	HasGrant(ctx context.Context, accountID, toolName string) (bool, error)
}

type toolGrantRepo struct {
	db *sqlx.DB
}

func NewToolGrantRepository(db *sqlx.DB) ToolGrantRepository {
	return &toolGrantRepo{db: db}
}

func (r *toolGrantRepo) HasGrant(ctx context.Context, accountID, toolName string) (bool, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM tool_grants
		WHERE account_id = $1 AND tool_name = $2 AND revoked_at IS NULL
	`, accountID, toolName)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
