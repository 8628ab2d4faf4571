package permission

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/staffdesk/agent-server-go/internal/repository"
)

// Gate is a PermissionGate backed by the tool_grants table. Default deny:
// an account with no grant row for a tool name is not allowed. Grants can
// be revoked between a proposal and its confirmation, which is exactly why
// the gate is rechecked at execution time.
type Gate struct {
	grantRepo repository.ToolGrantRepository
}

func NewGate(grantRepo repository.ToolGrantRepository) *Gate {
	return &Gate{grantRepo: grantRepo}
}

func (g *Gate) Check(ctx context.Context, accountID, toolName string, toolArgs json.RawMessage) (bool, error) {
	allowed, err := g.grantRepo.HasGrant(ctx, accountID, toolName)
	if err != nil {
		return false, fmt.Errorf("check tool grant: %w", err)
	}

	if !allowed {
		log.Warn().
			Str("accountId", accountID).
			Str("tool", toolName).
			Msg("permission denied")
	}

	return allowed, nil
}
