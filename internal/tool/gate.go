package tool

import (
	"context"
	"encoding/json"
)

// PermissionGate is the external capability check. It is consulted twice
// for any confirmation-required tool: once when the call is proposed and
// again, unconditionally, at the moment of execution after approval. The
// second check is the authorization boundary; the first only filters what
// is offered for confirmation.
type PermissionGate interface {
	Check(ctx context.Context, accountID, toolName string, toolArgs json.RawMessage) (bool, error)
}
