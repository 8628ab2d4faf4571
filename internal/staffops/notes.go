package staffops

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// Notes fetches collaborator-owned policy/memory notes for a conversation.
// The engine folds them into the turn context as opaque text.
func (c *Client) Notes(ctx context.Context, accountID, chatID string) ([]string, error) {
	q := url.Values{}
	q.Set("accountId", accountID)
	q.Set("chatId", chatID)

	raw, err := c.Get(ctx, "/internal/assistant/notes?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var resp struct {
		Notes []string `json:"notes"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode notes response: %w", err)
	}
	return resp.Notes, nil
}
