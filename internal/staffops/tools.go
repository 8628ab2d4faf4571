package staffops

import (
	"context"
	"encoding/json"

	"github.com/staffdesk/agent-server-go/internal/tool"
)

func objSchema(props string) json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":` + props + `}`)
}

// ToolDefinitions wires the staff operations API into the tool registry.
// Read-only tools are auto-executable per the classifier table; everything
// else requires confirmation.
func ToolDefinitions(c *Client) []tool.Definition {
	return []tool.Definition{
		{
			Name:        tool.ToolListShifts,
			Description: "List today's shifts, optionally filtered by team.",
			Parameters:  objSchema(`{"team":{"type":"string"},"date":{"type":"string","format":"date"}}`),
			Handler: tool.HandlerFunc(func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
				return c.Post(ctx, "/internal/shifts/query", args)
			}),
		},
		{
			Name:        tool.ToolGetTaskSummary,
			Description: "Summarize open and overdue tasks for a team or employee.",
			Parameters:  objSchema(`{"team":{"type":"string"},"employeeId":{"type":"string"}}`),
			Handler: tool.HandlerFunc(func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
				return c.Post(ctx, "/internal/tasks/summary", args)
			}),
		},
		{
			Name:        tool.ToolGetPriceRules,
			Description: "Fetch the currently active pricing rules.",
			Parameters:  objSchema(`{}`),
			Handler: tool.HandlerFunc(func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
				return c.Get(ctx, "/internal/pricing/rules")
			}),
		},
		{
			Name:        tool.ToolResetClockInThreshold,
			Description: "Reset the clock-in warning threshold for an employee.",
			Prompt:      "Reset the clock-in warning threshold",
			Parameters:  objSchema(`{"employeeId":{"type":"string"},"thresholdMinutes":{"type":"integer"}}`),
			Handler: tool.HandlerFunc(func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
				return c.Post(ctx, "/internal/timetracking/threshold/reset", args)
			}),
		},
		{
			Name:        tool.ToolSendTeamMessage,
			Description: "Send an announcement message to a team channel.",
			Prompt:      "Send a message to the team channel",
			Parameters:  objSchema(`{"team":{"type":"string"},"text":{"type":"string"}}`),
			Handler: tool.HandlerFunc(func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
				return c.Post(ctx, "/internal/messaging/send", args)
			}),
		},
		{
			Name:        tool.ToolUpdatePriceRule,
			Description: "Change a pricing rule's rate or validity window.",
			Prompt:      "Update a pricing rule",
			Parameters:  objSchema(`{"ruleId":{"type":"string"},"rate":{"type":"number"},"validFrom":{"type":"string","format":"date"}}`),
			Handler: tool.HandlerFunc(func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
				return c.Post(ctx, "/internal/pricing/rules/update", args)
			}),
		},
		{
			Name:        tool.ToolAdjustGamificationScore,
			Description: "Manually adjust an employee's gamification score.",
			Prompt:      "Adjust a gamification score",
			Parameters:  objSchema(`{"employeeId":{"type":"string"},"delta":{"type":"integer"},"note":{"type":"string"}}`),
			Handler: tool.HandlerFunc(func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
				return c.Post(ctx, "/internal/gamification/adjust", args)
			}),
		},
	}
}
