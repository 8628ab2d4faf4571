package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/staffdesk/agent-server-go/internal/provider"
)

// Known tool names. The registry is closed: every name routed to the model
// must resolve to a handler at startup.
const (
	ToolListShifts              = "list_shifts"
	ToolGetTaskSummary          = "get_task_summary"
	ToolGetPriceRules           = "get_price_rules"
	ToolResetClockInThreshold   = "reset_clockin_threshold"
	ToolSendTeamMessage         = "send_team_message"
	ToolUpdatePriceRule         = "update_price_rule"
	ToolAdjustGamificationScore = "adjust_gamification_score"
)

// Handler executes the business action behind a tool name. The engine only
// decides whether and once to invoke it; what it does is the dispatcher's
// concern.
type Handler interface {
	Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

type HandlerFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

func (f HandlerFunc) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return f(ctx, args)
}

type Definition struct {
	Name        string
	Description string
	Prompt      string // human-readable confirmation prompt template
	Parameters  json.RawMessage
	Handler     Handler
}

// Registry maps tool names to handlers. It is populated at wiring time and
// validated once; after that lookups never surprise at runtime. The
// fail-closed classifier is the backstop for anything that still slips
// through from the provider.
type Registry struct {
	defs map[string]Definition
}

func NewRegistry(defs []Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("tool definition with empty name")
		}
		if d.Handler == nil {
			return nil, fmt.Errorf("tool %q has no handler", d.Name)
		}
		if _, dup := r.defs[d.Name]; dup {
			return nil, fmt.Errorf("tool %q registered twice", d.Name)
		}
		r.defs[d.Name] = d
	}
	// every auto-classified name must be backed by a handler
	for name := range autoTools {
		if _, ok := r.defs[name]; !ok {
			return nil, fmt.Errorf("auto-executable tool %q has no handler", name)
		}
	}
	return r, nil
}

func (r *Registry) Lookup(name string) (Definition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	d, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	return d.Handler.Execute(ctx, args)
}

// Specs returns the tool declarations advertised to the completion
// provider, in stable name order.
func (r *Registry) Specs() []provider.ToolSpec {
	specs := make([]provider.ToolSpec, 0, len(r.defs))
	for _, d := range r.defs {
		specs = append(specs, provider.ToolSpec{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// ConfirmationPrompt renders the human-readable prompt shown alongside a
// confirmation-required event.
func (r *Registry) ConfirmationPrompt(name string, args json.RawMessage) string {
	d, ok := r.defs[name]
	if !ok || d.Prompt == "" {
		return fmt.Sprintf("Allow the assistant to run %q with arguments %s?", name, string(args))
	}
	return fmt.Sprintf("%s (arguments: %s)", d.Prompt, string(args))
}
