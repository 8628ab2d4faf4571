package tool

// Classification decides how a tool call is dispatched: auto-executable
// calls run inline within the turn, consequential calls are parked behind
// explicit human confirmation.
type Classification string

const (
	ClassifyAuto    Classification = "auto"
	ClassifyConfirm Classification = "confirm"
)

// autoTools is the static policy table. Anything absent classifies as
// confirm: an unrecognized capability is never auto-executed.
var autoTools = map[string]bool{
	ToolListShifts:     true,
	ToolGetTaskSummary: true,
	ToolGetPriceRules:  true,
}

func Classify(toolName string) Classification {
	if autoTools[toolName] {
		return ClassifyAuto
	}
	return ClassifyConfirm
}
