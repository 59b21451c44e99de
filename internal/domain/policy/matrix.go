package policy

import (
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/governance"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/tool"
)

// triStateMatrix is the mandatory mode x risk table. It has no I/O, no
// hidden state, and is safe on the hot path.
var triStateMatrix = map[governance.Mode]map[tool.RiskLevel]Action{
	governance.ModeReadOnly: {
		tool.RiskSafe:      ActionAllow,
		tool.RiskSensitive: ActionDeny,
		tool.RiskDangerous: ActionDeny,
		tool.RiskUnknown:   ActionApprovalRequired, // fail-safe, not fail-open
	},
	governance.ModePermission: {
		tool.RiskSafe:      ActionAllow,
		tool.RiskSensitive: ActionApprovalRequired,
		tool.RiskDangerous: ActionApprovalRequired,
		tool.RiskUnknown:   ActionApprovalRequired,
	},
	governance.ModeBypass: {
		tool.RiskSafe:      ActionAllow,
		tool.RiskSensitive: ActionAllow,
		tool.RiskDangerous: ActionAllow,
		tool.RiskUnknown:   ActionAllow,
	},
}

// EvaluateMatrix implements the tri-state policy engine of the governance
// middleware: a pure (mode, risk, tool_id) -> Decision function. Bootstrap
// tool ids always allow, regardless of mode or risk. An unrecognized mode is
// treated as ModePermission's row (the same fail-safe collapse
// governance.ParseMode already performs for stored mode values).
func EvaluateMatrix(mode governance.Mode, risk tool.RiskLevel, toolID string) Decision {
	if tool.IsBootstrap(toolID) {
		return Decision{Allowed: true, Reason: "bootstrap tool"}
	}

	row, ok := triStateMatrix[mode]
	if !ok {
		row = triStateMatrix[governance.ModePermission]
	}

	action, ok := row[risk]
	if !ok {
		action = ActionApprovalRequired
	}

	d := Decision{Reason: string(mode) + "/" + string(risk)}
	switch action {
	case ActionAllow:
		d.Allowed = true
	case ActionApprovalRequired:
		d.RequiresApproval = true
	default:
		// ActionDeny
	}
	return d
}
