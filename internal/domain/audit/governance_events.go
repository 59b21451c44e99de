package audit

import "time"

// EventTag is a governance audit event tag. The set is closed: every
// governance decision path emits exactly one of these, never a free-form
// string, so downstream queries and dashboards can rely on an enum.
type EventTag string

const (
	EventToolInvoked           EventTag = "tool_invoked"
	EventApprovalRequested     EventTag = "approval_requested"
	EventApprovalGranted       EventTag = "approval_granted"
	EventApprovalDenied        EventTag = "approval_denied"
	EventApprovalTimeout       EventTag = "approval_timeout"
	EventScopedElevationUsed   EventTag = "scoped_elevation_used"
	EventScopedElevationGrant  EventTag = "scoped_elevation_granted"
	EventElevationsRevoked     EventTag = "elevations_revoked"
	EventModeChanged           EventTag = "mode_changed"
	EventBlockedReadOnly       EventTag = "blocked_read_only"
	EventBypassExecuted        EventTag = "bypass_executed"
)

// newGovernanceRecord builds the common shape every governance event shares:
// timestamp, event tag, session id, request id, plus free-form extras.
func newGovernanceRecord(event EventTag, sessionID, requestID string, extra map[string]interface{}) AuditRecord {
	return AuditRecord{
		Timestamp: time.Now(),
		Event:     string(event),
		SessionID: sessionID,
		RequestID: requestID,
		Extra:     extra,
	}
}

// NewToolInvokedRecord logs a tool call reaching governance. It is emitted
// right after the mode read, before the allow/deny/approval-required
// decision; callers pass the current mode as decision.
func NewToolInvokedRecord(sessionID, requestID, toolName, decision, reason string) AuditRecord {
	r := newGovernanceRecord(EventToolInvoked, sessionID, requestID, nil)
	r.ToolName = toolName
	r.Decision = decision
	r.Reason = reason
	return r
}

// NewApprovalRequestedRecord logs that an elicitation was dispatched.
func NewApprovalRequestedRecord(sessionID, requestID, toolName string, requiredScopes []string) AuditRecord {
	r := newGovernanceRecord(EventApprovalRequested, sessionID, requestID, map[string]interface{}{
		"required_scopes": requiredScopes,
	})
	r.ToolName = toolName
	return r
}

// NewApprovalGrantedRecord logs a successful, scope-validated approval.
func NewApprovalGrantedRecord(sessionID, requestID, toolName string, selectedScopes []string, leaseSeconds int) AuditRecord {
	r := newGovernanceRecord(EventApprovalGranted, sessionID, requestID, map[string]interface{}{
		"selected_scopes": selectedScopes,
		"lease_seconds":   leaseSeconds,
	})
	r.ToolName = toolName
	r.Decision = DecisionAllow
	return r
}

// NewApprovalDeniedRecord logs a denial, whether the user said no or the
// response failed the scope validation laws.
func NewApprovalDeniedRecord(sessionID, requestID, toolName, reason string) AuditRecord {
	r := newGovernanceRecord(EventApprovalDenied, sessionID, requestID, nil)
	r.ToolName = toolName
	r.Decision = DecisionDeny
	r.Reason = reason
	return r
}

// NewApprovalTimeoutRecord logs an elicitation that never answered within
// its timeout window; always resolves to a denial.
func NewApprovalTimeoutRecord(sessionID, requestID, toolName string) AuditRecord {
	r := newGovernanceRecord(EventApprovalTimeout, sessionID, requestID, nil)
	r.ToolName = toolName
	r.Decision = DecisionDeny
	r.Reason = "approval timed out"
	return r
}

// NewScopedElevationUsedRecord logs a call that bypassed elicitation because
// a prior scoped elevation already covered (tool, context_key, session).
func NewScopedElevationUsedRecord(sessionID, requestID, toolName, contextKey string) AuditRecord {
	r := newGovernanceRecord(EventScopedElevationUsed, sessionID, requestID, map[string]interface{}{
		"context_key": contextKey,
	})
	r.ToolName = toolName
	r.Decision = DecisionAllow
	return r
}

// NewScopedElevationGrantedRecord logs the grant of a new scoped elevation
// after an approval carried lease_seconds > 0.
func NewScopedElevationGrantedRecord(sessionID, requestID, toolName, contextKey string, ttlSeconds int) AuditRecord {
	r := newGovernanceRecord(EventScopedElevationGrant, sessionID, requestID, map[string]interface{}{
		"context_key":  contextKey,
		"ttl_seconds":  ttlSeconds,
	})
	r.ToolName = toolName
	return r
}

// NewElevationsRevokedRecord logs an administrative revoke-all-elevations
// action.
func NewElevationsRevokedRecord(sessionID, requestID string, count int) AuditRecord {
	return newGovernanceRecord(EventElevationsRevoked, sessionID, requestID, map[string]interface{}{
		"count": count,
	})
}

// NewModeChangedRecord logs a governance mode transition.
func NewModeChangedRecord(sessionID, requestID, fromMode, toMode string) AuditRecord {
	return newGovernanceRecord(EventModeChanged, sessionID, requestID, map[string]interface{}{
		"from": fromMode,
		"to":   toMode,
	})
}

// NewBlockedReadOnlyRecord logs a call denied outright by read_only mode.
func NewBlockedReadOnlyRecord(sessionID, requestID, toolName string) AuditRecord {
	r := newGovernanceRecord(EventBlockedReadOnly, sessionID, requestID, nil)
	r.ToolName = toolName
	r.Decision = DecisionDeny
	r.Reason = "read_only mode blocks sensitive/dangerous tools"
	return r
}

// NewBypassExecutedRecord logs a call allowed purely because the governance
// mode was bypass; still audited so bypass usage is never silent.
func NewBypassExecutedRecord(sessionID, requestID, toolName string) AuditRecord {
	r := newGovernanceRecord(EventBypassExecuted, sessionID, requestID, nil)
	r.ToolName = toolName
	r.Decision = DecisionAllow
	return r
}
