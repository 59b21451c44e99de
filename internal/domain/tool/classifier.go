package tool

import (
	"strings"
)

// criticalPatterns contains patterns indicating destructive operations or system commands.
var criticalPatterns = []string{
	"delete", "remove", "drop", "destroy", "execute", "exec",
	"shell", "command", "admin", "sudo", "root", "truncate",
}

// highPatterns contains patterns indicating write operations or network access.
var highPatterns = []string{
	"write", "create", "update", "modify", "send", "post",
	"upload", "deploy", "install", "connect", "put",
}

// mediumPatterns contains patterns indicating read operations with potential sensitivity.
var mediumPatterns = []string{
	"fetch", "download", "export", "query", "search", "get",
}

// ClassifyByName produces a diagnostic HeuristicRisk from a tool's name.
// Classification is case-insensitive and uses pattern matching. It is never
// the authoritative risk tier for a registered tool — registry entries
// declare their own RiskLevel, validated at load time. The governance path
// does not call it: a tool without a registered record is denied as unknown.
//
// Priority order (highest to lowest):
//   - CRITICAL: destructive operations (delete, exec, shell, admin)
//   - HIGH: write operations (write, create, update, send)
//   - MEDIUM: sensitive reads (fetch, download, export, search)
//   - LOW: everything else (list, help, version)
//
// Limitations: simple substring matching (e.g. "undelete" also matches
// "delete"); only the tool name is inspected, not its description.
func ClassifyByName(name string) HeuristicRisk {
	lower := strings.ToLower(name)

	for _, pattern := range criticalPatterns {
		if strings.Contains(lower, pattern) {
			return HeuristicCritical
		}
	}
	for _, pattern := range highPatterns {
		if strings.Contains(lower, pattern) {
			return HeuristicHigh
		}
	}
	for _, pattern := range mediumPatterns {
		if strings.Contains(lower, pattern) {
			return HeuristicMedium
		}
	}
	return HeuristicLow
}

// ClassifyTools returns a map from each tool's name to its ClassifyByName
// result, leaving the input slice unmodified. The heuristic result is not
// stored on WireTool (which is a pure MCP wire type); callers combine it
// with registry lookups as needed.
func ClassifyTools(tools []WireTool) map[string]HeuristicRisk {
	result := make(map[string]HeuristicRisk, len(tools))
	for _, t := range tools {
		result[t.Name] = ClassifyByName(t.Name)
	}
	return result
}
