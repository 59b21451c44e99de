// Package artifacts renders best-effort HTML/JSON snapshots of an approval
// request into a bounded, path-validated directory for human review.
package artifacts

import (
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// forbiddenRoots lists resolved directories an artifact root must never be,
// or be a child of — writing approval HTML/JSON there would be either a
// system-stability hazard or a privilege-escalation vector.
var forbiddenRoots = []string{
	"/", "/etc", "/usr", "/bin", "/sbin", "/var",
	"/sys", "/proc", "/dev", "/boot", "/root",
}

// varExceptions are the only /var subpaths allowed despite /var itself
// being forbidden.
var varExceptions = []string{"/var/tmp", "/var/log"}

const (
	maxArtifactBytes = 1 << 20 // 1 MiB per rendered file
	maxArtifactFiles = 500     // pruned oldest-mtime-first beyond this count
)

// Generator renders approval artifacts under a fixed, validated root
// directory. Construct once per process; safe for concurrent use since
// every write targets a request_id-derived, collision-free filename.
type Generator struct {
	root   string
	logger *slog.Logger
}

// NewGenerator validates root against the forbidden-root list and returns a
// Generator, or an error if root is disallowed. The directory is created if
// absent.
func NewGenerator(root string, logger *slog.Logger) (*Generator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	resolved, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("artifacts: resolving root: %w", err)
	}
	resolved = filepath.Clean(resolved)
	if err := validateRoot(resolved); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(resolved, 0o750); err != nil {
		return nil, fmt.Errorf("artifacts: creating root: %w", err)
	}
	return &Generator{root: resolved, logger: logger}, nil
}

func validateRoot(resolved string) error {
	for _, exc := range varExceptions {
		if resolved == exc || strings.HasPrefix(resolved, exc+string(filepath.Separator)) {
			return nil
		}
	}
	for _, bad := range forbiddenRoots {
		if resolved == bad || strings.HasPrefix(resolved, bad+string(filepath.Separator)) {
			return fmt.Errorf("artifacts: root %q resolves under disallowed system path %q", resolved, bad)
		}
	}
	return nil
}

// contextMetadata is deliberately small: session/context identifiers only,
// never full argument payloads (those are rendered separately, truncated).
type contextMetadata map[string]string

// GenerateHTML renders an HTML artifact for requestID and returns its path.
// Non-fatal by contract: callers should log and continue on error, never
// fail the approval because artifact rendering failed.
func (g *Generator) GenerateHTML(requestID, toolName, message string, requiredScopes []string, arguments map[string]any, meta contextMetadata) (string, error) {
	name := requestID + ".html"
	path, err := g.resolveWithinRoot(name)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("<!DOCTYPE html><html><head><meta charset=\"utf-8\"><title>Approval Required</title></head><body>\n")
	fmt.Fprintf(&b, "<h1>Approval Required</h1>\n<p><strong>Tool:</strong> %s</p>\n", html.EscapeString(toolName))
	fmt.Fprintf(&b, "<pre>%s</pre>\n", html.EscapeString(message))
	b.WriteString("<h2>Required scopes</h2>\n<ul>\n")
	for _, s := range requiredScopes {
		fmt.Fprintf(&b, "<li>%s</li>\n", html.EscapeString(s))
	}
	b.WriteString("</ul>\n<h2>Arguments</h2>\n<ul>\n")
	for _, k := range sortedKeys(arguments) {
		v := truncateValue(arguments[k])
		fmt.Fprintf(&b, "<li><code>%s</code>: %s</li>\n", html.EscapeString(k), html.EscapeString(v))
	}
	b.WriteString("</ul>\n<h2>Context</h2>\n<ul>\n")
	for _, k := range sortedStringKeys(meta) {
		fmt.Fprintf(&b, "<li>%s: %s</li>\n", html.EscapeString(k), html.EscapeString(meta[k]))
	}
	b.WriteString("</ul>\n</body></html>\n")

	if err := g.writeBounded(path, []byte(b.String())); err != nil {
		return "", err
	}
	g.prune()
	return path, nil
}

// GenerateJSON renders a JSON artifact for requestID and returns its path.
func (g *Generator) GenerateJSON(requestID, toolName, message string, requiredScopes []string, arguments map[string]any, meta contextMetadata) (string, error) {
	name := requestID + ".json"
	path, err := g.resolveWithinRoot(name)
	if err != nil {
		return "", err
	}

	payload := map[string]any{
		"request_id":      requestID,
		"tool_name":       toolName,
		"message":         message,
		"required_scopes": requiredScopes,
		"arguments":       arguments,
		"context":         meta,
		"generated_at":    time.Now().UTC().Format(time.RFC3339),
	}
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("artifacts: marshaling json artifact: %w", err)
	}

	if err := g.writeBounded(path, raw); err != nil {
		return "", err
	}
	g.prune()
	return path, nil
}

// resolveWithinRoot joins name onto the root and confirms the resolved path
// still lies within it — defends against a request_id containing path
// traversal sequences.
func (g *Generator) resolveWithinRoot(name string) (string, error) {
	joined := filepath.Join(g.root, name)
	resolved := filepath.Clean(joined)
	if resolved != g.root && !strings.HasPrefix(resolved, g.root+string(filepath.Separator)) {
		return "", fmt.Errorf("artifacts: filename %q escapes artifact root", name)
	}
	return resolved, nil
}

func (g *Generator) writeBounded(path string, data []byte) error {
	if len(data) > maxArtifactBytes {
		return fmt.Errorf("artifacts: rendered artifact exceeds %d bytes", maxArtifactBytes)
	}
	return os.WriteFile(path, data, 0o640)
}

// prune removes oldest-mtime files once the artifact directory exceeds
// maxArtifactFiles. Best-effort: tolerant of concurrent writers removing or
// replacing files mid-scan.
func (g *Generator) prune() {
	entries, err := os.ReadDir(g.root)
	if err != nil {
		g.logger.Warn("artifacts: prune readdir failed", "error", err)
		return
	}
	if len(entries) <= maxArtifactFiles {
		return
	}

	type fileInfo struct {
		name    string
		modTime time.Time
	}
	files := make([]fileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{name: e.Name(), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	excess := len(files) - maxArtifactFiles
	for i := 0; i < excess && i < len(files); i++ {
		path := filepath.Join(g.root, files[i].name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			g.logger.Warn("artifacts: prune remove failed", "path", path, "error", err)
		}
	}
}

func truncateValue(v any) string {
	s := fmt.Sprintf("%v", v)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedStringKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
