// Package registry loads the static tool/server registry from YAML, the way
// the original's ToolRegistry.from_yaml does, and enforces the load-time
// invariants and schema-min token budget before any tool becomes visible.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/tool"
)

// defaultSchemaTokenBudget mirrors minimizer.py's default max_tokens=50.
const defaultSchemaTokenBudget = 50

// file is the on-disk YAML shape: a list of servers and a list of tools.
type file struct {
	Servers []tool.ServerRecord `yaml:"servers"`
	Tools   []tool.ToolRecord   `yaml:"tools"`
}

// Registry is a static, loaded-once tool/server catalog. It satisfies
// retrieval.Registry (ListTools) and is the source of truth the proxy
// consults for risk levels, required scopes, and schemas.
type Registry struct {
	tools   map[string]*tool.ToolRecord
	servers map[string]*tool.ServerRecord
	order   []string // tool_id load order, for deterministic ListTools
}

// Load reads and validates a registry YAML file. Every tool entry must pass
// ToolRecord.Validate and, when it carries a schema_min, the estimated token
// count must stay within budget — a registry that defines a progressive
// schema too large to actually save context is a load-time configuration
// error, not a runtime one.
func Load(path string, schemaTokenBudget int) (*Registry, error) {
	if schemaTokenBudget <= 0 {
		schemaTokenBudget = defaultSchemaTokenBudget
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: reading %s: %w", path, err)
	}

	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("registry: parsing %s: %w", path, err)
	}

	reg := &Registry{
		tools:   make(map[string]*tool.ToolRecord, len(f.Tools)),
		servers: make(map[string]*tool.ServerRecord, len(f.Servers)),
	}

	for i := range f.Servers {
		s := f.Servers[i]
		if s.ServerID == "" {
			return nil, fmt.Errorf("registry: server entry %d missing server_id", i)
		}
		reg.servers[s.ServerID] = &s
	}

	for i := range f.Tools {
		t := f.Tools[i]
		t.RegisteredAt = time.Now().UTC()
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("registry: %w", err)
		}
		if _, dup := reg.tools[t.ToolID]; dup {
			return nil, fmt.Errorf("registry: duplicate tool_id %q", t.ToolID)
		}
		if len(t.SchemaMin) > 0 {
			if err := validateSchemaBudget(t.ToolID, t.SchemaMin, schemaTokenBudget); err != nil {
				return nil, err
			}
		}
		reg.tools[t.ToolID] = &t
		reg.order = append(reg.order, t.ToolID)
	}

	return reg, nil
}

// validateSchemaBudget estimates schema_min's token cost the way
// minimizer.estimate_token_count does: compact-JSON byte length / 4.
func validateSchemaBudget(toolID string, schemaMin json.RawMessage, budget int) error {
	var m map[string]interface{}
	if err := json.Unmarshal(schemaMin, &m); err != nil {
		return fmt.Errorf("registry: tool %q schema_min is not a JSON object: %w", toolID, err)
	}
	compact, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("registry: tool %q schema_min re-marshal failed: %w", toolID, err)
	}
	estimated := len(compact) / 4
	if estimated > budget {
		return fmt.Errorf("registry: tool %q schema_min exceeds token budget: %d > %d", toolID, estimated, budget)
	}
	if _, ok := m["type"]; !ok {
		return fmt.Errorf("registry: tool %q schema_min must have a type field", toolID)
	}
	return nil
}

// ListTools returns every registered tool, in load order. Satisfies
// retrieval.Registry.
func (r *Registry) ListTools() []*tool.ToolRecord {
	out := make([]*tool.ToolRecord, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tools[id])
	}
	return out
}

// Get returns a single tool record by id.
func (r *Registry) Get(toolID string) (*tool.ToolRecord, bool) {
	t, ok := r.tools[toolID]
	return t, ok
}

// IsRegistered reports whether toolID exists in the registry.
func (r *Registry) IsRegistered(toolID string) bool {
	_, ok := r.tools[toolID]
	return ok
}

// GetServer returns a single server record by id.
func (r *Registry) GetServer(serverID string) (*tool.ServerRecord, bool) {
	s, ok := r.servers[serverID]
	return s, ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.tools)
}
