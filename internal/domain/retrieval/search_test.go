package retrieval

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/governance"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/tool"
)

type fakeRegistry struct {
	tools []*tool.ToolRecord
}

func (f *fakeRegistry) ListTools() []*tool.ToolRecord { return f.tools }

func rec(id, line, full string, tags []string, risk tool.RiskLevel) *tool.ToolRecord {
	return &tool.ToolRecord{
		ToolID:           id,
		Description1Line: line,
		DescriptionFull:  full,
		Tags:             tags,
		RiskLevel:        risk,
		SchemaMin:        json.RawMessage(`{}`),
	}
}

func sampleRegistry() *fakeRegistry {
	return &fakeRegistry{tools: []*tool.ToolRecord{
		rec("read_file", "Read a file from disk", "Reads the contents of a file given a path.", []string{"filesystem", "read"}, tool.RiskSafe),
		rec("write_file", "Write a file to disk", "Overwrites or creates a file at a given path.", []string{"filesystem", "write"}, tool.RiskSensitive),
		rec("delete_database", "Delete a database", "Permanently destroys a database and all its tables.", []string{"database", "destructive"}, tool.RiskDangerous),
	}}
}

func TestSearch_EmptyQueryReturnsEmpty(t *testing.T) {
	s := NewSearch(sampleRegistry())
	got := s.Query(context.Background(), "   ", 0, governance.ModePermission, nil)
	if len(got) != 0 {
		t.Fatalf("expected empty result for blank query, got %d", len(got))
	}
}

func TestSearch_NoToolsReturnsEmpty(t *testing.T) {
	s := NewSearch(&fakeRegistry{})
	got := s.Query(context.Background(), "file", 0, governance.ModePermission, nil)
	if len(got) != 0 {
		t.Fatalf("expected empty result for empty registry, got %d", len(got))
	}
}

func TestSearch_ScoresInRangeAndDescending(t *testing.T) {
	s := NewSearch(sampleRegistry())
	got := s.Query(context.Background(), "file path disk", 0, governance.ModePermission, nil)
	if len(got) == 0 {
		t.Fatal("expected at least one result")
	}
	for i, c := range got {
		if c.RelevanceScore < 0 || c.RelevanceScore > 1 {
			t.Errorf("result %d score %v out of [0,1]", i, c.RelevanceScore)
		}
		if i > 0 && got[i-1].RelevanceScore < c.RelevanceScore {
			t.Errorf("results not descending at index %d", i)
		}
	}
}

func TestSearch_UnrelatedQueryYieldsZeroSimilarity(t *testing.T) {
	s := NewSearch(sampleRegistry())
	got := s.Query(context.Background(), "zzqxvnonexistentword", 0, governance.ModePermission, nil)
	for _, c := range got {
		if c.RelevanceScore != 0 {
			t.Errorf("tool %s expected zero score for out-of-vocabulary query, got %v", c.ToolID, c.RelevanceScore)
		}
	}
}

func TestSearch_GovernancePenaltyOrdersReadOnlyModeBelowSafe(t *testing.T) {
	// In read_only mode, the dangerous "delete_database" tool is blocked
	// even if textually relevant, so its penalized score must not exceed
	// an equally-or-less relevant safe tool's unpenalized score when both
	// match the query.
	reg := &fakeRegistry{tools: []*tool.ToolRecord{
		rec("read_file", "Read a file from disk", "Read a file from disk path safely", []string{"filesystem", "read"}, tool.RiskSafe),
		rec("delete_database", "Delete a file from disk", "Delete a file from disk path permanently", []string{"filesystem", "destructive"}, tool.RiskDangerous),
	}}
	s := NewSearch(reg)
	got := s.Query(context.Background(), "delete file from disk", 0, governance.ModeReadOnly, nil)

	var safeScore, dangerousScore float64
	var dangerousStatus tool.AllowedInMode
	for _, c := range got {
		if c.ToolID == "read_file" {
			safeScore = c.RelevanceScore
		}
		if c.ToolID == "delete_database" {
			dangerousScore = c.RelevanceScore
			dangerousStatus = c.AllowedInMode
		}
	}
	if dangerousStatus != tool.Blocked {
		t.Fatalf("expected delete_database blocked in read_only mode, got %v", dangerousStatus)
	}
	if dangerousScore >= safeScore {
		t.Errorf("blocked tool score %v should be penalized below allowed tool score %v", dangerousScore, safeScore)
	}
}

func TestSearch_BootstrapToolsNeverPenalized(t *testing.T) {
	reg := &fakeRegistry{tools: []*tool.ToolRecord{
		rec("search_tools", "Search the tool catalog", "Search tools by free text query.", []string{"discovery"}, tool.RiskSafe),
	}}
	s := NewSearch(reg)
	got := s.Query(context.Background(), "search catalog", 0, governance.ModeReadOnly, nil)
	if len(got) != 1 || got[0].AllowedInMode != tool.Allowed {
		t.Fatalf("bootstrap tool should always be allowed, got %+v", got)
	}
}

func TestSearch_TopKLimitsResultsAndTieBreaksByToolID(t *testing.T) {
	reg := &fakeRegistry{tools: []*tool.ToolRecord{
		rec("b_tool", "identical description text", "identical description text", []string{"tag"}, tool.RiskSafe),
		rec("a_tool", "identical description text", "identical description text", []string{"tag"}, tool.RiskSafe),
	}}
	s := NewSearch(reg)
	got := s.Query(context.Background(), "identical description text", 1, governance.ModePermission, nil)
	if len(got) != 1 {
		t.Fatalf("topK=1 should limit to 1 result, got %d", len(got))
	}
	if got[0].ToolID != "a_tool" {
		t.Errorf("tie-break should prefer lexicographically smaller tool_id, got %s", got[0].ToolID)
	}
}

func TestBuildIndex_EmptyRegistryIsHarmless(t *testing.T) {
	idx := BuildIndex(nil)
	if v := idx.EmbedQuery("anything"); v != nil {
		t.Errorf("expected nil embedding from empty-vocabulary index, got %v", v)
	}
}

func TestCosineSimilarity_MismatchedLengthsReturnsZero(t *testing.T) {
	if got := CosineSimilarity([]float64{1, 0}, []float64{1, 0, 0}); got != 0 {
		t.Errorf("mismatched-length vectors should yield 0, got %v", got)
	}
}

func TestCosineSimilarity_IdenticalVectorsReturnOne(t *testing.T) {
	v := []float64{0.6, 0.8}
	got := CosineSimilarity(v, v)
	if got < 0.999 || got > 1.0 {
		t.Errorf("identical vectors should yield ~1.0, got %v", got)
	}
}
