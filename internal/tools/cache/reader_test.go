package cache

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// newTestStore opens an in-memory store seeded with a few analyses.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	seed := []*Analysis{
		{
			ID:        "an-1",
			Kind:      "swot",
			Subject:   "Acme Corp",
			Payload:   json.RawMessage(`{"subject":"Acme Corp","strengths":["brand"]}`),
			CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
		},
		{
			ID:        "an-2",
			Kind:      "chart",
			Subject:   "Quarterly revenue",
			Payload:   json.RawMessage(`{"kind":"bar"}`),
			CreatedAt: time.Now().UTC().Add(-time.Hour),
		},
		{
			ID:        "an-3",
			Kind:      "swot",
			Subject:   "Globex Industries",
			CreatedAt: time.Now().UTC(),
		},
	}
	for _, a := range seed {
		if err := store.Put(context.Background(), a); err != nil {
			t.Fatalf("seed Put(%s): %v", a.ID, err)
		}
	}
	return store
}

func TestReader_GetAnalysis(t *testing.T) {
	r := NewReader(newTestStore(t), nil)

	result, err := r.Execute(context.Background(), ToolGetAnalysis, map[string]any{"id": "an-1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}

	var got Analysis
	if err := json.Unmarshal([]byte(result.Content), &got); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if got.ID != "an-1" || got.Subject != "Acme Corp" {
		t.Errorf("analysis = %+v", got)
	}
	if len(got.Payload) == 0 {
		t.Error("get_analysis should include the full payload")
	}
}

func TestReader_GetAnalysisMissing(t *testing.T) {
	r := NewReader(newTestStore(t), nil)

	result, err := r.Execute(context.Background(), ToolGetAnalysis, map[string]any{"id": "nope"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.IsError {
		t.Fatal("missing id should yield an error result")
	}
	if !strings.Contains(result.Content, "no analysis found") {
		t.Errorf("content = %q", result.Content)
	}
}

func TestReader_GetAnalysisRequiresID(t *testing.T) {
	r := NewReader(newTestStore(t), nil)

	result, err := r.Execute(context.Background(), ToolGetAnalysis, map[string]any{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.IsError {
		t.Fatal("missing id argument should yield an error result")
	}
}

func TestReader_ListAnalyses(t *testing.T) {
	r := NewReader(newTestStore(t), nil)

	result, err := r.Execute(context.Background(), ToolListAnalyses, map[string]any{"limit": float64(2)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}

	var summaries []analysisSummary
	if err := json.Unmarshal([]byte(result.Content), &summaries); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("got %d summaries, want 2", len(summaries))
	}
	if summaries[0].ID != "an-3" {
		t.Errorf("first summary = %s, want newest first", summaries[0].ID)
	}
	// Listings never carry payloads.
	if strings.Contains(result.Content, "strengths") {
		t.Error("listing should not include payload content")
	}
}

func TestReader_SearchAnalyses(t *testing.T) {
	r := NewReader(newTestStore(t), nil)

	result, err := r.Execute(context.Background(), ToolSearchAnalyses, map[string]any{"query": "Globex"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}

	var summaries []analysisSummary
	if err := json.Unmarshal([]byte(result.Content), &summaries); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if len(summaries) != 1 || summaries[0].ID != "an-3" {
		t.Errorf("summaries = %v", summaries)
	}
}

func TestReader_SearchMatchesPayload(t *testing.T) {
	r := NewReader(newTestStore(t), nil)

	// "brand" only appears inside an-1's payload, not in any subject.
	result, err := r.Execute(context.Background(), ToolSearchAnalyses, map[string]any{"query": "brand"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var summaries []analysisSummary
	if err := json.Unmarshal([]byte(result.Content), &summaries); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if len(summaries) != 1 || summaries[0].ID != "an-1" {
		t.Errorf("summaries = %v", summaries)
	}
}

func TestReader_SearchRequiresQuery(t *testing.T) {
	r := NewReader(newTestStore(t), nil)

	result, err := r.Execute(context.Background(), ToolSearchAnalyses, map[string]any{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.IsError {
		t.Fatal("missing query should yield an error result")
	}
}

func TestReader_SearchNoResults(t *testing.T) {
	r := NewReader(newTestStore(t), nil)

	result, err := r.Execute(context.Background(), ToolSearchAnalyses, map[string]any{"query": "zzz-nothing"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
	if result.Content != "no analyses found" {
		t.Errorf("content = %q", result.Content)
	}
}

func TestReader_UnknownTool(t *testing.T) {
	r := NewReader(newTestStore(t), nil)

	result, err := r.Execute(context.Background(), "drop_analyses", map[string]any{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.IsError {
		t.Fatal("unknown tool should yield an error result")
	}
}

func TestReader_Definitions(t *testing.T) {
	r := NewReader(newTestStore(t), nil)

	defs := r.Definitions()
	want := []string{ToolGetAnalysis, ToolListAnalyses, ToolSearchAnalyses}
	if len(defs) != len(want) {
		t.Fatalf("got %d definitions, want %d", len(defs), len(want))
	}
	for i, def := range defs {
		if def.Name != want[i] {
			t.Errorf("definition %d = %q, want %q", i, def.Name, want[i])
		}
		var schema map[string]any
		if err := json.Unmarshal(def.Parameters, &schema); err != nil {
			t.Errorf("%s parameters are not valid JSON: %v", def.Name, err)
		}
	}
}
