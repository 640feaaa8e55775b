package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/nexus-agents/orchestrator-core/pkg/store"
)

func TestSplitCSV(t *testing.T) {
	result := splitCSV(" company , person ,")
	expected := []string{"company", "person"}
	if !reflect.DeepEqual(result, expected) {
		t.Fatalf("expected %v, got %v", expected, result)
	}
	if res := splitCSV(""); res != nil {
		t.Fatalf("expected nil for blank input, got %v", res)
	}
}

func TestBuildRequest_RequiresQuery(t *testing.T) {
	if _, err := buildRequest("", "", "", "analytical_report", "", "", "", ""); err == nil {
		t.Fatalf("expected error for missing query")
	}
}

func TestBuildRequest_RejectsUnknownType(t *testing.T) {
	if _, err := buildRequest("", "", "how big is the market", "not_a_type", "", "", "", ""); err == nil {
		t.Fatalf("expected error for unknown research type")
	}
}

func TestBuildRequest_AggregationRequiresEntitiesAndSpace(t *testing.T) {
	if _, err := buildRequest("", "", "enumerate widget makers", "data_aggregation", "", "", "", ""); err == nil {
		t.Fatalf("expected error for missing entities/search-space")
	}
	req, err := buildRequest("", "widgets", "enumerate widget makers", "data_aggregation", "company", "headcount", "widget county", "")
	if err != nil {
		t.Fatalf("buildRequest returned error: %v", err)
	}
	if req.AggregationConfig == nil || req.AggregationConfig.SearchSpace != "widget county" {
		t.Fatalf("unexpected aggregation config: %+v", req.AggregationConfig)
	}
	if !reflect.DeepEqual(req.AggregationConfig.Entities, []string{"company"}) {
		t.Fatalf("unexpected entities: %v", req.AggregationConfig.Entities)
	}
}

func TestBuildRequest_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "request.json")
	body, _ := json.Marshal(store.Task{
		Title:         "from file",
		ResearchQuery: "what happened",
		ResearchType:  store.ResearchAnalyticalReport,
	})
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write request file: %v", err)
	}

	req, err := buildRequest(path, "", "", "", "", "", "", "")
	if err != nil {
		t.Fatalf("buildRequest returned error: %v", err)
	}
	if req.ResearchQuery != "what happened" {
		t.Fatalf("unexpected research query: %q", req.ResearchQuery)
	}
}

func TestRun_AnalyticalTaskEndToEnd(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"-query", "how big is the widget market"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("run returned exit code %d, stderr: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "#") {
		t.Fatalf("expected a Markdown report heading, got: %s", stdout.String())
	}
}

func TestRun_MissingQueryExitsWithConfigCode(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{}, &stdout, &stderr)
	if code != 64 {
		t.Fatalf("expected exit code 64 for invalid input, got %d", code)
	}
}
