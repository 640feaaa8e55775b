// Command orchestrator drives one research task end to end and prints its
// result, playing the role the out-of-scope REST API would play: an
// "equivalent callable function" reachable from a single binary instead of
// an HTTP call (spec.md §6).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nexus-agents/orchestrator-core/internal/entity"
	"github.com/nexus-agents/orchestrator-core/internal/httpapi"
	"github.com/nexus-agents/orchestrator-core/pkg/config"
	nerrors "github.com/nexus-agents/orchestrator-core/pkg/errors"
	"github.com/nexus-agents/orchestrator-core/pkg/logging"
	"github.com/nexus-agents/orchestrator-core/pkg/store"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run is the testable core of main: it never calls os.Exit itself so a test
// can invoke it directly and inspect the returned code.
func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("orchestrator", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		title       = fs.String("title", "", "task title")
		query       = fs.String("query", "", "research question (required)")
		taskType    = fs.String("type", "analytical_report", "analytical_report or data_aggregation")
		entities    = fs.String("entities", "", "comma-separated entity types (data_aggregation only)")
		attributes  = fs.String("attributes", "", "comma-separated attribute names (data_aggregation only)")
		searchSpace = fs.String("search-space", "", "bounded search space description (data_aggregation only)")
		projectID   = fs.String("project", "", "project id to attach this task to")
		requestFile = fs.String("file", "", "JSON file with a full request body, overrides the flags above")
		format      = fs.String("format", "auto", "output format: auto, markdown, json, csv")
	)
	if err := fs.Parse(args); err != nil {
		return 64
	}

	log := logging.NewFromEnv("orchestrator")

	req, err := buildRequest(*requestFile, *title, *query, *taskType, *entities, *attributes, *searchSpace, *projectID)
	if err != nil {
		// Bad CLI input/request file is a startup usage error regardless of
		// the ServiceError's HTTP-oriented Kind (spec.md §6 exit code 64).
		fmt.Fprintln(stderr, err)
		return 64
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Warn("orchestrator: signal received, cancelling in-flight task")
		cancel()
	}()
	defer signal.Stop(sigCh)

	d, err := wire(ctx, cfg, log)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return nerrors.ExitCode(err)
	}
	defer d.Close()

	task, err := d.store.UpsertTask(ctx, req)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return nerrors.ExitCode(err)
	}
	log.WithFields(map[string]interface{}{"task_id": task.ID, "research_type": task.ResearchType}).Info("orchestrator: task submitted")

	if task.ResearchType == store.ResearchDataAggregation {
		err = d.orch.RunAggregation(ctx, task)
	} else {
		err = d.orch.RunAnalytical(ctx, task)
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return nerrors.ExitCode(err)
	}

	task, err = d.store.GetTask(ctx, task.ID)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return nerrors.ExitCode(err)
	}
	if err := printResult(stdout, ctx, d.store, task, *format); err != nil {
		fmt.Fprintln(stderr, err)
		return nerrors.ExitCode(err)
	}
	return 0
}

// buildRequest resolves the task to submit, either from a JSON file (takes
// priority) or the individual flags.
func buildRequest(requestFile, title, query, taskType, entitiesCSV, attributesCSV, searchSpace, projectID string) (store.Task, error) {
	if requestFile != "" {
		raw, err := os.ReadFile(requestFile)
		if err != nil {
			return store.Task{}, nerrors.Config("read request file", err)
		}
		var req store.Task
		if err := json.Unmarshal(raw, &req); err != nil {
			return store.Task{}, nerrors.Config("parse request file", err)
		}
		if strings.TrimSpace(req.ResearchQuery) == "" {
			return store.Task{}, nerrors.InvalidInput("research_query", "required")
		}
		return req, nil
	}

	if strings.TrimSpace(query) == "" {
		return store.Task{}, nerrors.InvalidInput("query", "required (use -query or -file)")
	}
	req := store.Task{
		Title:         title,
		ResearchQuery: query,
		ResearchType:  store.ResearchType(taskType),
	}
	if req.ResearchType != store.ResearchAnalyticalReport && req.ResearchType != store.ResearchDataAggregation {
		return store.Task{}, nerrors.InvalidInput("type", "must be analytical_report or data_aggregation")
	}
	if projectID != "" {
		req.ProjectID = &projectID
	}
	if req.ResearchType == store.ResearchDataAggregation {
		if searchSpace == "" || entitiesCSV == "" {
			return store.Task{}, nerrors.InvalidInput("entities/search-space", "required for data_aggregation")
		}
		req.AggregationConfig = &store.AggregationConfig{
			Entities:    splitCSV(entitiesCSV),
			Attributes:  splitCSV(attributesCSV),
			SearchSpace: searchSpace,
		}
	}
	return req, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// printResult renders the completed task per spec.md §6: Markdown for
// analytical_report, a CSV entity table for data_aggregation, unless -format
// overrides the choice.
func printResult(w io.Writer, ctx context.Context, s store.Store, task store.Task, format string) error {
	want := format
	if want == "auto" {
		if task.ResearchType == store.ResearchDataAggregation {
			want = "csv"
		} else {
			want = "markdown"
		}
	}

	switch want {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(task)
	case "csv":
		entities, err := s.ListEntities(ctx, store.EntityFilter{TaskID: task.ID})
		if err != nil {
			return err
		}
		body, err := entity.RenderCSV(entities)
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(w, body)
		return err
	default:
		body, err := httpapi.RenderAnalyticalReport(ctx, s, task)
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(w, body)
		return err
	}
}
