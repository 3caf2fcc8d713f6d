package executor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/synthflow/synthflow/graphapi"
)

func textNode(id string) *graphapi.WorkflowNode {
	return &graphapi.WorkflowNode{ID: id, Kind: graphapi.KindTextInput, Data: &graphapi.TextData{Prompt: "a cat"}}
}

func engineNode(id, persisted string) *graphapi.WorkflowNode {
	return &graphapi.WorkflowNode{
		ID:   id,
		Kind: graphapi.KindEngine,
		Data: &graphapi.EngineData{ImageResult: graphapi.ImageResult{GeneratedImage: persisted}},
	}
}

func previewNode(id, persisted string) *graphapi.WorkflowNode {
	return &graphapi.WorkflowNode{
		ID:   id,
		Kind: graphapi.KindPreview,
		Data: &graphapi.PreviewData{ImageResult: graphapi.ImageResult{GeneratedImage: persisted}},
	}
}

func edge(id, source, target string) *graphapi.WorkflowEdge {
	return &graphapi.WorkflowEdge{ID: id, Source: source, Target: target}
}

// recordingStep returns a step that logs the node IDs it ran, producing a
// synthetic URL for result-bearing kinds.
func recordingStep(ran *[]string) StepFunc {
	return func(ctx context.Context, node *graphapi.WorkflowNode) (string, error) {
		*ran = append(*ran, node.ID)
		if node.Kind == graphapi.KindTextInput || node.Kind == graphapi.KindConnector {
			return "", nil
		}
		return "https://x/" + node.ID + ".png", nil
	}
}

func TestExecutionOrderLinearChain(t *testing.T) {
	w := graphapi.NewWorkflow(
		[]*graphapi.WorkflowNode{textNode("text-1"), engineNode("engine-1", ""), previewNode("preview-1", "")},
		[]*graphapi.WorkflowEdge{edge("e1", "text-1", "engine-1"), edge("e2", "engine-1", "preview-1")},
	)

	order, err := ExecutionOrder(w, "preview-1")
	if err != nil {
		t.Fatalf("ExecutionOrder failed: %v", err)
	}
	want := []string{"text-1", "engine-1", "preview-1"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, order)
	}
}

func TestExecutionOrderExcludesUnrelatedBranches(t *testing.T) {
	w := graphapi.NewWorkflow(
		[]*graphapi.WorkflowNode{
			textNode("text-1"), engineNode("engine-1", ""), previewNode("preview-1", ""),
			engineNode("engine-other", ""),
		},
		[]*graphapi.WorkflowEdge{
			edge("e1", "text-1", "engine-1"),
			edge("e2", "engine-1", "preview-1"),
			edge("e3", "text-1", "engine-other"),
		},
	)

	order, err := ExecutionOrder(w, "preview-1")
	if err != nil {
		t.Fatalf("ExecutionOrder failed: %v", err)
	}
	for _, id := range order {
		if id == "engine-other" {
			t.Error("sibling branch must not appear in the plan")
		}
	}
}

func TestExecutionOrderCutsAtPersistedBoundary(t *testing.T) {
	w := graphapi.NewWorkflow(
		[]*graphapi.WorkflowNode{textNode("text-1"), engineNode("engine-1", "https://x/done.png"), previewNode("preview-1", "")},
		[]*graphapi.WorkflowEdge{edge("e1", "text-1", "engine-1"), edge("e2", "engine-1", "preview-1")},
	)

	order, err := ExecutionOrder(w, "preview-1")
	if err != nil {
		t.Fatalf("ExecutionOrder failed: %v", err)
	}
	want := []string{"engine-1", "preview-1"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("expected persisted boundary to drop its ancestors, got %v", order)
	}
}

func TestExecutionOrderUnknownTarget(t *testing.T) {
	w := graphapi.NewWorkflow([]*graphapi.WorkflowNode{textNode("text-1")}, nil)
	if _, err := ExecutionOrder(w, "ghost"); err == nil {
		t.Fatal("unknown target should error")
	}
}

func TestExecutionOrderCycle(t *testing.T) {
	w := graphapi.NewWorkflow(
		[]*graphapi.WorkflowNode{engineNode("a", ""), engineNode("b", ""), previewNode("preview-1", "")},
		[]*graphapi.WorkflowEdge{
			edge("e1", "a", "b"), edge("e2", "b", "a"), edge("e3", "b", "preview-1"),
		},
	)
	if _, err := ExecutionOrder(w, "preview-1"); err == nil {
		t.Fatal("cycle should error")
	}
}

func TestRunExecutesAndWritesBack(t *testing.T) {
	w := graphapi.NewWorkflow(
		[]*graphapi.WorkflowNode{textNode("text-1"), engineNode("engine-1", ""), previewNode("preview-1", "")},
		[]*graphapi.WorkflowEdge{edge("e1", "text-1", "engine-1"), edge("e2", "engine-1", "preview-1")},
	)

	var ran []string
	r, err := NewRunner(recordingStep(&ran), nil, Callbacks{})
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}

	result, err := r.Run(context.Background(), w, "preview-1", RunOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if strings.Join(ran, ",") != "text-1,engine-1,preview-1" {
		t.Errorf("unexpected execution order: %v", ran)
	}
	if result.TargetResult != "https://x/preview-1.png" {
		t.Errorf("unexpected target result %q", result.TargetResult)
	}
	if got := w.GetNodeByID("engine-1").PersistedResult(); got != "https://x/engine-1.png" {
		t.Errorf("engine result not written back, got %q", got)
	}
	if len(result.Skipped) != 0 {
		t.Errorf("nothing should be skipped, got %v", result.Skipped)
	}
}

func TestRunReusesPersistedBoundary(t *testing.T) {
	w := graphapi.NewWorkflow(
		[]*graphapi.WorkflowNode{textNode("text-1"), engineNode("engine-1", "https://x/done.png"), previewNode("preview-1", "")},
		[]*graphapi.WorkflowEdge{edge("e1", "text-1", "engine-1"), edge("e2", "engine-1", "preview-1")},
	)

	var ran []string
	var skipped []string
	r, err := NewRunner(recordingStep(&ran), nil, Callbacks{
		OnNodeSkipped: func(nodeID, persisted string) { skipped = append(skipped, nodeID+"="+persisted) },
	})
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}

	result, err := r.Run(context.Background(), w, "preview-1", RunOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if strings.Join(ran, ",") != "preview-1" {
		t.Errorf("only the target should execute, ran %v", ran)
	}
	if strings.Join(skipped, ",") != "engine-1=https://x/done.png" {
		t.Errorf("boundary node should be skipped with its result, got %v", skipped)
	}
	if got := w.GetNodeByID("engine-1").PersistedResult(); got != "https://x/done.png" {
		t.Errorf("persisted result must not be overwritten, got %q", got)
	}
	if result.TargetResult != "https://x/preview-1.png" {
		t.Errorf("unexpected target result %q", result.TargetResult)
	}
}

func TestRunPersistedTargetShortCircuits(t *testing.T) {
	w := graphapi.NewWorkflow(
		[]*graphapi.WorkflowNode{textNode("text-1"), previewNode("preview-1", "https://x/old.png")},
		[]*graphapi.WorkflowEdge{edge("e1", "text-1", "preview-1")},
	)

	var ran []string
	r, _ := NewRunner(recordingStep(&ran), nil, Callbacks{})

	result, err := r.Run(context.Background(), w, "preview-1", RunOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(ran) != 0 {
		t.Errorf("persisted target should execute nothing, ran %v", ran)
	}
	if result.TargetResult != "https://x/old.png" {
		t.Errorf("expected the persisted result, got %q", result.TargetResult)
	}
}

func TestRunForceTarget(t *testing.T) {
	w := graphapi.NewWorkflow(
		[]*graphapi.WorkflowNode{textNode("text-1"), previewNode("preview-1", "https://x/old.png")},
		[]*graphapi.WorkflowEdge{edge("e1", "text-1", "preview-1")},
	)

	var ran []string
	r, _ := NewRunner(recordingStep(&ran), nil, Callbacks{})

	result, err := r.Run(context.Background(), w, "preview-1", RunOptions{ForceTarget: true})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if strings.Join(ran, ",") != "preview-1" {
		t.Errorf("force should re-run the target only, ran %v", ran)
	}
	if result.TargetResult != "https://x/preview-1.png" {
		t.Errorf("expected a fresh result, got %q", result.TargetResult)
	}
}

func TestRunStepErrorAborts(t *testing.T) {
	w := graphapi.NewWorkflow(
		[]*graphapi.WorkflowNode{engineNode("engine-1", ""), previewNode("preview-1", "")},
		[]*graphapi.WorkflowEdge{edge("e1", "engine-1", "preview-1")},
	)

	boom := errors.New("model unavailable")
	r, _ := NewRunner(func(ctx context.Context, node *graphapi.WorkflowNode) (string, error) {
		return "", boom
	}, nil, Callbacks{})

	_, err := r.Run(context.Background(), w, "preview-1", RunOptions{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the step error, got %v", err)
	}
	if w.GetNodeByID("preview-1").HasPersistedResult() {
		t.Error("downstream nodes must not receive results after a failure")
	}
}

func TestRunHonorsContextCancellation(t *testing.T) {
	w := graphapi.NewWorkflow(
		[]*graphapi.WorkflowNode{engineNode("engine-1", ""), previewNode("preview-1", "")},
		[]*graphapi.WorkflowEdge{edge("e1", "engine-1", "preview-1")},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, _ := NewRunner(recordingStep(new([]string)), nil, Callbacks{})
	if _, err := r.Run(ctx, w, "preview-1", RunOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
