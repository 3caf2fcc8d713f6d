// Package executor turns a canvas workflow into an ordered execution plan
// for one target node and runs it, reusing persisted results instead of
// recomputing upstream work.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/synthflow/synthflow/graphapi"
	"github.com/synthflow/synthflow/memory"
)

// StepFunc executes a single node and returns the URL (or data URL) of the
// result it produced, or "" for node kinds that produce none.
type StepFunc func(ctx context.Context, node *graphapi.WorkflowNode) (string, error)

// Callbacks deliver per-node execution events.  Any field may be nil.
type Callbacks struct {
	OnNodeStarted   func(nodeID string)
	OnNodeCompleted func(nodeID string, result string)
	OnNodeSkipped   func(nodeID string, persisted string)
}

// RunOptions tune a single Run call.
type RunOptions struct {
	// ForceTarget re-executes the target node even when it already carries a
	// persisted result.  Regenerating the node the user clicked is the whole
	// point of clicking it; only its ancestors get the reuse treatment.
	ForceTarget bool
}

// Result summarizes one Run.
type Result struct {
	Executed     []string
	Skipped      []string
	TargetResult string
	Duration     time.Duration
}

// Runner executes workflows through a caller supplied step function.
type Runner struct {
	step      StepFunc
	optimizer *memory.Optimizer
	callbacks Callbacks
}

// NewRunner creates a runner.  The optimizer may be nil if generated
// results should not be tracked for memory accounting.
func NewRunner(step StepFunc, optimizer *memory.Optimizer, callbacks Callbacks) (*Runner, error) {
	if step == nil {
		return nil, fmt.Errorf("executor: step function is required")
	}
	return &Runner{step: step, optimizer: optimizer, callbacks: callbacks}, nil
}

// ExecutionOrder returns the node IDs that must run to produce targetID, in
// dependency order, target last.  Upstream branches behind persisted
// results are pruned away entirely; the persisted boundary nodes themselves
// are included so callers can reuse their results in place.  Returns an
// error for an unknown target or a dependency cycle.
func ExecutionOrder(w *graphapi.Workflow, targetID string) ([]string, error) {
	if w.GetNodeByID(targetID) == nil {
		return nil, fmt.Errorf("executor: unknown target node %q", targetID)
	}

	deps := graphapi.PruneAtPersistedBoundaries(w.Nodes, w.Dependencies(), targetID)

	// Restrict the plan to the target's ancestry.
	needed := map[string]bool{targetID: true}
	queue := []string{targetID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, dep := range deps[current] {
			if !needed[dep] {
				needed[dep] = true
				queue = append(queue, dep)
			}
		}
	}

	// Kahn's algorithm over the needed set, seeded in canvas node order so
	// the plan is deterministic for a given workflow.
	indegree := make(map[string]int, len(needed))
	dependents := make(map[string][]string, len(needed))
	for id := range needed {
		indegree[id] = len(deps[id])
		for _, dep := range deps[id] {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for _, n := range w.Nodes {
		if needed[n.ID] && indegree[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}

	order := make([]string, 0, len(needed))
	for len(ready) > 0 {
		current := ready[0]
		ready = ready[1:]
		order = append(order, current)
		for _, dependent := range dependents[current] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(needed) {
		return nil, fmt.Errorf("executor: dependency cycle involving target %q", targetID)
	}
	return order, nil
}

// Run produces the target node's result, executing only the ancestors whose
// results are not already persisted and writing each fresh result back onto
// its node.
func (r *Runner) Run(ctx context.Context, w *graphapi.Workflow, targetID string, opts RunOptions) (*Result, error) {
	start := time.Now()

	order, err := ExecutionOrder(w, targetID)
	if err != nil {
		return nil, err
	}
	slog.Debug("Execution plan ready", "target", targetID, "nodes", len(order))

	result := &Result{}
	for _, nodeID := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		node := w.GetNodeByID(nodeID)

		if node.HasPersistedResult() && !(opts.ForceTarget && nodeID == targetID) {
			result.Skipped = append(result.Skipped, nodeID)
			if r.callbacks.OnNodeSkipped != nil {
				r.callbacks.OnNodeSkipped(nodeID, node.PersistedResult())
			}
			continue
		}

		if r.callbacks.OnNodeStarted != nil {
			r.callbacks.OnNodeStarted(nodeID)
		}
		output, err := r.step(ctx, node)
		if err != nil {
			return nil, fmt.Errorf("executor: node %s failed: %w", nodeID, err)
		}
		if output != "" {
			node.SetGeneratedImage(output)
			if r.optimizer != nil {
				r.optimizer.TrackImage(nodeID, output)
			}
		}
		result.Executed = append(result.Executed, nodeID)
		if r.callbacks.OnNodeCompleted != nil {
			r.callbacks.OnNodeCompleted(nodeID, output)
		}
	}

	result.TargetResult = w.GetNodeByID(targetID).PersistedResult()
	result.Duration = time.Since(start)
	return result, nil
}
