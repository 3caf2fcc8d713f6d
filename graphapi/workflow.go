package graphapi

import (
	"encoding/json"
	"io"
	"os"
	"strings"
)

// Workflow is the canvas state: the full node and edge lists the editor
// produces on every edit.  Persistence of this state is owned by the
// storage layer; this package only (de)serializes it.
type Workflow struct {
	Nodes []*WorkflowNode `json:"nodes"`
	Edges []*WorkflowEdge `json:"edges"`

	NodesByID map[string]*WorkflowNode `json:"-"`
}

// NewWorkflow assembles a workflow from node and edge lists, for callers
// building canvas state in code rather than parsing it.
func NewWorkflow(nodes []*WorkflowNode, edges []*WorkflowEdge) *Workflow {
	w := &Workflow{Nodes: nodes, Edges: edges}
	w.reindex()
	return w
}

func (w *Workflow) UnmarshalJSON(b []byte) error {
	// Alias type avoids a recursive call to UnmarshalJSON
	type Alias Workflow

	alias := &Alias{}
	if err := json.Unmarshal(b, alias); err != nil {
		return err
	}

	w.Nodes = alias.Nodes
	w.Edges = alias.Edges
	w.reindex()
	return nil
}

func (w *Workflow) reindex() {
	w.NodesByID = make(map[string]*WorkflowNode, len(w.Nodes))
	for _, node := range w.Nodes {
		w.NodesByID[node.ID] = node
	}
}

// GetNodeByID returns the node with the given id, or nil.
func (w *Workflow) GetNodeByID(id string) *WorkflowNode {
	val, ok := w.NodesByID[id]
	if ok {
		return val
	}
	return nil
}

// GetNodesWithKind returns all nodes in the workflow of the given kind.
func (w *Workflow) GetNodesWithKind(kind NodeKind) []*WorkflowNode {
	retv := make([]*WorkflowNode, 0)
	for _, n := range w.Nodes {
		if n.Kind == kind {
			retv = append(retv, n)
		}
	}
	return retv
}

// Dependencies builds the dependency map for the workflow's current
// node/edge lists.
func (w *Workflow) Dependencies() DependencyMap {
	return BuildDependencyGraph(w.Nodes, w.Edges)
}

// NewWorkflowFromJSONReader creates a workflow from JSON read from r.
func NewWorkflowFromJSONReader(r io.Reader) (*Workflow, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	workflow := &Workflow{}
	if err := json.Unmarshal(content, workflow); err != nil {
		return nil, err
	}
	return workflow, nil
}

// NewWorkflowFromJSONFile creates a workflow from a JSON file.
func NewWorkflowFromJSONFile(path string) (*Workflow, error) {
	freader, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer freader.Close()

	return NewWorkflowFromJSONReader(freader)
}

// NewWorkflowFromJSONString creates a workflow from a JSON string.
func NewWorkflowFromJSONString(data string) (*Workflow, error) {
	return NewWorkflowFromJSONReader(strings.NewReader(data))
}

// NewWorkflowFromPNGReader extracts the workflow the editor embeds in PNG
// metadata and creates a workflow from it.
func NewWorkflowFromPNGReader(r io.Reader) (*Workflow, error) {
	data, err := extractWorkflowJSON(r)
	if err != nil {
		return nil, err
	}
	return NewWorkflowFromJSONString(data)
}

// NewWorkflowFromPNGFile extracts the workflow from a PNG file.
func NewWorkflowFromPNGFile(path string) (*Workflow, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return NewWorkflowFromPNGReader(file)
}

// WorkflowToJSON serializes the workflow in the canvas wire format.
func (w *Workflow) WorkflowToJSON() (string, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SaveWorkflowToFile writes the workflow JSON to a file.
func (w *Workflow) SaveWorkflowToFile(path string) error {
	data, err := w.WorkflowToJSON()
	if err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = file.WriteString(data)
	return err
}
