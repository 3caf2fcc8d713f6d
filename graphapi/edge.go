package graphapi

// WorkflowEdge is a directed connection on the canvas: the target node
// consumes the source node's output.  Handle ids identify which port on
// each node the edge attaches to; this core does not interpret them beyond
// round-tripping.
type WorkflowEdge struct {
	ID           string `json:"id,omitempty"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
}
