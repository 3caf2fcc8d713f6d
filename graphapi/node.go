package graphapi

import (
	"encoding/json"
	"fmt"
)

// NodeData is the per-kind payload of a WorkflowNode.  Each kind carries
// only the fields relevant to it; the one thing every payload answers is
// whether the node already holds a persisted, user visible result.
type NodeData interface {
	// PersistedResult returns the URL (or data URL) of the node's persisted
	// result, or "" if the node has not produced one.
	PersistedResult() string
}

// ImageResult holds the optional persisted-output fields a node may carry.
// The editor historically wrote results under three different keys, so the
// priority order generatedImage, imageUrl, image is applied here exactly
// once instead of being repeated at every call site.
type ImageResult struct {
	GeneratedImage string `json:"generatedImage,omitempty"`
	ImageURL       string `json:"imageUrl,omitempty"`
	Image          string `json:"image,omitempty"`
}

func (r ImageResult) PersistedResult() string {
	if r.GeneratedImage != "" {
		return r.GeneratedImage
	}
	if r.ImageURL != "" {
		return r.ImageURL
	}
	return r.Image
}

// TextData is the payload of a text-input node.
type TextData struct {
	Prompt string `json:"prompt,omitempty"`
}

func (TextData) PersistedResult() string { return "" }

// Sidebar mirrors the right-hand inspector panel state the editor stores on
// image nodes.  Only the image URL matters to this core.
type Sidebar struct {
	ImageURL string `json:"imageUrl,omitempty"`
}

// ImageData is the payload of an image-input node.
type ImageData struct {
	ImageResult
	SourceUUID string  `json:"sourceImageUUID,omitempty"`
	Sidebar    Sidebar `json:"right_sidebar,omitempty"`
}

// EngineData is the payload of an engine (model) node.
type EngineData struct {
	ImageResult
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt,omitempty"`
}

// ControlNetData is the payload of the ControlNet node kinds.
type ControlNetData struct {
	ImageResult
	Strength float64            `json:"strength,omitempty"`
	Guide    *PreprocessedImage `json:"preprocessedImage,omitempty"`
}

// PreviewData is the payload of a preview/output node.
type PreviewData struct {
	ImageResult
}

// ConnectorData is the payload of a connector node, which only routes.
type ConnectorData struct{}

func (ConnectorData) PersistedResult() string { return "" }

// UnknownData preserves the payload of a node kind this build does not
// recognize.  Partial or newer canvas states are expected during editing,
// so unknown kinds round-trip instead of erroring.  The persisted-result
// keys are still honored so pruning treats such nodes correctly.
type UnknownData struct {
	Raw map[string]interface{} `json:"-"`
}

func (d UnknownData) PersistedResult() string {
	for _, key := range []string{"generatedImage", "imageUrl", "image"} {
		if v, ok := d.Raw[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// WorkflowNode is a single node on the canvas.
type WorkflowNode struct {
	ID       string
	Kind     NodeKind
	Position Pos
	Data     NodeData
}

// PersistedResult returns the node's persisted result URL, or "".
func (n *WorkflowNode) PersistedResult() string {
	if n.Data == nil {
		return ""
	}
	return n.Data.PersistedResult()
}

// HasPersistedResult reports whether the node already carries a previously
// computed, user visible result.
func (n *WorkflowNode) HasPersistedResult() bool {
	return n.PersistedResult() != ""
}

// SourceImageURL returns the image a downstream consumer would read from
// this node: the persisted result, or for image-input nodes the sidebar
// image the user picked before any generation ran.
func (n *WorkflowNode) SourceImageURL() string {
	if url := n.PersistedResult(); url != "" {
		return url
	}
	if d, ok := n.Data.(*ImageData); ok {
		return d.Sidebar.ImageURL
	}
	return ""
}

// SetGeneratedImage records a freshly generated result on the node under
// the canonical generatedImage key.  Kinds without a result slot ignore the
// write.
func (n *WorkflowNode) SetGeneratedImage(url string) {
	switch d := n.Data.(type) {
	case *ImageData:
		d.GeneratedImage = url
	case *EngineData:
		d.GeneratedImage = url
	case *ControlNetData:
		d.GeneratedImage = url
	case *PreviewData:
		d.GeneratedImage = url
	case *UnknownData:
		if d.Raw == nil {
			d.Raw = make(map[string]interface{})
		}
		d.Raw["generatedImage"] = url
	}
}

func (n *WorkflowNode) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID       string          `json:"id"`
		Kind     NodeKind        `json:"type"`
		Position Pos             `json:"position"`
		Data     json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	n.ID = raw.ID
	n.Kind = raw.Kind
	n.Position = raw.Position

	if len(raw.Data) == 0 {
		n.Data = emptyDataForKind(raw.Kind)
		return nil
	}

	data, err := unmarshalNodeData(raw.Kind, raw.Data)
	if err != nil {
		return fmt.Errorf("node %s: %w", raw.ID, err)
	}
	n.Data = data
	return nil
}

func (n *WorkflowNode) MarshalJSON() ([]byte, error) {
	var data interface{} = n.Data
	if u, ok := n.Data.(*UnknownData); ok {
		data = u.Raw
	}
	raw := struct {
		ID       string      `json:"id"`
		Kind     NodeKind    `json:"type"`
		Position Pos         `json:"position"`
		Data     interface{} `json:"data,omitempty"`
	}{
		ID:       n.ID,
		Kind:     n.Kind,
		Position: n.Position,
		Data:     data,
	}
	return json.Marshal(raw)
}

func unmarshalNodeData(kind NodeKind, raw json.RawMessage) (NodeData, error) {
	switch kind {
	case KindTextInput:
		d := &TextData{}
		return d, json.Unmarshal(raw, d)
	case KindImageInput:
		d := &ImageData{}
		return d, json.Unmarshal(raw, d)
	case KindEngine:
		d := &EngineData{}
		return d, json.Unmarshal(raw, d)
	case KindControlNetPose, KindControlNetDepth, KindControlNetEdge:
		d := &ControlNetData{}
		return d, json.Unmarshal(raw, d)
	case KindPreview:
		d := &PreviewData{}
		return d, json.Unmarshal(raw, d)
	case KindConnector:
		d := &ConnectorData{}
		return d, json.Unmarshal(raw, d)
	}
	d := &UnknownData{}
	return d, json.Unmarshal(raw, &d.Raw)
}

func emptyDataForKind(kind NodeKind) NodeData {
	data, _ := unmarshalNodeData(kind, json.RawMessage("{}"))
	return data
}
