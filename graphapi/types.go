package graphapi

import (
	"encoding/json"
	"time"
)

// NodeKind is the closed set of node types the canvas can place.
type NodeKind string

const (
	KindTextInput       NodeKind = "text-input"
	KindImageInput      NodeKind = "image-input"
	KindEngine          NodeKind = "engine"
	KindControlNetPose  NodeKind = "control-net-pose"
	KindControlNetDepth NodeKind = "control-net-depth"
	KindControlNetEdge  NodeKind = "control-net-edge"
	KindPreview         NodeKind = "preview"
	KindConnector       NodeKind = "connector"
)

// RequiresPreprocessing reports whether nodes of this kind consume a
// preprocessed guide image rather than the source image directly.
func (k NodeKind) RequiresPreprocessing() bool {
	switch k {
	case KindControlNetPose, KindControlNetDepth, KindControlNetEdge:
		return true
	}
	return false
}

// Preprocessor returns the preprocessor a node of this kind requires,
// or PreprocessorNone for kinds that take no guide image.
func (k NodeKind) Preprocessor() PreprocessorKind {
	switch k {
	case KindControlNetPose:
		return PreprocessorPose
	case KindControlNetDepth:
		return PreprocessorDepth
	case KindControlNetEdge:
		return PreprocessorEdge
	}
	return PreprocessorNone
}

// PreprocessorKind names a guide-image preprocessor on the provider side.
type PreprocessorKind string

const (
	PreprocessorNone  PreprocessorKind = ""
	PreprocessorPose  PreprocessorKind = "pose"
	PreprocessorDepth PreprocessorKind = "depth"
	PreprocessorEdge  PreprocessorKind = "edge"

	// PreprocessorOriginal marks a result that is the unprocessed source
	// image, used as a degraded fallback when preprocessing fails.
	PreprocessorOriginal PreprocessorKind = "original"
)

// ToleratesOriginal reports whether a ControlNet of this preprocessor kind
// can accept the unprocessed source image as a degraded substitute.
// Pose estimation cannot, a raw photograph carries no skeleton.
func (k PreprocessorKind) ToleratesOriginal() bool {
	switch k {
	case PreprocessorDepth, PreprocessorEdge:
		return true
	}
	return false
}

// PreprocessedImage is the result of running a named preprocessor over a
// source image.  Immutable once created; identified for caching purposes by
// the pair (source image UUID or URL, preprocessor).
type PreprocessedImage struct {
	GuideImageURL   string           `json:"guideImageURL"`
	Preprocessor    PreprocessorKind `json:"preprocessor"`
	SourceImageUUID string           `json:"sourceImageUUID,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
}

// Pos is a canvas position.  The editor serializes positions as two element
// arrays, so it gets custom JSON handling.
type Pos struct {
	X float64
	Y float64
}

func (p *Pos) UnmarshalJSON(b []byte) error {
	var tmp []float64
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	if len(tmp) > 0 {
		p.X = tmp[0]
	}
	if len(tmp) > 1 {
		p.Y = tmp[1]
	}
	return nil
}

func (p Pos) MarshalJSON() ([]byte, error) {
	tmp := []float64{p.X, p.Y}
	return json.Marshal(tmp)
}
