// Package trigger watches canvas edge changes and decides when connecting
// an image-bearing node to a ControlNet node should kick off a
// preprocessing call, keeping a per-node state machine and a cap on
// concurrent provider calls.
package trigger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/synthflow/synthflow/cache"
	"github.com/synthflow/synthflow/client"
	"github.com/synthflow/synthflow/graphapi"
	"github.com/synthflow/synthflow/memory"
)

// ErrConcurrencyLimit is returned when the system-wide in-flight cap is
// hit.  Requests are rejected, not queued; the caller retries later.
var ErrConcurrencyLimit = errors.New("too many preprocessing operations in flight")

// ErrAlreadyProcessing is returned when the target node itself already has
// a preprocessing call in flight.
var ErrAlreadyProcessing = errors.New("node preprocessing already in flight")

// Provider is what the handler needs from the external provider client.
// *client.PreprocessClient satisfies it.
type Provider interface {
	client.Preprocessor
	client.ImageFetcher
}

// NotifyLevel grades a user notification.
type NotifyLevel string

const (
	NotifyInfo    NotifyLevel = "info"
	NotifyWarning NotifyLevel = "warning"
	NotifyError   NotifyLevel = "error"
)

// Callbacks are the handler's side channels into the UI.  Any field may be
// nil.
type Callbacks struct {
	// StateChanged fires after every state machine transition.
	StateChanged func(nodeID string, state State)
	// Notify carries informational toasts; not part of the functional
	// contract.
	Notify func(level NotifyLevel, message string)
	// WriteNodeData writes a preprocessing result back into canvas state.
	// A nil result clears a previously written one.
	WriteNodeData func(nodeID string, result *graphapi.PreprocessedImage)
}

// Options configures a Handler.
type Options struct {
	// MaxConcurrent caps how many nodes may be processing at once,
	// system-wide.  Backpressure against the provider and the browser's
	// decode budget, not a hardware limit.
	MaxConcurrent int `validate:"gt=0"`
	// HostedImageDomain is the image-hosting domain whose URLs are
	// recognized as image data even without further inspection.
	HostedImageDomain string
}

// DefaultOptions mirror what the editor ships with.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent:     2,
		HostedImageDomain: "images.synthflow.art",
	}
}

// Handler owns the per-node preprocessing state machines.
type Handler struct {
	mu         sync.Mutex
	states     map[string]*nodeState
	processing int

	opts      Options
	provider  Provider
	cache     *cache.ImageCache
	optimizer *memory.Optimizer
	callbacks Callbacks
}

// NewHandler creates a connection handler.  Cache and optimizer may be nil
// if results should not be retained.
func NewHandler(opts Options, provider Provider, imageCache *cache.ImageCache, optimizer *memory.Optimizer, callbacks Callbacks) (*Handler, error) {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(opts); err != nil {
		return nil, fmt.Errorf("invalid trigger options: %w", err)
	}
	return &Handler{
		states:    make(map[string]*nodeState),
		opts:      opts,
		provider:  provider,
		cache:     imageCache,
		optimizer: optimizer,
		callbacks: callbacks,
	}, nil
}

// GetPreprocessingState returns a copy of the node's current state; nodes
// never seen report idle.
func (h *Handler) GetPreprocessingState(nodeID string) State {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.states[nodeID]; ok {
		return s.State
	}
	return State{Status: StatusIdle}
}

// InFlight returns how many nodes are currently processing.
func (h *Handler) InFlight() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.processing
}

// ShouldTrigger reports whether adding an edge from source to target should
// kick off preprocessing: the source carries recognizable image data, the
// target's kind needs a guide image, the target has no cached or tracked
// result yet, and it is not already processing.
func (h *Handler) ShouldTrigger(source, target *graphapi.WorkflowNode) bool {
	if source == nil || target == nil {
		return false
	}
	if !target.Kind.RequiresPreprocessing() {
		return false
	}

	imageURL := source.SourceImageURL()
	if !h.recognizableImage(imageURL) {
		return false
	}

	if d, ok := target.Data.(*graphapi.ControlNetData); ok && d.Guide != nil {
		return false
	}
	if h.cache != nil && h.cache.Has(imageURL, target.Kind.Preprocessor()) {
		return false
	}
	if h.optimizer != nil && h.optimizer.HasImagesForNode(target.ID) {
		return false
	}

	return h.GetPreprocessingState(target.ID).Status != StatusProcessing
}

func (h *Handler) recognizableImage(imageURL string) bool {
	if imageURL == "" {
		return false
	}
	if strings.HasPrefix(imageURL, "data:") ||
		strings.HasPrefix(imageURL, "http://") ||
		strings.HasPrefix(imageURL, "https://") {
		return true
	}
	return h.opts.HostedImageDomain != "" && strings.Contains(imageURL, h.opts.HostedImageDomain)
}

// Trigger runs preprocessing for the target node using the source node's
// image.  It blocks for the duration of the provider calls; run it from a
// goroutine when reacting to live canvas events.  Returns
// ErrAlreadyProcessing when the node has a call in flight and
// ErrConcurrencyLimit when the system-wide cap is hit.
func (h *Handler) Trigger(ctx context.Context, source, target *graphapi.WorkflowNode) error {
	if source == nil || target == nil {
		return &client.APIError{Kind: client.ValidationError, Message: "preprocessing needs a source and a target node"}
	}
	imageURL := source.SourceImageURL()
	if !h.recognizableImage(imageURL) {
		return &client.APIError{Kind: client.ValidationError, Message: "source node carries no usable image"}
	}
	kind := target.Kind.Preprocessor()

	epoch, err := h.beginProcessing(target.ID)
	if err != nil {
		if errors.Is(err, ErrConcurrencyLimit) {
			h.notify(NotifyWarning, "Preprocessing is busy. Try again in a moment.")
		}
		return err
	}
	h.emitState(target.ID)

	result, err := h.preprocess(ctx, imageURL, kind)
	if err != nil {
		return h.completeError(target.ID, epoch, imageURL, kind, err)
	}
	h.completeSuccess(target.ID, epoch, imageURL, kind, result)
	return nil
}

func (h *Handler) preprocess(ctx context.Context, imageURL string, kind graphapi.PreprocessorKind) (*graphapi.PreprocessedImage, error) {
	raw, filename, err := h.provider.FetchImage(ctx, imageURL)
	if err != nil {
		return nil, err
	}
	return h.provider.PreprocessImage(ctx, bytes.NewReader(raw), filename, kind)
}

func (h *Handler) beginProcessing(nodeID string) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	state, ok := h.states[nodeID]
	if !ok {
		state = &nodeState{State: State{Status: StatusIdle}}
		h.states[nodeID] = state
	}
	if state.Status == StatusProcessing {
		return 0, ErrAlreadyProcessing
	}
	if h.processing >= h.opts.MaxConcurrent {
		return 0, ErrConcurrencyLimit
	}

	state.epoch++
	state.State = State{Status: StatusProcessing, StartTime: nowFunc()}
	h.processing++
	return state.epoch, nil
}

// completeSuccess applies a finished preprocessing result, unless the node
// was reset while the call was in flight.
func (h *Handler) completeSuccess(nodeID string, epoch uint64, imageURL string, kind graphapi.PreprocessorKind, result *graphapi.PreprocessedImage) {
	h.mu.Lock()
	state, ok := h.states[nodeID]
	if !ok || state.epoch != epoch || state.Status != StatusProcessing {
		h.mu.Unlock()
		slog.Debug("Dropping stale preprocessing result", "node", nodeID)
		return
	}
	state.State = State{
		Status:    StatusCompleted,
		StartTime: state.StartTime,
		EndTime:   nowFunc(),
		Result:    result,
	}
	h.processing--
	h.mu.Unlock()

	if h.cache != nil {
		h.cache.Set(imageURL, kind, result)
	}
	if h.optimizer != nil {
		h.optimizer.TrackImage(nodeID, result.GuideImageURL)
	}
	if h.callbacks.WriteNodeData != nil {
		h.callbacks.WriteNodeData(nodeID, result)
	}
	h.emitState(nodeID)
}

// completeError classifies the failure.  Validation failures fall back to
// the unprocessed source image for ControlNet kinds that tolerate it;
// everything else lands in the error state with a remediation message.
func (h *Handler) completeError(nodeID string, epoch uint64, imageURL string, kind graphapi.PreprocessorKind, cause error) error {
	errKind := client.Classify(cause)

	if errKind == client.ValidationError && kind.ToleratesOriginal() && h.recognizableImage(imageURL) {
		slog.Warn("Preprocessing failed, falling back to original image", "node", nodeID, "kind", kind, "error", cause)
		fallback := &graphapi.PreprocessedImage{
			GuideImageURL: imageURL,
			Preprocessor:  graphapi.PreprocessorOriginal,
			CreatedAt:     nowFunc(),
		}
		h.completeSuccess(nodeID, epoch, imageURL, kind, fallback)
		h.notify(NotifyInfo, "Preprocessing failed; using the original image instead.")
		return nil
	}

	h.mu.Lock()
	state, ok := h.states[nodeID]
	if !ok || state.epoch != epoch || state.Status != StatusProcessing {
		h.mu.Unlock()
		slog.Debug("Dropping stale preprocessing error", "node", nodeID)
		return cause
	}
	state.State = State{
		Status:    StatusError,
		StartTime: state.StartTime,
		EndTime:   nowFunc(),
		Error:     client.UserMessage(errKind),
	}
	h.processing--
	h.mu.Unlock()

	h.emitState(nodeID)
	h.notify(NotifyError, fmt.Sprintf("%s (%s)", client.UserMessage(errKind), client.Recovery(errKind)))
	return cause
}

// Reset returns a node to idle.  A result still in flight for the node
// will be dropped when it lands.
func (h *Handler) Reset(nodeID string) {
	h.mu.Lock()
	state, ok := h.states[nodeID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if state.Status == StatusProcessing {
		h.processing--
	}
	state.epoch++
	state.State = State{Status: StatusIdle}
	h.mu.Unlock()
	h.emitState(nodeID)
}

// ConnectionRemoved handles an edge being deleted.  If the target node has
// no qualifying image-supplying edge left, its preprocessing state and any
// cached/tracked result are cleared: stale guide images must never outlive
// the connection they came from.
func (h *Handler) ConnectionRemoved(target *graphapi.WorkflowNode, nodes []*graphapi.WorkflowNode, edges []*graphapi.WorkflowEdge) {
	if target == nil || !target.Kind.RequiresPreprocessing() {
		return
	}

	byID := make(map[string]*graphapi.WorkflowNode, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	for _, e := range edges {
		if e == nil || e.Target != target.ID {
			continue
		}
		if source, ok := byID[e.Source]; ok && h.recognizableImage(source.SourceImageURL()) {
			return // another qualifying edge still feeds the node
		}
	}

	h.Reset(target.ID)
	if h.optimizer != nil {
		h.optimizer.RemoveImagesForNode(target.ID)
	}
	if h.callbacks.WriteNodeData != nil {
		h.callbacks.WriteNodeData(target.ID, nil)
	}
}

func (h *Handler) emitState(nodeID string) {
	if h.callbacks.StateChanged == nil {
		return
	}
	h.callbacks.StateChanged(nodeID, h.GetPreprocessingState(nodeID))
}

func (h *Handler) notify(level NotifyLevel, message string) {
	if h.callbacks.Notify != nil {
		h.callbacks.Notify(level, message)
	}
}
