// Package memory tracks the estimated byte size of images held by workflow
// nodes and relieves memory pressure with a prioritized remediation
// pipeline: age-based removal, per-node excess removal, compression, and as
// a last resort LRU eviction.
package memory

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hako/durafmt"
)

// Pressure classifies overall memory usage against the budget.
type Pressure string

const (
	PressureLow      Pressure = "low"
	PressureMedium   Pressure = "medium"
	PressureHigh     Pressure = "high"
	PressureCritical Pressure = "critical"
)

// PressureThresholds are percent-of-budget boundaries for the non-low
// pressure levels.
type PressureThresholds struct {
	Medium   float64 `validate:"gt=0,lte=100"`
	High     float64 `validate:"gt=0,lte=100"`
	Critical float64 `validate:"gt=0,lte=100"`
}

// Options configures an Optimizer.
type Options struct {
	MaxTotalMemoryMB       float64       `validate:"gt=0"`
	MaxImagesPerNode       int           `validate:"gt=0"`
	CompressionThresholdMB float64       `validate:"gt=0"`
	CleanupInterval        time.Duration `validate:"gte=0"`
	MaxImageAge            time.Duration `validate:"gt=0"`
	Thresholds             PressureThresholds
}

// DefaultOptions mirror what the editor ships with.
func DefaultOptions() Options {
	return Options{
		MaxTotalMemoryMB:       200,
		MaxImagesPerNode:       3,
		CompressionThresholdMB: 2,
		CleanupInterval:        2 * time.Minute,
		MaxImageAge:            7 * 24 * time.Hour,
		Thresholds:             PressureThresholds{Medium: 60, High: 80, Critical: 95},
	}
}

// remoteImageDefaultMB is the flat estimate for images referenced by remote
// URL, whose true size is unknown client side.
const remoteImageDefaultMB = 2.0

// compressionRatio is the simulated size reduction applied by the
// compression step.
const compressionRatio = 0.6

// evictionTargetRatio is the usage fraction the emergency eviction step
// drains down to.
const evictionTargetRatio = 0.7

// ImageMetadata is the optimizer's record of one image held by a node.
type ImageMetadata struct {
	NodeID          string
	URL             string
	EstimatedSizeMB float64
	LastAccessed    time.Time
	AccessCount     int64
	IsCompressed    bool
	OriginalSizeMB  float64
}

// Usage aggregates the tracked images and classifies pressure.
type Usage struct {
	TotalImages    int
	TotalSizeMB    float64
	AverageSizeMB  float64
	MaxSizeMB      float64
	UsagePercent   float64
	MemoryPressure Pressure
}

// OptimizationResult reports what a remediation pass did.  Step level
// failures accumulate in Errors rather than aborting the pass.
type OptimizationResult struct {
	RemovedImages    int
	CompressedImages int
	MemorySavedMB    float64
	Errors           []string
	Duration         time.Duration
}

// Optimizer tracks per-node image sizes.  There is at most one authoritative
// ImageMetadata per node at any time; tracking a new image for a node
// replaces the previous record.  Safe for concurrent use.
type Optimizer struct {
	mu     sync.Mutex
	images map[string][]*ImageMetadata
	opts   Options

	now        func() time.Time
	asyncDelay time.Duration
	pending    *time.Timer
	done       chan struct{}
	stop       sync.Once
}

// NewOptimizer creates an optimizer and, if CleanupInterval is non-zero,
// starts the periodic maintenance pass.
func NewOptimizer(opts Options) (*Optimizer, error) {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(opts); err != nil {
		return nil, fmt.Errorf("invalid optimizer options: %w", err)
	}

	o := &Optimizer{
		images:     make(map[string][]*ImageMetadata),
		opts:       opts,
		now:        time.Now,
		asyncDelay: 500 * time.Millisecond,
		done:       make(chan struct{}),
	}

	if opts.CleanupInterval > 0 {
		go o.runMaintenance()
	}
	return o, nil
}

// Stop ends the background maintenance pass and cancels any remediation
// still scheduled from a high-pressure TrackImage.
func (o *Optimizer) Stop() {
	o.stop.Do(func() {
		close(o.done)
		o.mu.Lock()
		if o.pending != nil {
			o.pending.Stop()
		}
		o.mu.Unlock()
	})
}

func (o *Optimizer) runMaintenance() {
	ticker := time.NewTicker(o.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if o.GetMemoryUsage().MemoryPressure != PressureLow {
				o.OptimizeMemory(false)
			}
		case <-o.done:
			return
		}
	}
}

// TrackImage records the image a node currently holds, replacing any
// previous record for that node.  If the resulting pressure is critical a
// forced remediation runs before this call returns; if it is high, one is
// scheduled shortly after.
func (o *Optimizer) TrackImage(nodeID, imageURL string) {
	o.mu.Lock()
	meta := &ImageMetadata{
		NodeID:          nodeID,
		URL:             imageURL,
		EstimatedSizeMB: estimateImageSizeMB(imageURL),
		LastAccessed:    o.now(),
	}
	o.images[nodeID] = []*ImageMetadata{meta}
	pressure := o.usage().MemoryPressure
	o.mu.Unlock()

	switch pressure {
	case PressureCritical:
		o.OptimizeMemory(true)
	case PressureHigh:
		o.schedulePendingOptimize()
	}
}

// schedulePendingOptimize arms (or re-arms) the delayed remediation pass.
// The timer is kept so Stop can cancel it; a stop racing the timer firing
// is caught by the done check inside the callback.
func (o *Optimizer) schedulePendingOptimize() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending != nil {
		o.pending.Stop()
	}
	o.pending = time.AfterFunc(o.asyncDelay, func() {
		select {
		case <-o.done:
			return
		default:
		}
		o.OptimizeMemory(false)
	})
}

// RemoveImagesForNode drops all records for a node.  Idempotent.
func (o *Optimizer) RemoveImagesForNode(nodeID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.images, nodeID)
}

// HasImagesForNode reports whether any image is currently tracked for the
// node.
func (o *Optimizer) HasImagesForNode(nodeID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.images[nodeID]) > 0
}

// GetMemoryUsage aggregates tracked sizes and classifies pressure.
func (o *Optimizer) GetMemoryUsage() Usage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.usage()
}

func (o *Optimizer) usage() Usage {
	u := Usage{}
	for _, metas := range o.images {
		for _, m := range metas {
			u.TotalImages++
			u.TotalSizeMB += m.EstimatedSizeMB
			if m.EstimatedSizeMB > u.MaxSizeMB {
				u.MaxSizeMB = m.EstimatedSizeMB
			}
		}
	}
	if u.TotalImages > 0 {
		u.AverageSizeMB = u.TotalSizeMB / float64(u.TotalImages)
	}
	u.UsagePercent = u.TotalSizeMB / o.opts.MaxTotalMemoryMB * 100

	t := o.opts.Thresholds
	switch {
	case u.UsagePercent >= t.Critical:
		u.MemoryPressure = PressureCritical
	case u.UsagePercent >= t.High:
		u.MemoryPressure = PressureHigh
	case u.UsagePercent >= t.Medium:
		u.MemoryPressure = PressureMedium
	default:
		u.MemoryPressure = PressureLow
	}
	return u
}

// OptimizeMemory runs the remediation pipeline.  Without force it is a
// no-op while pressure is low.  Steps run in strict order and each can only
// remove or shrink tracked size, so pressure never increases across a call.
func (o *Optimizer) OptimizeMemory(force bool) OptimizationResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	started := o.now()
	result := OptimizationResult{}
	if !force && o.usage().MemoryPressure == PressureLow {
		return result
	}

	steps := []struct {
		name string
		fn   func(*OptimizationResult) error
	}{
		{"remove-aged", o.removeAgedImages},
		{"trim-per-node", o.trimPerNodeExcess},
		{"compress", o.compressLargeImages},
		{"emergency-evict", o.evictToTarget},
	}
	for _, step := range steps {
		if err := step.fn(&result); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", step.name, err))
		}
	}

	result.Duration = o.now().Sub(started)
	return result
}

// removeAgedImages drops records whose last access predates the age limit.
func (o *Optimizer) removeAgedImages(result *OptimizationResult) error {
	cutoff := o.now().Add(-o.opts.MaxImageAge)
	for nodeID, metas := range o.images {
		kept := metas[:0]
		for _, m := range metas {
			if m.LastAccessed.Before(cutoff) {
				result.RemovedImages++
				result.MemorySavedMB += m.EstimatedSizeMB
				continue
			}
			kept = append(kept, m)
		}
		if len(kept) == 0 {
			delete(o.images, nodeID)
		} else {
			o.images[nodeID] = kept
		}
	}
	return nil
}

// trimPerNodeExcess reconciles any node holding more than the per-node
// limit back down, keeping the most recently accessed records.
func (o *Optimizer) trimPerNodeExcess(result *OptimizationResult) error {
	for nodeID, metas := range o.images {
		if len(metas) <= o.opts.MaxImagesPerNode {
			continue
		}
		sort.Slice(metas, func(i, j int) bool {
			return metas[i].LastAccessed.After(metas[j].LastAccessed)
		})
		for _, m := range metas[o.opts.MaxImagesPerNode:] {
			result.RemovedImages++
			result.MemorySavedMB += m.EstimatedSizeMB
		}
		o.images[nodeID] = metas[:o.opts.MaxImagesPerNode]
	}
	return nil
}

// compressLargeImages simulates compressing every uncompressed image above
// the threshold, shrinking its recorded size.  Skipped once pressure is
// already back to low.
func (o *Optimizer) compressLargeImages(result *OptimizationResult) error {
	if o.usage().MemoryPressure == PressureLow {
		return nil
	}
	for _, metas := range o.images {
		for _, m := range metas {
			if m.IsCompressed || m.EstimatedSizeMB <= o.opts.CompressionThresholdMB {
				continue
			}
			m.OriginalSizeMB = m.EstimatedSizeMB
			m.EstimatedSizeMB *= compressionRatio
			m.IsCompressed = true
			result.CompressedImages++
			result.MemorySavedMB += m.OriginalSizeMB - m.EstimatedSizeMB
		}
	}
	return nil
}

// evictToTarget is the last resort: while pressure is still critical, drop
// least recently used records regardless of node until usage falls to the
// eviction target.
func (o *Optimizer) evictToTarget(result *OptimizationResult) error {
	if o.usage().MemoryPressure != PressureCritical {
		return nil
	}

	all := make([]*ImageMetadata, 0)
	for _, metas := range o.images {
		all = append(all, metas...)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].LastAccessed.Before(all[j].LastAccessed)
	})

	target := o.opts.MaxTotalMemoryMB * evictionTargetRatio
	for _, m := range all {
		if o.usage().TotalSizeMB <= target {
			break
		}
		o.removeMeta(m)
		result.RemovedImages++
		result.MemorySavedMB += m.EstimatedSizeMB
	}
	return nil
}

func (o *Optimizer) removeMeta(meta *ImageMetadata) {
	metas := o.images[meta.NodeID]
	kept := metas[:0]
	for _, m := range metas {
		if m != meta {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		delete(o.images, meta.NodeID)
	} else {
		o.images[meta.NodeID] = kept
	}
}

// DebugInfo renders a human readable per-node dump.
func (o *Optimizer) DebugInfo() string {
	o.mu.Lock()
	defer o.mu.Unlock()

	u := o.usage()
	var b strings.Builder
	fmt.Fprintf(&b, "memory optimizer: %d images, %.2f MB (%.1f%% of budget), pressure %s\n",
		u.TotalImages, u.TotalSizeMB, u.UsagePercent, u.MemoryPressure)
	for nodeID, metas := range o.images {
		for _, m := range metas {
			age := durafmt.Parse(o.now().Sub(m.LastAccessed).Round(time.Second)).LimitFirstN(2)
			compressed := ""
			if m.IsCompressed {
				compressed = " (compressed)"
			}
			fmt.Fprintf(&b, "  %-16s %8.2f MB  idle %-16s%s\n", nodeID, m.EstimatedSizeMB, age, compressed)
		}
	}
	return b.String()
}

// estimateImageSizeMB estimates the decoded byte size of an image
// reference.  Data URLs decode to three bytes per four base64 characters;
// remote URLs get a flat default since the true size is unknown client
// side.
func estimateImageSizeMB(imageURL string) float64 {
	if !strings.HasPrefix(imageURL, "data:") {
		return remoteImageDefaultMB
	}
	comma := strings.IndexByte(imageURL, ',')
	if comma == -1 {
		return remoteImageDefaultMB
	}
	payload := imageURL[comma+1:]
	bytes := base64.StdEncoding.DecodedLen(len(payload))
	return float64(bytes) / (1024 * 1024)
}
