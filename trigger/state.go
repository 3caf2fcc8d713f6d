package trigger

import (
	"time"

	"github.com/synthflow/synthflow/graphapi"
)

// nowFunc is swapped out in tests.
var nowFunc = time.Now

// Status is a node's position in the preprocessing lifecycle.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// State is the externally visible preprocessing state of one node.  Not
// persisted across sessions.
type State struct {
	Status    Status
	StartTime time.Time
	EndTime   time.Time
	Result    *graphapi.PreprocessedImage
	Error     string
}

// nodeState adds the epoch token used to drop stale completions: every
// transition out of or into processing bumps the epoch, and an in-flight
// call only applies its result if the epoch it started under is still
// current.
type nodeState struct {
	State
	epoch uint64
}
