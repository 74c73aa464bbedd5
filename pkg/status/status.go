// Package status writes the worker's small key/value status document
// consumed by a host agent runtime that wants to answer "am I working?".
// The record is not part of the payment protocol: the worker functions
// identically whether or not AGENTPAY_STATUS_FILE is set.
package status

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the worker's current position in a hire.
type State string

const (
	Idle      State = "idle"
	Offered   State = "offered"
	Working   State = "working"
	Completed State = "completed"
)

// Document is the status file's content: always consistent with the latest
// transition.
type Document struct {
	State     State     `json:"state"`
	JobID     string    `json:"job_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Recorder writes Document updates to a file. A Recorder with an empty path
// is a no-op, since the status file is optional observability, not a
// protocol requirement.
type Recorder struct {
	path string
	mu   sync.Mutex
}

// New builds a Recorder. path may be empty.
func New(path string) *Recorder {
	return &Recorder{path: path}
}

// Set overwrites the status document. Write failures are logged, not
// returned, since the record's absence must never affect protocol behavior.
func (r *Recorder) Set(state State, jobID string) {
	if r == nil || r.path == "" {
		return
	}
	doc := Document{State: state, JobID: jobID, UpdatedAt: time.Now()}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		zap.L().Error("status: marshal failed", zap.Error(err))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		zap.L().Error("status: write failed", zap.String("path", r.path), zap.Error(err))
	}
}
