package model

import (
	"encoding/json"
	"errors"
	"time"
)

type JobStatus string

// Status names follow the hosted job API so the client can talk to either
// the hosted endpoint or the local runtime.
const (
	JobInQueue    JobStatus = "IN_QUEUE"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobCancelled  JobStatus = "CANCELLED"
	JobTimedOut   JobStatus = "TIMED_OUT"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobTimedOut:
		return true
	}
	return false
}

var ErrNotFound = errors.New("not found")

// DefaultPromptType is used when a request omits prompt_type.
const DefaultPromptType = "ocr_layout"

// Input is the "input" object of an inbound job payload.
type Input struct {
	ImageBase64 string `json:"image_base64"`
	PromptType  string `json:"prompt_type,omitempty"`
}

// Request is the full inbound job payload: {"input": {...}}.
type Request struct {
	Input json.RawMessage `json:"input"`
}

// Output is the success payload returned by the handler.
type Output struct {
	Markdown string `json:"markdown"`
	Raw      string `json:"raw"`
}

// Result is either an Output or an error message, never both.
//
// It marshals to {"markdown": ..., "raw": ...} on success and to
// {"error": ...} on failure.
type Result struct {
	Output *Output
	Error  string
}

func Success(out Output) Result {
	return Result{Output: &out}
}

func Failure(msg string) Result {
	if msg == "" {
		msg = "unknown error"
	}
	return Result{Error: msg}
}

func (r Result) OK() bool { return r.Error == "" && r.Output != nil }

func (r Result) MarshalJSON() ([]byte, error) {
	if !r.OK() {
		msg := r.Error
		if msg == "" {
			msg = "unknown error"
		}
		return json.Marshal(struct {
			Error string `json:"error"`
		}{Error: msg})
	}
	return json.Marshal(r.Output)
}

func (r *Result) UnmarshalJSON(data []byte) error {
	var wire struct {
		Markdown *string `json:"markdown"`
		Raw      *string `json:"raw"`
		Error    *string `json:"error"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.Error != nil {
		*r = Result{Error: *wire.Error}
		if r.Error == "" {
			r.Error = "unknown error"
		}
		return nil
	}
	out := Output{}
	if wire.Markdown != nil {
		out.Markdown = *wire.Markdown
	}
	if wire.Raw != nil {
		out.Raw = *wire.Raw
	}
	*r = Result{Output: &out}
	return nil
}

// Job represents an OCR job record in the local job store.
//
// - InputJSON is the raw "input" object as submitted.
// - OutputJSON holds the marshalled Result once the handler has run.
type Job struct {
	ID         string     `json:"id"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Status     JobStatus  `json:"status"`
	InputJSON  string     `json:"inputJson"`
	OutputJSON string     `json:"outputJson,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// DelayTime is how long the job waited in the queue.
func (j Job) DelayTime() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	return j.StartedAt.Sub(j.CreatedAt)
}

// ExecutionTime is how long the handler ran.
func (j Job) ExecutionTime() time.Duration {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(*j.StartedAt)
}

// JobPatch is used for partial updates.
type JobPatch struct {
	Status     *JobStatus
	OutputJSON *string
	Error      *string
	StartedAt  *time.Time
	FinishedAt *time.Time
}
