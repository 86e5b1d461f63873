// Package cron schedules recurring jobs that send messages, run tools,
// or drive full agent turns.
package cron

import "time"

// ActionType selects what a job does when it fires.
type ActionType string

const (
	ActionMessage ActionType = "message"
	ActionTool    ActionType = "tool"
	ActionAgent   ActionType = "agent"
)

// Action is one step of a job, executed in declared order.
type Action struct {
	Type ActionType `json:"type"`

	// message
	Text string `json:"text,omitempty"`

	// tool
	Tool       string         `json:"tool,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	SendOutput bool           `json:"sendOutput,omitempty"`

	// agent
	Prompt string `json:"prompt,omitempty"`
}

// Job is one scheduled entry.
type Job struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"` // 5-field cron or @keyword
	Channel  string   `json:"channel,omitempty"`
	ChatID   string   `json:"chatId,omitempty"`
	Actions  []Action `json:"actions"`
	Enabled  bool     `json:"enabled"`

	TimeoutSec int `json:"timeoutSec,omitempty"`

	// RetryCount is advisory configuration; the scheduler records it
	// but does not retry automatically.
	RetryCount int `json:"retryCount,omitempty"`

	RunCount  int        `json:"runCount,omitempty"`
	FailCount int        `json:"failCount,omitempty"`
	LastRun   *time.Time `json:"lastRun,omitempty"`

	// NextRun is recomputed on load, never trusted from disk.
	NextRun time.Time `json:"-"`
}

// RunStatus is a run log's terminal (or in-flight) state.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunTimeout   RunStatus = "timeout"
)

// RunLog records one firing of a job.
type RunLog struct {
	ID         int64      `json:"id"`
	JobID      string     `json:"jobId"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Status     RunStatus  `json:"status"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	DurationMS int64      `json:"durationMs"`
}
