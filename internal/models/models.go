package models

import "time"

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusEditing    Status = "editing"
)

// Editable reports whether a prompt in this status may be mutated from the
// UI side. Processing and completed prompts are immutable to everything but
// the worker.
func (s Status) Editable() bool {
	switch s {
	case StatusPending, StatusFailed, StatusEditing:
		return true
	}
	return false
}

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank orders priorities for dequeue: lower rank is picked first. Unknown
// values sort with normal so a bad row never starves.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

type MediaType string

const (
	MediaVideo MediaType = "video"
	MediaImage MediaType = "image"
)

type Prompt struct {
	ID            string
	BatchID       string
	Text          string
	MediaType     MediaType
	Priority      Priority
	Status        Status
	AttachedImage string
	MediaURL      string
	Error         string
	Position      int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Batch struct {
	ID        string
	Label     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RunPhase is the queue controller's persisted run state.
type RunPhase string

const (
	RunIdle    RunPhase = "idle"
	RunRunning RunPhase = "running"
	RunPaused  RunPhase = "paused"
)

type RunState struct {
	Phase RunPhase
	// CurrentPromptID is the prompt currently processing, empty when none.
	CurrentPromptID string
	UpdatedAt       time.Time
}
