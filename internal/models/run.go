package models

import "time"

type RunStatus string

const (
	RunStatusActive    RunStatus = "active"
	RunStatusCompleted RunStatus = "completed"
	RunStatusAborted   RunStatus = "aborted"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether a run in this status can no longer be resumed.
func (s RunStatus) Terminal() bool {
	return s != RunStatusActive
}

type Command string

const (
	CommandPlanReview     Command = "plan-review"
	CommandPhaseExecution Command = "phase-execution"
)

type Run struct {
	ID           int64
	ArtifactPath string
	Command      Command
	Status       RunStatus
	State        State
	Phase        string
	Iteration    int
	Error        string
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

type EventType string

const (
	EventRunStarted    EventType = "run_started"
	EventRunResumed    EventType = "run_resumed"
	EventAgentInvoke   EventType = "agent_invoke"
	EventTransition    EventType = "transition"
	EventEscalation    EventType = "escalation"
	EventHumanDecision EventType = "human_decision"
	EventQualityCheck  EventType = "quality_check"
	EventPhaseStarted  EventType = "phase_started"
	EventPhaseDone     EventType = "phase_done"
	EventRunFinished   EventType = "run_finished"
)

// RunEvent is an append-only audit record. Phase and Iteration are optional.
type RunEvent struct {
	ID        int64
	RunID     int64
	Type      EventType
	Phase     string
	Iteration *int
	Payload   []byte
	CreatedAt time.Time
}
